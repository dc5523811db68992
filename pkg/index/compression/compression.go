// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package compression wraps readers for the encodings archive indices are
// published under, selected by file extension.
package compression

import (
	"compress/bzip2"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"xi2.org/x/xz"
)

type newReader func(io.Reader) (io.Reader, error)

func gzipNewReader(r io.Reader) (io.Reader, error) {
	return gzip.NewReader(r)
}

func xzNewReader(r io.Reader) (io.Reader, error) {
	return xz.NewReader(r, 0)
}

func bzipNewReader(r io.Reader) (io.Reader, error) {
	return bzip2.NewReader(r), nil
}

var knownReaders = map[string]newReader{
	".gz":  gzipNewReader,
	".bz2": bzipNewReader,
	".xz":  xzNewReader,
}

// Decompress wraps reader with the decoder matching name's extension.
// Unrecognized extensions pass through unchanged.
func Decompress(reader io.Reader, name string) (io.Reader, error) {
	for suffix, decompressor := range knownReaders {
		if strings.HasSuffix(name, suffix) {
			return decompressor(reader)
		}
	}
	return reader, nil
}

// Strip removes a recognized compression extension from name, mapping the
// published variants of an index to its canonical path.
func Strip(name string) string {
	for suffix := range knownReaders {
		if strings.HasSuffix(name, suffix) {
			return strings.TrimSuffix(name, suffix)
		}
	}
	return name
}

// Compressed reports whether name carries a recognized extension.
func Compressed(name string) bool {
	return Strip(name) != name
}
