// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package index

import (
	"bufio"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// SumEntry is one line of a SHA256SUMS file. Name is the path relative to
// the directory containing the checksum file, without a leading "./".
type SumEntry struct {
	Name   string
	SHA256 string
}

// ParseSHA256SUMS parses the coreutils sha256sum format used by the
// installer image trees: "digest<space><space>./path" per line.
func ParseSHA256SUMS(r io.Reader) ([]SumEntry, error) {
	b := bufio.NewScanner(r)
	var out []SumEntry
	for b.Scan() {
		line := strings.TrimSpace(b.Text())
		if line == "" {
			continue
		}
		digest, name, found := strings.Cut(line, " ")
		if !found {
			return nil, parseErrorf("malformed checksum line: %q", line)
		}
		// Binary-mode marker "*" or the plain second space.
		name = strings.TrimPrefix(strings.TrimSpace(name), "*")
		name = strings.TrimPrefix(name, "./")
		if len(digest) != 64 || name == "" {
			return nil, parseErrorf("malformed checksum line: %q", line)
		}
		out = append(out, SumEntry{Name: name, SHA256: strings.ToLower(digest)})
	}
	if err := b.Err(); err != nil {
		return nil, errors.Wrap(err, "scanning checksums")
	}
	return out, nil
}
