// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package index

import (
	"io"
	"strconv"
)

// PackageEntry is one paragraph of a binary Packages index.
type PackageEntry struct {
	Package      string
	Source       string
	Version      string
	Architecture string
	// Filename is the pool path relative to the archive root.
	Filename string
	Size     uint64
	SHA256   string
}

// Packages iterates the paragraphs of a binary Packages index.
type Packages struct {
	s *Scanner
}

// NewPackages returns an iterator over the entries of r.
func NewPackages(r io.Reader) *Packages {
	return &Packages{s: NewScanner(r)}
}

// Next returns the next entry, io.EOF at the end of the index, or a
// *ParseError for a malformed paragraph. After a *ParseError the iterator
// remains usable: callers record the failure and continue.
func (p *Packages) Next() (*PackageEntry, error) {
	para, err := p.s.Next()
	if err != nil {
		return nil, err
	}
	e := &PackageEntry{
		Source: para.Folded("Source"),
	}
	if e.Package, err = para.required("Package"); err != nil {
		return nil, err
	}
	if e.Version, err = para.required("Version"); err != nil {
		return nil, err
	}
	if e.Architecture, err = para.required("Architecture"); err != nil {
		return nil, err
	}
	if e.Filename, err = para.required("Filename"); err != nil {
		return nil, err
	}
	if e.SHA256, err = para.required("SHA256"); err != nil {
		return nil, err
	}
	size, err := para.required("Size")
	if err != nil {
		return nil, err
	}
	if e.Size, err = strconv.ParseUint(size, 10, 64); err != nil {
		return nil, parseErrorf("malformed Size for %s: %q", e.Package, size)
	}
	return e, nil
}
