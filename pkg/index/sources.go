// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package index

import "io"

// SourceEntry is one paragraph of a Sources index. Files holds the
// Checksums-Sha256 block; each name is relative to Directory.
type SourceEntry struct {
	Package   string
	Version   string
	Directory string
	Files     []FileRef
}

// Sources iterates the paragraphs of a Sources index.
type Sources struct {
	s *Scanner
}

// NewSources returns an iterator over the entries of r.
func NewSources(r io.Reader) *Sources {
	return &Sources{s: NewScanner(r)}
}

// Next returns the next entry, io.EOF at the end of the index, or a
// *ParseError for a malformed paragraph. After a *ParseError the iterator
// remains usable: callers record the failure and continue.
func (s *Sources) Next() (*SourceEntry, error) {
	para, err := s.s.Next()
	if err != nil {
		return nil, err
	}
	e := &SourceEntry{}
	if e.Package, err = para.required("Package"); err != nil {
		return nil, err
	}
	if e.Version, err = para.required("Version"); err != nil {
		return nil, err
	}
	if e.Directory, err = para.required("Directory"); err != nil {
		return nil, err
	}
	sums, ok := para.Field("Checksums-Sha256")
	if !ok {
		return nil, parseErrorf("missing required field: Checksums-Sha256 (package %s)", e.Package)
	}
	if e.Files, err = parseFileRefs(sums); err != nil {
		return nil, err
	}
	return e, nil
}
