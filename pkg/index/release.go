// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package index

import (
	"io"
	"strconv"
	"strings"
)

// FileRef is one entry of a SHA256 checksum block: digest, size, and the
// path relative to the file that lists it.
type FileRef struct {
	Name   string
	Size   uint64
	SHA256 string
}

// parseFileRef parses one "digest size name" checksum line.
func parseFileRef(line string) (FileRef, error) {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return FileRef{}, parseErrorf("malformed checksum line: %q", line)
	}
	size, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return FileRef{}, parseErrorf("malformed size in checksum line: %q", line)
	}
	return FileRef{Name: fields[2], Size: size, SHA256: strings.ToLower(fields[0])}, nil
}

func parseFileRefs(v Value) ([]FileRef, error) {
	var refs []FileRef
	for _, line := range v.AsLines() {
		if strings.TrimSpace(line) == "" {
			continue
		}
		ref, err := parseFileRef(line)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// Release is the single paragraph of a dists/{suite}/Release file.
type Release struct {
	Origin        string
	Label         string
	Suite         string
	Codename      string
	Date          string
	Components    []string
	Architectures []string
	// SHA256 lists every index file below dists/{suite} with its digest
	// and size.
	SHA256 []FileRef
}

// FileBySHA256 returns the checksum entry for the given relative path.
func (r *Release) FileBySHA256(name string) (FileRef, bool) {
	for _, ref := range r.SHA256 {
		if ref.Name == name {
			return ref, true
		}
	}
	return FileRef{}, false
}

// ParseRelease parses a Release or InRelease file. Any failure is fatal:
// without a trusted checksum block no index below the suite can be verified.
func ParseRelease(rd io.Reader) (*Release, error) {
	paras, err := ParseAll(rd)
	if err != nil {
		return nil, err
	}
	if len(paras) != 1 {
		return nil, parseErrorf("expected one paragraph in Release, got %d", len(paras))
	}
	p := paras[0]
	r := &Release{
		Origin:   p.Folded("Origin"),
		Label:    p.Folded("Label"),
		Suite:    p.Folded("Suite"),
		Codename: p.Folded("Codename"),
		Date:     p.Folded("Date"),
	}
	if v := p.Folded("Components"); v != "" {
		r.Components = strings.Fields(v)
	}
	if v := p.Folded("Architectures"); v != "" {
		r.Architectures = strings.Fields(v)
	}
	v, ok := p.Field("SHA256")
	if !ok {
		return nil, parseErrorf("missing required field: SHA256")
	}
	if r.SHA256, err = parseFileRefs(v); err != nil {
		return nil, err
	}
	return r, nil
}
