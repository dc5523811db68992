// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package index provides parsing for Debian archive index files.
// For more details, see https://www.debian.org/doc/debian-policy/ch-controlfields.html
package index

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// ParseError reports a malformed or incomplete paragraph. Callers iterating
// an index may record and skip past it; structural errors are returned as
// plain errors instead.
type ParseError struct {
	Msg string
}

func (e *ParseError) Error() string { return e.Msg }

func parseErrorf(format string, args ...any) *ParseError {
	return &ParseError{Msg: fmt.Sprintf(format, args...)}
}

type Value struct {
	Lines []string
}

// Simple, Folded, and Multiline are different types of fields in a control
// file. The exact type of a field is defined by the particular index schema
// (Release, Sources, buildinfo, etc).
/// https://www.debian.org/doc/debian-policy/ch-controlfields.html#syntax-of-control-files
func (v Value) AsSimple() (string, error) {
	if len(v.Lines) != 1 {
		return "", errors.New("expected simple field")
	}
	return v.Lines[0], nil
}

func (v Value) AsFolded() string {
	var out []string
	for _, line := range v.Lines {
		out = append(out, strings.TrimSpace(line))
	}
	return strings.Join(out, " ")
}

func (v Value) AsMultiline() string {
	return strings.Join(v.Lines, "\n")
}

// AsLines returns the lines of the value, stripping the first line if it is
// empty. This is useful for multiline fields (like Checksums) where the data
// starts on the line following the field name.
func (v Value) AsLines() []string {
	lines := v.Lines
	if len(lines) > 0 && strings.TrimSpace(lines[0]) == "" {
		return lines[1:]
	}
	return lines
}

// AsList returns the comma-separated values from a folded field, with
// whitespace trimmed.
func (v Value) AsList() []string {
	l := []string{}
	for _, line := range strings.Split(v.AsFolded(), ",") {
		l = append(l, strings.TrimSpace(line))
	}
	return l
}

// Paragraph is one RFC822-style stanza. Field names are case-insensitive.
type Paragraph struct {
	fields map[string]Value
}

// Field looks up a field by name, ignoring case.
func (p *Paragraph) Field(name string) (Value, bool) {
	v, ok := p.fields[strings.ToLower(name)]
	return v, ok
}

// Folded returns the folded value of the named field, or "" when absent.
func (p *Paragraph) Folded(name string) string {
	v, ok := p.Field(name)
	if !ok {
		return ""
	}
	return v.AsFolded()
}

func (p *Paragraph) required(name string) (string, error) {
	v, ok := p.Field(name)
	if !ok {
		return "", parseErrorf("missing required field: %s", name)
	}
	return v.AsFolded(), nil
}

func (p *Paragraph) set(name string, v Value) {
	p.fields[strings.ToLower(name)] = v
}

func (p *Paragraph) len() int { return len(p.fields) }

// Scanner iterates the paragraphs of an index without materializing the
// whole file. PGP clearsign armor around the content is skipped.
type Scanner struct {
	b    *bufio.Scanner
	done bool
}

// NewScanner returns a Scanner reading paragraphs from r.
func NewScanner(r io.Reader) *Scanner {
	b := bufio.NewScanner(r)
	// Tag and description lines in large indices exceed the default token
	// limit.
	b.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &Scanner{b: b}
}

func (s *Scanner) next() (string, bool) {
	if !s.b.Scan() {
		return "", false
	}
	return s.b.Text(), true
}

func (s *Scanner) skipArmorHeader() error {
	// "-----BEGIN PGP SIGNED MESSAGE-----" is followed by armor headers
	// (e.g. "Hash: SHA256") and a blank line before the signed content.
	for {
		line, ok := s.next()
		if !ok {
			return errors.New("truncated clearsign header")
		}
		if strings.TrimSpace(line) == "" {
			return nil
		}
	}
}

// Next returns the next paragraph, or io.EOF once the input is exhausted.
func (s *Scanner) Next() (*Paragraph, error) {
	if s.done {
		return nil, io.EOF
	}
	p := &Paragraph{fields: map[string]Value{}}
	var lastField string
	for {
		line, ok := s.next()
		if !ok {
			if err := s.b.Err(); err != nil {
				return nil, errors.Wrap(err, "scanning index")
			}
			s.done = true
			if p.len() > 0 {
				return p, nil
			}
			return nil, io.EOF
		}
		switch {
		case strings.HasPrefix(line, "-----BEGIN PGP SIGNED MESSAGE-----"):
			if err := s.skipArmorHeader(); err != nil {
				return nil, err
			}
		case strings.HasPrefix(line, "-----BEGIN PGP SIGNATURE-----"):
			s.done = true
			if p.len() > 0 {
				return p, nil
			}
			return nil, io.EOF
		case strings.TrimSpace(line) == "":
			if p.len() > 0 {
				return p, nil
			}
			// Leading blank lines.
		case strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t"):
			if lastField == "" {
				return nil, parseErrorf("unexpected continuation line: %q", line)
			}
			v, _ := p.Field(lastField)
			// Strip the continuation marker but preserve the rest of the
			// line, including indentation, so multiline fields retain their
			// structure. Folded values can be trimmed later.
			v.Lines = append(v.Lines, line[1:])
			p.set(lastField, v)
		default:
			field, value, found := strings.Cut(line, ":")
			if !found {
				return nil, parseErrorf("expected new field, got: %q", line)
			}
			if _, ok := p.Field(field); ok {
				return nil, parseErrorf("duplicate field in paragraph: %s", field)
			}
			p.set(field, Value{Lines: []string{strings.TrimSpace(value)}})
			lastField = field
		}
	}
}

// ParseAll reads every paragraph of r. Intended for small inputs such as
// Release files; large indices should iterate a Scanner instead.
func ParseAll(r io.Reader) ([]*Paragraph, error) {
	s := NewScanner(r)
	var out []*Paragraph
	for {
		p, err := s.Next()
		if err == io.EOF {
			return out, nil
		} else if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
}
