// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
)

// ErrNotFound is returned by lookups for entities the store has never seen.
var ErrNotFound = errors.New("not found")

func (s *Store) strings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "querying")
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, errors.Wrap(err, "scanning")
		}
		out = append(out, v)
	}
	return out, errors.Wrap(rows.Err(), "iterating")
}

// SourcePackageNames returns every known source package name in order.
func (s *Store) SourcePackageNames(ctx context.Context) ([]string, error) {
	return s.strings(ctx, `SELECT DISTINCT name FROM srcpkg ORDER BY name`)
}

// SourceVersions returns the versions of a source package in order.
func (s *Store) SourceVersions(ctx context.Context, name string) ([]string, error) {
	return s.strings(ctx,
		`SELECT version FROM srcpkg WHERE name = ? ORDER BY version`, name)
}

// SourceFiles returns the sha256 of every file of a source package version.
func (s *Store) SourceFiles(ctx context.Context, name, version string) ([]string, error) {
	return s.strings(ctx,
		`SELECT sha256 FROM srcpkg_files WHERE name = ? AND version = ? ORDER BY sha256`,
		name, version)
}

// BinaryVersions returns the versions of a binary package in order.
func (s *Store) BinaryVersions(ctx context.Context, name string) ([]string, error) {
	return s.strings(ctx,
		`SELECT version FROM binpkg WHERE name = ? ORDER BY version`, name)
}

// BinFile is one file of a binary package version.
type BinFile struct {
	SHA256       string
	Architecture string
}

// BinaryFiles returns the files of a binary package version with the
// architecture each was published for.
func (s *Store) BinaryFiles(ctx context.Context, name, version string) ([]BinFile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sha256, architecture FROM binpkg_files
		 WHERE name = ? AND version = ? ORDER BY sha256, architecture`,
		name, version)
	if err != nil {
		return nil, errors.Wrap(err, "querying binary files")
	}
	defer rows.Close()
	var out []BinFile
	for rows.Next() {
		var f BinFile
		if err := rows.Scan(&f.SHA256, &f.Architecture); err != nil {
			return nil, errors.Wrap(err, "scanning")
		}
		out = append(out, f)
	}
	return out, errors.Wrap(rows.Err(), "iterating")
}

// FileHashes returns every known sha256 in order.
func (s *Store) FileHashes(ctx context.Context) ([]string, error) {
	return s.strings(ctx, `SELECT sha256 FROM files ORDER BY sha256`)
}

// FileSize returns the recorded size of a file, or ErrNotFound.
func (s *Store) FileSize(ctx context.Context, sha256 string) (uint64, error) {
	var size uint64
	err := s.db.QueryRowContext(ctx,
		`SELECT size FROM files WHERE sha256 = ?`, sha256).Scan(&size)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return size, errors.Wrap(err, "querying file size")
}

// FileLocation describes one logical position a file was observed at, with
// its coalesced [begin, end] timestamp ranges.
type FileLocation struct {
	Name      string
	Path      string
	Size      uint64
	Archive   string
	Suite     string
	Component string
	Ranges    [][2]string
}

// FileInfo returns every location of a file, ordered by (archive, suite,
// component, path, name). Ranges for the same location observed under
// several architectures are merged and deduplicated.
func (s *Store) FileInfo(ctx context.Context, sha256 string) ([]FileLocation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT l.name, l.path, f.size, l.archive, l.suite, l.component, r.begin_ts, r.end_ts
		 FROM file_ranges r
		 JOIN locations l ON l.id = r.location
		 JOIN files f ON f.sha256 = r.sha256
		 WHERE r.sha256 = ?
		 ORDER BY l.archive, l.suite, l.component, l.path, l.name, r.begin_ts`,
		sha256)
	if err != nil {
		return nil, errors.Wrap(err, "querying file info")
	}
	defer rows.Close()
	var out []FileLocation
	for rows.Next() {
		var loc FileLocation
		var begin, end string
		if err := rows.Scan(&loc.Name, &loc.Path, &loc.Size, &loc.Archive, &loc.Suite, &loc.Component, &begin, &end); err != nil {
			return nil, errors.Wrap(err, "scanning")
		}
		rg := [2]string{begin, end}
		if n := len(out); n > 0 && out[n-1].Archive == loc.Archive && out[n-1].Suite == loc.Suite &&
			out[n-1].Component == loc.Component && out[n-1].Path == loc.Path && out[n-1].Name == loc.Name {
			prev := &out[n-1]
			if len(prev.Ranges) == 0 || prev.Ranges[len(prev.Ranges)-1] != rg {
				prev.Ranges = append(prev.Ranges, rg)
			}
			continue
		}
		loc.Ranges = [][2]string{rg}
		out = append(out, loc)
	}
	return out, errors.Wrap(rows.Err(), "iterating")
}

// Timestamps returns every ingested timestamp for an archive in order.
func (s *Store) Timestamps(ctx context.Context, archive string) ([]string, error) {
	return s.strings(ctx,
		`SELECT value FROM timestamps WHERE archive = ? ORDER BY value`, archive)
}

// ClosestTimestamp resolves a queried value to the exact ingested
// timestamp, or failing that the greatest one before it. ErrNotFound when
// nothing precedes the query.
func (s *Store) ClosestTimestamp(ctx context.Context, archive, value string) (string, error) {
	var ts string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM timestamps WHERE archive = ? AND value <= ?
		 ORDER BY value DESC LIMIT 1`, archive, value).Scan(&ts)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return ts, errors.Wrap(err, "querying closest timestamp")
}

// LatestTimestamp returns the maximum ingested timestamp for an archive.
func (s *Store) LatestTimestamp(ctx context.Context, archive string) (string, error) {
	var ts string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM timestamps WHERE archive = ?
		 ORDER BY value DESC LIMIT 1`, archive).Scan(&ts)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return ts, errors.Wrap(err, "querying latest timestamp")
}

// ExpandRange lists the ingested archive timestamps inside [begin, end].
func (s *Store) ExpandRange(ctx context.Context, archive, begin, end string) ([]string, error) {
	return s.strings(ctx,
		`SELECT value FROM timestamps
		 WHERE archive = ? AND value >= ? AND value <= ? ORDER BY value`,
		archive, begin, end)
}

// PackageRange is one coalesced range at which a binary package version
// was observed, with the location that carried it.
type PackageRange struct {
	Archive      string
	Suite        string
	Component    string
	Architecture string
	Begin        string
	End          string
}

// BinaryPackageRanges returns, for a binary (name, version), every
// observation range grouped by carrying location. The architecture is the
// one the file was published for in its binary index.
func (s *Store) BinaryPackageRanges(ctx context.Context, name, version string) ([]PackageRange, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT l.archive, l.suite, l.component, b.architecture, r.begin_ts, r.end_ts
		 FROM binpkg_files b
		 JOIN file_ranges r ON r.sha256 = b.sha256
		 JOIN locations l ON l.id = r.location
		 WHERE b.name = ? AND b.version = ?
		 ORDER BY l.archive, l.suite, l.component, b.architecture, r.begin_ts`,
		name, version)
	if err != nil {
		return nil, errors.Wrap(err, "querying package ranges")
	}
	defer rows.Close()
	var out []PackageRange
	for rows.Next() {
		var pr PackageRange
		if err := rows.Scan(&pr.Archive, &pr.Suite, &pr.Component, &pr.Architecture, &pr.Begin, &pr.End); err != nil {
			return nil, errors.Wrap(err, "scanning")
		}
		out = append(out, pr)
	}
	return out, errors.Wrap(rows.Err(), "iterating")
}

// IsProvisioned reports whether the tuple completed provisioning before.
func (s *Store) IsProvisioned(ctx context.Context, archive, ts, suite, component, arch string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM provisioned
		 WHERE archive = ? AND timestamp = ? AND suite = ? AND component = ? AND architecture = ?`,
		archive, ts, suite, component, arch).Scan(&n)
	return n > 0, errors.Wrap(err, "querying provisioned")
}

// File pairs a digest with its recorded size, for store verification.
type File struct {
	SHA256 string
	Size   uint64
}

// Files returns every known file with its size, in digest order.
func (s *Store) Files(ctx context.Context) ([]File, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT sha256, size FROM files ORDER BY sha256`)
	if err != nil {
		return nil, errors.Wrap(err, "querying files")
	}
	defer rows.Close()
	var out []File
	for rows.Next() {
		var f File
		if err := rows.Scan(&f.SHA256, &f.Size); err != nil {
			return nil, errors.Wrap(err, "scanning")
		}
		out = append(out, f)
	}
	return out, errors.Wrap(rows.Err(), "iterating")
}
