// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
)

// Entities are created lazily on first sighting and never deleted, so
// every upsert is an ON CONFLICT DO NOTHING.

func (t *Tx) AddArchive(ctx context.Context, name string) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO archives (name) VALUES (?) ON CONFLICT DO NOTHING`, name)
	return errors.Wrap(err, "upserting archive")
}

func (t *Tx) AddTimestamp(ctx context.Context, archive, value string) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO timestamps (archive, value) VALUES (?, ?) ON CONFLICT DO NOTHING`,
		archive, value)
	return errors.Wrap(err, "upserting timestamp")
}

func (t *Tx) AddSuite(ctx context.Context, archive, name string) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO suites (archive, name) VALUES (?, ?) ON CONFLICT DO NOTHING`,
		archive, name)
	return errors.Wrap(err, "upserting suite")
}

func (t *Tx) AddComponent(ctx context.Context, archive, suite, name string) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO components (archive, suite, name) VALUES (?, ?, ?) ON CONFLICT DO NOTHING`,
		archive, suite, name)
	return errors.Wrap(err, "upserting component")
}

func (t *Tx) AddArchitecture(ctx context.Context, name string) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO architectures (name) VALUES (?) ON CONFLICT DO NOTHING`, name)
	return errors.Wrap(err, "upserting architecture")
}

// AddFile records a sha256 and its size. A conflicting size for an already
// known digest returns ErrSizeDrift.
func (t *Tx) AddFile(ctx context.Context, sha256 string, size uint64) error {
	var existing uint64
	err := t.tx.QueryRowContext(ctx,
		`SELECT size FROM files WHERE sha256 = ?`, sha256).Scan(&existing)
	switch {
	case err == sql.ErrNoRows:
		_, err = t.tx.ExecContext(ctx,
			`INSERT INTO files (sha256, size) VALUES (?, ?)`, sha256, size)
		return errors.Wrap(err, "inserting file")
	case err != nil:
		return errors.Wrap(err, "querying file")
	case existing != size:
		return errors.Wrapf(ErrSizeDrift, "%s: recorded %d, observed %d", sha256, existing, size)
	}
	return nil
}

// Location is the logical position at which a file can be seen. Path is
// the repo-relative directory, Name the filename.
type Location struct {
	Archive   string
	Suite     string
	Component string
	Path      string
	Name      string
}

// AddLocation upserts a location and returns its surrogate id.
func (t *Tx) AddLocation(ctx context.Context, l Location) (int64, error) {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO locations (archive, suite, component, path, name)
		 VALUES (?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		l.Archive, l.Suite, l.Component, l.Path, l.Name)
	if err != nil {
		return 0, errors.Wrap(err, "upserting location")
	}
	var id int64
	err = t.tx.QueryRowContext(ctx,
		`SELECT id FROM locations
		 WHERE archive = ? AND suite = ? AND component = ? AND path = ? AND name = ?`,
		l.Archive, l.Suite, l.Component, l.Path, l.Name).Scan(&id)
	return id, errors.Wrap(err, "resolving location id")
}

func (t *Tx) AddSourcePackage(ctx context.Context, name, version string) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO srcpkg (name, version) VALUES (?, ?) ON CONFLICT DO NOTHING`,
		name, version)
	return errors.Wrap(err, "upserting source package")
}

func (t *Tx) AddSourceFile(ctx context.Context, name, version, sha256 string) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO srcpkg_files (name, version, sha256) VALUES (?, ?, ?) ON CONFLICT DO NOTHING`,
		name, version, sha256)
	return errors.Wrap(err, "upserting source file")
}

func (t *Tx) AddBinaryPackage(ctx context.Context, name, version string) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO binpkg (name, version) VALUES (?, ?) ON CONFLICT DO NOTHING`,
		name, version)
	return errors.Wrap(err, "upserting binary package")
}

func (t *Tx) AddBinaryFile(ctx context.Context, name, version, sha256, arch string) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO binpkg_files (name, version, sha256, architecture)
		 VALUES (?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		name, version, sha256, arch)
	return errors.Wrap(err, "upserting binary file")
}

// AddObservation records that file sha256 was present at location at the
// given archive timestamp and coalesces the per-(file, location, arch)
// ranges: a new observation merges the ranges abutting it through the
// archive's timestamp sequence, extends one of them, or starts a singleton.
// Applying the same observation twice leaves the store unchanged. arch is
// empty for metadata and source files.
func (t *Tx) AddObservation(ctx context.Context, sha256 string, location int64, arch, archive, ts string) error {
	// Already inside a range: nothing to do.
	var n int
	err := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM file_ranges
		 WHERE sha256 = ? AND location = ? AND architecture = ?
		   AND begin_ts <= ? AND end_ts >= ?`,
		sha256, location, arch, ts, ts).Scan(&n)
	if err != nil {
		return errors.Wrap(err, "querying containing range")
	}
	if n > 0 {
		return nil
	}

	adjacent := func(query, bound string) (string, bool, error) {
		var v string
		err := t.tx.QueryRowContext(ctx, query, archive, bound).Scan(&v)
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return v, err == nil, errors.Wrap(err, "querying adjacent timestamp")
	}
	// The neighbors of ts among all ingested timestamps for the archive,
	// not only those carrying this observation.
	prev, hasPrev, err := adjacent(
		`SELECT value FROM timestamps WHERE archive = ? AND value < ? ORDER BY value DESC LIMIT 1`, ts)
	if err != nil {
		return err
	}
	next, hasNext, err := adjacent(
		`SELECT value FROM timestamps WHERE archive = ? AND value > ? ORDER BY value ASC LIMIT 1`, ts)
	if err != nil {
		return err
	}

	rangeAt := func(col, bound string) (string, string, bool, error) {
		var begin, end string
		err := t.tx.QueryRowContext(ctx,
			`SELECT begin_ts, end_ts FROM file_ranges
			 WHERE sha256 = ? AND location = ? AND architecture = ? AND `+col+` = ?`,
			sha256, location, arch, bound).Scan(&begin, &end)
		if err == sql.ErrNoRows {
			return "", "", false, nil
		}
		return begin, end, err == nil, errors.Wrap(err, "querying abutting range")
	}
	var left, right bool
	var leftBegin, rightBegin, rightEnd string
	if hasPrev {
		if leftBegin, _, left, err = rangeAt("end_ts", prev); err != nil {
			return err
		}
	}
	if hasNext {
		if rightBegin, rightEnd, right, err = rangeAt("begin_ts", next); err != nil {
			return err
		}
	}

	switch {
	case left && right:
		if _, err := t.tx.ExecContext(ctx,
			`DELETE FROM file_ranges
			 WHERE sha256 = ? AND location = ? AND architecture = ? AND begin_ts = ?`,
			sha256, location, arch, rightBegin); err != nil {
			return errors.Wrap(err, "deleting merged range")
		}
		_, err := t.tx.ExecContext(ctx,
			`UPDATE file_ranges SET end_ts = ?
			 WHERE sha256 = ? AND location = ? AND architecture = ? AND begin_ts = ?`,
			rightEnd, sha256, location, arch, leftBegin)
		return errors.Wrap(err, "merging ranges")
	case left:
		_, err := t.tx.ExecContext(ctx,
			`UPDATE file_ranges SET end_ts = ?
			 WHERE sha256 = ? AND location = ? AND architecture = ? AND begin_ts = ?`,
			ts, sha256, location, arch, leftBegin)
		return errors.Wrap(err, "extending range forward")
	case right:
		_, err := t.tx.ExecContext(ctx,
			`UPDATE file_ranges SET begin_ts = ?
			 WHERE sha256 = ? AND location = ? AND architecture = ? AND begin_ts = ?`,
			ts, sha256, location, arch, rightBegin)
		return errors.Wrap(err, "extending range backward")
	default:
		_, err := t.tx.ExecContext(ctx,
			`INSERT INTO file_ranges (sha256, location, architecture, begin_ts, end_ts)
			 VALUES (?, ?, ?, ?, ?)`,
			sha256, location, arch, ts, ts)
		return errors.Wrap(err, "inserting singleton range")
	}
}

// MarkProvisioned records that the tuple completed provisioning.
func (t *Tx) MarkProvisioned(ctx context.Context, archive, ts, suite, component, arch string) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO provisioned (archive, timestamp, suite, component, architecture)
		 VALUES (?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		archive, ts, suite, component, arch)
	return errors.Wrap(err, "marking provisioned")
}
