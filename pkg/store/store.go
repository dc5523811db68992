// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package store persists the provenance model: archives, timestamps,
// packages, files, and the coalesced per-location timestamp ranges.
package store

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// ErrSizeDrift reports a second observation of a sha256 with a different
// size. A digest collision with differing sizes indicates corruption, so
// the enclosing transaction must be abandoned.
var ErrSizeDrift = errors.New("size drift for sha256")

// "begin" and "end" are reserved words, hence begin_ts/end_ts.
const schema = `
CREATE TABLE IF NOT EXISTS archives (
	name TEXT PRIMARY KEY
) WITHOUT ROWID;
CREATE TABLE IF NOT EXISTS timestamps (
	archive TEXT NOT NULL REFERENCES archives(name),
	value   TEXT NOT NULL,
	PRIMARY KEY (archive, value)
) WITHOUT ROWID;
CREATE TABLE IF NOT EXISTS suites (
	archive TEXT NOT NULL REFERENCES archives(name),
	name    TEXT NOT NULL,
	PRIMARY KEY (archive, name)
) WITHOUT ROWID;
CREATE TABLE IF NOT EXISTS components (
	archive TEXT NOT NULL,
	suite   TEXT NOT NULL,
	name    TEXT NOT NULL,
	PRIMARY KEY (archive, suite, name),
	FOREIGN KEY (archive, suite) REFERENCES suites(archive, name)
) WITHOUT ROWID;
CREATE TABLE IF NOT EXISTS architectures (
	name TEXT PRIMARY KEY
) WITHOUT ROWID;
CREATE TABLE IF NOT EXISTS files (
	sha256 TEXT PRIMARY KEY,
	size   INTEGER NOT NULL
) WITHOUT ROWID;
CREATE TABLE IF NOT EXISTS locations (
	id        INTEGER PRIMARY KEY,
	archive   TEXT NOT NULL,
	suite     TEXT NOT NULL,
	component TEXT NOT NULL,
	path      TEXT NOT NULL,
	name      TEXT NOT NULL,
	UNIQUE (archive, suite, component, path, name)
);
CREATE TABLE IF NOT EXISTS srcpkg (
	name    TEXT NOT NULL,
	version TEXT NOT NULL,
	PRIMARY KEY (name, version)
) WITHOUT ROWID;
CREATE TABLE IF NOT EXISTS srcpkg_files (
	name    TEXT NOT NULL,
	version TEXT NOT NULL,
	sha256  TEXT NOT NULL REFERENCES files(sha256),
	PRIMARY KEY (name, version, sha256),
	FOREIGN KEY (name, version) REFERENCES srcpkg(name, version)
) WITHOUT ROWID;
CREATE TABLE IF NOT EXISTS binpkg (
	name    TEXT NOT NULL,
	version TEXT NOT NULL,
	PRIMARY KEY (name, version)
) WITHOUT ROWID;
CREATE TABLE IF NOT EXISTS binpkg_files (
	name         TEXT NOT NULL,
	version      TEXT NOT NULL,
	sha256       TEXT NOT NULL REFERENCES files(sha256),
	architecture TEXT NOT NULL REFERENCES architectures(name),
	PRIMARY KEY (name, version, sha256, architecture),
	FOREIGN KEY (name, version) REFERENCES binpkg(name, version)
) WITHOUT ROWID;
CREATE TABLE IF NOT EXISTS file_ranges (
	sha256       TEXT NOT NULL REFERENCES files(sha256),
	location     INTEGER NOT NULL REFERENCES locations(id),
	architecture TEXT NOT NULL DEFAULT '',
	begin_ts     TEXT NOT NULL,
	end_ts       TEXT NOT NULL,
	PRIMARY KEY (sha256, location, architecture, begin_ts)
) WITHOUT ROWID;
CREATE INDEX IF NOT EXISTS file_ranges_location ON file_ranges(location);
CREATE TABLE IF NOT EXISTS provisioned (
	archive      TEXT NOT NULL,
	timestamp    TEXT NOT NULL,
	suite        TEXT NOT NULL,
	component    TEXT NOT NULL,
	architecture TEXT NOT NULL,
	PRIMARY KEY (archive, timestamp, suite, component, architecture)
) WITHOUT ROWID;
`

var pragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA busy_timeout = 10000",
	"PRAGMA foreign_keys = ON",
	"PRAGMA synchronous = NORMAL",
}

// Store wraps the provenance database. The ingester is its only writer;
// the query layer opens it read-only and shares the connection pool.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at the given DSN.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "opening database")
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "applying %q", p)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "creating schema")
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Tx is a write transaction scoped to one ingestion tuple.
type Tx struct {
	tx *sql.Tx
}

// Begin starts a write transaction.
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "starting transaction")
	}
	return &Tx{tx: tx}, nil
}

func (t *Tx) Commit() error {
	return errors.Wrap(t.tx.Commit(), "committing")
}

func (t *Tx) Rollback() error {
	return t.tx.Rollback()
}
