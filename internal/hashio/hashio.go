// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package hashio provides hash-verified, atomic file placement.
//
// Downloads are streamed through SHA256 into a sibling ".part" file and
// only renamed into place once the digest and size check out, so a partial
// file never exists at a canonical path.
package hashio

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// PartSuffix is appended to the destination path while a write is in flight.
const PartSuffix = ".part"

var (
	// ErrHashMismatch is returned by Commit when the streamed bytes do not
	// hash to the expected digest.
	ErrHashMismatch = errors.New("sha256 mismatch")
	// ErrSizeMismatch is returned by Commit when the byte count differs from
	// the expected size.
	ErrSizeMismatch = errors.New("size mismatch")
)

// Writer streams bytes to <dest>.part while hashing them.
type Writer struct {
	dest    string
	part    string
	f       *os.File
	h       hash.Hash
	written uint64
	done    bool
}

// NewWriter creates the destination's parent directory and opens a .part
// sibling for writing. Each writer gets its own part file, so concurrent
// writers to one destination cannot interleave bytes; whichever commits
// last owns the destination, and both committed the same verified content.
func NewWriter(dest string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, errors.Wrap(err, "creating parent dir")
	}
	f, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".*"+PartSuffix)
	if err != nil {
		return nil, errors.Wrap(err, "creating part file")
	}
	if err := f.Chmod(0o644); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, errors.Wrap(err, "setting part file mode")
	}
	return &Writer{dest: dest, part: f.Name(), f: f, h: sha256.New()}, nil
}

func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	w.h.Write(p[:n])
	w.written += uint64(n)
	return n, err
}

// Sum returns the hex digest of everything written so far.
func (w *Writer) Sum() string {
	return hex.EncodeToString(w.h.Sum(nil))
}

// Size returns the number of bytes written so far.
func (w *Writer) Size() uint64 {
	return w.written
}

// Commit verifies the stream against wantSHA256 (if non-empty) and wantSize
// (if non-zero wantSizeSet) and atomically renames the .part file into
// place. On verification failure the .part file is removed and the digest
// that was computed is returned alongside the error.
func (w *Writer) Commit(wantSHA256 string, wantSize uint64, wantSizeSet bool) (string, error) {
	if w.done {
		return "", errors.New("writer already finalized")
	}
	w.done = true
	if err := w.f.Close(); err != nil {
		os.Remove(w.part)
		return "", errors.Wrap(err, "closing part file")
	}
	got := w.Sum()
	if wantSizeSet && w.written != wantSize {
		os.Remove(w.part)
		return got, errors.Wrapf(ErrSizeMismatch, "got %d bytes, want %d", w.written, wantSize)
	}
	if wantSHA256 != "" && got != wantSHA256 {
		os.Remove(w.part)
		return got, errors.Wrapf(ErrHashMismatch, "got %s, want %s", got, wantSHA256)
	}
	if err := os.Rename(w.part, w.dest); err != nil {
		os.Remove(w.part)
		return got, errors.Wrap(err, "renaming into place")
	}
	return got, nil
}

// Abort discards the in-flight write. The .part file is removed unless
// keepPart is set (--no-clean-part-file).
func (w *Writer) Abort(keepPart bool) {
	if w.done {
		return
	}
	w.done = true
	w.f.Close()
	if !keepPart {
		os.Remove(w.part)
	}
}

// SHA256File computes the digest and size of an existing file.
func SHA256File(path string) (string, uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, errors.Wrap(err, "opening file")
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, errors.Wrap(err, "hashing file")
	}
	return hex.EncodeToString(h.Sum(nil)), uint64(n), nil
}

// LinkOrCopy hard-links src to dest, creating parent directories. Pool
// files are linked into every timestamp tree they appear in so disk usage
// stays proportional to distinct files. Falls back to a byte copy when the
// two paths are on different filesystems.
func LinkOrCopy(src, dest string) error {
	if _, err := os.Lstat(dest); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return errors.Wrap(err, "creating parent dir")
	}
	if err := os.Link(src, dest); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrap(err, "opening source")
	}
	defer in.Close()
	w, err := NewWriter(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, in); err != nil {
		w.Abort(false)
		return errors.Wrap(err, "copying")
	}
	_, err = w.Commit("", 0, false)
	return err
}

// CleanParts removes leftover .part files under dir. Used at ingestion
// startup unless --no-clean-part-file was given.
func CleanParts(dir string) error {
	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == PartSuffix {
			return os.Remove(path)
		}
		return nil
	})
}
