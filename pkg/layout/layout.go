// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package layout derives canonical repository paths: upstream URLs, local
// mirror paths, the content-addressed store, and the pool prefix scheme.
package layout

import (
	"path"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// TimestampFormat is the reference layout for archive timestamps. The
// encoding sorts lexicographically in chronological order.
const TimestampFormat = "20060102T150405Z"

// MultiVersionTimestamp marks archives that carry every published version
// at once (the QubesOS all-versions repositories) rather than a point in
// time. Such archives use a flat layout without a dists/{suite} level.
const MultiVersionTimestamp = "99990101T000000Z"

// ValidTimestamp reports whether s is a well-formed UTC archive timestamp.
func ValidTimestamp(s string) bool {
	if len(s) != len(TimestampFormat) {
		return false
	}
	_, err := time.Parse(TimestampFormat, s)
	return err == nil
}

// Range is a closed timestamp interval. An empty bound is unbounded on
// that side.
type Range struct {
	Lo, Hi string
}

// IsRange reports whether the timestamp selector s uses range syntax.
func IsRange(s string) bool {
	return strings.Contains(s, ":")
}

// ParseRange parses a "lo:hi" selector. Either bound may be empty.
func ParseRange(s string) (Range, error) {
	lo, hi, found := strings.Cut(s, ":")
	if !found {
		return Range{}, errors.Errorf("not a timestamp range: %q", s)
	}
	if lo != "" && !ValidTimestamp(lo) {
		return Range{}, errors.Errorf("invalid range bound: %q", lo)
	}
	if hi != "" && !ValidTimestamp(hi) {
		return Range{}, errors.Errorf("invalid range bound: %q", hi)
	}
	if lo != "" && hi != "" && lo > hi {
		return Range{}, errors.Errorf("empty timestamp range: %q", s)
	}
	return Range{Lo: lo, Hi: hi}, nil
}

// Contains reports whether ts falls inside the range.
func (r Range) Contains(ts string) bool {
	if r.Lo != "" && ts < r.Lo {
		return false
	}
	if r.Hi != "" && ts > r.Hi {
		return false
	}
	return true
}

// PoolDir returns the pool prefix directory for a source package name.
// Most packages are in a prefix dir matching their first letter; "lib" is
// such a common prefix that these packages are subdivided into lib*
// directories.
func PoolDir(name string) string {
	if name == "" {
		return ""
	}
	if strings.HasPrefix(name, "lib") && len(name) >= 4 {
		return name[0:4]
	}
	return name[0:1]
}

// PoolPath returns the archive-relative path of a pool file.
func PoolPath(component, source, filename string) string {
	return path.Join("pool", component, PoolDir(source), source, filename)
}

// ByHashPath returns the root-relative path of the single physical copy of
// a file in the content-addressed store.
func ByHashPath(sha256 string) string {
	if len(sha256) < 2 {
		return path.Join("by-hash", sha256)
	}
	return path.Join("by-hash", sha256[0:2], sha256)
}

// ArchDir returns the per-architecture index directory name.
func ArchDir(arch string) string {
	if arch == "source" {
		return "source"
	}
	return "binary-" + arch
}

// Coords identifies one ingestion tuple.
type Coords struct {
	Archive   string
	Timestamp string
	Suite     string
	Component string
	Arch      string
}

// MultiVersion reports whether the tuple addresses an all-versions archive.
func (c Coords) MultiVersion() bool {
	return c.Timestamp == MultiVersionTimestamp
}

// suiteDir is the path level holding the Release file. All-versions
// archives publish at the top with no dists hierarchy.
func (c Coords) suiteDir() string {
	if c.MultiVersion() {
		return ""
	}
	return path.Join("dists", c.Suite)
}

// ReleasePath returns the archive-relative path of the suite Release file.
func (c Coords) ReleasePath() string {
	return path.Join(c.suiteDir(), "Release")
}

// InReleasePath returns the archive-relative path of the clearsigned
// Release variant.
func (c Coords) InReleasePath() string {
	return path.Join(c.suiteDir(), "InRelease")
}

// IndexRel returns an index path relative to the Release file location,
// the form used by its SHA256 checksum block.
func (c Coords) IndexRel(name string) string {
	return path.Join(c.Component, ArchDir(c.Arch), name)
}

// IndexPath returns the archive-relative path of a per-architecture index
// file such as Packages.xz or Sources.gz.
func (c Coords) IndexPath(name string) string {
	return path.Join(c.suiteDir(), c.IndexRel(name))
}

// InstallerSumsRel returns the installer image checksum list path relative
// to the Release file location.
func (c Coords) InstallerSumsRel() string {
	return path.Join(c.Component, "installer-"+c.Arch, "current/images/SHA256SUMS")
}

// InstallerSumsPath returns the archive-relative path of the installer
// image checksum list.
func (c Coords) InstallerSumsPath() string {
	return path.Join(c.suiteDir(), c.InstallerSumsRel())
}

// SnapshotPath places an archive-relative repo path under the timestamped
// tree: archive/{archive}/{timestamp}/{rel}.
func (c Coords) SnapshotPath(rel string) string {
	return path.Join("archive", c.Archive, c.Timestamp, rel)
}

// UpstreamURL joins the upstream root with the timestamped repo path.
func (c Coords) UpstreamURL(root, rel string) string {
	return strings.TrimSuffix(root, "/") + "/" + c.SnapshotPath(rel)
}
