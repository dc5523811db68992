// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package ingest drives snapshot mirroring: per (archive, timestamp, suite,
// component, arch) tuple it fetches the Release, the indices it signs,
// every referenced payload, and reconciles the result into the provenance
// store.
package ingest

import (
	"context"
	"log"
	"os"
	"path/filepath"

	"github.com/debsnap/debsnap/internal/hashio"
	"github.com/debsnap/debsnap/internal/httpx"
	"github.com/debsnap/debsnap/pkg/layout"
	"github.com/debsnap/debsnap/pkg/store"
	"github.com/debsnap/debsnap/pkg/upstream"
	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// ErrLockHeld means another process owns the archive's write lock. The
// caller must exit without touching state.
var ErrLockHeld = errors.New("archive lock held by another process")

// multiVersionArchives carry every published version at once under the
// sentinel timestamp instead of a point-in-time history.
var multiVersionArchives = map[string]bool{
	"qubes-r4.1-vm": true,
}

// Selection is the user's choice of what to mirror. Timestamps entries are
// literal values or "lo:hi" ranges; empty means every known timestamp.
type Selection struct {
	Archives   []string
	Timestamps []string
	Suites     []string
	Components []string
	Arches     []string
}

// Options are the ingestion flags.
type Options struct {
	// CheckOnly re-hashes on-disk files against the store and reports
	// drift without downloading or writing.
	CheckOnly bool
	// ProvisionDB writes the store after downloading; ProvisionDBOnly
	// skips downloads and re-parses indices already on disk.
	ProvisionDB     bool
	ProvisionDBOnly bool
	// IgnoreProvisioned redoes tuples already marked complete.
	IgnoreProvisioned bool
	// NoCleanPartFile keeps .part files of aborted downloads for resume.
	NoCleanPartFile bool
	// SkipInstallerFiles skips the installer image trees.
	SkipInstallerFiles bool
	// Workers bounds parallel payload downloads. Minimum 1.
	Workers int
	Verbose bool
	Debug   bool
	// Metrics receives the ingestion counters; nil disables registration.
	Metrics prometheus.Registerer
}

// Failure is one recorded per-file problem. Failures do not abort the
// tuple; they are summarized at the end.
type Failure struct {
	URL  string
	Path string
	Err  error
}

// Summary reports what a run did.
type Summary struct {
	Tuples     int
	Downloaded int
	Skipped    int
	Verified   int
	Failures   []Failure
}

// OK reports whether every selected tuple either succeeded or was fully
// skipped by policy.
func (s *Summary) OK() bool {
	return len(s.Failures) == 0
}

// Ingester mirrors snapshots into a local directory and provenance store.
type Ingester struct {
	root     string
	store    *store.Store
	upstream *upstream.Client
	fetcher  *httpx.Fetcher
	opts     Options
	metrics  *metrics
}

// New returns an Ingester writing below root.
func New(root string, st *store.Store, up *upstream.Client, fetcher *httpx.Fetcher, opts Options) *Ingester {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	return &Ingester{
		root:     root,
		store:    st,
		upstream: up,
		fetcher:  fetcher,
		opts:     opts,
		metrics:  newMetrics(opts.Metrics),
	}
}

func (i *Ingester) infof(format string, args ...any) {
	if i.opts.Verbose || i.opts.Debug {
		log.Printf(format, args...)
	}
}

func (i *Ingester) debugf(format string, args ...any) {
	if i.opts.Debug {
		log.Printf(format, args...)
	}
}

// lockArchive takes the per-archive advisory lock so concurrent cron runs
// do not corrupt the store.
func (i *Ingester) lockArchive(archive string) (*flock.Flock, error) {
	dir := filepath.Join(i.root, ".locks")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "creating lock dir")
	}
	lock := flock.New(filepath.Join(dir, archive+".lock"))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, errors.Wrap(err, "taking archive lock")
	}
	if !ok {
		return nil, errors.Wrapf(ErrLockHeld, "archive %s", archive)
	}
	return lock, nil
}

// timestampsFor resolves the timestamp selection for one archive. Ranges
// are filtered against the upstream discovery list, which is also persisted
// under by-timestamp/ for offline range selection.
func (i *Ingester) timestampsFor(ctx context.Context, archive string, selection []string) ([]string, error) {
	if multiVersionArchives[archive] {
		return []string{layout.MultiVersionTimestamp}, nil
	}
	discover := func() ([]string, error) {
		all, err := i.upstream.Timestamps(ctx, archive)
		if err != nil {
			// Offline range selection from the last persisted discovery.
			cached, cerr := upstream.LoadTimestamps(i.root, archive)
			if cerr != nil {
				return nil, err
			}
			i.debugf("using cached timestamp list for %s", archive)
			return cached, nil
		}
		if err := upstream.SaveTimestamps(i.root, archive, all); err != nil {
			return nil, err
		}
		return all, nil
	}
	if len(selection) == 0 {
		return discover()
	}
	var out []string
	seen := map[string]bool{}
	add := func(ts string) {
		if !seen[ts] {
			seen[ts] = true
			out = append(out, ts)
		}
	}
	for _, sel := range selection {
		if !layout.IsRange(sel) {
			if !layout.ValidTimestamp(sel) {
				return nil, errors.Errorf("invalid timestamp: %q", sel)
			}
			add(sel)
			continue
		}
		rg, err := layout.ParseRange(sel)
		if err != nil {
			return nil, err
		}
		all, err := discover()
		if err != nil {
			return nil, err
		}
		for _, ts := range all {
			if rg.Contains(ts) {
				add(ts)
			}
		}
	}
	return out, nil
}

// Run mirrors the selection. Per-file failures are collected in the
// Summary; a non-nil error means a tuple or the run aborted.
func (i *Ingester) Run(ctx context.Context, sel Selection) (*Summary, error) {
	applyDefaults(&sel)
	sum := &Summary{}
	if i.opts.CheckOnly {
		return sum, i.check(ctx, sum)
	}
	if !i.opts.NoCleanPartFile {
		// Sweep leftovers of interrupted runs before writing anew.
		if err := hashio.CleanParts(filepath.Join(i.root, "by-hash")); err != nil {
			return sum, err
		}
	}
	for _, archive := range sel.Archives {
		lock, err := i.lockArchive(archive)
		if err != nil {
			return sum, err
		}
		err = i.runArchive(ctx, archive, sel, sum)
		if uerr := lock.Unlock(); uerr != nil && err == nil {
			err = errors.Wrap(uerr, "releasing archive lock")
		}
		if err != nil {
			return sum, err
		}
	}
	return sum, nil
}

func (i *Ingester) runArchive(ctx context.Context, archive string, sel Selection, sum *Summary) error {
	timestamps, err := i.timestampsFor(ctx, archive, sel.Timestamps)
	if err != nil {
		return err
	}
	ignoreProvisioned := i.opts.IgnoreProvisioned || multiVersionArchives[archive]
	// Oldest first so ranges grow monotonically.
	for _, ts := range timestamps {
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, suite := range sel.Suites {
			for _, component := range sel.Components {
				for _, arch := range sel.Arches {
					c := layout.Coords{Archive: archive, Timestamp: ts, Suite: suite, Component: component, Arch: arch}
					if !ignoreProvisioned {
						done, err := i.store.IsProvisioned(ctx, archive, ts, suite, component, arch)
						if err != nil {
							return err
						}
						if done {
							i.debugf("%s/%s %s/%s/%s: already provisioned", archive, ts, suite, component, arch)
							continue
						}
					}
					if err := i.runTuple(ctx, c, sum); err != nil {
						if ctx.Err() != nil {
							return err
						}
						// A per-tuple error aborts only this tuple.
						err = errors.Wrapf(err, "%s/%s %s/%s/%s", archive, ts, suite, component, arch)
						log.Printf("tuple failed: %v", err)
						sum.Failures = append(sum.Failures, Failure{Path: c.SnapshotPath(""), Err: err})
						continue
					}
					i.metrics.tuples.Inc()
					sum.Tuples++
				}
			}
		}
	}
	return nil
}

func applyDefaults(sel *Selection) {
	if len(sel.Archives) == 0 {
		sel.Archives = []string{"debian"}
	}
	if len(sel.Suites) == 0 {
		sel.Suites = []string{"unstable"}
	}
	if len(sel.Components) == 0 {
		sel.Components = []string{"main"}
	}
	if len(sel.Arches) == 0 {
		sel.Arches = []string{"amd64", "all", "source"}
	}
}
