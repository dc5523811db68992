// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"context"
	"os"
	"sync"

	"github.com/debsnap/debsnap/internal/hashio"
	"github.com/debsnap/debsnap/internal/httpx"
	"github.com/debsnap/debsnap/pkg/layout"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// download fans the tuple's payloads out to a bounded worker pool and hard
// links each verified file at its canonical timestamped path. Per-file
// failures are recorded and do not abort the tuple; the returned slice
// holds the records now present on disk.
//
// Records are grouped by digest first: a tuple can list the same payload
// under several paths (an orig tarball shared by two source versions), and
// two workers streaming one digest at once must never happen. Each digest
// is fetched once and then linked at every path it appears under.
func (i *Ingester) download(ctx context.Context, c layout.Coords, records []record, sum *Summary) ([]*record, error) {
	groups := map[string][]*record{}
	var order []string
	for idx := range records {
		r := &records[idx]
		if _, ok := groups[r.sha256]; !ok {
			order = append(order, r.sha256)
		}
		groups[r.sha256] = append(groups[r.sha256], r)
	}
	var (
		mu      sync.Mutex
		present []*record
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(i.opts.Workers)
	for _, sha := range order {
		sha := sha
		group := groups[sha]
		g.Go(func() error {
			r := group[0]
			ok, err := i.fetchRecord(ctx, c, r)
			if err == nil {
				for _, dup := range group[1:] {
					if lerr := hashio.LinkOrCopy(i.byHashPath(sha), i.localPath(c.SnapshotPath(dup.repoPath))); lerr != nil {
						err = lerr
						break
					}
				}
			}
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil && ctx.Err() != nil:
				// Cancellation, not a per-file failure.
				return err
			case err != nil:
				i.metrics.failures.WithLabelValues(failureKind(err)).Inc()
				sum.Failures = append(sum.Failures, Failure{URL: r.urls[0], Path: r.repoPath, Err: err})
			case ok:
				i.metrics.downloads.Inc()
				sum.Downloaded++
				present = append(present, group...)
			default:
				i.metrics.skipped.Inc()
				sum.Skipped++
				present = append(present, group...)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return present, nil
}

// fetchRecord ensures one payload exists in the content-addressed store
// and at its canonical path. It reports whether a download happened.
func (i *Ingester) fetchRecord(ctx context.Context, c layout.Coords, r *record) (bool, error) {
	dest := i.byHashPath(r.sha256)
	canonical := i.localPath(c.SnapshotPath(r.repoPath))
	if st, err := os.Stat(dest); err == nil {
		if r.sizeKnown && uint64(st.Size()) != r.size {
			return false, errors.Wrapf(hashio.ErrSizeMismatch, "%s on disk", r.sha256)
		}
		i.debugf("present: %s", r.repoPath)
		return false, hashio.LinkOrCopy(dest, canonical)
	}
	var lastErr error
	for _, url := range r.urls {
		res, err := i.fetcher.Fetch(ctx, url, httpx.Options{
			SHA256:      r.sha256,
			Size:        r.size,
			SizeKnown:   r.sizeKnown,
			Destination: dest,
			KeepPart:    i.opts.NoCleanPartFile,
		})
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if !r.sizeKnown {
			r.size, r.sizeKnown = res.Size, true
		}
		i.metrics.downloadBytes.Add(float64(res.Size))
		return true, hashio.LinkOrCopy(dest, canonical)
	}
	return false, lastErr
}

func failureKind(err error) string {
	switch {
	case errors.Is(err, hashio.ErrHashMismatch):
		return "hash_mismatch"
	case errors.Is(err, hashio.ErrSizeMismatch):
		return "size_mismatch"
	case errors.Is(err, httpx.ErrNotFound):
		return "not_found"
	case errors.Is(err, httpx.ErrForbidden):
		return "forbidden"
	default:
		return "network"
	}
}
