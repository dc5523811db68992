// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"context"
	"os"

	"github.com/debsnap/debsnap/internal/hashio"
	"github.com/pkg/errors"
)

// check re-hashes every stored file against the provenance records and
// reports drift. Nothing is downloaded or written.
func (i *Ingester) check(ctx context.Context, sum *Summary) error {
	files, err := i.store.Files(ctx)
	if err != nil {
		return err
	}
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		p := i.byHashPath(f.SHA256)
		if _, err := os.Stat(p); os.IsNotExist(err) {
			// Provisioned but never downloaded here; not drift.
			i.debugf("absent: %s", f.SHA256)
			sum.Skipped++
			continue
		}
		digest, size, err := hashio.SHA256File(p)
		switch {
		case err != nil:
			sum.Failures = append(sum.Failures, Failure{Path: p, Err: err})
		case digest != f.SHA256:
			i.metrics.failures.WithLabelValues("hash_mismatch").Inc()
			sum.Failures = append(sum.Failures, Failure{Path: p,
				Err: errors.Wrapf(hashio.ErrHashMismatch, "got %s, want %s", digest, f.SHA256)})
		case size != f.Size:
			i.metrics.failures.WithLabelValues("size_mismatch").Inc()
			sum.Failures = append(sum.Failures, Failure{Path: p,
				Err: errors.Wrapf(hashio.ErrSizeMismatch, "got %d, want %d", size, f.Size)})
		default:
			sum.Verified++
		}
	}
	return nil
}
