// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"bytes"
	"context"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/debsnap/debsnap/internal/hashio"
	"github.com/debsnap/debsnap/internal/httpx"
	"github.com/debsnap/debsnap/pkg/index"
	"github.com/debsnap/debsnap/pkg/index/compression"
	"github.com/debsnap/debsnap/pkg/layout"
	"github.com/debsnap/debsnap/pkg/store"
	"github.com/pkg/errors"
)

// ftpRoot is the fallback mirror for installer images that the snapshot
// service does not carry.
const ftpRoot = "https://ftp.debian.org"

// record is one payload file to mirror, with the provenance rows it will
// produce. Exactly one of src/bin is set for package files; both empty for
// installer images.
type record struct {
	sha256    string
	size      uint64
	sizeKnown bool
	// repoPath is the archive-relative path (pool/... or dists/...).
	repoPath string
	// urls are candidate remotes, tried in order.
	urls []string

	srcName    string
	srcVersion string

	binName    string
	binVersion string
	binArch    string
}

// observed reports whether the record should produce an observation row.
func (r *record) observed() bool {
	return r.srcName != "" || r.binName != ""
}

func (i *Ingester) localPath(rel string) string {
	return filepath.Join(i.root, filepath.FromSlash(rel))
}

func (i *Ingester) byHashPath(sha256 string) string {
	return i.localPath(layout.ByHashPath(sha256))
}

// saveBytes places an already-verified in-memory payload into the
// content-addressed store and links it at the timestamped tree path.
func (i *Ingester) saveBytes(data []byte, sha256, treeRel string, c layout.Coords) error {
	dest := i.byHashPath(sha256)
	if _, err := os.Stat(dest); os.IsNotExist(err) {
		w, err := hashio.NewWriter(dest)
		if err != nil {
			return err
		}
		if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
			w.Abort(false)
			return errors.Wrap(err, "writing payload")
		}
		if _, err := w.Commit(sha256, uint64(len(data)), true); err != nil {
			return err
		}
	}
	return hashio.LinkOrCopy(dest, i.localPath(c.SnapshotPath(treeRel)))
}

// fetchRelease obtains and parses the suite Release file, preferring the
// unsigned variant and falling back to InRelease. In provision-db-only
// mode it is read from the mirrored tree instead.
func (i *Ingester) fetchRelease(ctx context.Context, c layout.Coords) (*index.Release, error) {
	if i.opts.ProvisionDBOnly {
		for _, rel := range []string{c.ReleasePath(), c.InReleasePath()} {
			f, err := os.Open(i.localPath(c.SnapshotPath(rel)))
			if err != nil {
				continue
			}
			defer f.Close()
			return index.ParseRelease(f)
		}
		return nil, errors.Errorf("no Release on disk for %s/%s", c.Archive, c.Timestamp)
	}
	var lastErr error
	for _, rel := range []string{c.ReleasePath(), c.InReleasePath()} {
		res, err := i.fetcher.Fetch(ctx, i.upstream.FileURL(c, rel), httpx.Options{})
		if err != nil {
			lastErr = err
			continue
		}
		if err := i.saveBytes(res.Body, res.SHA256, rel, c); err != nil {
			return nil, err
		}
		return index.ParseRelease(bytes.NewReader(res.Body))
	}
	return nil, errors.Wrap(lastErr, "fetching Release")
}

// indexCandidates are the published variants of an index, tried in order.
func indexCandidates(arch string) []string {
	if arch == "source" {
		return []string{"Sources.xz", "Sources.gz", "Sources"}
	}
	return []string{"Packages.xz", "Packages.gz", "Packages"}
}

// fetchIndex obtains the per-(component, arch) index, verified against the
// Release checksum block, and returns a reader of its decompressed content
// plus the variant name. A nil release (provision-db-only) probes the
// mirrored tree.
func (i *Ingester) fetchIndex(ctx context.Context, c layout.Coords, release *index.Release) (io.ReadCloser, string, error) {
	if i.opts.ProvisionDBOnly {
		for _, name := range indexCandidates(c.Arch) {
			f, err := os.Open(i.localPath(c.SnapshotPath(c.IndexPath(name))))
			if err != nil {
				continue
			}
			r, err := compression.Decompress(f, name)
			if err != nil {
				f.Close()
				return nil, "", err
			}
			return readCloser{r, f}, name, nil
		}
		return nil, "", errors.Errorf("no index on disk for %s", c.IndexPath(""))
	}
	for _, name := range indexCandidates(c.Arch) {
		ref, ok := release.FileBySHA256(c.IndexRel(name))
		if !ok {
			continue
		}
		dest := i.byHashPath(ref.SHA256)
		if _, err := os.Stat(dest); os.IsNotExist(err) {
			_, err := i.fetcher.Fetch(ctx, i.upstream.FileURL(c, c.IndexPath(name)), httpx.Options{
				SHA256:      ref.SHA256,
				Size:        ref.Size,
				SizeKnown:   true,
				Destination: dest,
				KeepPart:    i.opts.NoCleanPartFile,
			})
			if err != nil {
				return nil, "", errors.Wrapf(err, "fetching %s", c.IndexPath(name))
			}
		}
		if err := hashio.LinkOrCopy(dest, i.localPath(c.SnapshotPath(c.IndexPath(name)))); err != nil {
			return nil, "", err
		}
		f, err := os.Open(dest)
		if err != nil {
			return nil, "", errors.Wrap(err, "opening index")
		}
		r, err := compression.Decompress(f, name)
		if err != nil {
			f.Close()
			return nil, "", err
		}
		return readCloser{r, f}, name, nil
	}
	return nil, "", errors.Errorf("release lists no usable index for %s", c.IndexRel("Packages"))
}

type readCloser struct {
	io.Reader
	io.Closer
}

// enumerate parses the tuple's index into payload records. Per-paragraph
// parse failures are summarized and skipped.
func (i *Ingester) enumerate(c layout.Coords, r io.Reader, indexName string, sum *Summary) ([]record, error) {
	var out []record
	if c.Arch == "source" {
		it := index.NewSources(r)
		for {
			e, err := it.Next()
			if err == io.EOF {
				break
			}
			var pe *index.ParseError
			if errors.As(err, &pe) {
				i.metrics.failures.WithLabelValues("parse").Inc()
				sum.Failures = append(sum.Failures, Failure{Path: c.IndexPath(indexName), Err: err})
				continue
			}
			if err != nil {
				return nil, err
			}
			for _, f := range e.Files {
				repoPath := path.Join(e.Directory, f.Name)
				out = append(out, record{
					sha256: f.SHA256, size: f.Size, sizeKnown: true,
					repoPath:   repoPath,
					urls:       []string{i.upstream.FileURL(c, repoPath)},
					srcName:    e.Package,
					srcVersion: e.Version,
				})
			}
		}
		return out, nil
	}
	it := index.NewPackages(r)
	for {
		e, err := it.Next()
		if err == io.EOF {
			break
		}
		var pe *index.ParseError
		if errors.As(err, &pe) {
			i.metrics.failures.WithLabelValues("parse").Inc()
			sum.Failures = append(sum.Failures, Failure{Path: c.IndexPath(indexName), Err: err})
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, record{
			sha256: e.SHA256, size: e.Size, sizeKnown: true,
			repoPath:   e.Filename,
			urls:       []string{i.upstream.FileURL(c, e.Filename)},
			binName:    e.Package,
			binVersion: e.Version,
			binArch:    e.Architecture,
		})
	}
	return out, nil
}

// installerRecords lists the installer image files for a binary arch via
// its SHA256SUMS. Archives without installer trees are skipped silently;
// the FTP mirror is kept as fallback for images the snapshot service
// dropped.
func (i *Ingester) installerRecords(ctx context.Context, c layout.Coords) ([]record, error) {
	if c.Arch == "source" || c.Arch == "all" || c.MultiVersion() {
		return nil, nil
	}
	sumsRel := c.InstallerSumsPath()
	res, err := i.fetcher.Fetch(ctx, i.upstream.FileURL(c, sumsRel), httpx.Options{})
	if errors.Is(err, httpx.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "fetching installer checksums")
	}
	if err := i.saveBytes(res.Body, res.SHA256, sumsRel, c); err != nil {
		return nil, err
	}
	entries, err := index.ParseSHA256SUMS(bytes.NewReader(res.Body))
	if err != nil {
		return nil, err
	}
	imagesRel := path.Dir(sumsRel)
	var out []record
	for _, e := range entries {
		repoPath := path.Join(imagesRel, e.Name)
		out = append(out, record{
			sha256:   e.SHA256,
			repoPath: repoPath,
			urls: []string{
				i.upstream.FileURL(c, repoPath),
				ftpRoot + "/" + path.Join(c.Archive, repoPath),
			},
		})
	}
	return out, nil
}

// runTuple mirrors one (archive, timestamp, suite, component, arch) tuple:
// Release, index, payloads, then a single provisioning transaction.
func (i *Ingester) runTuple(ctx context.Context, c layout.Coords, sum *Summary) error {
	release, err := i.fetchRelease(ctx, c)
	if err != nil {
		return err
	}
	r, indexName, err := i.fetchIndex(ctx, c, release)
	if err != nil {
		return err
	}
	records, err := i.enumerate(c, r, indexName, sum)
	r.Close()
	if err != nil {
		return err
	}
	if !i.opts.SkipInstallerFiles && !i.opts.ProvisionDBOnly {
		installer, err := i.installerRecords(ctx, c)
		if err != nil {
			return err
		}
		records = append(records, installer...)
	}
	i.infof("%s/%s %s/%s/%s: %d files", c.Archive, c.Timestamp, c.Suite, c.Component, c.Arch, len(records))

	var present []*record
	if i.opts.ProvisionDBOnly {
		for idx := range records {
			if _, err := os.Stat(i.byHashPath(records[idx].sha256)); err == nil {
				present = append(present, &records[idx])
			}
		}
	} else {
		present, err = i.download(ctx, c, records, sum)
		if err != nil {
			return err
		}
	}
	if !i.opts.ProvisionDB && !i.opts.ProvisionDBOnly {
		return nil
	}
	return i.provision(ctx, c, present)
}

// provision writes one tuple-scoped transaction: entity upserts, package
// junctions, observations, and the provisioned marker.
func (i *Ingester) provision(ctx context.Context, c layout.Coords, records []*record) error {
	tx, err := i.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := tx.AddArchive(ctx, c.Archive); err != nil {
		return err
	}
	if err := tx.AddTimestamp(ctx, c.Archive, c.Timestamp); err != nil {
		return err
	}
	if err := tx.AddSuite(ctx, c.Archive, c.Suite); err != nil {
		return err
	}
	if err := tx.AddComponent(ctx, c.Archive, c.Suite, c.Component); err != nil {
		return err
	}
	if err := tx.AddArchitecture(ctx, c.Arch); err != nil {
		return err
	}
	for _, r := range records {
		// Installer images are mirrored to disk but carry no provenance.
		if !r.observed() {
			continue
		}
		if err := tx.AddFile(ctx, r.sha256, r.size); err != nil {
			return err
		}
		loc, err := tx.AddLocation(ctx, store.Location{
			Archive:   c.Archive,
			Suite:     c.Suite,
			Component: c.Component,
			Path:      path.Dir(r.repoPath),
			Name:      path.Base(r.repoPath),
		})
		if err != nil {
			return err
		}
		arch := ""
		switch {
		case r.srcName != "":
			if err := tx.AddSourcePackage(ctx, r.srcName, r.srcVersion); err != nil {
				return err
			}
			if err := tx.AddSourceFile(ctx, r.srcName, r.srcVersion, r.sha256); err != nil {
				return err
			}
		case r.binName != "":
			arch = r.binArch
			if err := tx.AddArchitecture(ctx, arch); err != nil {
				return err
			}
			if err := tx.AddBinaryPackage(ctx, r.binName, r.binVersion); err != nil {
				return err
			}
			if err := tx.AddBinaryFile(ctx, r.binName, r.binVersion, r.sha256, arch); err != nil {
				return err
			}
		}
		if err := tx.AddObservation(ctx, r.sha256, loc, arch, c.Archive, c.Timestamp); err != nil {
			return err
		}
	}
	if err := tx.MarkProvisioned(ctx, c.Archive, c.Timestamp, c.Suite, c.Component, c.Arch); err != nil {
		return err
	}
	return tx.Commit()
}
