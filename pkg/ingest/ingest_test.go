// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/debsnap/debsnap/internal/httpx"
	"github.com/debsnap/debsnap/internal/httpx/httpxtest"
	"github.com/debsnap/debsnap/pkg/layout"
	"github.com/debsnap/debsnap/pkg/store"
	"github.com/debsnap/debsnap/pkg/upstream"
	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
)

const (
	t1 = "20210221T150011Z"
	t2 = "20210222T150011Z"
	t3 = "20210223T150011Z"
)

func digestOf(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}

const debBody = "not really a deb"

func packagesBody(withHello bool) string {
	if !withHello {
		return ""
	}
	return fmt.Sprintf(
		"Package: hello\nVersion: 2.10-2\nArchitecture: all\n"+
			"Filename: pool/main/h/hello/hello_2.10-2_all.deb\nSize: %d\nSHA256: %s\n",
		len(debBody), digestOf(debBody))
}

func releaseBody(pkgs string) string {
	return fmt.Sprintf(
		"Suite: bullseye\nCodename: bullseye\nComponents: main\nArchitectures: all\n"+
			"SHA256:\n %s %d main/binary-all/Packages\n",
		digestOf(pkgs), len(pkgs))
}

// testIngester builds an Ingester over a canned HTTP exchange.
func testIngester(t *testing.T, root string, st *store.Store, calls []httpxtest.Call, opts Options) (*Ingester, *httpxtest.MockClient) {
	t.Helper()
	client := &httpxtest.MockClient{Calls: calls, URLValidator: httpxtest.NewURLValidator(t)}
	fetcher := httpx.NewFetcher(client, httpx.FetcherConfig{})
	up := upstream.New("http://up", fetcher)
	opts.Workers = 1
	opts.SkipInstallerFiles = true
	opts.ProvisionDB = true
	return New(root, st, up, fetcher, opts), client
}

func snapshotURL(ts, rel string) string {
	return "http://up/archive/debian/" + ts + "/" + rel
}

func ingestOnce(t *testing.T, root string, st *store.Store, ts string, calls []httpxtest.Call, opts Options) *Summary {
	t.Helper()
	ing, _ := testIngester(t, root, st, calls, opts)
	sum, err := ing.Run(context.Background(), Selection{
		Archives:   []string{"debian"},
		Timestamps: []string{ts},
		Suites:     []string{"bullseye"},
		Components: []string{"main"},
		Arches:     []string{"all"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !sum.OK() {
		t.Fatalf("failures: %+v", sum.Failures)
	}
	return sum
}

func helloRanges(t *testing.T, st *store.Store) [][2]string {
	t.Helper()
	locs, err := st.FileInfo(context.Background(), digestOf(debBody))
	if err != nil {
		t.Fatal(err)
	}
	if len(locs) != 1 {
		t.Fatalf("expected one location, got %+v", locs)
	}
	return locs[0].Ranges
}

func TestIngestLifecycle(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	st, err := store.Open(ctx, filepath.Join(root, "snapshot.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	pkgs := packagesBody(true)
	rel := releaseBody(pkgs)

	// First sighting downloads everything and provisions the tuple.
	sum := ingestOnce(t, root, st, t1, []httpxtest.Call{
		{URL: snapshotURL(t1, "dists/bullseye/Release"), Response: &http.Response{StatusCode: 200, Body: httpxtest.Body(rel)}},
		{URL: snapshotURL(t1, "dists/bullseye/main/binary-all/Packages"), Response: &http.Response{StatusCode: 200, Body: httpxtest.Body(pkgs)}},
		{URL: snapshotURL(t1, "pool/main/h/hello/hello_2.10-2_all.deb"), Response: &http.Response{StatusCode: 200, Body: httpxtest.Body(debBody)}},
	}, Options{})
	if sum.Downloaded != 1 || sum.Tuples != 1 {
		t.Errorf("first run: %+v", sum)
	}
	byHash := filepath.Join(root, "by-hash", digestOf(debBody)[:2], digestOf(debBody))
	if b, err := os.ReadFile(byHash); err != nil || string(b) != debBody {
		t.Errorf("by-hash content: (%q, %v)", b, err)
	}
	canonical := filepath.Join(root, "archive", "debian", t1, "pool", "main", "h", "hello", "hello_2.10-2_all.deb")
	if _, err := os.Stat(canonical); err != nil {
		t.Errorf("canonical path: %v", err)
	}
	if diff := cmp.Diff([][2]string{{t1, t1}}, helloRanges(t, st)); diff != "" {
		t.Errorf("ranges after first ingest (-want +got):\n%s", diff)
	}
	if ok, _ := st.IsProvisioned(ctx, "debian", t1, "bullseye", "main", "all"); !ok {
		t.Error("tuple not marked provisioned")
	}

	// The identical index a day later: payload already present, range
	// extends.
	sum = ingestOnce(t, root, st, t2, []httpxtest.Call{
		{URL: snapshotURL(t2, "dists/bullseye/Release"), Response: &http.Response{StatusCode: 200, Body: httpxtest.Body(rel)}},
	}, Options{})
	if sum.Downloaded != 0 || sum.Skipped != 1 {
		t.Errorf("second run: %+v", sum)
	}
	if diff := cmp.Diff([][2]string{{t1, t2}}, helloRanges(t, st)); diff != "" {
		t.Errorf("ranges after extension (-want +got):\n%s", diff)
	}

	// The package disappears from the index: the range is left alone.
	emptyPkgs := packagesBody(false)
	ingestOnce(t, root, st, t3, []httpxtest.Call{
		{URL: snapshotURL(t3, "dists/bullseye/Release"), Response: &http.Response{StatusCode: 200, Body: httpxtest.Body(releaseBody(emptyPkgs))}},
		{URL: snapshotURL(t3, "dists/bullseye/main/binary-all/Packages"), Response: &http.Response{StatusCode: 200, Body: httpxtest.Body(emptyPkgs)}},
	}, Options{})
	if diff := cmp.Diff([][2]string{{t1, t2}}, helloRanges(t, st)); diff != "" {
		t.Errorf("ranges after omission (-want +got):\n%s", diff)
	}

	// Re-ingesting an already-provisioned timestamp changes nothing.
	ingestOnce(t, root, st, t2, []httpxtest.Call{
		{URL: snapshotURL(t2, "dists/bullseye/Release"), Response: &http.Response{StatusCode: 200, Body: httpxtest.Body(rel)}},
	}, Options{IgnoreProvisioned: true})
	if diff := cmp.Diff([][2]string{{t1, t2}}, helloRanges(t, st)); diff != "" {
		t.Errorf("ranges after replay (-want +got):\n%s", diff)
	}

	// Check mode verifies the on-disk bytes.
	ing, _ := testIngester(t, root, st, nil, Options{CheckOnly: true})
	sum, err = ing.Run(ctx, Selection{})
	if err != nil {
		t.Fatal(err)
	}
	if !sum.OK() || sum.Verified == 0 {
		t.Errorf("check run: %+v", sum)
	}
}

func TestSharedDigestFetchedOnceLinkedEverywhere(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	st, err := store.Open(ctx, filepath.Join(root, "snapshot.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	// Two packages publish byte-identical payloads under different pool
	// paths. The payload is fetched exactly once (one deb call below) and
	// hard linked at both canonical paths.
	pkgs := fmt.Sprintf(
		"Package: hello\nVersion: 2.10-2\nArchitecture: all\n"+
			"Filename: pool/main/h/hello/hello_2.10-2_all.deb\nSize: %d\nSHA256: %s\n\n"+
			"Package: hello-extra\nVersion: 2.10-2\nArchitecture: all\n"+
			"Filename: pool/main/h/hello/hello-extra_2.10-2_all.deb\nSize: %d\nSHA256: %s\n",
		len(debBody), digestOf(debBody), len(debBody), digestOf(debBody))
	sum := ingestOnce(t, root, st, t1, []httpxtest.Call{
		{URL: snapshotURL(t1, "dists/bullseye/Release"), Response: &http.Response{StatusCode: 200, Body: httpxtest.Body(releaseBody(pkgs))}},
		{URL: snapshotURL(t1, "dists/bullseye/main/binary-all/Packages"), Response: &http.Response{StatusCode: 200, Body: httpxtest.Body(pkgs)}},
		{URL: snapshotURL(t1, "pool/main/h/hello/hello_2.10-2_all.deb"), Response: &http.Response{StatusCode: 200, Body: httpxtest.Body(debBody)}},
	}, Options{})
	if sum.Downloaded != 1 {
		t.Errorf("downloads: %+v", sum)
	}
	for _, name := range []string{"hello_2.10-2_all.deb", "hello-extra_2.10-2_all.deb"} {
		p := filepath.Join(root, "archive", "debian", t1, "pool", "main", "h", "hello", name)
		if b, err := os.ReadFile(p); err != nil || string(b) != debBody {
			t.Errorf("canonical path %s: (%q, %v)", name, b, err)
		}
	}
	locs, err := st.FileInfo(ctx, digestOf(debBody))
	if err != nil {
		t.Fatal(err)
	}
	if len(locs) != 2 {
		t.Errorf("expected two locations for the shared digest, got %+v", locs)
	}
}

func TestIngestProvisionedTupleSkipped(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	st, err := store.Open(ctx, filepath.Join(root, "snapshot.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	pkgs := packagesBody(true)
	ingestOnce(t, root, st, t1, []httpxtest.Call{
		{URL: snapshotURL(t1, "dists/bullseye/Release"), Response: &http.Response{StatusCode: 200, Body: httpxtest.Body(releaseBody(pkgs))}},
		{URL: snapshotURL(t1, "dists/bullseye/main/binary-all/Packages"), Response: &http.Response{StatusCode: 200, Body: httpxtest.Body(pkgs)}},
		{URL: snapshotURL(t1, "pool/main/h/hello/hello_2.10-2_all.deb"), Response: &http.Response{StatusCode: 200, Body: httpxtest.Body(debBody)}},
	}, Options{})

	// No calls expected: the provisioned marker short-circuits the tuple.
	ing, client := testIngester(t, root, st, nil, Options{})
	sum, err := ing.Run(ctx, Selection{
		Archives: []string{"debian"}, Timestamps: []string{t1},
		Suites: []string{"bullseye"}, Components: []string{"main"}, Arches: []string{"all"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if client.CallCount() != 0 || sum.Tuples != 0 {
		t.Errorf("provisioned tuple was reprocessed: %d calls, %+v", client.CallCount(), sum)
	}
}

func TestTimestampRangeSelection(t *testing.T) {
	root := t.TempDir()
	st, err := store.Open(context.Background(), filepath.Join(root, "snapshot.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	ing, _ := testIngester(t, root, st, []httpxtest.Call{
		{URL: "http://up/mr/timestamp/debian", Response: &http.Response{
			StatusCode: 200,
			Body:       httpxtest.Body(fmt.Sprintf(`{"result": [%q, %q, %q]}`, t1, t2, t3)),
		}},
	}, Options{})
	got, err := ing.timestampsFor(context.Background(), "debian", []string{t1 + ":" + t2})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{t1, t2}, got); diff != "" {
		t.Errorf("range selection (-want +got):\n%s", diff)
	}
	// The discovery list is persisted for offline range selection.
	cached, err := upstream.LoadTimestamps(root, "debian")
	if err != nil || len(cached) != 3 {
		t.Errorf("cached discovery: (%v, %v)", cached, err)
	}
}

func TestTimestampsForMultiVersionArchive(t *testing.T) {
	root := t.TempDir()
	st, err := store.Open(context.Background(), filepath.Join(root, "snapshot.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	ing, client := testIngester(t, root, st, nil, Options{})
	got, err := ing.timestampsFor(context.Background(), "qubes-r4.1-vm", nil)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{layout.MultiVersionTimestamp}, got); diff != "" {
		t.Errorf("sentinel selection (-want +got):\n%s", diff)
	}
	if client.CallCount() != 0 {
		t.Error("multi-version archive should not hit the upstream")
	}
}

func TestArchiveLock(t *testing.T) {
	root := t.TempDir()
	st, err := store.Open(context.Background(), filepath.Join(root, "snapshot.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	ing, _ := testIngester(t, root, st, nil, Options{})
	lock, err := ing.lockArchive("debian")
	if err != nil {
		t.Fatal(err)
	}
	defer lock.Unlock()
	if _, err := ing.lockArchive("debian"); !errors.Is(err, ErrLockHeld) {
		t.Errorf("second lock: got %v, want ErrLockHeld", err)
	}
}
