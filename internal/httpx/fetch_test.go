// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package httpx

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/debsnap/debsnap/internal/cache"
	"github.com/debsnap/debsnap/internal/hashio"
	"github.com/debsnap/debsnap/internal/httpx/httpxtest"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

func fastConfig() FetcherConfig {
	return FetcherConfig{MaxElapsed: 500 * time.Millisecond, MaxInterval: time.Millisecond}
}

func sum(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

func TestFetchBuffered(t *testing.T) {
	body := "Package: hello\n"
	client := &httpxtest.MockClient{
		Calls: []httpxtest.Call{
			{URL: "http://upstream/mr/timestamp/debian", Response: &http.Response{StatusCode: 200, Body: httpxtest.Body(body)}},
		},
		URLValidator: httpxtest.NewURLValidator(t),
	}
	f := NewFetcher(client, fastConfig())
	res, err := f.Fetch(context.Background(), "http://upstream/mr/timestamp/debian", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if string(res.Body) != body {
		t.Errorf("body mismatch: %q", res.Body)
	}
	if res.SHA256 != sum([]byte(body)) {
		t.Errorf("digest mismatch: %s", res.SHA256)
	}
}

func TestFetchRetriesServerError(t *testing.T) {
	client := &httpxtest.MockClient{
		Calls: []httpxtest.Call{
			{Response: &http.Response{StatusCode: 503, Status: "503 Service Unavailable", Body: httpxtest.Body("")}},
			{Response: &http.Response{StatusCode: 200, Body: httpxtest.Body("ok")}},
		},
		SkipURLValidation: true,
	}
	f := NewFetcher(client, fastConfig())
	res, err := f.Fetch(context.Background(), "http://upstream/x", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if string(res.Body) != "ok" {
		t.Errorf("body mismatch: %q", res.Body)
	}
	if client.CallCount() != 2 {
		t.Errorf("call count: got %d, want 2", client.CallCount())
	}
}

func TestFetchNotFoundIsFatal(t *testing.T) {
	client := &httpxtest.MockClient{
		Calls: []httpxtest.Call{
			{Response: &http.Response{StatusCode: 404, Status: "404 Not Found", Body: httpxtest.Body("")}},
		},
		SkipURLValidation: true,
	}
	f := NewFetcher(client, fastConfig())
	_, err := f.Fetch(context.Background(), "http://upstream/missing", Options{})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
	if client.CallCount() != 1 {
		t.Errorf("404 was retried: %d calls", client.CallCount())
	}
}

func TestFetchStreamedVerifies(t *testing.T) {
	body := []byte("deb contents")
	dest := filepath.Join(t.TempDir(), "by-hash", sum(body)[:2], sum(body))
	client := &httpxtest.MockClient{
		Calls: []httpxtest.Call{
			{Response: &http.Response{StatusCode: 200, Body: httpxtest.Body(string(body))}},
		},
		SkipURLValidation: true,
	}
	f := NewFetcher(client, fastConfig())
	res, err := f.Fetch(context.Background(), "http://upstream/pool/hello.deb", Options{
		SHA256:      sum(body),
		Size:        uint64(len(body)),
		SizeKnown:   true,
		Destination: dest,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Path != dest {
		t.Errorf("path mismatch: %s", res.Path)
	}
	if b, err := os.ReadFile(dest); err != nil || string(b) != string(body) {
		t.Errorf("content mismatch: %q, %v", b, err)
	}
}

func TestFetchStreamedHashMismatchNotRetried(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "f")
	client := &httpxtest.MockClient{
		Calls: []httpxtest.Call{
			{Response: &http.Response{StatusCode: 200, Body: httpxtest.Body("corrupted")}},
		},
		SkipURLValidation: true,
	}
	f := NewFetcher(client, fastConfig())
	_, err := f.Fetch(context.Background(), "http://upstream/pool/hello.deb", Options{
		SHA256:      sum([]byte("expected")),
		Destination: dest,
	})
	if !errors.Is(err, hashio.ErrHashMismatch) {
		t.Errorf("got %v, want ErrHashMismatch", err)
	}
	if client.CallCount() != 1 {
		t.Errorf("hash mismatch was retried: %d calls", client.CallCount())
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Errorf("destination exists after mismatch")
	}
}

func TestFetcherMetadataClientServesBufferedFetches(t *testing.T) {
	payloads := &httpxtest.MockClient{
		Calls: []httpxtest.Call{
			{Response: &http.Response{StatusCode: 200, Body: httpxtest.Body("deb contents")}},
		},
		SkipURLValidation: true,
	}
	indexCache, err := cache.NewLRUCache(4)
	if err != nil {
		t.Fatal(err)
	}
	meta := &httpxtest.MockClient{
		Calls: []httpxtest.Call{
			{Response: &http.Response{
				StatusCode: 200,
				Header:     http.Header{"Etag": []string{`"v1"`}},
				Body:       httpxtest.Body("Suite: unstable\n"),
			}},
			{Response: &http.Response{StatusCode: 304, Body: httpxtest.Body("")}},
		},
		SkipURLValidation: true,
	}
	cfg := fastConfig()
	cfg.MetadataClient = NewCachedClient(meta, indexCache)
	f := NewFetcher(payloads, cfg)

	// In-memory fetches go through the cache: the second hit revalidates
	// and is answered from the cached body.
	for i := 0; i < 2; i++ {
		res, err := f.Fetch(context.Background(), "http://upstream/dists/unstable/Release", Options{})
		if err != nil {
			t.Fatal(err)
		}
		if string(res.Body) != "Suite: unstable\n" {
			t.Errorf("fetch %d body: %q", i, res.Body)
		}
	}
	if payloads.CallCount() != 0 {
		t.Errorf("buffered fetches hit the payload client %d times", payloads.CallCount())
	}

	// Streamed fetches bypass the cache.
	dest := filepath.Join(t.TempDir(), "f")
	if _, err := f.Fetch(context.Background(), "http://upstream/pool/hello.deb", Options{Destination: dest}); err != nil {
		t.Fatal(err)
	}
	if payloads.CallCount() != 1 || meta.CallCount() != 2 {
		t.Errorf("call counts: payloads %d, meta %d", payloads.CallCount(), meta.CallCount())
	}
}

func TestRateLimitedClientWaits(t *testing.T) {
	inner := &httpxtest.MockClient{
		Calls: []httpxtest.Call{
			{Response: &http.Response{StatusCode: 200, Body: httpxtest.Body("ok")}},
			{Response: &http.Response{StatusCode: 200, Body: httpxtest.Body("ok")}},
		},
		SkipURLValidation: true,
	}
	// One request available, then a refill every hour: the second request
	// must block until its context expires.
	rl := &RateLimitedClient{BasicClient: inner, Limiter: rate.NewLimiter(rate.Every(time.Hour), 1)}
	req, _ := http.NewRequest(http.MethodGet, "http://upstream/mr/timestamp/debian", nil)
	resp, err := rl.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := rl.Do(req.WithContext(ctx)); err == nil {
		t.Error("second request was not limited")
	}
	if inner.CallCount() != 1 {
		t.Errorf("inner calls: got %d, want 1", inner.CallCount())
	}
}

func TestCachedClientRevalidates(t *testing.T) {
	c := &cache.CoalescingMemoryCache{}
	inner := &httpxtest.MockClient{
		Calls: []httpxtest.Call{
			{Response: &http.Response{
				StatusCode: 200,
				Header:     http.Header{"Etag": []string{`"v1"`}},
				Body:       httpxtest.Body("payload"),
			}},
			{Response: &http.Response{StatusCode: 304, Body: httpxtest.Body("")}},
		},
		SkipURLValidation: true,
	}
	cc := NewCachedClient(inner, c)
	req, _ := http.NewRequest(http.MethodGet, "http://upstream/dists/unstable/Release", nil)
	for i := 0; i < 2; i++ {
		resp, err := cc.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != 200 {
			t.Fatalf("status: %d", resp.StatusCode)
		}
	}
	if inner.CallCount() != 2 {
		t.Errorf("inner calls: got %d, want 2 (fetch + revalidation)", inner.CallCount())
	}
}
