// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package upstream is the client for the snapshot service this mirror
// replicates: timestamp discovery and raw repository file URLs.
package upstream

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/debsnap/debsnap/internal/cache"
	"github.com/debsnap/debsnap/internal/httpx"
	"github.com/debsnap/debsnap/pkg/layout"
	"github.com/pkg/errors"
)

// Client queries one upstream snapshot service.
type Client struct {
	root    string
	fetcher *httpx.Fetcher
	// Discovery is fetched once per run per archive.
	memo cache.Cache
}

// New returns a Client for the service rooted at root
// (e.g. http://snapshot.debian.org).
func New(root string, fetcher *httpx.Fetcher) *Client {
	return &Client{
		root:    strings.TrimSuffix(root, "/"),
		fetcher: fetcher,
		memo:    &cache.CoalescingMemoryCache{},
	}
}

// Root returns the upstream root URL without a trailing slash.
func (c *Client) Root() string { return c.root }

// FileURL returns the upstream URL of an archive-relative repo path under
// the given tuple's timestamp tree.
func (c *Client) FileURL(coords layout.Coords, rel string) string {
	return coords.UpstreamURL(c.root, rel)
}

// Timestamps lists every timestamp the upstream knows for an archive, in
// chronological order. The list is fetched once per run and memoized;
// malformed entries are dropped.
func (c *Client) Timestamps(ctx context.Context, archive string) ([]string, error) {
	v, err := c.memo.GetOrSet(archive, func() (any, error) {
		res, err := c.fetcher.Fetch(ctx, c.root+"/mr/timestamp/"+archive, httpx.Options{})
		if err != nil {
			return nil, errors.Wrapf(err, "listing timestamps for %s", archive)
		}
		return decodeTimestamps(res.Body)
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

// decodeTimestamps accepts either a bare JSON array or the machine-readable
// envelope {"result": [...]}.
func decodeTimestamps(body []byte) ([]string, error) {
	var list []string
	if err := json.Unmarshal(body, &list); err != nil {
		var envelope struct {
			Result []string `json:"result"`
		}
		if err := json.Unmarshal(body, &envelope); err != nil {
			return nil, errors.Wrap(err, "decoding timestamp list")
		}
		list = envelope.Result
	}
	seen := map[string]bool{}
	var out []string
	for _, ts := range list {
		if !layout.ValidTimestamp(ts) || seen[ts] {
			continue
		}
		seen[ts] = true
		out = append(out, ts)
	}
	sort.Strings(out)
	return out, nil
}

func timestampCachePath(localdir, archive string) string {
	return filepath.Join(localdir, "by-timestamp", archive+".txt")
}

// SaveTimestamps persists a discovery list under by-timestamp/{archive}.txt
// so later runs can select ranges without the upstream.
func SaveTimestamps(localdir, archive string, timestamps []string) error {
	p := timestampCachePath(localdir, archive)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return errors.Wrap(err, "creating by-timestamp dir")
	}
	data := strings.Join(timestamps, "\n") + "\n"
	return errors.Wrap(os.WriteFile(p, []byte(data), 0o644), "writing timestamp cache")
}

// LoadTimestamps reads a previously saved discovery list in chronological
// order.
func LoadTimestamps(localdir, archive string) ([]string, error) {
	data, err := os.ReadFile(timestampCachePath(localdir, archive))
	if err != nil {
		return nil, errors.Wrap(err, "reading timestamp cache")
	}
	seen := map[string]bool{}
	var out []string
	for _, ts := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		ts = strings.TrimSpace(ts)
		if !layout.ValidTimestamp(ts) || seen[ts] {
			continue
		}
		seen[ts] = true
		out = append(out, ts)
	}
	sort.Strings(out)
	return out, nil
}
