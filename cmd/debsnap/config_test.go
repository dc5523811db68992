// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestConfigPrecedence(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "debsnap.yaml")
	os.WriteFile(file, []byte(
		"upstream: http://from-file\nworkers: 8\narchives: [debian, debian-security]\n"), 0o644)

	c := defaultConfig()
	fileCfg, err := loadConfigFile(file)
	if err != nil {
		t.Fatal(err)
	}
	c.overlay(fileCfg)
	// The environment beats the file, flags beat both.
	c.overlay(config{Upstream: "http://from-env"})
	c.overlay(config{Root: dir, Workers: 2})
	if err := c.finish(); err != nil {
		t.Fatal(err)
	}

	if c.Upstream != "http://from-env" {
		t.Errorf("upstream = %q", c.Upstream)
	}
	if c.Workers != 2 {
		t.Errorf("workers = %d", c.Workers)
	}
	if diff := cmp.Diff([]string{"debian", "debian-security"}, c.Archives); diff != "" {
		t.Errorf("archives (-want +got):\n%s", diff)
	}
	if want := filepath.Join(dir, "snapshot.db"); c.DB != want {
		t.Errorf("db = %q, want %q", c.DB, want)
	}
}

func TestConfigRequiresRoot(t *testing.T) {
	c := defaultConfig()
	if err := c.finish(); err == nil {
		t.Error("finish accepted an empty root")
	}
}

func TestNewFetcher(t *testing.T) {
	f, err := newFetcher(config{Workers: 2, RequestRate: 1}, nil)
	if err != nil || f == nil {
		t.Fatalf("newFetcher: (%v, %v)", f, err)
	}
}

func TestByteRate(t *testing.T) {
	c := config{RateLimit: "10MB"}
	lim, err := c.byteRate()
	if err != nil {
		t.Fatal(err)
	}
	if lim == nil || lim.Burst() != 10<<20 {
		t.Errorf("limiter: %+v", lim)
	}
	c.RateLimit = ""
	if lim, err := c.byteRate(); err != nil || lim != nil {
		t.Errorf("unlimited: (%v, %v)", lim, err)
	}
	c.RateLimit = "fast"
	if _, err := c.byteRate(); err == nil {
		t.Error("malformed rate accepted")
	}
}
