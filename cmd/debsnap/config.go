// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"path/filepath"

	"github.com/c2h5oh/datasize"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

// config is the mirroring configuration. Sources override in increasing
// precedence: built-in defaults, the YAML config file, SNAPSHOT_*
// environment variables, command-line flags.
type config struct {
	// DB is the sqlite DSN of the provenance store.
	DB string `yaml:"db"`
	// Upstream is the base URL of the snapshot service mirrored from.
	Upstream string `yaml:"upstream"`
	// Root is the local directory receiving by-hash/ and archive/ trees.
	Root string `yaml:"root"`
	// Workers bounds parallel payload downloads.
	Workers int `yaml:"workers"`
	// RateLimit caps download bandwidth, e.g. "10MB". Empty is unlimited.
	RateLimit string `yaml:"rate_limit"`
	// RequestRate caps requests per second. Zero is unlimited.
	RequestRate float64 `yaml:"request_rate"`

	Archives   []string `yaml:"archives"`
	Timestamps []string `yaml:"timestamps"`
	Suites     []string `yaml:"suites"`
	Components []string `yaml:"components"`
	Arches     []string `yaml:"arches"`
}

func defaultConfig() config {
	return config{
		Upstream: "https://snapshot.debian.org",
		Workers:  4,
	}
}

func loadConfigFile(path string) (config, error) {
	var c config
	b, err := os.ReadFile(path)
	if err != nil {
		return c, errors.Wrap(err, "reading config file")
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, errors.Wrap(err, "parsing config file")
	}
	return c, nil
}

// overlay applies the non-zero fields of o on top of c.
func (c *config) overlay(o config) {
	if o.DB != "" {
		c.DB = o.DB
	}
	if o.Upstream != "" {
		c.Upstream = o.Upstream
	}
	if o.Root != "" {
		c.Root = o.Root
	}
	if o.Workers != 0 {
		c.Workers = o.Workers
	}
	if o.RateLimit != "" {
		c.RateLimit = o.RateLimit
	}
	if o.RequestRate != 0 {
		c.RequestRate = o.RequestRate
	}
	if len(o.Archives) != 0 {
		c.Archives = o.Archives
	}
	if len(o.Timestamps) != 0 {
		c.Timestamps = o.Timestamps
	}
	if len(o.Suites) != 0 {
		c.Suites = o.Suites
	}
	if len(o.Components) != 0 {
		c.Components = o.Components
	}
	if len(o.Arches) != 0 {
		c.Arches = o.Arches
	}
}

func envConfig() config {
	return config{
		DB:       os.Getenv("SNAPSHOT_DB_URL"),
		Upstream: os.Getenv("SNAPSHOT_UPSTREAM"),
		Root:     os.Getenv("SNAPSHOT_ROOT"),
	}
}

// finish fills derived defaults once every source has been applied.
func (c *config) finish() error {
	if c.Root == "" {
		return errors.New("no local directory given")
	}
	if c.DB == "" {
		c.DB = filepath.Join(c.Root, "snapshot.db")
	}
	return nil
}

// byteRate parses RateLimit into a bandwidth limiter, nil when unlimited.
func (c *config) byteRate() (*rate.Limiter, error) {
	if c.RateLimit == "" {
		return nil, nil
	}
	var size datasize.ByteSize
	if err := size.UnmarshalText([]byte(c.RateLimit)); err != nil {
		return nil, errors.Wrapf(err, "parsing rate limit %q", c.RateLimit)
	}
	n := int(size.Bytes())
	return rate.NewLimiter(rate.Limit(n), n), nil
}
