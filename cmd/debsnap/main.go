// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// The debsnap binary mirrors Debian snapshot archives into a local
// directory and provisions the provenance store the query API serves from.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/debsnap/debsnap/internal/cache"
	"github.com/debsnap/debsnap/internal/httpx"
	"github.com/debsnap/debsnap/pkg/ingest"
	"github.com/debsnap/debsnap/pkg/store"
	"github.com/debsnap/debsnap/pkg/upstream"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
)

const userAgent = "debsnap/0.3"

var errUsage = errors.New("invalid arguments")

var (
	flagConfig            string
	flagDB                string
	flagUpstream          string
	flagWorkers           int
	flagRateLimit         string
	flagRequestRate       float64
	flagArchives          []string
	flagTimestamps        []string
	flagSuites            []string
	flagComponents        []string
	flagArches            []string
	flagCheckOnly         bool
	flagProvisionDB       bool
	flagProvisionDBOnly   bool
	flagIgnoreProvisioned bool
	flagNoCleanPartFile   bool
	flagSkipInstaller     bool
	flagVerbose           bool
	flagDebug             bool
)

var rootCmd = &cobra.Command{
	Use:   "debsnap [flags] <local_directory>",
	Short: "Mirror Debian snapshot archives with file-level provenance.",
	Args:  cobra.MaximumNArgs(1),
	// Errors are printed by main, with the exit status they deserve.
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE:          run,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&flagConfig, "config", "", "YAML config file")
	f.StringVar(&flagDB, "db", "", "sqlite DSN of the provenance store (default <local_directory>/snapshot.db)")
	f.StringVar(&flagUpstream, "upstream", "", "base URL of the snapshot service to mirror from")
	f.IntVar(&flagWorkers, "workers", 0, "parallel payload downloads")
	f.StringVar(&flagRateLimit, "rate-limit", "", "download bandwidth cap per second, e.g. 10MB")
	f.Float64Var(&flagRequestRate, "request-rate", 0, "upstream request cap per second (default unlimited)")
	f.StringArrayVar(&flagArchives, "archive", nil, "archive to mirror (repeatable; default debian)")
	f.StringArrayVar(&flagTimestamps, "timestamp", nil, "timestamp value or lo:hi range (repeatable; default all)")
	f.StringArrayVar(&flagSuites, "suite", nil, "suite to mirror (repeatable; default unstable)")
	f.StringArrayVar(&flagComponents, "component", nil, "component to mirror (repeatable; default main)")
	f.StringArrayVar(&flagArches, "arch", nil, "architecture to mirror (repeatable; default amd64, all, source)")
	f.BoolVar(&flagCheckOnly, "check-only", false, "verify on-disk files against the store; no downloads")
	f.BoolVar(&flagProvisionDB, "provision-db", false, "write provenance records after downloading")
	f.BoolVar(&flagProvisionDBOnly, "provision-db-only", false, "re-parse indices already on disk; no downloads")
	f.BoolVar(&flagIgnoreProvisioned, "ignore-provisioned", false, "redo tuples already marked complete")
	f.BoolVar(&flagNoCleanPartFile, "no-clean-part-file", false, "keep partial downloads of aborted runs for resume")
	f.BoolVar(&flagSkipInstaller, "skip-installer-files", false, "skip the installer image trees")
	f.BoolVar(&flagVerbose, "verbose", false, "log per-tuple progress")
	f.BoolVar(&flagDebug, "debug", false, "log every skipped and fetched file")
}

// resolveConfig merges defaults, the config file, the environment, and
// flags, in that order.
func resolveConfig(cmd *cobra.Command, args []string) (config, error) {
	c := defaultConfig()
	if flagConfig != "" {
		fileCfg, err := loadConfigFile(flagConfig)
		if err != nil {
			return c, errors.Wrapf(errUsage, "%v", err)
		}
		c.overlay(fileCfg)
	}
	c.overlay(envConfig())
	flagCfg := config{
		DB:          flagDB,
		Upstream:    flagUpstream,
		Workers:     flagWorkers,
		RateLimit:   flagRateLimit,
		RequestRate: flagRequestRate,
		Archives:    flagArchives,
		Timestamps:  flagTimestamps,
		Suites:      flagSuites,
		Components:  flagComponents,
		Arches:      flagArches,
	}
	if len(args) == 1 {
		flagCfg.Root = args[0]
	}
	c.overlay(flagCfg)
	if err := c.finish(); err != nil {
		return c, errors.Wrapf(errUsage, "%v", err)
	}
	return c, nil
}

// indexCacheEntries bounds the in-memory cache of Release files and
// timestamp listings, which are refetched across tuples within a run.
const indexCacheEntries = 256

// newFetcher assembles the HTTP stack: a User-Agent header, an optional
// request-rate cap, and an LRU-backed conditional-request cache on the
// metadata path. Payload downloads stream past the cache.
func newFetcher(c config, byteRate *rate.Limiter) (*httpx.Fetcher, error) {
	var client httpx.BasicClient = &httpx.WithUserAgent{BasicClient: http.DefaultClient, UserAgent: userAgent}
	if c.RequestRate > 0 {
		client = &httpx.RateLimitedClient{
			BasicClient: client,
			Limiter:     rate.NewLimiter(rate.Limit(c.RequestRate), 1),
		}
	}
	indexCache, err := cache.NewLRUCache(indexCacheEntries)
	if err != nil {
		return nil, err
	}
	return httpx.NewFetcher(client, httpx.FetcherConfig{
		Concurrency:    c.Workers,
		ByteRate:       byteRate,
		MetadataClient: httpx.NewCachedClient(client, indexCache),
	}), nil
}

// ran distinguishes flag-parsing failures, which exit 2, from run
// failures, which exit 1.
var ran bool

func run(cmd *cobra.Command, args []string) error {
	ran = true
	c, err := resolveConfig(cmd, args)
	if err != nil {
		return err
	}
	if flagCheckOnly && flagProvisionDBOnly {
		return errors.Wrap(errUsage, "--check-only and --provision-db-only are mutually exclusive")
	}
	byteRate, err := c.byteRate()
	if err != nil {
		return errors.Wrapf(errUsage, "%v", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, c.DB)
	if err != nil {
		return errors.Wrap(err, "opening store")
	}
	defer st.Close()

	fetcher, err := newFetcher(c, byteRate)
	if err != nil {
		return err
	}
	ing := ingest.New(c.Root, st, upstream.New(c.Upstream, fetcher), fetcher, ingest.Options{
		CheckOnly:          flagCheckOnly,
		ProvisionDB:        flagProvisionDB || flagProvisionDBOnly,
		ProvisionDBOnly:    flagProvisionDBOnly,
		IgnoreProvisioned:  flagIgnoreProvisioned,
		NoCleanPartFile:    flagNoCleanPartFile,
		SkipInstallerFiles: flagSkipInstaller,
		Workers:            c.Workers,
		Verbose:            flagVerbose,
		Debug:              flagDebug,
		Metrics:            prometheus.DefaultRegisterer,
	})

	sum, err := ing.Run(ctx, ingest.Selection{
		Archives:   c.Archives,
		Timestamps: c.Timestamps,
		Suites:     c.Suites,
		Components: c.Components,
		Arches:     c.Arches,
	})
	report(cmd, sum)
	if err != nil {
		return err
	}
	if !sum.OK() {
		return errors.Errorf("%d files failed", len(sum.Failures))
	}
	return nil
}

func report(cmd *cobra.Command, sum *ingest.Summary) {
	if sum == nil {
		return
	}
	fmt.Fprintf(cmd.OutOrStdout(),
		"tuples: %d  downloaded: %d  skipped: %d  verified: %d  failures: %d\n",
		sum.Tuples, sum.Downloaded, sum.Skipped, sum.Verified, len(sum.Failures))
	for _, f := range sum.Failures {
		target := f.URL
		if target == "" {
			target = f.Path
		}
		fmt.Fprintf(cmd.OutOrStderr(), "failed: %s: %v\n", target, f.Err)
	}
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		log.Print(err)
		if !ran || errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
