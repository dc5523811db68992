// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package ingest

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	tuples        prometheus.Counter
	downloads     prometheus.Counter
	downloadBytes prometheus.Counter
	skipped       prometheus.Counter
	failures      *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		tuples: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "snapshot_tuples_ingested_total",
			Help: "Tuples (archive, timestamp, suite, component, arch) fully ingested.",
		}),
		downloads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "snapshot_files_downloaded_total",
			Help: "Files fetched and verified into the content-addressed store.",
		}),
		downloadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "snapshot_download_bytes_total",
			Help: "Verified payload bytes written to the store.",
		}),
		skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "snapshot_files_skipped_total",
			Help: "Files already present in the store.",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "snapshot_file_failures_total",
			Help: "Per-file ingestion failures by kind.",
		}, []string{"kind"}),
	}
	if reg != nil {
		reg.MustRegister(m.tuples, m.downloads, m.downloadBytes, m.skipped, m.failures)
	}
	return m
}
