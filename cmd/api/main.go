// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// The api binary serves the machine-readable provenance API under /mr and
// the mirrored bytes under /by-hash, read-only, from the store and
// directory a debsnap run provisioned.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/debsnap/debsnap/internal/mrapi"
	"github.com/debsnap/debsnap/pkg/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	port = flag.Int("port", 8080, "port on which to serve")
	db   = flag.String("db", os.Getenv("SNAPSHOT_DB_URL"), "sqlite DSN of the provenance store")
	root = flag.String("root", os.Getenv("SNAPSHOT_ROOT"), "local directory holding the by-hash/ tree")
)

func main() {
	flag.Parse()
	if *root == "" {
		log.Fatal("-root or SNAPSHOT_ROOT is required")
	}
	if *db == "" {
		*db = filepath.Join(*root, "snapshot.db")
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, *db)
	if err != nil {
		log.Fatalf("opening store: %v", err)
	}
	defer st.Close()

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Handle("/by-hash/*", http.StripPrefix("/by-hash/",
		http.FileServer(http.Dir(filepath.Join(*root, "by-hash")))))
	r.Handle("/metrics", promhttp.Handler())
	r.Mount("/", mrapi.New(st))

	srv := &http.Server{Addr: fmt.Sprintf(":%d", *port), Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}()
	log.Printf("Server listening on port %d", *port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}
}
