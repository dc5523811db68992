// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package mrapi serves the read-only machine-readable provenance API under
// /mr, in the response dialect of snapshot.debian.org.
package mrapi

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/debsnap/debsnap/pkg/layout"
	"github.com/debsnap/debsnap/pkg/store"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
)

const (
	apiVersion = "0.3"
	// Payloads carry a free-form comment; unset everywhere except the
	// experimental solver.
	defaultComment   = "notset"
	buildinfoComment = "notset: This feature is currently very experimental!"
)

// Handler answers provenance queries from the store.
type Handler struct {
	store *store.Store
}

// New returns the /mr router.
func New(st *store.Store) http.Handler {
	h := &Handler{store: st}
	r := chi.NewRouter()
	r.Route("/mr", func(r chi.Router) {
		r.Get("/package", h.packages)
		r.Get("/package/{pkg}", h.packageVersions)
		r.Get("/package/{pkg}/{version}/srcfiles", h.srcfiles)
		r.Get("/binary/{pkg}", h.binaryVersions)
		r.Get("/binary/{pkg}/{version}/binfiles", h.binfiles)
		r.Get("/file", h.files)
		r.Get("/file/{hash}/info", h.fileInfo)
		r.Get("/file/{hash}/download", h.fileDownload)
		r.Get("/timestamp/{archive}", h.timestamps)
		r.Get("/timestamp/{archive}/{value}", h.timestamp)
		r.Post("/buildinfo", h.buildinfo)
	})
	return r
}

// payload is one response body; the envelope fields are filled on write.
type payload map[string]any

func (h *Handler) writeJSON(w http.ResponseWriter, status int, comment string, body payload) {
	out := payload{"_api": apiVersion, "_comment": comment}
	for k, v := range body {
		out[k] = v
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(append(data, '\n'))
}

// respond maps store outcomes onto the API status convention: 404 for
// unknown entities and empty lists, 500 for store failure.
func (h *Handler) respond(w http.ResponseWriter, err error, empty bool, body payload) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		h.writeJSON(w, http.StatusNotFound, defaultComment, nil)
	case err != nil:
		log.Printf("store error: %v", err)
		h.writeJSON(w, http.StatusInternalServerError, defaultComment, nil)
	case empty:
		h.writeJSON(w, http.StatusNotFound, defaultComment, nil)
	default:
		h.writeJSON(w, http.StatusOK, defaultComment, body)
	}
}

func (h *Handler) packages(w http.ResponseWriter, r *http.Request) {
	names, err := h.store.SourcePackageNames(r.Context())
	result := make([]payload, 0, len(names))
	for _, n := range names {
		result = append(result, payload{"package": n})
	}
	h.respond(w, err, len(names) == 0, payload{"result": result})
}

func (h *Handler) packageVersions(w http.ResponseWriter, r *http.Request) {
	pkg := chi.URLParam(r, "pkg")
	versions, err := h.store.SourceVersions(r.Context(), pkg)
	result := make([]payload, 0, len(versions))
	for _, v := range versions {
		result = append(result, payload{"version": v})
	}
	h.respond(w, err, len(versions) == 0, payload{"package": pkg, "result": result})
}

// fileinfoEntry is the fileinfo=1 expansion of one observation.
type fileinfoEntry struct {
	Name            string      `json:"name"`
	Path            string      `json:"path"`
	Size            uint64      `json:"size"`
	ArchiveName     string      `json:"archive_name"`
	SuiteName       string      `json:"suite_name"`
	ComponentName   string      `json:"component_name"`
	TimestampRanges [][2]string `json:"timestamp_ranges"`
}

func fileinfoEntries(locs []store.FileLocation) []fileinfoEntry {
	out := make([]fileinfoEntry, 0, len(locs))
	for _, l := range locs {
		out = append(out, fileinfoEntry{
			Name:            l.Name,
			Path:            l.Path,
			Size:            l.Size,
			ArchiveName:     l.Archive,
			SuiteName:       l.Suite,
			ComponentName:   l.Component,
			TimestampRanges: l.Ranges,
		})
	}
	return out
}

// expandFileinfo builds the sha256-keyed observation mapping when
// fileinfo=1 was requested.
func (h *Handler) expandFileinfo(r *http.Request, hashes []string) (payload, error) {
	if r.URL.Query().Get("fileinfo") != "1" {
		return nil, nil
	}
	info := payload{}
	for _, sha := range hashes {
		locs, err := h.store.FileInfo(r.Context(), sha)
		if err != nil {
			return nil, err
		}
		info[sha] = fileinfoEntries(locs)
	}
	return info, nil
}

func (h *Handler) srcfiles(w http.ResponseWriter, r *http.Request) {
	pkg, version := chi.URLParam(r, "pkg"), chi.URLParam(r, "version")
	hashes, err := h.store.SourceFiles(r.Context(), pkg, version)
	body := payload{"package": pkg, "version": version}
	if err == nil && len(hashes) > 0 {
		result := make([]payload, 0, len(hashes))
		for _, sha := range hashes {
			result = append(result, payload{"hash": sha})
		}
		body["result"] = result
		var info payload
		if info, err = h.expandFileinfo(r, hashes); info != nil {
			body["fileinfo"] = info
		}
	}
	h.respond(w, err, len(hashes) == 0, body)
}

func (h *Handler) binaryVersions(w http.ResponseWriter, r *http.Request) {
	pkg := chi.URLParam(r, "pkg")
	versions, err := h.store.BinaryVersions(r.Context(), pkg)
	result := make([]payload, 0, len(versions))
	for _, v := range versions {
		result = append(result, payload{"name": pkg, "binary_version": v})
	}
	h.respond(w, err, len(versions) == 0, payload{"binary": pkg, "result": result})
}

func (h *Handler) binfiles(w http.ResponseWriter, r *http.Request) {
	pkg, version := chi.URLParam(r, "pkg"), chi.URLParam(r, "version")
	files, err := h.store.BinaryFiles(r.Context(), pkg, version)
	body := payload{"binary": pkg, "binary_version": version}
	if err == nil && len(files) > 0 {
		result := make([]payload, 0, len(files))
		hashes := make([]string, 0, len(files))
		for _, f := range files {
			result = append(result, payload{"hash": f.SHA256, "architecture": f.Architecture})
			hashes = append(hashes, f.SHA256)
		}
		body["result"] = result
		var info payload
		if info, err = h.expandFileinfo(r, hashes); info != nil {
			body["fileinfo"] = info
		}
	}
	h.respond(w, err, len(files) == 0, body)
}

func (h *Handler) files(w http.ResponseWriter, r *http.Request) {
	hashes, err := h.store.FileHashes(r.Context())
	result := make([]payload, 0, len(hashes))
	for _, sha := range hashes {
		result = append(result, payload{"file": sha})
	}
	h.respond(w, err, len(hashes) == 0, payload{"result": result})
}

func (h *Handler) fileInfo(w http.ResponseWriter, r *http.Request) {
	locs, err := h.store.FileInfo(r.Context(), chi.URLParam(r, "hash"))
	h.respond(w, err, len(locs) == 0, payload{"result": fileinfoEntries(locs)})
}

func (h *Handler) fileDownload(w http.ResponseWriter, r *http.Request) {
	sha := chi.URLParam(r, "hash")
	if _, err := h.store.FileSize(r.Context(), sha); err != nil {
		h.respond(w, err, false, nil)
		return
	}
	http.Redirect(w, r, "/"+layout.ByHashPath(sha), http.StatusFound)
}

func (h *Handler) timestamps(w http.ResponseWriter, r *http.Request) {
	values, err := h.store.Timestamps(r.Context(), chi.URLParam(r, "archive"))
	h.respond(w, err, len(values) == 0, payload{"result": values})
}

func (h *Handler) timestamp(w http.ResponseWriter, r *http.Request) {
	archive, value := chi.URLParam(r, "archive"), chi.URLParam(r, "value")
	var ts string
	var err error
	if value == "latest" {
		ts, err = h.store.LatestTimestamp(r.Context(), archive)
	} else if !layout.ValidTimestamp(value) {
		h.writeJSON(w, http.StatusNotFound, defaultComment, nil)
		return
	} else {
		ts, err = h.store.ClosestTimestamp(r.Context(), archive, value)
	}
	h.respond(w, err, false, payload{"result": ts})
}
