// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package mrapi

import (
	"context"
	"net/http"
	"sort"

	"github.com/debsnap/debsnap/pkg/index"
	"github.com/pkg/errors"
)

// maxBuildinfoBytes bounds the uploaded .buildinfo document.
const maxBuildinfoBytes = 4 << 20

// locationKey identifies one (archive, suite, component, architecture)
// publication point a build dependency could be installed from.
type locationKey struct {
	archive, suite, component, arch string
}

// solverLocation is one answer of the solver: the smallest set of
// snapshot timestamps at this location that together carry every resolvable
// dependency, plus the dependencies the location never carried.
type solverLocation struct {
	ArchiveName   string   `json:"archive_name"`
	SuiteName     string   `json:"suite_name"`
	ComponentName string   `json:"component_name"`
	Architecture  string   `json:"architecture"`
	Timestamps    []string `json:"timestamps"`
	Missing       []string `json:"missing"`
}

func (h *Handler) buildinfo(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxBuildinfoBytes); err != nil {
		h.writeJSON(w, http.StatusBadRequest, buildinfoComment, nil)
		return
	}
	f, _, err := r.FormFile("buildinfo")
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, buildinfoComment, nil)
		return
	}
	defer f.Close()
	bi, err := index.ParseBuildInfo(f)
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, buildinfoComment, nil)
		return
	}
	results, err := h.solve(r.Context(), bi, r.URL.Query().Get("suite_name"))
	if err != nil {
		h.writeJSON(w, http.StatusInternalServerError, buildinfoComment, nil)
		return
	}
	h.writeJSON(w, http.StatusOK, buildinfoComment, payload{"results": results})
}

// solve resolves the Installed-Build-Depends of a .buildinfo document to
// snapshot timestamps. Per publication location it picks a minimal set of
// timestamps covering every dependency observed there (greedily, newest
// first on ties) and lists the rest under missing.
func (h *Handler) solve(ctx context.Context, bi *index.BuildInfo, suiteFilter string) ([]solverLocation, error) {
	type depSight struct {
		// timestamp values at which the exact (name, version, arch)
		// tuple was published at the location.
		timestamps map[string]bool
	}
	sights := map[locationKey][]*depSight{}
	names := map[locationKey][]string{}

	for _, dep := range bi.InstalledBuildDepends {
		arch := dep.Arch
		if arch == "" {
			// Unqualified dependencies were installed for the build
			// architecture.
			arch = bi.BuildArchitecture
		}
		ranges, err := h.store.BinaryPackageRanges(ctx, dep.Name, dep.Version)
		if err != nil {
			return nil, errors.Wrapf(err, "resolving %s %s", dep.Name, dep.Version)
		}
		sight := map[locationKey]*depSight{}
		for _, pr := range ranges {
			if suiteFilter != "" && pr.Suite != suiteFilter {
				continue
			}
			key := locationKey{pr.Archive, pr.Suite, pr.Component, arch}
			s, ok := sight[key]
			if !ok {
				s = &depSight{timestamps: map[string]bool{}}
				sight[key] = s
			}
			if pr.Architecture != arch {
				// The location published the package, but not for the
				// architecture the build installed. Keep the location so
				// it reports the dependency as missing.
				continue
			}
			values, err := h.store.ExpandRange(ctx, pr.Archive, pr.Begin, pr.End)
			if err != nil {
				return nil, errors.Wrap(err, "expanding range")
			}
			for _, v := range values {
				s.timestamps[v] = true
			}
		}
		for key, s := range sight {
			sights[key] = append(sights[key], s)
			names[key] = append(names[key], dep.Name)
		}
	}

	keys := make([]locationKey, 0, len(sights))
	for key := range sights {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.archive != b.archive {
			return a.archive < b.archive
		}
		if a.suite != b.suite {
			return a.suite < b.suite
		}
		if a.component != b.component {
			return a.component < b.component
		}
		return a.arch < b.arch
	})

	var out []solverLocation
	for _, key := range keys {
		var covering []map[string]bool
		for _, s := range sights[key] {
			covering = append(covering, s.timestamps)
		}
		timestamps, missing := cover(covering, names[key])
		// Empty lists marshal as [], not null.
		if timestamps == nil {
			timestamps = []string{}
		}
		if missing == nil {
			missing = []string{}
		}
		out = append(out, solverLocation{
			ArchiveName:   key.archive,
			SuiteName:     key.suite,
			ComponentName: key.component,
			Architecture:  key.arch,
			Timestamps:    timestamps,
			Missing:       missing,
		})
	}
	return out, nil
}

// cover greedily picks timestamps until every dependency with at least one
// sighting is covered. Each pick is the timestamp covering the most
// still-uncovered dependencies, the most recent one on ties. deps[i] maps
// timestamp values to whether names[i] was published then.
func cover(deps []map[string]bool, names []string) (timestamps, missing []string) {
	uncovered := map[int]bool{}
	for i, d := range deps {
		if len(d) == 0 {
			missing = append(missing, names[i])
			continue
		}
		uncovered[i] = true
	}
	sort.Strings(missing)
	for len(uncovered) > 0 {
		gain := map[string]int{}
		for i := range uncovered {
			for ts := range deps[i] {
				gain[ts]++
			}
		}
		best := ""
		for ts, n := range gain {
			// Timestamp values order lexicographically by time, so the
			// greater value is the more recent tie-break.
			if n > gain[best] || (n == gain[best] && ts > best) {
				best = ts
			}
		}
		for i := range uncovered {
			if deps[i][best] {
				delete(uncovered, i)
			}
		}
		timestamps = append(timestamps, best)
	}
	sort.Strings(timestamps)
	return timestamps, missing
}
