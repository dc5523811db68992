// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package index

import (
	"io"
	"strings"
)

// BuildDepend is one entry of an Installed-Build-Depends list: the package
// name with an optional architecture qualifier, and the exact installed
// version.
type BuildDepend struct {
	Name    string
	Arch    string
	Version string
}

// BuildInfo captures the fields of a .buildinfo file needed to reconstruct
// the build environment. Fields outside this set are ignored.
type BuildInfo struct {
	Format                string
	Source                string
	Binary                []string
	Architecture          []string
	Version               string
	BuildOrigin           string
	BuildArchitecture     string
	BuildDate             string
	BuildPath             string
	ChecksumsSha256       []FileRef
	InstalledBuildDepends []BuildDepend
	Environment           []string
}

// parseBuildDepend parses "name (= version)" with an optional ":arch"
// qualifier on the name.
func parseBuildDepend(s string) (BuildDepend, error) {
	name, rest, found := strings.Cut(s, "(")
	if !found {
		return BuildDepend{}, parseErrorf("malformed build dependency: %q", s)
	}
	rest = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(rest), ")"))
	version := strings.TrimSpace(strings.TrimPrefix(rest, "="))
	if version == "" {
		return BuildDepend{}, parseErrorf("malformed build dependency version: %q", s)
	}
	d := BuildDepend{Version: version}
	d.Name, d.Arch, _ = strings.Cut(strings.TrimSpace(name), ":")
	return d, nil
}

// ParseBuildInfo parses a .buildinfo file, clearsigned or not.
func ParseBuildInfo(r io.Reader) (*BuildInfo, error) {
	paras, err := ParseAll(r)
	if err != nil {
		return nil, err
	}
	if len(paras) != 1 {
		return nil, parseErrorf("expected one paragraph in buildinfo, got %d", len(paras))
	}
	p := paras[0]
	bi := &BuildInfo{
		Format:            p.Folded("Format"),
		BuildOrigin:       p.Folded("Build-Origin"),
		BuildArchitecture: p.Folded("Build-Architecture"),
		BuildDate:         p.Folded("Build-Date"),
		BuildPath:         p.Folded("Build-Path"),
	}
	if bi.Source, err = p.required("Source"); err != nil {
		return nil, err
	}
	if bi.Version, err = p.required("Version"); err != nil {
		return nil, err
	}
	arch, err := p.required("Architecture")
	if err != nil {
		return nil, err
	}
	bi.Architecture = strings.Fields(arch)
	bi.Binary = strings.Fields(p.Folded("Binary"))
	if v, ok := p.Field("Checksums-Sha256"); ok {
		if bi.ChecksumsSha256, err = parseFileRefs(v); err != nil {
			return nil, err
		}
	}
	if v, ok := p.Field("Installed-Build-Depends"); ok {
		for _, dep := range v.AsList() {
			if dep == "" {
				continue
			}
			d, err := parseBuildDepend(dep)
			if err != nil {
				return nil, err
			}
			bi.InstalledBuildDepends = append(bi.InstalledBuildDepends, d)
		}
	}
	if v, ok := p.Field("Environment"); ok {
		bi.Environment = v.AsLines()
	}
	return bi, nil
}
