// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package index

import (
	"io"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const releaseFile = `Origin: Debian
Label: Debian
Suite: unstable
Codename: sid
Date: Sat, 23 Aug 2025 02:21:18 UTC
Architectures: all amd64 arm64
Components: main contrib non-free
MD5Sum:
 0123456789abcdef0123456789abcdef 1234 main/binary-amd64/Packages
SHA256:
 3ab6f9ab69c60cea2381b2e6e2394c4ffbf41268186ccc82b26e71b8a4ca4023 1234 main/binary-amd64/Packages
 55e0d3f33ae88a0b9ce1b23c5da26f24f23e1c8a2f3e2974adbaac0de15ef06f 456 main/binary-amd64/Packages.gz
 9a7bc2e1d3f405968718293a4b5c6d7e8f90a1b2c3d4e5f60718293a4b5c6d7e 789 main/source/Sources.xz
`

func TestParseRelease(t *testing.T) {
	r, err := ParseRelease(strings.NewReader(releaseFile))
	if err != nil {
		t.Fatal(err)
	}
	want := &Release{
		Origin:        "Debian",
		Label:         "Debian",
		Suite:         "unstable",
		Codename:      "sid",
		Date:          "Sat, 23 Aug 2025 02:21:18 UTC",
		Components:    []string{"main", "contrib", "non-free"},
		Architectures: []string{"all", "amd64", "arm64"},
		SHA256: []FileRef{
			{Name: "main/binary-amd64/Packages", Size: 1234, SHA256: "3ab6f9ab69c60cea2381b2e6e2394c4ffbf41268186ccc82b26e71b8a4ca4023"},
			{Name: "main/binary-amd64/Packages.gz", Size: 456, SHA256: "55e0d3f33ae88a0b9ce1b23c5da26f24f23e1c8a2f3e2974adbaac0de15ef06f"},
			{Name: "main/source/Sources.xz", Size: 789, SHA256: "9a7bc2e1d3f405968718293a4b5c6d7e8f90a1b2c3d4e5f60718293a4b5c6d7e"},
		},
	}
	if diff := cmp.Diff(want, r); diff != "" {
		t.Errorf("Release mismatch (-want +got):\n%s", diff)
	}
	if _, ok := r.FileBySHA256("main/binary-amd64/Packages.gz"); !ok {
		t.Error("FileBySHA256 missed a listed file")
	}
	if _, ok := r.FileBySHA256("main/binary-armel/Packages"); ok {
		t.Error("FileBySHA256 matched an unlisted file")
	}
}

func TestParseReleaseMissingChecksums(t *testing.T) {
	_, err := ParseRelease(strings.NewReader("Suite: unstable\n"))
	if err == nil {
		t.Fatal("expected error for Release without SHA256 block")
	}
}

const sourcesFile = `Package: hello
Binary: hello
Version: 2.10-2
Maintainer: Santiago Vila <sanvila@debian.org>
Build-Depends: debhelper-compat (= 9)
Architecture: any
Format: 3.0 (quilt)
Directory: pool/main/h/hello
Checksums-Sha256:
 31e066137a962676e89f69c1b65382de95a7ef7d914b8cb956f41ea72e0f516b 725946 hello_2.10.orig.tar.gz
 811ad0255495279fc98dc75f4460da1e40a44c269c5aded4f0d698a04acb0eb4 6132 hello_2.10-2.debian.tar.xz

Package: zlib
Version: 1:1.2.13-1
Directory: pool/main/z/zlib
Checksums-Sha256:
 b5b06d60ce49c8ba700e0ba517fa07de80b5d4628a037f4be8ad16955be7a7c0 1497445 zlib_1.2.13.orig.tar.gz
`

func TestSources(t *testing.T) {
	it := NewSources(strings.NewReader(sourcesFile))
	var got []*SourceEntry
	for {
		e, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, e)
	}
	want := []*SourceEntry{
		{
			Package:   "hello",
			Version:   "2.10-2",
			Directory: "pool/main/h/hello",
			Files: []FileRef{
				{Name: "hello_2.10.orig.tar.gz", Size: 725946, SHA256: "31e066137a962676e89f69c1b65382de95a7ef7d914b8cb956f41ea72e0f516b"},
				{Name: "hello_2.10-2.debian.tar.xz", Size: 6132, SHA256: "811ad0255495279fc98dc75f4460da1e40a44c269c5aded4f0d698a04acb0eb4"},
			},
		},
		{
			Package:   "zlib",
			Version:   "1:1.2.13-1",
			Directory: "pool/main/z/zlib",
			Files: []FileRef{
				{Name: "zlib_1.2.13.orig.tar.gz", Size: 1497445, SHA256: "b5b06d60ce49c8ba700e0ba517fa07de80b5d4628a037f4be8ad16955be7a7c0"},
			},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Sources mismatch (-want +got):\n%s", diff)
	}
}

const buildinfoFile = `Format: 1.0
Source: hello
Binary: hello hello-dbgsym
Architecture: amd64
Version: 2.10-2
Checksums-Sha256:
 bd628d39d9c472b33a37db4a36fa58a0b556dcdc46a21c0f97fe956532557fa2 33360 hello_2.10-2_amd64.deb
Build-Origin: Debian
Build-Architecture: amd64
Build-Date: Sat, 26 Dec 2020 16:30:19 +0000
Build-Path: /build/hello-2.10
Installed-Build-Depends:
 autoconf (= 2.69-14),
 base-files (= 11),
 gcc:amd64 (= 4:10.2.0-1),
 libc6:amd64 (= 2.31-6)
Environment:
 DEB_BUILD_OPTIONS="parallel=4"
 LANG="C.UTF-8"
`

func TestParseBuildInfo(t *testing.T) {
	bi, err := ParseBuildInfo(strings.NewReader(buildinfoFile))
	if err != nil {
		t.Fatal(err)
	}
	want := &BuildInfo{
		Format:            "1.0",
		Source:            "hello",
		Binary:            []string{"hello", "hello-dbgsym"},
		Architecture:      []string{"amd64"},
		Version:           "2.10-2",
		BuildOrigin:       "Debian",
		BuildArchitecture: "amd64",
		BuildDate:         "Sat, 26 Dec 2020 16:30:19 +0000",
		BuildPath:         "/build/hello-2.10",
		ChecksumsSha256: []FileRef{
			{Name: "hello_2.10-2_amd64.deb", Size: 33360, SHA256: "bd628d39d9c472b33a37db4a36fa58a0b556dcdc46a21c0f97fe956532557fa2"},
		},
		InstalledBuildDepends: []BuildDepend{
			{Name: "autoconf", Version: "2.69-14"},
			{Name: "base-files", Version: "11"},
			{Name: "gcc", Arch: "amd64", Version: "4:10.2.0-1"},
			{Name: "libc6", Arch: "amd64", Version: "2.31-6"},
		},
		Environment: []string{
			`DEB_BUILD_OPTIONS="parallel=4"`,
			`LANG="C.UTF-8"`,
		},
	}
	if diff := cmp.Diff(want, bi); diff != "" {
		t.Errorf("BuildInfo mismatch (-want +got):\n%s", diff)
	}
}

func TestParseBuildInfoClearsigned(t *testing.T) {
	signed := "-----BEGIN PGP SIGNED MESSAGE-----\nHash: SHA256\n\n" +
		buildinfoFile +
		"-----BEGIN PGP SIGNATURE-----\n\nxyz\n-----END PGP SIGNATURE-----\n"
	bi, err := ParseBuildInfo(strings.NewReader(signed))
	if err != nil {
		t.Fatal(err)
	}
	if bi.Source != "hello" {
		t.Errorf("Source: got %q, want hello", bi.Source)
	}
}

func TestParseBuildDepend(t *testing.T) {
	for _, tc := range []struct {
		input   string
		want    BuildDepend
		wantErr bool
	}{
		{input: "autoconf (= 2.69-14)", want: BuildDepend{Name: "autoconf", Version: "2.69-14"}},
		{input: "libc6:amd64 (= 2.31-6)", want: BuildDepend{Name: "libc6", Arch: "amd64", Version: "2.31-6"}},
		{input: "no-version", wantErr: true},
		{input: "empty ()", wantErr: true},
	} {
		got, err := parseBuildDepend(tc.input)
		if tc.wantErr {
			if err == nil {
				t.Errorf("parseBuildDepend(%q): expected error", tc.input)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseBuildDepend(%q): %v", tc.input, err)
			continue
		}
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Errorf("parseBuildDepend(%q) mismatch (-want +got):\n%s", tc.input, diff)
		}
	}
}

func TestParseSHA256SUMS(t *testing.T) {
	input := strings.Repeat("a", 64) + "  ./netboot/mini.iso\n" +
		strings.Repeat("b", 64) + " *SHA256SUMS.sig\n"
	got, err := ParseSHA256SUMS(strings.NewReader(input))
	if err != nil {
		t.Fatal(err)
	}
	want := []SumEntry{
		{Name: "netboot/mini.iso", SHA256: strings.Repeat("a", 64)},
		{Name: "SHA256SUMS.sig", SHA256: strings.Repeat("b", 64)},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("SHA256SUMS mismatch (-want +got):\n%s", diff)
	}
	if _, err := ParseSHA256SUMS(strings.NewReader("short  ./x\n")); err == nil {
		t.Error("expected error for truncated digest")
	}
}
