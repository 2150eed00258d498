// Package packages downloads and installs native tool packages (the ghdl
// binaries) into a local directory and reports their install status.
package packages

import (
	"errors"
	"fmt"
	"runtime"
	"sort"

	"golang.org/x/mod/semver"
)

// ErrUnsupportedTarget is returned when a package has no build for the host.
var ErrUnsupportedTarget = errors.New("package not available for this platform")

// Target is one downloadable build of a package version.
type Target struct {
	// Target is the platform identifier: win-x64, linux-x64 or osx-x64.
	Target string

	// URL is the archive to download.
	URL string

	// RelativePath locates the executable inside the extracted archive.
	RelativePath string
}

// Version is a released package version.
type Version struct {
	Version string
	Targets []Target
}

// Package describes an installable tool.
type Package struct {
	ID          string
	Name        string
	Description string
	License     string
	Versions    []Version
}

// Ghdl is the GHDL simulator package.
var Ghdl = Package{
	ID:          "ghdl",
	Name:        "GHDL",
	Description: "VHDL simulator and synthesizer",
	License:     "GPL-2.0",
	Versions: []Version{
		{
			Version: "4.0.0",
			Targets: []Target{
				{"win-x64", "https://github.com/ghdl/ghdl/releases/download/v4.0.0/ghdl-UCRT64.zip", "GHDL/bin/ghdl.exe"},
				{"linux-x64", "https://cdn.vhdplus.com/ghdl/ghdl2.0.0-ubuntu20.zip", "bin/ghdl"},
				{"osx-x64", "https://github.com/ghdl/ghdl/releases/download/v4.0.0/ghdl-macos-11-mcode.tgz", "bin/ghdl"},
			},
		},
		{
			Version: "4.1.0",
			Targets: []Target{
				{"win-x64", "https://github.com/ghdl/ghdl/releases/download/v4.1.0/ghdl-UCRT64.zip", "GHDL/bin/ghdl.exe"},
				{"linux-x64", "https://github.com/ghdl/ghdl/releases/download/v4.1.0/ghdl-gha-ubuntu-20.04-mcode.tgz", "bin/ghdl"},
				{"osx-x64", "https://github.com/ghdl/ghdl/releases/download/v4.1.0/ghdl-macos-11-mcode.tgz", "bin/ghdl"},
			},
		},
		{
			Version: "5.0.1",
			Targets: []Target{
				{"win-x64", "https://github.com/ghdl/ghdl/releases/download/v5.0.1/ghdl-mcode-5.0.1-ucrt64.zip", "bin/ghdl.exe"},
				{"linux-x64", "https://github.com/ghdl/ghdl/releases/download/v5.0.1/ghdl-mcode-5.0.1-ubuntu24.04-x86_64.tar.gz", "bin/ghdl"},
				{"osx-x64", "https://github.com/ghdl/ghdl/releases/download/v5.0.1/ghdl-mcode-5.0.1-macos13-x86_64.tar.gz", "bin/ghdl"},
			},
		},
	},
}

// HostTarget returns the target identifier of the running platform, or "" when
// no package build exists for it. Apple silicon runs the x64 build.
func HostTarget() string {
	switch {
	case runtime.GOOS == "windows" && runtime.GOARCH == "amd64":
		return "win-x64"
	case runtime.GOOS == "linux" && runtime.GOARCH == "amd64":
		return "linux-x64"
	case runtime.GOOS == "darwin":
		return "osx-x64"
	default:
		return ""
	}
}

// Find returns the build of version for target.
func (p Package) Find(version, target string) (Target, error) {
	for _, v := range p.Versions {
		if v.Version != version {
			continue
		}
		for _, t := range v.Targets {
			if t.Target == target {
				return t, nil
			}
		}
		return Target{}, fmt.Errorf("%w: %s %s for %q", ErrUnsupportedTarget, p.ID, version, target)
	}
	return Target{}, fmt.Errorf("unknown %s version %q (available: %v)", p.ID, version, p.VersionNames())
}

// VersionNames returns the known versions, oldest first.
func (p Package) VersionNames() []string {
	names := make([]string, len(p.Versions))
	for i, v := range p.Versions {
		names[i] = v.Version
	}
	SortVersions(names)
	return names
}

// Latest returns the newest version that has a build for target.
func (p Package) Latest(target string) string {
	var latest string
	for _, v := range p.Versions {
		for _, t := range v.Targets {
			if t.Target == target && (latest == "" || CompareVersions(v.Version, latest) > 0) {
				latest = v.Version
			}
		}
	}
	return latest
}

// CompareVersions compares two dotted versions ("4.1.0", "5.0.1-dev") with
// semantic version ordering. Invalid versions sort before valid ones.
func CompareVersions(a, b string) int {
	return semver.Compare(Canonical(a), Canonical(b))
}

// Canonical converts a bare version into the "v" prefixed semver form.
func Canonical(v string) string {
	if v == "" {
		return ""
	}
	if v[0] != 'v' {
		v = "v" + v
	}
	return v
}

// SortVersions sorts versions ascending.
func SortVersions(versions []string) {
	sort.SliceStable(versions, func(i, j int) bool {
		return CompareVersions(versions[i], versions[j]) < 0
	})
}
