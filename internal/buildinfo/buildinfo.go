// Package buildinfo holds the gpuwarden version, injected with -ldflags:
//
//	-X github.com/terrpan/gpuwarden/internal/buildinfo.Version=v0.3.0
//	-X github.com/terrpan/gpuwarden/internal/buildinfo.Commit=abc1234
//	-X github.com/terrpan/gpuwarden/internal/buildinfo.BuildTime=2026-05-04T12:00:00Z
//
// Values left unset are filled from the VCS stamp the Go toolchain embeds,
// so a plain `go install` still reports its commit.
package buildinfo

import (
	"fmt"
	"runtime/debug"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func init() {
	if bi, ok := debug.ReadBuildInfo(); ok {
		fill(bi)
	}
}

// fill replaces placeholder values with those found in bi.
func fill(bi *debug.BuildInfo) {
	if Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		Version = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if Commit == "unknown" && s.Value != "" {
				Commit = s.Value
				if len(Commit) > 12 {
					Commit = Commit[:12]
				}
			}
		case "vcs.time":
			if BuildTime == "unknown" && s.Value != "" {
				BuildTime = s.Value
			}
		}
	}
}

// String is the one-line form printed by `gpuwarden version`.
func String() string {
	return fmt.Sprintf("gpuwarden %s (commit %s, built %s)", Version, Commit, BuildTime)
}
