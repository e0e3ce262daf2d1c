// Package version carries build identity, set at link time via
// -ldflags "-X github.com/fieldline/fieldline/internal/version.Version=...".
package version

import "runtime/debug"

var (
	// Version is the release tag, or "dev" for local builds.
	Version = "dev"
	// Commit is the short git hash of the build.
	Commit = ""
)

// String renders the build identity for --version output and startup
// logs.
func String() string {
	v := Version
	if Commit != "" {
		v += " (" + Commit + ")"
	}
	if v == "dev" {
		if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
			v = info.Main.Version
		}
	}
	return v
}
