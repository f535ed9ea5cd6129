// Package version carries build identity injected via ldflags.
package version

var (
	// Version is the current application version.
	// Populated by the build system (ldflags); the default marks dev builds.
	Version = "v0.1.0-dev"

	// Commit is the git short hash of the build.
	Commit = "unknown"

	// Date is the build timestamp.
	Date = "unknown"
)
