// Package version holds build version information, injected at link time.
package version

import "fmt"

var (
	// Version is the semantic version, set via -ldflags at build time.
	Version = "dev"

	// GitCommit is the short commit hash, set via -ldflags at build time.
	GitCommit = "unknown"
)

// String returns the full version string, e.g. "telebrowse 0.3.0 (a1b2c3d)".
func String() string {
	return fmt.Sprintf("telebrowse %s (%s)", Version, GitCommit)
}
