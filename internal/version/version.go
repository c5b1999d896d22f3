// Package version carries the engine build metadata stamped in via ldflags.
package version

//nolint:revive // Overwritten by the build pipeline.
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)
