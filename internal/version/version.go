// Package version contains build version information set via ldflags.
package version

// Build metadata. Overridden at build time with
// -ldflags "-X github.com/bissquit/sheetdash/internal/version.Version=...".
var (
	Version   = "0.0.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Info returns the build metadata as served by the /version endpoint.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"commit":     GitCommit,
		"build_date": BuildDate,
	}
}
