package kurir

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

var (
	// Version is the library semantic version without a leading "v".
	Version = "0.3.0"
	// GitCommit is the git SHA; -ldflags wins over the embedded VCS stamp.
	GitCommit = "unknown"
	// BuildDate is the build timestamp (inject via -ldflags).
	BuildDate = "unknown"
)

// GetVersion returns a human-readable version string.
func GetVersion() string {
	info := GetVersionInfo()
	return fmt.Sprintf("kurir v%s (commit: %s, built: %s, go: %s)",
		info["version"], info["commit"], info["build_date"], info["go_version"])
}

// GetVersionInfo returns version metadata for logs and health endpoints.
func GetVersionInfo() map[string]string {
	commit, date := GitCommit, BuildDate
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch {
			case s.Key == "vcs.revision" && commit == "unknown":
				commit = s.Value
			case s.Key == "vcs.time" && date == "unknown":
				date = s.Value
			}
		}
	}
	return map[string]string{
		"version":    Version,
		"commit":     commit,
		"build_date": date,
		"go_version": runtime.Version(),
	}
}
