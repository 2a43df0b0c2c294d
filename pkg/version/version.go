// Package version reports build metadata injected with -ldflags -X.
package version

import (
	"fmt"
	"runtime"
)

// Build metadata.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
	GoVersion = runtime.Version()
)

// String returns a one-line summary suitable for -version output.
func String() string {
	return fmt.Sprintf("signalkit %s (commit %s, built %s, %s)", Version, shortCommit(), BuildTime, GoVersion)
}

// LogAttrs returns the build metadata as logger key/value pairs.
func LogAttrs() []any {
	return []any{
		"version", Version,
		"gitCommit", shortCommit(),
		"buildTime", BuildTime,
	}
}

func shortCommit() string {
	if len(GitCommit) > 12 {
		return GitCommit[:12]
	}
	return GitCommit
}
