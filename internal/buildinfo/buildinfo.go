// Package buildinfo holds version metadata stamped at compile time via ldflags.
package buildinfo

import (
	"fmt"
	"runtime"
)

// These variables are set at build time via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// String returns a one-line summary for logging and the version command.
func String() string {
	return fmt.Sprintf("caseta-mcp %s (%s) built %s with %s",
		Version, GitCommit, BuildTime, runtime.Version())
}
