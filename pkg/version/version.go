// Package version carries build identification, stamped via ldflags:
//
//	go build -ldflags "-X github.com/cyberbeamhq/memoric/pkg/version.Version=v0.3.0"
package version

import (
	"fmt"
	"runtime"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
	GoVersion = runtime.Version()
)

// String returns a single-line build identifier for logs.
func String() string {
	return fmt.Sprintf("%s (%s, built %s, %s)", Version, GitCommit, BuildTime, GoVersion)
}
