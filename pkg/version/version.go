// Package version carries build information for the taskengine binary.
// Values are injected at link time, for example:
//
//	go build -ldflags "-X taskengine/pkg/version.Version=v0.3.0 -X taskengine/pkg/version.Commit=$(git rev-parse --short HEAD)"
package version

import "fmt"

//nolint:gochecknoglobals // ldflags injection needs package-level vars.
var (
	// Version is the release tag, or "dev" for local builds.
	Version = "dev"

	// Commit is the short git SHA.
	Commit = "none"

	// Date is the build date in ISO format.
	Date = "unknown"
)

// String formats the build information on one line.
func String() string {
	return fmt.Sprintf("taskengine %s (commit %s, built %s)", Version, Commit, Date)
}
