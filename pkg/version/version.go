// Package version holds build information for the learnops binary.
package version

// Set at build time, e.g. go build -ldflags "-X learnops/pkg/version.Version=v0.3.0".
//
//nolint:gochecknoglobals // ldflags injection needs package-level vars.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// String renders the build information on one line.
func String() string {
	return Version + " (" + Commit + ", " + Date + ")"
}
