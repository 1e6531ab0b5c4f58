// Package version holds the build version, overridable at link time via
// -ldflags "-X github.com/forgerelay/forgerelay/internal/version.version=...".
package version

var version = "0.0.0-dev"

func Version() string {
	return version
}
