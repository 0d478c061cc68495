// Package version holds build information, set at link time with
// -ldflags "-X github.com/inngest/mcpgate/pkg/version.Version=...".
package version

import "fmt"

var (
	Version = "dev"
	Hash    = ""
)

// Print returns the version, with the commit hash when it is known.
func Print() string {
	if Hash == "" {
		return Version
	}
	return fmt.Sprintf("%s-%s", Version, Hash)
}
