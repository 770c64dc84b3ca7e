package buildinfo

import (
	"fmt"

	"github.com/cordum/extmgr/core/infra/logging"
)

// Set at link time with -ldflags "-X github.com/cordum/extmgr/core/infra/buildinfo.Version=...".
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Info returns a single-line build summary.
func Info() string {
	return fmt.Sprintf("version=%s commit=%s date=%s", Version, Commit, Date)
}

// Log writes the build summary for the named service.
func Log(service string) {
	logging.Info(service, "starting", "version", Version, "commit", Commit, "date", Date)
}
