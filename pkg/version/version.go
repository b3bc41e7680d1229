// Package version reports the build of the running corrald binary.
package version

import (
	"fmt"
	"runtime"

	"github.com/rzbill/corral/pkg/log"
)

// Set at build time with -ldflags "-X github.com/rzbill/corral/pkg/version.Version=...".
var (
	Version   = "dev"
	BuildTime = "unknown"
	Commit    = "unknown"
)

// ShortCommit returns the first eight characters of Commit.
func ShortCommit() string {
	if len(Commit) > 8 {
		return Commit[:8]
	}
	return Commit
}

// Info returns a one-line description of the build.
func Info() string {
	return fmt.Sprintf("Corral %s (%s) - %s %s/%s",
		Version, ShortCommit(), BuildTime, runtime.GOOS, runtime.GOARCH)
}

// Fields returns the build as log fields for service start and stop lines.
func Fields() []log.Field {
	return []log.Field{
		log.Str("version", Version),
		log.Str("commit", ShortCommit()),
		log.Str("go", runtime.Version()),
	}
}
