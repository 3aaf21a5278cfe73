// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports build information for the hostrelay binaries.
//
// Release builds inject values with -ldflags:
//
//	go build -ldflags "-X github.com/bureau-foundation/hostrelay/lib/version.Commit=$(git rev-parse --short HEAD)"
//
// Without them, the commit falls back to the VCS stamp the Go
// toolchain embeds.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

var (
	// Version is the release version.
	Version = "0.1.0-dev"

	// Commit is the short git SHA of the build.
	Commit = ""

	// BuildTime is the UTC build timestamp.
	BuildTime = ""
)

// Info returns "VERSION (COMMIT)", the string logged at startup and
// reported by the admin status action.
func Info() string {
	commit, modified := Commit, false
	if commit == "" {
		commit, modified = vcsStamp()
	}
	if modified {
		commit += "-dirty"
	}
	return fmt.Sprintf("%s (%s)", Version, commit)
}

// Full returns Info plus the build time, toolchain and platform, for
// --version.
func Full() string {
	built := BuildTime
	if built == "" {
		built = "unknown"
	}
	return fmt.Sprintf("%s\n  built: %s\n  go: %s %s/%s",
		Info(), built, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

func vcsStamp() (revision string, modified bool) {
	revision = "unknown"
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return revision, false
	}
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
			if len(revision) > 12 {
				revision = revision[:12]
			}
		case "vcs.modified":
			modified = setting.Value == "true"
		}
	}
	return revision, modified
}
