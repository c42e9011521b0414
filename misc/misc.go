// Package misc keeps small helpers shared by every other package.
package misc

import (
	"runtime/debug"
)

const appName = "rab"

// set by the linker on release builds.
var version string

// GetAppName returns short program name used in logs and file names.
func GetAppName() string {
	return appName
}

// GetVersion returns program version, either set at build time or taken
// from the embedded module info.
func GetVersion() string {
	if len(version) != 0 {
		return version
	}
	if bi, ok := debug.ReadBuildInfo(); ok && len(bi.Main.Version) != 0 {
		return bi.Main.Version
	}
	return "(devel)"
}

// GetGitHash returns vcs revision recorded in the build info, if any.
func GetGitHash() string {
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			if s.Key == "vcs.revision" {
				return s.Value
			}
		}
	}
	return "unknown"
}
