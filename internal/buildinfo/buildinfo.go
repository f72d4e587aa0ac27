// Package buildinfo carries version stamps set at link time:
//
//	go build -ldflags "-X wastezone/internal/buildinfo.Version=v1.2.0 -X wastezone/internal/buildinfo.Commit=$(git rev-parse --short HEAD)"
package buildinfo

import (
	"runtime"
	"runtime/debug"
)

var (
	Version = "dev"
	Commit  = ""
	BuiltAt = ""
)

func Info() map[string]string {
	commit := Commit
	if commit == "" {
		commit = vcsRevision()
	}
	return map[string]string{
		"version":   Version,
		"commit":    commit,
		"builtAt":   BuiltAt,
		"goVersion": runtime.Version(),
	}
}

// vcsRevision falls back to the revision the toolchain embedded, if any.
func vcsRevision() string {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range bi.Settings {
		if s.Key == "vcs.revision" {
			return s.Value
		}
	}
	return ""
}
