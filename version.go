package atelier

import (
	"fmt"
	"runtime/debug"
)

// Version is the engine release, overridable at link time:
//
//	go build -ldflags "-X github.com/atelierhq/atelier.Version=v1.2.3"
var Version = "0.1.0"

// VersionString reports the version plus build metadata when the binary
// carries it (module builds embed VCS info since go 1.18).
func VersionString() string {
	s := "atelier " + Version
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return s
	}

	var revision, modified string
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.modified":
			modified = setting.Value
		}
	}
	if revision != "" {
		if len(revision) > 12 {
			revision = revision[:12]
		}
		if modified == "true" {
			revision += "+dirty"
		}
		s = fmt.Sprintf("%s (%s, %s)", s, revision, info.GoVersion)
	} else {
		s = fmt.Sprintf("%s (%s)", s, info.GoVersion)
	}
	return s
}
