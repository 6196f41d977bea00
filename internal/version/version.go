package version

import (
	"runtime"
	"runtime/debug"
	"time"
)

// Stamped at link time:
//
//	go build -ldflags "-X github.com/samcharles93/slim/internal/version.Version=v0.3.0"
var (
	Version   = ""
	Commit    = ""
	BuildTime = ""
)

// Info is the resolved build identity printed by `slim version`.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	BuildTime string `json:"build_time,omitempty"`
	GoVersion string `json:"go_version"`
}

// Resolve prefers the ldflags values and falls back to the VCS stamp the
// go command embeds. A build with neither reports "dev-<date>".
func Resolve() Info {
	info := Info{Version: Version, Commit: Commit, BuildTime: BuildTime, GoVersion: runtime.Version()}
	if bi, ok := debug.ReadBuildInfo(); ok {
		fromBuildInfo(&info, bi)
	}
	if info.Version != "" {
		return info
	}
	stamp := info.BuildTime
	if stamp == "" {
		stamp = time.Now().UTC().Format("20060102")
	}
	info.Version = "dev-" + stamp
	return info
}

func fromBuildInfo(info *Info, bi *debug.BuildInfo) {
	if v := bi.Main.Version; info.Version == "" && v != "" && v != "(devel)" {
		info.Version = v
	}
	for _, s := range bi.Settings {
		switch {
		case s.Key == "vcs.revision" && info.Commit == "":
			info.Commit = s.Value
		case s.Key == "vcs.time" && info.BuildTime == "":
			info.BuildTime = s.Value
		}
	}
}

// String is the one-line form, e.g. "v0.3.0 (1a2b3c4d5e6f)".
func String() string {
	info := Resolve()
	if info.Commit == "" {
		return info.Version
	}
	return info.Version + " (" + shortCommit(info.Commit) + ")"
}

func shortCommit(commit string) string {
	const n = 12
	if len(commit) > n {
		return commit[:n]
	}
	return commit
}
