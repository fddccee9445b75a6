package revalida

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Build metadata. GitCommit and BuildDate may be injected with -ldflags -X;
// otherwise they are read from the VCS stamp of the running binary.
var (
	Version   = "0.3.0"
	GitCommit = ""
	BuildDate = ""
)

// BuildInfo describes the running build.
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
}

// ReadBuildInfo collects the build metadata.
func ReadBuildInfo() BuildInfo {
	info := BuildInfo{
		Version:   Version,
		Commit:    GitCommit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch {
			case s.Key == "vcs.revision" && info.Commit == "":
				info.Commit = s.Value
			case s.Key == "vcs.time" && info.BuildDate == "":
				info.BuildDate = s.Value
			}
		}
	}
	if info.Commit == "" {
		info.Commit = "unknown"
	}
	if info.BuildDate == "" {
		info.BuildDate = "unknown"
	}
	return info
}

func (b BuildInfo) String() string {
	return fmt.Sprintf("revalida v%s (commit: %s, built: %s, go: %s)", b.Version, b.Commit, b.BuildDate, b.GoVersion)
}
