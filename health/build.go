package health

import (
	"os"
	"runtime"
	"runtime/debug"
)

type BuildInfo struct {
	Version   string `json:"version"`
	Revision  string `json:"revision"`
	BuildTime string `json:"build_time,omitempty"`
	Modified  bool   `json:"modified"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// getBuildInfo reads VCS stamps embedded by the Go toolchain. BUILD_VERSION
// overrides the module version for images built outside a checkout.
func getBuildInfo() BuildInfo {
	info := BuildInfo{
		Version:   "dev",
		Revision:  "unknown",
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}

	if buildInfo, ok := debug.ReadBuildInfo(); ok {
		if v := buildInfo.Main.Version; v != "" && v != "(devel)" {
			info.Version = v
		}

		for _, setting := range buildInfo.Settings {
			switch setting.Key {
			case "vcs.revision":
				info.Revision = setting.Value
				if len(info.Revision) > 12 {
					info.Revision = info.Revision[:12]
				}
			case "vcs.time":
				info.BuildTime = setting.Value
			case "vcs.modified":
				info.Modified = setting.Value == "true"
			}
		}
	}

	if v := os.Getenv("BUILD_VERSION"); v != "" {
		info.Version = v
	}

	return info
}
