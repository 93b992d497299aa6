package version

import (
	"fmt"
	"runtime/debug"
)

// Version/Commit 可在构建时通过 -ldflags 注入。
var (
	Version = "0.1.0"
	Commit  = "dev"
)

// Full 返回 CLI 打印的版本信息；未注入 Commit 时尝试读取构建信息中的 vcs.revision。
func Full() string {
	return fmt.Sprintf("shellcache %s (%s)", Version, commit())
}

func commit() string {
	if Commit != "dev" {
		return Commit
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return Commit
	}
	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" && len(setting.Value) >= 7 {
			return setting.Value[:7]
		}
	}
	return Commit
}
