package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func testConfigPath(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join("testdata", name)
}

// writeTempConfig 把 TOML 内容写入临时目录下的 config.toml 并返回路径。
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}
	return path
}

// siteConfigWithVersion 生成只含一个 blog 站点的最小配置。
func siteConfigWithVersion(version string) string {
	return fmt.Sprintf(`
StoragePath = "./data"

[[Site]]
Name = "blog"
Domain = "blog.local"
Origin = "https://blog.example.com"
Version = %q
`, version)
}
