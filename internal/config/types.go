package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 兼容 Go Duration 字符串（"30s"）与以秒为单位的数字（"30"、"1.5"、"0x1e"）。
type Duration time.Duration

// UnmarshalText 实现 encoding.TextUnmarshaler。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = 0
		return nil
	}
	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}
	if seconds, err := parseSeconds(raw); err == nil {
		*d = Duration(seconds * float64(time.Second))
		return nil
	}
	return fmt.Errorf("无法解析 Duration 字段: %s", raw)
}

// DurationValue 返回 time.Duration。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseSeconds 解析十进制（可带小数）或 0x 前缀的十六进制秒数。
func parseSeconds(value string) (float64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		n, err := strconv.ParseInt(value, 0, 64)
		return float64(n), err
	}
	return strconv.ParseFloat(value, 64)
}

// GlobalConfig 描述全局运行时行为，所有站点共享同一份参数。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	StoreBackend    string   `mapstructure:"StoreBackend"`
	SQLitePath      string   `mapstructure:"SQLitePath"`
	RedisAddr       string   `mapstructure:"RedisAddr"`
	RedisPassword   string   `mapstructure:"RedisPassword"`
	RedisDB         int      `mapstructure:"RedisDB"`
	RedisKeyPrefix  string   `mapstructure:"RedisKeyPrefix"`
	MaxMemoryCache  int64    `mapstructure:"MaxMemoryCacheSize"`
	EntryLifetime   Duration `mapstructure:"EntryLifetime"`
	MaxRetries      int      `mapstructure:"MaxRetries"`
	InitialBackoff  Duration `mapstructure:"InitialBackoff"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	WatchConfig     bool     `mapstructure:"WatchConfig"`
	ControlToken    string   `mapstructure:"ControlToken"`
}

// SiteConfig 描述一个被拦截的站点：对外域名、源站、版本与分类规则。
// Version 变化即视为部署了新版本，会触发安装与激活流程。
type SiteConfig struct {
	Name                 string   `mapstructure:"Name"`
	Domain               string   `mapstructure:"Domain"`
	Origin               string   `mapstructure:"Origin"`
	Version              string   `mapstructure:"Version"`
	CachePrefix          string   `mapstructure:"CachePrefix"`
	OfflinePage          string   `mapstructure:"OfflinePage"`
	Precache             []string `mapstructure:"Precache"`
	CacheFirstExtensions []string `mapstructure:"CacheFirstExtensions"`
	NetworkFirstSuffixes []string `mapstructure:"NetworkFirstSuffixes"`
	NetworkFirstSegments []string `mapstructure:"NetworkFirstSegments"`
	CacheFirstPatterns   []string `mapstructure:"CacheFirstPatterns"`
	NetworkFirstPatterns []string `mapstructure:"NetworkFirstPatterns"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Sites  []SiteConfig `mapstructure:"Site"`
}

// Prefix 返回 generation 名称前缀，未配置 CachePrefix 时使用站点名。
func (s SiteConfig) Prefix() string {
	if prefix := strings.TrimSpace(s.CachePrefix); prefix != "" {
		return prefix
	}
	return s.Name
}

// SiteVersions 返回所有站点的版本摘要，例如 blog:v3。
func SiteVersions(sites []SiteConfig) []string {
	if len(sites) == 0 {
		return nil
	}
	result := make([]string, len(sites))
	for i, site := range sites {
		result[i] = fmt.Sprintf("%s:%s", site.Name, site.Version)
	}
	return result
}

// FindSite 按名称查找站点配置。
func (c *Config) FindSite(name string) (SiteConfig, bool) {
	if c == nil {
		return SiteConfig{}, false
	}
	for _, site := range c.Sites {
		if site.Name == name {
			return site, true
		}
	}
	return SiteConfig{}, false
}
