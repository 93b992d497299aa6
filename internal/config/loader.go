package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	if err := rejectSiteLevelPorts(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	for i := range cfg.Sites {
		applySiteDefaults(&cfg.Sites[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage
	if cfg.Global.SQLitePath == "" {
		cfg.Global.SQLitePath = filepath.Join(absStorage, "shellcache.db")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("StoreBackend", "fs")
	v.SetDefault("RedisKeyPrefix", "shellcache")
	v.SetDefault("MaxMemoryCacheSize", 256*1024*1024)
	v.SetDefault("EntryLifetime", "0s")
	v.SetDefault("MaxRetries", 3)
	v.SetDefault("InitialBackoff", "1s")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("WatchConfig", false)
	v.SetDefault("ControlToken", "")
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	g.StoreBackend = strings.ToLower(strings.TrimSpace(g.StoreBackend))
	if g.StoreBackend == "" {
		g.StoreBackend = "fs"
	}
	if g.InitialBackoff.DurationValue() == 0 {
		g.InitialBackoff = Duration(time.Second)
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
}

func applySiteDefaults(s *SiteConfig) {
	s.Name = strings.TrimSpace(s.Name)
	s.Domain = strings.ToLower(strings.TrimSpace(s.Domain))
	s.Origin = strings.TrimRight(strings.TrimSpace(s.Origin), "/")
	s.Version = strings.TrimSpace(s.Version)
	if len(s.Precache) == 0 {
		s.Precache = []string{"/", "/index.html"}
	}
	if s.OfflinePage != "" && !strings.HasPrefix(s.OfflinePage, "/") {
		s.OfflinePage = "/" + s.OfflinePage
	}
}

// durationDecodeHook 让 Duration 字段同时接受 "30s"、"1.5"（秒）与 TOML 整数秒。
func durationDecodeHook() mapstructure.DecodeHookFunc {
	target := reflect.TypeOf(Duration(0))

	return func(_ reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != target {
			return data, nil
		}
		var d Duration
		switch v := data.(type) {
		case string:
			if err := d.UnmarshalText([]byte(v)); err != nil {
				return nil, err
			}
		case int:
			d = Duration(time.Duration(v) * time.Second)
		case int64:
			d = Duration(time.Duration(v) * time.Second)
		case float64:
			d = Duration(time.Duration(v * float64(time.Second)))
		case time.Duration:
			d = Duration(v)
		case Duration:
			d = v
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
		return d, nil
	}
}

func rejectSiteLevelPorts(v *viper.Viper) error {
	raw := v.Get("Site")
	sites, ok := raw.([]interface{})
	if !ok {
		return nil
	}

	for idx, entry := range sites {
		m, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		if _, exists := m["Port"]; exists {
			name := fmt.Sprintf("#%d", idx)
			if rawName, ok := m["Name"].(string); ok && rawName != "" {
				name = rawName
			}
			return newFieldError(siteField(name, "Port"), "站点不支持独立端口，请使用全局 ListenPort")
		}
	}

	return nil
}
