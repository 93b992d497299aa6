package config

import (
	"context"
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Watch 监听配置文件变化，每次变化重新解析并校验；校验失败时调用 onError，
// 当前运行的配置保持不变。ctx 结束后不再派发回调。
func Watch(ctx context.Context, path string, onChange func(*Config), onError func(error)) error {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("读取配置失败: %w", err)
	}

	var mu sync.Mutex
	v.OnConfigChange(func(evt fsnotify.Event) {
		if ctx.Err() != nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()

		// viper 在回调前已重新读取文件，这里只做解码与校验。
		cfg, err := decode(v)
		if err != nil {
			if onError != nil {
				onError(fmt.Errorf("重新加载 %s 失败: %w", evt.Name, err))
			}
			return
		}
		if onChange != nil {
			onChange(cfg)
		}
	})
	v.WatchConfig()
	return nil
}
