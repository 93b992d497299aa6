package rules

import "strings"

// Strategy 描述一次拦截请求被分派到的缓存策略。
type Strategy string

const (
	StrategyCacheFirst           Strategy = "cache-first"
	StrategyNetworkFirst         Strategy = "network-first"
	StrategyStaleWhileRevalidate Strategy = "stale-while-revalidate"
)

// DefaultCacheFirstExtensions 是媒体/字体/3D 模型等不可变资源的扩展名。
var DefaultCacheFirstExtensions = []string{
	"woff2", "woff", "ttf", "webp", "png", "jpg", "jpeg", "svg", "mp3", "glb", "gltf",
}

// DefaultNetworkFirstSuffixes 匹配 HTML 文档。
var DefaultNetworkFirstSuffixes = []string{".html"}

// DefaultNetworkFirstSegments 匹配 API 路径片段。
var DefaultNetworkFirstSegments = []string{"/api/"}

// ParseStrategy 将字符串标准化为 Strategy，未知值返回 false。
func ParseStrategy(raw string) (Strategy, bool) {
	switch Strategy(strings.ToLower(strings.TrimSpace(raw))) {
	case StrategyCacheFirst:
		return StrategyCacheFirst, true
	case StrategyNetworkFirst:
		return StrategyNetworkFirst, true
	case StrategyStaleWhileRevalidate:
		return StrategyStaleWhileRevalidate, true
	default:
		return "", false
	}
}
