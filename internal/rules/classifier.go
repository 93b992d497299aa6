// Package rules 将请求路径映射为缓存策略。分类只依赖 URL pathname，
// 不持有任何可变状态，因此可以直接针对字符串做单元测试。
package rules

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Rule 是有序规则表中的一项。
type Rule struct {
	Name     string
	Strategy Strategy
	Pattern  *regexp.Regexp
}

// Match 判断 pathname 是否命中该规则。
func (r Rule) Match(pathname string) bool {
	return r.Pattern != nil && r.Pattern.MatchString(pathname)
}

// Options 控制规则表的构建，空切片回退到默认值。
type Options struct {
	CacheFirstExtensions []string
	NetworkFirstSuffixes []string
	NetworkFirstSegments []string
	// 额外的正则规则，追加在对应规则表末尾。
	CacheFirstPatterns   []string
	NetworkFirstPatterns []string
}

// Classifier 先匹配 cache-first 表，再匹配 network-first 表，其余一律 stale-while-revalidate。
type Classifier struct {
	cacheFirst   []Rule
	networkFirst []Rule
}

// New 根据 Options 构建 Classifier，非法正则会返回错误。
func New(opts Options) (*Classifier, error) {
	exts := opts.CacheFirstExtensions
	if len(exts) == 0 {
		exts = DefaultCacheFirstExtensions
	}
	suffixes := opts.NetworkFirstSuffixes
	if len(suffixes) == 0 {
		suffixes = DefaultNetworkFirstSuffixes
	}
	segments := opts.NetworkFirstSegments
	if len(segments) == 0 {
		segments = DefaultNetworkFirstSegments
	}

	c := &Classifier{}
	if rule, ok := extensionRule(exts); ok {
		c.cacheFirst = append(c.cacheFirst, rule)
	}
	for idx, raw := range opts.CacheFirstPatterns {
		rule, err := patternRule(fmt.Sprintf("cache-first-pattern-%d", idx), StrategyCacheFirst, raw)
		if err != nil {
			return nil, err
		}
		c.cacheFirst = append(c.cacheFirst, rule)
	}

	for _, suffix := range suffixes {
		suffix = strings.TrimSpace(suffix)
		if suffix == "" {
			continue
		}
		c.networkFirst = append(c.networkFirst, Rule{
			Name:     "suffix:" + suffix,
			Strategy: StrategyNetworkFirst,
			Pattern:  regexp.MustCompile(regexp.QuoteMeta(suffix) + `$`),
		})
	}
	for _, segment := range segments {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			continue
		}
		c.networkFirst = append(c.networkFirst, Rule{
			Name:     "segment:" + segment,
			Strategy: StrategyNetworkFirst,
			Pattern:  regexp.MustCompile(regexp.QuoteMeta(segment)),
		})
	}
	for idx, raw := range opts.NetworkFirstPatterns {
		rule, err := patternRule(fmt.Sprintf("network-first-pattern-%d", idx), StrategyNetworkFirst, raw)
		if err != nil {
			return nil, err
		}
		c.networkFirst = append(c.networkFirst, rule)
	}

	return c, nil
}

// Default 返回使用内置规则表的 Classifier。
func Default() *Classifier {
	c, err := New(Options{})
	if err != nil {
		panic(err)
	}
	return c
}

// Classify 对 pathname 做纯函数分类。
func (c *Classifier) Classify(pathname string) Strategy {
	for _, rule := range c.cacheFirst {
		if rule.Match(pathname) {
			return StrategyCacheFirst
		}
	}
	for _, rule := range c.networkFirst {
		if rule.Match(pathname) {
			return StrategyNetworkFirst
		}
	}
	return StrategyStaleWhileRevalidate
}

// ClassifyURL 解析 raw URL 后按 pathname 分类，query 与 fragment 不参与匹配。
func (c *Classifier) ClassifyURL(raw string) (Strategy, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	return c.Classify(parsed.Path), nil
}

// Describe 按匹配顺序返回规则表，供诊断接口输出。
func (c *Classifier) Describe() []Rule {
	out := make([]Rule, 0, len(c.cacheFirst)+len(c.networkFirst))
	out = append(out, c.cacheFirst...)
	out = append(out, c.networkFirst...)
	return out
}

func extensionRule(exts []string) (Rule, bool) {
	quoted := make([]string, 0, len(exts))
	for _, ext := range exts {
		ext = strings.TrimPrefix(strings.TrimSpace(ext), ".")
		if ext == "" {
			continue
		}
		quoted = append(quoted, regexp.QuoteMeta(ext))
	}
	if len(quoted) == 0 {
		return Rule{}, false
	}
	return Rule{
		Name:     "extensions",
		Strategy: StrategyCacheFirst,
		Pattern:  regexp.MustCompile(`\.(?:` + strings.Join(quoted, "|") + `)$`),
	}, true
}

func patternRule(name string, strategy Strategy, raw string) (Rule, error) {
	pattern, err := regexp.Compile(raw)
	if err != nil {
		return Rule{}, fmt.Errorf("invalid pattern %q: %w", raw, err)
	}
	return Rule{Name: name, Strategy: strategy, Pattern: pattern}, nil
}
