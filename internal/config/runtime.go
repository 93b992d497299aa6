package config

import (
	"fmt"
	"net/url"

	"github.com/any-hub/shellcache/internal/rules"
)

// SiteRuntime 将站点配置解析为运行时所需的 origin 与分类器。
type SiteRuntime struct {
	Config     SiteConfig
	Origin     *url.URL
	Classifier *rules.Classifier
}

// Classifier 根据站点规则构建分类器，未配置的列表使用默认规则。
func (s SiteConfig) Classifier() (*rules.Classifier, error) {
	return rules.New(rules.Options{
		CacheFirstExtensions: s.CacheFirstExtensions,
		NetworkFirstSuffixes: s.NetworkFirstSuffixes,
		NetworkFirstSegments: s.NetworkFirstSegments,
		CacheFirstPatterns:   s.CacheFirstPatterns,
		NetworkFirstPatterns: s.NetworkFirstPatterns,
	})
}

// BuildSiteRuntime 解析 origin 与分类规则（假定 Validate 已经通过）。
func BuildSiteRuntime(site SiteConfig) (SiteRuntime, error) {
	origin, err := url.Parse(site.Origin)
	if err != nil {
		return SiteRuntime{}, fmt.Errorf("%s: %w", siteField(site.Name, "Origin"), err)
	}
	origin.Path = ""
	classifier, err := site.Classifier()
	if err != nil {
		return SiteRuntime{}, fmt.Errorf("%s: %w", siteField(site.Name, "Rules"), err)
	}
	return SiteRuntime{Config: site, Origin: origin, Classifier: classifier}, nil
}
