package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var supportedStoreBackends = map[string]struct{}{
	"fs":     {},
	"memory": {},
	"sqlite": {},
	"redis":  {},
}

const supportedStoreBackendList = "fs|memory|sqlite|redis"

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if _, ok := supportedStoreBackends[g.StoreBackend]; !ok {
		return newFieldError("Global.StoreBackend", "仅支持 "+supportedStoreBackendList)
	}
	if g.StoreBackend == "redis" && strings.TrimSpace(g.RedisAddr) == "" {
		return newFieldError("Global.RedisAddr", "redis 后端需要配置地址")
	}
	if g.RedisDB < 0 {
		return newFieldError("Global.RedisDB", "不能为负数")
	}
	if g.MaxMemoryCache <= 0 {
		return newFieldError("Global.MaxMemoryCacheSize", "必须大于 0")
	}
	if g.EntryLifetime.DurationValue() < 0 {
		return newFieldError("Global.EntryLifetime", "不能为负数")
	}
	if g.MaxRetries < 0 {
		return newFieldError("Global.MaxRetries", "不能为负数")
	}
	if g.InitialBackoff.DurationValue() <= 0 {
		return newFieldError("Global.InitialBackoff", "必须大于 0")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}

	if len(c.Sites) == 0 {
		return errors.New("至少需要配置一个 Site")
	}

	seenNames := map[string]struct{}{}
	seenDomains := map[string]string{}
	for i := range c.Sites {
		site := &c.Sites[i]
		if site.Name == "" {
			return newFieldError("Site[].Name", "不能为空")
		}
		if _, exists := seenNames[site.Name]; exists {
			return newFieldError(siteField(site.Name, "Name"), "重复")
		}
		seenNames[site.Name] = struct{}{}

		if err := validateDomain(site.Domain); err != nil {
			return fmt.Errorf("%s: %w", siteField(site.Name, "Domain"), err)
		}
		if other, exists := seenDomains[site.Domain]; exists {
			return newFieldError(siteField(site.Name, "Domain"), "与站点 "+other+" 重复")
		}
		seenDomains[site.Domain] = site.Name

		if err := validateOrigin(site.Origin); err != nil {
			return fmt.Errorf("%s: %w", siteField(site.Name, "Origin"), err)
		}
		if err := validateGenerationPart(site.Version); err != nil {
			return newFieldError(siteField(site.Name, "Version"), err.Error())
		}
		if err := validateGenerationPart(site.Prefix()); err != nil {
			return newFieldError(siteField(site.Name, "CachePrefix"), err.Error())
		}
		for _, entry := range site.Precache {
			if err := validateSitePath(entry); err != nil {
				return newFieldError(siteField(site.Name, "Precache"), err.Error())
			}
		}
		if site.OfflinePage != "" {
			if err := validateSitePath(site.OfflinePage); err != nil {
				return newFieldError(siteField(site.Name, "OfflinePage"), err.Error())
			}
		}
		if _, err := site.Classifier(); err != nil {
			return newFieldError(siteField(site.Name, "Rules"), err.Error())
		}
	}

	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少源站地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，源站: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("源站缺少 Host: %s", raw)
	}
	if parsed.Path != "" && parsed.Path != "/" {
		return fmt.Errorf("源站不允许包含路径: %s", raw)
	}
	return nil
}

// validateGenerationPart 保证版本号与前缀可以安全拼接为 generation 名称。
func validateGenerationPart(value string) error {
	if strings.TrimSpace(value) == "" {
		return errors.New("不能为空")
	}
	if strings.ContainsAny(value, "/\\: \t") {
		return fmt.Errorf("包含非法字符: %q", value)
	}
	return nil
}

func validateSitePath(path string) error {
	if !strings.HasPrefix(path, "/") {
		return fmt.Errorf("路径必须以 / 开头: %s", path)
	}
	parsed, err := url.Parse(path)
	if err != nil {
		return err
	}
	if parsed.IsAbs() || parsed.Host != "" {
		return fmt.Errorf("只允许站点内路径: %s", path)
	}
	return nil
}
