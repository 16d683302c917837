package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"
)

var structValidator = validator.New()

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	if err := structValidator.Struct(c); err != nil {
		return translateValidationError(err)
	}

	g := c.Global
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.HealthCheckInterval.DurationValue() <= 0 {
		return newFieldError("Global.HealthCheckInterval", "必须大于 0")
	}
	if g.DrainInterval.DurationValue() <= 0 {
		return newFieldError("Global.DrainInterval", "必须大于 0")
	}

	if len(c.Apps) == 0 {
		return errors.New("至少需要配置一个 App")
	}

	seenNames := map[string]struct{}{}
	seenDomains := map[string]struct{}{}
	for i := range c.Apps {
		app := &c.Apps[i]
		if _, exists := seenNames[app.Name]; exists {
			return newFieldError(appField(app.Name, "Name"), "重复")
		}
		seenNames[app.Name] = struct{}{}
		if strings.ContainsAny(app.Name, `/\ `) {
			return newFieldError(appField(app.Name, "Name"), "不允许包含路径分隔符或空格")
		}

		if err := validateDomain(app.Domain); err != nil {
			return fmt.Errorf("%s: %w", appField(app.Name, "Domain"), err)
		}
		if _, exists := seenDomains[app.Domain]; exists {
			return newFieldError(appField(app.Name, "Domain"), "重复")
		}
		seenDomains[app.Domain] = struct{}{}

		if err := validateOrigin(app.Origin); err != nil {
			return fmt.Errorf("%s: %w", appField(app.Name, "Origin"), err)
		}
		if strings.ContainsAny(app.CacheVersion, `/\ `) {
			return newFieldError(appField(app.Name, "CacheVersion"), "不允许包含路径分隔符或空格")
		}
		if app.APIPrefix == "/" {
			return newFieldError(appField(app.Name, "APIPrefix"), "不能覆盖整个站点")
		}
	}

	return nil
}

func translateValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	first := verrs[0]
	field := strings.TrimPrefix(first.Namespace(), "Config.")
	reason := first.Tag()
	if first.Param() != "" {
		reason = fmt.Sprintf("%s=%s", first.Tag(), first.Param())
	}
	return newFieldError(field, "校验失败: "+reason)
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
	return nil
}
