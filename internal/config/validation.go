package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// keyPlaceholder 是 Upstream.URL 中代表缓存 key 的占位符。
const keyPlaceholder = "{key}"

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if strings.TrimSpace(g.StoragePath) == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.SpoolBufferSize <= 0 {
		return newFieldError("Global.SpoolBufferSize", "必须大于 0")
	}
	if g.KeyMemoSize <= 0 {
		return newFieldError("Global.KeyMemoSize", "必须大于 0")
	}
	if g.ProductionTimeout.DurationValue() < 0 {
		return newFieldError("Global.ProductionTimeout", "不能为负数")
	}
	if g.LockTimeout.DurationValue() <= 0 {
		return newFieldError("Global.LockTimeout", "必须大于 0")
	}

	u := c.Upstream
	if err := validateUpstream(u.URL); err != nil {
		return fmt.Errorf("%s: %w", upstreamField("URL"), err)
	}
	if u.Proxy != "" {
		if err := validateUpstream(u.Proxy); err != nil {
			return fmt.Errorf("%s: %w", upstreamField("Proxy"), err)
		}
	}
	if u.MaxRetries < 0 {
		return newFieldError(upstreamField("MaxRetries"), "不能为负数")
	}
	if u.InitialBackoff.DurationValue() <= 0 {
		return newFieldError(upstreamField("InitialBackoff"), "必须大于 0")
	}
	if u.Timeout.DurationValue() < 0 {
		return newFieldError(upstreamField("Timeout"), "不能为负数")
	}

	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(strings.ReplaceAll(raw, keyPlaceholder, "key"))
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}
