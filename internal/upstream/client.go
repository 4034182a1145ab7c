package upstream

import (
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/any-hub/trackcache/internal/config"
)

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ResponseHeaderTimeout: 30 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// NewClient 返回拉取正文用的 http.Client。
// Timeout 覆盖整个响应体读取，正文较大时应保持 0 并依赖缓存的 ProductionTimeout。
func NewClient(cfg config.UpstreamConfig) (*http.Client, error) {
	transport := defaultTransport.Clone()
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, err
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	return &http.Client{
		Timeout:   cfg.Timeout.DurationValue(),
		Transport: transport,
	}, nil
}
