// Package upstream provides the default cache Producer: a plain HTTP GET
// against a configured URL, with bounded retries and exponential backoff on
// transport errors and 5xx/429 responses. Authentication and session handling
// are left to whatever sits in front of the configured URL.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/trackcache/internal/config"
	"github.com/any-hub/trackcache/internal/version"
)

const keyPlaceholder = "{key}"

// StatusError 表示上游返回了非 2xx 状态码。
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream %s returned status %d", e.URL, e.StatusCode)
}

// Producer 通过 HTTP GET 拉取正文，满足 cache.Producer。
type Producer struct {
	client  *http.Client
	base    string
	retries int
	backoff time.Duration
	logger  *logrus.Logger
}

// NewProducer 根据 Upstream 配置构建 Producer。
func NewProducer(client *http.Client, cfg config.UpstreamConfig, logger *logrus.Logger) (*Producer, error) {
	if client == nil {
		return nil, errors.New("http client required")
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("upstream url required")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	backoff := cfg.InitialBackoff.DurationValue()
	if backoff <= 0 {
		backoff = time.Second
	}
	return &Producer{
		client:  client,
		base:    cfg.URL,
		retries: cfg.MaxRetries,
		backoff: backoff,
		logger:  logger,
	}, nil
}

// URLFor 返回 key 对应的上游地址：替换 {key} 占位符，或追加为最后一段路径。
func (p *Producer) URLFor(key string) string {
	escaped := url.PathEscape(key)
	if strings.Contains(p.base, keyPlaceholder) {
		return strings.ReplaceAll(p.base, keyPlaceholder, escaped)
	}
	return strings.TrimRight(p.base, "/") + "/" + escaped
}

// Produce 拉取 key 的正文。只有拿到 2xx 响应才返回 Body，调用方负责关闭。
func (p *Producer) Produce(ctx context.Context, key string) (io.ReadCloser, error) {
	target := p.URLFor(key)
	backoff := p.backoff

	var lastErr error
	for attempt := 0; attempt <= p.retries; attempt++ {
		if attempt > 0 {
			p.logger.WithFields(logrus.Fields{
				"action":  "upstream_retry",
				"key":     key,
				"attempt": attempt,
				"backoff": backoff.String(),
			}).WithError(lastErr).Warn("upstream_retry")
			if err := sleepContext(ctx, backoff); err != nil {
				return nil, err
			}
			backoff *= 2
		}

		body, retryable, err := p.fetch(ctx, target)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retryable {
			break
		}
	}
	return nil, lastErr
}

func (p *Producer) fetch(ctx context.Context, target string) (io.ReadCloser, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Accept", "*/*")
	req.Header.Set("User-Agent", "trackcache/"+version.Version)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, ctx.Err() == nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.Body, false, nil
	}

	// 读掉少量 body 以便连接复用。
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()

	retryable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
	return nil, retryable, &StatusError{StatusCode: resp.StatusCode, URL: target}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
