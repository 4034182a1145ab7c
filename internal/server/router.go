package server

import (
	"context"
	"errors"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/trackcache/internal/cache"
	"github.com/any-hub/trackcache/internal/logging"
)

// TrackSource describes the cache operations the HTTP surface depends on. It
// allows injecting fakes during tests. Produce may return a *cache.Stream to
// report whether the body was served from disk.
type TrackSource interface {
	Produce(ctx context.Context, key string) (io.ReadCloser, error)
	ItemCount() int
	TotalSize() int64
}

// AppOptions controls how the Fiber application should behave.
type AppOptions struct {
	Logger *logrus.Logger
	Cache  TrackSource
}

const contextKeyRequestID = "_trackcache_request_id"

// NewApp builds a Fiber application exposing the track stream endpoint and
// the /-/stats diagnostics endpoint.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Cache == nil {
		return nil, errors.New("cache is required")
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestIDMiddleware())

	app.Get("/api/tracks/:id", trackHandler(opts))
	app.Get("/-/stats", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"items": opts.Cache.ItemCount(),
			"bytes": opts.Cache.TotalSize(),
		})
	})

	return app, nil
}

// requestIDMiddleware 为每个请求生成请求 ID，并写入响应头。
func requestIDMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

// trackHandler 把路径中的 id 交给缓存，命中与未命中都以流的形式返回。
func trackHandler(opts AppOptions) fiber.Handler {
	return func(c fiber.Ctx) error {
		started := time.Now()
		requestID := RequestID(c)
		key := strings.TrimSpace(c.Params("id"))
		if key == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "key_required"})
		}

		ctx := c.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		body, err := opts.Cache.Produce(ctx, key)
		hit, size := streamInfo(body)

		fields := logging.RequestFields(requestID, key, hit)
		fields["elapsed_ms"] = time.Since(started).Milliseconds()
		if err != nil {
			status, code := statusForError(err)
			fields["status"] = status
			fields["error"] = err.Error()
			opts.Logger.WithFields(fields).Error("track_failed")
			return c.Status(status).JSON(fiber.Map{"error": code})
		}
		opts.Logger.WithFields(fields).Info("track_stream")

		c.Set("Content-Type", fiber.MIMEOctetStream)
		c.Set("X-Trackcache-Hit", strconv.FormatBool(hit))
		if hit && size > 0 {
			return c.SendStream(body, int(size))
		}
		return c.SendStream(body)
	}
}

// streamInfo 从 Produce 实际返回的流中读取命中状态与大小，避免先查索引再生产之间的竞态。
func streamInfo(body io.ReadCloser) (bool, int64) {
	if stream, ok := body.(*cache.Stream); ok && stream != nil {
		return stream.Hit, stream.Size
	}
	return false, -1
}

// statusForError 把缓存错误映射为 HTTP 状态码与错误码。
func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, cache.ErrInvalidKey):
		return fiber.StatusBadRequest, "key_required"
	case errors.Is(err, cache.ErrProducer):
		return fiber.StatusBadGateway, "upstream_failed"
	case errors.Is(err, cache.ErrClosed):
		return fiber.StatusServiceUnavailable, "cache_closed"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fiber.StatusGatewayTimeout, "timeout"
	default:
		return fiber.StatusInternalServerError, "cache_failed"
	}
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}
