package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/any-hub/trackcache/internal/config"
)

// ServiceName 写入每条日志的 service 字段，便于与同机其他进程的日志区分。
const ServiceName = "trackcache"

// InitLogger 构建进程级 logger，返回的 closeFn 在退出前调用以关闭轮转文件。
//
// 日志文件不可写时降级到 stdout，并补一条 logger_fallback 事件，启动不会因此失败；
// 只有无法识别的日志级别才返回错误。
func InitLogger(cfg config.GlobalConfig) (*logrus.Logger, func() error, error) {
	level, err := ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}

	out, fallbackErr := openSink(cfg)
	if fallbackErr != nil {
		fmt.Fprintf(os.Stderr, "logger_fallback: %v\n", fallbackErr)
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetOutput(out.w)
	logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	logger.AddHook(&staticFields{fields: logrus.Fields{"service": ServiceName, "pid": os.Getpid()}})

	logrus.SetFormatter(logger.Formatter)
	logrus.SetOutput(logger.Out)
	logrus.SetLevel(level)

	if fallbackErr != nil {
		logger.WithFields(logrus.Fields{
			"action": "logger_fallback",
			"path":   cfg.LogFilePath,
		}).WithError(fallbackErr).Warn("logger_fallback")
	}
	return logger, out.Close, nil
}

// ParseLevel 解析配置里的日志级别，忽略大小写与首尾空白；空值视为 info。
func ParseLevel(raw string) (logrus.Level, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return logrus.InfoLevel, nil
	}
	level, err := logrus.ParseLevel(raw)
	if err != nil {
		return logrus.InfoLevel, fmt.Errorf("无法解析日志级别 %q: %w", raw, err)
	}
	return level, nil
}

// NewDiscardLogger 返回丢弃所有输出的 logger，供测试与库调用方使用。
func NewDiscardLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type sink struct {
	w      io.Writer
	closer io.Closer
}

func (s sink) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// openSink 在配置了 LogFilePath 时返回 lumberjack 轮转文件。lumberjack 首次写入才打开文件，
// 这里先以追加模式试开一次，目录或文件不可写时立即退回 stdout。
func openSink(cfg config.GlobalConfig) (sink, error) {
	stdout := sink{w: os.Stdout}
	if cfg.LogFilePath == "" {
		return stdout, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.LogFilePath), 0o755); err != nil {
		return stdout, fmt.Errorf("创建日志目录失败: %w", err)
	}
	f, err := os.OpenFile(cfg.LogFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return stdout, fmt.Errorf("日志文件不可写: %w", err)
	}
	f.Close()

	rotator := &lumberjack.Logger{
		Filename:   cfg.LogFilePath,
		MaxSize:    cfg.LogMaxSize,
		MaxBackups: cfg.LogMaxBackups,
		Compress:   cfg.LogCompress,
		LocalTime:  true,
	}
	return sink{w: rotator, closer: rotator}, nil
}

// staticFields 给每条日志补上进程级字段，调用方显式给出的同名字段优先。
type staticFields struct {
	fields logrus.Fields
}

func (h *staticFields) Levels() []logrus.Level { return logrus.AllLevels }

func (h *staticFields) Fire(entry *logrus.Entry) error {
	for k, v := range h.fields {
		if _, ok := entry.Data[k]; !ok {
			entry.Data[k] = v
		}
	}
	return nil
}
