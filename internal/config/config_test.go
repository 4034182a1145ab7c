package config

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	cfg := mustLoad(t, testConfigPath(t, "valid.toml"))
	if !filepath.IsAbs(cfg.Global.StoragePath) {
		t.Fatalf("StoragePath 应被解析为绝对路径: %s", cfg.Global.StoragePath)
	}
	if cfg.Global.ListenPort != 8080 {
		t.Fatalf("ListenPort 应当被解析，得到 %d", cfg.Global.ListenPort)
	}
	if cfg.Global.KeyMemoSize != 200 {
		t.Fatalf("KeyMemoSize 应默认 200，得到 %d", cfg.Global.KeyMemoSize)
	}
	if cfg.Global.ProductionTimeout.DurationValue() != 10*time.Minute {
		t.Fatalf("ProductionTimeout 解析错误: %s", cfg.Global.ProductionTimeout.DurationValue())
	}
	if cfg.Global.LockTimeout.DurationValue() != 5*time.Second {
		t.Fatalf("LockTimeout 应默认 5s，得到 %s", cfg.Global.LockTimeout.DurationValue())
	}
	if cfg.Upstream.MaxRetries != 2 {
		t.Fatalf("Upstream.MaxRetries 解析错误: %d", cfg.Upstream.MaxRetries)
	}
	if cfg.Upstream.InitialBackoff.DurationValue() != 500*time.Millisecond {
		t.Fatalf("Upstream.InitialBackoff 解析错误: %s", cfg.Upstream.InitialBackoff.DurationValue())
	}
}

func TestValidateRejectsMissingUpstream(t *testing.T) {
	cfgPath := testConfigPath(t, "missing.toml")

	if _, err := Load(cfgPath); err == nil {
		t.Fatalf("缺少 Upstream.URL 的配置应返回错误")
	}
}

func TestValidateEnforcesListenPortRange(t *testing.T) {
	cfg := validConfig()
	cfg.Global.ListenPort = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatalf("ListenPort 超出范围应当报错")
	}
}

func TestValidateReportsFieldPath(t *testing.T) {
	cfg := validConfig()
	cfg.Global.SpoolBufferSize = 0
	err := cfg.Validate()
	var fieldErr FieldError
	if !errors.As(err, &fieldErr) {
		t.Fatalf("expected FieldError, got %v", err)
	}
	if fieldErr.Field != "Global.SpoolBufferSize" {
		t.Fatalf("unexpected field: %s", fieldErr.Field)
	}
}

func TestUpstreamURLValidation(t *testing.T) {
	testCases := []struct {
		name      string
		url       string
		shouldErr bool
	}{
		{"https ok", "https://media.example.com/tracks/", false},
		{"placeholder ok", "https://media.example.com/tracks/{key}/stream", false},
		{"missing", "", true},
		{"ftp rejected", "ftp://media.example.com/", true},
		{"missing host", "https:///tracks", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Upstream.URL = tc.url
			err := cfg.Validate()
			if tc.shouldErr && err == nil {
				t.Fatalf("expected error for url %q", tc.url)
			}
			if !tc.shouldErr && err != nil {
				t.Fatalf("unexpected error for url %q: %v", tc.url, err)
			}
		})
	}
}

func TestValidateRejectsNegativeProductionTimeout(t *testing.T) {
	cfg := validConfig()
	cfg.Global.ProductionTimeout = Duration(-time.Second)
	if err := cfg.Validate(); err == nil {
		t.Fatalf("负数 ProductionTimeout 应报错")
	}
}

func TestDurationUnmarshalText(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("90")); err != nil {
		t.Fatalf("纯秒值应可解析: %v", err)
	}
	if d.DurationValue() != 90*time.Second {
		t.Fatalf("expected 90s, got %s", d.DurationValue())
	}
	if err := d.UnmarshalText([]byte("1m30s")); err != nil || d.DurationValue() != 90*time.Second {
		t.Fatalf("Go Duration 字符串解析失败: %v %s", err, d.DurationValue())
	}
	if err := d.UnmarshalText([]byte("soon")); err == nil {
		t.Fatalf("非法值应报错")
	}
}

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			ListenPort:      8080,
			StoragePath:     "./songcache",
			SpoolBufferSize: 4000000,
			KeyMemoSize:     200,
			LockTimeout:     Duration(time.Second),
		},
		Upstream: UpstreamConfig{
			URL:            "https://media.example.com/tracks/{key}",
			MaxRetries:     1,
			InitialBackoff: Duration(time.Second),
		},
	}
}
