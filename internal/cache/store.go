package cache

import (
	"context"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// Producer 在缓存未命中时提供正文数据流。返回的 ReadCloser 由缓存负责关闭。
//
// 磁盘布局遵循：
//
//	<root>/index                          # bbolt 元数据
//	<root>/data/<2-hex>/<2-hex>/<rest>    # 正文文件
type Producer interface {
	Produce(ctx context.Context, key string) (io.ReadCloser, error)
}

// ProducerFunc 允许直接以函数形式注入 Producer。
type ProducerFunc func(ctx context.Context, key string) (io.ReadCloser, error)

// Produce 使 ProducerFunc 满足 Producer 接口。
func (f ProducerFunc) Produce(ctx context.Context, key string) (io.ReadCloser, error) {
	return f(ctx, key)
}

// Record 描述一个已完整落盘的缓存条目。
type Record struct {
	Key       string    `msgpack:"key" json:"key"`
	FilePath  string    `msgpack:"path" json:"file_path"`
	SizeBytes int64     `msgpack:"size" json:"size_bytes"`
	LastHit   time.Time `msgpack:"hit" json:"last_hit"`
}

// Stream 是 Cache.Produce 返回的正文流。Hit 表示正文来自已落盘的记录，
// 此时 Size 为记录大小；未命中时 Size 为 -1。
type Stream struct {
	io.ReadCloser
	Hit  bool
	Size int64
}

// Location 是 key 对应的分片目录与正文文件路径。
type Location struct {
	Dir  string
	File string
}

const (
	// DefaultSpoolHighWater 对应单个生产流在所有读者之前最多领先的字节数。
	DefaultSpoolHighWater = 4_000_000
	// DefaultKeyMemoSize 是 KeyMapper 记忆的最近 key 数量。
	DefaultKeyMemoSize = 200
	// DefaultLockTimeout 是获取缓存根目录锁的默认等待时间。
	DefaultLockTimeout = 5 * time.Second
)

// Options 控制 Open 的行为，Root 与 Producer 为必填项。
type Options struct {
	Root     string
	Producer Producer
	Logger   *logrus.Logger

	// FS 承载 data/ 下的正文文件读写，默认使用操作系统文件系统。
	FS afero.Fs

	SpoolHighWater    int
	KeyMemoSize       int
	ProductionTimeout time.Duration
	LockTimeout       time.Duration

	// Now 为测试注入时钟，默认 time.Now。
	Now func() time.Time
}

func (o *Options) applyDefaults() {
	if o.FS == nil {
		o.FS = afero.NewOsFs()
	}
	if o.SpoolHighWater <= 0 {
		o.SpoolHighWater = DefaultSpoolHighWater
	}
	if o.KeyMemoSize <= 0 {
		o.KeyMemoSize = DefaultKeyMemoSize
	}
	if o.LockTimeout <= 0 {
		o.LockTimeout = DefaultLockTimeout
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
}
