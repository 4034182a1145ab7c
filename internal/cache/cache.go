package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/any-hub/trackcache/internal/logging"
)

// Cache 组合 KeyMapper、Index 与未命中生产流程，对外只暴露 Produce 一个入口。
type Cache struct {
	root     string
	producer Producer
	fs       afero.Fs
	logger   *logrus.Logger
	now      func() time.Time

	highWater         int
	productionTimeout time.Duration

	keys  *KeyMapper
	index *Index
	lock  *flock.Flock

	// purgeMu 让命中路径的 Get→Open→Put 与 Purge 的删除互斥。
	purgeMu sync.RWMutex

	mu       sync.Mutex
	inflight map[string]*flight
	closed   bool
	wg       sync.WaitGroup
}

// Open 锁定缓存根目录、载入索引，并返回可立即服务的 Cache。
// 索引损坏时返回包装了 ErrIndexCorrupt 的错误，调用方应拒绝启动。
func Open(ctx context.Context, opts Options) (*Cache, error) {
	if opts.Root == "" {
		return nil, errors.New("cache root required")
	}
	if opts.Producer == nil {
		return nil, errors.New("producer required")
	}
	opts.applyDefaults()

	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve cache root: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create cache root: %w", err)
	}

	lock, err := lockRoot(ctx, root, opts.LockTimeout)
	if err != nil {
		return nil, err
	}

	c, err := openLocked(root, lock, opts)
	if err != nil {
		lock.Unlock()
		return nil, err
	}

	fields := logging.CacheFields("cache_open", "")
	fields["root"] = root
	fields["items"] = c.ItemCount()
	fields["bytes"] = c.TotalSize()
	c.logger.WithFields(fields).Info("缓存已就绪")
	return c, nil
}

func lockRoot(ctx context.Context, root string, timeout time.Duration) (*flock.Flock, error) {
	lock := flock.New(filepath.Join(root, ".lock"))
	lockCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	locked, err := lock.TryLockContext(lockCtx, 100*time.Millisecond)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("lock cache root: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrRootLocked, root)
	}
	return lock, nil
}

func openLocked(root string, lock *flock.Flock, opts Options) (*Cache, error) {
	dataRoot := filepath.Join(root, "data")
	if err := opts.FS.MkdirAll(dataRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	keys, err := NewKeyMapper(dataRoot, opts.KeyMemoSize)
	if err != nil {
		return nil, err
	}

	index, err := OpenIndex(filepath.Join(root, "index"), IndexOptions{Timeout: opts.LockTimeout})
	if err != nil {
		return nil, err
	}

	return &Cache{
		root:              root,
		producer:          opts.Producer,
		fs:                opts.FS,
		logger:            opts.Logger,
		now:               opts.Now,
		highWater:         opts.SpoolHighWater,
		productionTimeout: opts.ProductionTimeout,
		keys:              keys,
		index:             index,
		lock:              lock,
		inflight:          make(map[string]*flight),
	}, nil
}

// Produce 返回 key 对应的正文流：命中时读取磁盘文件，未命中时触发生产。
// 返回值的动态类型总是 *Stream，调用方负责关闭。
func (c *Cache) Produce(ctx context.Context, key string) (io.ReadCloser, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}
	if c.isClosed() {
		return nil, ErrClosed
	}
	if rc, hit, err := c.serveHit(key); hit {
		return rc, err
	}
	return c.produceMiss(ctx, key)
}

// serveHit 在索引命中时打开正文并刷新 LastHit；hit=false 表示未命中。
// Close 之后统一返回 ErrClosed，持有 purgeMu 读锁保证刷新不会落在已关闭的索引上。
func (c *Cache) serveHit(key string) (io.ReadCloser, bool, error) {
	c.purgeMu.RLock()
	defer c.purgeMu.RUnlock()

	if c.isClosed() {
		return nil, true, ErrClosed
	}
	rec, ok := c.index.Get(key)
	if !ok {
		return nil, false, nil
	}

	file, err := c.fs.Open(rec.FilePath)
	if err != nil {
		fields := logging.CacheFields("cache_read_drift", key)
		fields["path"] = rec.FilePath
		c.logger.WithFields(fields).WithError(err).Error("cache_read_drift")
		return nil, true, fmt.Errorf("%w: %s: %w", ErrReadDrift, key, err)
	}

	rec.LastHit = c.hitTime(rec.LastHit)
	if err := c.index.Put(key, rec); err != nil {
		c.logger.WithFields(logging.CacheFields("cache_touch_failed", key)).
			WithError(err).Warn("cache_touch_failed")
	}

	fields := logging.CacheFields("cache_hit", key)
	fields["path"] = rec.FilePath
	fields["size"] = rec.SizeBytes
	c.logger.WithFields(fields).Info("cache_hit")
	return &Stream{ReadCloser: file, Hit: true, Size: rec.SizeBytes}, true, nil
}

// hitTime 保证每次命中写入的 LastHit 严格递增。
func (c *Cache) hitTime(prev time.Time) time.Time {
	now := c.now()
	if !now.After(prev) {
		now = prev.Add(time.Nanosecond)
	}
	return now
}

// Lookup 返回索引中的记录副本，不刷新命中时间。
func (c *Cache) Lookup(key string) (Record, bool) {
	return c.index.Get(key)
}

// ItemCount 返回索引中的记录数。
func (c *Cache) ItemCount() int {
	return c.index.Len()
}

// TotalSize 返回索引记录的总字节数。
func (c *Cache) TotalSize() int64 {
	return c.index.TotalSize()
}

// Root 返回缓存根目录的绝对路径。
func (c *Cache) Root() string {
	return c.root
}

func (c *Cache) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close 拒绝新的生产请求，等待进行中的落盘结束后关闭索引并释放目录锁。
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.wg.Wait()

	// 等进行中的命中刷新完 LastHit 再关闭索引。
	c.purgeMu.Lock()
	defer c.purgeMu.Unlock()

	err := c.index.Close()
	if unlockErr := c.lock.Unlock(); err == nil {
		err = unlockErr
	}
	return err
}
