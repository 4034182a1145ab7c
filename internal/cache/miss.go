package cache

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/afero"

	"github.com/any-hub/trackcache/internal/logging"
)

// flight 是某个 key 正在进行的一次生产。ready 关闭后 err 或 spool 的数据源二者之一可用；
// done 在 flight 离开 registry 时关闭。
type flight struct {
	spool *spool
	ready chan struct{}
	done  chan struct{}
	err   error
}

// produceMiss 处理未命中：同一 key 的并发请求共享一个 flight，只调用一次 Producer。
func (c *Cache) produceMiss(ctx context.Context, key string) (io.ReadCloser, error) {
	loc, err := c.keys.Locate(key)
	if err != nil {
		return nil, err
	}

	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, ErrClosed
		}
		f, joined := c.inflight[key]
		if !joined && c.index.Has(key) {
			// flight 写完索引后才离开 registry，这里复查可避免重复生产。
			c.mu.Unlock()
			if rc, hit, err := c.serveHit(key); hit {
				return rc, err
			}
			continue
		}
		if !joined {
			f = c.startFlight(key, loc)
		}
		reader, ok := f.spool.NewReader()
		c.mu.Unlock()
		if !ok {
			// 开头的字节已不在内存也无法从文件补读，等这次生产结束后重新判断。
			select {
			case <-f.done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			continue
		}

		action := "cache_miss"
		if joined {
			action = "cache_produce_join"
		}
		fields := logging.CacheFields(action, key)
		fields["path"] = loc.File
		c.logger.WithFields(fields).Info(action)

		stream, err := awaitFlight(ctx, f, reader)
		if err != nil {
			return nil, err
		}
		return stream, nil
	}
}

// startFlight 必须在持有 c.mu 时调用。落盘读者在数据源启动前注册，保证 spool 不会被提前放弃。
func (c *Cache) startFlight(key string, loc Location) *flight {
	f := &flight{
		spool: newSpool(c.highWater),
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
	sink, _ := f.spool.NewReader()
	c.inflight[key] = f
	c.wg.Add(1)
	go c.runFlight(key, loc, f, sink)
	return f
}

func awaitFlight(ctx context.Context, f *flight, reader *spoolReader) (*Stream, error) {
	select {
	case <-f.ready:
	case <-ctx.Done():
		reader.Close()
		return nil, ctx.Err()
	}
	if f.err != nil {
		reader.Close()
		return nil, f.err
	}
	return &Stream{ReadCloser: reader, Size: -1}, nil
}

func (c *Cache) flightContext() (context.Context, context.CancelFunc) {
	if c.productionTimeout > 0 {
		return context.WithTimeout(context.Background(), c.productionTimeout)
	}
	return context.WithCancel(context.Background())
}

// runFlight 执行 目录 → Producer → tee → 落盘 → stat → 索引 的完整流程。
// 任何失败都不会留下可见记录，key 保持可再次生产。
func (c *Cache) runFlight(key string, loc Location, f *flight, sink *spoolReader) {
	defer c.wg.Done()
	defer c.endFlight(key, f)
	defer sink.Close()

	ctx, cancel := c.flightContext()

	if err := c.fs.MkdirAll(loc.Dir, 0o755); err != nil {
		cancel()
		c.failFlight(key, f, fmt.Errorf("%w: %s: %w", ErrDirectory, loc.Dir, err))
		return
	}
	dirFields := logging.CacheFields("cache_dir_ready", key)
	dirFields["dir"] = loc.Dir
	c.logger.WithFields(dirFields).Debug("cache_dir_ready")

	src, err := c.producer.Produce(ctx, key)
	if err == nil && src == nil {
		err = errors.New("nil stream")
	}
	if err != nil {
		cancel()
		c.failFlight(key, f, fmt.Errorf("%w: %s: %w", ErrProducer, key, err))
		return
	}
	c.logger.WithFields(logging.CacheFields("cache_produce_start", key)).Info("cache_produce_start")

	go func() {
		defer cancel()
		f.spool.fill(ctx, src)
	}()
	close(f.ready)

	size, err := c.writeFile(loc, sink)
	if err != nil {
		f.spool.freezeBacking()
		fields := logging.CacheFields("cache_write_failed", key)
		fields["path"] = loc.File
		c.logger.WithFields(fields).WithError(err).Warn("cache_write_failed")
		return
	}
	fields := logging.CacheFields("cache_write_complete", key)
	fields["path"] = loc.File
	fields["size"] = size
	c.logger.WithFields(fields).Info("cache_write_complete")

	rec := Record{
		Key:       key,
		FilePath:  loc.File,
		SizeBytes: size,
		LastHit:   c.now(),
	}
	if err := c.index.Put(key, rec); err != nil {
		c.logger.WithFields(logging.CacheFields("cache_index_put_failed", key)).
			WithError(err).Error("cache_index_put_failed")
	}
}

func (c *Cache) failFlight(key string, f *flight, err error) {
	f.err = err
	f.spool.finish(err)
	close(f.ready)
	c.logger.WithFields(logging.CacheFields("cache_produce_failed", key)).
		WithError(err).Warn("cache_produce_failed")
}

func (c *Cache) endFlight(key string, f *flight) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight[key] == f {
		delete(c.inflight, key)
	}
	close(f.done)
}

// writeFile 以临时文件 + rename 的方式落盘，并用 rename 后的 Stat 结果确认大小。
// 临时文件的读句柄交给 spool，落后于内存窗口的读者从这里补读。
func (c *Cache) writeFile(loc Location, sink *spoolReader) (int64, error) {
	tempFile, err := afero.TempFile(c.fs, loc.Dir, ".cache-*")
	if err != nil {
		return 0, fmt.Errorf("%w: create temp: %w", ErrWrite, err)
	}
	tempName := tempFile.Name()

	if backing, err := c.fs.Open(tempName); err == nil {
		sink.s.attachBacking(backing)
	}
	dst := &committedWriter{w: tempFile, s: sink.s}
	written, err := io.CopyBuffer(dst, sink, make([]byte, 32*1024))
	if err == nil {
		err = tempFile.Sync()
	}
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		c.fs.Remove(tempName)
		return 0, fmt.Errorf("%w: %w", ErrWrite, err)
	}

	if err := c.fs.Rename(tempName, loc.File); err != nil {
		c.fs.Remove(tempName)
		return 0, fmt.Errorf("%w: rename: %w", ErrWrite, err)
	}

	info, err := c.fs.Stat(loc.File)
	if err != nil {
		return 0, fmt.Errorf("%w: stat: %w", ErrWrite, err)
	}
	if info.Size() != written {
		c.fs.Remove(loc.File)
		return 0, fmt.Errorf("%w: wrote %d bytes, found %d", ErrSizeMismatch, written, info.Size())
	}
	return info.Size(), nil
}

// committedWriter 把成功写入文件的字节数同步给 spool。
type committedWriter struct {
	w io.Writer
	s *spool
}

func (cw *committedWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	if n > 0 {
		cw.s.markCommitted(n)
	}
	return n, err
}
