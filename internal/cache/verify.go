package cache

import (
	"context"
	"runtime"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/any-hub/trackcache/internal/logging"
)

// Drift 描述一条与磁盘不一致的记录：文件缺失（Err 非空）或大小不符。
type Drift struct {
	Key      string
	FilePath string
	Expected int64
	Actual   int64
	Err      error
}

// Verify 并发 stat 每条记录对应的文件，返回按 key 排序的不一致列表。只读，不修改索引。
func (c *Cache) Verify(ctx context.Context) ([]Drift, error) {
	records := c.index.Records()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0) * 2)

	var (
		mu     sync.Mutex
		drifts []Drift
	)
	for _, rec := range records {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			d := Drift{Key: rec.Key, FilePath: rec.FilePath, Expected: rec.SizeBytes}
			info, err := c.fs.Stat(rec.FilePath)
			switch {
			case err != nil:
				d.Err = err
			case info.Size() != rec.SizeBytes:
				d.Actual = info.Size()
			default:
				return nil
			}
			mu.Lock()
			drifts = append(drifts, d)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(drifts, func(i, j int) bool {
		return drifts[i].Key < drifts[j].Key
	})
	for _, d := range drifts {
		fields := logging.CacheFields("cache_drift", d.Key)
		fields["path"] = d.FilePath
		fields["expected"] = d.Expected
		fields["actual"] = d.Actual
		entry := c.logger.WithFields(fields)
		if d.Err != nil {
			entry = entry.WithError(d.Err)
		}
		entry.Warn("cache_drift")
	}
	return drifts, nil
}
