package cache

import (
	"context"
	"errors"
	"io/fs"

	"github.com/any-hub/trackcache/internal/logging"
)

// PurgePolicy 从记录快照中挑选需要清理的 key。缓存本身不内置任何淘汰策略。
type PurgePolicy interface {
	Select(records []Record) []string
}

// PurgePolicyFunc 允许以函数形式提供 PurgePolicy。
type PurgePolicyFunc func(records []Record) []string

// Select 使 PurgePolicyFunc 满足 PurgePolicy 接口。
func (f PurgePolicyFunc) Select(records []Record) []string {
	return f(records)
}

// PurgeStats 汇总一次 Purge 删除的记录数与字节数。
type PurgeStats struct {
	Records int
	Bytes   int64
}

// Purge 按 policy 选出的 key 删除记录和正文。先删索引再删文件，
// 任何时刻都不会出现指向缺失文件的记录。policy 为 nil 时什么都不做。
func (c *Cache) Purge(ctx context.Context, policy PurgePolicy) (PurgeStats, error) {
	var stats PurgeStats
	if policy == nil {
		return stats, nil
	}
	c.purgeMu.Lock()
	defer c.purgeMu.Unlock()

	if c.isClosed() {
		return stats, ErrClosed
	}

	for _, key := range policy.Select(c.index.Records()) {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		rec, ok := c.index.Get(key)
		if !ok {
			continue
		}
		if err := c.index.Delete(key); err != nil {
			return stats, err
		}
		if err := c.fs.Remove(rec.FilePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			fields := logging.CacheFields("cache_purge", key)
			fields["path"] = rec.FilePath
			c.logger.WithFields(fields).WithError(err).Warn("cache_purge_orphan")
		}
		stats.Records++
		stats.Bytes += rec.SizeBytes
	}

	fields := logging.CacheFields("cache_purge", "")
	fields["records"] = stats.Records
	fields["bytes"] = stats.Bytes
	c.logger.WithFields(fields).Info("cache_purge")
	return stats, nil
}
