package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

var recordsBucket = []byte("records")

// IndexOptions 控制索引文件的打开方式。
type IndexOptions struct {
	// Timeout 是等待 bbolt 文件锁的时间，0 表示无限等待。
	Timeout time.Duration
}

// Index 是 key → Record 的持久化映射。OpenIndex 返回时全部记录已载入内存，
// 读操作只访问内存，写操作先提交 bbolt 事务再更新内存视图。
type Index struct {
	db *bolt.DB

	writeMu sync.Mutex

	mu      sync.RWMutex
	records map[string]Record
}

// OpenIndex 打开（或初始化）path 处的索引并加载全部记录。
// 文件损坏或记录无法解码时返回包装了 ErrIndexCorrupt 的错误。
func OpenIndex(path string, opts IndexOptions) (*Index, error) {
	db, err := bolt.Open(path, 0o644, &bolt.Options{Timeout: opts.Timeout})
	if err != nil {
		if errors.Is(err, bolt.ErrTimeout) || errors.Is(err, fs.ErrPermission) {
			return nil, fmt.Errorf("open index %s: %w", path, err)
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrIndexCorrupt, path, err)
	}

	records, err := loadRecords(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Index{
		db:      db,
		records: records,
	}, nil
}

func loadRecords(db *bolt.DB) (map[string]Record, error) {
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(recordsBucket)
		return err
	}); err != nil {
		return nil, fmt.Errorf("%w: create bucket: %w", ErrIndexCorrupt, err)
	}

	records := make(map[string]Record)
	err := db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket).ForEach(func(k, v []byte) error {
			var rec Record
			if err := msgpack.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("%w: decode %q: %w", ErrIndexCorrupt, string(k), err)
			}
			if rec.Key != string(k) {
				return fmt.Errorf("%w: record key %q stored under %q", ErrIndexCorrupt, rec.Key, string(k))
			}
			records[rec.Key] = rec
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Has 报告 key 是否存在可见记录。
func (i *Index) Has(key string) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	_, ok := i.records[key]
	return ok
}

// Get 返回 key 对应记录的副本。
func (i *Index) Get(key string) (Record, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	rec, ok := i.records[key]
	return rec, ok
}

// Put 持久化写入记录，重复调用会覆盖旧值（用于刷新 LastHit）。
// 事务提交失败时内存视图保持不变。
func (i *Index) Put(key string, rec Record) error {
	if key == "" {
		return ErrInvalidKey
	}
	rec.Key = key
	data, err := msgpack.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("%w: encode %q: %w", ErrIndexPut, key, err)
	}

	i.writeMu.Lock()
	defer i.writeMu.Unlock()

	err = i.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket).Put([]byte(key), data)
	})
	if err != nil {
		return fmt.Errorf("%w: %q: %w", ErrIndexPut, key, err)
	}

	i.mu.Lock()
	i.records[key] = rec
	i.mu.Unlock()
	return nil
}

// Delete 删除记录，仅供 Purge 扩展点使用。
func (i *Index) Delete(key string) error {
	i.writeMu.Lock()
	defer i.writeMu.Unlock()

	err := i.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket).Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("delete index record %q: %w", key, err)
	}

	i.mu.Lock()
	delete(i.records, key)
	i.mu.Unlock()
	return nil
}

// Keys 返回当前全部 key，顺序不保证。
func (i *Index) Keys() []string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	keys := make([]string, 0, len(i.records))
	for key := range i.records {
		keys = append(keys, key)
	}
	return keys
}

// Records 返回全部记录的快照。
func (i *Index) Records() []Record {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make([]Record, 0, len(i.records))
	for _, rec := range i.records {
		out = append(out, rec)
	}
	return out
}

// Len 返回记录数。
func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.records)
}

// TotalSize 返回全部记录的字节数之和。
func (i *Index) TotalSize() int64 {
	i.mu.RLock()
	defer i.mu.RUnlock()
	var total int64
	for _, rec := range i.records {
		total += rec.SizeBytes
	}
	return total
}

// Close 关闭底层 bbolt 文件。
func (i *Index) Close() error {
	return i.db.Close()
}
