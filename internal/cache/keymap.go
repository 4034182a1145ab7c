package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru/v2"
)

// KeyMapper 把 key 映射为两级分片路径，最近使用的结果保存在固定容量的 LRU 中。
type KeyMapper struct {
	root string
	memo *lru.Cache[string, Location]
}

// NewKeyMapper 以 dataRoot 为根目录构建 KeyMapper，memoSize 为记忆容量。
func NewKeyMapper(dataRoot string, memoSize int) (*KeyMapper, error) {
	if memoSize <= 0 {
		memoSize = DefaultKeyMemoSize
	}
	memo, err := lru.New[string, Location](memoSize)
	if err != nil {
		return nil, fmt.Errorf("create key memo: %w", err)
	}
	return &KeyMapper{root: dataRoot, memo: memo}, nil
}

// Locate 返回 key 对应的 Location；相同 key 总是得到相同结果。
func (m *KeyMapper) Locate(key string) (Location, error) {
	if key == "" {
		return Location{}, ErrInvalidKey
	}
	if loc, ok := m.memo.Get(key); ok {
		return loc, nil
	}

	sum := sha256.Sum256([]byte(key))
	digest := hex.EncodeToString(sum[:])
	dir := filepath.Join(m.root, digest[0:2], digest[2:4])
	loc := Location{
		Dir:  dir,
		File: filepath.Join(dir, digest[4:]),
	}
	m.memo.Add(key, loc)
	return loc, nil
}
