package cache

import "errors"

var (
	// ErrInvalidKey 表示缓存 key 为空。
	ErrInvalidKey = errors.New("cache key required")

	// ErrIndexCorrupt 表示索引文件无法读取或记录无法解码，启动阶段即视为致命错误。
	ErrIndexCorrupt = errors.New("cache index corrupt")

	// ErrProducer 表示外部 Producer 未能返回数据流，索引保持不变。
	ErrProducer = errors.New("producer failed")

	// ErrDirectory 表示分片目录创建失败。
	ErrDirectory = errors.New("cache directory unavailable")

	// ErrWrite 表示正文落盘失败，只记录日志，不影响调用方已在读取的流。
	ErrWrite = errors.New("cache write failed")

	// ErrSizeMismatch 表示 rename 后 stat 得到的大小与实际写入字节数不一致。
	ErrSizeMismatch = errors.New("cache file size mismatch")

	// ErrIndexPut 表示正文写入成功但索引持久化失败。
	ErrIndexPut = errors.New("cache index put failed")

	// ErrReadDrift 表示索引存在记录但正文文件无法打开。
	ErrReadDrift = errors.New("cache record without readable file")

	// ErrRootLocked 表示缓存目录已被其它进程持有。
	ErrRootLocked = errors.New("cache root locked by another process")

	// ErrClosed 表示缓存已关闭。
	ErrClosed = errors.New("cache closed")
)
