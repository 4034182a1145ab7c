package cache

import (
	"context"
	"errors"
	"io"
	"sync"
)

// spoolRetainFactor 决定内存窗口上限：retain = spoolRetainFactor * highWater。
const spoolRetainFactor = 4

var (
	// errSpoolAbandoned 表示数据源尚未读完时所有读者都已离开。
	errSpoolAbandoned = errors.New("spool abandoned: no readers left")
	// errSpoolTrimmed 表示读者需要的字节已移出内存窗口，且文件中也没有。
	errSpoolTrimmed = errors.New("spool data no longer retained")
)

// backingFile 是落盘读者正在写入的文件的只读句柄。
type backingFile interface {
	io.ReaderAt
	io.Closer
}

// spool 把单一数据源扇出给任意数量、各自独立推进的读者。
//
// 内存只保留 [base, end) 窗口，最多 retain 字节。落盘读者写入文件的前 committed 字节
// 可以从 backing 补读：落后超过窗口的读者和后加入的读者改读文件，慢读者既不拖住落盘，
// 也不会把整条正文留在内存里。没有可用 backing 时窗口止于最慢的读者，窗口写满后 fill 暂停。
type spool struct {
	highWater int64
	retain    int64

	mu      sync.Mutex
	cond    *sync.Cond
	data    []byte
	base    int64
	done    bool
	err     error
	readers map[*spoolReader]struct{}

	backing   backingFile
	committed int64
	// frozen 表示落盘已失败，backing 只覆盖 [0, committed)。
	frozen bool
}

func newSpool(highWater int) *spool {
	if highWater <= 0 {
		highWater = DefaultSpoolHighWater
	}
	s := &spool{
		highWater: int64(highWater),
		retain:    int64(highWater) * spoolRetainFactor,
		readers:   make(map[*spoolReader]struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// NewReader 注册一个从偏移 0 开始的读者。开头的字节已移出内存且无法从文件补读时返回 false。
func (s *spool) NewReader() (*spoolReader, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.base > 0 && (s.backing == nil || s.base > s.committed) {
		return nil, false
	}
	r := &spoolReader{s: s}
	s.readers[r] = struct{}{}
	return r, true
}

// attachBacking 登记落盘文件的读句柄，spool 在最后一个读者离开后负责关闭它。
func (s *spool) attachBacking(f backingFile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backing = f
	s.cond.Broadcast()
}

// markCommitted 记录又有 n 字节写入了 backing 对应的文件。
func (s *spool) markCommitted(n int) {
	s.mu.Lock()
	s.committed += int64(n)
	s.cond.Broadcast()
	s.mu.Unlock()
}

// freezeBacking 在落盘失败后调用，之后窗口不再依赖文件前移。
func (s *spool) freezeBacking() {
	s.mu.Lock()
	s.frozen = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

// fill 读取 src 直到 EOF、出错、ctx 结束或所有读者离开，返回前关闭 src。
func (s *spool) fill(ctx context.Context, src io.ReadCloser) {
	defer src.Close()
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	buf := make([]byte, 32*1024)
	for {
		if err := s.waitForRoom(ctx); err != nil {
			s.finish(err)
			return
		}
		n, err := src.Read(buf)
		if n > 0 {
			s.append(buf[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = nil
			}
			s.finish(err)
			return
		}
	}
}

// waitForRoom 在领先的读者落后不足 highWater、且窗口未满时返回。
func (s *spool) waitForRoom(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(s.readers) == 0 {
			return errSpoolAbandoned
		}
		floor := s.trimLocked()
		end := s.endLocked()
		if end-floor < s.retain && end-s.leadLocked() < s.highWater {
			return nil
		}
		s.cond.Wait()
	}
}

func (s *spool) endLocked() int64 {
	return s.base + int64(len(s.data))
}

// leadLocked 返回领先最多的读者的偏移。
func (s *spool) leadLocked() int64 {
	var lead int64
	for r := range s.readers {
		if r.off > lead {
			lead = r.off
		}
	}
	return lead
}

// floorLocked 返回内存窗口可以前移到的位置。
//
// 落后超过 retain/2 的读者交给文件，但窗口不越过已写入文件的字节；
// 落盘失败后窗口只要不越过 committed 与最慢读者中较大的一个即可。
func (s *spool) floorLocked() int64 {
	end := s.endLocked()
	slowest := end
	for r := range s.readers {
		if r.off < slowest {
			slowest = r.off
		}
	}

	floor := max(slowest, end-s.retain/2)
	switch {
	case s.backing == nil:
		floor = slowest
	case s.frozen:
		floor = min(floor, max(s.committed, slowest))
	default:
		floor = min(floor, s.committed)
	}
	return max(floor, s.base)
}

// trimLocked 丢弃窗口之前的字节。为避免每次追加都搬移数据，累计超过 highWater 才压缩。
func (s *spool) trimLocked() int64 {
	floor := s.floorLocked()
	drop := floor - s.base
	switch {
	case drop == int64(len(s.data)):
		s.data = s.data[:0]
		s.base = floor
	case drop >= s.highWater:
		n := copy(s.data, s.data[drop:])
		s.data = s.data[:n]
		s.base = floor
	}
	return floor
}

func (s *spool) append(p []byte) {
	s.mu.Lock()
	s.data = append(s.data, p...)
	s.cond.Broadcast()
	s.mu.Unlock()
}

// finish 标记数据源结束；err 为 nil 表示正常 EOF。重复调用只保留第一次结果。
func (s *spool) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	s.err = err
	s.cond.Broadcast()
	s.releaseLocked()
}

// releaseLocked 在数据源结束且没有读者时关闭 backing。
func (s *spool) releaseLocked() {
	if !s.done || len(s.readers) > 0 || s.backing == nil {
		return
	}
	s.backing.Close()
	s.backing = nil
}

// spoolReader 是 spool 上的独立游标，Close 只影响自身。
type spoolReader struct {
	s      *spool
	off    int64
	closed bool
}

func (r *spoolReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	s := r.s
	s.mu.Lock()

	for !r.closed && r.off >= s.endLocked() && !s.done {
		s.cond.Wait()
	}
	if r.closed {
		s.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	if r.off < s.base {
		return r.readBacking(p)
	}
	if r.off < s.endLocked() {
		n := copy(p, s.data[r.off-s.base:])
		r.off += int64(n)
		s.cond.Broadcast()
		s.mu.Unlock()
		return n, nil
	}
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return 0, io.EOF
}

// readBacking 从文件补读已移出内存窗口的字节。调用时持有 s.mu，返回前释放。
func (r *spoolReader) readBacking(p []byte) (int, error) {
	s := r.s
	if s.backing == nil || r.off >= s.committed {
		s.mu.Unlock()
		return 0, errSpoolTrimmed
	}
	backing := s.backing
	off := r.off
	if limit := s.committed - off; int64(len(p)) > limit {
		p = p[:limit]
	}
	s.mu.Unlock()

	n, err := backing.ReadAt(p, off)
	if n == 0 {
		if err == nil || errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return 0, err
	}

	s.mu.Lock()
	r.off += int64(n)
	s.cond.Broadcast()
	s.mu.Unlock()
	return n, nil
}

func (r *spoolReader) Close() error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	delete(s.readers, r)
	s.cond.Broadcast()
	s.releaseLocked()
	return nil
}
