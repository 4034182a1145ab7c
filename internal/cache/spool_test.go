package cache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestSpoolReadersSeeIdenticalBytes(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789"), 10_000)
	s := newSpool(0)
	first := mustReader(t, s)
	second := mustReader(t, s)

	go s.fill(context.Background(), io.NopCloser(bytes.NewReader(payload)))

	done := make(chan []byte, 1)
	go func() {
		got, _ := io.ReadAll(second)
		done <- got
	}()
	got, err := io.ReadAll(first)
	if err != nil {
		t.Fatalf("first reader error: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("first reader got %d bytes, want %d", len(got), len(payload))
	}
	if got := <-done; !bytes.Equal(got, payload) {
		t.Fatalf("second reader got %d bytes, want %d", len(got), len(payload))
	}
}

func TestSpoolLateReaderStartsAtZero(t *testing.T) {
	s := newSpool(0)
	early := mustReader(t, s)
	s.fill(context.Background(), io.NopCloser(strings.NewReader("hello world")))

	late := mustReader(t, s)
	got, err := io.ReadAll(late)
	if err != nil || string(got) != "hello world" {
		t.Fatalf("late reader got %q, err %v", got, err)
	}
	early.Close()
}

func TestSpoolSlowReaderDoesNotBlockFastReaderWithinWindow(t *testing.T) {
	payload := bytes.Repeat([]byte{'x'}, 200*1024)
	s := newSpool(64 * 1024)
	slow := mustReader(t, s)
	fast := mustReader(t, s)

	go s.fill(context.Background(), io.NopCloser(bytes.NewReader(payload)))

	done := make(chan []byte, 1)
	go func() {
		got, _ := io.ReadAll(fast)
		done <- got
	}()

	select {
	case got := <-done:
		if len(got) != len(payload) {
			t.Fatalf("fast reader got %d bytes", len(got))
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("fast reader blocked by idle reader")
	}

	got, err := io.ReadAll(slow)
	if err != nil || len(got) != len(payload) {
		t.Fatalf("slow reader got %d bytes, err %v", len(got), err)
	}
}

func TestSpoolBoundsMemoryWhileReaderStalls(t *testing.T) {
	payload := patterned(4 << 20)
	s := newSpool(16 * 1024)
	sink := mustReader(t, s)
	caller := mustReader(t, s)
	backing := &memBacking{Reader: bytes.NewReader(payload)}
	s.attachBacking(backing)

	go s.fill(context.Background(), io.NopCloser(bytes.NewReader(payload)))

	// caller 一个字节都不读，落盘读者照常写完整条正文。
	limit := s.retain + s.highWater + 32*1024
	buf := make([]byte, 8*1024)
	var written int
	for {
		n, err := sink.Read(buf)
		if n > 0 {
			s.markCommitted(n)
			written += n
		}
		s.mu.Lock()
		held := int64(len(s.data))
		s.mu.Unlock()
		if held > limit {
			t.Fatalf("spool holds %d bytes, limit %d", held, limit)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("sink error: %v", err)
		}
	}
	if written != len(payload) {
		t.Fatalf("sink wrote %d bytes, want %d", written, len(payload))
	}
	sink.Close()

	got, err := io.ReadAll(caller)
	if err != nil {
		t.Fatalf("caller error: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("caller got %d bytes, want %d", len(got), len(payload))
	}
	caller.Close()
	if !backing.closed.Load() {
		t.Fatalf("backing should be closed once every reader is gone")
	}
}

func TestSpoolWithoutBackingPausesAtWindow(t *testing.T) {
	payload := patterned(256 * 1024)
	s := newSpool(1024)
	slow := mustReader(t, s)
	fast := mustReader(t, s)

	go s.fill(context.Background(), io.NopCloser(bytes.NewReader(payload)))

	done := make(chan []byte, 1)
	go func() {
		got, _ := io.ReadAll(fast)
		done <- got
	}()

	time.Sleep(50 * time.Millisecond)
	select {
	case <-done:
		t.Fatalf("fast reader finished although the window is full")
	default:
	}
	s.mu.Lock()
	held := int64(len(s.data))
	s.mu.Unlock()
	if limit := s.retain + s.highWater + 32*1024; held > limit {
		t.Fatalf("spool holds %d bytes, limit %d", held, limit)
	}

	got, err := io.ReadAll(slow)
	if err != nil || !bytes.Equal(got, payload) {
		t.Fatalf("slow reader got %d bytes, err %v", len(got), err)
	}
	if got := <-done; !bytes.Equal(got, payload) {
		t.Fatalf("fast reader got %d bytes", len(got))
	}
}

func TestSpoolLateReaderFallsBackToBacking(t *testing.T) {
	payload := patterned(256 * 1024)
	s := newSpool(1024)
	sink := mustReader(t, s)
	s.attachBacking(&memBacking{Reader: bytes.NewReader(payload)})

	go s.fill(context.Background(), io.NopCloser(bytes.NewReader(payload)))
	if _, err := io.Copy(io.Discard, &committingReader{r: sink}); err != nil {
		t.Fatalf("sink error: %v", err)
	}

	s.mu.Lock()
	base := s.base
	s.mu.Unlock()
	if base == 0 {
		t.Fatalf("expected consumed bytes to be dropped from memory")
	}

	late := mustReader(t, s)
	got, err := io.ReadAll(late)
	if err != nil || !bytes.Equal(got, payload) {
		t.Fatalf("late reader got %d bytes, err %v", len(got), err)
	}
	late.Close()
	sink.Close()
}

func TestSpoolRefusesLateReaderWithoutBacking(t *testing.T) {
	payload := patterned(256 * 1024)
	s := newSpool(1024)
	only := mustReader(t, s)
	defer only.Close()

	go s.fill(context.Background(), io.NopCloser(bytes.NewReader(payload)))
	if _, err := io.Copy(io.Discard, only); err != nil {
		t.Fatalf("reader error: %v", err)
	}

	if _, ok := s.NewReader(); ok {
		t.Fatalf("late reader should be refused once the head was dropped")
	}
}

func TestSpoolFrozenBackingStillServesStalledReader(t *testing.T) {
	payload := patterned(512 * 1024)
	s := newSpool(4 * 1024)
	sink := mustReader(t, s)
	caller := mustReader(t, s)
	s.attachBacking(&memBacking{Reader: bytes.NewReader(payload)})

	go s.fill(context.Background(), io.NopCloser(bytes.NewReader(payload)))

	// 落盘写到一半失败：只有前半段在文件里。
	buf := make([]byte, 8*1024)
	var written int
	for written < len(payload)/2 {
		n, err := sink.Read(buf)
		if err != nil {
			t.Fatalf("sink error: %v", err)
		}
		s.markCommitted(n)
		written += n
	}
	sink.Close()
	s.freezeBacking()

	got, err := io.ReadAll(caller)
	if err != nil || !bytes.Equal(got, payload) {
		t.Fatalf("caller got %d bytes, err %v", len(got), err)
	}
	caller.Close()
}

func TestSpoolCloseAffectsOnlyThatReader(t *testing.T) {
	s := newSpool(0)
	closed := mustReader(t, s)
	open := mustReader(t, s)

	if err := closed.Close(); err != nil {
		t.Fatalf("close error: %v", err)
	}
	if err := closed.Close(); err != nil {
		t.Fatalf("second close should be a no-op: %v", err)
	}
	s.fill(context.Background(), io.NopCloser(strings.NewReader("still flowing")))

	if _, err := closed.Read(make([]byte, 4)); !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("closed reader should fail, got %v", err)
	}
	got, err := io.ReadAll(open)
	if err != nil || string(got) != "still flowing" {
		t.Fatalf("open reader got %q, err %v", got, err)
	}
}

func TestSpoolPropagatesSourceError(t *testing.T) {
	boom := errors.New("boom")
	s := newSpool(0)
	r := mustReader(t, s)

	src := io.NopCloser(io.MultiReader(strings.NewReader("partial"), &failingReader{err: boom}))
	s.fill(context.Background(), src)

	got, err := io.ReadAll(r)
	if !errors.Is(err, boom) {
		t.Fatalf("expected source error, got %v", err)
	}
	if string(got) != "partial" {
		t.Fatalf("expected partial bytes before error, got %q", got)
	}
}

func TestSpoolAbandonedWithoutReaders(t *testing.T) {
	s := newSpool(4)
	r := mustReader(t, s)
	src := &trackingSource{Reader: bytes.NewReader(bytes.Repeat([]byte{'a'}, 1024))}

	done := make(chan struct{})
	go func() {
		s.fill(context.Background(), src)
		close(done)
	}()

	// 不读取任何数据，fill 会在 highWater 处暂停；关闭唯一读者后应退出。
	time.Sleep(20 * time.Millisecond)
	r.Close()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("fill did not stop after last reader left")
	}
	if !src.closed {
		t.Fatalf("source should be closed")
	}
	if !errors.Is(s.err, errSpoolAbandoned) {
		t.Fatalf("expected errSpoolAbandoned, got %v", s.err)
	}
}

func TestSpoolHonoursContext(t *testing.T) {
	s := newSpool(4)
	r := mustReader(t, s)
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.fill(ctx, io.NopCloser(bytes.NewReader(bytes.Repeat([]byte{'a'}, 1024))))
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("fill ignored cancellation")
	}
	if _, err := io.ReadAll(r); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func mustReader(t *testing.T, s *spool) *spoolReader {
	t.Helper()
	r, ok := s.NewReader()
	if !ok {
		t.Fatalf("spool refused a new reader")
	}
	return r
}

func patterned(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i % 251)
	}
	return out
}

// committingReader 模拟落盘读者：读到的字节立即计入 committed。
type committingReader struct {
	r *spoolReader
}

func (c *committingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.r.s.markCommitted(n)
	}
	return n, err
}

type memBacking struct {
	*bytes.Reader
	closed atomic.Bool
}

func (m *memBacking) Close() error {
	m.closed.Store(true)
	return nil
}

type failingReader struct {
	err error
}

func (f *failingReader) Read([]byte) (int, error) {
	return 0, f.err
}

type trackingSource struct {
	io.Reader
	closed bool
}

func (s *trackingSource) Close() error {
	s.closed = true
	return nil
}
