package recorder

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"

	"wakelingo/internal/ports"
)

func TestNewEncoder(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"":         EncodingZstd,
		"ZSTD":     EncodingZstd,
		"linear16": EncodingLinear16,
	}
	for name, want := range cases {
		enc, err := NewEncoder(name)
		if err != nil {
			t.Fatalf("encoder %q failed: %v", name, err)
		}
		if enc.Name() != want {
			t.Fatalf("encoder %q: expected %q, got %q", name, want, enc.Name())
		}
	}

	if _, err := NewEncoder("opus"); err == nil {
		t.Fatalf("expected unsupported encoding error")
	}
}

func TestZstdChunksAreIndependentFrames(t *testing.T) {
	t.Parallel()

	enc, err := NewEncoder(EncodingZstd)
	if err != nil {
		t.Fatalf("encoder failed: %v", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		t.Fatalf("decoder failed: %v", err)
	}
	defer dec.Close()

	for _, pcm := range [][]byte{bytes.Repeat([]byte{1, 2}, 1600), bytes.Repeat([]byte{3}, 10)} {
		chunk, err := enc.Encode(pcm)
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		decoded, err := dec.DecodeAll(chunk, nil)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if !bytes.Equal(decoded, pcm) {
			t.Fatalf("decoded chunk differs from input")
		}
	}
}

func TestRecorderDeliversChunksPerInterval(t *testing.T) {
	t.Parallel()

	source := newFakeSource()
	rec := New(20*time.Millisecond, linear16Encoder{}, nil)
	sink := newChunkSink()

	if err := rec.Arm(source, sink.add); err != nil {
		t.Fatalf("arm failed: %v", err)
	}
	defer rec.Disarm()

	source.sub.frames <- []byte("ab")
	source.sub.frames <- []byte("cd")

	chunk := sink.wait(t)
	if string(chunk) != "abcd" && string(chunk) != "ab" {
		t.Fatalf("unexpected first chunk: %q", chunk)
	}
	if source.name != "recorder" {
		t.Fatalf("unexpected subscriber name: %q", source.name)
	}
}

func TestRecorderSkipsEmptyIntervals(t *testing.T) {
	t.Parallel()

	rec := New(5*time.Millisecond, linear16Encoder{}, nil)
	sink := newChunkSink()

	if err := rec.Arm(newFakeSource(), sink.add); err != nil {
		t.Fatalf("arm failed: %v", err)
	}
	time.Sleep(40 * time.Millisecond)
	rec.Disarm()

	if n := sink.count(); n != 0 {
		t.Fatalf("expected no chunks without audio, got %d", n)
	}
}

func TestRecorderNoChunkAfterDisarm(t *testing.T) {
	t.Parallel()

	source := newFakeSource()
	rec := New(time.Millisecond, linear16Encoder{}, nil)
	sink := newChunkSink()

	if err := rec.Arm(source, sink.add); err != nil {
		t.Fatalf("arm failed: %v", err)
	}
	for i := 0; i < 4; i++ {
		source.sub.frames <- []byte{byte(i)}
	}
	rec.Disarm()
	before := sink.count()

	time.Sleep(20 * time.Millisecond)
	if after := sink.count(); after != before {
		t.Fatalf("chunks delivered after disarm: before=%d after=%d", before, after)
	}
	if rec.Armed() {
		t.Fatalf("expected recorder disarmed")
	}
	if !source.sub.isClosed() {
		t.Fatalf("expected capture subscription released")
	}
}

func TestRecorderArmTwiceFails(t *testing.T) {
	t.Parallel()

	rec := New(0, nil, nil)
	if err := rec.Arm(newFakeSource(), func([]byte) {}); err != nil {
		t.Fatalf("arm failed: %v", err)
	}
	defer rec.Disarm()

	if err := rec.Arm(newFakeSource(), func([]byte) {}); !errors.Is(err, ErrAlreadyArmed) {
		t.Fatalf("expected ErrAlreadyArmed, got %v", err)
	}
}

func TestRecorderDisarmWhenIdleIsNoop(t *testing.T) {
	t.Parallel()

	rec := New(0, nil, nil)
	rec.Disarm()
	rec.Disarm()
	if rec.Armed() {
		t.Fatalf("expected idle recorder")
	}
}

func TestRecorderRearmAfterDisarm(t *testing.T) {
	t.Parallel()

	rec := New(5*time.Millisecond, linear16Encoder{}, nil)
	if err := rec.Arm(newFakeSource(), func([]byte) {}); err != nil {
		t.Fatalf("arm failed: %v", err)
	}
	rec.Disarm()

	source := newFakeSource()
	sink := newChunkSink()
	if err := rec.Arm(source, sink.add); err != nil {
		t.Fatalf("re-arm failed: %v", err)
	}
	defer rec.Disarm()

	source.sub.frames <- []byte("xy")
	if chunk := sink.wait(t); string(chunk) != "xy" {
		t.Fatalf("unexpected chunk: %q", chunk)
	}
}

func TestRecorderFlushesWhenCaptureEnds(t *testing.T) {
	t.Parallel()

	source := newFakeSource()
	rec := New(time.Hour, linear16Encoder{}, nil)
	sink := newChunkSink()

	if err := rec.Arm(source, sink.add); err != nil {
		t.Fatalf("arm failed: %v", err)
	}
	defer rec.Disarm()

	source.sub.frames <- []byte("tail")
	source.sub.Close()

	if chunk := sink.wait(t); string(chunk) != "tail" {
		t.Fatalf("unexpected chunk: %q", chunk)
	}
}

func TestRecorderSubscribeFailure(t *testing.T) {
	t.Parallel()

	source := newFakeSource()
	source.err = errors.New("audio tap is closed")
	rec := New(0, nil, nil)

	if err := rec.Arm(source, func([]byte) {}); err == nil {
		t.Fatalf("expected subscribe error")
	}
	if rec.Armed() {
		t.Fatalf("expected recorder to stay idle")
	}
}

type chunkSink struct {
	mu     sync.Mutex
	chunks [][]byte
	ready  chan struct{}
}

func newChunkSink() *chunkSink {
	return &chunkSink{ready: make(chan struct{}, 64)}
}

func (s *chunkSink) add(chunk []byte) {
	s.mu.Lock()
	s.chunks = append(s.chunks, chunk)
	s.mu.Unlock()
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

func (s *chunkSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks)
}

func (s *chunkSink) wait(t *testing.T) []byte {
	t.Helper()
	select {
	case <-s.ready:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for chunk")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunks[0]
}

type fakeSource struct {
	sub  *fakeSubscription
	name string
	err  error
}

func newFakeSource() *fakeSource {
	return &fakeSource{sub: &fakeSubscription{frames: make(chan []byte, 16)}}
}

func (s *fakeSource) Subscribe(name string) (ports.AudioSubscription, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.name = name
	return s.sub, nil
}

type fakeSubscription struct {
	frames chan []byte
	mu     sync.Mutex
	closed bool
}

func (s *fakeSubscription) Frames() <-chan []byte { return s.frames }

func (s *fakeSubscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.frames)
	}
}

func (s *fakeSubscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
