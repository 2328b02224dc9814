package recorder

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"wakelingo/internal/ports"
)

// ErrAlreadyArmed is returned by Arm while a cycle is active.
var ErrAlreadyArmed = errors.New("recorder is already armed")

const defaultInterval = 100 * time.Millisecond

// Recorder accumulates captured PCM and hands one encoded chunk to the
// armed callback per interval. It implements ports.Recorder.
type Recorder struct {
	interval time.Duration
	encoder  Encoder
	logger   *zap.SugaredLogger

	mu    sync.Mutex
	cycle *cycle
}

func New(interval time.Duration, encoder Encoder, logger *zap.SugaredLogger) *Recorder {
	if interval <= 0 {
		interval = defaultInterval
	}
	if encoder == nil {
		encoder = linear16Encoder{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Recorder{interval: interval, encoder: encoder, logger: logger}
}

// Arm starts chunk production from source. Each non-empty chunk is passed to
// onChunk, which must not block.
func (r *Recorder) Arm(source ports.AudioSource, onChunk func(chunk []byte)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cycle != nil {
		return ErrAlreadyArmed
	}

	sub, err := source.Subscribe("recorder")
	if err != nil {
		return fmt.Errorf("attach recorder to capture: %w", err)
	}

	c := &cycle{
		sub:     sub,
		onChunk: onChunk,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	r.cycle = c
	go r.produce(c)

	r.logger.Debugw("recorder armed", "interval", r.interval, "encoding", r.encoder.Name())
	return nil
}

// Disarm stops chunk production. No chunk is delivered after it returns,
// including one already being encoded. A no-op when not armed.
func (r *Recorder) Disarm() {
	r.mu.Lock()
	c := r.cycle
	r.cycle = nil
	r.mu.Unlock()

	if c == nil {
		return
	}

	c.mu.Lock()
	c.disarmed = true
	c.mu.Unlock()

	close(c.stop)
	c.sub.Close()
	<-c.done

	r.logger.Debugw("recorder disarmed", "chunks", c.delivered)
}

// Armed reports whether a cycle is active.
func (r *Recorder) Armed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cycle != nil
}

func (r *Recorder) produce(c *cycle) {
	defer close(c.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	var pending []byte
	for {
		select {
		case <-c.stop:
			return
		case frame, ok := <-c.sub.Frames():
			if !ok {
				r.flush(c, pending)
				return
			}
			pending = append(pending, frame...)
		case <-ticker.C:
			r.flush(c, pending)
			pending = nil
		}
	}
}

func (r *Recorder) flush(c *cycle, pcm []byte) {
	if len(pcm) == 0 {
		return
	}

	chunk, err := r.encoder.Encode(pcm)
	if err != nil {
		r.logger.Warnw("chunk encoding failed, chunk dropped", "error", err, "bytes", len(pcm))
		return
	}
	if len(chunk) == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disarmed || c.onChunk == nil {
		return
	}
	c.delivered++
	c.onChunk(chunk)
}

type cycle struct {
	sub     ports.AudioSubscription
	onChunk func(chunk []byte)
	stop    chan struct{}
	done    chan struct{}

	mu        sync.Mutex
	disarmed  bool
	delivered int
}
