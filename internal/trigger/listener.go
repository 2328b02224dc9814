package trigger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"wakelingo/internal/domain"
	"wakelingo/internal/ports"
)

// ErrAlreadyListening is returned by Start while an arm cycle is running.
var ErrAlreadyListening = errors.New("trigger listener is already running")

// Config holds the phrase vocabulary and recognizer stream settings.
type Config struct {
	AppName          string
	TranslateCommand string
	Streaming        ports.StreamingConfig
}

// Phrase returns the raw phrase for kind: "ok {app}" to begin, "{command} {app}" to end.
func (c Config) Phrase(kind domain.TriggerKind) string {
	if kind == domain.TriggerEnd {
		return c.TranslateCommand + " " + c.AppName
	}
	return "ok " + c.AppName
}

// Listener scans a live recognizer stream for one trigger phrase per arm
// cycle. It implements ports.TriggerListener.
type Listener struct {
	provider   ports.TranscriptionProvider
	normalizer ports.RulesEngine
	cfg        Config
	logger     *zap.SugaredLogger

	mu  sync.Mutex
	run *run
}

func NewListener(provider ports.TranscriptionProvider, normalizer ports.RulesEngine, cfg Config, logger *zap.SugaredLogger) *Listener {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	cfg.Streaming.InterimResults = true
	if len(cfg.Streaming.Keywords) == 0 {
		cfg.Streaming.Keywords = []string{cfg.AppName, cfg.TranslateCommand}
	}
	return &Listener{provider: provider, normalizer: normalizer, cfg: cfg, logger: logger}
}

// Start opens a recognizer stream in req.Language fed from source and begins
// scanning for the phrase of req.Kind. A failure to open the stream is
// returned as a recognition error; failures after that go to handlers.OnError.
// The stream is dialed without holding the listener, so Stop never waits on a
// dial; cancelling ctx abandons it.
func (l *Listener) Start(ctx context.Context, source ports.AudioSource, req ports.TriggerRequest, handlers ports.TriggerHandlers) error {
	if l.busy() {
		return ErrAlreadyListening
	}

	phrase, err := l.normalize(l.cfg.Phrase(req.Kind))
	if err != nil {
		return fmt.Errorf("normalize trigger phrase: %w", err)
	}

	streamCfg := l.cfg.Streaming
	if req.Language != "" {
		streamCfg.Language = req.Language
	}

	stream, err := l.provider.StartStreaming(ctx, streamCfg)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return domain.NewError(domain.ErrorCodeRecognition, fmt.Errorf("start recognizer: %w", err))
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := ctx.Err(); err != nil {
		_ = stream.Close()
		return err
	}
	if l.run != nil && !l.run.isStopped() {
		_ = stream.Close()
		return ErrAlreadyListening
	}

	sub, err := source.Subscribe("trigger-" + string(req.Kind))
	if err != nil {
		_ = stream.Close()
		return domain.NewError(domain.ErrorCodeRecognition, fmt.Errorf("attach recognizer to capture: %w", err))
	}

	r := &run{
		kind:      req.Kind,
		phrase:    phrase,
		handlers:  handlers,
		stream:    stream,
		sub:       sub,
		normalize: l.normalize,
		logger:    l.logger.With("trigger", string(req.Kind), "language", streamCfg.Language),
	}
	l.run = r

	go r.pump()
	go r.consume()

	r.logger.Debugw("trigger listener armed", "phrase", phrase)
	return nil
}

func (l *Listener) busy() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.run != nil && !l.run.isStopped()
}

// Stop detaches handlers and releases the recognizer. Safe to call repeatedly
// and before Start.
func (l *Listener) Stop() {
	l.mu.Lock()
	r := l.run
	l.run = nil
	l.mu.Unlock()

	if r != nil {
		r.stop()
	}
}

func (l *Listener) normalize(text string) (string, error) {
	if l.normalizer == nil {
		return strings.ToLower(strings.TrimSpace(text)), nil
	}
	return l.normalizer.Apply(text)
}

// run is one arm cycle: one recognizer stream, one capture subscription.
type run struct {
	kind      domain.TriggerKind
	phrase    string
	handlers  ports.TriggerHandlers
	stream    ports.StreamingSession
	sub       ports.AudioSubscription
	normalize func(string) (string, error)
	logger    *zap.SugaredLogger

	mu          sync.Mutex
	stopped     bool
	fired       bool
	sourceEnded bool
	window      transcriptWindow

	releaseOnce sync.Once
}

func (r *run) pump() {
	for frame := range r.sub.Frames() {
		if err := r.stream.SendAudio(frame); err != nil {
			return
		}
	}

	r.mu.Lock()
	if !r.stopped {
		r.sourceEnded = true
	}
	r.mu.Unlock()
	_ = r.stream.CloseSend()
}

func (r *run) consume() {
	for event := range r.stream.Events() {
		r.observe(event)
	}
	r.finish()
}

func (r *run) observe(event domain.TranscriptEvent) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	text := r.window.update(event)
	r.mu.Unlock()

	normalized, err := r.normalize(text)
	if err != nil {
		r.logger.Warnw("transcript normalization failed", "error", err)
		normalized = strings.ToLower(text)
	}
	if normalized == "" {
		return
	}

	if r.handlers.OnPartial != nil && !r.isStopped() {
		r.handlers.OnPartial(normalized)
	}

	if !strings.Contains(normalized, r.phrase) {
		return
	}

	r.mu.Lock()
	fire := !r.fired && !r.stopped
	r.fired = true
	r.mu.Unlock()

	if fire {
		r.logger.Infow("trigger phrase detected", "transcript", normalized)
		if r.handlers.OnTrigger != nil {
			r.handlers.OnTrigger(r.kind)
		}
	}
}

func (r *run) finish() {
	r.mu.Lock()
	quiet := r.stopped || r.sourceEnded
	r.stopped = true
	r.mu.Unlock()

	r.release()
	if quiet {
		return
	}

	err := r.stream.Wait()
	if err == nil {
		err = errors.New("recognition stream ended unexpectedly")
	}
	r.logger.Warnw("trigger listener stopped", "error", err)
	if r.handlers.OnError != nil {
		r.handlers.OnError(domain.NewError(domain.ErrorCodeRecognition, err))
	}
}

func (r *run) stop() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
	r.release()
}

func (r *run) release() {
	r.releaseOnce.Do(func() {
		r.sub.Close()
		_ = r.stream.Close()
	})
}

func (r *run) isStopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}
