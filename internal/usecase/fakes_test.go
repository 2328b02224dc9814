package usecase

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"wakelingo/internal/domain"
	"wakelingo/internal/ports"
)

type fakeAudioSession struct {
	frames chan []byte
	errs   chan error
	stopCh chan struct{}

	mu    sync.Mutex
	stops int
	once  sync.Once
}

func newFakeAudioSession() *fakeAudioSession {
	return &fakeAudioSession{
		frames: make(chan []byte, 64),
		errs:   make(chan error, 1),
		stopCh: make(chan struct{}),
	}
}

func (s *fakeAudioSession) push(frame []byte) { s.frames <- frame }

func (s *fakeAudioSession) end(err error) { s.errs <- err }

func (s *fakeAudioSession) Read(p []byte) (int, error) {
	select {
	case frame := <-s.frames:
		return copy(p, frame), nil
	case err := <-s.errs:
		return 0, err
	case <-s.stopCh:
		return 0, io.EOF
	}
}

func (s *fakeAudioSession) Close() error { return s.Stop() }

func (s *fakeAudioSession) Stop() error {
	s.mu.Lock()
	s.stops++
	s.mu.Unlock()
	s.once.Do(func() { close(s.stopCh) })
	return nil
}

func (s *fakeAudioSession) stopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

type fakeCapture struct {
	mu       sync.Mutex
	sessions []*fakeAudioSession
	err      error
	gate     chan struct{}
}

func (c *fakeCapture) Start(ctx context.Context, _ ports.AudioConfig) (ports.AudioSession, error) {
	c.mu.Lock()
	gate := c.gate
	c.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	session := newFakeAudioSession()
	c.sessions = append(c.sessions, session)
	return session, nil
}

func (c *fakeCapture) last() *fakeAudioSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sessions) == 0 {
		return nil
	}
	return c.sessions[len(c.sessions)-1]
}

func (c *fakeCapture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

type listenerStart struct {
	req      ports.TriggerRequest
	handlers ports.TriggerHandlers
	source   ports.AudioSource
}

type fakeListener struct {
	mu       sync.Mutex
	starts   []listenerStart
	attempts int
	stops    int
	running  bool
	startErr error
	// gate, when set, holds Start until it is closed or ctx ends.
	gate chan struct{}
}

func (l *fakeListener) Start(ctx context.Context, source ports.AudioSource, req ports.TriggerRequest, handlers ports.TriggerHandlers) error {
	// attempts counts returned calls, whatever their outcome.
	defer func() {
		l.mu.Lock()
		l.attempts++
		l.mu.Unlock()
	}()

	l.mu.Lock()
	gate := l.gate
	l.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.startErr != nil {
		return l.startErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	l.starts = append(l.starts, listenerStart{req: req, handlers: handlers, source: source})
	l.running = true
	return nil
}

func (l *fakeListener) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stops++
	l.running = false
}

func (l *fakeListener) last() listenerStart {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.starts[len(l.starts)-1]
}

func (l *fakeListener) startCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.starts)
}

func (l *fakeListener) attemptCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attempts
}

func (l *fakeListener) isRunning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

type fakeRecorder struct {
	mu      sync.Mutex
	armed   bool
	arms    int
	armErr  error
	onChunk func([]byte)
}

func (r *fakeRecorder) Arm(_ ports.AudioSource, onChunk func([]byte)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.armErr != nil {
		return r.armErr
	}
	r.armed = true
	r.arms++
	r.onChunk = onChunk
	return nil
}

func (r *fakeRecorder) Disarm() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.armed = false
}

func (r *fakeRecorder) isArmed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.armed
}

func (r *fakeRecorder) chunkFunc() func([]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.onChunk
}

type fakeChannel struct {
	mu       sync.Mutex
	handlers ports.ChannelHandlers
	open     bool
	sent     [][]byte
	closed   bool
}

func (c *fakeChannel) Connect(_ context.Context, handlers ports.ChannelHandlers) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = handlers
	return nil
}

func (c *fakeChannel) Send(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return false
	}
	c.sent = append(c.sent, payload)
	return true
}

func (c *fakeChannel) State() domain.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open {
		return domain.ConnectionOpen
	}
	return domain.ConnectionClosed
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.open = false
	return nil
}

// setState changes state and reports it the way the real channel does.
func (c *fakeChannel) setState(state domain.ConnectionState) {
	c.mu.Lock()
	c.open = state == domain.ConnectionOpen
	onState := c.handlers.OnState
	c.mu.Unlock()
	onState(state)
}

func (c *fakeChannel) deliver(result domain.TranslationResult) {
	c.mu.Lock()
	onMessage := c.handlers.OnMessage
	c.mu.Unlock()
	onMessage(result)
}

func (c *fakeChannel) fail(err error) {
	c.mu.Lock()
	onError := c.handlers.OnError
	c.mu.Unlock()
	onError(err)
}

func (c *fakeChannel) sentPayloads() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.sent))
	for _, payload := range c.sent {
		out = append(out, string(payload))
	}
	return out
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type speech struct {
	text string
	tag  string
}

type fakeSpeaker struct {
	mu     sync.Mutex
	spoken []speech
}

func (s *fakeSpeaker) Speak(text, tag string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spoken = append(s.spoken, speech{text: text, tag: tag})
}

func (s *fakeSpeaker) all() []speech {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]speech(nil), s.spoken...)
}

type sessionError struct {
	code   domain.ErrorCode
	detail string
}

type fakeEventSink struct {
	mu          sync.Mutex
	statuses    []domain.Status
	connections []domain.ConnectionState
	utterances  []domain.UtterancePair
	partials    []string
	errs        []sessionError
}

func (s *fakeEventSink) StatusChanged(status domain.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, status)
}

func (s *fakeEventSink) ConnectionChanged(state domain.ConnectionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connections = append(s.connections, state)
}

func (s *fakeEventSink) UtteranceAdded(pair domain.UtterancePair) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.utterances = append(s.utterances, pair)
}

func (s *fakeEventSink) PartialTranscript(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partials = append(s.partials, text)
}

func (s *fakeEventSink) SessionError(code domain.ErrorCode, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, sessionError{code: code, detail: detail})
}

func (s *fakeEventSink) partialCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.partials)
}

type harness struct {
	coordinator *Coordinator
	capture     *fakeCapture
	listener    *fakeListener
	recorder    *fakeRecorder
	channel     *fakeChannel
	speaker     *fakeSpeaker
	events      *fakeEventSink
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		capture:  &fakeCapture{},
		listener: &fakeListener{},
		recorder: &fakeRecorder{},
		channel:  &fakeChannel{},
		speaker:  &fakeSpeaker{},
		events:   &fakeEventSink{},
	}
	coordinator, err := NewCoordinator(Dependencies{
		Capture:  h.capture,
		Listener: h.listener,
		Recorder: h.recorder,
		Channel:  h.channel,
		Speaker:  h.speaker,
		Events:   h.events,
	}, Config{PrimaryLanguage: "da-DK", TargetLanguage: "en-US"}, nil)
	if err != nil {
		t.Fatalf("new coordinator failed: %v", err)
	}
	if err := coordinator.Open(context.Background()); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	t.Cleanup(func() { _ = coordinator.Close() })

	h.coordinator = coordinator
	return h
}

// settle waits until every event posted so far has been handled.
func (h *harness) settle(t *testing.T) {
	t.Helper()
	if err := h.coordinator.SetLanguages("", ""); err != nil {
		t.Fatalf("settle failed: %v", err)
	}
}

// start begins a session and waits for the wake-phrase listener to be armed.
func (h *harness) start(t *testing.T) {
	t.Helper()
	before := h.listener.attemptCount()
	if err := h.coordinator.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	h.awaitArm(t, before+1)
}

// awaitArm waits until n listener starts have returned.
func (h *harness) awaitArm(t *testing.T, n int) {
	t.Helper()
	waitFor(t, "listener arm", func() bool { return h.listener.attemptCount() >= n })
	h.settle(t)
}

// fire reports a trigger through the most recently armed listener handlers,
// waiting for the re-arm a phase change causes.
func (h *harness) fire(t *testing.T, kind domain.TriggerKind) {
	t.Helper()
	phase := h.coordinator.Status().Phase
	rearms := (kind == domain.TriggerBegin && phase == domain.PhaseListeningForWake) ||
		(kind == domain.TriggerEnd && phase == domain.PhaseRecording)

	before := h.listener.attemptCount()
	h.listener.last().handlers.OnTrigger(kind)
	h.settle(t)
	if rearms {
		h.awaitArm(t, before+1)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
