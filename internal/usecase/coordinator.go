package usecase

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/text/language"

	"wakelingo/internal/domain"
	"wakelingo/internal/ports"
)

var (
	ErrSessionActive   = errors.New("session is already active")
	ErrNothingToReplay = errors.New("no translation to replay")
	ErrStartCancelled  = errors.New("session start was cancelled")
	ErrNotOpen         = errors.New("coordinator is not open")
	ErrClosed          = errors.New("coordinator is closed")
)

const inboxSize = 256

// Config controls capture and the initial language pair.
type Config struct {
	Audio           ports.AudioConfig
	ChunkSize       int
	PrimaryLanguage string
	TargetLanguage  string
}

// Dependencies are the subordinate components the coordinator drives.
type Dependencies struct {
	Capture  ports.AudioCapture
	Listener ports.TriggerListener
	Recorder ports.Recorder
	Channel  ports.Channel
	Speaker  ports.Speaker
	Events   ports.EventSink
}

// Coordinator runs the wake-phrase session state machine. All session state
// is owned by a single loop goroutine; public methods and component callbacks
// reach it through the inbox.
type Coordinator struct {
	deps   Dependencies
	cfg    Config
	logger *zap.SugaredLogger
	now    func() time.Time

	inbox  chan event
	done   chan struct{}
	opened atomic.Bool

	snapMu  sync.RWMutex
	status  domain.Status
	history domain.History

	// Loop-owned state.
	ctx           context.Context
	cancel        context.CancelFunc
	phase         domain.Phase
	sessionID     string
	sessionCtx    context.Context
	sessionCancel context.CancelFunc
	pendingStart  chan error
	capture       ports.AudioSession
	pump          *audioPump
	gen           uint64
	arm           uint64
	armCancel     context.CancelFunc
	rec           uint64
	connection    domain.ConnectionState
	errCode       domain.ErrorCode
	errMsg        string
	primary       string
	target        string
	dropped       int
	replies       []reply
}

// reply is a command result held back until the status it produced is published.
type reply struct {
	ch  chan error
	err error
}

func NewCoordinator(deps Dependencies, cfg Config, logger *zap.SugaredLogger) (*Coordinator, error) {
	primary, err := canonicalTag(cfg.PrimaryLanguage, "da-DK")
	if err != nil {
		return nil, err
	}
	target, err := canonicalTag(cfg.TargetLanguage, "en-US")
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if deps.Speaker == nil {
		deps.Speaker = silentSpeaker{}
	}
	if deps.Events == nil {
		deps.Events = discardSink{}
	}

	c := &Coordinator{
		deps:       deps,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
		inbox:      make(chan event, inboxSize),
		done:       make(chan struct{}),
		phase:      domain.PhaseIdle,
		connection: domain.ConnectionClosed,
		primary:    primary,
		target:     target,
	}
	c.status = c.buildStatus()
	return c, nil
}

// Open starts the event loop and connects the backend channel. The session
// is torn down when ctx is cancelled or Close is called.
func (c *Coordinator) Open(ctx context.Context) error {
	if !c.opened.CompareAndSwap(false, true) {
		return errors.New("coordinator is already open")
	}

	c.ctx, c.cancel = context.WithCancel(ctx)
	go c.run()

	err := c.deps.Channel.Connect(c.ctx, ports.ChannelHandlers{
		OnState:   func(state domain.ConnectionState) { c.post(socketState{state: state}) },
		OnMessage: func(result domain.TranslationResult) { c.post(socketMessage{result: result}) },
		OnError:   func(err error) { c.post(channelFailed{err: err}) },
	})
	if err != nil {
		return domain.NewError(domain.ErrorCodeChannel, fmt.Errorf("connect backend channel: %w", err))
	}
	return nil
}

// Start acquires the microphone and begins listening for the wake phrase. It
// returns once capture is granted or refused.
func (c *Coordinator) Start(ctx context.Context) error {
	reply := make(chan error, 1)
	return c.call(ctx, startCommand{reply: reply}, reply)
}

// Stop releases capture and returns to idle. Calling it when idle is a no-op.
func (c *Coordinator) Stop() error {
	reply := make(chan error, 1)
	return c.call(context.Background(), stopCommand{reply: reply}, reply)
}

// Replay speaks the most recent translation again.
func (c *Coordinator) Replay() error {
	reply := make(chan error, 1)
	return c.call(context.Background(), replayCommand{reply: reply}, reply)
}

// SetLanguages changes the language pair. A blank tag keeps the current one.
func (c *Coordinator) SetLanguages(primary, target string) error {
	reply := make(chan error, 1)
	return c.call(context.Background(), languagesCommand{primary: primary, target: target, reply: reply}, reply)
}

// Close releases every resource and closes the channel. Safe to call repeatedly.
func (c *Coordinator) Close() error {
	if !c.opened.Load() {
		return nil
	}
	reply := make(chan error, 1)
	err := c.call(context.Background(), closeCommand{reply: reply}, reply)
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

// Status returns the latest published status.
func (c *Coordinator) Status() domain.Status {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.status
}

// History returns a copy of both utterance sequences.
func (c *Coordinator) History() domain.History {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return domain.History{
		Transcriptions: slices.Clone(c.history.Transcriptions),
		Translations:   slices.Clone(c.history.Translations),
	}
}

func (c *Coordinator) call(ctx context.Context, ev event, reply chan error) error {
	if !c.opened.Load() {
		return ErrNotOpen
	}

	select {
	case c.inbox <- ev:
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-c.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrClosed
		}
	}
}

// post delivers a callback, waiting for room so ordering is preserved.
func (c *Coordinator) post(ev event) {
	select {
	case c.inbox <- ev:
	case <-c.done:
	}
}

// offer delivers a callback only if the inbox has room.
func (c *Coordinator) offer(ev event) bool {
	select {
	case c.inbox <- ev:
		return true
	default:
		return false
	}
}

func (c *Coordinator) run() {
	defer close(c.done)

	for {
		select {
		case <-c.ctx.Done():
			c.shutdown()
			c.flushReplies()
			return
		case ev := <-c.inbox:
			closing := c.handle(ev)
			c.publish()
			c.flushReplies()
			if closing {
				return
			}
		}
	}
}

func (c *Coordinator) handle(ev event) bool {
	switch ev := ev.(type) {
	case startCommand:
		c.handleStart(ev.reply)
	case stopCommand:
		c.stopSession()
		c.respond(ev.reply, nil)
	case replayCommand:
		c.respond(ev.reply, c.replay())
	case languagesCommand:
		c.respond(ev.reply, c.setLanguages(ev.primary, ev.target))
	case closeCommand:
		c.shutdown()
		c.respond(ev.reply, nil)
		return true
	case permissionResolved:
		c.onPermission(ev)
	case captureFailed:
		if ev.gen == c.gen && c.phase != domain.PhaseIdle {
			c.stopSession()
			c.setError(domain.ErrorCodeAudioStream, fmt.Sprintf("audio capture error: %v", ev.err))
		}
	case listenerArmed:
		c.onListenerArmed(ev)
	case triggerFired:
		c.onTrigger(ev)
	case recognitionFailed:
		if ev.arm == c.arm {
			c.setErrorFrom(ev.err, domain.ErrorCodeRecognition)
		}
	case partialTranscript:
		if ev.arm == c.arm {
			c.deps.Events.PartialTranscript(ev.text)
		}
	case chunkReady:
		c.onChunk(ev)
	case socketState:
		c.onSocketState(ev.state)
	case socketMessage:
		c.onResult(ev.result)
	case channelFailed:
		c.setErrorFrom(ev.err, domain.ErrorCodeChannel)
	}
	return false
}

func (c *Coordinator) handleStart(reply chan error) {
	if c.phase != domain.PhaseIdle || c.pendingStart != nil {
		c.respond(reply, ErrSessionActive)
		return
	}

	c.gen++
	gen := c.gen
	c.pendingStart = reply
	c.sessionID = uuid.NewString()
	c.sessionCtx, c.sessionCancel = context.WithCancel(c.ctx)

	go func(ctx context.Context) {
		session, err := c.deps.Capture.Start(ctx, c.cfg.Audio)
		select {
		case c.inbox <- permissionResolved{gen: gen, session: session, err: err}:
		case <-c.done:
			if session != nil {
				_ = session.Stop()
			}
		}
	}(c.sessionCtx)
}

func (c *Coordinator) onPermission(ev permissionResolved) {
	if ev.gen != c.gen || c.pendingStart == nil {
		if ev.session != nil {
			_ = ev.session.Stop()
		}
		return
	}

	pending := c.pendingStart
	c.pendingStart = nil

	if ev.err != nil {
		err := ev.err
		if _, ok := domain.CodeOf(err); !ok {
			err = domain.NewError(domain.ErrorCodePermission, err)
		}
		c.sessionCancel()
		c.logger.Warnw("microphone unavailable", "session_id", c.sessionID, "error", err)
		c.setErrorFrom(err, domain.ErrorCodePermission)
		c.respond(pending, err)
		return
	}

	c.clearError()
	c.capture = ev.session
	c.pump = newAudioPump(ev.session, c.cfg.ChunkSize, c.logger)
	gen := c.gen
	go c.pump.run(func(err error) { c.post(captureFailed{gen: gen, err: err}) })

	c.phase = domain.PhaseListeningForWake
	c.logger.Infow("session started", "session_id", c.sessionID, "primary", c.primary, "target", c.target)
	c.armListener(domain.TriggerBegin)
	c.respond(pending, nil)
}

func (c *Coordinator) armListener(kind domain.TriggerKind) {
	c.arm++
	arm := c.arm
	ctx, cancel := context.WithCancel(c.sessionCtx)
	c.armCancel = cancel

	source := c.pump
	req := ports.TriggerRequest{Language: c.primary, Kind: kind}
	handlers := ports.TriggerHandlers{
		OnTrigger: func(k domain.TriggerKind) { c.post(triggerFired{arm: arm, kind: k}) },
		OnPartial: func(text string) { c.offer(partialTranscript{arm: arm, text: text}) },
		OnError:   func(err error) { c.post(recognitionFailed{arm: arm, err: err}) },
	}

	// Opening the recognizer dials the network, so it runs off the loop and
	// reports back. stopListener cancels ctx to abandon it.
	go func() {
		err := c.deps.Listener.Start(ctx, source, req, handlers)
		select {
		case c.inbox <- listenerArmed{arm: arm, kind: kind, err: err}:
		case <-c.done:
		}
	}()
}

func (c *Coordinator) onListenerArmed(ev listenerArmed) {
	if ev.arm != c.arm || ev.err == nil {
		return
	}
	c.logger.Warnw("trigger listener failed to start", "session_id", c.sessionID, "trigger", ev.kind, "error", ev.err)
	c.setErrorFrom(ev.err, domain.ErrorCodeRecognition)
}

// stopListener abandons an arm still dialing before stopping the running one,
// so a dial that completes late is never registered.
func (c *Coordinator) stopListener() {
	if c.armCancel != nil {
		c.armCancel()
		c.armCancel = nil
	}
	c.deps.Listener.Stop()
}

func (c *Coordinator) onTrigger(ev triggerFired) {
	if ev.arm != c.arm {
		return
	}

	switch {
	case ev.kind == domain.TriggerBegin && c.phase == domain.PhaseListeningForWake:
		c.stopListener()
		c.rec++
		rec := c.rec
		if err := c.deps.Recorder.Arm(c.pump, func(chunk []byte) { c.offer(chunkReady{rec: rec, chunk: chunk}) }); err != nil {
			// Without a recorder the session keeps waiting for the wake phrase.
			c.logger.Warnw("recorder failed to start", "session_id", c.sessionID, "error", err)
			c.setError(domain.ErrorCodeAudioStream, fmt.Sprintf("failed to start recording: %v", err))
			c.armListener(domain.TriggerBegin)
			return
		}
		c.phase = domain.PhaseRecording
		c.logger.Infow("wake phrase heard, recording", "session_id", c.sessionID)
		c.armListener(domain.TriggerEnd)

	case ev.kind == domain.TriggerEnd && c.phase == domain.PhaseRecording:
		c.deps.Recorder.Disarm()
		c.rec++
		c.stopListener()
		c.phase = domain.PhaseListeningForWake
		c.logger.Infow("end phrase heard, listening for wake phrase", "session_id", c.sessionID)
		c.armListener(domain.TriggerBegin)
	}
}

func (c *Coordinator) onChunk(ev chunkReady) {
	if ev.rec != c.rec || c.phase != domain.PhaseRecording {
		return
	}
	if !c.deps.Channel.Send(ev.chunk) {
		c.dropped++
		if c.dropped == 1 || c.dropped%50 == 0 {
			c.logger.Debugw("audio chunk dropped, channel not open", "session_id", c.sessionID, "dropped", c.dropped)
		}
	}
}

func (c *Coordinator) onSocketState(state domain.ConnectionState) {
	c.connection = state
	if state == domain.ConnectionOpen {
		c.dropped = 0
		if c.errCode == domain.ErrorCodeChannel {
			c.clearError()
		}
	}
	c.deps.Events.ConnectionChanged(state)
}

func (c *Coordinator) onResult(result domain.TranslationResult) {
	if result.Error != "" {
		c.setError(domain.ErrorCodeBackend, result.Error)
	}
	if !result.HasPair() {
		if result.Error == "" && (result.Original != "" || result.Translation != "") {
			c.setError(domain.ErrorCodePayload, "backend message missing original or translation")
		}
		return
	}

	now := c.now()
	c.snapMu.Lock()
	c.history.Transcriptions = append(c.history.Transcriptions, domain.Message{Text: result.Original, Timestamp: now})
	c.history.Translations = append(c.history.Translations, domain.Message{Text: result.Translation, Timestamp: now})
	c.snapMu.Unlock()

	c.deps.Events.UtteranceAdded(domain.UtterancePair{Original: result.Original, Translation: result.Translation, Timestamp: now})
	c.deps.Speaker.Speak(result.Translation, c.target)
}

func (c *Coordinator) replay() error {
	c.snapMu.RLock()
	n := len(c.history.Translations)
	var last string
	if n > 0 {
		last = c.history.Translations[n-1].Text
	}
	c.snapMu.RUnlock()

	if n == 0 {
		return ErrNothingToReplay
	}
	c.deps.Speaker.Speak(last, c.target)
	return nil
}

func (c *Coordinator) setLanguages(primary, target string) error {
	p, err := canonicalTag(primary, c.primary)
	if err != nil {
		return err
	}
	t, err := canonicalTag(target, c.target)
	if err != nil {
		return err
	}

	changed := p != c.primary
	c.primary, c.target = p, t
	c.logger.Infow("languages changed", "primary", p, "target", t)

	if changed && c.phase == domain.PhaseListeningForWake {
		c.stopListener()
		c.armListener(domain.TriggerBegin)
	}
	return nil
}

// stopSession releases everything a session holds and returns to idle.
func (c *Coordinator) stopSession() {
	if c.phase == domain.PhaseIdle && c.pendingStart == nil {
		return
	}

	c.gen++
	c.arm++
	c.rec++
	c.deps.Recorder.Disarm()
	c.stopListener()
	if c.pump != nil {
		c.pump.close()
		c.pump = nil
	}
	if c.capture != nil {
		if err := c.capture.Stop(); err != nil {
			c.logger.Warnw("failed to release microphone cleanly", "session_id", c.sessionID, "error", err)
		}
		c.capture = nil
	}
	if c.sessionCancel != nil {
		c.sessionCancel()
		c.sessionCancel = nil
	}
	if c.pendingStart != nil {
		c.respond(c.pendingStart, ErrStartCancelled)
		c.pendingStart = nil
	}

	if c.phase != domain.PhaseIdle {
		c.logger.Infow("session stopped", "session_id", c.sessionID)
	}
	c.phase = domain.PhaseIdle
}

func (c *Coordinator) shutdown() {
	c.stopSession()
	if err := c.deps.Channel.Close(); err != nil {
		c.logger.Warnw("failed to close backend channel", "error", err)
	}
	c.connection = domain.ConnectionClosed
	c.cancel()
	c.publish()
}

func (c *Coordinator) respond(ch chan error, err error) {
	c.replies = append(c.replies, reply{ch: ch, err: err})
}

func (c *Coordinator) flushReplies() {
	for _, r := range c.replies {
		r.ch <- r.err
	}
	c.replies = c.replies[:0]
}

func (c *Coordinator) setError(code domain.ErrorCode, message string) {
	c.errCode, c.errMsg = code, message
	c.deps.Events.SessionError(code, message)
}

func (c *Coordinator) setErrorFrom(err error, fallback domain.ErrorCode) {
	code, ok := domain.CodeOf(err)
	if !ok {
		code = fallback
	}
	c.setError(code, err.Error())
}

func (c *Coordinator) clearError() {
	c.errCode, c.errMsg = "", ""
}

func (c *Coordinator) buildStatus() domain.Status {
	return domain.Status{
		Phase:           c.phase,
		Listening:       c.phase == domain.PhaseListeningForWake,
		Recording:       c.phase == domain.PhaseRecording,
		Connection:      c.connection,
		Connected:       c.connection == domain.ConnectionOpen,
		ErrorCode:       c.errCode,
		Error:           c.errMsg,
		PrimaryLanguage: c.primary,
		TargetLanguage:  c.target,
		CanReplay:       len(c.history.Translations) > 0,
	}
}

func (c *Coordinator) publish() {
	c.snapMu.Lock()
	status := c.buildStatus()
	changed := status != c.status
	c.status = status
	c.snapMu.Unlock()

	if changed {
		c.deps.Events.StatusChanged(status)
	}
}

func canonicalTag(tag, fallback string) (string, error) {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		tag = fallback
	}
	parsed, err := language.Parse(tag)
	if err != nil {
		return "", fmt.Errorf("invalid language tag %q: %w", tag, err)
	}
	return parsed.String(), nil
}

type silentSpeaker struct{}

func (silentSpeaker) Speak(string, string) {}

type discardSink struct{}

func (discardSink) StatusChanged(domain.Status) {}
func (discardSink) ConnectionChanged(domain.ConnectionState) {}
func (discardSink) UtteranceAdded(domain.UtterancePair) {}
func (discardSink) PartialTranscript(string) {}
func (discardSink) SessionError(domain.ErrorCode, string) {}
