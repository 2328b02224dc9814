package playback

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"
)

const queueSize = 16

// Synthesizer renders text in a language as WAV audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, tag string) ([]byte, error)
}

// Player plays one WAV clip to completion.
type Player interface {
	Play(ctx context.Context, wav []byte) error
}

type utterance struct {
	text string
	tag  string
}

// Speaker queues utterances and plays them one at a time. Failures are
// logged and never reach the caller. It implements ports.Speaker.
type Speaker struct {
	synth  Synthesizer
	player Player
	logger *zap.SugaredLogger

	queue  chan utterance
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once
}

// NewSpeaker starts the playback worker.
func NewSpeaker(synth Synthesizer, player Player, logger *zap.SugaredLogger) *Speaker {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Speaker{
		synth:  synth,
		player: player,
		logger: logger,
		queue:  make(chan utterance, queueSize),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// Speak queues text for playback in the language given by tag.
func (s *Speaker) Speak(text string, tag string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	select {
	case <-s.ctx.Done():
	case s.queue <- utterance{text: text, tag: tag}:
	default:
		s.logger.Warnw("playback queue full, utterance dropped", "language", tag)
	}
}

// Close abandons queued utterances, stops the current clip and waits for the
// worker to exit.
func (s *Speaker) Close() {
	s.closeOnce.Do(s.cancel)
	<-s.done
}

func (s *Speaker) run() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case u := <-s.queue:
			s.play(u)
		}
	}
}

func (s *Speaker) play(u utterance) {
	wav, err := s.synth.Synthesize(s.ctx, u.text, u.tag)
	if err != nil {
		if s.ctx.Err() == nil {
			s.logger.Errorw("speech synthesis failed", "error", err, "language", u.tag)
		}
		return
	}
	if err := s.player.Play(s.ctx, wav); err != nil && s.ctx.Err() == nil {
		s.logger.Errorw("audio playback failed", "error", err, "language", u.tag)
	}
}

// Muted is the Speaker used when playback is disabled.
type Muted struct{}

func (Muted) Speak(string, string) {}
