package usecase

import (
	"errors"
	"io"
	"sync"

	"go.uber.org/zap"

	"wakelingo/internal/ports"
)

var errPumpClosed = errors.New("audio capture has ended")

const subscriberBuffer = 64

// audioPump reads one capture session and fans its frames out to whichever
// components are currently subscribed. A lagging subscriber loses frames
// instead of stalling the others. It is the ports.AudioSource handed to the
// trigger listener and the recorder.
type audioPump struct {
	session   ports.AudioSession
	chunkSize int
	logger    *zap.SugaredLogger

	mu     sync.Mutex
	subs   map[*pumpSubscription]struct{}
	closed bool
	done   chan struct{}
}

func newAudioPump(session ports.AudioSession, chunkSize int, logger *zap.SugaredLogger) *audioPump {
	if chunkSize < 256 {
		chunkSize = 3200
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &audioPump{
		session:   session,
		chunkSize: chunkSize,
		logger:    logger,
		subs:      make(map[*pumpSubscription]struct{}),
		done:      make(chan struct{}),
	}
}

// run reads until the session ends. A read failure other than EOF is passed
// to onError unless the pump was closed first.
func (p *audioPump) run(onError func(error)) {
	defer p.close()

	buf := make([]byte, p.chunkSize)
	for {
		n, err := p.session.Read(buf)
		if n > 0 {
			p.publish(buf[:n])
		}
		if err == nil {
			continue
		}
		if !errors.Is(err, io.EOF) && !p.isClosed() && onError != nil {
			onError(err)
		}
		return
	}
}

func (p *audioPump) Subscribe(name string) (ports.AudioSubscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errPumpClosed
	}
	sub := &pumpSubscription{pump: p, name: name, frames: make(chan []byte, subscriberBuffer)}
	p.subs[sub] = struct{}{}
	return sub, nil
}

// close detaches every subscriber. The session itself is released by its owner.
func (p *audioPump) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for sub := range p.subs {
		delete(p.subs, sub)
		close(sub.frames)
	}
	close(p.done)
}

func (p *audioPump) publish(frame []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for sub := range p.subs {
		select {
		case sub.frames <- append([]byte(nil), frame...):
		default:
			sub.dropped++
			if sub.dropped == 1 || sub.dropped%100 == 0 {
				p.logger.Debugw("audio subscriber lagging, frame dropped", "subscriber", sub.name, "dropped", sub.dropped)
			}
		}
	}
}

func (p *audioPump) unsubscribe(sub *pumpSubscription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.subs[sub]; ok {
		delete(p.subs, sub)
		close(sub.frames)
	}
}

func (p *audioPump) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type pumpSubscription struct {
	pump    *audioPump
	name    string
	frames  chan []byte
	dropped int
}

func (s *pumpSubscription) Frames() <-chan []byte { return s.frames }

func (s *pumpSubscription) Close() { s.pump.unsubscribe(s) }
