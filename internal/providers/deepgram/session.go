package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"wakelingo/internal/domain"
)

var errSendClosed = errors.New("recognizer audio stream is closed")

var (
	closeStreamMessage = []byte(`{"type":"CloseStream"}`)
	keepAliveMessage   = []byte(`{"type":"KeepAlive"}`)
)

// session is one live recognition stream. Audio goes out through a single
// writer goroutine; results come back through a single reader goroutine.
type session struct {
	conn      *websocket.Conn
	keepAlive time.Duration
	logger    *zap.SugaredLogger

	events   chan domain.TranscriptEvent
	audio    chan []byte
	readDone chan struct{}
	done     chan struct{}

	wg sync.WaitGroup

	errMu sync.Mutex
	err   error

	sendMu     sync.RWMutex
	sendClosed bool

	closeSendOnce sync.Once
	closeOnce     sync.Once
}

func startSession(ctx context.Context, conn *websocket.Conn, keepAlive time.Duration, logger *zap.SugaredLogger) *session {
	s := &session{
		conn:      conn,
		keepAlive: keepAlive,
		logger:    logger,
		events:    make(chan domain.TranscriptEvent, 64),
		audio:     make(chan []byte, 32),
		readDone:  make(chan struct{}),
		done:      make(chan struct{}),
	}

	s.wg.Add(2)
	go s.readLoop()
	go s.writeLoop()
	go func() {
		s.wg.Wait()
		close(s.events)
		close(s.done)
		_ = conn.Close()
		logger.Debugw("recognizer stream closed", "error", s.waitErr())
	}()
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.done:
		}
	}()
	return s
}

func (s *session) SendAudio(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}

	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.sendClosed {
		return errSendClosed
	}

	select {
	case s.audio <- append([]byte(nil), chunk...):
		return nil
	case <-s.done:
		if err := s.waitErr(); err != nil {
			return err
		}
		return errSendClosed
	}
}

// CloseSend asks the server to flush final results and end the stream.
func (s *session) CloseSend() error {
	s.closeSendOnce.Do(func() {
		s.sendMu.Lock()
		s.sendClosed = true
		close(s.audio)
		s.sendMu.Unlock()
	})
	return nil
}

func (s *session) Events() <-chan domain.TranscriptEvent {
	return s.events
}

func (s *session) Wait() error {
	<-s.done
	return s.waitErr()
}

func (s *session) Close() error {
	s.closeOnce.Do(func() {
		// Closing the socket first unblocks a writer stuck on a full audio queue.
		_ = s.conn.Close()
		_ = s.CloseSend()
	})
	<-s.done
	return s.waitErr()
}

func (s *session) waitErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// fail records the first real failure. Normal closes are not failures.
func (s *session) fail(err error) {
	if err == nil || errors.Is(err, net.ErrClosed) {
		return
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) && websocket.IsCloseError(closeErr, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return
	}

	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *session) writeLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()
	idle := false

	for {
		select {
		case chunk, ok := <-s.audio:
			if !ok {
				if err := s.conn.WriteMessage(websocket.TextMessage, closeStreamMessage); err != nil {
					s.fail(fmt.Errorf("close recognizer stream: %w", err))
				}
				return
			}
			idle = false
			if err := s.conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
				s.fail(fmt.Errorf("send audio: %w", err))
				return
			}
		case <-ticker.C:
			if !idle {
				idle = true
				continue
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, keepAliveMessage); err != nil {
				s.fail(fmt.Errorf("send keepalive: %w", err))
				return
			}
		case <-s.readDone:
			return
		}
	}
}

func (s *session) readLoop() {
	defer s.wg.Done()
	defer close(s.readDone)

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			s.fail(fmt.Errorf("read recognizer event: %w", err))
			return
		}

		var msg response
		if err := json.Unmarshal(payload, &msg); err != nil {
			s.logger.Debugw("skipping undecodable recognizer message", "error", err)
			continue
		}
		if err := msg.failure(); err != nil {
			s.fail(err)
			return
		}
		if event, ok := msg.event(); ok {
			s.emit(event)
		}
	}
}

// emit never blocks; a listener that falls behind loses interim results,
// which later results supersede anyway.
func (s *session) emit(event domain.TranscriptEvent) {
	select {
	case s.events <- event:
	default:
		s.logger.Debugw("recognizer event dropped", "kind", event.Kind)
	}
}
