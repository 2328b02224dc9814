package channel

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
	"wakelingo/internal/ports"
)

var (
	// ErrClosed is returned by Connect after Close.
	ErrClosed = errors.New("channel is closed")
	// ErrAlreadyConnected is returned by a second Connect.
	ErrAlreadyConnected = errors.New("channel is already connected")
)

const (
	defaultReconnectDelay = 5 * time.Second
	outboundBuffer        = 64
	writeTimeout          = 5 * time.Second
)

// Config controls the backend connection.
type Config struct {
	Endpoint       string
	ReconnectDelay time.Duration
}

// scheduleFunc runs f after d and returns a func that cancels it.
type scheduleFunc func(d time.Duration, f func()) (cancel func() bool)

func afterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// Channel keeps one websocket to the translation backend open for the
// lifetime of the session, redialing after a fixed delay whenever it drops.
// It implements ports.Channel.
type Channel struct {
	endpoint string
	delay    time.Duration
	dialer   *websocket.Dialer
	schedule scheduleFunc
	logger   *zap.SugaredLogger

	mu          sync.Mutex
	ctx         context.Context
	handlers    ports.ChannelHandlers
	state       domain.ConnectionState
	link        *link
	started     bool
	closed      bool
	closedCh    chan struct{}
	cancelRetry func() bool
}

// link is one established socket and its writer.
type link struct {
	conn     *websocket.Conn
	outbound chan []byte
	done     chan struct{}
}

func New(cfg Config, logger *zap.SugaredLogger) *Channel {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Channel{
		endpoint: cfg.Endpoint,
		delay:    cfg.ReconnectDelay,
		dialer:   websocket.DefaultDialer,
		schedule: afterFunc,
		logger:   logger.With("endpoint", cfg.Endpoint),
		state:    domain.ConnectionClosed,
		closedCh: make(chan struct{}),
	}
}

// Connect starts the connection in the background. Handlers are invoked in
// arrival order from the channel's connection goroutine.
func (c *Channel) Connect(ctx context.Context, handlers ports.ChannelHandlers) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.started {
		return ErrAlreadyConnected
	}
	c.started = true
	c.ctx = ctx
	c.handlers = handlers

	go c.run()
	go func() {
		select {
		case <-ctx.Done():
			_ = c.Close()
		case <-c.closedCh:
		}
	}()
	return nil
}

// Send enqueues payload as one binary message. It returns false, dropping the
// payload, unless the channel is open.
func (c *Channel) Send(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != domain.ConnectionOpen || c.link == nil {
		return false
	}
	select {
	case c.link.outbound <- payload:
		return true
	default:
		c.logger.Debugw("outbound queue full, message dropped", "bytes", len(payload))
		return false
	}
}

// State returns the current connection state.
func (c *Channel) State() domain.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close tears down the socket and cancels a pending reconnect. No further
// reconnection or callback happens afterwards.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.closedCh)
	if c.cancelRetry != nil {
		c.cancelRetry()
		c.cancelRetry = nil
	}
	l := c.link
	c.link = nil
	c.state = domain.ConnectionClosed
	c.mu.Unlock()

	if l == nil {
		return nil
	}
	_ = l.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return l.conn.Close()
}

func (c *Channel) run() {
	if !c.transition(domain.ConnectionConnecting) {
		return
	}

	conn, _, err := c.dialer.DialContext(c.ctx, c.endpoint, nil)
	if err != nil {
		c.logger.Warnw("backend connection failed", "error", err, "retry_in", c.delay)
		c.notifyError(domain.NewError(domain.ErrorCodeChannel, fmt.Errorf("connect to backend: %w", err)))
		c.transition(domain.ConnectionClosed)
		c.retry()
		return
	}

	l := &link{conn: conn, outbound: make(chan []byte, outboundBuffer), done: make(chan struct{})}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.link = l
	c.mu.Unlock()

	go c.writeLoop(l)
	c.logger.Infow("backend connection open")
	c.transition(domain.ConnectionOpen)

	err = c.readLoop(l)

	c.mu.Lock()
	if c.link == l {
		c.link = nil
	}
	c.mu.Unlock()
	close(l.done)
	_ = conn.Close()

	if err != nil {
		c.logger.Warnw("backend connection lost", "error", err, "retry_in", c.delay)
		c.notifyError(domain.NewError(domain.ErrorCodeChannel, fmt.Errorf("backend connection lost: %w", err)))
	} else {
		c.logger.Infow("backend connection closed", "retry_in", c.delay)
	}
	c.transition(domain.ConnectionClosed)
	c.retry()
}

func (c *Channel) readLoop(l *link) error {
	for {
		kind, payload, err := l.conn.ReadMessage()
		if err != nil {
			if c.isClosed() || errors.Is(err, net.ErrClosed) ||
				websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		if kind != websocket.TextMessage {
			c.logger.Debugw("ignoring non-text backend message", "bytes", len(payload))
			continue
		}

		var result domain.TranslationResult
		if err := json.Unmarshal(payload, &result); err != nil {
			c.notifyError(domain.NewError(domain.ErrorCodePayload, fmt.Errorf("decode backend message: %w", err)))
			continue
		}
		c.notifyMessage(result)
	}
}

func (c *Channel) writeLoop(l *link) {
	for {
		select {
		case <-l.done:
			return
		case payload := <-l.outbound:
			_ = l.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := l.conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
				c.logger.Debugw("backend write failed", "error", err)
				_ = l.conn.Close()
				return
			}
		}
	}
}

func (c *Channel) retry() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.ctx.Err() != nil {
		return
	}
	c.cancelRetry = c.schedule(c.delay, c.run)
}

// transition records state and reports it. It returns false once closed.
func (c *Channel) transition(state domain.ConnectionState) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.state = state
	onState := c.handlers.OnState
	c.mu.Unlock()

	if onState != nil {
		onState(state)
	}
	return true
}

func (c *Channel) notifyMessage(result domain.TranslationResult) {
	c.mu.Lock()
	onMessage := c.handlers.OnMessage
	closed := c.closed
	c.mu.Unlock()
	if onMessage != nil && !closed {
		onMessage(result)
	}
}

func (c *Channel) notifyError(err error) {
	c.mu.Lock()
	onError := c.handlers.OnError
	closed := c.closed
	c.mu.Unlock()
	if onError != nil && !closed {
		onError(err)
	}
}

func (c *Channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
