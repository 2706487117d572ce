// Package client implements a reconnecting subscription to one
// collaboration room. The subscription outlives any single physical
// connection: on an unexpected close it replays an exponential backoff
// with jitter, re-dials, and resumes dispatching to the same registered
// handlers without duplicating them.
package client

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/planhub/collab/internal/protocol"
)

// State is the reconnect state machine position.
type State int32

const (
	StateDisconnected State = iota
	StateBackoff
	StateConnecting
	StateActive
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateBackoff:
		return "backoff"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

// Handler consumes one envelope delivered to the subscribed room.
type Handler func(protocol.Envelope)

// Options configures a Client.
type Options struct {
	// BaseURL is the server root, e.g. "ws://localhost:8080".
	BaseURL string
	// Surface selects the endpoint: chat, project, or notifications.
	Surface string
	// Room is the room identifier within the surface.
	Room string
	// Token is the bearer credential appended as the token query param.
	Token string

	Backoff BackoffPolicy
	// RateLimitedFloor is the minimum delay after a 4429 close. Defaults
	// to 5s.
	RateLimitedFloor time.Duration
	// QueueSize bounds the offline send queue; the oldest entry is
	// dropped on overflow. Defaults to 64.
	QueueSize int

	Dialer *websocket.Dialer
	// OnAuthError is called when the server closes with 4401. The client
	// stops reconnecting; the credential must be refreshed first.
	OnAuthError func(error)
	// OnStateChange observes state machine transitions.
	OnStateChange func(State)
	Logger        *slog.Logger
}

// Client maintains a logical room subscription across physical connection
// drops.
type Client struct {
	opts Options
	url  string

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	handlers map[string]Handler
	queue    [][]byte
	attempt  int
	floor    time.Duration
	closed   bool

	writeMu sync.Mutex

	rng      *rand.Rand
	stop     chan struct{}
	stopOnce sync.Once
	runOnce  sync.Once
	running  bool
	finished chan struct{}

	logger *slog.Logger

	// newTimer is swapped in tests to drive backoff without real waits.
	newTimer func(time.Duration) <-chan time.Time
	dial     func(string) (*websocket.Conn, error)
}

// New validates options and builds a client. The subscription is not
// dialed until Connect.
func New(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.BaseURL) == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if _, ok := protocol.KindForSurface(opts.Surface); !ok {
		return nil, fmt.Errorf("unknown surface %q", opts.Surface)
	}
	if strings.TrimSpace(opts.Room) == "" {
		return nil, fmt.Errorf("room is required")
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.RateLimitedFloor <= 0 {
		opts.RateLimitedFloor = 5 * time.Second
	}
	opts.Backoff = opts.Backoff.sanitized()
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	c := &Client{
		opts:     opts,
		url:      buildURL(opts),
		handlers: make(map[string]Handler),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		stop:     make(chan struct{}),
		finished: make(chan struct{}),
		logger:   opts.Logger.With("room", opts.Room),
		newTimer: func(d time.Duration) <-chan time.Time { return time.After(d) },
	}
	c.dial = func(target string) (*websocket.Conn, error) {
		conn, _, err := dialer.Dial(target, nil)
		return conn, err
	}
	return c, nil
}

func buildURL(opts Options) string {
	base := strings.TrimRight(opts.BaseURL, "/")
	return fmt.Sprintf("%s/ws/%s/%s/?token=%s", base, opts.Surface, opts.Room, url.QueryEscape(opts.Token))
}

// Connect starts the subscription loop. It returns immediately; handlers
// fire from the loop's goroutine.
func (c *Client) Connect() {
	c.runOnce.Do(func() {
		c.mu.Lock()
		c.running = true
		c.mu.Unlock()
		go c.run()
	})
}

// State returns the current state machine position.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// AddHandler registers a named handler. Registration is idempotent: adding
// the same name again replaces the previous handler, so re-subscribing
// after a reconnect never duplicates delivery.
func (c *Client) AddHandler(name string, fn Handler) {
	c.mu.Lock()
	c.handlers[name] = fn
	c.mu.Unlock()
}

// RemoveHandler deregisters a named handler. Removing an unknown name is a
// no-op.
func (c *Client) RemoveHandler(name string) {
	c.mu.Lock()
	delete(c.handlers, name)
	c.mu.Unlock()
}

// Send delivers one envelope to the server. While disconnected the
// envelope is queued (bounded, oldest dropped) and flushed in order once
// the connection is active again.
func (c *Client) Send(env protocol.Envelope) error {
	raw, err := env.Encode()
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("client is closed")
	}
	if c.state != StateActive || c.conn == nil {
		if len(c.queue) >= c.opts.QueueSize {
			c.queue = c.queue[1:]
		}
		c.queue = append(c.queue, raw)
		c.mu.Unlock()
		return nil
	}
	conn := c.conn
	c.mu.Unlock()

	return c.write(conn, raw)
}

func (c *Client) write(conn *websocket.Conn, raw []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Close performs an operator-initiated shutdown: the server sees a clean
// 1000 close and no reconnect is scheduled.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	started := c.running
	c.mu.Unlock()

	c.stopOnce.Do(func() { close(c.stop) })

	if conn != nil {
		deadline := time.Now().Add(time.Second)
		message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, message, deadline)
		_ = conn.Close()
	}
	if started {
		<-c.finished
	}
	return nil
}

func (c *Client) setState(next State) {
	c.mu.Lock()
	changed := c.state != next
	c.state = next
	c.mu.Unlock()
	if changed && c.opts.OnStateChange != nil {
		c.opts.OnStateChange(next)
	}
}

// run drives the state machine: connecting -> active -> (close observed)
// -> backoff -> connecting, until a clean stop.
func (c *Client) run() {
	defer close(c.finished)
	defer c.setState(StateDisconnected)

	for {
		select {
		case <-c.stop:
			return
		default:
		}

		c.setState(StateConnecting)
		conn, err := c.dial(c.url)
		if err != nil {
			c.logger.Debug("dial failed", "error", err)
			if !c.waitBackoff() {
				return
			}
			continue
		}

		c.attach(conn)
		code := c.readLoop(conn)
		c.detach(conn)

		select {
		case <-c.stop:
			return
		default:
		}

		switch code {
		case websocket.CloseNormalClosure:
			// Operator-initiated close on the server side; stay down.
			return
		case protocol.CloseAuthFailed:
			err := errors.New("server rejected credential")
			c.logger.Warn("authentication failed; not reconnecting")
			if c.opts.OnAuthError != nil {
				c.opts.OnAuthError(err)
			}
			return
		case protocol.CloseRateLimited:
			c.mu.Lock()
			c.floor = c.opts.RateLimitedFloor
			c.mu.Unlock()
		}

		if !c.waitBackoff() {
			return
		}
	}
}

// attach installs the live connection, resets the backoff, and flushes the
// offline queue. The active state is published only once the queue has
// drained, so a Send racing the activation queues behind the flush and can
// never overtake frames accepted earlier.
func (c *Client) attach(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.attempt = 0
	c.floor = 0
	queued := len(c.queue)
	c.mu.Unlock()

	c.logger.Debug("connection established", "queued", queued)

	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			changed := c.state != StateActive
			c.state = StateActive
			c.mu.Unlock()
			if changed && c.opts.OnStateChange != nil {
				c.opts.OnStateChange(StateActive)
			}
			return
		}
		raw := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()

		if err := c.write(conn, raw); err != nil {
			c.logger.Warn("flushing queued frame", "error", err)
			return
		}
	}
}

func (c *Client) detach(conn *websocket.Conn) {
	_ = conn.Close()
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
}

// readLoop dispatches inbound envelopes until the connection dies,
// returning the observed close code (-1 when none was received).
func (c *Client) readLoop(conn *websocket.Conn) int {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return closeErr.Code
			}
			c.logger.Debug("read failed", "error", err)
			return -1
		}

		env, err := protocol.Decode(raw)
		if err != nil {
			c.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env protocol.Envelope) {
	c.mu.Lock()
	handlers := make([]Handler, 0, len(c.handlers))
	for _, fn := range c.handlers {
		handlers = append(handlers, fn)
	}
	c.mu.Unlock()

	for _, fn := range handlers {
		fn(env)
	}
}

// waitBackoff sleeps out the next backoff delay. Returns false when the
// client was stopped while waiting.
func (c *Client) waitBackoff() bool {
	c.mu.Lock()
	delay := c.opts.Backoff.delay(c.attempt, c.rng)
	if delay < c.floor {
		delay = c.floor
	}
	c.attempt++
	c.mu.Unlock()

	c.setState(StateBackoff)
	c.logger.Debug("reconnect scheduled", "delay", delay)

	select {
	case <-c.newTimer(delay):
		return true
	case <-c.stop:
		return false
	}
}
