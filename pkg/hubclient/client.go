// Package hubclient is a WebSocket client for the relay hub that reconnects
// with capped exponential backoff.
package hubclient

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/amurg-ai/relay/pkg/protocol"
)

var (
	// ErrNotConnected is returned by Send while the client is not Connected.
	// Nothing is queued.
	ErrNotConnected = errors.New("not connected")
	// ErrClosed is returned by Send after Close.
	ErrClosed = errors.New("client closed")
)

const (
	DefaultBaseDelay = 1 * time.Second
	DefaultMaxDelay  = 30 * time.Second

	writeWait = 10 * time.Second
	// maxAttempt bounds the attempt counter; the delay is capped long before.
	maxAttempt = 62
)

// State is the connection state of a Client.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// ReconnectDelay returns min(max, base * 2^attempt).
func ReconnectDelay(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		if d >= max/2 {
			return max
		}
		d *= 2
	}
	if d > max {
		return max
	}
	return d
}

// Options configures a Client.
type Options struct {
	URL        string // hub WebSocket endpoint, e.g. wss://hub.example.com/ws
	Role       string
	OrgID      string
	Credential string // raw device token or dashboard token

	BaseDelay        time.Duration
	MaxDelay         time.Duration
	HandshakeTimeout time.Duration
	TLSSkipVerify    bool

	// Handler receives every inbound envelope after hub_hello. It runs on
	// the read goroutine.
	Handler func(protocol.Envelope)
	// OnStateChange is called after every state transition.
	OnStateChange func(State)

	Logger *slog.Logger
}

// Client maintains one connection to the hub.
type Client struct {
	opts   Options
	target string
	header http.Header
	dialer websocket.Dialer
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	state   State
	conn    *websocket.Conn
	attempt int
	timer   *time.Timer
	started bool
	closed  bool
	connID  string

	writeMu sync.Mutex
}

// New validates opts and returns an idle client. Call Start or Run to
// connect.
func New(opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, errors.New("hub url is required")
	}
	if !protocol.ValidRole(opts.Role) {
		return nil, fmt.Errorf("invalid role %q", opts.Role)
	}
	if opts.OrgID == "" || opts.Credential == "" {
		return nil, errors.New("org id and credential are required")
	}
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse hub url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("hub url must use ws or wss, got %q", u.Scheme)
	}
	q := u.Query()
	q.Set("role", opts.Role)
	q.Set("org", opts.OrgID)
	u.RawQuery = q.Encode()

	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultMaxDelay
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	dialer := websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout}
	if opts.TLSSkipVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		opts:   opts,
		target: u.String(),
		header: http.Header{"Authorization": {"Bearer " + opts.Credential}},
		dialer: dialer,
		logger: opts.Logger.With("component", "hub-client"),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}, nil
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConnID returns the id the hub assigned to the current connection.
func (c *Client) ConnID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

// Done is closed when the client is closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Start begins connecting in the background. It is a no-op after the first
// call or after Close.
func (c *Client) Start() {
	c.mu.Lock()
	if c.started || c.closed {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()
	go c.connect()
}

// Run starts the client and blocks until ctx is done or Close is called.
func (c *Client) Run(ctx context.Context) error {
	c.Start()
	select {
	case <-ctx.Done():
		_ = c.Close()
		return ctx.Err()
	case <-c.done:
		return nil
	}
}

// Close disconnects, cancels any pending reconnect and suppresses further
// attempts. It is idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	conn := c.conn
	c.conn = nil
	changed := c.state != Disconnected
	c.state = Disconnected
	c.mu.Unlock()

	c.cancel()
	var err error
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = conn.Close()
	}
	close(c.done)
	if changed {
		c.notify(Disconnected)
	}
	return err
}

// Send marshals payload into a new envelope with a fresh correlation id and
// writes it. It fails with ErrNotConnected instead of queueing.
func (c *Client) Send(msgType string, payload any) (string, error) {
	id := uuid.New().String()
	return id, c.SendWithID(msgType, id, payload)
}

// SendWithID is Send with a caller-chosen correlation id, used to answer a
// request with the id it carried.
func (c *Client) SendWithID(msgType, id string, payload any) error {
	env, err := protocol.NewEnvelope(msgType, id, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	conn := c.conn
	if c.state != Connected || conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

func (c *Client) notify(s State) {
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(s)
	}
}

// setState transitions unless the client has been closed.
func (c *Client) setState(s State) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed {
		c.notify(s)
	}
	return true
}

// connect makes one attempt and schedules the next one when it ends.
func (c *Client) connect() {
	c.mu.Lock()
	c.timer = nil
	c.mu.Unlock()

	if !c.setState(Connecting) {
		return
	}

	conn, resp, err := c.dialer.DialContext(c.ctx, c.target, c.header)
	if err != nil {
		if resp != nil {
			c.logger.Warn("hub rejected connection", "status", resp.StatusCode)
		} else {
			c.logger.Warn("connection failed", "error", err)
		}
		c.disconnected()
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.mu.Unlock()

	c.readLoop(conn)
	conn.Close()
	c.disconnected()
}

func (c *Client) readLoop(conn *websocket.Conn) {
	helloSeen := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.logger.Debug("read failed", "error", err)
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("invalid message from hub", "error", err)
			continue
		}

		if env.Type == protocol.TypeHubHello {
			// Only the first hello on a socket is the handshake.
			if helloSeen {
				c.logger.Warn("ignoring repeated hub_hello")
				continue
			}
			helloSeen = true
			c.admitted(env)
			continue
		}
		if c.State() != Connected {
			c.logger.Debug("ignoring frame before hub_hello", "type", env.Type)
			continue
		}
		if c.opts.Handler != nil {
			c.opts.Handler(env)
		}
	}
}

// admitted is the Connected transition. The backoff resets here.
func (c *Client) admitted(env protocol.Envelope) {
	var hello protocol.HubHello
	_ = env.Decode(&hello)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.attempt = 0
	c.connID = hello.ConnID
	changed := c.state != Connected
	c.state = Connected
	c.mu.Unlock()

	c.logger.Info("connected to hub", "url", c.opts.URL, "conn_id", hello.ConnID)
	if changed {
		c.notify(Connected)
	}
}

// disconnected is the transition into Disconnected after an attempt. It
// schedules the next attempt unless the client was closed.
func (c *Client) disconnected() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.connID = ""
	changed := c.state != Disconnected
	c.state = Disconnected
	delay := ReconnectDelay(c.attempt, c.opts.BaseDelay, c.opts.MaxDelay)
	if c.attempt < maxAttempt {
		c.attempt++
	}
	c.timer = time.AfterFunc(delay, c.connect)
	c.mu.Unlock()

	c.logger.Info("reconnecting", "delay", delay)
	if changed {
		c.notify(Disconnected)
	}
}
