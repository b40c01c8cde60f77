package chatsync

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Connection State
// ============================================================================

// ConnState is the connection manager's state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
	StateClosed       ConnState = "closed"
)

// StatusUnmount is the close code of a caller-initiated shutdown. A close
// carrying it never schedules a reconnect.
const StatusUnmount = int(websocket.StatusNormalClosure)

// ============================================================================
// Transport
// ============================================================================

// Conn is one open realtime connection.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(code int, reason string) error
}

// DialFunc opens a Conn to url.
type DialFunc func(ctx context.Context, url string) (Conn, error)

// NewWSDialer returns a DialFunc backed by nhooyr.io/websocket. httpClient may
// be nil; if set it must not carry a Timeout, use the dial context instead.
func NewWSDialer(httpClient *http.Client, readLimit int64) DialFunc {
	return func(ctx context.Context, u string) (Conn, error) {
		var opts *websocket.DialOptions
		if httpClient != nil {
			opts = &websocket.DialOptions{HTTPClient: httpClient}
		}
		c, _, err := websocket.Dial(ctx, u, opts)
		if err != nil {
			return nil, err
		}
		if readLimit > 0 {
			c.SetReadLimit(readLimit)
		}
		return &wsConn{c: c}, nil
	}
}

type wsConn struct {
	c *websocket.Conn
}

func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	return data, err
}

func (w *wsConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Close(code int, reason string) error {
	return w.c.Close(websocket.StatusCode(code), reason)
}

// closeCode extracts the close status from a read error, or -1 when the
// connection dropped without a close frame.
func closeCode(err error) int {
	return int(websocket.CloseStatus(err))
}

// WSURL derives the realtime endpoint from the REST base URL.
func WSURL(baseURL, token string) string {
	u := strings.TrimRight(baseURL, "/")
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/ws?token=" + url.QueryEscape(token)
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
}

func newReconnector(cfg *Config) *reconnector {
	return &reconnector{
		baseDelay:   cfg.ReconnectBaseDelay,
		maxDelay:    cfg.ReconnectMaxDelay,
		maxAttempts: cfg.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

// nextDelay returns min(base*2^attempt, max) and advances the attempt count.
func (r *reconnector) nextDelay() time.Duration {
	delay := math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt)),
		float64(r.maxDelay),
	)
	r.attempt++
	return time.Duration(delay)
}

func (r *reconnector) reset() {
	r.attempt = 0
}

// scheduleFunc runs f after d and returns a function that cancels it.
type scheduleFunc func(d time.Duration, f func()) (stop func() bool)

func afterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// ============================================================================
// Manager
// ============================================================================

// Manager owns the single realtime connection of one session token. It
// answers heartbeats, forwards frames to a Router and reconnects with
// exponential backoff after abnormal closes.
type Manager struct {
	url         string
	dial        DialFunc
	router      *Router
	log         zerolog.Logger
	schedule    scheduleFunc
	dialTimeout time.Duration

	mu        sync.Mutex
	state     ConnState
	conn      Conn
	cancel    context.CancelFunc
	recon     *reconnector
	stopTimer func() bool
	closed    bool
	listeners []func(ConnState)
}

// NewManager creates a manager in the disconnected state. Nothing is dialed
// until Connect.
func NewManager(wsURL string, dial DialFunc, router *Router, cfg *Config, log zerolog.Logger) *Manager {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.defaults()
	if dial == nil {
		dial = NewWSDialer(nil, cfg.ReadLimit)
	}
	return &Manager{
		url:         wsURL,
		dial:        dial,
		router:      router,
		log:         log.With().Str("component", "transport").Logger(),
		schedule:    afterFunc,
		dialTimeout: cfg.DialTimeout,
		state:       StateDisconnected,
		recon:       newReconnector(cfg),
	}
}

// OnStateChange registers fn to be called after every state transition.
func (m *Manager) OnStateChange(fn func(ConnState)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// State returns the current connection state.
func (m *Manager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsConnected reports whether frames can currently be sent.
func (m *Manager) IsConnected() bool {
	return m.State() == StateConnected
}

// Connect opens the connection. It is a no-op while a connection is open or
// being opened. A dial failure schedules a reconnect like an abnormal close
// and is also returned. A closed Manager cannot be reopened; Connect returns
// ErrSessionClosed.
func (m *Manager) Connect(ctx context.Context) error {
	return m.connect(ctx, false)
}

// connect checks the closed flag and moves to StateConnecting under one lock
// hold, so a Close that lands before it wins and no dial happens. A timer
// driven attempt also gives up if the manager left StateReconnecting.
func (m *Manager) connect(ctx context.Context, fromTimer bool) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrSessionClosed
	}
	if fromTimer && m.state != StateReconnecting {
		m.mu.Unlock()
		return nil
	}
	if m.state == StateConnected || m.state == StateConnecting {
		m.mu.Unlock()
		return nil
	}
	if m.stopTimer != nil {
		m.stopTimer()
		m.stopTimer = nil
	}
	notify := m.transition(StateConnecting)
	m.mu.Unlock()
	notify()

	conn, err := m.dial(ctx, m.url)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		if conn != nil {
			conn.Close(StatusUnmount, "closed while connecting")
		}
		return ErrSessionClosed
	}
	if err != nil {
		notify = m.scheduleReconnectLocked()
		m.mu.Unlock()
		notify()
		m.log.Warn().Err(err).Msg("connect failed")
		return fmt.Errorf("dial realtime: %w", err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	m.conn = conn
	m.cancel = cancel
	m.recon.reset()
	notify = m.transition(StateConnected)
	m.mu.Unlock()
	notify()

	m.log.Info().Msg("connected")
	go m.readLoop(readCtx, conn)
	return nil
}

// Close shuts the connection down with StatusUnmount and cancels any pending
// reconnect. No reconnect fires after Close returns.
func (m *Manager) Close(reason string) error {
	m.mu.Lock()
	m.closed = true
	if m.stopTimer != nil {
		m.stopTimer()
		m.stopTimer = nil
	}
	conn, cancel := m.conn, m.cancel
	m.conn, m.cancel = nil, nil
	m.recon.reset()
	notify := m.transition(StateClosed)
	m.mu.Unlock()
	notify()

	var err error
	if conn != nil {
		err = conn.Close(StatusUnmount, reason)
	}
	if cancel != nil {
		cancel()
	}
	m.log.Info().Str("reason", reason).Msg("closed")
	return err
}

// Send encodes frame and writes it if the connection is open. Nothing is
// returned to the caller on failure beyond the false result; offline state is
// surfaced through State.
func (m *Manager) Send(ctx context.Context, frame any) bool {
	m.mu.Lock()
	conn := m.conn
	open := m.state == StateConnected
	m.mu.Unlock()

	if conn == nil || !open {
		m.log.Debug().Msg("send skipped, not connected")
		return false
	}
	data, err := encodeFrame(frame)
	if err != nil {
		m.log.Error().Err(err).Msg("encode outbound frame")
		return false
	}
	if err := conn.Write(ctx, data); err != nil {
		m.log.Warn().Err(err).Msg("send failed")
		return false
	}
	return true
}

func (m *Manager) readLoop(ctx context.Context, conn Conn) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			m.handleClose(conn, err)
			return
		}
		m.handleFrame(ctx, data)
	}
}

func (m *Manager) handleFrame(ctx context.Context, data []byte) {
	f, err := DecodeFrame(data)
	if err != nil {
		FrameDecodeErrors.Inc()
		m.log.Warn().Err(err).Int("bytes", len(data)).Msg("dropping malformed frame")
		return
	}
	if f.Type == FramePing {
		m.Send(ctx, pongFrame{Type: FramePong})
	}
	if m.router != nil {
		m.router.Dispatch(f)
	}
}

func (m *Manager) handleClose(conn Conn, err error) {
	code := closeCode(err)

	m.mu.Lock()
	if m.conn != conn {
		// Close already took this connection down.
		m.mu.Unlock()
		return
	}
	m.conn = nil
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}

	var notify func()
	if m.closed || code == StatusUnmount {
		m.recon.reset()
		notify = m.transition(StateDisconnected)
		m.log.Info().Int("code", code).Msg("connection closed")
	} else {
		m.log.Warn().Int("code", code).Err(err).Msg("connection lost")
		notify = m.scheduleReconnectLocked()
	}
	m.mu.Unlock()
	notify()
}

// scheduleReconnectLocked must be called with mu held.
func (m *Manager) scheduleReconnectLocked() func() {
	if !m.recon.shouldReconnect() {
		m.log.Error().Int("attempts", m.recon.attempt).Msg("reconnect attempts exhausted")
		return m.transition(StateDisconnected)
	}
	delay := m.recon.nextDelay()
	ReconnectsScheduled.Inc()
	ReconnectDelay.Observe(delay.Seconds())
	m.log.Info().Int("attempt", m.recon.attempt).Dur("delay", delay).Msg("reconnect scheduled")
	m.stopTimer = m.schedule(delay, m.reconnect)
	return m.transition(StateReconnecting)
}

func (m *Manager) reconnect() {
	ctx, cancel := context.WithTimeout(context.Background(), m.dialTimeout)
	defer cancel()
	if err := m.connect(ctx, true); err != nil {
		m.log.Debug().Err(err).Msg("reconnect attempt failed")
	}
}

// transition must be called with mu held. The returned func delivers the
// change to listeners and must be called after mu is released.
func (m *Manager) transition(s ConnState) func() {
	if m.state == s {
		return func() {}
	}
	m.state = s
	if s == StateConnected {
		ConnectionUp.Set(1)
	} else {
		ConnectionUp.Set(0)
	}
	listeners := append([]func(ConnState){}, m.listeners...)
	return func() {
		for _, l := range listeners {
			l(s)
		}
	}
}
