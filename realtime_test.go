package chatsync

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Test Helpers
// ============================================================================

type readResult struct {
	data []byte
	err  error
}

type fakeConn struct {
	in   chan readResult
	done chan struct{}

	mu        sync.Mutex
	writes    []string
	closed    bool
	closeCode int
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan readResult, 16), done: make(chan struct{})}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case r := <-c.in:
		return r.data, r.err
	case <-c.done:
		return nil, websocket.CloseError{Code: websocket.StatusNormalClosure}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("write on closed conn")
	}
	c.writes = append(c.writes, string(data))
	return nil
}

func (c *fakeConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.closeCode = code
		close(c.done)
	}
	return nil
}

func (c *fakeConn) push(frame string) {
	c.in <- readResult{data: []byte(frame)}
}

// drop ends the read loop with err, as the transport would on a lost socket.
func (c *fakeConn) drop(err error) {
	c.in <- readResult{err: err}
}

func (c *fakeConn) code() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

func (c *fakeConn) written() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.writes...)
}

type fakeDialer struct {
	mu     sync.Mutex
	fail   int
	calls  int
	conns  []*fakeConn
	onDial func()
}

func (d *fakeDialer) dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	hook := d.onDial
	d.mu.Unlock()
	if hook != nil {
		hook()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.fail > 0 {
		d.fail--
		return nil, errors.New("connection refused")
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) setFail(n int) {
	d.mu.Lock()
	d.fail = n
	d.mu.Unlock()
}

// setHook runs fn at the start of every later dial, before the connection
// exists.
func (d *fakeDialer) setHook(fn func()) {
	d.mu.Lock()
	d.onDial = fn
	d.mu.Unlock()
}

func (d *fakeDialer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// fakeScheduler records reconnect delays instead of sleeping. fire runs the
// most recent pending callback on the calling goroutine.
type fakeScheduler struct {
	mu      sync.Mutex
	delays  []time.Duration
	pending []func()
	stopped int
}

func (s *fakeScheduler) schedule(d time.Duration, f func()) func() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	idx := len(s.pending)
	s.pending = append(s.pending, f)
	return func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.pending[idx] == nil {
			return false
		}
		s.pending[idx] = nil
		s.stopped++
		return true
	}
}

func (s *fakeScheduler) fire() bool {
	s.mu.Lock()
	var f func()
	for i := len(s.pending) - 1; i >= 0; i-- {
		if s.pending[i] != nil {
			f = s.pending[i]
			s.pending[i] = nil
			break
		}
	}
	s.mu.Unlock()
	if f == nil {
		return false
	}
	f()
	return true
}

func (s *fakeScheduler) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

func (s *fakeScheduler) stops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func eventually(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestManager(t *testing.T) (*Manager, *fakeDialer, *fakeScheduler, *recordingHandler) {
	t.Helper()
	h := &recordingHandler{}
	router := NewRouter(zerolog.Nop())
	router.SetHandler(h)
	d := &fakeDialer{}
	m := NewManager("ws://chat.test/ws?token=t", d.dial, router, &Config{}, zerolog.Nop())
	s := &fakeScheduler{}
	m.schedule = s.schedule
	t.Cleanup(func() { m.Close("test cleanup") })
	return m, d, s, h
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// ============================================================================
// Reconnector
// ============================================================================

func TestReconnectorBackoff(t *testing.T) {
	r := newReconnector(&Config{ReconnectBaseDelay: time.Second, ReconnectMaxDelay: 30 * time.Second})

	want := []time.Duration{ms(1000), ms(2000), ms(4000), ms(8000), ms(16000), ms(30000), ms(30000), ms(30000)}
	for i, w := range want {
		if got := r.nextDelay(); got != w {
			t.Fatalf("attempt %d: expected %v, got %v", i+1, w, got)
		}
	}

	r.reset()
	if got := r.nextDelay(); got != time.Second {
		t.Fatalf("expected 1s after reset, got %v", got)
	}
}

func TestReconnectorAttempts(t *testing.T) {
	t.Run("unbounded by default", func(t *testing.T) {
		r := newReconnector(&Config{ReconnectBaseDelay: time.Second, ReconnectMaxDelay: 30 * time.Second})
		for i := 0; i < 500; i++ {
			r.nextDelay()
		}
		if !r.shouldReconnect() {
			t.Fatal("expected unbounded reconnects")
		}
		if got := r.nextDelay(); got != 30*time.Second {
			t.Fatalf("expected delay capped at 30s, got %v", got)
		}
	})

	t.Run("capped", func(t *testing.T) {
		r := newReconnector(&Config{ReconnectBaseDelay: time.Second, ReconnectMaxDelay: 30 * time.Second, MaxReconnectAttempts: 2})
		r.nextDelay()
		r.nextDelay()
		if r.shouldReconnect() {
			t.Fatal("expected reconnects to stop after 2 attempts")
		}
	})
}

func TestWSURL(t *testing.T) {
	tests := []struct {
		base, want string
	}{
		{"https://clinic.example", "wss://clinic.example/ws?token=a+b"},
		{"http://localhost:8000/", "ws://localhost:8000/ws?token=a+b"},
	}
	for _, tt := range tests {
		if got := WSURL(tt.base, "a b"); got != tt.want {
			t.Fatalf("WSURL(%q): expected %q, got %q", tt.base, tt.want, got)
		}
	}
}

// ============================================================================
// Manager
// ============================================================================

func TestManagerConnectIdempotent(t *testing.T) {
	m, d, _, _ := newTestManager(t)
	ctx := context.Background()

	if err := m.Connect(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.Connect(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.callCount() != 1 {
		t.Fatalf("expected 1 dial, got %d", d.callCount())
	}
	if !m.IsConnected() {
		t.Fatalf("expected connected, got %s", m.State())
	}
}

func TestManagerStateListener(t *testing.T) {
	m, _, _, _ := newTestManager(t)

	var mu sync.Mutex
	var states []ConnState
	m.OnStateChange(func(s ConnState) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m.Close("bye")

	mu.Lock()
	defer mu.Unlock()
	want := []ConnState{StateConnecting, StateConnected, StateClosed}
	if len(states) != len(want) {
		t.Fatalf("expected %v, got %v", want, states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, states)
		}
	}
}

func TestManagerAnswersPing(t *testing.T) {
	m, d, _, _ := newTestManager(t)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	d.last().push(`{"type":"ping"}`)

	eventually(t, func() bool {
		w := d.last().written()
		return len(w) == 1 && w[0] == `{"type":"pong"}`
	}, "pong reply")
}

func TestManagerSurvivesMalformedFrames(t *testing.T) {
	m, d, s, h := newTestManager(t)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	conn := d.last()
	conn.push(`not json`)
	conn.push(`{"no_type":true}`)
	conn.push(`{"type":"something_new","x":1}`)
	conn.push(`{"type":"new_message","message":{"id":"m1","sender_id":"p1","recipient_id":"me","content":"hi","created_at":"2026-03-01T10:00:00Z"}}`)

	eventually(t, func() bool { return len(h.newMessages()) == 1 }, "message after bad frames")
	if !m.IsConnected() {
		t.Fatalf("expected connection to survive, got %s", m.State())
	}
	if len(s.recorded()) != 0 {
		t.Fatal("expected no reconnect")
	}
}

func TestManagerBackoffSequence(t *testing.T) {
	m, d, s, _ := newTestManager(t)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	d.setFail(1000)
	d.last().drop(io.EOF)
	eventually(t, func() bool { return len(s.recorded()) == 1 }, "first reconnect")
	if m.State() != StateReconnecting {
		t.Fatalf("expected reconnecting, got %s", m.State())
	}

	for i := 0; i < 6; i++ {
		if !s.fire() {
			t.Fatalf("no pending reconnect at step %d", i)
		}
	}

	want := []time.Duration{ms(1000), ms(2000), ms(4000), ms(8000), ms(16000), ms(30000), ms(30000)}
	got := s.recorded()
	if len(got) != len(want) {
		t.Fatalf("expected %d delays, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delay %d: expected %v, got %v", i, want[i], got[i])
		}
	}

	t.Run("successful open resets the sequence", func(t *testing.T) {
		d.setFail(0)
		if !s.fire() {
			t.Fatal("no pending reconnect")
		}
		if !m.IsConnected() {
			t.Fatalf("expected connected, got %s", m.State())
		}

		d.last().drop(websocket.CloseError{Code: websocket.StatusGoingAway})
		eventually(t, func() bool { return len(s.recorded()) == len(want)+1 }, "reconnect after reset")
		if last := s.recorded()[len(want)]; last != time.Second {
			t.Fatalf("expected 1s after reset, got %v", last)
		}
	})
}

func TestManagerIntentionalClose(t *testing.T) {
	t.Run("caller close", func(t *testing.T) {
		m, d, s, _ := newTestManager(t)
		if err := m.Connect(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		conn := d.last()

		if err := m.Close("unmount"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		time.Sleep(20 * time.Millisecond)

		if len(s.recorded()) != 0 {
			t.Fatalf("expected no reconnect, got %v", s.recorded())
		}
		if conn.code() != StatusUnmount {
			t.Fatalf("expected close code %d, got %d", StatusUnmount, conn.code())
		}
		if m.State() != StateClosed {
			t.Fatalf("expected closed, got %s", m.State())
		}
	})

	t.Run("normal closure from server", func(t *testing.T) {
		m, d, s, _ := newTestManager(t)
		if err := m.Connect(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		d.last().drop(websocket.CloseError{Code: websocket.StatusNormalClosure})

		eventually(t, func() bool { return m.State() == StateDisconnected }, "disconnected")
		if len(s.recorded()) != 0 {
			t.Fatalf("expected no reconnect, got %v", s.recorded())
		}
	})
}

func TestManagerCloseCancelsPendingReconnect(t *testing.T) {
	m, d, s, _ := newTestManager(t)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	d.last().drop(io.ErrUnexpectedEOF)
	eventually(t, func() bool { return len(s.recorded()) == 1 }, "reconnect scheduled")

	m.Close("unmount")

	if s.stops() != 1 {
		t.Fatalf("expected pending timer to be stopped, got %d stops", s.stops())
	}
	if s.fire() {
		t.Fatal("expected no pending reconnect after close")
	}

	// A timer that fired concurrently with Close must not dial.
	m.reconnect()
	if d.callCount() != 1 {
		t.Fatalf("expected 1 dial, got %d", d.callCount())
	}
}

func TestManagerCloseDuringReconnectDial(t *testing.T) {
	m, d, s, h := newTestManager(t)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	d.last().drop(io.ErrUnexpectedEOF)
	eventually(t, func() bool { return len(s.recorded()) == 1 }, "reconnect scheduled")

	var states []ConnState
	var mu sync.Mutex
	m.OnStateChange(func(st ConnState) {
		mu.Lock()
		states = append(states, st)
		mu.Unlock()
	})
	d.setHook(func() { m.Close("unmount") })

	if !s.fire() {
		t.Fatal("expected a pending reconnect")
	}

	if m.State() != StateClosed {
		t.Fatalf("expected closed, got %s", m.State())
	}
	if d.callCount() != 2 {
		t.Fatalf("expected 2 dials, got %d", d.callCount())
	}
	if c := d.last(); c.code() != StatusUnmount {
		t.Fatalf("expected the late connection to be closed with %d, got %d", StatusUnmount, c.code())
	}
	d.last().push(`{"type":"new_message","message":{"id":"m1","sender_id":"p","recipient_id":"u"}}`)
	time.Sleep(20 * time.Millisecond)
	if got := h.newMessages(); len(got) != 0 {
		t.Fatalf("expected no frames after close, got %v", got)
	}
	if len(s.recorded()) != 1 {
		t.Fatalf("expected no further reconnects, got %v", s.recorded())
	}
	mu.Lock()
	for _, st := range states {
		if st == StateConnected {
			t.Fatalf("manager reopened after close: %v", states)
		}
	}
	mu.Unlock()
}

func TestManagerConnectAfterClose(t *testing.T) {
	m, d, _, _ := newTestManager(t)
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m.Close("unmount")

	if err := m.Connect(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	if d.callCount() != 1 {
		t.Fatalf("expected 1 dial, got %d", d.callCount())
	}
	if m.State() != StateClosed {
		t.Fatalf("expected closed, got %s", m.State())
	}
}

func TestManagerDialFailure(t *testing.T) {
	m, d, s, _ := newTestManager(t)
	d.setFail(1)

	if err := m.Connect(context.Background()); err == nil {
		t.Fatal("expected dial error")
	}
	if m.State() != StateReconnecting {
		t.Fatalf("expected reconnecting, got %s", m.State())
	}
	if got := s.recorded(); len(got) != 1 || got[0] != time.Second {
		t.Fatalf("expected one 1s delay, got %v", got)
	}

	s.fire()
	if !m.IsConnected() {
		t.Fatalf("expected connected after retry, got %s", m.State())
	}
}

func TestManagerSendWhileDisconnected(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	if m.Send(context.Background(), pongFrame{Type: FramePong}) {
		t.Fatal("expected send to be skipped")
	}
}

// ============================================================================
// Over a real WebSocket
// ============================================================================

func TestManagerOverWebSocket(t *testing.T) {
	pongs := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != "tok" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()

		c.Write(ctx, websocket.MessageText, []byte(`{"type":"ping"}`))
		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		pongs <- string(data)

		c.Write(ctx, websocket.MessageText, []byte(`{"type":"new_message","message":{"id":"m1","sender_id":"p1","recipient_id":"me","content":"hi","created_at":"2026-03-01T10:00:00Z"}}`))
		c.Close(websocket.StatusGoingAway, "restarting")
	}))
	defer srv.Close()

	h := &recordingHandler{}
	router := NewRouter(zerolog.Nop())
	router.SetHandler(h)
	m := NewManager(WSURL(srv.URL, "tok"), nil, router, &Config{}, zerolog.Nop())
	s := &fakeScheduler{}
	m.schedule = s.schedule
	defer m.Close("test done")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Connect(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case p := <-pongs:
		if p != `{"type":"pong"}` {
			t.Fatalf("unexpected pong frame: %s", p)
		}
	case <-ctx.Done():
		t.Fatal("server never received pong")
	}

	eventually(t, func() bool { return len(h.newMessages()) == 1 }, "pushed message")
	eventually(t, func() bool { return len(s.recorded()) == 1 }, "reconnect after going-away")
	if got := s.recorded()[0]; got != time.Second {
		t.Fatalf("expected 1s delay, got %v", got)
	}
}
