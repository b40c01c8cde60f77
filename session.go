// Package chatsync is the realtime chat core of the clinic console.
//
// One Session exists per auth token. It owns the WebSocket connection, routes
// push frames into the message store, the conversation directory, presence
// and typing state, and raises alerts for messages the user is not looking at.
//
// Example:
//
//	backend := chatsync.NewHTTPBackend(token, chatsync.WithBaseURL("https://clinic.example"))
//	s := chatsync.NewSession(token, userID, backend,
//		chatsync.WithWSURL(chatsync.WSURL("https://clinic.example", token)),
//		chatsync.WithLogger(log),
//	)
//	s.Connect(ctx)
//	defer s.Close()
//
//	s.OpenConversation(ctx, "doctor-42")
//	s.Send(ctx, "Lab results are in")
package chatsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

var (
	ErrNoActiveConversation = errors.New("no conversation is open")
	ErrEmptyMessage         = errors.New("message is empty")
	ErrSessionClosed        = errors.New("session closed")
)

// ============================================================================
// Configuration
// ============================================================================

const DefaultPageSize = 50

// Config tunes a Session. Zero values select defaults.
type Config struct {
	PageSize             int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int // 0 retries forever
	DialTimeout          time.Duration
	RefreshTimeout       time.Duration
	AlertTimeout         time.Duration
	TypingTTL            time.Duration // 0 keeps typing until cleared
	TypingThrottle       time.Duration
	ReadLimit            int64
}

func (c *Config) defaults() {
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 15 * time.Second
	}
	if c.RefreshTimeout == 0 {
		c.RefreshTimeout = 10 * time.Second
	}
	if c.AlertTimeout == 0 {
		c.AlertTimeout = 5 * time.Second
	}
	if c.TypingThrottle == 0 {
		c.TypingThrottle = 2 * time.Second
	}
	if c.ReadLimit == 0 {
		c.ReadLimit = 1 << 20
	}
}

type sessionOptions struct {
	cfg     Config
	log     zerolog.Logger
	ui      UIState
	alerter Alerter
	dial    DialFunc
	wsURL   string
}

// SessionOption configures a Session.
type SessionOption func(*sessionOptions)

// WithConfig sets timing and paging. Zero fields keep their defaults.
func WithConfig(cfg Config) SessionOption {
	return func(o *sessionOptions) { o.cfg = cfg }
}

// WithLogger sets the logger shared by every component of the session.
func WithLogger(log zerolog.Logger) SessionOption {
	return func(o *sessionOptions) { o.log = log }
}

// WithUIState supplies window focus for the alert decision. Without it the
// window is treated as unfocused.
func WithUIState(ui UIState) SessionOption {
	return func(o *sessionOptions) { o.ui = ui }
}

// WithAlerter sets where alerts for incoming messages are delivered.
func WithAlerter(a Alerter) SessionOption {
	return func(o *sessionOptions) { o.alerter = a }
}

// WithDialer replaces the WebSocket dialer.
func WithDialer(dial DialFunc) SessionOption {
	return func(o *sessionOptions) { o.dial = dial }
}

// WithWSURL sets the realtime endpoint. Without it the session connects to
// WSURL(DefaultBaseURL, token).
func WithWSURL(u string) SessionOption {
	return func(o *sessionOptions) { o.wsURL = u }
}

// ============================================================================
// Session
// ============================================================================

// Session is the chat core for one token. All of its components are created
// together and live exactly as long as the token.
type Session struct {
	token   string
	selfID  string
	cfg     Config
	backend Backend
	log     zerolog.Logger
	ui      UIState
	alerter Alerter
	now     func() time.Time

	conn     *Manager
	router   *Router
	store    *MessageStore
	dir      *Directory
	presence *PresenceTracker
	typing   *TypingStore

	typingLimiter *rate.Limiter

	wg        sync.WaitGroup
	mu        sync.Mutex
	closed    bool
	bgCtx     context.Context
	bgCancel  context.CancelFunc
	panelOpen bool
}

// NewSession builds a session. Nothing touches the network until Connect or
// a REST-backed operation is called.
func NewSession(token, selfID string, backend Backend, opts ...SessionOption) *Session {
	o := &sessionOptions{log: zerolog.Nop()}
	for _, opt := range opts {
		opt(o)
	}
	o.cfg.defaults()
	if o.wsURL == "" {
		o.wsURL = WSURL(DefaultBaseURL, token)
	}
	if o.dial == nil {
		o.dial = NewWSDialer(nil, o.cfg.ReadLimit)
	}

	log := o.log.With().Str("user_id", selfID).Logger()
	bgCtx, bgCancel := context.WithCancel(context.Background())

	s := &Session{
		token:         token,
		selfID:        selfID,
		cfg:           o.cfg,
		backend:       backend,
		log:           log,
		ui:            o.ui,
		alerter:       o.alerter,
		now:           time.Now,
		router:        NewRouter(log),
		store:         NewMessageStore(backend, o.cfg.PageSize, log),
		dir:           NewDirectory(backend, log),
		presence:      NewPresenceTracker(),
		typing:        NewTypingStore(o.cfg.TypingTTL),
		typingLimiter: rate.NewLimiter(rate.Every(o.cfg.TypingThrottle), 1),
		bgCtx:         bgCtx,
		bgCancel:      bgCancel,
	}
	s.conn = NewManager(o.wsURL, o.dial, s.router, &s.cfg, log)
	s.router.SetHandler(s)
	return s
}

// ── Lifecycle ────────────────────────────────────────────

// Connect opens the realtime connection and loads the directory.
func (s *Session) Connect(ctx context.Context) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	s.refreshAsync()
	return s.conn.Connect(ctx)
}

// Close shuts the connection down for good and waits for background
// refreshes and alerts to finish.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.conn.Close("session closed")
	s.bgCancel()
	s.wg.Wait()
	return err
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ── Accessors ────────────────────────────────────────────

func (s *Session) Token() string { return s.token }
func (s *Session) SelfID() string { return s.selfID }
func (s *Session) Store() *MessageStore { return s.store }
func (s *Session) Directory() *Directory { return s.dir }
func (s *Session) Presence() *PresenceTracker { return s.presence }
func (s *Session) Typing() *TypingStore { return s.typing }
func (s *Session) Transport() *Manager { return s.conn }
func (s *Session) ActivePeer() string { return s.store.ActivePeer() }
func (s *Session) Messages() []Message { return s.store.Messages() }
func (s *Session) Connected() bool { return s.conn.IsConnected() }
func (s *Session) OnStateChange(fn func(ConnState)) { s.conn.OnStateChange(fn) }

// SetHandler installs h as the receiver of push events. Passing a wrapper
// that delegates to the Session keeps the default behavior.
func (s *Session) SetHandler(h EventHandler) { s.router.SetHandler(h) }

// ── Conversations ────────────────────────────────────────

// OpenConversation makes peerID the active thread and loads its first page.
func (s *Session) OpenConversation(ctx context.Context, peerID string) error {
	if peerID == "" {
		return ErrNoActiveConversation
	}
	if err := s.store.LoadHistory(ctx, peerID); err != nil {
		return err
	}
	// The backend marks the thread read when its history is fetched.
	s.refreshAsync()
	return nil
}

// CloseConversation clears the active thread.
func (s *Session) CloseConversation() {
	s.store.Clear()
}

// LoadMore fetches the next older page of the active thread.
func (s *Session) LoadMore(ctx context.Context) (bool, error) {
	return s.store.LoadMore(ctx)
}

// RefreshDirectory reloads the conversation list synchronously.
func (s *Session) RefreshDirectory(ctx context.Context) error {
	return s.dir.Refresh(ctx)
}

// SearchPeers looks up users that can be messaged.
func (s *Session) SearchPeers(ctx context.Context, query string) ([]Peer, error) {
	peers, err := s.backend.SearchPeers(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("search peers: %w", err)
	}
	return peers, nil
}

// ── Outgoing ─────────────────────────────────────────────

// Send posts content to the active thread. The message shows up immediately
// as a pending placeholder which is swapped for the server copy on success
// and removed on failure.
func (s *Session) Send(ctx context.Context, content string) (*Message, error) {
	peer := s.store.ActivePeer()
	if peer == "" {
		return nil, ErrNoActiveConversation
	}
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyMessage
	}

	clientID := s.store.ApplyOptimistic(Message{
		SenderID:    s.selfID,
		RecipientID: peer,
		Content:     content,
	})

	msg, err := s.backend.SendMessage(ctx, &SendRequest{
		RecipientID: peer,
		Content:     content,
		ClientID:    clientID,
	})
	if err != nil {
		s.store.Discard(clientID)
		return nil, fmt.Errorf("send message: %w", err)
	}

	s.store.Reconcile(clientID, *msg)
	s.refreshAsync()
	return msg, nil
}

// SendFile uploads data to the active thread as an attachment message.
func (s *Session) SendFile(ctx context.Context, fileName string, data []byte) (*Message, error) {
	peer := s.store.ActivePeer()
	if peer == "" {
		return nil, ErrNoActiveConversation
	}
	msg, err := s.backend.UploadFile(ctx, peer, fileName, data)
	if err != nil {
		return nil, fmt.Errorf("send file: %w", err)
	}
	s.store.ApplyIncoming(*msg)
	s.refreshAsync()
	return msg, nil
}

// ToggleReaction adds or removes the user's emoji on a message.
func (s *Session) ToggleReaction(ctx context.Context, messageID, emoji string) ([]Reaction, error) {
	reactions, err := s.backend.ToggleReaction(ctx, messageID, emoji)
	if err != nil {
		return nil, fmt.Errorf("toggle reaction: %w", err)
	}
	s.store.ApplyReaction(messageID, reactions)
	return reactions, nil
}

// DeleteMessage soft-deletes a message on the server and drops it locally.
func (s *Session) DeleteMessage(ctx context.Context, messageID string) error {
	if err := s.backend.DeleteMessage(ctx, messageID); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	s.store.ApplyDeletion(messageID)
	s.refreshAsync()
	return nil
}

// RequestStatus asks the server for the presence of peerIDs. Nothing is sent
// while disconnected or for an empty list.
func (s *Session) RequestStatus(ctx context.Context, peerIDs []string) bool {
	if len(peerIDs) == 0 || !s.conn.IsConnected() {
		return false
	}
	return s.conn.Send(ctx, onlineStatusRequest{Type: FrameGetOnlineStatus, UserIDs: peerIDs})
}

// SetTyping tells the active peer whether the user is typing. typing=true is
// rate limited, typing=false always goes out.
func (s *Session) SetTyping(ctx context.Context, typing bool) (bool, error) {
	peer := s.store.ActivePeer()
	if peer == "" {
		return false, ErrNoActiveConversation
	}
	if typing && !s.typingLimiter.Allow() {
		return false, nil
	}
	return s.conn.Send(ctx, typingFrame{Type: FrameTyping, RecipientID: peer, IsTyping: typing}), nil
}

// SetPanelOpen records chat panel visibility for sessions without a UIState.
func (s *Session) SetPanelOpen(open bool) {
	s.mu.Lock()
	s.panelOpen = open
	s.mu.Unlock()
}

// ============================================================================
// EventHandler
// ============================================================================

func (s *Session) OnNewMessage(msg Message) {
	active := s.store.ActivePeer()
	s.store.ApplyIncoming(msg)

	if CountsAsUnread(&msg, s.selfID, active) {
		s.dir.IncrementUnread()
	}
	if msg.SenderID != s.selfID {
		s.typing.Set(msg.SenderID, false, s.now())
	}
	if msg.RecipientID == s.selfID {
		s.maybeAlert(msg, active)
	}
	s.refreshAsync()
}

func (s *Session) OnTyping(senderID string, typing bool) {
	s.typing.Set(senderID, typing, s.now())
}

func (s *Session) OnMessageRead(messageID string) {
	s.store.ApplyReadMark(messageID)
}

func (s *Session) OnMessagesRead(messageIDs []string) {
	s.store.ApplyReadMarks(messageIDs)
}

func (s *Session) OnOnlineStatus(users map[string]bool) {
	s.presence.Merge(users)
}

func (s *Session) OnReactionUpdate(messageID string, reactions []Reaction) {
	s.store.ApplyReaction(messageID, reactions)
	s.refreshAsync()
}

func (s *Session) OnMessageDeleted(messageID string) {
	s.store.ApplyDeletion(messageID)
	s.refreshAsync()
}

// ── Background work ──────────────────────────────────────

func (s *Session) maybeAlert(msg Message, active string) {
	focused, panel := false, false
	if s.ui != nil {
		focused, panel = s.ui.WindowFocused(), s.ui.ChatPanelOpen()
	} else {
		s.mu.Lock()
		panel = s.panelOpen
		s.mu.Unlock()
	}
	if !ShouldAlert(&msg, focused, active, panel) {
		AlertsFired.WithLabelValues("suppressed").Inc()
		return
	}
	if s.alerter == nil {
		return
	}
	s.goBackground(func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, s.cfg.AlertTimeout)
		defer cancel()
		if err := s.alerter.Alert(ctx, msg); err != nil {
			AlertsFired.WithLabelValues("failed").Inc()
			s.log.Warn().Err(err).Str("message_id", msg.ID).Msg("alert failed")
			return
		}
		AlertsFired.WithLabelValues("delivered").Inc()
	})
}

func (s *Session) refreshAsync() {
	s.goBackground(func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, s.cfg.RefreshTimeout)
		defer cancel()
		if err := s.dir.Refresh(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn().Err(err).Msg("directory refresh failed")
		}
	})
}

func (s *Session) goBackground(fn func(ctx context.Context)) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		fn(s.bgCtx)
	}()
}

// Wait blocks until background refreshes and alerts started so far are done.
func (s *Session) Wait() {
	s.wg.Wait()
}
