package chatsync

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// TokenSource is the auth collaborator: it knows the current token and user
// and reports changes.
type TokenSource interface {
	Token() string
	UserID() string
	// Subscribe calls fn after every change. The returned func unsubscribes.
	Subscribe(fn func(token, userID string)) (cancel func())
}

// TokenStore is an in-memory TokenSource.
type TokenStore struct {
	mu     sync.RWMutex
	token  string
	userID string
	subs   map[int]func(token, userID string)
	nextID int
}

// NewTokenStore creates a store holding token and userID.
func NewTokenStore(token, userID string) *TokenStore {
	return &TokenStore{token: token, userID: userID, subs: make(map[int]func(string, string))}
}

func (t *TokenStore) Token() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.token
}

func (t *TokenStore) UserID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.userID
}

// Set replaces the credentials and notifies subscribers if anything changed.
func (t *TokenStore) Set(token, userID string) {
	t.mu.Lock()
	if t.token == token && t.userID == userID {
		t.mu.Unlock()
		return
	}
	t.token, t.userID = token, userID
	subs := make([]func(string, string), 0, len(t.subs))
	for _, fn := range t.subs {
		subs = append(subs, fn)
	}
	t.mu.Unlock()

	for _, fn := range subs {
		fn(token, userID)
	}
}

// Subscribe registers fn for changes made through Set.
func (t *TokenStore) Subscribe(fn func(token, userID string)) func() {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.subs[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.subs, id)
		t.mu.Unlock()
	}
}

// ============================================================================
// Supervisor
// ============================================================================

// SessionFactory builds the session for one token.
type SessionFactory func(token, userID string) *Session

// Supervisor keeps exactly one Session alive for the current credentials.
// The session is rebuilt when the token or the user id changes.
type Supervisor struct {
	src   TokenSource
	build SessionFactory
	log   zerolog.Logger

	mu          sync.Mutex
	current     *Session
	unsubscribe func()
	onSwap      []func(*Session)
}

// NewSupervisor creates a supervisor that builds sessions with build. Nothing
// happens until Start.
func NewSupervisor(src TokenSource, build SessionFactory, log zerolog.Logger) *Supervisor {
	return &Supervisor{src: src, build: build, log: log.With().Str("component", "supervisor").Logger()}
}

// OnSwap registers fn to be called with every newly built session.
func (s *Supervisor) OnSwap(fn func(*Session)) {
	s.mu.Lock()
	s.onSwap = append(s.onSwap, fn)
	s.mu.Unlock()
}

// Start builds and connects a session for the current token and follows
// later token changes. A failed first connect is returned; the session keeps
// retrying in the background either way.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.unsubscribe == nil {
		s.unsubscribe = s.src.Subscribe(func(token, userID string) {
			s.swap(context.Background(), token, userID)
		})
	}
	s.mu.Unlock()
	return s.swap(ctx, s.src.Token(), s.src.UserID())
}

// Current returns the live session, or nil when no token is set.
func (s *Supervisor) Current() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Stop closes the live session and stops following token changes.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	old := s.current
	s.current = nil
	s.mu.Unlock()

	if old != nil {
		return old.Close()
	}
	return nil
}

func (s *Supervisor) swap(ctx context.Context, token, userID string) error {
	s.mu.Lock()
	old := s.current
	if old != nil && old.Token() == token && old.SelfID() == userID {
		s.mu.Unlock()
		return nil
	}
	var next *Session
	if token != "" {
		next = s.build(token, userID)
	}
	s.current = next
	listeners := append([]func(*Session){}, s.onSwap...)
	s.mu.Unlock()

	if old != nil {
		s.log.Info().Msg("credentials changed, closing previous session")
		if err := old.Close(); err != nil {
			s.log.Debug().Err(err).Msg("close previous session")
		}
	}
	if next == nil {
		return nil
	}
	for _, fn := range listeners {
		fn(next)
	}
	return next.Connect(ctx)
}
