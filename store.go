package chatsync

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// HistoryFetcher loads one page of a conversation, newest first, skipping the
// skip most recent messages.
type HistoryFetcher interface {
	Messages(ctx context.Context, peerID string, skip, limit int) (*HistoryPage, error)
}

// Cursor is the pagination state of the active conversation.
type Cursor struct {
	PeerID  string
	Skip    int
	Limit   int
	HasMore bool
	Loading bool
}

// MessageStore holds the message log of the active conversation. Messages
// from history pages, push events and optimistic sends are merged by id;
// optimistic placeholders are matched to their server copy by client id.
//
// The log is kept in arrival order so every insert is an append. Messages
// sorts it chronologically on the way out, breaking timestamp ties by
// server order: history entries rank by their position in the newest-first
// listing, live entries by arrival after all history.
type MessageStore struct {
	fetch    HistoryFetcher
	pageSize int
	log      zerolog.Logger
	now      func() time.Time

	mu       sync.Mutex
	peer     string
	gen      uint64
	entries  []*entry
	byID     map[string]*entry
	byClient map[string]*entry
	seq      int64
	cursor   Cursor
}

// entry is one log slot. order is negative for history (older is smaller)
// and positive for live inserts.
type entry struct {
	msg   Message
	order int64
}

// NewMessageStore creates an empty store. pageSize <= 0 selects the default.
func NewMessageStore(fetch HistoryFetcher, pageSize int, log zerolog.Logger) *MessageStore {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	s := &MessageStore{
		fetch:    fetch,
		pageSize: pageSize,
		log:      log.With().Str("component", "store").Logger(),
		now:      time.Now,
	}
	s.resetLocked("")
	return s
}

// ── Conversation switching ───────────────────────────────

func (s *MessageStore) resetLocked(peerID string) {
	s.gen++
	s.peer = peerID
	s.entries = nil
	s.byID = make(map[string]*entry)
	s.byClient = make(map[string]*entry)
	s.seq = 0
	s.cursor = Cursor{PeerID: peerID, Limit: s.pageSize}
}

// ActivePeer returns the peer whose conversation is loaded, or "".
func (s *MessageStore) ActivePeer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

// Cursor returns a copy of the pagination cursor.
func (s *MessageStore) Cursor() Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Clear drops the log and closes the active conversation.
func (s *MessageStore) Clear() {
	s.mu.Lock()
	s.resetLocked("")
	s.mu.Unlock()
}

// LoadHistory makes peerID the active conversation and loads its first
// page. The previous log and cursor are discarded before the fetch starts.
// If another LoadHistory or Clear happens while the fetch is in flight, the
// page is thrown away.
func (s *MessageStore) LoadHistory(ctx context.Context, peerID string) error {
	s.mu.Lock()
	s.resetLocked(peerID)
	s.cursor.Loading = true
	gen, limit := s.gen, s.pageSize
	s.mu.Unlock()

	page, err := s.fetch.Messages(ctx, peerID, 0, limit)

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return nil
	}
	s.cursor.Loading = false
	if err != nil {
		return fmt.Errorf("load history for %s: %w", peerID, err)
	}
	s.mergePageLocked(page, 0)
	s.log.Debug().Str("peer", peerID).Int("count", len(page.Messages)).Bool("has_more", page.HasMore).Msg("history loaded")
	return nil
}

// LoadMore fetches the next older page. It reports false without calling
// the backend when nothing is active, the last page has been reached, or a
// load is already in flight.
func (s *MessageStore) LoadMore(ctx context.Context) (bool, error) {
	s.mu.Lock()
	if s.peer == "" || !s.cursor.HasMore || s.cursor.Loading {
		s.mu.Unlock()
		return false, nil
	}
	s.cursor.Loading = true
	s.cursor.Skip = s.confirmedLocked()
	gen, peer, skip, limit := s.gen, s.peer, s.cursor.Skip, s.cursor.Limit
	s.mu.Unlock()

	page, err := s.fetch.Messages(ctx, peer, skip, limit)

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return false, nil
	}
	s.cursor.Loading = false
	if err != nil {
		return false, fmt.Errorf("load more for %s: %w", peer, err)
	}
	s.mergePageLocked(page, skip)
	return true, nil
}

// mergePageLocked inserts a newest-first page whose first message sits skip
// positions from the newest message of the conversation.
func (s *MessageStore) mergePageLocked(page *HistoryPage, skip int) {
	for i := range page.Messages {
		s.insertAtLocked(&page.Messages[i], -int64(skip+i)-1)
	}
	s.cursor.HasMore = page.HasMore
	s.cursor.Skip = s.confirmedLocked()
}

// confirmedLocked counts messages the server knows about.
func (s *MessageStore) confirmedLocked() int {
	n := 0
	for _, e := range s.entries {
		if !e.msg.Pending {
			n++
		}
	}
	return n
}

// ── Inserts ──────────────────────────────────────────────

// ApplyIncoming inserts msg if it belongs to the active conversation and its
// id is not already present. A message carrying the client id of a pending
// placeholder takes the placeholder's place. It reports whether the log
// changed.
func (s *MessageStore) ApplyIncoming(msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !msg.Involves(s.peer) {
		return false
	}
	return s.insertLocked(&msg)
}

// ApplyOptimistic inserts a pending placeholder for a local send and returns
// its client id. A client id is generated when msg has none.
func (s *MessageStore) ApplyOptimistic(msg Message) string {
	if msg.ClientID == "" {
		msg.ClientID = uuid.NewString()
	}
	msg.ID = "local-" + msg.ClientID
	msg.Pending = true
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.Involves(s.peer) {
		s.insertLocked(&msg)
	}
	return msg.ClientID
}

// Reconcile swaps the placeholder for clientID with the acknowledged server
// copy. When the push echo already delivered the server copy the placeholder
// is simply dropped, so either arrival order leaves one message.
func (s *MessageStore) Reconcile(clientID string, server Message) {
	if server.ClientID == "" {
		server.ClientID = clientID
	}
	server.Pending = false

	s.mu.Lock()
	defer s.mu.Unlock()

	ph, hasPlaceholder := s.byClient[clientID]
	if _, exists := s.byID[server.ID]; exists {
		if hasPlaceholder {
			s.removeLocked(ph)
		}
		return
	}
	if hasPlaceholder || server.Involves(s.peer) {
		s.insertLocked(&server)
	}
}

// Discard removes the placeholder for clientID after a failed send.
func (s *MessageStore) Discard(clientID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ph, ok := s.byClient[clientID]
	if !ok {
		return false
	}
	s.removeLocked(ph)
	return true
}

// insertLocked appends a live message after everything already held.
func (s *MessageStore) insertLocked(msg *Message) bool {
	s.seq++
	return s.insertAtLocked(msg, s.seq)
}

func (s *MessageStore) insertAtLocked(msg *Message, order int64) bool {
	if _, dup := s.byID[msg.ID]; dup {
		DuplicateMessages.Inc()
		return false
	}
	if msg.ClientID != "" && !msg.Pending {
		if ph, ok := s.byClient[msg.ClientID]; ok {
			delete(s.byID, ph.msg.ID)
			delete(s.byClient, msg.ClientID)
			ph.msg = msg.clone()
			s.byID[ph.msg.ID] = ph
			return true
		}
	}

	e := &entry{msg: msg.clone(), order: order}
	s.entries = append(s.entries, e)
	s.byID[e.msg.ID] = e
	if e.msg.Pending {
		s.byClient[e.msg.ClientID] = e
	}
	return true
}

func (s *MessageStore) removeLocked(e *entry) {
	delete(s.byID, e.msg.ID)
	if e.msg.Pending {
		delete(s.byClient, e.msg.ClientID)
	}
	s.entries = slices.DeleteFunc(s.entries, func(x *entry) bool { return x == e })
}

// ── In-place updates ─────────────────────────────────────

// ApplyReadMark flags one message as read. Unknown ids are ignored.
func (s *MessageStore) ApplyReadMark(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok {
		return false
	}
	e.msg.IsRead = true
	return true
}

// ApplyReadMarks flags every known id as read and returns how many matched.
func (s *MessageStore) ApplyReadMarks(ids []string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range ids {
		if e, ok := s.byID[id]; ok {
			e.msg.IsRead = true
			n++
		}
	}
	return n
}

// ApplyReaction replaces the reaction set of a message.
func (s *MessageStore) ApplyReaction(id string, reactions []Reaction) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok {
		return false
	}
	e.msg.Reactions = cloneReactions(reactions)
	return true
}

// ApplyDeletion removes a message from the log.
func (s *MessageStore) ApplyDeletion(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok {
		return false
	}
	s.removeLocked(e)
	return true
}

// ── Reads ────────────────────────────────────────────────

// Messages returns a copy of the log in chronological order. Messages with
// equal timestamps keep server order.
func (s *MessageStore) Messages() []Message {
	s.mu.Lock()
	sorted := slices.Clone(s.entries)
	slices.SortFunc(sorted, func(a, b *entry) int {
		if c := a.msg.CreatedAt.Compare(b.msg.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.order, b.order)
	})
	out := make([]Message, len(sorted))
	for i, e := range sorted {
		out[i] = e.msg.clone()
	}
	s.mu.Unlock()
	return out
}

// Get returns a copy of the message with the given id.
func (s *MessageStore) Get(id string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok {
		return Message{}, false
	}
	return e.msg.clone(), true
}

// Len returns the number of messages held, placeholders included.
func (s *MessageStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
