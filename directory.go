package chatsync

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// DirectoryFetcher returns every conversation summary and the unread total.
type DirectoryFetcher interface {
	Conversations(ctx context.Context) (*DirectorySnapshot, error)
}

// CountsAsUnread reports whether msg should bump the unread total: it must be
// addressed to selfID and not come from the conversation that is open.
func CountsAsUnread(msg *Message, selfID, activePeerID string) bool {
	return msg.RecipientID == selfID && msg.SenderID != activePeerID
}

// Directory caches the conversation list. The server is authoritative; the
// local unread total may run ahead of it between a push and the refresh that
// follows.
type Directory struct {
	fetch DirectoryFetcher
	log   zerolog.Logger

	mu      sync.Mutex
	snap    DirectorySnapshot
	issued  uint64
	applied uint64
}

// NewDirectory creates an empty directory.
func NewDirectory(fetch DirectoryFetcher, log zerolog.Logger) *Directory {
	return &Directory{
		fetch: fetch,
		log:   log.With().Str("component", "directory").Logger(),
	}
}

// Refresh reloads the list. Responses are applied in issue order: one that
// lands after a newer refresh has already been applied is dropped.
func (d *Directory) Refresh(ctx context.Context) error {
	d.mu.Lock()
	d.issued++
	seq := d.issued
	d.mu.Unlock()

	snap, err := d.fetch.Conversations(ctx)
	if err != nil {
		return fmt.Errorf("refresh directory: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if seq < d.applied {
		d.log.Debug().Uint64("seq", seq).Uint64("applied", d.applied).Msg("stale directory response dropped")
		return nil
	}
	d.applied = seq
	d.snap = DirectorySnapshot{
		Conversations: append([]Conversation(nil), snap.Conversations...),
		TotalUnread:   snap.TotalUnread,
	}
	return nil
}

// IncrementUnread bumps the total ahead of the next refresh.
func (d *Directory) IncrementUnread() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.snap.TotalUnread++
	return d.snap.TotalUnread
}

// TotalUnread returns the current unread total.
func (d *Directory) TotalUnread() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snap.TotalUnread
}

// Snapshot returns a copy of the list.
func (d *Directory) Snapshot() DirectorySnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DirectorySnapshot{
		Conversations: append([]Conversation(nil), d.snap.Conversations...),
		TotalUnread:   d.snap.TotalUnread,
	}
}

// Conversation looks up the summary for one peer.
func (d *Directory) Conversation(peerID string) (Conversation, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.snap.Conversations {
		if c.PeerID == peerID {
			return c, true
		}
	}
	return Conversation{}, false
}
