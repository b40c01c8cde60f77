package chatsync

import (
	"fmt"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError is returned by HTTPBackend for any non-2xx response.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("http %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("http %d: %s: %s", e.Status, e.Code, e.Message)
}

// ============================================================================
// Messages
// ============================================================================

// Reaction is one emoji and the users who reacted with it.
type Reaction struct {
	Emoji   string   `json:"emoji"`
	UserIDs []string `json:"user_ids"`
}

// Attachment references an uploaded file. The bytes live on the backend.
type Attachment struct {
	URL      string `json:"url"`
	FileName string `json:"file_name"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Message is a single direct message between two users.
type Message struct {
	ID          string      `json:"id"`
	SenderID    string      `json:"sender_id"`
	RecipientID string      `json:"recipient_id"`
	Content     string      `json:"content"`
	CreatedAt   time.Time   `json:"created_at"`
	IsRead      bool        `json:"is_read"`
	Reactions   []Reaction  `json:"reactions,omitempty"`
	Attachment  *Attachment `json:"attachment,omitempty"`
	IsDeleted   bool        `json:"is_deleted,omitempty"`

	// ClientID is the correlation id of a locally originated send. The
	// backend echoes it on the REST response and on the push frame.
	ClientID string `json:"client_id,omitempty"`

	// Pending marks an optimistic placeholder not yet acknowledged.
	Pending bool `json:"-"`
}

// Involves reports whether peerID is either side of the message.
func (m *Message) Involves(peerID string) bool {
	return peerID != "" && (m.SenderID == peerID || m.RecipientID == peerID)
}

func (m *Message) clone() Message {
	c := *m
	c.Reactions = cloneReactions(m.Reactions)
	if m.Attachment != nil {
		a := *m.Attachment
		c.Attachment = &a
	}
	return c
}

func cloneReactions(rs []Reaction) []Reaction {
	if rs == nil {
		return nil
	}
	out := make([]Reaction, len(rs))
	for i, r := range rs {
		out[i] = Reaction{Emoji: r.Emoji, UserIDs: append([]string(nil), r.UserIDs...)}
	}
	return out
}

// HistoryPage is one page of a conversation fetched with skip/limit.
type HistoryPage struct {
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more"`
}

// SendRequest is the body of a REST send.
type SendRequest struct {
	RecipientID string `json:"recipient_id"`
	Content     string `json:"content"`
	ClientID    string `json:"client_id,omitempty"`
}

// ============================================================================
// Directory
// ============================================================================

// Conversation summarizes one peer thread. It is derived state, replaced on
// every directory refresh.
type Conversation struct {
	PeerID       string    `json:"peer_id"`
	PeerName     string    `json:"peer_name,omitempty"`
	LastMessage  string    `json:"last_message,omitempty"`
	LastActivity time.Time `json:"last_activity"`
	UnreadCount  int       `json:"unread_count"`
}

// DirectorySnapshot is the full conversation list plus the global unread total.
type DirectorySnapshot struct {
	Conversations []Conversation `json:"conversations"`
	TotalUnread   int            `json:"total_unread"`
}

// Peer is a user that can be messaged.
type Peer struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role,omitempty"`
}
