package chatsync

import (
	"errors"
	"fmt"
	"sync/atomic"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// ============================================================================
// Frames
// ============================================================================

// FrameType is the discriminator carried in the "type" field of every frame.
type FrameType string

// Inbound frame types.
const (
	FrameNewMessage     FrameType = "new_message"
	FrameTyping         FrameType = "typing"
	FrameMessageRead    FrameType = "message_read"
	FrameMessagesRead   FrameType = "messages_read"
	FrameOnlineStatus   FrameType = "online_status"
	FrameReactionUpdate FrameType = "reaction_update"
	FrameMessageDeleted FrameType = "message_deleted"
	FramePing           FrameType = "ping"
)

// Outbound frame types.
const (
	FramePong            FrameType = "pong"
	FrameGetOnlineStatus FrameType = "get_online_status"
)

// Frame is the decoded form of any inbound frame. Only the fields belonging
// to Type are populated.
type Frame struct {
	Type       FrameType       `json:"type"`
	Message    *Message        `json:"message,omitempty"`
	SenderID   string          `json:"sender_id,omitempty"`
	IsTyping   *bool           `json:"is_typing,omitempty"`
	MessageID  string          `json:"message_id,omitempty"`
	MessageIDs []string        `json:"message_ids,omitempty"`
	Users      map[string]bool `json:"users,omitempty"`
	Reactions  []Reaction      `json:"reactions,omitempty"`
}

type pongFrame struct {
	Type FrameType `json:"type"`
}

type typingFrame struct {
	Type        FrameType `json:"type"`
	RecipientID string    `json:"recipient_id"`
	IsTyping    bool      `json:"is_typing"`
}

type onlineStatusRequest struct {
	Type    FrameType `json:"type"`
	UserIDs []string  `json:"user_ids"`
}

var errMissingType = errors.New("frame has no type")

// DecodeFrame parses one inbound frame.
func DecodeFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if f.Type == "" {
		return nil, errMissingType
	}
	return &f, nil
}

func encodeFrame(v any) ([]byte, error) {
	return json.Marshal(v)
}

// ============================================================================
// Handlers
// ============================================================================

// EventHandler receives decoded push events. Session is the default
// implementation; consumers may wrap it and install the wrapper with
// Router.SetHandler.
type EventHandler interface {
	OnNewMessage(msg Message)
	OnTyping(senderID string, typing bool)
	OnMessageRead(messageID string)
	OnMessagesRead(messageIDs []string)
	OnOnlineStatus(users map[string]bool)
	OnReactionUpdate(messageID string, reactions []Reaction)
	OnMessageDeleted(messageID string)
}

type handlerRef struct {
	h EventHandler
}

// Router dispatches frames to whichever EventHandler is current at the time
// the frame arrives. The handler is loaded on every dispatch and never
// cached, so a swap is visible to a connection that is already open.
type Router struct {
	handler atomic.Pointer[handlerRef]
	log     zerolog.Logger
}

// NewRouter creates a router with no handler installed.
func NewRouter(log zerolog.Logger) *Router {
	return &Router{log: log.With().Str("component", "router").Logger()}
}

// SetHandler replaces the current handler. A nil handler drops frames.
func (r *Router) SetHandler(h EventHandler) {
	if h == nil {
		r.handler.Store(nil)
		return
	}
	r.handler.Store(&handlerRef{h: h})
}

// Handler returns the handler currently installed.
func (r *Router) Handler() EventHandler {
	if ref := r.handler.Load(); ref != nil {
		return ref.h
	}
	return nil
}

// Dispatch routes f to the current handler. Panics raised by the handler are
// recovered and logged so that one bad frame never kills the read loop.
func (r *Router) Dispatch(f *Frame) {
	if f == nil {
		return
	}
	if !knownFrame(f.Type) {
		FramesUnknown.Inc()
		r.log.Debug().Str("type", string(f.Type)).Msg("ignoring unknown frame")
		return
	}
	FramesReceived.WithLabelValues(string(f.Type)).Inc()

	// ping is answered by the connection manager before it gets here.
	if f.Type == FramePing {
		return
	}

	h := r.Handler()
	if h == nil {
		r.log.Debug().Str("type", string(f.Type)).Msg("no handler installed, frame dropped")
		return
	}

	defer func() {
		if p := recover(); p != nil {
			HandlerPanics.WithLabelValues(string(f.Type)).Inc()
			r.log.Error().Str("type", string(f.Type)).Interface("panic", p).Msg("event handler panicked")
		}
	}()

	switch f.Type {
	case FrameNewMessage:
		if f.Message == nil || f.Message.ID == "" {
			r.dropped(f, "message")
			return
		}
		h.OnNewMessage(*f.Message)
	case FrameTyping:
		if f.SenderID == "" || f.IsTyping == nil {
			r.dropped(f, "sender_id/is_typing")
			return
		}
		h.OnTyping(f.SenderID, *f.IsTyping)
	case FrameMessageRead:
		if f.MessageID == "" {
			r.dropped(f, "message_id")
			return
		}
		h.OnMessageRead(f.MessageID)
	case FrameMessagesRead:
		if len(f.MessageIDs) == 0 {
			return
		}
		h.OnMessagesRead(f.MessageIDs)
	case FrameOnlineStatus:
		if len(f.Users) == 0 {
			return
		}
		h.OnOnlineStatus(f.Users)
	case FrameReactionUpdate:
		if f.MessageID == "" {
			r.dropped(f, "message_id")
			return
		}
		h.OnReactionUpdate(f.MessageID, f.Reactions)
	case FrameMessageDeleted:
		if f.MessageID == "" {
			r.dropped(f, "message_id")
			return
		}
		h.OnMessageDeleted(f.MessageID)
	}
}

func (r *Router) dropped(f *Frame, field string) {
	FrameDecodeErrors.Inc()
	r.log.Warn().Str("type", string(f.Type)).Str("missing", field).Msg("frame missing payload, dropped")
}

func knownFrame(t FrameType) bool {
	switch t {
	case FrameNewMessage, FrameTyping, FrameMessageRead, FrameMessagesRead,
		FrameOnlineStatus, FrameReactionUpdate, FrameMessageDeleted, FramePing:
		return true
	}
	return false
}
