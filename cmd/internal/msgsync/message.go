// Package msgsync holds the authoritative in-memory conversation state for
// the console and the merge rules that keep it consistent across its three
// producers (gateway push, poll task, optimistic send).
package msgsync

import (
	"errors"
	"strings"
	"time"
)

// Direction tells whether a message came from the peer or from us.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

var (
	// ErrNoConversationKey means no conversation key could be derived for
	// a message. Inventing a synthetic key would create ghost
	// conversations, so the message is rejected and surfaced as a sync
	// error instead.
	ErrNoConversationKey = errors.New("msgsync: message has no conversation key")

	// ErrNoMessageID means the message carried no id to dedup on.
	ErrNoMessageID = errors.New("msgsync: message has no id")

	// ErrUnknownConversation is returned when an operation targets a
	// conversation the store has never seen.
	ErrUnknownConversation = errors.New("msgsync: unknown conversation")

	// ErrUnknownMessage is returned by Confirm when the provisional id is
	// no longer present (usually because the gateway echo already
	// promoted it).
	ErrUnknownMessage = errors.New("msgsync: unknown message id")
)

// Message is one chat message as the console sees it.
type Message struct {
	ID              string    `json:"id"`
	ConversationKey string    `json:"conversation_key"`
	Body            string    `json:"body"`
	Timestamp       time.Time `json:"timestamp"`
	Direction       Direction `json:"direction"`
	Confirmed       bool      `json:"confirmed"`
	Read            bool      `json:"read"`
}

// Conversation is a point-in-time copy of one conversation's state.
// Messages are ordered by timestamp ascending; ties keep observation order.
type Conversation struct {
	Key         string    `json:"key"`
	Messages    []Message `json:"messages"`
	LastMessage *Message  `json:"last_message,omitempty"`
	UnreadCount int       `json:"unread_count"`
}

// Summary is the sidebar view of a conversation.
type Summary struct {
	Key          string   `json:"key"`
	LastMessage  *Message `json:"last_message,omitempty"`
	UnreadCount  int      `json:"unread_count"`
	MessageCount int      `json:"message_count"`
}

// NormalizeAddress derives a conversation key from a gateway address by
// trimming whitespace and stripping the channel qualifier
// ("5511999999999@c.us" -> "5511999999999").
func NormalizeAddress(raw string) (string, error) {
	addr := strings.TrimSpace(raw)
	if at := strings.IndexByte(addr, '@'); at >= 0 {
		addr = addr[:at]
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", ErrNoConversationKey
	}
	return addr, nil
}

// ---- Event payloads ----

// MessageAdded is published for every message accepted into a conversation.
type MessageAdded struct {
	ConversationKey string
	Message         Message
}

// ActiveConversationUpdate is published when the active conversation's
// state changes, carrying a full snapshot.
type ActiveConversationUpdate struct {
	Conversation Conversation
}

// SyncCompleted is published after a batch or reconciliation pass touched a
// conversation.
type SyncCompleted struct {
	ConversationKey string
	Ingested        int
}

// Sync error reasons (label values, wire-stable for dashboards).
const (
	ReasonNoConversationKey = "no_conversation_key"
	ReasonInvalidMessage    = "invalid_message"
	ReasonMirrorRead        = "mirror_read"
	ReasonFetch             = "fetch"
	ReasonSend              = "send"
	ReasonDecode            = "decode"
)

// SyncError is published when a message or sync pass had to be dropped.
type SyncError struct {
	ConversationKey string
	Reason          string
	Err             error
}
