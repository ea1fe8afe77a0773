// Package v1 defines the Genesis gateway wire protocol.
//
// This package is intentionally stable and dependency-light. The frame shape
// and field casing are fixed by the gateway process on the other end of the
// socket; changing them here breaks the wire.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Frame type constants (wire-stable).
const (
	// TypePing and TypePong are reserved for transport liveness. They are
	// consumed by the connection layer and never reach application handlers.
	TypePing = "ping"
	TypePong = "pong"

	// TypeNewMessage carries a single message pushed by the gateway.
	TypeNewMessage = "new_message"
	// TypeDirectMessage carries a single direct (1:1) message.
	TypeDirectMessage = "direct_message"
	// TypeInboxData carries a batch of messages across conversations.
	TypeInboxData = "inbox_data"
	// TypeActiveChatUpdate carries a refreshed message set for one chat.
	TypeActiveChatUpdate = "active_chat_update"
	// TypeConnectionStatus reports the gateway's upstream session state.
	TypeConnectionStatus = "connection_status"
	// TypeForceRefreshChat asks the console to re-fetch the active chat.
	TypeForceRefreshChat = "force_refresh_chat"
)

// Gateway ack levels for outbound messages.
const (
	AckPending = 0
	AckServer  = 1
	AckDevice  = 2
	AckRead    = 3
)

// Frame is the canonical wire wrapper: {"type": string, "data": <any JSON>}.
// Data may be absent for signal-only frames such as ping and force_refresh_chat.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewFrame builds a frame with v marshaled into Data. A nil v produces a
// frame without a data field.
func NewFrame(frameType string, v any) (Frame, error) {
	f := Frame{Type: frameType}
	if v == nil {
		return f, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal %s data: %w", frameType, err)
	}
	f.Data = raw
	return f, nil
}

// Ping returns the reserved liveness probe frame.
func Ping() Frame { return Frame{Type: TypePing} }

// Pong returns the reserved liveness reply frame.
func Pong() Frame { return Frame{Type: TypePong} }

// Validate performs structural validation. Unknown frame types are NOT an
// error here: the gateway may introduce new types, and unhandled ones must
// pass through to subscribers untouched.
func (f Frame) Validate() error {
	if strings.TrimSpace(f.Type) == "" {
		return errors.New("missing field: type")
	}
	return nil
}

// Into unmarshals the frame's data into v.
func (f Frame) Into(v any) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("%s frame has no data", f.Type)
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("decode %s data: %w", f.Type, err)
	}
	return nil
}

// WireTime bridges the gateway's two timestamp encodings: RFC 3339 strings
// and integer epoch milliseconds. It marshals back as RFC 3339 UTC.
type WireTime struct {
	time.Time
}

func (t WireTime) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte(`""`), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

func (t *WireTime) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "" || s == "null" || s == `""` {
		t.Time = time.Time{}
		return nil
	}
	if s[0] == '"' {
		var raw string
		if err := json.Unmarshal(b, &raw); err != nil {
			return err
		}
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return fmt.Errorf("timestamp %q is not RFC 3339: %w", raw, err)
		}
		t.Time = parsed
		return nil
	}
	millis, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("timestamp %q is neither RFC 3339 nor epoch millis", s)
	}
	t.Time = time.UnixMilli(millis).UTC()
	return nil
}

// ---- Payloads ----

// MessagePayload is the gateway's message record. Field casing follows the
// gateway's JSON.
type MessagePayload struct {
	ID        string   `json:"id"`
	ChatID    string   `json:"chatId"`
	Body      string   `json:"body"`
	Timestamp WireTime `json:"timestamp"`
	FromMe    bool     `json:"fromMe"`
	Ack       int      `json:"ack,omitempty"`
	Read      bool     `json:"read,omitempty"`
}

// InboxPayload carries a message batch spanning any number of chats.
type InboxPayload struct {
	Messages []MessagePayload `json:"messages"`
}

// ActiveChatPayload carries the refreshed message set for a single chat.
type ActiveChatPayload struct {
	ChatID   string           `json:"chatId"`
	Messages []MessagePayload `json:"messages"`
}

// ConnectionStatusPayload reports the gateway's own upstream session state
// (for example "connected", "disconnected", "qr_required").
type ConnectionStatusPayload struct {
	Status string `json:"status"`
}
