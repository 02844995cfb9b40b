package chatsync

import (
	"context"
	"encoding/json"
)

// ============================================================================
// Transport Contracts
// ============================================================================

// Handler consumes the raw payload of a named channel event.
type Handler func(payload json.RawMessage)

// Channel is the persistent bidirectional event transport. Emit is
// best-effort: the return value says whether the frame was dispatched,
// not whether it was received.
type Channel interface {
	On(event string, h Handler)
	Off(event string)
	Emit(event string, payload any) bool
	IsConnected() bool
	Reconnect(ctx context.Context) error
	Close() error
}

// Connector establishes an authenticated Channel. An invalid credential
// fails with an AUTH error; the connector never retries a rejected
// credential on its own.
type Connector interface {
	Connect(ctx context.Context, cred Credential) (Channel, error)
}

// API is the conventional request/response surface: paginated history,
// search, and mutation. All calls honor ctx cancellation.
type API interface {
	ListConversations(ctx context.Context, page Page) ([]Conversation, error)
	GetMessages(ctx context.Context, conversationID string, page Page) ([]Message, error)
	SendMessage(ctx context.Context, req SendRequest) (*SendResponse, error)
	MarkRead(ctx context.Context, conversationID string, messageIDs []string) error
	SearchUsers(ctx context.Context, term string) ([]UserSummary, error)
	CreateGroup(ctx context.Context, name string, userIDs []string) (*Conversation, error)
	ListOnlineUsers(ctx context.Context) ([]string, error)
}

// ============================================================================
// Wire Format
// ============================================================================

// Envelope is the wire format for all channel events.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// decodeEventPayload unmarshals an event payload into v. Some transports
// nest the fields under a "data" key and some send them top-level; the
// shape is flattened here so the engine never branches on it.
func decodeEventPayload(raw json.RawMessage, v any) error {
	var probe struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &probe); err == nil && len(probe.Data) > 0 && probe.Data[0] == '{' {
		raw = probe.Data
	}
	return json.Unmarshal(raw, v)
}
