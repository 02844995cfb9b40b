package chatsync

import "time"

// ============================================================================
// Core Data Model
// ============================================================================

// MessageKind classifies a message body.
type MessageKind string

const (
	KindText   MessageKind = "text"
	KindFile   MessageKind = "file"
	KindImage  MessageKind = "image"
	KindSystem MessageKind = "system"
)

// Message is a single chat message, either confirmed by the server (ID set)
// or provisional (TempID set). Exactly one of the two keys is authoritative
// at any point in time.
type Message struct {
	ID             string      `json:"id,omitempty"`
	TempID         string      `json:"tempId,omitempty"`
	ConversationID string      `json:"conversationId,omitempty"`
	SenderID       string      `json:"senderId"`
	Body           string      `json:"body"`
	Kind           MessageKind `json:"kind"`
	AttachmentRef  string      `json:"attachmentRef,omitempty"`
	ReplyToKey     string      `json:"replyToKey,omitempty"`
	Deleted        bool        `json:"deleted,omitempty"`
	Edited         bool        `json:"edited,omitempty"`
	Pending        bool        `json:"pending,omitempty"`
	ReadBy         []string    `json:"readBy,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`

	// seq is the arrival order assigned by the message store, used as the
	// stable tie-break when CreatedAt collides.
	seq uint64
}

// Key returns the authoritative key: the server ID once confirmed,
// the TempID while provisional.
func (m Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.TempID
}

// ConversationKind distinguishes one-to-one chats from groups.
type ConversationKind string

const (
	PrivateConversation ConversationKind = "private"
	GroupConversation   ConversationKind = "group"
)

// UserSummary is the minimal participant view used in conversation lists.
type UserSummary struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
	Online      bool   `json:"online,omitempty"`
}

// MessagePreview is the last-message snapshot rendered in conversation
// lists without loading full history.
type MessagePreview struct {
	Body      string      `json:"body"`
	Kind      MessageKind `json:"kind"`
	CreatedAt time.Time   `json:"createdAt"`
	Deleted   bool        `json:"deleted,omitempty"`
}

// Conversation is a chat thread summary. ID is empty for a conversation
// that exists only as a local "compose to user X" intent and has not been
// confirmed by the server yet.
type Conversation struct {
	ID           string           `json:"id,omitempty"`
	Kind         ConversationKind `json:"kind"`
	Name         string           `json:"name,omitempty"`
	Participants []UserSummary    `json:"participants,omitempty"`
	LastMessage  *MessagePreview  `json:"lastMessage,omitempty"`
	UnreadCount  int              `json:"unreadCount,omitempty"`
}

// Counterpart returns the other participant of a private conversation.
func (c Conversation) Counterpart(selfID string) (UserSummary, bool) {
	if c.Kind != PrivateConversation {
		return UserSummary{}, false
	}
	for _, p := range c.Participants {
		if p.ID != selfID {
			return p, true
		}
	}
	return UserSummary{}, false
}

// Session identifies the local user for the lifetime of one engine
// instance. It is passed explicitly at construction; the engine keeps no
// ambient identity state.
type Session struct {
	UserID      string
	DisplayName string
	Token       string
}

// Credential authenticates the event channel.
type Credential struct {
	UserID string
	Token  string
}

// Page selects a window of a paginated listing.
type Page struct {
	Limit  int
	Offset int
}

// ============================================================================
// Event Payloads
// ============================================================================

// Channel event names. The transport adapter normalizes raw payloads into
// the typed shapes below before they enter the engine.
const (
	EventMessageCreated      = "message.created"
	EventMessageRead         = "message.read"
	EventMessageUpdated      = "message.updated"
	EventMessageDeleted      = "message.deleted"
	EventTypingStart         = "typing.start"
	EventTypingStop          = "typing.stop"
	EventPresenceOnline      = "presence.online"
	EventPresenceOffline     = "presence.offline"
	EventConversationUpdated = "conversation.updated"
)

// Meta events dispatched by the channel itself, not by the server.
const (
	EventChannelConnected    = "channel.connected"
	EventChannelDisconnected = "channel.disconnected"
	EventChannelDegraded     = "channel.degraded"
)

// ReadReceiptPayload is sent when messages are marked read.
type ReadReceiptPayload struct {
	ConversationID string    `json:"conversationId"`
	MessageIDs     []string  `json:"messageIds,omitempty"`
	ReaderID       string    `json:"readerId"`
	ReadAt         time.Time `json:"readAt,omitempty"`
}

// TypingPayload scopes a typing.start/typing.stop event.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

// PresencePayload carries a presence.online/presence.offline event.
type PresencePayload struct {
	UserID string `json:"userId"`
}

// MessageDeletedPayload carries a message.deleted event.
type MessageDeletedPayload struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

// ============================================================================
// Request/Response Operations
// ============================================================================

// SendRequest is the payload of the message send operation. TempID is
// echoed back by the server so the client can correlate the confirmed
// message with its provisional counterpart.
type SendRequest struct {
	ConversationID string      `json:"conversationId,omitempty"`
	TargetUserID   string      `json:"targetUserId,omitempty"`
	Body           string      `json:"body"`
	Kind           MessageKind `json:"kind,omitempty"`
	TempID         string      `json:"tempId"`
	ReplyToKey     string      `json:"replyToKey,omitempty"`
	AttachmentRef  string      `json:"attachmentRef,omitempty"`
}

// SendResponse is the server's answer to a send. Conversation is set when
// the send created a conversation that did not exist before.
type SendResponse struct {
	ConversationID string        `json:"conversationId"`
	Message        Message       `json:"message"`
	Conversation   *Conversation `json:"conversation,omitempty"`
}
