package chatsync

import (
	"encoding/json"
	"log/slog"
)

// Reconciler is the single ingress point for inbound channel events. It
// routes each event kind to the stores and resolves pending optimistic
// sends. Every handler is idempotent under at-least-once delivery:
// replaying an event must not duplicate state.
type Reconciler struct {
	log           *slog.Logger
	session       Session
	messages      *MessageStore
	conversations *ConversationStore
	presence      *PresenceTracker
	coord         *Coordinator

	// current returns the id of the conversation the user has open, so
	// inbound messages there are read immediately instead of bumping the
	// unread counter.
	current func() string

	// markRead issues a read-receipt intent for inbound messages that
	// arrive in the open conversation.
	markRead func(conversationID string, messageIDs []string)

	// notify signals the presentation layer that a snapshot changed.
	notify func()
}

// NewReconciler wires the reconciler to its collaborators. Nil callbacks
// are replaced with no-ops.
func NewReconciler(
	log *slog.Logger,
	session Session,
	messages *MessageStore,
	conversations *ConversationStore,
	presence *PresenceTracker,
	coord *Coordinator,
	current func() string,
	markRead func(conversationID string, messageIDs []string),
	notify func(),
) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	if current == nil {
		current = func() string { return "" }
	}
	if markRead == nil {
		markRead = func(string, []string) {}
	}
	if notify == nil {
		notify = func() {}
	}
	return &Reconciler{
		log:           log,
		session:       session,
		messages:      messages,
		conversations: conversations,
		presence:      presence,
		coord:         coord,
		current:       current,
		markRead:      markRead,
		notify:        notify,
	}
}

// Bind subscribes the reconciler to every engine event on the channel.
func (r *Reconciler) Bind(ch Channel) {
	for _, name := range []string{
		EventMessageCreated,
		EventMessageRead,
		EventMessageUpdated,
		EventMessageDeleted,
		EventTypingStart,
		EventTypingStop,
		EventPresenceOnline,
		EventPresenceOffline,
		EventConversationUpdated,
	} {
		event := name
		ch.On(event, func(payload json.RawMessage) {
			r.Handle(event, payload)
		})
	}
}

// Handle dispatches one raw event. Malformed payloads are logged and
// dropped; the channel delivers at-least-once, so a later replay can
// still land.
func (r *Reconciler) Handle(event string, payload json.RawMessage) {
	switch event {
	case EventMessageCreated:
		var m Message
		if err := decodeEventPayload(payload, &m); err != nil {
			r.log.Warn("dropping malformed event", "event", event, "err", err)
			return
		}
		r.handleMessageCreated(m)
	case EventMessageRead:
		var p ReadReceiptPayload
		if err := decodeEventPayload(payload, &p); err != nil {
			r.log.Warn("dropping malformed event", "event", event, "err", err)
			return
		}
		r.messages.ApplyRead(p.ConversationID, p.MessageIDs, p.ReaderID, r.session.UserID)
	case EventMessageUpdated:
		var m Message
		if err := decodeEventPayload(payload, &m); err != nil {
			r.log.Warn("dropping malformed event", "event", event, "err", err)
			return
		}
		r.messages.ApplyEdit(m.ConversationID, m.ID, m.Body)
	case EventMessageDeleted:
		var p MessageDeletedPayload
		if err := decodeEventPayload(payload, &p); err != nil {
			r.log.Warn("dropping malformed event", "event", event, "err", err)
			return
		}
		r.messages.ApplyDelete(p.ConversationID, p.MessageID)
	case EventTypingStart, EventTypingStop:
		var p TypingPayload
		if err := decodeEventPayload(payload, &p); err != nil {
			r.log.Warn("dropping malformed event", "event", event, "err", err)
			return
		}
		r.handleTyping(event, p)
	case EventPresenceOnline, EventPresenceOffline:
		var p PresencePayload
		if err := decodeEventPayload(payload, &p); err != nil {
			r.log.Warn("dropping malformed event", "event", event, "err", err)
			return
		}
		online := event == EventPresenceOnline
		r.presence.SetOnline(p.UserID, online)
		r.conversations.SetOnline(p.UserID, online)
	case EventConversationUpdated:
		var c Conversation
		if err := decodeEventPayload(payload, &c); err != nil {
			r.log.Warn("dropping malformed event", "event", event, "err", err)
			return
		}
		if c.ID == "" {
			return
		}
		r.conversations.Upsert(c)
	default:
		r.log.Debug("ignoring unknown event", "event", event)
		return
	}
	r.notify()
}

func (r *Reconciler) handleMessageCreated(m Message) {
	if m.Key() == "" || m.ConversationID == "" {
		return
	}

	// A temp id echo is the coordinator's own success path arriving over
	// the channel. If the REST response got there first this returns
	// false and the message falls through to a plain merge, where the
	// dedupe by server id makes it a no-op.
	if m.TempID != "" && m.SenderID == r.session.UserID {
		if r.coord.ResolveFromEvent(m) {
			return
		}
		m.TempID = ""
	}

	known := r.messages.Contains(m.ConversationID, m.ID)
	r.messages.Merge(m.ConversationID, []Message{m})

	if _, ok := r.conversations.Get(m.ConversationID); !ok {
		// First inbound event for an unknown conversation materializes
		// a minimal entry; a conversation.updated fills it in later.
		r.conversations.Upsert(Conversation{
			ID:           m.ConversationID,
			Kind:         PrivateConversation,
			Participants: []UserSummary{{ID: r.session.UserID}, {ID: m.SenderID}},
		})
	}
	r.conversations.PatchLastMessage(m.ConversationID, m)
	r.presence.ClearTyping(m.ConversationID, m.SenderID)

	if m.SenderID == r.session.UserID || known {
		return
	}
	if m.ConversationID == r.current() {
		// Open conversation: read immediately and tell the server so.
		r.messages.ApplyRead(m.ConversationID, []string{m.ID}, r.session.UserID, m.SenderID)
		r.markRead(m.ConversationID, []string{m.ID})
		return
	}
	r.conversations.BumpUnread(m.ConversationID)
}

func (r *Reconciler) handleTyping(event string, p TypingPayload) {
	if p.UserID == r.session.UserID {
		return
	}
	// Typing state for conversations that are not loaded is not worth
	// materializing.
	if _, ok := r.conversations.Get(p.ConversationID); !ok {
		return
	}
	if event == EventTypingStart {
		r.presence.MarkTyping(p.ConversationID, p.UserID)
	} else {
		r.presence.ClearTyping(p.ConversationID, p.UserID)
	}
}
