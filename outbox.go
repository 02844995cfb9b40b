package chatsync

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// draftPrefix marks the placeholder conversation reference used for
// messages composed to a user before the server has assigned the
// conversation an id.
const draftPrefix = "draft:"

func draftConversationID(userID string) string {
	return draftPrefix + userID
}

func isDraftRef(ref string) bool {
	return strings.HasPrefix(ref, draftPrefix)
}

// SendIntent describes one send. Exactly one of ConversationID and
// TargetUserID must be set; TargetUserID covers the compose-to-user case
// where no conversation exists yet.
type SendIntent struct {
	ConversationID string
	TargetUserID   string
	Body           string
	Kind           MessageKind
	ReplyToKey     string
	AttachmentRef  string
}

// Coordinator creates provisional messages and tracks them until they are
// reconciled against the server's confirmation or rolled back on failure.
//
// Resolution can arrive twice for the same temp id: once through the REST
// response and once through the channel echo. Both paths go through
// resolve, which checks the pending set under the lock, so whichever
// arrives first wins and the second is a no-op.
type Coordinator struct {
	api           API
	messages      *MessageStore
	conversations *ConversationStore
	session       Session

	mu      sync.Mutex
	pending map[string]pendingSend

	now      func() time.Time
	onChange func()
}

type pendingSend struct {
	ref          string // conversation id or draft placeholder
	targetUserID string
}

// NewCoordinator wires a coordinator to its stores.
func NewCoordinator(api API, messages *MessageStore, conversations *ConversationStore, session Session) *Coordinator {
	return &Coordinator{
		api:           api,
		messages:      messages,
		conversations: conversations,
		session:       session,
		pending:       make(map[string]pendingSend),
		now:           time.Now,
	}
}

// OnChange registers a callback fired after every store mutation the
// coordinator performs, so the presentation layer sees the provisional
// message the moment it exists, not once the round trip resolves.
func (c *Coordinator) OnChange(fn func()) {
	c.onChange = fn
}

func (c *Coordinator) changed() {
	if c.onChange != nil {
		c.onChange()
	}
}

// Send validates the intent, materializes a provisional message so the
// sender sees it before any round trip, issues the send, and resolves or
// rolls back. There is no automatic retry: a failed send is removed and
// the caller resends, which avoids duplicate-send ambiguity.
func (c *Coordinator) Send(ctx context.Context, intent SendIntent) (Message, error) {
	if strings.TrimSpace(intent.Body) == "" && intent.AttachmentRef == "" {
		return Message{}, errValidation("message body is empty")
	}
	if intent.ConversationID == "" && intent.TargetUserID == "" {
		return Message{}, errValidation("send has no destination")
	}
	if intent.Kind == "" {
		intent.Kind = KindText
	}

	ref := intent.ConversationID
	if ref == "" {
		// Lookup-before-create: a second private conversation for the
		// same counterpart must never be materialized.
		if existing, ok := c.conversations.FindPrivateWith(intent.TargetUserID); ok && existing.ID != "" {
			ref = existing.ID
		} else {
			ref = draftConversationID(intent.TargetUserID)
			c.conversations.Upsert(Conversation{
				Kind: PrivateConversation,
				Participants: []UserSummary{
					{ID: c.session.UserID, DisplayName: c.session.DisplayName},
					{ID: intent.TargetUserID},
				},
			})
		}
	}

	tempID := "tmp-" + uuid.NewString()
	provisional := Message{
		TempID:         tempID,
		ConversationID: ref,
		SenderID:       c.session.UserID,
		Body:           intent.Body,
		Kind:           intent.Kind,
		ReplyToKey:     intent.ReplyToKey,
		AttachmentRef:  intent.AttachmentRef,
		Pending:        true,
		CreatedAt:      c.now(),
	}
	c.messages.Merge(ref, []Message{provisional})
	c.changed()

	c.mu.Lock()
	c.pending[tempID] = pendingSend{ref: ref, targetUserID: intent.TargetUserID}
	c.mu.Unlock()

	req := SendRequest{
		Body:          intent.Body,
		Kind:          intent.Kind,
		TempID:        tempID,
		ReplyToKey:    intent.ReplyToKey,
		AttachmentRef: intent.AttachmentRef,
	}
	if isDraftRef(ref) {
		req.TargetUserID = intent.TargetUserID
	} else {
		req.ConversationID = ref
	}

	resp, err := c.api.SendMessage(ctx, req)
	if err != nil {
		c.Fail(tempID)
		var se *SyncError
		if errors.As(err, &se) {
			return Message{}, err
		}
		return Message{}, errNetwork("send failed", err)
	}

	confirmed := resp.Message
	confirmed.TempID = ""
	confirmed.Pending = false
	if confirmed.ConversationID == "" {
		confirmed.ConversationID = resp.ConversationID
	}
	// The channel echo may have resolved this temp id already; resolve
	// is a no-op then and the stored state is identical either way.
	c.resolve(tempID, confirmed.ConversationID, confirmed, resp.Conversation)
	return confirmed, nil
}

// ResolveFromEvent handles a message.created event carrying a temp id
// echo. It reports whether the event matched a pending local send; false
// means the event belongs to someone else or the REST path won the race.
func (c *Coordinator) ResolveFromEvent(m Message) bool {
	if m.TempID == "" {
		return false
	}
	tempID := m.TempID
	m.TempID = ""
	m.Pending = false
	return c.resolve(tempID, m.ConversationID, m, nil)
}

func (c *Coordinator) resolve(tempID, conversationID string, confirmed Message, conv *Conversation) bool {
	c.mu.Lock()
	p, ok := c.pending[tempID]
	if !ok {
		c.mu.Unlock()
		return false
	}
	delete(c.pending, tempID)
	c.mu.Unlock()

	if conv != nil {
		c.conversations.Upsert(*conv)
	} else if isDraftRef(p.ref) && conversationID != "" {
		// First message to this user: carry the server-assigned id onto
		// the pre-creation entry. Upsert matches by counterpart.
		c.conversations.Upsert(Conversation{
			ID:   conversationID,
			Kind: PrivateConversation,
			Participants: []UserSummary{
				{ID: c.session.UserID, DisplayName: c.session.DisplayName},
				{ID: p.targetUserID},
			},
		})
	}
	if isDraftRef(p.ref) && conversationID != "" {
		c.messages.RekeyConversation(p.ref, conversationID)
	}

	c.messages.RemoveProvisional(tempID)
	if confirmed.ID != "" && conversationID != "" {
		c.messages.Merge(conversationID, []Message{confirmed})
		c.conversations.PatchLastMessage(conversationID, confirmed)
	}
	c.changed()
	return true
}

// Fail rolls a pending send back: the provisional message disappears and
// the temp id is forgotten. Safe to call after a resolution; it is a
// no-op then.
func (c *Coordinator) Fail(tempID string) {
	c.mu.Lock()
	delete(c.pending, tempID)
	c.mu.Unlock()
	c.messages.RemoveProvisional(tempID)
	c.changed()
}

// HasPending reports whether a temp id is still awaiting resolution.
func (c *Coordinator) HasPending(tempID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[tempID]
	return ok
}

// PendingCount returns how many sends are in flight.
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
