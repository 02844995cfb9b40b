package chatsync

import "sync"

// ConversationStore holds the conversation list. The invariant it
// enforces: at most one entry can resolve to the same private
// counterpart, so a locally-initiated chat and its later server-confirmed
// twin collapse into one row instead of duplicating.
type ConversationStore struct {
	mu     sync.RWMutex
	selfID string
	list   []Conversation
}

// NewConversationStore creates a store for the given local user.
func NewConversationStore(selfID string) *ConversationStore {
	return &ConversationStore{selfID: selfID}
}

// Upsert inserts or replaces a conversation. Matching is by id when the
// incoming entry carries one, falling back to the private counterpart so
// the pre-creation → created transition lands on the existing row. New
// entries are prepended.
func (s *ConversationStore) Upsert(c Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i := s.indexOf(c); i >= 0 {
		s.list[i] = c
		return
	}
	s.list = append([]Conversation{c}, s.list...)
}

func (s *ConversationStore) indexOf(c Conversation) int {
	if c.ID != "" {
		for i, e := range s.list {
			if e.ID == c.ID {
				return i
			}
		}
	}
	if c.Kind == PrivateConversation {
		if cp, ok := c.Counterpart(s.selfID); ok {
			for i, e := range s.list {
				// The counterpart match exists only for the
				// pre-creation → created transition. Two entries that
				// both carry server ids are distinct conversations even
				// when they share a counterpart.
				if c.ID != "" && e.ID != "" {
					continue
				}
				if other, ok := e.Counterpart(s.selfID); ok && other.ID == cp.ID {
					return i
				}
			}
		}
	}
	return -1
}

// clone detaches a conversation from the store's backing state so a
// later in-place write, SetOnline in particular, cannot reach into a
// snapshot already handed out.
func clone(c Conversation) Conversation {
	if c.Participants != nil {
		c.Participants = append([]UserSummary(nil), c.Participants...)
	}
	if c.LastMessage != nil {
		lm := *c.LastMessage
		c.LastMessage = &lm
	}
	return c
}

// Get returns the conversation with the given id.
func (s *ConversationStore) Get(id string) (Conversation, bool) {
	if id == "" {
		return Conversation{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.list {
		if c.ID == id {
			return clone(c), true
		}
	}
	return Conversation{}, false
}

// FindPrivateWith returns the private conversation whose counterpart is
// userID, if one is materialized. This is the lookup-before-create step
// that keeps the one-conversation-per-counterpart invariant.
func (s *ConversationStore) FindPrivateWith(userID string) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.list {
		if cp, ok := c.Counterpart(s.selfID); ok && cp.ID == userID {
			return clone(c), true
		}
	}
	return Conversation{}, false
}

// List returns a snapshot of the conversation list in display order.
func (s *ConversationStore) List() []Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.list) == 0 {
		return nil
	}
	out := make([]Conversation, len(s.list))
	for i, c := range s.list {
		out[i] = clone(c)
	}
	return out
}

// PatchLastMessage updates the last-message preview and moves the
// conversation to the top of the list.
func (s *ConversationStore) PatchLastMessage(conversationID string, m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.list {
		if c.ID != conversationID {
			continue
		}
		c.LastMessage = &MessagePreview{
			Body:      m.Body,
			Kind:      m.Kind,
			CreatedAt: m.CreatedAt,
			Deleted:   m.Deleted,
		}
		s.list = append(s.list[:i], s.list[i+1:]...)
		s.list = append([]Conversation{c}, s.list...)
		return
	}
}

// BumpUnread increments the unread counter. Unknown ids are no-ops.
func (s *ConversationStore) BumpUnread(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.list {
		if c.ID == conversationID {
			s.list[i].UnreadCount = c.UnreadCount + 1
			return
		}
	}
}

// ResetUnread zeroes the unread counter. Unknown ids are no-ops.
func (s *ConversationStore) ResetUnread(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.list {
		if c.ID == conversationID {
			s.list[i].UnreadCount = 0
			return
		}
	}
}

// SetOnline flips the online flag on every conversation participant
// matching userID. Private counterpart rows are how the list renders
// presence, so the cascade touches all of them.
func (s *ConversationStore) SetOnline(userID string, online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.list {
		for j := range s.list[i].Participants {
			if s.list[i].Participants[j].ID == userID {
				s.list[i].Participants[j].Online = online
			}
		}
	}
}
