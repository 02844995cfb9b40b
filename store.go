package chatsync

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// ============================================================================
// Message Store
// ============================================================================

// MessageStore holds messages per conversation. It dedupes by confirmed
// server ID and keeps a stable display order: ascending CreatedAt, ties
// broken by arrival order. Provisional entries are never deduped against
// each other; they resolve only through their own temp id.
//
// The store is goroutine-safe. It never mutates caller-provided slices
// and never hands out its internal ones.
type MessageStore struct {
	mu     sync.RWMutex
	byConv map[string][]Message
	seq    uint64
}

// NewMessageStore creates an empty message store.
func NewMessageStore() *MessageStore {
	return &MessageStore{byConv: make(map[string][]Message)}
}

// Merge folds incoming into the conversation's message set and returns a
// snapshot of the merged, sorted result. Re-merging a confirmed message
// is a no-op, which is what makes replayed channel events safe.
func (s *MessageStore) Merge(conversationID string, incoming []Message) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.byConv[conversationID]
	byID := make(map[string]int, len(existing))
	byTemp := make(map[string]int, 2)
	for i, m := range existing {
		if m.ID != "" {
			byID[m.ID] = i
		} else if m.TempID != "" {
			byTemp[m.TempID] = i
		}
	}

	for _, in := range incoming {
		in.ConversationID = conversationID
		if in.ID != "" {
			if i, ok := byID[in.ID]; ok {
				// Duplicate confirmed message: keep the first arrival's
				// order, refresh mutable fields.
				in.seq = existing[i].seq
				existing[i] = in
				continue
			}
			s.seq++
			in.seq = s.seq
			existing = append(existing, in)
			byID[in.ID] = len(existing) - 1
			continue
		}
		if in.TempID != "" {
			if i, ok := byTemp[in.TempID]; ok {
				in.seq = existing[i].seq
				existing[i] = in
				continue
			}
			s.seq++
			in.seq = s.seq
			existing = append(existing, in)
			byTemp[in.TempID] = len(existing) - 1
		}
	}

	sort.SliceStable(existing, func(i, j int) bool {
		if !existing[i].CreatedAt.Equal(existing[j].CreatedAt) {
			return existing[i].CreatedAt.Before(existing[j].CreatedAt)
		}
		return existing[i].seq < existing[j].seq
	})

	s.byConv[conversationID] = existing
	return copyMessages(existing)
}

// Messages returns a snapshot of the conversation's messages.
func (s *MessageStore) Messages(conversationID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyMessages(s.byConv[conversationID])
}

// Contains reports whether the conversation already holds a confirmed
// message with the given server ID.
func (s *MessageStore) Contains(conversationID, id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.byConv[conversationID] {
		if m.ID == id {
			return true
		}
	}
	return false
}

// RemoveProvisional deletes the provisional entry with the given temp id,
// wherever it lives, and reports whether anything was removed. Removing a
// temp id twice is a safe no-op: that property is what lets the REST
// response and the channel echo race without double-resolving.
func (s *MessageStore) RemoveProvisional(tempID string) bool {
	if tempID == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for conv, msgs := range s.byConv {
		for i, m := range msgs {
			if m.ID == "" && m.TempID == tempID {
				s.byConv[conv] = append(msgs[:i:i], msgs[i+1:]...)
				return true
			}
		}
	}
	return false
}

// RekeyConversation moves all messages from a placeholder conversation
// reference to the server-assigned id. Used when the first send to a user
// comes back with a newly created conversation.
func (s *MessageStore) RekeyConversation(oldID, newID string) {
	if oldID == "" || oldID == newID {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	moved := s.byConv[oldID]
	if len(moved) == 0 {
		return
	}
	delete(s.byConv, oldID)
	for i := range moved {
		moved[i].ConversationID = newID
	}
	existing := s.byConv[newID]
	existing = append(existing, moved...)
	sort.SliceStable(existing, func(i, j int) bool {
		if !existing[i].CreatedAt.Equal(existing[j].CreatedAt) {
			return existing[i].CreatedAt.Before(existing[j].CreatedAt)
		}
		return existing[i].seq < existing[j].seq
	})
	s.byConv[newID] = existing
}

// ApplyRead records readerID in the ReadBy set of the listed messages,
// restricted to messages authored by authorID (read receipts are only
// meaningful on the local user's own messages). Unknown ids are no-ops.
// An empty messageIDs applies to every matching message.
func (s *MessageStore) ApplyRead(conversationID string, messageIDs []string, readerID, authorID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var wanted map[string]struct{}
	if len(messageIDs) > 0 {
		wanted = make(map[string]struct{}, len(messageIDs))
		for _, id := range messageIDs {
			wanted[id] = struct{}{}
		}
	}
	msgs := s.byConv[conversationID]
	for i, m := range msgs {
		if m.ID == "" || m.SenderID != authorID {
			continue
		}
		if wanted != nil {
			if _, ok := wanted[m.ID]; !ok {
				continue
			}
		}
		if !containsString(m.ReadBy, readerID) {
			msgs[i].ReadBy = append(append([]string(nil), m.ReadBy...), readerID)
		}
	}
}

// ApplyEdit replaces the body of a confirmed message. Unknown ids are
// no-ops.
func (s *MessageStore) ApplyEdit(conversationID, messageID, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.byConv[conversationID]
	for i, m := range msgs {
		if m.ID == messageID {
			msgs[i].Body = body
			msgs[i].Edited = true
			return
		}
	}
}

// ApplyDelete tombstones a confirmed message. The entry stays so the
// thread keeps its shape; the body is cleared. Unknown ids are no-ops.
func (s *MessageStore) ApplyDelete(conversationID, messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.byConv[conversationID]
	for i, m := range msgs {
		if m.ID == messageID {
			msgs[i].Deleted = true
			msgs[i].Body = ""
			msgs[i].AttachmentRef = ""
			return
		}
	}
}

// Search returns up to limit messages whose body contains query,
// case-insensitive, optionally restricted to one conversation.
func (s *MessageStore) Search(query, conversationID string, limit int) []Message {
	if limit <= 0 {
		limit = 50
	}
	q := strings.ToLower(query)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var results []Message
	for conv, msgs := range s.byConv {
		if conversationID != "" && conv != conversationID {
			continue
		}
		for _, m := range msgs {
			if m.Deleted {
				continue
			}
			if strings.Contains(strings.ToLower(m.Body), q) {
				results = append(results, m)
				if len(results) >= limit {
					return results
				}
			}
		}
	}
	return results
}

func copyMessages(msgs []Message) []Message {
	if len(msgs) == 0 {
		return nil
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// ============================================================================
// Day Grouping
// ============================================================================

// DayGroup is one rendered section of a thread: all messages sharing a
// local calendar day, under a human label.
type DayGroup struct {
	Label    string
	Date     time.Time
	Messages []Message
}

// GroupByDay splits an already-sorted message slice into per-day groups.
// Labels are computed against now's local calendar day, so callers must
// recompute per render rather than caching: "Today" moves with the clock.
func GroupByDay(msgs []Message, now time.Time) []DayGroup {
	var groups []DayGroup
	for _, m := range msgs {
		day := truncateToDay(m.CreatedAt.In(now.Location()))
		if n := len(groups); n > 0 && groups[n-1].Date.Equal(day) {
			groups[n-1].Messages = append(groups[n-1].Messages, m)
			continue
		}
		groups = append(groups, DayGroup{
			Label:    dayLabel(day, truncateToDay(now)),
			Date:     day,
			Messages: []Message{m},
		})
	}
	return groups
}

func truncateToDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func dayLabel(day, today time.Time) string {
	switch {
	case day.Equal(today):
		return "Today"
	case day.Equal(today.AddDate(0, 0, -1)):
		return "Yesterday"
	default:
		return day.Format("Monday, January 2, 2006")
	}
}
