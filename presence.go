package chatsync

import (
	"sort"
	"sync"
	"time"
)

// DefaultTypingTTL is how long a typing indicator survives without a
// refresh. It sits well above 3x the usual client debounce interval, so a
// lost typing.stop bounds staleness instead of pinning the indicator.
const DefaultTypingTTL = 3 * time.Second

const sweepInterval = time.Second

// PresenceTracker holds the online-user set and the per-conversation
// typing sets. Typing entries expire: an explicit typing.stop or the TTL,
// whichever comes first, removes them. Expiry is checked lazily on every
// read and additionally swept by a background ticker.
type PresenceTracker struct {
	mu     sync.Mutex
	ttl    time.Duration
	online map[string]struct{}
	typing map[string]map[string]time.Time // conversation -> user -> expiry

	now     func() time.Time
	stopCh  chan struct{}
	stopped bool
}

// NewPresenceTracker creates a tracker. A non-positive ttl selects
// DefaultTypingTTL. Call Init to start the background sweep and Close to
// stop it.
func NewPresenceTracker(ttl time.Duration) *PresenceTracker {
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	return &PresenceTracker{
		ttl:    ttl,
		online: make(map[string]struct{}),
		typing: make(map[string]map[string]time.Time),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
}

// Init starts the background expiry sweep.
func (t *PresenceTracker) Init() {
	go t.sweepLoop()
}

// Close stops the background sweep. Safe to call more than once.
func (t *PresenceTracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.stopped {
		t.stopped = true
		close(t.stopCh)
	}
}

func (t *PresenceTracker) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.mu.Lock()
			t.expireLocked()
			t.mu.Unlock()
		}
	}
}

func (t *PresenceTracker) expireLocked() {
	now := t.now()
	for conv, users := range t.typing {
		for user, expiry := range users {
			if !expiry.After(now) {
				delete(users, user)
			}
		}
		if len(users) == 0 {
			delete(t.typing, conv)
		}
	}
}

// MarkTyping inserts or refreshes a typing entry with expiry now+TTL.
func (t *PresenceTracker) MarkTyping(conversationID, userID string) {
	if conversationID == "" || userID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	users := t.typing[conversationID]
	if users == nil {
		users = make(map[string]time.Time)
		t.typing[conversationID] = users
	}
	users[userID] = t.now().Add(t.ttl)
}

// ClearTyping removes a typing entry immediately.
func (t *PresenceTracker) ClearTyping(conversationID, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if users := t.typing[conversationID]; users != nil {
		delete(users, userID)
		if len(users) == 0 {
			delete(t.typing, conversationID)
		}
	}
}

// TypingUsers returns who is composing in the conversation, excluding
// selfID, sorted for stable rendering.
func (t *PresenceTracker) TypingUsers(conversationID, selfID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.expireLocked()
	var out []string
	for user := range t.typing[conversationID] {
		if user != selfID {
			out = append(out, user)
		}
	}
	sort.Strings(out)
	return out
}

// IsAnyoneTyping reports whether any user other than selfID is composing.
func (t *PresenceTracker) IsAnyoneTyping(conversationID, selfID string) bool {
	return len(t.TypingUsers(conversationID, selfID)) > 0
}

// SetOnline adds or removes a user from the online set. The channel is
// the authoritative presence source; there is no polling.
func (t *PresenceTracker) SetOnline(userID string, online bool) {
	if userID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if online {
		t.online[userID] = struct{}{}
	} else {
		delete(t.online, userID)
	}
}

// IsOnline reports whether the user is in the online set.
func (t *PresenceTracker) IsOnline(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.online[userID]
	return ok
}

// Online returns a sorted snapshot of the online set.
func (t *PresenceTracker) Online() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.online))
	for user := range t.online {
		out = append(out, user)
	}
	sort.Strings(out)
	return out
}

// ReplaceOnline swaps the whole online set, used by the full resync after
// a reconnect when queued events may have been lost.
func (t *PresenceTracker) ReplaceOnline(userIDs []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.online = make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		t.online[id] = struct{}{}
	}
}
