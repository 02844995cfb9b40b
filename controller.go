package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// ConnState is the channel connectivity state surfaced to the
// presentation layer. Degraded means reconnect attempts are exhausted;
// it is not fatal, a manual Reconnect can recover.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateDegraded     ConnState = "degraded"
)

// Config tunes a Controller. The zero value selects the defaults.
type Config struct {
	// TypingTTL bounds how long a peer's typing indicator survives
	// without a refresh. Default DefaultTypingTTL.
	TypingTTL time.Duration
	// TypingDebounce is the minimum gap between typing.start emissions
	// while the user keeps typing. Default 300ms.
	TypingDebounce time.Duration
	// PageSize is the history/listing page size. Default 50.
	PageSize int
	// Logger receives engine diagnostics. Default slog.Default().
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.TypingDebounce == 0 {
		c.TypingDebounce = 300 * time.Millisecond
	}
	if c.PageSize == 0 {
		c.PageSize = 50
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Controller orchestrates the engine: initial load, conversation
// switching, sends, reconnect resync. It is the only component that talks
// to both the transport layer and the stores; the presentation layer only
// reads snapshots and issues intents.
type Controller struct {
	cfg       Config
	log       *slog.Logger
	session   Session
	connector Connector
	api       API

	messages      *MessageStore
	conversations *ConversationStore
	presence      *PresenceTracker
	coord         *Coordinator
	recon         *Reconciler

	mu             sync.Mutex
	channel        Channel
	state          ConnState
	current        string
	fetchGen       uint64
	lastTypingEmit time.Time
	subs           map[int]func()
	nextSub        int
	closed         bool
}

// NewController builds an engine instance around the given transport.
// Nothing connects until Start.
func NewController(session Session, connector Connector, api API, cfg Config) *Controller {
	cfg.defaults()
	c := &Controller{
		cfg:       cfg,
		log:       cfg.Logger,
		session:   session,
		connector: connector,
		api:       api,
		state:     StateDisconnected,
		subs:      make(map[int]func()),
	}
	c.messages = NewMessageStore()
	c.conversations = NewConversationStore(session.UserID)
	c.presence = NewPresenceTracker(cfg.TypingTTL)
	c.coord = NewCoordinator(api, c.messages, c.conversations, session)
	c.coord.OnChange(c.notify)
	c.recon = NewReconciler(
		c.log, session, c.messages, c.conversations, c.presence, c.coord,
		c.Selected,
		func(conversationID string, ids []string) { go c.issueMarkRead(conversationID, ids) },
		c.notify,
	)
	return c
}

// Start connects the channel and runs the initial load. The two initial
// fetches run in parallel; a failure in one does not block the other.
// A rejected credential is returned as an AUTH error and the channel is
// not retried with the same credential.
func (c *Controller) Start(ctx context.Context) error {
	c.presence.Init()

	c.setState(StateConnecting)
	ch, err := c.connector.Connect(ctx, Credential{UserID: c.session.UserID, Token: c.session.Token})
	if err != nil {
		c.setState(StateDisconnected)
		if IsAuth(err) {
			return err
		}
		return errNetwork("channel connect failed", err)
	}

	c.mu.Lock()
	c.channel = ch
	c.mu.Unlock()
	c.setState(StateConnected)

	c.recon.Bind(ch)
	ch.On(EventChannelConnected, func(json.RawMessage) {
		c.setState(StateConnected)
		// The channel offers no delivery guarantee across a disconnect
		// window, so a reconnect triggers a full resync instead of
		// trusting queued events to have been replayed.
		go c.Resync(context.Background())
	})
	ch.On(EventChannelDisconnected, func(json.RawMessage) { c.setState(StateDisconnected) })
	ch.On(EventChannelDegraded, func(json.RawMessage) { c.setState(StateDegraded) })

	return c.initialLoad(ctx)
}

func (c *Controller) initialLoad(ctx context.Context) error {
	var wg sync.WaitGroup
	var convErr, presenceErr error

	wg.Add(2)
	go func() {
		defer wg.Done()
		convs, err := c.api.ListConversations(ctx, Page{Limit: c.cfg.PageSize})
		if err != nil {
			convErr = err
			c.log.Warn("conversation list fetch failed", "err", err)
			return
		}
		// Upsert prepends, so walk the page backwards to keep the
		// server's ordering.
		for i := len(convs) - 1; i >= 0; i-- {
			c.conversations.Upsert(convs[i])
		}
	}()
	go func() {
		defer wg.Done()
		online, err := c.api.ListOnlineUsers(ctx)
		if err != nil {
			presenceErr = err
			c.log.Warn("online users fetch failed", "err", err)
			return
		}
		c.applyOnlineSet(online)
	}()
	wg.Wait()

	c.notify()
	return errors.Join(convErr, presenceErr)
}

func (c *Controller) applyOnlineSet(online []string) {
	previous := c.presence.Online()
	c.presence.ReplaceOnline(online)
	now := make(map[string]struct{}, len(online))
	for _, id := range online {
		now[id] = struct{}{}
		c.conversations.SetOnline(id, true)
	}
	for _, id := range previous {
		if _, ok := now[id]; !ok {
			c.conversations.SetOnline(id, false)
		}
	}
}

// Resync refetches the conversation list and the online set, and reloads
// the open conversation's history. Called after every reconnect; also
// safe to call manually.
func (c *Controller) Resync(ctx context.Context) error {
	err := c.initialLoad(ctx)
	if id := c.Selected(); id != "" && !isDraftRef(id) {
		// Read receipts emitted while disconnected were dropped, so the
		// resync replays mark-read for the open conversation.
		if selErr := c.SelectConversation(ctx, id); selErr != nil && err == nil {
			err = selErr
		}
	}
	return err
}

// SelectConversation opens a conversation: fetches history, merges it,
// resets the unread counter, and issues mark-as-read. A fetch that
// resolves after the user has already switched away is discarded, so two
// rapid switches cannot interleave stale results.
func (c *Controller) SelectConversation(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return errValidation("conversation id is empty")
	}

	c.mu.Lock()
	c.current = conversationID
	c.fetchGen++
	gen := c.fetchGen
	c.mu.Unlock()

	c.conversations.ResetUnread(conversationID)
	c.notify()

	if isDraftRef(conversationID) {
		return nil
	}

	msgs, err := c.api.GetMessages(ctx, conversationID, Page{Limit: c.cfg.PageSize})
	if err != nil {
		return errNetwork("history fetch failed", err)
	}

	c.mu.Lock()
	stale := c.fetchGen != gen
	c.mu.Unlock()
	if stale {
		c.log.Debug("discarding stale history fetch", "conversation", conversationID)
		return nil
	}

	c.messages.Merge(conversationID, msgs)
	go c.issueMarkRead(conversationID, nil)
	c.notify()
	return nil
}

// ComposeTo targets a user directly. It returns the reference to select:
// the existing private conversation's id when one is materialized, else a
// local draft reference that becomes a real conversation on first send.
func (c *Controller) ComposeTo(userID string) string {
	if existing, ok := c.conversations.FindPrivateWith(userID); ok && existing.ID != "" {
		return existing.ID
	}
	return draftConversationID(userID)
}

// SendMessage sends body to the selected conversation. The provisional
// message is visible in Messages() before the call returns. On success a
// typing.stop is emitted for the conversation.
func (c *Controller) SendMessage(ctx context.Context, body, replyToKey string) (Message, error) {
	selected := c.Selected()
	if selected == "" {
		return Message{}, errValidation("no conversation selected")
	}

	intent := SendIntent{Body: body, ReplyToKey: replyToKey}
	if isDraftRef(selected) {
		intent.TargetUserID = strings.TrimPrefix(selected, draftPrefix)
	} else {
		intent.ConversationID = selected
	}

	msg, err := c.coord.Send(ctx, intent)
	if err != nil {
		return Message{}, err
	}

	if isDraftRef(selected) && msg.ConversationID != "" {
		c.mu.Lock()
		if c.current == selected {
			c.current = msg.ConversationID
		}
		c.mu.Unlock()
	}

	c.emit(EventTypingStop, TypingPayload{ConversationID: msg.ConversationID, UserID: c.session.UserID})
	c.notify()
	return msg, nil
}

// NotifyTyping records a keystroke and emits typing.start, debounced.
// Emissions while disconnected are dropped silently; typing state is
// non-critical and self-heals on reconnect.
func (c *Controller) NotifyTyping() {
	selected := c.Selected()
	if selected == "" || isDraftRef(selected) {
		return
	}
	now := time.Now()
	c.mu.Lock()
	emit := shouldEmitTyping(now, c.lastTypingEmit, c.cfg.TypingDebounce)
	if emit {
		c.lastTypingEmit = now
	}
	c.mu.Unlock()
	if emit {
		c.emit(EventTypingStart, TypingPayload{ConversationID: selected, UserID: c.session.UserID})
	}
}

// shouldEmitTyping decides whether a keystroke at now warrants a fresh
// typing.start, given the previous emission. Pure so the debounce is
// testable without timers.
func shouldEmitTyping(now, lastEmit time.Time, debounce time.Duration) bool {
	return lastEmit.IsZero() || now.Sub(lastEmit) >= debounce
}

// ReconnectChannel forces a fresh dial, e.g. to recover from the
// degraded state after the automatic backoff gave up.
func (c *Controller) ReconnectChannel(ctx context.Context) error {
	c.mu.Lock()
	ch := c.channel
	c.mu.Unlock()
	if ch == nil {
		return errDisconnected("engine not started")
	}
	c.setState(StateConnecting)
	if err := ch.Reconnect(ctx); err != nil {
		c.setState(StateDisconnected)
		return err
	}
	return nil
}

// MarkCurrentRead resets the open conversation's unread counter and
// issues mark-as-read.
func (c *Controller) MarkCurrentRead(ctx context.Context) {
	selected := c.Selected()
	if selected == "" || isDraftRef(selected) {
		return
	}
	c.conversations.ResetUnread(selected)
	c.notify()
	go c.issueMarkRead(selected, nil)
}

func (c *Controller) issueMarkRead(conversationID string, messageIDs []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.api.MarkRead(ctx, conversationID, messageIDs); err != nil {
		// The server never recorded the read, so peers must not be told
		// it happened.
		c.log.Warn("mark-read failed", "conversation", conversationID, "err", err)
		return
	}
	c.emit(EventMessageRead, ReadReceiptPayload{
		ConversationID: conversationID,
		MessageIDs:     messageIDs,
		ReaderID:       c.session.UserID,
		ReadAt:         time.Now(),
	})
}

// emit pushes an event over the channel, best-effort. Returns whether it
// was dispatched.
func (c *Controller) emit(event string, payload any) bool {
	c.mu.Lock()
	ch := c.channel
	c.mu.Unlock()
	if ch == nil || !ch.IsConnected() {
		c.log.Debug("dropping emit, channel down", "event", event)
		return false
	}
	return ch.Emit(event, payload)
}

// ============================================================================
// Snapshots
// ============================================================================

// Selected returns the open conversation reference.
func (c *Controller) Selected() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// ConnState returns the channel connectivity state.
func (c *Controller) ConnState() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Conversations returns the conversation list snapshot.
func (c *Controller) Conversations() []Conversation {
	return c.conversations.List()
}

// Messages returns the open conversation's messages.
func (c *Controller) Messages() []Message {
	selected := c.Selected()
	if selected == "" {
		return nil
	}
	return c.messages.Messages(selected)
}

// Typing returns who else is composing in the open conversation.
func (c *Controller) Typing() []string {
	selected := c.Selected()
	if selected == "" {
		return nil
	}
	return c.presence.TypingUsers(selected, c.session.UserID)
}

// OnlineUsers returns the online set snapshot.
func (c *Controller) OnlineUsers() []string {
	return c.presence.Online()
}

// SearchMessages searches loaded messages locally.
func (c *Controller) SearchMessages(query string, conversationID string, limit int) []Message {
	return c.messages.Search(query, conversationID, limit)
}

// Subscribe registers a store-changed callback and returns its
// unsubscribe function. Callbacks run synchronously after a mutation;
// panics are contained.
func (c *Controller) Subscribe(fn func()) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

func (c *Controller) notify() {
	c.mu.Lock()
	fns := make([]func(), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		func() {
			defer func() { _ = recover() }() // subscriber panics stay theirs
			fn()
		}()
	}
}

func (c *Controller) setState(s ConnState) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed {
		c.notify()
	}
}

// Close tears the engine down: the channel is closed and background
// tasks stop. Local state is discarded with the instance; nothing is
// persisted.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ch := c.channel
	c.channel = nil
	c.mu.Unlock()

	c.presence.Close()
	if ch != nil {
		return ch.Close()
	}
	return nil
}
