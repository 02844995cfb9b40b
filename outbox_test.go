package chatsync

import (
	"context"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Fake API
// ============================================================================

// fakeAPI implements API with overridable function fields. Unset fields
// return empty results.
type fakeAPI struct {
	listConversations func(ctx context.Context, page Page) ([]Conversation, error)
	getMessages       func(ctx context.Context, conversationID string, page Page) ([]Message, error)
	sendMessage       func(ctx context.Context, req SendRequest) (*SendResponse, error)
	markRead          func(ctx context.Context, conversationID string, messageIDs []string) error
	listOnlineUsers   func(ctx context.Context) ([]string, error)
}

func (f *fakeAPI) ListConversations(ctx context.Context, page Page) ([]Conversation, error) {
	if f.listConversations == nil {
		return nil, nil
	}
	return f.listConversations(ctx, page)
}

func (f *fakeAPI) GetMessages(ctx context.Context, conversationID string, page Page) ([]Message, error) {
	if f.getMessages == nil {
		return nil, nil
	}
	return f.getMessages(ctx, conversationID, page)
}

func (f *fakeAPI) SendMessage(ctx context.Context, req SendRequest) (*SendResponse, error) {
	if f.sendMessage == nil {
		return &SendResponse{}, nil
	}
	return f.sendMessage(ctx, req)
}

func (f *fakeAPI) MarkRead(ctx context.Context, conversationID string, messageIDs []string) error {
	if f.markRead == nil {
		return nil
	}
	return f.markRead(ctx, conversationID, messageIDs)
}

func (f *fakeAPI) SearchUsers(ctx context.Context, term string) ([]UserSummary, error) {
	return nil, nil
}

func (f *fakeAPI) CreateGroup(ctx context.Context, name string, userIDs []string) (*Conversation, error) {
	return &Conversation{ID: "g1", Kind: GroupConversation, Name: name}, nil
}

func (f *fakeAPI) ListOnlineUsers(ctx context.Context) ([]string, error) {
	if f.listOnlineUsers == nil {
		return nil, nil
	}
	return f.listOnlineUsers(ctx)
}

func newTestCoordinator(api API) (*Coordinator, *MessageStore, *ConversationStore) {
	messages := NewMessageStore()
	conversations := NewConversationStore("me")
	session := Session{UserID: "me", DisplayName: "Me", Token: "tok"}
	return NewCoordinator(api, messages, conversations, session), messages, conversations
}

func confirmedFor(req SendRequest, id, conversationID string, at time.Time) *SendResponse {
	return &SendResponse{
		ConversationID: conversationID,
		Message: Message{
			ID:             id,
			TempID:         req.TempID,
			ConversationID: conversationID,
			SenderID:       "me",
			Body:           req.Body,
			Kind:           req.Kind,
			CreatedAt:      at,
		},
	}
}

// ============================================================================
// Validation
// ============================================================================

func TestCoordinatorSendValidation(t *testing.T) {
	called := false
	api := &fakeAPI{sendMessage: func(ctx context.Context, req SendRequest) (*SendResponse, error) {
		called = true
		return &SendResponse{}, nil
	}}
	coord, messages, _ := newTestCoordinator(api)

	t.Run("empty body", func(t *testing.T) {
		_, err := coord.Send(context.Background(), SendIntent{ConversationID: "c1", Body: "   "})
		if !IsValidation(err) {
			t.Fatalf("expected validation error, got %v", err)
		}
	})

	t.Run("no destination", func(t *testing.T) {
		_, err := coord.Send(context.Background(), SendIntent{Body: "hi"})
		if !IsValidation(err) {
			t.Fatalf("expected validation error, got %v", err)
		}
	})

	if called {
		t.Fatal("rejected sends must not reach the server")
	}
	if got := messages.Messages("c1"); got != nil {
		t.Fatalf("rejected send left state behind: %+v", got)
	}
}

// ============================================================================
// Success path
// ============================================================================

func TestCoordinatorSendSuccess(t *testing.T) {
	sawProvisional := false
	var coord *Coordinator
	var messages *MessageStore

	api := &fakeAPI{sendMessage: func(ctx context.Context, req SendRequest) (*SendResponse, error) {
		// The provisional message must already be visible while the
		// request is in flight.
		for _, m := range messages.Messages("c1") {
			if m.TempID == req.TempID && m.Pending {
				sawProvisional = true
			}
		}
		return confirmedFor(req, "m1", "c1", testBase), nil
	}}
	coord, messages, conversations := newTestCoordinator(api)
	conversations.Upsert(privateConv("c1", "me", "bob"))

	msg, err := coord.Send(context.Background(), SendIntent{ConversationID: "c1", Body: "hi"})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if !sawProvisional {
		t.Fatal("provisional message was not visible during the request")
	}
	if msg.ID != "m1" || msg.Pending || msg.TempID != "" {
		t.Fatalf("unexpected confirmed message: %+v", msg)
	}

	got := messages.Messages("c1")
	if len(got) != 1 || got[0].ID != "m1" || got[0].Pending {
		t.Fatalf("store not reconciled: %+v", got)
	}
	if coord.PendingCount() != 0 {
		t.Fatalf("pending set not drained: %d", coord.PendingCount())
	}
	conv, _ := conversations.Get("c1")
	if conv.LastMessage == nil || conv.LastMessage.Body != "hi" {
		t.Fatalf("preview not patched: %+v", conv.LastMessage)
	}
}

// ============================================================================
// Failure path
// ============================================================================

func TestCoordinatorSendFailure(t *testing.T) {
	api := &fakeAPI{sendMessage: func(ctx context.Context, req SendRequest) (*SendResponse, error) {
		return nil, errNetwork("boom", nil)
	}}
	coord, messages, conversations := newTestCoordinator(api)
	conversations.Upsert(privateConv("c1", "me", "bob"))

	_, err := coord.Send(context.Background(), SendIntent{ConversationID: "c1", Body: "hi"})
	if !IsNetwork(err) {
		t.Fatalf("expected network error, got %v", err)
	}
	if got := messages.Messages("c1"); got != nil {
		t.Fatalf("provisional not rolled back: %+v", got)
	}
	if coord.PendingCount() != 0 {
		t.Fatal("failed send left a pending entry")
	}
}

// ============================================================================
// Draft conversation flow
// ============================================================================

func TestCoordinatorSendToUser(t *testing.T) {
	t.Run("creates conversation on first send", func(t *testing.T) {
		api := &fakeAPI{sendMessage: func(ctx context.Context, req SendRequest) (*SendResponse, error) {
			if req.TargetUserID != "bob" || req.ConversationID != "" {
				t.Fatalf("expected target-user request, got %+v", req)
			}
			resp := confirmedFor(req, "m1", "c9", testBase)
			resp.Conversation = &Conversation{
				ID:   "c9",
				Kind: PrivateConversation,
				Participants: []UserSummary{
					{ID: "me"}, {ID: "bob"},
				},
			}
			return resp, nil
		}}
		coord, messages, conversations := newTestCoordinator(api)

		msg, err := coord.Send(context.Background(), SendIntent{TargetUserID: "bob", Body: "hi"})
		if err != nil {
			t.Fatalf("send failed: %v", err)
		}
		if msg.ConversationID != "c9" {
			t.Fatalf("conversation id not adopted: %+v", msg)
		}

		list := conversations.List()
		if len(list) != 1 || list[0].ID != "c9" {
			t.Fatalf("expected single confirmed conversation, got %+v", list)
		}
		if got := messages.Messages("c9"); len(got) != 1 || got[0].ID != "m1" {
			t.Fatalf("messages not rekeyed: %+v", got)
		}
		if got := messages.Messages(draftConversationID("bob")); got != nil {
			t.Fatalf("draft bucket should be empty: %+v", got)
		}
	})

	t.Run("reuses existing private conversation", func(t *testing.T) {
		api := &fakeAPI{sendMessage: func(ctx context.Context, req SendRequest) (*SendResponse, error) {
			if req.ConversationID != "c1" {
				t.Fatalf("expected send into c1, got %+v", req)
			}
			return confirmedFor(req, "m1", "c1", testBase), nil
		}}
		coord, _, conversations := newTestCoordinator(api)
		conversations.Upsert(privateConv("c1", "me", "bob"))

		if _, err := coord.Send(context.Background(), SendIntent{TargetUserID: "bob", Body: "hi"}); err != nil {
			t.Fatalf("send failed: %v", err)
		}
		if got := len(conversations.List()); got != 1 {
			t.Fatalf("duplicate conversation materialized, %d entries", got)
		}
	})
}

// ============================================================================
// REST response vs channel echo race
// ============================================================================

func TestCoordinatorResolveExactlyOnce(t *testing.T) {
	t.Run("rest first, echo second", func(t *testing.T) {
		var tempID string
		api := &fakeAPI{sendMessage: func(ctx context.Context, req SendRequest) (*SendResponse, error) {
			tempID = req.TempID
			return confirmedFor(req, "m1", "c1", testBase), nil
		}}
		coord, messages, conversations := newTestCoordinator(api)
		conversations.Upsert(privateConv("c1", "me", "bob"))

		if _, err := coord.Send(context.Background(), SendIntent{ConversationID: "c1", Body: "hi"}); err != nil {
			t.Fatalf("send failed: %v", err)
		}

		echo := Message{ID: "m1", TempID: tempID, ConversationID: "c1", SenderID: "me", Body: "hi", CreatedAt: testBase}
		if coord.ResolveFromEvent(echo) {
			t.Fatal("late echo must not resolve a second time")
		}
		if got := messages.Messages("c1"); len(got) != 1 {
			t.Fatalf("expected exactly one message, got %d", len(got))
		}
	})

	t.Run("echo first, rest second", func(t *testing.T) {
		var coord *Coordinator
		api := &fakeAPI{}
		api.sendMessage = func(ctx context.Context, req SendRequest) (*SendResponse, error) {
			// The channel echo lands before the HTTP response returns.
			echo := Message{ID: "m1", TempID: req.TempID, ConversationID: "c1", SenderID: "me", Body: req.Body, CreatedAt: testBase}
			if !coord.ResolveFromEvent(echo) {
				t.Fatal("echo should have resolved the pending send")
			}
			return confirmedFor(req, "m1", "c1", testBase), nil
		}
		coord, messages, conversations := newTestCoordinator(api)
		conversations.Upsert(privateConv("c1", "me", "bob"))

		if _, err := coord.Send(context.Background(), SendIntent{ConversationID: "c1", Body: "hi"}); err != nil {
			t.Fatalf("send failed: %v", err)
		}
		got := messages.Messages("c1")
		if len(got) != 1 || got[0].ID != "m1" || got[0].Pending {
			t.Fatalf("expected one confirmed message, got %+v", got)
		}
	})
}

// ============================================================================
// Out-of-order confirmations
// ============================================================================

func TestCoordinatorOutOfOrderConfirmations(t *testing.T) {
	firstInFlight := make(chan struct{})
	releaseFirst := make(chan struct{})

	api := &fakeAPI{sendMessage: func(ctx context.Context, req SendRequest) (*SendResponse, error) {
		switch req.Body {
		case "first":
			close(firstInFlight)
			<-releaseFirst
			return confirmedFor(req, "m1", "c1", testBase), nil
		default:
			return confirmedFor(req, "m2", "c1", testBase.Add(time.Second)), nil
		}
	}}
	coord, messages, conversations := newTestCoordinator(api)
	conversations.Upsert(privateConv("c1", "me", "bob"))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if _, err := coord.Send(context.Background(), SendIntent{ConversationID: "c1", Body: "first"}); err != nil {
			t.Errorf("first send failed: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		<-firstInFlight
		// The second send confirms while the first is still pending.
		if _, err := coord.Send(context.Background(), SendIntent{ConversationID: "c1", Body: "second"}); err != nil {
			t.Errorf("second send failed: %v", err)
		}
		close(releaseFirst)
	}()
	wg.Wait()

	got := messages.Messages("c1")
	if len(got) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got))
	}
	// Display order follows server timestamps, not confirmation order.
	if got[0].ID != "m1" || got[1].ID != "m2" {
		t.Fatalf("unexpected order: %s, %s", got[0].ID, got[1].ID)
	}
}
