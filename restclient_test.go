package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func okBody(data any) string {
	raw, _ := json.Marshal(data)
	return fmt.Sprintf(`{"ok":true,"data":%s}`, raw)
}

func errBody(code, message string) string {
	return fmt.Sprintf(`{"ok":false,"error":{"code":%q,"message":%q}}`, code, message)
}

func TestClientRequests(t *testing.T) {
	t.Run("sends bearer auth and pagination", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if got := r.Header.Get("Authorization"); got != "Bearer tok" {
				t.Errorf("missing bearer token, got %q", got)
			}
			if r.URL.Path != "/api/chat/conversations" {
				t.Errorf("unexpected path %q", r.URL.Path)
			}
			if got := r.URL.Query().Get("limit"); got != "25" {
				t.Errorf("limit not forwarded, got %q", got)
			}
			fmt.Fprint(w, okBody([]Conversation{{ID: "c1", Kind: PrivateConversation}}))
		}))
		defer srv.Close()

		client := NewClient(srv.URL, "tok")
		convs, err := client.ListConversations(context.Background(), Page{Limit: 25})
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		if len(convs) != 1 || convs[0].ID != "c1" {
			t.Fatalf("unexpected result: %+v", convs)
		}
	})

	t.Run("send posts the temp id", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost || r.URL.Path != "/api/chat/messages" {
				t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			}
			var req SendRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("bad body: %v", err)
			}
			if req.TempID != "tmp-abc" {
				t.Errorf("temp id not forwarded: %q", req.TempID)
			}
			fmt.Fprint(w, okBody(SendResponse{
				ConversationID: "c1",
				Message:        Message{ID: "m1", TempID: req.TempID, ConversationID: "c1", Body: req.Body},
			}))
		}))
		defer srv.Close()

		client := NewClient(srv.URL, "tok")
		resp, err := client.SendMessage(context.Background(), SendRequest{
			ConversationID: "c1", Body: "hi", Kind: KindText, TempID: "tmp-abc",
		})
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		if resp.Message.ID != "m1" || resp.Message.TempID != "tmp-abc" {
			t.Fatalf("echo lost: %+v", resp.Message)
		}
	})

	t.Run("mark read escapes the conversation id", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/api/chat/conversations/c one/read" {
				t.Errorf("unexpected path %q", r.URL.Path)
			}
			fmt.Fprint(w, okBody(map[string]any{}))
		}))
		defer srv.Close()

		client := NewClient(srv.URL, "tok")
		if err := client.MarkRead(context.Background(), "c one", nil); err != nil {
			t.Fatalf("request failed: %v", err)
		}
	})
}

func TestClientErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		check  func(error) bool
	}{
		{"conflict code", http.StatusOK, errBody("CONFLICT", "temp id reused"), IsConflict},
		{"conflict status", http.StatusConflict, errBody("", "conflict"), IsConflict},
		{"auth status", http.StatusUnauthorized, errBody("", "bad token"), IsAuth},
		{"validation status", http.StatusBadRequest, errBody("VALIDATION", "empty body"), IsValidation},
		{"server error", http.StatusInternalServerError, errBody("", "boom"), IsNetwork},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				fmt.Fprint(w, tc.body)
			}))
			defer srv.Close()

			client := NewClient(srv.URL, "tok")
			_, err := client.ListConversations(context.Background(), Page{})
			if err == nil {
				t.Fatal("expected an error")
			}
			if !tc.check(err) {
				t.Fatalf("wrong error class: %v", err)
			}
		})
	}

	t.Run("unreachable server is a network error", func(t *testing.T) {
		client := NewClient("http://127.0.0.1:1", "tok", WithTimeout(DefaultTimeout))
		_, err := client.ListConversations(context.Background(), Page{})
		if !IsNetwork(err) {
			t.Fatalf("expected network error, got %v", err)
		}
	})
}
