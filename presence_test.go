package chatsync

import (
	"testing"
	"time"
)

func TestPresenceTrackerTyping(t *testing.T) {
	t.Run("expires after ttl", func(t *testing.T) {
		tr := NewPresenceTracker(3 * time.Second)
		clock := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
		tr.now = func() time.Time { return clock }

		tr.MarkTyping("c1", "bob")
		if got := tr.TypingUsers("c1", "me"); len(got) != 1 || got[0] != "bob" {
			t.Fatalf("expected bob typing, got %v", got)
		}

		clock = clock.Add(2 * time.Second)
		if !tr.IsAnyoneTyping("c1", "me") {
			t.Fatal("indicator expired too early")
		}

		clock = clock.Add(2 * time.Second)
		if tr.IsAnyoneTyping("c1", "me") {
			t.Fatal("indicator survived past ttl")
		}
	})

	t.Run("refresh extends the deadline", func(t *testing.T) {
		tr := NewPresenceTracker(3 * time.Second)
		clock := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
		tr.now = func() time.Time { return clock }

		tr.MarkTyping("c1", "bob")
		clock = clock.Add(2 * time.Second)
		tr.MarkTyping("c1", "bob")
		clock = clock.Add(2 * time.Second)
		if !tr.IsAnyoneTyping("c1", "me") {
			t.Fatal("refresh did not extend expiry")
		}
	})

	t.Run("stop clears immediately", func(t *testing.T) {
		tr := NewPresenceTracker(3 * time.Second)
		tr.MarkTyping("c1", "bob")
		tr.ClearTyping("c1", "bob")
		if tr.IsAnyoneTyping("c1", "me") {
			t.Fatal("indicator survived explicit stop")
		}
	})

	t.Run("excludes self and sorts", func(t *testing.T) {
		tr := NewPresenceTracker(0)
		tr.MarkTyping("c1", "me")
		tr.MarkTyping("c1", "carol")
		tr.MarkTyping("c1", "bob")

		got := tr.TypingUsers("c1", "me")
		if len(got) != 2 || got[0] != "bob" || got[1] != "carol" {
			t.Fatalf("unexpected typing set: %v", got)
		}
	})

	t.Run("conversations are independent", func(t *testing.T) {
		tr := NewPresenceTracker(0)
		tr.MarkTyping("c1", "bob")
		if tr.IsAnyoneTyping("c2", "me") {
			t.Fatal("typing leaked across conversations")
		}
	})
}

func TestPresenceTrackerOnline(t *testing.T) {
	tr := NewPresenceTracker(0)

	tr.SetOnline("bob", true)
	tr.SetOnline("carol", true)
	if !tr.IsOnline("bob") {
		t.Fatal("bob should be online")
	}

	tr.SetOnline("bob", false)
	if tr.IsOnline("bob") {
		t.Fatal("bob should be offline")
	}
	if got := tr.Online(); len(got) != 1 || got[0] != "carol" {
		t.Fatalf("unexpected online set: %v", got)
	}

	tr.ReplaceOnline([]string{"dave", "bob"})
	got := tr.Online()
	if len(got) != 2 || got[0] != "bob" || got[1] != "dave" {
		t.Fatalf("replace produced %v", got)
	}
}

func TestPresenceTrackerClose(t *testing.T) {
	tr := NewPresenceTracker(0)
	tr.Init()
	tr.Close()
	tr.Close() // idempotent
}
