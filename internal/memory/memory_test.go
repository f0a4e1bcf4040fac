package memory

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/lorekeep/lorekeep/pkg/models"
)

func testScope(npcID string) Scope {
	return Scope{TenantID: "t1", SiteID: "s1", SessionID: "sess-1", NPCID: npcID}
}

func TestAppendAndRecent(t *testing.T) {
	store := NewLocalStore()
	ctx := context.Background()
	scope := testScope("npc-a")

	for i := 0; i < 5; i++ {
		err := store.AppendMessage(ctx, scope, models.MemoryMessage{
			Role:    "user",
			Content: fmt.Sprintf("message %d", i),
		})
		if err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	messages, err := store.RecentMessages(ctx, scope, 3, 0)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(messages) != 3 {
		t.Fatalf("got %d messages, want 3", len(messages))
	}
	// Chronological order, trimmed from the oldest.
	if messages[0].Content != "message 2" || messages[2].Content != "message 4" {
		t.Errorf("wrong window: %q .. %q", messages[0].Content, messages[2].Content)
	}
}

func TestNPCIsolation(t *testing.T) {
	store := NewLocalStore()
	ctx := context.Background()

	store.AppendMessage(ctx, testScope("npc-a"), models.MemoryMessage{Role: "user", Content: "for a"})
	store.AppendMessage(ctx, testScope("npc-b"), models.MemoryMessage{Role: "user", Content: "for b"})

	messages, err := store.RecentMessages(ctx, testScope("npc-a"), 0, 0)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(messages) != 1 || messages[0].Content != "for a" {
		t.Errorf("npc-a log = %v, want only its own message", messages)
	}
}

func TestTrimByCount(t *testing.T) {
	store := NewLocalStore(WithBounds(3, 0))
	ctx := context.Background()
	scope := testScope("npc-a")

	for i := 0; i < 10; i++ {
		store.AppendMessage(ctx, scope, models.MemoryMessage{Role: "user", Content: fmt.Sprintf("m%d", i)})
	}

	messages, _ := store.RecentMessages(ctx, scope, 0, 0)
	if len(messages) != 3 {
		t.Fatalf("got %d messages, want 3", len(messages))
	}
	if messages[0].Content != "m7" {
		t.Errorf("oldest kept = %q, want m7", messages[0].Content)
	}
}

func TestTrimByChars(t *testing.T) {
	store := NewLocalStore(WithBounds(0, 20))
	ctx := context.Background()
	scope := testScope("npc-a")

	store.AppendMessage(ctx, scope, models.MemoryMessage{Role: "user", Content: strings.Repeat("a", 15)})
	store.AppendMessage(ctx, scope, models.MemoryMessage{Role: "user", Content: strings.Repeat("b", 15)})

	messages, _ := store.RecentMessages(ctx, scope, 0, 0)
	if len(messages) != 1 {
		t.Fatalf("got %d messages, want 1 after char trim", len(messages))
	}
	if !strings.HasPrefix(messages[0].Content, "b") {
		t.Errorf("kept the older message instead of the newer")
	}
}

func TestTTLExpiry(t *testing.T) {
	current := time.Now()
	store := NewLocalStore(WithTTL(time.Hour), WithClock(func() time.Time { return current }))
	ctx := context.Background()
	scope := testScope("npc-a")

	store.AppendMessage(ctx, scope, models.MemoryMessage{Role: "user", Content: "hello"})

	current = current.Add(2 * time.Hour)
	messages, err := store.RecentMessages(ctx, scope, 0, 0)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(messages) != 0 {
		t.Errorf("expired log returned %d messages", len(messages))
	}
}

func TestClearSession(t *testing.T) {
	store := NewLocalStore()
	ctx := context.Background()

	store.AppendMessage(ctx, testScope("npc-a"), models.MemoryMessage{Role: "user", Content: "a"})
	store.AppendMessage(ctx, testScope("npc-b"), models.MemoryMessage{Role: "user", Content: "b"})

	// NPC-scoped clear leaves the other log alone.
	if err := store.ClearSession(ctx, "t1", "s1", "sess-1", "npc-a"); err != nil {
		t.Fatalf("ClearSession: %v", err)
	}
	a, _ := store.RecentMessages(ctx, testScope("npc-a"), 0, 0)
	b, _ := store.RecentMessages(ctx, testScope("npc-b"), 0, 0)
	if len(a) != 0 || len(b) != 1 {
		t.Errorf("after npc clear: a=%d b=%d, want 0 and 1", len(a), len(b))
	}

	// Session-wide clear removes everything.
	store.AppendMessage(ctx, testScope("npc-a"), models.MemoryMessage{Role: "user", Content: "a2"})
	if err := store.ClearSession(ctx, "t1", "s1", "sess-1", ""); err != nil {
		t.Fatalf("ClearSession all: %v", err)
	}
	a, _ = store.RecentMessages(ctx, testScope("npc-a"), 0, 0)
	b, _ = store.RecentMessages(ctx, testScope("npc-b"), 0, 0)
	if len(a) != 0 || len(b) != 0 {
		t.Errorf("after session clear: a=%d b=%d, want 0 and 0", len(a), len(b))
	}
}

func TestSessionSummary(t *testing.T) {
	store := NewLocalStore()
	ctx := context.Background()
	scope := testScope("npc-a")

	for i := 0; i < 4; i++ {
		store.AppendMessage(ctx, scope, models.MemoryMessage{Role: "user", Content: fmt.Sprintf("m%d", i)})
	}

	summary, err := store.SessionSummary(ctx, scope, 2)
	if err != nil {
		t.Fatalf("SessionSummary: %v", err)
	}
	if summary.MessageCount != 4 {
		t.Errorf("MessageCount = %d, want 4", summary.MessageCount)
	}
	if len(summary.RecentMessages) != 2 {
		t.Errorf("RecentMessages = %d, want 2", len(summary.RecentMessages))
	}
	if summary.FirstMessageAt.After(summary.LastMessageAt) {
		t.Errorf("first message after last")
	}
}

func TestPreference(t *testing.T) {
	store := NewLocalStore()
	ctx := context.Background()

	pref, err := store.Preference(ctx, "t1", "s1", "u1")
	if err != nil {
		t.Fatalf("Preference: %v", err)
	}
	if !pref.IsZero() {
		t.Errorf("expected zero preference, got %+v", pref)
	}

	err = store.UpdatePreference(ctx, "t1", "s1", "u1", models.Preference{Verbosity: "short", Tone: "formal"})
	if err != nil {
		t.Fatalf("UpdatePreference: %v", err)
	}

	if err := store.AddInterestTag(ctx, "t1", "s1", "u1", "history"); err != nil {
		t.Fatalf("AddInterestTag: %v", err)
	}
	if err := store.AddInterestTag(ctx, "t1", "s1", "u1", "history"); err != nil {
		t.Fatalf("AddInterestTag repeat: %v", err)
	}

	pref, _ = store.Preference(ctx, "t1", "s1", "u1")
	if pref.Verbosity != "short" || pref.Tone != "formal" {
		t.Errorf("preference = %+v", pref)
	}
	if len(pref.InterestTags) != 1 || pref.InterestTags[0] != "history" {
		t.Errorf("InterestTags = %v, want single deduped tag", pref.InterestTags)
	}
}

func TestComposeContext(t *testing.T) {
	if got := ComposeContext(nil, models.Preference{}); got != "" {
		t.Errorf("empty inputs produced %q", got)
	}

	messages := []models.MemoryMessage{
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "welcome"},
	}
	out := ComposeContext(messages, models.Preference{Verbosity: "short"})
	if !strings.HasPrefix(out, Disclaimer) {
		t.Errorf("context missing disclaimer prefix")
	}
	if !strings.Contains(out, "user: hello") || !strings.Contains(out, "assistant: welcome") {
		t.Errorf("context missing messages: %q", out)
	}
	if !strings.Contains(out, "verbosity=short") {
		t.Errorf("context missing preference: %q", out)
	}
}
