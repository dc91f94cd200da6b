package sqlite

import (
	"context"
	"path/filepath"
	"slices"
	"testing"
)

func newTestStore(t *testing.T, opts ...StoreOption) *Store {
	t.Helper()

	store, err := NewStore(filepath.Join(t.TempDir(), "history.db"), opts...)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAppendAndRecent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.AppendUser(ctx, "client-1", "hello"); err != nil {
		t.Fatalf("append user: %v", err)
	}
	if err := store.AppendAssistant(ctx, "client-1", "hi, how can I help?"); err != nil {
		t.Fatalf("append assistant: %v", err)
	}
	if err := store.AppendUser(ctx, "client-2", "other client's line"); err != nil {
		t.Fatalf("append user: %v", err)
	}

	lines, err := store.Recent(ctx, "client-1", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	want := []string{"User: hello", "Assistant: hi, how can I help?"}
	if !slices.Equal(lines, want) {
		t.Fatalf("wrong lines:\n got %v\nwant %v", lines, want)
	}
}

func TestRecentRespectsLimitAndOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, text := range []string{"one", "two", "three", "four"} {
		if err := store.AppendUser(ctx, "client-1", text); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	lines, err := store.Recent(ctx, "client-1", 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if !slices.Equal(lines, []string{"User: three", "User: four"}) {
		t.Fatalf("expected newest two lines in chronological order, got %v", lines)
	}

	if lines, err := store.Recent(ctx, "client-1", 0); err != nil || lines != nil {
		t.Fatalf("zero limit must return nothing, got %v, %v", lines, err)
	}
}

func TestAppendAssistantWithMarkers(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.AppendAssistant(ctx, "client-1", "partial answer", "[Interrupted by user]"); err != nil {
		t.Fatalf("append: %v", err)
	}

	lines, err := store.Recent(ctx, "client-1", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	want := []string{"Assistant: partial answer", "[Interrupted by user]"}
	if !slices.Equal(lines, want) {
		t.Fatalf("wrong lines:\n got %v\nwant %v", lines, want)
	}
}

func TestRetrieveMatchesQueryWords(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.AppendUser(ctx, "client-1", "I love hiking in the mountains"); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.AppendAssistant(ctx, "client-1", "Mountains are great this season."); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.AppendUser(ctx, "client-1", "unrelated grocery list"); err != nil {
		t.Fatalf("append: %v", err)
	}

	lines, err := store.Retrieve(ctx, "client-1", "tell me about MOUNTAINS")
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("expected both mountain lines, got %v", lines)
	}

	// Only short words in the query matches nothing instead of everything.
	if lines, err := store.Retrieve(ctx, "client-1", "a I"); err != nil || lines != nil {
		t.Fatalf("short-word query must return nothing, got %v, %v", lines, err)
	}
}

func TestSpeakerNameOverride(t *testing.T) {
	store := newTestStore(t, WithSpeakerNames("Luka", "Mia"))
	ctx := context.Background()

	if err := store.AppendUser(ctx, "client-1", "hey"); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.AppendAssistant(ctx, "client-1", "hey yourself"); err != nil {
		t.Fatalf("append: %v", err)
	}

	lines, err := store.Recent(ctx, "client-1", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if !slices.Equal(lines, []string{"Luka: hey", "Mia: hey yourself"}) {
		t.Fatalf("wrong speaker names: %v", lines)
	}
}
