package state

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/storyloom/storyloom-core/internal/document"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(Options{
		Log: slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{})),
		Now: func() time.Time { return time.Unix(1700000000, 0) },
	})
}

func TestStore_UpdateBumpsVersionAndNotifies(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	var got []int64
	unsub := s.Subscribe(func(snap Snapshot) {
		got = append(got, snap.Version)
	})
	defer unsub()

	if err := s.Update(func(draft *Snapshot) error {
		draft.Nodes["n1"] = CanvasNode{ID: "n1", Kind: NodeKindDocument, Label: "Novel"}
		return nil
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if s.Version() != 1 {
		t.Fatalf("version = %d, want 1", s.Version())
	}
	if len(got) != 1 || got[0] != 1 {
		t.Fatalf("subscriber versions = %v, want [1]", got)
	}
	snap := s.Snapshot()
	if !snap.Dirty || snap.LastUpdated.IsZero() {
		t.Fatalf("dirty/last-updated not set: %+v", snap)
	}
}

func TestStore_FailedUpdatePublishesNothing(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	notified := 0
	unsub := s.Subscribe(func(Snapshot) { notified++ })
	defer unsub()

	err := s.Update(func(draft *Snapshot) error {
		draft.Nodes["n1"] = CanvasNode{ID: "n1"}
		return errors.New("boom")
	})
	if err == nil {
		t.Fatalf("expected update error")
	}
	if s.Version() != 0 {
		t.Fatalf("version = %d, want 0 after failed update", s.Version())
	}
	if notified != 0 {
		t.Fatalf("subscribers must not fire on failed update")
	}
	if _, ok := s.GetNode("n1"); ok {
		t.Fatalf("draft mutation leaked into state")
	}
}

func TestStore_SubscriberPanicIsIsolated(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	second := 0
	s.Subscribe(func(Snapshot) { panic("bad subscriber") })
	s.Subscribe(func(Snapshot) { second++ })

	if err := s.Update(func(*Snapshot) error { return nil }); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if second != 1 {
		t.Fatalf("second subscriber not notified after first panicked")
	}
}

func TestStore_SnapshotsAreFrozenClones(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	forest, err := document.NewForest([]document.Section{
		{ID: "ch1", Order: 1, Name: "Chapter 1"},
	})
	if err != nil {
		t.Fatalf("NewForest: %v", err)
	}
	if err := s.Update(func(draft *Snapshot) error {
		draft.Document = &ActiveDocument{NodeID: "n1", Forest: forest, ActiveSectionID: "ch1", PanelOpen: true}
		draft.Messages = append(draft.Messages, Message{Role: RoleUser, Content: "hi"})
		return nil
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	snap := s.Snapshot()
	snap.Messages[0].Content = "mutated"
	_ = snap.Document.Forest.Put(document.Section{ID: "evil", Order: 9, Name: "Evil"})

	again := s.Snapshot()
	if again.Messages[0].Content != "hi" {
		t.Fatalf("message mutation leaked into store")
	}
	if _, ok := again.Document.Forest.Get("evil"); ok {
		t.Fatalf("forest mutation leaked into store")
	}
}

func TestStore_UnsubscribeStopsNotifications(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	n := 0
	unsub := s.Subscribe(func(Snapshot) { n++ })
	if err := s.Update(func(*Snapshot) error { return nil }); err != nil {
		t.Fatalf("Update: %v", err)
	}
	unsub()
	if err := s.Update(func(*Snapshot) error { return nil }); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if n != 1 {
		t.Fatalf("notifications = %d, want 1", n)
	}
}

func TestStore_ActiveSectionAndConnectedNodes(t *testing.T) {
	t.Parallel()

	s := testStore(t)
	forest, _ := document.NewForest([]document.Section{{ID: "ch1", Order: 1, Name: "Chapter 1"}})
	if err := s.Update(func(draft *Snapshot) error {
		draft.Nodes["a"] = CanvasNode{ID: "a", Kind: NodeKindDocument, Label: "Novel"}
		draft.Nodes["b"] = CanvasNode{ID: "b", Kind: NodeKindNote, Label: "Lore"}
		draft.Edges["e1"] = CanvasEdge{ID: "e1", Source: "a", Target: "b"}
		draft.Document = &ActiveDocument{NodeID: "a", Forest: forest, ActiveSectionID: "ch1", PanelOpen: true}
		return nil
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	sec, ok := s.ActiveSection()
	if !ok || sec.ID != "ch1" {
		t.Fatalf("active section = %+v, want ch1", sec)
	}
	conn := s.GetConnectedNodes("a")
	if len(conn) != 1 || conn[0].ID != "b" {
		t.Fatalf("connected nodes = %v, want [b]", conn)
	}
}
