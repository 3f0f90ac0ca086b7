package document

import (
	"testing"
)

func chapterForest(t *testing.T) *Forest {
	t.Helper()
	f, err := NewForest([]Section{
		{ID: "book", Level: 0, Order: 0, Name: "Book"},
		{ID: "ch1", Level: 1, Order: 1, ParentID: "book", Name: "Chapter 1"},
		{ID: "ch2", Level: 1, Order: 2, ParentID: "book", Name: "Chapter 2"},
		{ID: "ch3", Level: 1, Order: 3, ParentID: "book", Name: "Chapter 3"},
		{ID: "sc1", Level: 2, Order: 1, ParentID: "ch2", Name: "Scene 1"},
	})
	if err != nil {
		t.Fatalf("NewForest: %v", err)
	}
	return f
}

func TestForest_RejectsDanglingParent(t *testing.T) {
	t.Parallel()

	_, err := NewForest([]Section{
		{ID: "a", Order: 1, ParentID: "ghost", Name: "A"},
	})
	if err == nil {
		t.Fatalf("expected error for dangling parent")
	}
}

func TestForest_RejectsDuplicateSiblingOrder(t *testing.T) {
	t.Parallel()

	_, err := NewForest([]Section{
		{ID: "root", Order: 0, Name: "Root"},
		{ID: "a", Order: 1, ParentID: "root", Name: "A"},
		{ID: "b", Order: 1, ParentID: "root", Name: "B"},
	})
	if err == nil {
		t.Fatalf("expected error for duplicate sibling order")
	}
}

func TestForest_SiblingNavigation(t *testing.T) {
	t.Parallel()

	f := chapterForest(t)

	prev, ok := f.PrecedingSibling("ch2")
	if !ok || prev.ID != "ch1" {
		t.Fatalf("preceding sibling of ch2 = %q, want ch1", prev.ID)
	}
	next, ok := f.FollowingSibling("ch2")
	if !ok || next.ID != "ch3" {
		t.Fatalf("following sibling of ch2 = %q, want ch3", next.ID)
	}
	if _, ok := f.PrecedingSibling("ch1"); ok {
		t.Fatalf("ch1 must have no preceding sibling")
	}
	if _, ok := f.FollowingSibling("ch3"); ok {
		t.Fatalf("ch3 must have no following sibling")
	}
	parent, ok := f.Parent("sc1")
	if !ok || parent.ID != "ch2" {
		t.Fatalf("parent of sc1 = %q, want ch2", parent.ID)
	}
}

func TestForest_GetReturnsCopy(t *testing.T) {
	t.Parallel()

	f := chapterForest(t)
	s, ok := f.Get("ch1")
	if !ok {
		t.Fatalf("missing ch1")
	}
	s.Name = "mutated"
	again, _ := f.Get("ch1")
	if again.Name != "Chapter 1" {
		t.Fatalf("forest state leaked through Get copy")
	}
}

func TestForest_PutReordersSiblings(t *testing.T) {
	t.Parallel()

	f := chapterForest(t)
	if err := f.Put(Section{ID: "ch0", Level: 1, Order: 0, ParentID: "book", Name: "Prologue"}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	kids := f.Children("book")
	if len(kids) != 4 || kids[0].ID != "ch0" {
		t.Fatalf("children of book = %v, want prologue first", kids)
	}
}

func TestForest_RemoveRequiresLeaf(t *testing.T) {
	t.Parallel()

	f := chapterForest(t)
	if err := f.Remove("ch2"); err == nil {
		t.Fatalf("removing a section with children must fail")
	}
	if err := f.Remove("sc1"); err != nil {
		t.Fatalf("Remove leaf: %v", err)
	}
	if err := f.Remove("ch2"); err != nil {
		t.Fatalf("Remove after children gone: %v", err)
	}
}

func TestStructurePlan_ValidateTasksDropsDanglingTargets(t *testing.T) {
	t.Parallel()

	p := &StructurePlan{
		Structure: []Section{{ID: "s1", Name: "Opening"}},
		Tasks: []Task{
			{TargetStructureID: "missing"},
			{TargetStructureID: "s1"},
		},
	}
	kept, corrections := p.ValidateTasks()
	if len(kept) != 1 || kept[0].TargetStructureID != "s1" {
		t.Fatalf("kept = %v, want only s1", kept)
	}
	if len(corrections) != 1 {
		t.Fatalf("corrections = %v, want one notice", corrections)
	}
}

func TestStructurePlan_ValidateTasksAllDanglingYieldsEmpty(t *testing.T) {
	t.Parallel()

	p := &StructurePlan{
		Structure: []Section{{ID: "s1"}},
		Tasks:     []Task{{TargetStructureID: "missing"}},
	}
	kept, corrections := p.ValidateTasks()
	if len(kept) != 0 {
		t.Fatalf("kept = %v, want empty", kept)
	}
	if len(corrections) != 1 {
		t.Fatalf("want a recorded correction, got %v", corrections)
	}
}
