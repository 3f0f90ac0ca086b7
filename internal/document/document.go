package document

// This package defines the hierarchical document model shared by the
// orchestration core: sections, the section forest, and the structure
// plans produced by generation calls.
//
// Design notes:
// - Sections form a forest via parent_id; siblings are ordered by order
//   within a level.
// - The forest keeps an arena keyed by section id plus a separately
//   maintained children index, so structural lookups never do repeated
//   linear scans over parent pointers.

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Status is the lifecycle state of a section's content.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

func NormalizeStatus(raw string) Status {
	switch Status(strings.ToLower(strings.TrimSpace(raw))) {
	case StatusInProgress:
		return StatusInProgress
	case StatusCompleted:
		return StatusCompleted
	default:
		return StatusDraft
	}
}

// Section is one node of the document outline (act/chapter/scene/...).
type Section struct {
	ID        string `json:"id"`
	Level     int    `json:"level"`
	Order     int    `json:"order"`
	ParentID  string `json:"parent_id,omitempty"`
	Name      string `json:"name"`
	Title     string `json:"title,omitempty"`
	Content   string `json:"content,omitempty"`
	WordCount int    `json:"word_count,omitempty"`
	Status    Status `json:"status,omitempty"`
}

func (s Section) DisplayName() string {
	if t := strings.TrimSpace(s.Title); t != "" {
		return t
	}
	return strings.TrimSpace(s.Name)
}

// Forest is an arena of sections keyed by id with a children index.
//
// Notes:
// - The zero value is not usable; build one with NewForest.
// - Mutations go through Put/Remove so the children index stays in sync.
type Forest struct {
	arena    map[string]*Section
	children map[string][]string // parent id ("" for roots) -> child ids, order-sorted
}

func NewForest(sections []Section) (*Forest, error) {
	f := &Forest{
		arena:    make(map[string]*Section, len(sections)),
		children: make(map[string][]string),
	}
	for _, s := range sections {
		if strings.TrimSpace(s.ID) == "" {
			return nil, errors.New("section with empty id")
		}
		if _, dup := f.arena[s.ID]; dup {
			return nil, fmt.Errorf("duplicate section id %q", s.ID)
		}
		cp := s
		f.arena[s.ID] = &cp
	}
	for id, s := range f.arena {
		if s.ParentID != "" {
			if _, ok := f.arena[s.ParentID]; !ok {
				return nil, fmt.Errorf("section %q: parent %q does not exist", id, s.ParentID)
			}
		}
		f.children[s.ParentID] = append(f.children[s.ParentID], id)
	}
	for parent, ids := range f.children {
		f.sortByOrder(ids)
		seen := make(map[int]string, len(ids))
		for _, id := range ids {
			ord := f.arena[id].Order
			if prev, dup := seen[ord]; dup {
				return nil, fmt.Errorf("sections %q and %q share order %d under parent %q", prev, id, ord, parent)
			}
			seen[ord] = id
		}
	}
	return f, nil
}

func (f *Forest) sortByOrder(ids []string) {
	sort.SliceStable(ids, func(i, j int) bool {
		return f.arena[ids[i]].Order < f.arena[ids[j]].Order
	})
}

func (f *Forest) Len() int {
	if f == nil {
		return 0
	}
	return len(f.arena)
}

// Get returns a copy of the section, so callers never hold arena pointers.
func (f *Forest) Get(id string) (Section, bool) {
	if f == nil {
		return Section{}, false
	}
	s, ok := f.arena[id]
	if !ok {
		return Section{}, false
	}
	return *s, true
}

// Put inserts or replaces a section and reindexes its siblings.
func (f *Forest) Put(s Section) error {
	if f == nil {
		return errors.New("nil forest")
	}
	if strings.TrimSpace(s.ID) == "" {
		return errors.New("section with empty id")
	}
	if s.ParentID != "" {
		if _, ok := f.arena[s.ParentID]; !ok {
			return fmt.Errorf("parent %q does not exist", s.ParentID)
		}
	}
	if old, ok := f.arena[s.ID]; ok {
		f.dropChild(old.ParentID, s.ID)
	}
	cp := s
	f.arena[s.ID] = &cp
	f.children[s.ParentID] = append(f.children[s.ParentID], s.ID)
	f.sortByOrder(f.children[s.ParentID])
	return nil
}

// Remove deletes a section and reparents nothing: callers must remove or
// reparent children first.
func (f *Forest) Remove(id string) error {
	if f == nil {
		return errors.New("nil forest")
	}
	s, ok := f.arena[id]
	if !ok {
		return fmt.Errorf("unknown section %q", id)
	}
	if len(f.children[id]) > 0 {
		return fmt.Errorf("section %q still has children", id)
	}
	f.dropChild(s.ParentID, id)
	delete(f.arena, id)
	delete(f.children, id)
	return nil
}

func (f *Forest) dropChild(parent, id string) {
	ids := f.children[parent]
	for i, v := range ids {
		if v == id {
			f.children[parent] = append(ids[:i], ids[i+1:]...)
			return
		}
	}
}

// Children returns copies of the section's children in order.
func (f *Forest) Children(id string) []Section {
	if f == nil {
		return nil
	}
	ids := f.children[id]
	out := make([]Section, 0, len(ids))
	for _, cid := range ids {
		out = append(out, *f.arena[cid])
	}
	return out
}

// Roots returns the top-level sections in order.
func (f *Forest) Roots() []Section {
	return f.Children("")
}

// Siblings returns the order-sorted siblings of the section, itself included.
func (f *Forest) Siblings(id string) []Section {
	if f == nil {
		return nil
	}
	s, ok := f.arena[id]
	if !ok {
		return nil
	}
	return f.Children(s.ParentID)
}

// PrecedingSibling returns the sibling immediately before the section in
// order, if any.
func (f *Forest) PrecedingSibling(id string) (Section, bool) {
	sibs := f.Siblings(id)
	for i, s := range sibs {
		if s.ID == id {
			if i == 0 {
				return Section{}, false
			}
			return sibs[i-1], true
		}
	}
	return Section{}, false
}

// FollowingSibling returns the sibling immediately after the section in
// order, if any.
func (f *Forest) FollowingSibling(id string) (Section, bool) {
	sibs := f.Siblings(id)
	for i, s := range sibs {
		if s.ID == id {
			if i == len(sibs)-1 {
				return Section{}, false
			}
			return sibs[i+1], true
		}
	}
	return Section{}, false
}

// Parent returns the parent section, if the section has one.
func (f *Forest) Parent(id string) (Section, bool) {
	if f == nil {
		return Section{}, false
	}
	s, ok := f.arena[id]
	if !ok || s.ParentID == "" {
		return Section{}, false
	}
	return f.Get(s.ParentID)
}

// Clone returns a deep copy sharing no memory with the receiver.
func (f *Forest) Clone() *Forest {
	if f == nil {
		return nil
	}
	cp := &Forest{
		arena:    make(map[string]*Section, len(f.arena)),
		children: make(map[string][]string, len(f.children)),
	}
	for id, s := range f.arena {
		sc := *s
		cp.arena[id] = &sc
	}
	for parent, ids := range f.children {
		cp.children[parent] = append([]string(nil), ids...)
	}
	return cp
}

// All returns every section, roots first, each subtree in order.
func (f *Forest) All() []Section {
	if f == nil {
		return nil
	}
	out := make([]Section, 0, len(f.arena))
	var walk func(parent string)
	walk = func(parent string) {
		for _, id := range f.children[parent] {
			out = append(out, *f.arena[id])
			walk(id)
		}
	}
	walk("")
	return out
}

// Outline renders the forest as an indented text outline for prompts.
func (f *Forest) Outline() string {
	var b strings.Builder
	var walk func(parent string, depth int)
	walk = func(parent string, depth int) {
		for _, id := range f.children[parent] {
			s := f.arena[id]
			b.WriteString(strings.Repeat("  ", depth))
			fmt.Fprintf(&b, "- %s (id=%s, order=%d, %s)\n", s.DisplayName(), s.ID, s.Order, s.Status)
			walk(id, depth+1)
		}
	}
	if f != nil {
		walk("", 0)
	}
	return b.String()
}
