package state

// Package state implements the shared, versioned state store the
// orchestration core reads and writes through.
//
// Design notes:
// - The store is the single writer: every mutation goes through Update,
//   which applies the caller's function to a draft and atomically bumps
//   the version before notifying subscribers.
// - Subscribers and query helpers only ever see deep-cloned snapshots;
//   no caller receives a mutable reference to internal state.

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/storyloom/storyloom-core/internal/document"
)

// NodeKind distinguishes canvas node flavors.
type NodeKind string

const (
	NodeKindDocument NodeKind = "document"
	NodeKindNote     NodeKind = "note"
	NodeKindImage    NodeKind = "image"
)

// CanvasNode is one node on the canvas graph.
type CanvasNode struct {
	ID       string            `json:"id"`
	Kind     NodeKind          `json:"kind"`
	Label    string            `json:"label"`
	Format   string            `json:"format,omitempty"` // novel|screenplay|podcast|report|...
	Sections []document.Section `json:"sections,omitempty"`
}

// CanvasEdge is a directed connection between two canvas nodes.
type CanvasEdge struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Target string `json:"target"`
}

// MessageRole is the author of a conversation entry.
type MessageRole string

const (
	RoleUser         MessageRole = "user"
	RoleOrchestrator MessageRole = "orchestrator"
	RoleSystem       MessageRole = "system"
)

// MessageKind classifies orchestrator transcript entries.
type MessageKind string

const (
	MessageKindMessage  MessageKind = "message"
	MessageKindThinking MessageKind = "thinking"
	MessageKindDecision MessageKind = "decision"
	MessageKindResult   MessageKind = "result"
	MessageKindError    MessageKind = "error"
	MessageKindProgress MessageKind = "progress"
)

// Message is one conversation log entry.
type Message struct {
	Role      MessageRole `json:"role"`
	Kind      MessageKind `json:"kind,omitempty"`
	Content   string      `json:"content"`
	AtUnixMs  int64       `json:"at_unix_ms,omitempty"`
}

// ActiveDocument is the document currently open in the editor panel.
type ActiveDocument struct {
	NodeID          string           `json:"node_id"`
	Format          string           `json:"format,omitempty"`
	Forest          *document.Forest `json:"-"`
	ActiveSectionID string           `json:"active_section_id,omitempty"`
	PanelOpen       bool             `json:"panel_open"`
}

// InteractionKind is the flavor of a pending user interaction.
type InteractionKind string

const (
	InteractionYesNo          InteractionKind = "yes_no"
	InteractionMultipleChoice InteractionKind = "multiple_choice"
	InteractionClarification  InteractionKind = "clarification"
)

// InteractionOption is one selectable option of a multiple-choice prompt.
type InteractionOption struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// PendingInteraction is a confirmation or clarification the orchestrator is
// waiting on. ActionType/ActionPayload carry what to do once resolved.
type PendingInteraction struct {
	ID            string              `json:"id"`
	Kind          InteractionKind     `json:"kind"`
	Prompt        string              `json:"prompt"`
	Options       []InteractionOption `json:"options,omitempty"`
	ActionType    string              `json:"action_type,omitempty"`
	ActionPayload map[string]string   `json:"action_payload,omitempty"`
}

// Snapshot is a frozen view of the whole shared state.
type Snapshot struct {
	Version     int64
	LastUpdated time.Time
	Dirty       bool

	Nodes    map[string]CanvasNode
	Edges    map[string]CanvasEdge
	Document *ActiveDocument
	Messages []Message
	Pending  *PendingInteraction
}

func (s Snapshot) clone() Snapshot {
	cp := s
	cp.Nodes = make(map[string]CanvasNode, len(s.Nodes))
	for id, n := range s.Nodes {
		n.Sections = append([]document.Section(nil), n.Sections...)
		cp.Nodes[id] = n
	}
	cp.Edges = make(map[string]CanvasEdge, len(s.Edges))
	for id, e := range s.Edges {
		cp.Edges[id] = e
	}
	if s.Document != nil {
		doc := *s.Document
		doc.Forest = s.Document.Forest.Clone()
		cp.Document = &doc
	}
	cp.Messages = append([]Message(nil), s.Messages...)
	if s.Pending != nil {
		p := *s.Pending
		p.Options = append([]InteractionOption(nil), s.Pending.Options...)
		if s.Pending.ActionPayload != nil {
			p.ActionPayload = make(map[string]string, len(s.Pending.ActionPayload))
			for k, v := range s.Pending.ActionPayload {
				p.ActionPayload[k] = v
			}
		}
		cp.Pending = &p
	}
	return cp
}

// Store is the shared state store.
type Store struct {
	mu      sync.Mutex
	log     *slog.Logger
	now     func() time.Time
	current Snapshot

	subSeq int
	subs   map[int]func(Snapshot)
}

type Options struct {
	Log *slog.Logger
	Now func() time.Time
}

func NewStore(opts Options) *Store {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		log: log,
		now: now,
		current: Snapshot{
			Nodes: map[string]CanvasNode{},
			Edges: map[string]CanvasEdge{},
		},
		subs: map[int]func(Snapshot){},
	}
}

// Update applies fn to a mutable draft, bumps version/last-updated/dirty,
// and notifies subscribers with a frozen clone. If fn returns an error the
// draft is discarded and nothing is published.
func (s *Store) Update(fn func(draft *Snapshot) error) error {
	if s == nil {
		return errors.New("nil store")
	}
	if fn == nil {
		return errors.New("nil update fn")
	}
	s.mu.Lock()
	draft := s.current.clone()
	if err := fn(&draft); err != nil {
		s.mu.Unlock()
		return err
	}
	draft.Version = s.current.Version + 1
	draft.LastUpdated = s.now()
	draft.Dirty = true
	s.current = draft

	published := draft.clone()
	subs := make([]func(Snapshot), 0, len(s.subs))
	for _, cb := range s.subs {
		subs = append(subs, cb)
	}
	s.mu.Unlock()

	for _, cb := range subs {
		s.notify(cb, published)
	}
	return nil
}

func (s *Store) notify(cb func(Snapshot), snap Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("state subscriber panicked", "panic", r)
		}
	}()
	cb(snap)
}

// Subscribe registers a callback invoked after every successful Update.
// The returned function unsubscribes. Callback panics are caught and
// logged, never propagated to other subscribers.
func (s *Store) Subscribe(cb func(Snapshot)) (unsubscribe func()) {
	if s == nil || cb == nil {
		return func() {}
	}
	s.mu.Lock()
	s.subSeq++
	id := s.subSeq
	s.subs[id] = cb
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Republish notifies subscribers with the current snapshot without any
// mutation or version bump. Used to re-surface a pending interaction after
// an unclear user reply.
func (s *Store) Republish() {
	if s == nil {
		return
	}
	s.mu.Lock()
	published := s.current.clone()
	subs := make([]func(Snapshot), 0, len(s.subs))
	for _, cb := range s.subs {
		subs = append(subs, cb)
	}
	s.mu.Unlock()

	for _, cb := range subs {
		s.notify(cb, published)
	}
}

// Snapshot returns a frozen clone of the latest state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.clone()
}

// Version returns the current state version.
func (s *Store) Version() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.Version
}

// --- Query helpers (pure reads over the latest snapshot) ---

// GetNode returns the canvas node with the given id.
func (s *Store) GetNode(id string) (CanvasNode, bool) {
	snap := s.Snapshot()
	n, ok := snap.Nodes[id]
	return n, ok
}

// GetConnectedNodes returns every node connected to the given node by an
// edge in either direction.
func (s *Store) GetConnectedNodes(id string) []CanvasNode {
	snap := s.Snapshot()
	var out []CanvasNode
	for _, e := range snap.Edges {
		other := ""
		switch id {
		case e.Source:
			other = e.Target
		case e.Target:
			other = e.Source
		default:
			continue
		}
		if n, ok := snap.Nodes[other]; ok {
			out = append(out, n)
		}
	}
	return out
}

// GetActiveDocument returns the open document, if any.
func (s *Store) GetActiveDocument() (*ActiveDocument, bool) {
	snap := s.Snapshot()
	if snap.Document == nil {
		return nil, false
	}
	return snap.Document, true
}

// ActiveSection returns the currently selected section of the open
// document, if one is selected.
func (s *Store) ActiveSection() (document.Section, bool) {
	doc, ok := s.GetActiveDocument()
	if !ok || doc.Forest == nil || doc.ActiveSectionID == "" {
		return document.Section{}, false
	}
	return doc.Forest.Get(doc.ActiveSectionID)
}

// RecentMessages returns the last n conversation entries.
func (s *Store) RecentMessages(n int) []Message {
	snap := s.Snapshot()
	if n <= 0 || len(snap.Messages) == 0 {
		return nil
	}
	if len(snap.Messages) <= n {
		return snap.Messages
	}
	return snap.Messages[len(snap.Messages)-n:]
}

// AppendMessage records one conversation entry through the transactional
// update path.
func (s *Store) AppendMessage(m Message) error {
	return s.Update(func(draft *Snapshot) error {
		if m.AtUnixMs == 0 {
			m.AtUnixMs = s.now().UnixMilli()
		}
		draft.Messages = append(draft.Messages, m)
		return nil
	})
}
