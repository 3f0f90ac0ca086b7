package coherence

// The dependency analyzer finds sections that a targeted edit may
// invalidate. Two passes: a structural pass over the section forest and a
// model-backed thematic pass. The thematic pass is best-effort and
// degrades to nothing on any failure.

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/storyloom/storyloom-core/internal/document"
	"github.com/storyloom/storyloom-core/internal/llmjson"
)

type RelationshipType string

const (
	RelParent    RelationshipType = "parent"
	RelChild     RelationshipType = "child"
	RelSibling   RelationshipType = "sibling"
	RelPreceding RelationshipType = "preceding"
	RelFollowing RelationshipType = "following"
	RelThematic  RelationshipType = "thematic"
)

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

func priorityRank(p Priority) int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

func normalizePriority(raw string) Priority {
	switch Priority(strings.ToLower(strings.TrimSpace(raw))) {
	case PriorityHigh:
		return PriorityHigh
	case PriorityMedium:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// AffectedSection is one section flagged as impacted by the change.
type AffectedSection struct {
	Section          document.Section `json:"section"`
	RelationshipType RelationshipType `json:"relationship_type"`
	Reason           string           `json:"reason"`
	Priority         Priority         `json:"priority"`
	SuggestedChange  string           `json:"suggested_change,omitempty"`
}

// ReasonFunc issues one reasoning request to a model backend.
type ReasonFunc func(ctx context.Context, systemPrompt, userPrompt string) (string, error)

type Analyzer struct {
	log    *slog.Logger
	reason ReasonFunc
}

// NewAnalyzer builds a dependency analyzer. A nil reason func disables the
// thematic pass; the structural pass always runs.
func NewAnalyzer(log *slog.Logger, reason ReasonFunc) *Analyzer {
	if log == nil {
		log = slog.Default()
	}
	return &Analyzer{log: log, reason: reason}
}

// Analyze returns the deduplicated set of sections affected by changing
// the target as described. When a section is flagged by both passes the
// higher-priority entry wins.
func (a *Analyzer) Analyze(ctx context.Context, targetID, changeDescription string, forest *document.Forest) ([]AffectedSection, error) {
	if a == nil {
		return nil, fmt.Errorf("nil analyzer")
	}
	target, ok := forest.Get(targetID)
	if !ok {
		return nil, fmt.Errorf("unknown section %q", targetID)
	}

	merged := map[string]AffectedSection{}
	add := func(entry AffectedSection) {
		if entry.Section.ID == targetID {
			return
		}
		if prev, dup := merged[entry.Section.ID]; dup {
			if priorityRank(entry.Priority) <= priorityRank(prev.Priority) {
				return
			}
		}
		merged[entry.Section.ID] = entry
	}

	for _, entry := range a.structural(target, forest) {
		add(entry)
	}
	for _, entry := range a.thematic(ctx, target, changeDescription, forest) {
		add(entry)
	}

	// Stable output: document order.
	var out []AffectedSection
	for _, sec := range forest.All() {
		if entry, ok := merged[sec.ID]; ok {
			out = append(out, entry)
		}
	}
	return out, nil
}

// structural flags the immediate neighborhood. Adjacent siblings are high
// priority: the preceding one may hold foreshadowing, the following one
// payoff or consequences.
func (a *Analyzer) structural(target document.Section, forest *document.Forest) []AffectedSection {
	var out []AffectedSection
	if parent, ok := forest.Parent(target.ID); ok {
		out = append(out, AffectedSection{
			Section:          parent,
			RelationshipType: RelParent,
			Reason:           "parent section frames this one",
			Priority:         PriorityMedium,
		})
	}
	for _, child := range forest.Children(target.ID) {
		out = append(out, AffectedSection{
			Section:          child,
			RelationshipType: RelChild,
			Reason:           "child section elaborates the changed material",
			Priority:         PriorityMedium,
		})
	}
	if prev, ok := forest.PrecedingSibling(target.ID); ok {
		out = append(out, AffectedSection{
			Section:          prev,
			RelationshipType: RelPreceding,
			Reason:           "immediately preceding section may contain foreshadowing",
			Priority:         PriorityHigh,
		})
	}
	if next, ok := forest.FollowingSibling(target.ID); ok {
		out = append(out, AffectedSection{
			Section:          next,
			RelationshipType: RelFollowing,
			Reason:           "immediately following section may contain payoff or consequences",
			Priority:         PriorityHigh,
		})
	}
	return out
}

const contentPreviewRunes = 200

type thematicPayload struct {
	SectionID        string `json:"section_id"`
	RelationshipType string `json:"relationship_type"`
	Reason           string `json:"reason"`
	Priority         string `json:"priority"`
	SuggestedChange  string `json:"suggested_change"`
}

// thematic asks the model for non-structural relationships (recurring
// motifs, callbacks, character arcs). Any failure returns nil.
func (a *Analyzer) thematic(ctx context.Context, target document.Section, changeDescription string, forest *document.Forest) []AffectedSection {
	if a.reason == nil {
		return nil
	}
	raw, err := a.reason(ctx, thematicSystemPrompt(), thematicUserPrompt(target, changeDescription, forest))
	if err != nil {
		a.log.Warn("thematic pass failed, continuing with structural results", "err", err)
		return nil
	}
	candidate := llmjson.StripFences(raw)
	var payload []thematicPayload
	if err := json.Unmarshal([]byte(candidate), &payload); err != nil {
		embedded := llmjson.FirstArray(candidate)
		if embedded == "" {
			a.log.Warn("thematic pass returned no JSON array, ignoring", "err", err)
			return nil
		}
		if err := json.Unmarshal([]byte(embedded), &payload); err != nil {
			a.log.Warn("thematic pass returned malformed JSON, ignoring", "err", err)
			return nil
		}
	}
	var out []AffectedSection
	for _, p := range payload {
		sec, ok := forest.Get(strings.TrimSpace(p.SectionID))
		if !ok {
			continue
		}
		out = append(out, AffectedSection{
			Section:          sec,
			RelationshipType: RelThematic,
			Reason:           strings.TrimSpace(p.Reason),
			Priority:         normalizePriority(p.Priority),
			SuggestedChange:  strings.TrimSpace(p.SuggestedChange),
		})
	}
	return out
}

func thematicSystemPrompt() string {
	return strings.Join([]string{
		"You analyze narrative dependencies in a hierarchical document.",
		"Given a planned change to one section, list other sections whose content the change may invalidate thematically (motifs, callbacks, character knowledge, timeline).",
		"Return exactly one JSON array of objects with keys: section_id, relationship_type, reason, priority, suggested_change.",
		"relationship_type is always \"thematic\"; priority is high, medium, or low.",
		"Only list sections with a concrete dependency. Return [] when there are none.",
		"Do not include markdown or any text outside the JSON array.",
	}, "\n")
}

func thematicUserPrompt(target document.Section, changeDescription string, forest *document.Forest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Target section: %s (id=%s)\n", target.DisplayName(), target.ID)
	fmt.Fprintf(&b, "Planned change: %s\n\n", strings.TrimSpace(changeDescription))
	b.WriteString("Document outline:\n")
	b.WriteString(forest.Outline())
	b.WriteString("\nContent previews:\n")
	for _, sec := range forest.All() {
		content := strings.TrimSpace(sec.Content)
		if content == "" || sec.ID == target.ID {
			continue
		}
		fmt.Fprintf(&b, "[%s] %s\n", sec.ID, truncateRunes(content, contentPreviewRunes))
	}
	return b.String()
}

func truncateRunes(s string, maxRunes int) string {
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	return string(runes[:maxRunes]) + "..."
}
