package intent

import (
	"strings"

	"github.com/storyloom/storyloom-core/internal/document"
)

// Intent is the classified purpose of a user message.
type Intent string

const (
	IntentCreateStructure      Intent = "create_structure"
	IntentModifyStructure      Intent = "modify_structure"
	IntentWriteContent         Intent = "write_content"
	IntentImproveContent       Intent = "improve_content"
	IntentRewriteWithCoherence Intent = "rewrite_with_coherence"
	IntentNavigateSection      Intent = "navigate_section"
	IntentOpenAndWrite         Intent = "open_and_write"
	IntentDeleteNode           Intent = "delete_node"
	IntentAnswerQuestion       Intent = "answer_question"
	IntentGeneralChat          Intent = "general_chat"
)

func NormalizeIntent(raw string) (Intent, bool) {
	v := Intent(strings.ToLower(strings.TrimSpace(raw)))
	switch v {
	case IntentCreateStructure, IntentModifyStructure, IntentWriteContent,
		IntentImproveContent, IntentRewriteWithCoherence, IntentNavigateSection,
		IntentOpenAndWrite, IntentDeleteNode, IntentAnswerQuestion, IntentGeneralChat:
		return v, true
	}
	return IntentGeneralChat, false
}

// MutatesSection reports whether the intent edits a specific section and
// therefore requires an active section context.
func (i Intent) MutatesSection() bool {
	switch i {
	case IntentWriteContent, IntentImproveContent, IntentRewriteWithCoherence:
		return true
	default:
		return false
	}
}

// ModelRole is the suggested model role for acting on an intent.
type ModelRole string

const (
	RoleOrchestrator ModelRole = "orchestrator"
	RoleWriter       ModelRole = "writer"
	RoleEditor       ModelRole = "editor"
)

// Analysis is the result of classifying one user message. It is produced
// once per message and consumed immediately by an action planner.
type Analysis struct {
	Intent             Intent            `json:"intent"`
	Confidence         float64           `json:"confidence"`
	Reasoning          string            `json:"reasoning"`
	RequiresContext    bool              `json:"requires_context"`
	SuggestedModelRole ModelRole         `json:"suggested_model_role"`
	NeedsClarification bool              `json:"needs_clarification"`
	ClarifyingQuestion string            `json:"clarifying_question,omitempty"`
	ExtractedEntities  map[string]string `json:"extracted_entities,omitempty"`
	UsedModel          bool              `json:"used_model"`
}

// Turn is one conversation history entry given to the deep path.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CanvasSummary is the condensed canvas visibility the classifier sees.
type CanvasSummary struct {
	TotalNodes      int      `json:"total_nodes"`
	ConnectedLabels []string `json:"connected_labels,omitempty"`
}

// Context is everything the classifier may consult besides the message.
type Context struct {
	ActiveSection  *document.Section `json:"active_section,omitempty"`
	PanelOpen      bool              `json:"panel_open"`
	DocumentFormat string            `json:"document_format,omitempty"`
	Outline        string            `json:"outline,omitempty"`
	Canvas         CanvasSummary     `json:"canvas"`
	History        []Turn            `json:"history,omitempty"`
}
