package plan

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// ActionType tags the payload variant an Action carries.
type ActionType string

const (
	ActionGenerateStructure   ActionType = "generate_structure"
	ActionApplyStructure      ActionType = "apply_structure"
	ActionGenerateContent     ActionType = "generate_content"
	ActionApplyContent        ActionType = "apply_content"
	ActionAnalyzeDependencies ActionType = "analyze_dependencies"
	ActionPlanCoherence       ActionType = "plan_coherence"
	ActionNavigate            ActionType = "navigate"
	ActionOpenDocument        ActionType = "open_document"
	ActionAnswer              ActionType = "answer"
	ActionDeleteNode          ActionType = "delete_node"
	ActionMessage             ActionType = "message"
	ActionRequestConfirmation ActionType = "request_confirmation"
)

// Status is the execution state of one Action.
type Status string

const (
	StatusPending   Status = "pending"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Action is one unit of planned work. Exactly one payload field matching
// Type is set; the dispatcher rejects mismatches.
//
// Notes:
// - DependsOn lists action TYPES within the same plan. An action must not
//   execute until every listed type has reached completed.
// - AutoExecute=false actions wait for an explicit user go-ahead.
type Action struct {
	ID                string       `json:"id"`
	Type              ActionType   `json:"type"`
	Status            Status       `json:"status"`
	DependsOn         []ActionType `json:"depends_on,omitempty"`
	AutoExecute       bool         `json:"auto_execute"`
	RequiresUserInput bool         `json:"requires_user_input,omitempty"`
	Err               string       `json:"error,omitempty"`

	GenerateStructure *GenerateStructurePayload `json:"generate_structure,omitempty"`
	ApplyStructure    *ApplyStructurePayload    `json:"apply_structure,omitempty"`
	GenerateContent   *GenerateContentPayload   `json:"generate_content,omitempty"`
	ApplyContent      *ApplyContentPayload      `json:"apply_content,omitempty"`
	Dependencies      *DependenciesPayload      `json:"dependencies,omitempty"`
	Coherence         *CoherencePayload         `json:"coherence,omitempty"`
	Navigate          *NavigatePayload          `json:"navigate,omitempty"`
	OpenDocument      *OpenDocumentPayload      `json:"open_document,omitempty"`
	Answer            *AnswerPayload            `json:"answer,omitempty"`
	DeleteNode        *DeleteNodePayload        `json:"delete_node,omitempty"`
	Message           *MessagePayload           `json:"message,omitempty"`
	Confirmation      *ConfirmationPayload      `json:"confirmation,omitempty"`
}

type GenerateStructurePayload struct {
	Prompt          string `json:"prompt"`
	Format          string `json:"format"`
	Model           string `json:"model,omitempty"`
	TargetWordCount int    `json:"target_word_count,omitempty"`
	Reasoning       string `json:"reasoning,omitempty"`
}

type ApplyStructurePayload struct {
	NodeID string `json:"node_id,omitempty"`
}

type GenerateContentPayload struct {
	SectionID       string `json:"section_id"`
	SectionName     string `json:"section_name,omitempty"`
	Prompt          string `json:"prompt"`
	Role            string `json:"role,omitempty"`
	Model           string `json:"model,omitempty"`
	TargetWordCount int    `json:"target_word_count,omitempty"`
	Replace         bool   `json:"replace,omitempty"`
	Reasoning       string `json:"reasoning,omitempty"`
}

type ApplyContentPayload struct {
	SectionID string `json:"section_id"`
}

type DependenciesPayload struct {
	SectionID         string `json:"section_id"`
	ChangeDescription string `json:"change_description"`
}

type CoherencePayload struct {
	SectionID string `json:"section_id"`
}

type NavigatePayload struct {
	SectionID   string `json:"section_id"`
	SectionName string `json:"section_name,omitempty"`
}

type OpenDocumentPayload struct {
	NodeID    string `json:"node_id"`
	SectionID string `json:"section_id,omitempty"`
}

type AnswerPayload struct {
	Question string `json:"question"`
	Model    string `json:"model,omitempty"`
}

type DeleteNodePayload struct {
	NodeID   string `json:"node_id"`
	NodeName string `json:"node_name,omitempty"`
}

// MessagePayload is a direct message to the user, also used to surface
// typed errors.
type MessagePayload struct {
	Kind string `json:"kind"` // message|error|progress
	Text string `json:"text"`
}

type ConfirmationOption struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

type ConfirmationPayload struct {
	Kind       string               `json:"kind"` // yes_no|multiple_choice
	Prompt     string               `json:"prompt"`
	Options    []ConfirmationOption `json:"options,omitempty"`
	ActionType ActionType           `json:"action_type"`
	Context    map[string]string    `json:"context,omitempty"`
}

func newAction(t ActionType) Action {
	return Action{ID: uuid.NewString(), Type: t, Status: StatusPending, AutoExecute: true}
}

// Ready reports whether every dependency type of a has completed.
func Ready(a Action, done map[ActionType]bool) bool {
	for _, dep := range a.DependsOn {
		if !done[dep] {
			return false
		}
	}
	return true
}

// Handlers binds one handler per action type. Nil entries make Dispatch
// fail for that type instead of silently skipping.
type Handlers struct {
	GenerateStructure func(ctx context.Context, a *Action, p *GenerateStructurePayload) error
	ApplyStructure    func(ctx context.Context, a *Action, p *ApplyStructurePayload) error
	GenerateContent   func(ctx context.Context, a *Action, p *GenerateContentPayload) error
	ApplyContent      func(ctx context.Context, a *Action, p *ApplyContentPayload) error
	Dependencies      func(ctx context.Context, a *Action, p *DependenciesPayload) error
	Coherence         func(ctx context.Context, a *Action, p *CoherencePayload) error
	Navigate          func(ctx context.Context, a *Action, p *NavigatePayload) error
	OpenDocument      func(ctx context.Context, a *Action, p *OpenDocumentPayload) error
	Answer            func(ctx context.Context, a *Action, p *AnswerPayload) error
	DeleteNode        func(ctx context.Context, a *Action, p *DeleteNodePayload) error
	Message           func(ctx context.Context, a *Action, p *MessagePayload) error
	Confirmation      func(ctx context.Context, a *Action, p *ConfirmationPayload) error
}

// Dispatch routes an Action to the handler matching its type tag. A missing
// payload or handler is a programmer error and returns immediately.
func Dispatch(ctx context.Context, a *Action, h Handlers) error {
	if a == nil {
		return fmt.Errorf("nil action")
	}
	switch a.Type {
	case ActionGenerateStructure:
		return dispatch(ctx, a, a.GenerateStructure, h.GenerateStructure)
	case ActionApplyStructure:
		return dispatch(ctx, a, a.ApplyStructure, h.ApplyStructure)
	case ActionGenerateContent:
		return dispatch(ctx, a, a.GenerateContent, h.GenerateContent)
	case ActionApplyContent:
		return dispatch(ctx, a, a.ApplyContent, h.ApplyContent)
	case ActionAnalyzeDependencies:
		return dispatch(ctx, a, a.Dependencies, h.Dependencies)
	case ActionPlanCoherence:
		return dispatch(ctx, a, a.Coherence, h.Coherence)
	case ActionNavigate:
		return dispatch(ctx, a, a.Navigate, h.Navigate)
	case ActionOpenDocument:
		return dispatch(ctx, a, a.OpenDocument, h.OpenDocument)
	case ActionAnswer:
		return dispatch(ctx, a, a.Answer, h.Answer)
	case ActionDeleteNode:
		return dispatch(ctx, a, a.DeleteNode, h.DeleteNode)
	case ActionMessage:
		return dispatch(ctx, a, a.Message, h.Message)
	case ActionRequestConfirmation:
		return dispatch(ctx, a, a.Confirmation, h.Confirmation)
	default:
		return fmt.Errorf("unknown action type %q", a.Type)
	}
}

func dispatch[P any](ctx context.Context, a *Action, payload *P, handler func(context.Context, *Action, *P) error) error {
	if payload == nil {
		return fmt.Errorf("action %s: missing %q payload", a.ID, a.Type)
	}
	if handler == nil {
		return fmt.Errorf("action %s: no handler for %q", a.ID, a.Type)
	}
	return handler(ctx, a, payload)
}
