package confirm

// Resolver for pending confirmations and clarifications. A pending
// interaction moves from awaiting_response to exactly one of resolved,
// cancelled, or unclear; unclear re-prompts without discarding the pending
// context, and never silently picks a default option.

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/storyloom/storyloom-core/internal/plan"
)

type State string

const (
	StateAwaitingResponse State = "awaiting_response"
	StateResolved         State = "resolved"
	StateCancelled        State = "cancelled"
	StateUnclear          State = "unclear"
)

const (
	KindYesNo          = "yes_no"
	KindMultipleChoice = "multiple_choice"
)

// Pending is one confirmation waiting for the user's reply.
type Pending struct {
	ID         string                    `json:"id"`
	Kind       string                    `json:"kind"`
	Prompt     string                    `json:"prompt"`
	Options    []plan.ConfirmationOption `json:"options,omitempty"`
	ActionType plan.ActionType           `json:"action_type"`
	Context    map[string]string         `json:"context,omitempty"`
}

// Outcome is the result of interpreting one reply.
type Outcome struct {
	State    State
	Option   *plan.ConfirmationOption
	Actions  []plan.Action
	Reprompt string
}

var affirmative = map[string]bool{"yes": true, "y": true, "confirm": true, "ok": true}
var negative = map[string]bool{"no": true, "n": true, "cancel": true}

// Resolve interprets the user's reply against the pending interaction.
// Only a malformed pending context returns an error; an unmatchable reply
// is an unclear Outcome, not a failure.
func Resolve(p Pending, reply string) (Outcome, error) {
	if strings.TrimSpace(string(p.ActionType)) == "" {
		return Outcome{}, fmt.Errorf("pending %q: missing action type", p.ID)
	}
	normalized := strings.ToLower(strings.TrimSpace(reply))

	switch p.Kind {
	case KindYesNo:
		switch {
		case affirmative[normalized]:
			actions, err := buildActions(p, nil)
			if err != nil {
				return Outcome{}, err
			}
			return Outcome{State: StateResolved, Actions: actions}, nil
		case negative[normalized]:
			return Outcome{State: StateCancelled}, nil
		default:
			return Outcome{State: StateUnclear, Reprompt: reprompt(p)}, nil
		}
	case KindMultipleChoice:
		if len(p.Options) == 0 {
			return Outcome{}, fmt.Errorf("pending %q: multiple choice without options", p.ID)
		}
		if negative[normalized] {
			return Outcome{State: StateCancelled}, nil
		}
		opt := matchOption(p.Options, normalized)
		if opt == nil {
			return Outcome{State: StateUnclear, Reprompt: reprompt(p)}, nil
		}
		actions, err := buildActions(p, opt)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{State: StateResolved, Option: opt, Actions: actions}, nil
	default:
		return Outcome{}, fmt.Errorf("pending %q: unknown kind %q", p.ID, p.Kind)
	}
}

// matchOption tries an exact id match, then a case-insensitive substring
// match against label and description.
func matchOption(options []plan.ConfirmationOption, normalized string) *plan.ConfirmationOption {
	if normalized == "" {
		return nil
	}
	for i := range options {
		if strings.EqualFold(options[i].ID, normalized) {
			return &options[i]
		}
	}
	for i := range options {
		label := strings.ToLower(options[i].Label)
		desc := strings.ToLower(options[i].Description)
		if strings.Contains(label, normalized) || strings.Contains(normalized, label) ||
			(desc != "" && strings.Contains(desc, normalized)) {
			return &options[i]
		}
	}
	return nil
}

func reprompt(p Pending) string {
	if p.Kind == KindMultipleChoice {
		var labels []string
		for _, o := range p.Options {
			labels = append(labels, o.Label)
		}
		return fmt.Sprintf("I didn't catch that. %s (options: %s)", p.Prompt, strings.Join(labels, ", "))
	}
	return fmt.Sprintf("Please answer yes or no. %s", p.Prompt)
}

// buildActions converts a resolved confirmation into concrete actions
// using the original action type's payload rule.
func buildActions(p Pending, opt *plan.ConfirmationOption) ([]plan.Action, error) {
	switch p.ActionType {
	case plan.ActionDeleteNode:
		nodeID, nodeName := p.Context["node_id"], p.Context["node_name"]
		if opt != nil {
			nodeID, nodeName = opt.ID, opt.Label
		}
		if nodeID == "" {
			return nil, fmt.Errorf("pending %q: delete confirmation without a node id", p.ID)
		}
		a := newAction(plan.ActionDeleteNode)
		a.DeleteNode = &plan.DeleteNodePayload{NodeID: nodeID, NodeName: nodeName}
		return []plan.Action{a}, nil

	case plan.ActionOpenDocument:
		if opt == nil {
			return nil, fmt.Errorf("pending %q: open confirmation without a selected option", p.ID)
		}
		a := newAction(plan.ActionOpenDocument)
		a.OpenDocument = &plan.OpenDocumentPayload{NodeID: opt.ID}
		return []plan.Action{a}, nil

	case plan.ActionGenerateStructure:
		// Disambiguation after the canvas-awareness halt: either open the
		// chosen existing document, or go ahead with a fresh structure.
		if opt == nil {
			return nil, fmt.Errorf("pending %q: structure confirmation without a selected option", p.ID)
		}
		if opt.ID == "create_new" {
			gen := newAction(plan.ActionGenerateStructure)
			gen.GenerateStructure = &plan.GenerateStructurePayload{
				Prompt: p.Context["message"],
				Format: p.Context["format"],
			}
			apply := newAction(plan.ActionApplyStructure)
			apply.DependsOn = []plan.ActionType{plan.ActionGenerateStructure}
			apply.ApplyStructure = &plan.ApplyStructurePayload{}
			return []plan.Action{gen, apply}, nil
		}
		a := newAction(plan.ActionOpenDocument)
		a.OpenDocument = &plan.OpenDocumentPayload{NodeID: opt.ID}
		return []plan.Action{a}, nil

	default:
		return nil, fmt.Errorf("pending %q: no payload rule for action type %q", p.ID, p.ActionType)
	}
}

func newAction(t plan.ActionType) plan.Action {
	return plan.Action{ID: uuid.NewString(), Type: t, Status: plan.StatusPending, AutoExecute: true}
}
