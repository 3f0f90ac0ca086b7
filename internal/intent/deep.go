package intent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/storyloom/storyloom-core/internal/llmjson"
)

const deepClassifierPromptMarker = "STORYLOOM_INTENT_V1"

// ReasonFunc issues a single reasoning request (system + user prompt) to a
// model-backed classifier and returns the raw text response.
type ReasonFunc func(ctx context.Context, systemPrompt, userPrompt string) (string, error)

// DeepAnalyzer is the model-backed classification path.
//
// Notes:
// - Any failure (transport, malformed output, unknown intent) degrades to a
//   conservative general-conversation result with needs_clarification set.
//   It never returns an error to the caller.
type DeepAnalyzer struct {
	reason ReasonFunc
}

func NewDeepAnalyzer(reason ReasonFunc) *DeepAnalyzer {
	return &DeepAnalyzer{reason: reason}
}

const historyWindow = 5
const previewRunes = 100

func buildDeepSystemPrompt(c Context) string {
	lines := []string{
		deepClassifierPromptMarker,
		"You classify user messages for a creative-writing assistant working on a hierarchical document.",
		"Return exactly one JSON object with keys: intent, confidence, reasoning, requires_context, suggested_model_role, needs_clarification, clarifying_question, extracted_entities.",
		"intent must be one of: create_structure, modify_structure, write_content, improve_content, rewrite_with_coherence, navigate_section, open_and_write, delete_node, answer_question, general_chat.",
		"confidence is a number between 0 and 1.",
		"suggested_model_role must be one of: orchestrator, writer, editor.",
		"requires_context is true only when the intent edits a specific selected section.",
		"If the message is truly ambiguous, set needs_clarification=true and fill clarifying_question.",
		"Do not include markdown or extra text.",
		"",
		"Current context:",
	}
	if c.PanelOpen {
		format := c.DocumentFormat
		if format == "" {
			format = "unknown"
		}
		lines = append(lines, fmt.Sprintf("- document panel is OPEN (format: %s)", format))
		if c.ActiveSection != nil {
			lines = append(lines, fmt.Sprintf("- active section: %q (level %d)", c.ActiveSection.DisplayName(), c.ActiveSection.Level))
		}
	} else {
		lines = append(lines, "- document panel is CLOSED (user is on the canvas view)")
	}
	if c.Canvas.TotalNodes > 0 {
		lines = append(lines, fmt.Sprintf("- canvas has %d nodes", c.Canvas.TotalNodes))
		if len(c.Canvas.ConnectedLabels) > 0 {
			labels := c.Canvas.ConnectedLabels
			if len(labels) > 3 {
				labels = labels[:3]
			}
			lines = append(lines, "- connected documents: "+strings.Join(labels, ", "))
		}
	}
	if outline := strings.TrimSpace(c.Outline); outline != "" {
		lines = append(lines, "- document outline:", outline)
	}
	if len(c.History) > 0 {
		recent := c.History
		if len(recent) > historyWindow {
			recent = recent[len(recent)-historyWindow:]
		}
		lines = append(lines, "- recent conversation:")
		for _, turn := range recent {
			lines = append(lines, fmt.Sprintf("  [%s]: %s", turn.Role, truncateRunes(turn.Content, previewRunes)))
		}
	}
	return strings.Join(lines, "\n")
}

func buildDeepUserPrompt(message string) string {
	return strings.Join([]string{
		"Classify this user message:",
		"",
		strings.TrimSpace(message),
	}, "\n")
}

// Analyze runs the deep classification path.
func (a *DeepAnalyzer) Analyze(ctx context.Context, message string, c Context) Analysis {
	if a == nil || a.reason == nil {
		return fallbackAnalysis()
	}
	raw, err := a.reason(ctx, buildDeepSystemPrompt(c), buildDeepUserPrompt(message))
	if err != nil {
		return fallbackAnalysis()
	}
	parsed, err := parseDeepResponse(raw)
	if err != nil {
		return fallbackAnalysis()
	}
	return parsed
}

type deepPayload struct {
	Intent             string            `json:"intent"`
	Confidence         float64           `json:"confidence"`
	Reasoning          string            `json:"reasoning"`
	RequiresContext    bool              `json:"requires_context"`
	SuggestedModelRole string            `json:"suggested_model_role"`
	NeedsClarification bool              `json:"needs_clarification"`
	ClarifyingQuestion string            `json:"clarifying_question"`
	ExtractedEntities  map[string]string `json:"extracted_entities"`
}

func parseDeepResponse(raw string) (Analysis, error) {
	candidate := llmjson.StripFences(raw)
	if candidate == "" {
		return Analysis{}, errors.New("empty classifier response")
	}

	var payload deepPayload
	if err := json.Unmarshal([]byte(candidate), &payload); err != nil {
		embedded := llmjson.FirstObject(candidate)
		if embedded == "" {
			return Analysis{}, fmt.Errorf("invalid classifier response: %w", err)
		}
		if err := json.Unmarshal([]byte(embedded), &payload); err != nil {
			return Analysis{}, fmt.Errorf("invalid classifier JSON payload: %w", err)
		}
	}

	in, ok := NormalizeIntent(payload.Intent)
	if !ok {
		return Analysis{}, fmt.Errorf("unknown intent %q", payload.Intent)
	}
	conf := payload.Confidence
	if conf < 0 {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}
	role := ModelRole(strings.ToLower(strings.TrimSpace(payload.SuggestedModelRole)))
	switch role {
	case RoleOrchestrator, RoleWriter, RoleEditor:
	default:
		role = RoleOrchestrator
	}
	return Analysis{
		Intent:             in,
		Confidence:         conf,
		Reasoning:          strings.TrimSpace(payload.Reasoning),
		RequiresContext:    payload.RequiresContext || in.MutatesSection(),
		SuggestedModelRole: role,
		NeedsClarification: payload.NeedsClarification,
		ClarifyingQuestion: strings.TrimSpace(payload.ClarifyingQuestion),
		ExtractedEntities:  payload.ExtractedEntities,
		UsedModel:          true,
	}, nil
}

func fallbackAnalysis() Analysis {
	return Analysis{
		Intent:             IntentGeneralChat,
		Confidence:         0.3,
		Reasoning:          "deep analysis unavailable, defaulting to conversation",
		SuggestedModelRole: RoleOrchestrator,
		NeedsClarification: true,
		ClarifyingQuestion: "I'm not sure I understood your request. Could you clarify what you'd like me to do?",
		UsedModel:          true,
	}
}

func truncateRunes(s string, maxRunes int) string {
	if maxRunes <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	return string(runes[:maxRunes]) + "..."
}
