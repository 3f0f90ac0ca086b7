package intent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/storyloom/storyloom-core/internal/document"
)

func testAnalyzer(t *testing.T, reason ReasonFunc) *Analyzer {
	t.Helper()
	return NewAnalyzer(AnalyzerOptions{
		Log:    slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{})),
		Reason: reason,
	})
}

func failingReason(t *testing.T) ReasonFunc {
	t.Helper()
	return func(context.Context, string, string) (string, error) {
		t.Fatalf("deep path must not be invoked")
		return "", nil
	}
}

func TestAnalyze_WriteWithActiveSectionUsesFastPath(t *testing.T) {
	t.Parallel()

	a := testAnalyzer(t, failingReason(t))
	sec := &document.Section{ID: "ch3", Name: "Chapter 3", Level: 1}
	result := a.Analyze(context.Background(), "Write more about the dragon", Context{
		ActiveSection: sec,
		PanelOpen:     true,
	})
	if result.Intent != IntentWriteContent {
		t.Fatalf("intent = %q, want write_content", result.Intent)
	}
	if !result.RequiresContext {
		t.Fatalf("write_content must require section context")
	}
	if result.UsedModel {
		t.Fatalf("fast path must not use the model")
	}
	if result.Confidence != 0.95 {
		t.Fatalf("confidence = %v, want fixed fast-path 0.95", result.Confidence)
	}
}

func TestAnalyze_QuestionIgnoresActiveSection(t *testing.T) {
	t.Parallel()

	a := testAnalyzer(t, failingReason(t))

	for _, c := range []Context{
		{},
		{ActiveSection: &document.Section{ID: "ch2", Name: "Chapter 2"}, PanelOpen: true},
	} {
		result := a.Analyze(context.Background(), "What happens in Chapter 2?", c)
		if result.Intent != IntentAnswerQuestion {
			t.Fatalf("intent = %q, want answer_question", result.Intent)
		}
		if result.RequiresContext {
			t.Fatalf("answer_question must not require context")
		}
	}
}

func TestAnalyze_PronounCueForcesDeepPath(t *testing.T) {
	t.Parallel()

	called := false
	a := testAnalyzer(t, func(context.Context, string, string) (string, error) {
		called = true
		return `{"intent":"improve_content","confidence":0.8,"reasoning":"anaphora resolved","suggested_model_role":"editor"}`, nil
	})
	result := a.Analyze(context.Background(), "Make it better", Context{
		ActiveSection: &document.Section{ID: "ch1", Name: "Chapter 1"},
	})
	if !called {
		t.Fatalf("pronoun cue must route to the deep path")
	}
	if result.Intent != IntentImproveContent || !result.UsedModel {
		t.Fatalf("result = %+v, want model-backed improve_content", result)
	}
	if !result.RequiresContext {
		t.Fatalf("improve_content must require context even when the model omits the flag")
	}
}

func TestAnalyze_DeepFailureDegradesToClarification(t *testing.T) {
	t.Parallel()

	a := testAnalyzer(t, func(context.Context, string, string) (string, error) {
		return "", errors.New("endpoint down")
	})
	result := a.Analyze(context.Background(), "hmm the thing from before, but different", Context{})
	if result.Intent != IntentGeneralChat {
		t.Fatalf("intent = %q, want general_chat fallback", result.Intent)
	}
	if !result.NeedsClarification || result.ClarifyingQuestion == "" {
		t.Fatalf("fallback must request clarification: %+v", result)
	}
}

func TestAnalyze_MalformedDeepOutputDegrades(t *testing.T) {
	t.Parallel()

	a := testAnalyzer(t, func(context.Context, string, string) (string, error) {
		return "certainly! here is some prose with no JSON at all", nil
	})
	result := a.Analyze(context.Background(), "do that again like last time", Context{})
	if result.Intent != IntentGeneralChat || !result.NeedsClarification {
		t.Fatalf("malformed output must degrade, got %+v", result)
	}
}

func TestAnalyze_DeepOutputInMarkdownFence(t *testing.T) {
	t.Parallel()

	a := testAnalyzer(t, func(context.Context, string, string) (string, error) {
		return "```json\n{\"intent\":\"create_structure\",\"confidence\":0.85,\"reasoning\":\"new story\",\"suggested_model_role\":\"orchestrator\"}\n```", nil
	})
	result := a.Analyze(context.Background(), "something epic, similar to a saga", Context{})
	if result.Intent != IntentCreateStructure {
		t.Fatalf("intent = %q, want create_structure from fenced JSON", result.Intent)
	}
}

func TestAnalyze_NoRuleMatchFallsThroughToDeepPath(t *testing.T) {
	t.Parallel()

	a := testAnalyzer(t, func(context.Context, string, string) (string, error) {
		return `{"intent":"general_chat","confidence":0.6,"reasoning":"chitchat","suggested_model_role":"orchestrator"}`, nil
	})
	result := a.Analyze(context.Background(), "good morning dear assistant", Context{})
	if result.Intent != IntentGeneralChat || !result.UsedModel {
		t.Fatalf("unmatched message must reach the deep path, got %+v", result)
	}
}

func TestAnalyze_CreateStructureOnlyWhenPanelClosed(t *testing.T) {
	t.Parallel()

	a := testAnalyzer(t, failingReason(t))
	result := a.Analyze(context.Background(), "write a story about deep sea mining", Context{})
	if result.Intent != IntentCreateStructure {
		t.Fatalf("intent = %q, want create_structure with panel closed", result.Intent)
	}

	b := testAnalyzer(t, failingReason(t))
	open := b.Analyze(context.Background(), "write a story about deep sea mining", Context{
		PanelOpen:     true,
		ActiveSection: &document.Section{ID: "ch1", Name: "Chapter 1"},
	})
	// With an active section the write rule outranks structure creation.
	if open.Intent != IntentWriteContent {
		t.Fatalf("intent = %q, want write_content when a section is active", open.Intent)
	}
}

func TestAnalyze_DeleteBeatsQuestionMark(t *testing.T) {
	t.Parallel()

	a := testAnalyzer(t, failingReason(t))
	result := a.Analyze(context.Background(), "delete the old outline node?", Context{})
	if result.Intent != IntentDeleteNode {
		t.Fatalf("intent = %q, want delete_node (delete rule outranks question rule)", result.Intent)
	}
}

func TestParseDeepResponse_EmbeddedJSON(t *testing.T) {
	t.Parallel()

	raw := `Sure thing: {"intent":"answer_question","confidence":0.7,"reasoning":"question","suggested_model_role":"orchestrator"} trailing`
	got, err := parseDeepResponse(raw)
	if err != nil {
		t.Fatalf("parseDeepResponse: %v", err)
	}
	if got.Intent != IntentAnswerQuestion || got.Confidence != 0.7 {
		t.Fatalf("parsed = %+v", got)
	}
}
