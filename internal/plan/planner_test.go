package plan

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/storyloom/storyloom-core/internal/config"
	"github.com/storyloom/storyloom-core/internal/document"
	"github.com/storyloom/storyloom-core/internal/intent"
)

func testForest(t *testing.T) *document.Forest {
	t.Helper()
	f, err := document.NewForest([]document.Section{
		{ID: "act1", Level: 1, Order: 1, Name: "Act I"},
		{ID: "ch1", Level: 2, Order: 1, ParentID: "act1", Name: "Chapter 1", Title: "The Storm & The Calm"},
		{ID: "ch2", Level: 2, Order: 2, ParentID: "act1", Name: "Chapter 2", Title: "3. Landfall"},
		{ID: "ch3", Level: 2, Order: 3, ParentID: "act1", Name: "Chapter 3"},
	})
	if err != nil {
		t.Fatalf("NewForest: %v", err)
	}
	return f
}

func planConfig() *config.Config {
	cfg := &config.Config{
		Models: config.ModelsConfig{
			Providers: []config.Provider{{
				ID:        "main",
				Type:      config.ProviderAnthropic,
				APIKeyEnv: "TEST_KEY",
				Models: []config.Model{
					{Name: "orch", Role: "orchestrator", Tier: config.TierStandard, IsDefault: true},
					{Name: "writer-cheap", Role: "writer", Tier: config.TierSimple},
					{Name: "writer-strong", Role: "writer", Tier: config.TierComplex},
					{Name: "editor", Role: "editor", Tier: config.TierStandard},
				},
			}},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

func testPlanner(t *testing.T) *Planner {
	t.Helper()
	return NewPlanner(planConfig(), slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{})))
}

func TestResolveTarget_StrategyOrder(t *testing.T) {
	t.Parallel()

	f := testForest(t)
	active := &document.Section{ID: "ch3", Name: "Chapter 3"}

	sec, strategy := ResolveTarget("rewrite chapter 2 please", f, nil, active)
	if sec == nil || sec.ID != "ch2" || strategy != "numeric" {
		t.Fatalf("got (%+v, %q), want ch2 via numeric", sec, strategy)
	}

	sec, strategy = ResolveTarget("polish the storm and the calm a bit", f, nil, active)
	if sec == nil || sec.ID != "ch1" || strategy != "fuzzy" {
		t.Fatalf("got (%+v, %q), want ch1 via fuzzy (ampersand normalized)", sec, strategy)
	}

	sec, strategy = ResolveTarget("fix it up", f, map[string]string{"section": "Landfall"}, active)
	if sec == nil || sec.ID != "ch2" || strategy != "entity" {
		t.Fatalf("got (%+v, %q), want ch2 via entity (leading numeral stripped)", sec, strategy)
	}

	sec, strategy = ResolveTarget("keep going", f, nil, active)
	if sec == nil || sec.ID != "ch3" || strategy != "active" {
		t.Fatalf("got (%+v, %q), want active-section fallback", sec, strategy)
	}
}

func TestResolveTarget_RomanNumerals(t *testing.T) {
	t.Parallel()

	f := testForest(t)
	sec, strategy := ResolveTarget("expand act I", f, nil, nil)
	if sec == nil || sec.ID != "act1" || strategy != "numeric" {
		t.Fatalf("got (%+v, %q), want act1 via roman numeral", sec, strategy)
	}
}

func TestResolveTarget_NothingMatches(t *testing.T) {
	t.Parallel()

	sec, strategy := ResolveTarget("hello there", testForest(t), nil, nil)
	if sec != nil || strategy != "" {
		t.Fatalf("got (%+v, %q), want no resolution", sec, strategy)
	}
}

func TestParseSectionNumber(t *testing.T) {
	t.Parallel()

	cases := map[string]int{"3": 3, "vii": 7, "IX": 9, "two": 2, "fifth": 5, "x": 10}
	for in, want := range cases {
		got, ok := parseSectionNumber(in)
		if !ok || got != want {
			t.Fatalf("parseSectionNumber(%q) = (%d, %v), want %d", in, got, ok, want)
		}
	}
	if _, ok := parseSectionNumber("xi"); ok {
		t.Fatalf("roman numerals above X must not parse")
	}
	if _, ok := parseSectionNumber("zero"); ok {
		t.Fatalf("unknown word must not parse")
	}
}

func TestClassifyComplexity(t *testing.T) {
	t.Parallel()

	if got := ClassifyComplexity(1, "write a quiet morning scene", 300); got != config.TierSimple {
		t.Fatalf("simple task rated %q", got)
	}
	if got := ClassifyComplexity(3, "write the climax confrontation", 2500); got != config.TierComplex {
		t.Fatalf("demanding task rated %q", got)
	}
	if got := ClassifyComplexity(1, "add some dialogue here", 300); got != config.TierStandard {
		t.Fatalf("keyword bump rated %q", got)
	}
}

func TestSelectModel_CheapestMeetingTier(t *testing.T) {
	t.Parallel()

	sel, err := SelectModel(planConfig(), "writer", config.TierSimple)
	if err != nil {
		t.Fatalf("SelectModel: %v", err)
	}
	if sel.Model != "writer-cheap" {
		t.Fatalf("model = %q, want cheapest meeting simple tier", sel.Model)
	}

	sel, err = SelectModel(planConfig(), "writer", config.TierComplex)
	if err != nil {
		t.Fatalf("SelectModel: %v", err)
	}
	if sel.Model != "writer-strong" {
		t.Fatalf("model = %q, want writer-strong for complex tier", sel.Model)
	}
}

func TestSelectModel_FixedOverrideRecorded(t *testing.T) {
	t.Parallel()

	cfg := planConfig()
	cfg.Models.Mode = config.ModelModeFixed
	cfg.Models.FixedModelID = "editor"

	sel, err := SelectModel(cfg, "writer", config.TierComplex)
	if err != nil {
		t.Fatalf("SelectModel: %v", err)
	}
	if sel.Model != "editor" {
		t.Fatalf("model = %q, want fixed pin", sel.Model)
	}
	if !strings.Contains(sel.Reasoning, "override") {
		t.Fatalf("reasoning must record the override: %q", sel.Reasoning)
	}
}

func TestPlanWriteContent_GenerateThenApply(t *testing.T) {
	t.Parallel()

	p := testPlanner(t)
	actions, err := p.Plan(Request{
		Message: "Write more about the dragon",
		Analysis: intent.Analysis{
			Intent:             intent.IntentWriteContent,
			SuggestedModelRole: intent.RoleWriter,
			RequiresContext:    true,
		},
		Forest: testForest(t),
		Active: &document.Section{ID: "ch3", Name: "Chapter 3", Level: 2},
	})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(actions) != 2 {
		t.Fatalf("actions = %d, want generate+apply", len(actions))
	}
	gen, apply := actions[0], actions[1]
	if gen.Type != ActionGenerateContent || gen.GenerateContent == nil {
		t.Fatalf("first action = %+v", gen)
	}
	if gen.GenerateContent.SectionID != "ch3" {
		t.Fatalf("target = %q, want active-section fallback ch3", gen.GenerateContent.SectionID)
	}
	if apply.Type != ActionApplyContent || len(apply.DependsOn) != 1 || apply.DependsOn[0] != ActionGenerateContent {
		t.Fatalf("apply must depend on generation: %+v", apply)
	}
	if !gen.AutoExecute {
		t.Fatalf("content generation must auto-execute")
	}
}

func TestPlanRewriteWithCoherence_DependencyChain(t *testing.T) {
	t.Parallel()

	p := testPlanner(t)
	actions, err := p.Plan(Request{
		Message: "rewrite chapter 2 so the betrayal lands harder",
		Analysis: intent.Analysis{
			Intent:             intent.IntentRewriteWithCoherence,
			SuggestedModelRole: intent.RoleEditor,
		},
		Forest: testForest(t),
	})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(actions) != 4 {
		t.Fatalf("actions = %d, want analyze, coherence, generate, apply", len(actions))
	}
	if actions[0].Type != ActionAnalyzeDependencies {
		t.Fatalf("first action = %q", actions[0].Type)
	}
	if actions[1].Type != ActionPlanCoherence || actions[1].DependsOn[0] != ActionAnalyzeDependencies {
		t.Fatalf("coherence planning must depend on analysis: %+v", actions[1])
	}
	if actions[2].Type != ActionGenerateContent || actions[2].DependsOn[0] != ActionPlanCoherence {
		t.Fatalf("generation must depend on the coherence plan: %+v", actions[2])
	}
}

func TestPlanWrite_NoTargetSurfacesRemediation(t *testing.T) {
	t.Parallel()

	p := testPlanner(t)
	actions, err := p.Plan(Request{
		Message:  "make the prose sparkle",
		Analysis: intent.Analysis{Intent: intent.IntentImproveContent, SuggestedModelRole: intent.RoleEditor},
	})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(actions) != 1 || actions[0].Type != ActionMessage || actions[0].Message.Kind != "error" {
		t.Fatalf("actions = %+v, want single error message", actions)
	}
	if !strings.Contains(actions[0].Message.Text, "section") {
		t.Fatalf("remediation must mention selecting a section: %q", actions[0].Message.Text)
	}
}

func TestPlanCreateStructure_HaltsOnPopulatedCanvas(t *testing.T) {
	t.Parallel()

	p := testPlanner(t)
	actions, err := p.Plan(Request{
		Message:  "write a story about deep sea mining",
		Analysis: intent.Analysis{Intent: intent.IntentCreateStructure},
		Canvas: CanvasSummary{Documents: []DocumentNode{
			{ID: "doc1", Label: "Abyssal Tide", SectionCount: 12},
			{ID: "doc2", Label: "Scratchpad", SectionCount: 0},
		}},
	})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(actions) != 1 || actions[0].Type != ActionRequestConfirmation {
		t.Fatalf("actions = %+v, want a single disambiguation request", actions)
	}
	c := actions[0].Confirmation
	if c.Kind != "multiple_choice" {
		t.Fatalf("kind = %q", c.Kind)
	}
	// One option per populated document plus the create-new escape hatch.
	if len(c.Options) != 2 {
		t.Fatalf("options = %+v, want Abyssal Tide + create_new", c.Options)
	}
	if actions[0].AutoExecute || !actions[0].RequiresUserInput {
		t.Fatalf("disambiguation must wait for the user")
	}
}

func TestPlanCreateStructure_EmptyCanvasGenerates(t *testing.T) {
	t.Parallel()

	p := testPlanner(t)
	actions, err := p.Plan(Request{
		Message:  "write a story about deep sea mining",
		Analysis: intent.Analysis{Intent: intent.IntentCreateStructure},
		Format:   "novel",
	})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(actions) != 2 || actions[0].Type != ActionGenerateStructure || actions[1].Type != ActionApplyStructure {
		t.Fatalf("actions = %+v, want generate+apply structure", actions)
	}
	if actions[0].GenerateStructure.Format != "novel" {
		t.Fatalf("format = %q", actions[0].GenerateStructure.Format)
	}
	if actions[1].DependsOn[0] != ActionGenerateStructure {
		t.Fatalf("apply must depend on generation")
	}
}

func TestPlanDelete_AlwaysConfirms(t *testing.T) {
	t.Parallel()

	p := testPlanner(t)
	actions, err := p.Plan(Request{
		Message:  "delete the abyssal tide document",
		Analysis: intent.Analysis{Intent: intent.IntentDeleteNode},
		Canvas: CanvasSummary{Documents: []DocumentNode{
			{ID: "doc1", Label: "Abyssal Tide", SectionCount: 12},
			{ID: "doc2", Label: "Scratchpad", SectionCount: 3},
		}},
	})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(actions) != 1 || actions[0].Type != ActionRequestConfirmation {
		t.Fatalf("actions = %+v, want confirmation only", actions)
	}
	c := actions[0].Confirmation
	if c.Kind != "yes_no" || c.ActionType != ActionDeleteNode {
		t.Fatalf("confirmation = %+v", c)
	}
	if c.Context["node_id"] != "doc1" {
		t.Fatalf("context = %+v, want fuzzy-matched doc1", c.Context)
	}
}

func TestPlan_ClarificationShortCircuits(t *testing.T) {
	t.Parallel()

	p := testPlanner(t)
	actions, err := p.Plan(Request{
		Message: "do the thing",
		Analysis: intent.Analysis{
			Intent:             intent.IntentGeneralChat,
			NeedsClarification: true,
			ClarifyingQuestion: "Could you say more about what you'd like?",
		},
	})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(actions) != 1 || actions[0].Type != ActionMessage || !actions[0].RequiresUserInput {
		t.Fatalf("actions = %+v, want single clarification message", actions)
	}
}

func TestDispatch_RoutesByTag(t *testing.T) {
	t.Parallel()

	a := newAction(ActionAnswer)
	a.Answer = &AnswerPayload{Question: "what is chapter 2 about"}

	var got string
	err := Dispatch(context.Background(), &a, Handlers{
		Answer: func(_ context.Context, _ *Action, p *AnswerPayload) error {
			got = p.Question
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if got != "what is chapter 2 about" {
		t.Fatalf("handler saw %q", got)
	}
}

func TestDispatch_MissingPayloadFails(t *testing.T) {
	t.Parallel()

	a := newAction(ActionAnswer)
	if err := Dispatch(context.Background(), &a, Handlers{}); err == nil {
		t.Fatalf("missing payload must fail")
	}
}

func TestReady(t *testing.T) {
	t.Parallel()

	a := newAction(ActionApplyContent)
	a.DependsOn = []ActionType{ActionGenerateContent}
	if Ready(a, nil) {
		t.Fatalf("unmet dependency must block")
	}
	if !Ready(a, map[ActionType]bool{ActionGenerateContent: true}) {
		t.Fatalf("met dependency must unblock")
	}
}
