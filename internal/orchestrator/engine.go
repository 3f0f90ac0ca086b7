package orchestrator

// The engine is the single entry point of the orchestration core: one user
// message in, classified, planned, executed, every transition recorded in
// the ledger and every state change applied through the shared store.
//
// Notes:
// - Work is single-flow per session: a message is fully processed (or
//   parked on a pending interaction) before the next one is accepted.
//   Serialization is structural: the ledger's single-flight constraint
//   plus the rule that a new plan only starts once the previous plan's
//   actions are all terminal.
// - Only explicitly independent actions (no dependency edges) run
//   concurrently; their results still land via the store's one
//   transactional update path.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/storyloom/storyloom-core/internal/coherence"
	"github.com/storyloom/storyloom-core/internal/config"
	"github.com/storyloom/storyloom-core/internal/confirm"
	"github.com/storyloom/storyloom-core/internal/document"
	"github.com/storyloom/storyloom-core/internal/generate"
	"github.com/storyloom/storyloom-core/internal/intent"
	"github.com/storyloom/storyloom-core/internal/ledger"
	"github.com/storyloom/storyloom-core/internal/plan"
	"github.com/storyloom/storyloom-core/internal/state"
)

// Strategy is how a plan's actions are scheduled.
const (
	StrategySequential = "sequential"
	StrategyParallel   = "parallel"
	StrategyCluster    = "cluster"
)

// GenerationDriver is the slice of the generation driver the engine needs.
// *generate.Driver satisfies it.
type GenerationDriver interface {
	Reason(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	GenerateStructure(ctx context.Context, req generate.StructureRequest) (*document.StructurePlan, string, error)
	GenerateContent(ctx context.Context, req generate.ContentRequest) (string, string, error)
	Review(ctx context.Context, sectionName, content string) (generate.Critique, error)
}

type Engine struct {
	log       *slog.Logger
	cfg       *config.Config
	store     *state.Store
	driver    GenerationDriver
	ledger    *ledger.Store
	analyzer  *intent.Analyzer
	planner   *plan.Planner
	deps      *coherence.Analyzer
	sessionID string
}

type Options struct {
	Log       *slog.Logger
	SessionID string
}

func NewEngine(cfg *config.Config, store *state.Store, driver GenerationDriver, ledgerStore *ledger.Store, opts Options) (*Engine, error) {
	if cfg == nil || store == nil || driver == nil || ledgerStore == nil {
		return nil, errors.New("engine: missing dependency")
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	sessionID := strings.TrimSpace(opts.SessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	return &Engine{
		log:    log,
		cfg:    cfg,
		store:  store,
		driver: driver,
		ledger: ledgerStore,
		analyzer: intent.NewAnalyzer(intent.AnalyzerOptions{
			Log:          log,
			Reason:       driver.Reason,
			SkipFastPath: cfg.SkipFastPath,
		}),
		planner:   plan.NewPlanner(cfg, log),
		deps:      coherence.NewAnalyzer(log, driver.Reason),
		sessionID: sessionID,
	}, nil
}

// HandleMessage processes one user message end to end.
func (e *Engine) HandleMessage(ctx context.Context, message string) error {
	if e == nil {
		return errors.New("nil engine")
	}
	message = strings.TrimSpace(message)
	if message == "" {
		return errors.New("empty message")
	}

	snap := e.store.Snapshot()
	if snap.Pending != nil {
		return e.resolvePending(ctx, message, *snap.Pending)
	}

	documentID := ""
	if snap.Document != nil {
		documentID = snap.Document.NodeID
	}

	// Constraint checks run before any model call; a violation aborts the
	// request outright.
	if _, err := e.ledger.Append(ctx, ledger.Event{
		SessionID:  e.sessionID,
		DocumentID: documentID,
		Verb:       ledger.VerbOrchestrationStarted,
		Object:     message,
	}); err != nil {
		if errors.Is(err, ledger.ErrOrchestrationInFlight) || errors.Is(err, ledger.ErrRateLimited) {
			_ = e.store.AppendMessage(state.Message{
				Role: state.RoleOrchestrator, Kind: state.MessageKindError,
				Content: "I can't start that right now: " + err.Error(),
			})
		}
		return err
	}
	finished := false
	defer func() {
		if !finished {
			_, _ = e.ledger.Append(ctx, ledger.Event{
				SessionID: e.sessionID, DocumentID: documentID,
				Verb: ledger.VerbOrchestrationFailed,
			})
		}
	}()

	if err := e.store.AppendMessage(state.Message{Role: state.RoleUser, Content: message}); err != nil {
		return err
	}

	analysis := e.analyzer.Analyze(ctx, message, e.intentContext(snap))
	_, _ = e.ledger.Append(ctx, ledger.Event{
		SessionID: e.sessionID, DocumentID: documentID,
		Verb: ledger.VerbIntentClassified, Object: string(analysis.Intent),
		AttributesDiff: map[string]string{
			"confidence": fmt.Sprintf("%.2f", analysis.Confidence),
			"used_model": fmt.Sprintf("%t", analysis.UsedModel),
		},
	})

	// Intents that mutate a specific section are rejected, not silently
	// executed, when no section is selected.
	if analysis.RequiresContext {
		if _, ok := e.activeSection(snap); !ok {
			_ = e.store.AppendMessage(state.Message{
				Role: state.RoleOrchestrator, Kind: state.MessageKindError,
				Content: "That edit needs a selected section. Open the document panel and click the section you want me to work on.",
			})
			return e.finish(ctx, documentID, &finished)
		}
	}

	actions, err := e.planner.Plan(e.planRequest(message, analysis, snap))
	if err != nil {
		_ = e.store.AppendMessage(state.Message{
			Role: state.RoleOrchestrator, Kind: state.MessageKindError,
			Content: "I couldn't plan that request: " + err.Error(),
		})
		return err
	}

	strategy := e.chooseStrategy(actions)
	_, _ = e.ledger.Append(ctx, ledger.Event{
		SessionID: e.sessionID, DocumentID: documentID,
		Verb: ledger.VerbPlanCreated, Object: string(analysis.Intent),
		AttributesDiff: map[string]string{
			"actions":  fmt.Sprintf("%d", len(actions)),
			"strategy": strategy,
		},
	})

	if err := e.run(ctx, actions, strategy, documentID, message); err != nil {
		return err
	}
	return e.finish(ctx, documentID, &finished)
}

func (e *Engine) finish(ctx context.Context, documentID string, finished *bool) error {
	*finished = true
	_, err := e.ledger.Append(ctx, ledger.Event{
		SessionID: e.sessionID, DocumentID: documentID,
		Verb: ledger.VerbOrchestrationCompleted,
	})
	return err
}

// chooseStrategy picks the scheduling mode for a plan: cluster when a
// content generation will go through the critic loop, parallel when at
// least two independent root actions can run side by side, sequential
// otherwise.
func (e *Engine) chooseStrategy(actions []plan.Action) string {
	hasContent := false
	roots := 0
	for _, a := range actions {
		if a.Type == plan.ActionGenerateContent {
			hasContent = true
		}
		if len(a.DependsOn) == 0 && a.AutoExecute {
			roots++
		}
	}
	if hasContent && e.cfg.EnableCritic != nil && *e.cfg.EnableCritic {
		return StrategyCluster
	}
	if roots > 1 {
		return StrategyParallel
	}
	return StrategySequential
}

func (e *Engine) activeSection(snap state.Snapshot) (document.Section, bool) {
	if snap.Document == nil || snap.Document.Forest == nil || snap.Document.ActiveSectionID == "" {
		return document.Section{}, false
	}
	return snap.Document.Forest.Get(snap.Document.ActiveSectionID)
}

func (e *Engine) intentContext(snap state.Snapshot) intent.Context {
	c := intent.Context{
		Canvas: intent.CanvasSummary{TotalNodes: len(snap.Nodes)},
	}
	if snap.Document != nil {
		c.PanelOpen = snap.Document.PanelOpen
		c.DocumentFormat = snap.Document.Format
		if snap.Document.Forest != nil {
			c.Outline = snap.Document.Forest.Outline()
		}
		if sec, ok := e.activeSection(snap); ok {
			c.ActiveSection = &sec
		}
		for _, n := range e.store.GetConnectedNodes(snap.Document.NodeID) {
			c.Canvas.ConnectedLabels = append(c.Canvas.ConnectedLabels, n.Label)
		}
	}
	for _, m := range snap.Messages {
		c.History = append(c.History, intent.Turn{Role: string(m.Role), Content: m.Content})
	}
	return c
}

func (e *Engine) planRequest(message string, analysis intent.Analysis, snap state.Snapshot) plan.Request {
	req := plan.Request{Message: message, Analysis: analysis}
	if snap.Document != nil {
		req.Forest = snap.Document.Forest
		req.Format = snap.Document.Format
		if sec, ok := e.activeSection(snap); ok {
			req.Active = &sec
		}
	}
	for _, n := range snap.Nodes {
		if n.Kind != state.NodeKindDocument {
			continue
		}
		req.Canvas.Documents = append(req.Canvas.Documents, plan.DocumentNode{
			ID:           n.ID,
			Label:        n.Label,
			Format:       n.Format,
			SectionCount: len(n.Sections),
		})
	}
	return req
}

// resolvePending routes a reply to the open interaction. An unclear reply
// never mutates the store: the pending state is re-published as is.
func (e *Engine) resolvePending(ctx context.Context, message string, pending state.PendingInteraction) error {
	if pending.Kind == state.InteractionClarification {
		// A clarification answer is a fresh message against cleared state.
		if err := e.store.Update(func(draft *state.Snapshot) error {
			draft.Pending = nil
			return nil
		}); err != nil {
			return err
		}
		return e.HandleMessage(ctx, message)
	}

	outcome, err := confirm.Resolve(toConfirmPending(pending), message)
	if err != nil {
		return err
	}
	_, _ = e.ledger.Append(ctx, ledger.Event{
		SessionID: e.sessionID,
		Verb:      ledger.VerbConfirmationResolved,
		Object:    pending.ID,
		AttributesDiff: map[string]string{
			"state": string(outcome.State),
			"reply": message,
		},
	})

	switch outcome.State {
	case confirm.StateUnclear:
		e.log.Info("unclear confirmation reply, re-prompting", "pending", pending.ID)
		e.store.Republish()
		return nil
	case confirm.StateCancelled:
		return e.store.Update(func(draft *state.Snapshot) error {
			draft.Pending = nil
			draft.Messages = append(draft.Messages, state.Message{
				Role: state.RoleOrchestrator, Kind: state.MessageKindResult,
				Content: "Okay, cancelled.",
			})
			return nil
		})
	case confirm.StateResolved:
		if err := e.store.Update(func(draft *state.Snapshot) error {
			draft.Pending = nil
			return nil
		}); err != nil {
			return err
		}
		return e.run(ctx, outcome.Actions, StrategySequential, e.currentDocumentID(), message)
	default:
		return fmt.Errorf("unexpected confirmation state %q", outcome.State)
	}
}

func (e *Engine) currentDocumentID() string {
	snap := e.store.Snapshot()
	if snap.Document == nil {
		return ""
	}
	return snap.Document.NodeID
}

func toConfirmPending(p state.PendingInteraction) confirm.Pending {
	out := confirm.Pending{
		ID:         p.ID,
		Prompt:     p.Prompt,
		ActionType: plan.ActionType(p.ActionType),
		Context:    p.ActionPayload,
	}
	switch p.Kind {
	case state.InteractionYesNo:
		out.Kind = confirm.KindYesNo
	case state.InteractionMultipleChoice:
		out.Kind = confirm.KindMultipleChoice
	default:
		out.Kind = string(p.Kind)
	}
	for _, o := range p.Options {
		out.Options = append(out.Options, plan.ConfirmationOption{
			ID: o.ID, Label: o.Label, Description: o.Description,
		})
	}
	return out
}
