package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/storyloom/storyloom-core/internal/coherence"
	"github.com/storyloom/storyloom-core/internal/document"
	"github.com/storyloom/storyloom-core/internal/generate"
	"github.com/storyloom/storyloom-core/internal/ledger"
	"github.com/storyloom/storyloom-core/internal/plan"
	"github.com/storyloom/storyloom-core/internal/state"
)

// execState carries intermediate results between actions of one plan.
type execState struct {
	mu              sync.Mutex
	message         string
	strategy        string
	structurePlan   *document.StructurePlan
	content         map[string]string // section id -> generated text
	replace         map[string]bool   // section id -> overwrite instead of append
	affected        []coherence.AffectedSection
	openedSectionID string
}

// run executes a plan until every action is terminal or a user interaction
// parks it. Independent ready actions of one round run concurrently; their
// results are still applied through the store's single update path.
func (e *Engine) run(ctx context.Context, actions []plan.Action, strategy, documentID, message string) error {
	es := &execState{
		message:  message,
		strategy: strategy,
		content:  map[string]string{},
		replace:  map[string]bool{},
	}
	done := map[plan.ActionType]bool{}

	for {
		var batch []*plan.Action
		for i := range actions {
			a := &actions[i]
			if a.Status != plan.StatusPending || !a.AutoExecute || a.RequiresUserInput {
				continue
			}
			if !plan.Ready(*a, done) {
				continue
			}
			batch = append(batch, a)
		}
		if len(batch) == 0 {
			break
		}

		if len(batch) == 1 {
			if err := e.executeOne(ctx, batch[0], es, documentID); err != nil {
				e.failRemaining(actions)
				return err
			}
		} else {
			g, gctx := errgroup.WithContext(ctx)
			for _, a := range batch {
				a := a
				g.Go(func() error { return e.executeOne(gctx, a, es, documentID) })
			}
			if err := g.Wait(); err != nil {
				e.failRemaining(actions)
				return err
			}
		}
		for _, a := range batch {
			done[a.Type] = true
		}
	}

	// Park the first action that needs the user before anything else runs.
	for i := range actions {
		a := &actions[i]
		if a.Status == plan.StatusPending && (a.RequiresUserInput || !a.AutoExecute) {
			return e.park(ctx, a, es)
		}
	}
	return nil
}

func (e *Engine) executeOne(ctx context.Context, a *plan.Action, es *execState, documentID string) error {
	a.Status = plan.StatusExecuting
	err := plan.Dispatch(ctx, a, e.handlers(es))
	if err != nil {
		a.Status = plan.StatusFailed
		a.Err = err.Error()
		_, _ = e.ledger.Append(ctx, ledger.Event{
			SessionID: e.sessionID, DocumentID: documentID,
			Verb: ledger.VerbActionFailed, Object: string(a.Type),
			AttributesDiff: map[string]string{"error": err.Error()},
		})
		_ = e.store.AppendMessage(state.Message{
			Role: state.RoleOrchestrator, Kind: state.MessageKindError,
			Content: fmt.Sprintf("Something went wrong while running %s: %v", a.Type, err),
		})
		return err
	}
	a.Status = plan.StatusCompleted
	_, _ = e.ledger.Append(ctx, ledger.Event{
		SessionID: e.sessionID, DocumentID: documentID,
		Verb: ledger.VerbActionCompleted, Object: string(a.Type),
	})
	return nil
}

func (e *Engine) failRemaining(actions []plan.Action) {
	for i := range actions {
		if actions[i].Status == plan.StatusPending {
			actions[i].Status = plan.StatusFailed
			actions[i].Err = "aborted: earlier action failed"
		}
	}
}

// park stores a user-facing interaction as the pending state and surfaces
// its prompt. Clarification messages carry their own pending handling in the
// message handler; confirmations are mapped here.
func (e *Engine) park(ctx context.Context, a *plan.Action, es *execState) error {
	if a.Type == plan.ActionMessage {
		if err := plan.Dispatch(ctx, a, e.handlers(es)); err != nil {
			return err
		}
		a.Status = plan.StatusCompleted
		return nil
	}
	if a.Type != plan.ActionRequestConfirmation || a.Confirmation == nil {
		return fmt.Errorf("action %s cannot wait for user input", a.Type)
	}
	c := a.Confirmation
	kind := state.InteractionYesNo
	if c.Kind == "multiple_choice" {
		kind = state.InteractionMultipleChoice
	}
	pending := state.PendingInteraction{
		ID:            a.ID,
		Kind:          kind,
		Prompt:        c.Prompt,
		ActionType:    string(c.ActionType),
		ActionPayload: c.Context,
	}
	for _, o := range c.Options {
		pending.Options = append(pending.Options, state.InteractionOption{
			ID: o.ID, Label: o.Label, Description: o.Description,
		})
	}
	return e.store.Update(func(draft *state.Snapshot) error {
		draft.Pending = &pending
		prompt := c.Prompt
		if len(c.Options) > 0 {
			var labels []string
			for _, o := range c.Options {
				labels = append(labels, o.Label)
			}
			prompt += " (" + strings.Join(labels, " / ") + ")"
		}
		draft.Messages = append(draft.Messages, state.Message{
			Role: state.RoleOrchestrator, Kind: state.MessageKindMessage, Content: prompt,
		})
		return nil
	})
}

func (e *Engine) handlers(es *execState) plan.Handlers {
	return plan.Handlers{
		GenerateStructure: func(ctx context.Context, a *plan.Action, p *plan.GenerateStructurePayload) error {
			return e.handleGenerateStructure(ctx, es, p)
		},
		ApplyStructure: func(ctx context.Context, a *plan.Action, p *plan.ApplyStructurePayload) error {
			return e.handleApplyStructure(ctx, es, p)
		},
		GenerateContent: func(ctx context.Context, a *plan.Action, p *plan.GenerateContentPayload) error {
			return e.handleGenerateContent(ctx, es, p)
		},
		ApplyContent: func(ctx context.Context, a *plan.Action, p *plan.ApplyContentPayload) error {
			return e.handleApplyContent(ctx, es, p)
		},
		Dependencies: func(ctx context.Context, a *plan.Action, p *plan.DependenciesPayload) error {
			return e.handleDependencies(ctx, es, p)
		},
		Coherence: func(ctx context.Context, a *plan.Action, p *plan.CoherencePayload) error {
			return e.handleCoherence(ctx, es, p)
		},
		Navigate: func(ctx context.Context, a *plan.Action, p *plan.NavigatePayload) error {
			return e.handleNavigate(p)
		},
		OpenDocument: func(ctx context.Context, a *plan.Action, p *plan.OpenDocumentPayload) error {
			return e.handleOpenDocument(es, p)
		},
		Answer: func(ctx context.Context, a *plan.Action, p *plan.AnswerPayload) error {
			return e.handleAnswer(ctx, p)
		},
		DeleteNode: func(ctx context.Context, a *plan.Action, p *plan.DeleteNodePayload) error {
			return e.handleDeleteNode(p)
		},
		Message: func(ctx context.Context, a *plan.Action, p *plan.MessagePayload) error {
			return e.handleMessageAction(a, p)
		},
	}
}

func (e *Engine) handleGenerateStructure(ctx context.Context, es *execState, p *plan.GenerateStructurePayload) error {
	structurePlan, model, err := e.driver.GenerateStructure(ctx, generate.StructureRequest{
		Prompt:          p.Prompt,
		Format:          p.Format,
		PreferredModel:  p.Model,
		TargetWordCount: p.TargetWordCount,
	})
	if err != nil {
		return err
	}
	es.mu.Lock()
	es.structurePlan = structurePlan
	es.mu.Unlock()

	if reasoning := strings.TrimSpace(structurePlan.Reasoning); reasoning != "" {
		_ = e.store.AppendMessage(state.Message{
			Role: state.RoleOrchestrator, Kind: state.MessageKindThinking, Content: reasoning,
		})
	}
	e.log.Info("structure generated",
		"model", model, "sections", len(structurePlan.Structure), "tasks", len(structurePlan.Tasks))
	return nil
}

func (e *Engine) handleApplyStructure(ctx context.Context, es *execState, p *plan.ApplyStructurePayload) error {
	es.mu.Lock()
	structurePlan := es.structurePlan
	es.mu.Unlock()
	if structurePlan == nil {
		return errors.New("no generated structure to apply")
	}
	forest, err := document.NewForest(structurePlan.Structure)
	if err != nil {
		return fmt.Errorf("generated structure is not a valid forest: %w", err)
	}

	nodeID := strings.TrimSpace(p.NodeID)
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	label := "Untitled"
	if roots := forest.Roots(); len(roots) > 0 {
		label = roots[0].DisplayName()
	}
	firstID := ""
	if all := forest.All(); len(all) > 0 {
		firstID = all[0].ID
	}

	return e.store.Update(func(draft *state.Snapshot) error {
		format := ""
		if draft.Document != nil {
			format = draft.Document.Format
		}
		draft.Nodes[nodeID] = state.CanvasNode{
			ID:       nodeID,
			Kind:     state.NodeKindDocument,
			Label:    label,
			Format:   format,
			Sections: structurePlan.Structure,
		}
		draft.Document = &state.ActiveDocument{
			NodeID:          nodeID,
			Format:          format,
			Forest:          forest,
			ActiveSectionID: firstID,
			PanelOpen:       true,
		}
		draft.Messages = append(draft.Messages, state.Message{
			Role: state.RoleOrchestrator, Kind: state.MessageKindResult,
			Content: fmt.Sprintf("Created %q with %d sections and %d writing tasks.",
				label, len(structurePlan.Structure), len(structurePlan.Tasks)),
		})
		return nil
	})
}

func (e *Engine) handleGenerateContent(ctx context.Context, es *execState, p *plan.GenerateContentPayload) error {
	sectionID, section, err := e.resolveContentTarget(es, p.SectionID)
	if err != nil {
		return err
	}

	contextText := e.contentContext(section)
	prompt := p.Prompt
	text := ""
	role := p.Role
	if role == "" {
		role = "writer"
	}

	// Writer/critic refinement loop: the critic reviews each draft and its
	// feedback folds into the next attempt. A broken critic approves.
	iterations := 1
	if es.strategy == StrategyCluster && e.cfg.MaxCriticIterations > 0 {
		iterations = e.cfg.MaxCriticIterations
	}
	for i := 0; i < iterations; i++ {
		text, _, err = e.driver.GenerateContent(ctx, generate.ContentRequest{
			SectionName:     p.SectionName,
			Prompt:          prompt,
			ContextText:     contextText,
			Role:            role,
			PreferredModel:  p.Model,
			TargetWordCount: p.TargetWordCount,
		})
		if err != nil {
			return err
		}
		if es.strategy != StrategyCluster || i == iterations-1 {
			break
		}
		verdict, reviewErr := e.driver.Review(ctx, p.SectionName, text)
		if reviewErr != nil || verdict.Approved {
			break
		}
		prompt = p.Prompt + "\n\nReviewer feedback on the previous draft:\n" + verdict.Feedback
		_ = e.store.AppendMessage(state.Message{
			Role: state.RoleOrchestrator, Kind: state.MessageKindProgress,
			Content: "Revising the draft: " + verdict.Feedback,
		})
	}

	es.mu.Lock()
	es.content[sectionID] = text
	es.replace[sectionID] = p.Replace
	es.mu.Unlock()
	return nil
}

func (e *Engine) handleApplyContent(ctx context.Context, es *execState, p *plan.ApplyContentPayload) error {
	sectionID, section, err := e.resolveContentTarget(es, p.SectionID)
	if err != nil {
		return err
	}
	es.mu.Lock()
	text, ok := es.content[sectionID]
	affected := es.affected
	replace := es.replace[sectionID] || affected != nil // a coherence rewrite always replaces
	es.mu.Unlock()
	if !ok {
		return fmt.Errorf("no generated content for section %q", sectionID)
	}
	if err := e.applySectionText(sectionID, text, replace); err != nil {
		return err
	}
	_ = e.store.AppendMessage(state.Message{
		Role: state.RoleOrchestrator, Kind: state.MessageKindResult,
		Content: fmt.Sprintf("Updated %q (%d words).", section.DisplayName(), countWords(text)),
	})

	if affected == nil {
		return nil
	}
	// Coherence flow: now that the target's new content exists, build the
	// final rewrite plan and walk its dependency steps in order.
	section.Content = text
	rewrite := coherence.PlanRewrite(section, es.message, text, affected)
	for _, step := range rewrite.Steps {
		if step.Section.ID == sectionID {
			continue
		}
		stepText, _, err := e.driver.GenerateContent(ctx, generate.ContentRequest{
			SectionName: step.Section.DisplayName(),
			Prompt:      step.Prompt,
			Role:        "editor",
		})
		if err != nil {
			return fmt.Errorf("coherence step for %q: %w", step.Section.DisplayName(), err)
		}
		if err := e.applySectionText(step.Section.ID, stepText, true); err != nil {
			return err
		}
		_ = e.store.AppendMessage(state.Message{
			Role: state.RoleOrchestrator, Kind: state.MessageKindProgress,
			Content: fmt.Sprintf("Kept %q consistent (%s).", step.Section.DisplayName(), step.Action),
		})
	}
	return nil
}

// applySectionText writes generated text into a section through the store,
// keeping the canvas node's section list in sync.
func (e *Engine) applySectionText(sectionID, text string, replace bool) error {
	return e.store.Update(func(draft *state.Snapshot) error {
		if draft.Document == nil || draft.Document.Forest == nil {
			return errors.New("no open document")
		}
		sec, ok := draft.Document.Forest.Get(sectionID)
		if !ok {
			return fmt.Errorf("unknown section %q", sectionID)
		}
		if replace || strings.TrimSpace(sec.Content) == "" {
			sec.Content = text
		} else {
			sec.Content = strings.TrimRight(sec.Content, "\n") + "\n\n" + text
		}
		sec.WordCount = countWords(sec.Content)
		sec.Status = document.StatusInProgress
		if err := draft.Document.Forest.Put(sec); err != nil {
			return err
		}
		if node, ok := draft.Nodes[draft.Document.NodeID]; ok {
			node.Sections = draft.Document.Forest.All()
			draft.Nodes[draft.Document.NodeID] = node
		}
		return nil
	})
}

func (e *Engine) resolveContentTarget(es *execState, sectionID string) (string, document.Section, error) {
	es.mu.Lock()
	opened := es.openedSectionID
	es.mu.Unlock()

	if sectionID == "" {
		sectionID = opened
	}
	snap := e.store.Snapshot()
	if sectionID == "" && snap.Document != nil {
		sectionID = snap.Document.ActiveSectionID
	}
	if sectionID == "" {
		return "", document.Section{}, errors.New("no target section for content generation")
	}
	if snap.Document == nil || snap.Document.Forest == nil {
		return "", document.Section{}, errors.New("no open document")
	}
	sec, ok := snap.Document.Forest.Get(sectionID)
	if !ok {
		return "", document.Section{}, fmt.Errorf("unknown section %q", sectionID)
	}
	return sectionID, sec, nil
}

// contentContext assembles grounding for a content call: the outline plus
// the tail of the preceding sibling so prose flows across sections.
func (e *Engine) contentContext(section document.Section) string {
	snap := e.store.Snapshot()
	if snap.Document == nil || snap.Document.Forest == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("Document outline:\n")
	b.WriteString(snap.Document.Forest.Outline())
	if prev, ok := snap.Document.Forest.PrecedingSibling(section.ID); ok {
		if tail := strings.TrimSpace(prev.Content); tail != "" {
			b.WriteString("\nEnd of the previous section:\n")
			b.WriteString(lastWords(tail, 120))
			b.WriteString("\n")
		}
	}
	if current := strings.TrimSpace(section.Content); current != "" {
		b.WriteString("\nCurrent content of the section:\n")
		b.WriteString(current)
	}
	return b.String()
}

func (e *Engine) handleDependencies(ctx context.Context, es *execState, p *plan.DependenciesPayload) error {
	snap := e.store.Snapshot()
	if snap.Document == nil || snap.Document.Forest == nil {
		return errors.New("no open document")
	}
	affected, err := e.deps.Analyze(ctx, p.SectionID, p.ChangeDescription, snap.Document.Forest)
	if err != nil {
		return err
	}
	es.mu.Lock()
	es.affected = affected
	if es.affected == nil {
		es.affected = []coherence.AffectedSection{}
	}
	es.mu.Unlock()

	_ = e.store.AppendMessage(state.Message{
		Role: state.RoleOrchestrator, Kind: state.MessageKindProgress,
		Content: fmt.Sprintf("Found %d sections that depend on this change.", len(affected)),
	})
	return nil
}

func (e *Engine) handleCoherence(ctx context.Context, es *execState, p *plan.CoherencePayload) error {
	snap := e.store.Snapshot()
	if snap.Document == nil || snap.Document.Forest == nil {
		return errors.New("no open document")
	}
	target, ok := snap.Document.Forest.Get(p.SectionID)
	if !ok {
		return fmt.Errorf("unknown section %q", p.SectionID)
	}
	es.mu.Lock()
	affected := es.affected
	es.mu.Unlock()
	if affected == nil {
		return errors.New("dependency analysis has not run")
	}

	preview := coherence.PlanRewrite(target, es.message, "", affected)
	_ = e.store.AppendMessage(state.Message{
		Role: state.RoleOrchestrator, Kind: state.MessageKindDecision,
		Content: fmt.Sprintf("Rewrite plan: %d steps, about %.1f minutes.",
			len(preview.Steps), preview.EstimatedMinutes),
	})
	return nil
}

func (e *Engine) handleNavigate(p *plan.NavigatePayload) error {
	return e.store.Update(func(draft *state.Snapshot) error {
		if draft.Document == nil || draft.Document.Forest == nil {
			return errors.New("no open document")
		}
		if _, ok := draft.Document.Forest.Get(p.SectionID); !ok {
			return fmt.Errorf("unknown section %q", p.SectionID)
		}
		draft.Document.ActiveSectionID = p.SectionID
		draft.Document.PanelOpen = true
		draft.Messages = append(draft.Messages, state.Message{
			Role: state.RoleOrchestrator, Kind: state.MessageKindResult,
			Content: fmt.Sprintf("Jumped to %q.", p.SectionName),
		})
		return nil
	})
}

func (e *Engine) handleOpenDocument(es *execState, p *plan.OpenDocumentPayload) error {
	return e.store.Update(func(draft *state.Snapshot) error {
		node, ok := draft.Nodes[p.NodeID]
		if !ok {
			return fmt.Errorf("unknown canvas node %q", p.NodeID)
		}
		forest, err := document.NewForest(node.Sections)
		if err != nil {
			return fmt.Errorf("node %q holds an invalid section forest: %w", p.NodeID, err)
		}
		activeID := strings.TrimSpace(p.SectionID)
		if activeID == "" {
			if all := forest.All(); len(all) > 0 {
				activeID = all[0].ID
			}
		}
		draft.Document = &state.ActiveDocument{
			NodeID:          p.NodeID,
			Format:          node.Format,
			Forest:          forest,
			ActiveSectionID: activeID,
			PanelOpen:       true,
		}
		es.mu.Lock()
		es.openedSectionID = activeID
		es.mu.Unlock()
		draft.Messages = append(draft.Messages, state.Message{
			Role: state.RoleOrchestrator, Kind: state.MessageKindResult,
			Content: fmt.Sprintf("Opened %q.", node.Label),
		})
		return nil
	})
}

func (e *Engine) handleAnswer(ctx context.Context, p *plan.AnswerPayload) error {
	contextText := ""
	if snap := e.store.Snapshot(); snap.Document != nil && snap.Document.Forest != nil {
		contextText = "Document outline:\n" + snap.Document.Forest.Outline()
	}
	text, _, err := e.driver.GenerateContent(ctx, generate.ContentRequest{
		Prompt:         p.Question,
		ContextText:    contextText,
		Role:           "orchestrator",
		PreferredModel: p.Model,
	})
	if err != nil {
		return err
	}
	return e.store.AppendMessage(state.Message{
		Role: state.RoleOrchestrator, Kind: state.MessageKindResult, Content: text,
	})
}

func (e *Engine) handleDeleteNode(p *plan.DeleteNodePayload) error {
	return e.store.Update(func(draft *state.Snapshot) error {
		if _, ok := draft.Nodes[p.NodeID]; !ok {
			return fmt.Errorf("unknown canvas node %q", p.NodeID)
		}
		delete(draft.Nodes, p.NodeID)
		for id, edge := range draft.Edges {
			if edge.Source == p.NodeID || edge.Target == p.NodeID {
				delete(draft.Edges, id)
			}
		}
		if draft.Document != nil && draft.Document.NodeID == p.NodeID {
			draft.Document = nil
		}
		name := p.NodeName
		if name == "" {
			name = p.NodeID
		}
		draft.Messages = append(draft.Messages, state.Message{
			Role: state.RoleOrchestrator, Kind: state.MessageKindResult,
			Content: fmt.Sprintf("Deleted %q.", name),
		})
		return nil
	})
}

func (e *Engine) handleMessageAction(a *plan.Action, p *plan.MessagePayload) error {
	kind := state.MessageKindMessage
	switch p.Kind {
	case "error":
		kind = state.MessageKindError
	case "progress":
		kind = state.MessageKindProgress
	}
	return e.store.Update(func(draft *state.Snapshot) error {
		draft.Messages = append(draft.Messages, state.Message{
			Role: state.RoleOrchestrator, Kind: kind, Content: p.Text,
		})
		if a.RequiresUserInput {
			draft.Pending = &state.PendingInteraction{
				ID:     a.ID,
				Kind:   state.InteractionClarification,
				Prompt: p.Text,
			}
		}
		return nil
	})
}

func countWords(s string) int {
	return len(strings.Fields(s))
}

// lastWords returns the trailing n words of s.
func lastWords(s string, n int) string {
	fields := strings.Fields(s)
	if len(fields) <= n {
		return s
	}
	return strings.Join(fields[len(fields)-n:], " ")
}
