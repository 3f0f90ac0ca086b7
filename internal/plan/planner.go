package plan

// Action planners, one per intent family. A planner turns a classified
// intent into an ordered action list with explicit dependsOn edges; it
// never assumes an upstream action succeeded and never guesses ids that an
// earlier action is expected to create.

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/storyloom/storyloom-core/internal/config"
	"github.com/storyloom/storyloom-core/internal/document"
	"github.com/storyloom/storyloom-core/internal/intent"
)

const defaultSectionWordCount = 500

// DocumentNode summarizes one document-type node on the canvas.
type DocumentNode struct {
	ID           string
	Label        string
	Format       string
	SectionCount int
}

// CanvasSummary is the planner's view of the canvas.
type CanvasSummary struct {
	Documents []DocumentNode
}

// Request carries everything a planner reads for one message.
type Request struct {
	Message  string
	Analysis intent.Analysis
	Forest   *document.Forest
	Active   *document.Section
	Format   string
	Canvas   CanvasSummary
}

type Planner struct {
	cfg *config.Config
	log *slog.Logger
}

func NewPlanner(cfg *config.Config, log *slog.Logger) *Planner {
	if log == nil {
		log = slog.Default()
	}
	return &Planner{cfg: cfg, log: log}
}

// Plan routes the classified intent to its family planner.
func (p *Planner) Plan(req Request) ([]Action, error) {
	if p == nil || p.cfg == nil {
		return nil, fmt.Errorf("planner not configured")
	}
	if req.Analysis.NeedsClarification && req.Analysis.ClarifyingQuestion != "" {
		a := newAction(ActionMessage)
		a.RequiresUserInput = true
		a.Message = &MessagePayload{Kind: "message", Text: req.Analysis.ClarifyingQuestion}
		return []Action{a}, nil
	}
	switch req.Analysis.Intent {
	case intent.IntentCreateStructure, intent.IntentModifyStructure:
		return p.planStructure(req)
	case intent.IntentWriteContent, intent.IntentImproveContent, intent.IntentRewriteWithCoherence,
		intent.IntentNavigateSection, intent.IntentOpenAndWrite, intent.IntentDeleteNode:
		return p.planWrite(req)
	case intent.IntentAnswerQuestion, intent.IntentGeneralChat:
		return p.planAnswer(req)
	default:
		return nil, fmt.Errorf("no planner for intent %q", req.Analysis.Intent)
	}
}

// planWrite handles the write-content family: targeted edits, navigation,
// opening a document for writing, and node deletion.
func (p *Planner) planWrite(req Request) ([]Action, error) {
	switch req.Analysis.Intent {
	case intent.IntentNavigateSection:
		return p.planNavigate(req)
	case intent.IntentOpenAndWrite:
		return p.planOpenAndWrite(req)
	case intent.IntentDeleteNode:
		return p.planDelete(req)
	}

	target, strategy := ResolveTarget(req.Message, req.Forest, req.Analysis.ExtractedEntities, req.Active)
	if target == nil {
		return []Action{errorMessage("I couldn't tell which section you mean. Select a section in the document panel or name it explicitly.")}, nil
	}
	p.log.Debug("target resolved", "section", target.ID, "strategy", strategy)

	wordCount := target.WordCount
	if wordCount <= 0 {
		wordCount = defaultSectionWordCount
	}
	role := string(req.Analysis.SuggestedModelRole)
	if req.Analysis.Intent == intent.IntentWriteContent || role == "" {
		role = "writer"
	}
	tier := ClassifyComplexity(target.Level, req.Message, wordCount)
	sel, err := SelectModel(p.cfg, role, tier)
	if err != nil {
		return nil, err
	}

	gen := newAction(ActionGenerateContent)
	gen.GenerateContent = &GenerateContentPayload{
		SectionID:       target.ID,
		SectionName:     target.DisplayName(),
		Prompt:          req.Message,
		Role:            role,
		Model:           sel.Model,
		TargetWordCount: wordCount,
		Replace:         req.Analysis.Intent != intent.IntentWriteContent,
		Reasoning:       fmt.Sprintf("target via %s match; %s", strategy, sel.Reasoning),
	}

	apply := newAction(ActionApplyContent)
	apply.DependsOn = []ActionType{ActionGenerateContent}
	apply.ApplyContent = &ApplyContentPayload{SectionID: target.ID}

	if req.Analysis.Intent == intent.IntentRewriteWithCoherence {
		analyze := newAction(ActionAnalyzeDependencies)
		analyze.Dependencies = &DependenciesPayload{
			SectionID:         target.ID,
			ChangeDescription: req.Message,
		}
		coherence := newAction(ActionPlanCoherence)
		coherence.DependsOn = []ActionType{ActionAnalyzeDependencies}
		coherence.Coherence = &CoherencePayload{SectionID: target.ID}

		gen.DependsOn = []ActionType{ActionPlanCoherence}
		return []Action{analyze, coherence, gen, apply}, nil
	}
	return []Action{gen, apply}, nil
}

func (p *Planner) planNavigate(req Request) ([]Action, error) {
	target, _ := ResolveTarget(req.Message, req.Forest, req.Analysis.ExtractedEntities, req.Active)
	if target == nil {
		return []Action{errorMessage("I couldn't find that section. Which one would you like to go to?")}, nil
	}
	a := newAction(ActionNavigate)
	a.Navigate = &NavigatePayload{SectionID: target.ID, SectionName: target.DisplayName()}
	return []Action{a}, nil
}

func (p *Planner) planOpenAndWrite(req Request) ([]Action, error) {
	doc, ok := matchDocument(req.Message, req.Canvas.Documents)
	if !ok {
		if len(req.Canvas.Documents) == 0 {
			return []Action{errorMessage("There is no document on the canvas to open yet.")}, nil
		}
		return []Action{chooseDocumentConfirmation(req.Canvas.Documents, ActionOpenDocument, req.Message)}, nil
	}

	open := newAction(ActionOpenDocument)
	open.OpenDocument = &OpenDocumentPayload{NodeID: doc.ID}

	sel, err := SelectModel(p.cfg, "writer", ClassifyComplexity(1, req.Message, defaultSectionWordCount))
	if err != nil {
		return nil, err
	}
	gen := newAction(ActionGenerateContent)
	gen.DependsOn = []ActionType{ActionOpenDocument}
	// The section id is unknown until the document opens; the executor
	// fills it from the opened document's active section.
	gen.GenerateContent = &GenerateContentPayload{
		Prompt:          req.Message,
		Role:            "writer",
		Model:           sel.Model,
		TargetWordCount: defaultSectionWordCount,
		Reasoning:       sel.Reasoning,
	}
	apply := newAction(ActionApplyContent)
	apply.DependsOn = []ActionType{ActionGenerateContent}
	apply.ApplyContent = &ApplyContentPayload{}
	return []Action{open, gen, apply}, nil
}

// planDelete never deletes directly: destructive actions always go through
// a confirmation.
func (p *Planner) planDelete(req Request) ([]Action, error) {
	doc, ok := matchDocument(req.Message, req.Canvas.Documents)
	if !ok {
		if len(req.Canvas.Documents) == 0 {
			return []Action{errorMessage("There is nothing on the canvas to delete.")}, nil
		}
		return []Action{chooseDocumentConfirmation(req.Canvas.Documents, ActionDeleteNode, req.Message)}, nil
	}
	a := newAction(ActionRequestConfirmation)
	a.AutoExecute = false
	a.RequiresUserInput = true
	a.Confirmation = &ConfirmationPayload{
		Kind:       "yes_no",
		Prompt:     fmt.Sprintf("Delete %q? This cannot be undone.", doc.Label),
		ActionType: ActionDeleteNode,
		Context:    map[string]string{"node_id": doc.ID, "node_name": doc.Label},
	}
	return []Action{a}, nil
}

// planStructure handles structure creation and modification, with the
// canvas-awareness check before any new structure is generated.
func (p *Planner) planStructure(req Request) ([]Action, error) {
	if req.Analysis.Intent == intent.IntentCreateStructure {
		if populated := populatedDocuments(req.Canvas.Documents); len(populated) > 0 {
			return []Action{existingDocumentsConfirmation(populated, req.Message)}, nil
		}
	}

	format := strings.TrimSpace(req.Format)
	if format == "" {
		format = req.Analysis.ExtractedEntities["format"]
	}
	sel, err := SelectModel(p.cfg, "orchestrator", ClassifyComplexity(1, req.Message, 0))
	if err != nil {
		return nil, err
	}

	gen := newAction(ActionGenerateStructure)
	gen.GenerateStructure = &GenerateStructurePayload{
		Prompt:    req.Message,
		Format:    format,
		Model:     sel.Model,
		Reasoning: sel.Reasoning,
	}
	apply := newAction(ActionApplyStructure)
	apply.DependsOn = []ActionType{ActionGenerateStructure}
	apply.ApplyStructure = &ApplyStructurePayload{}
	return []Action{gen, apply}, nil
}

func (p *Planner) planAnswer(req Request) ([]Action, error) {
	sel, err := SelectModel(p.cfg, "orchestrator", ClassifyComplexity(1, req.Message, 0))
	if err != nil {
		return nil, err
	}
	a := newAction(ActionAnswer)
	a.Answer = &AnswerPayload{Question: req.Message, Model: sel.Model}
	return []Action{a}, nil
}

func errorMessage(text string) Action {
	a := newAction(ActionMessage)
	a.Message = &MessagePayload{Kind: "error", Text: text}
	return a
}

// matchDocument resolves a canvas document by fuzzy label match, falling
// back to the single document when only one exists.
func matchDocument(message string, docs []DocumentNode) (DocumentNode, bool) {
	msg := normalizeTitle(message)
	var best DocumentNode
	bestLen := 0
	for _, d := range docs {
		label := normalizeTitle(d.Label)
		if len(label) >= 3 && strings.Contains(msg, label) && len(label) > bestLen {
			best, bestLen = d, len(label)
		}
	}
	if bestLen > 0 {
		return best, true
	}
	if len(docs) == 1 {
		return docs[0], true
	}
	return DocumentNode{}, false
}

func populatedDocuments(docs []DocumentNode) []DocumentNode {
	var out []DocumentNode
	for _, d := range docs {
		if d.SectionCount > 0 {
			out = append(out, d)
		}
	}
	return out
}

func chooseDocumentConfirmation(docs []DocumentNode, actionType ActionType, message string) Action {
	a := newAction(ActionRequestConfirmation)
	a.AutoExecute = false
	a.RequiresUserInput = true
	options := make([]ConfirmationOption, 0, len(docs))
	for _, d := range docs {
		options = append(options, ConfirmationOption{
			ID:          d.ID,
			Label:       d.Label,
			Description: fmt.Sprintf("%d sections", d.SectionCount),
		})
	}
	a.Confirmation = &ConfirmationPayload{
		Kind:       "multiple_choice",
		Prompt:     "Which document do you mean?",
		Options:    options,
		ActionType: actionType,
		Context:    map[string]string{"message": message},
	}
	return a
}

// existingDocumentsConfirmation halts structure creation when populated
// documents already exist, surfacing them for disambiguation instead of
// generating a duplicate.
func existingDocumentsConfirmation(docs []DocumentNode, message string) Action {
	a := newAction(ActionRequestConfirmation)
	a.AutoExecute = false
	a.RequiresUserInput = true
	options := make([]ConfirmationOption, 0, len(docs)+1)
	for _, d := range docs {
		options = append(options, ConfirmationOption{
			ID:          d.ID,
			Label:       d.Label,
			Description: fmt.Sprintf("existing document with %d sections", d.SectionCount),
		})
	}
	options = append(options, ConfirmationOption{
		ID:          "create_new",
		Label:       "Create a new document",
		Description: "start a fresh structure alongside the existing ones",
	})
	a.Confirmation = &ConfirmationPayload{
		Kind:       "multiple_choice",
		Prompt:     fmt.Sprintf("You already have %d document(s) with content. Continue in one of them, or create a new one?", len(docs)),
		Options:    options,
		ActionType: ActionGenerateStructure,
		Context:    map[string]string{"message": message},
	}
	return a
}
