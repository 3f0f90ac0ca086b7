package generate

// The driver executes generation actions against the configured inference
// providers, applying model selection and ordered fallback. It is the only
// place in the core that talks to provider SDKs.

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strings"

	"github.com/storyloom/storyloom-core/internal/config"
	"github.com/storyloom/storyloom-core/internal/document"
	"github.com/storyloom/storyloom-core/internal/llmjson"
)

// ErrInvalidStructurePlan marks structure output missing the structure or
// tasks arrays. It is a hard error: the plan is not retried locally.
var ErrInvalidStructurePlan = errors.New("invalid structure plan")

// ErrNoUsableModel is returned when every model of a fallback chain failed
// or no provider is configured for the requested role.
var ErrNoUsableModel = errors.New("no usable model")

type Driver struct {
	log       *slog.Logger
	cfg       *config.Config
	providers map[string]Provider
	onUsage   func(model string, usage Usage)
}

type Options struct {
	Log *slog.Logger

	// Providers overrides SDK adapter construction (tests, embedding).
	// Keys are provider ids from the config.
	Providers map[string]Provider

	// OnUsage observes token usage of every successful call.
	OnUsage func(model string, usage Usage)
}

func NewDriver(cfg *config.Config, opts Options) (*Driver, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	providers := opts.Providers
	if providers == nil {
		providers = make(map[string]Provider, len(cfg.Models.Providers))
		for _, p := range cfg.Models.Providers {
			key := strings.TrimSpace(os.Getenv(p.APIKeyEnv))
			if key == "" {
				log.Warn("provider skipped, api key env not set", "provider", p.ID, "env", p.APIKeyEnv)
				continue
			}
			adapter, err := NewProviderAdapter(p.Type, p.BaseURL, key)
			if err != nil {
				return nil, fmt.Errorf("provider %q: %w", p.ID, err)
			}
			providers[p.ID] = adapter
		}
	}
	if len(providers) == 0 {
		return nil, errors.New("no providers available")
	}
	return &Driver{log: log, cfg: cfg, providers: providers, onUsage: opts.OnUsage}, nil
}

// TokenBudget derives a per-call output budget from the target word count.
func TokenBudget(wordCount int) int {
	if wordCount <= 0 {
		return defaultMaxOutputTokens
	}
	return int(math.Ceil(float64(wordCount) * 1.5))
}

// chainFor returns the ordered model list tried for one task: the preferred
// model first, then the remaining models registered for the role, cheapest
// tier first. A fixed model pin collapses the chain to that single model.
func (d *Driver) chainFor(role, preferred string) []config.ModelRef {
	if d.cfg.Models.Mode == config.ModelModeFixed {
		if ref, ok := d.cfg.FindModel(d.cfg.Models.FixedModelID); ok {
			return []config.ModelRef{ref}
		}
		return nil
	}
	var chain []config.ModelRef
	seen := map[string]struct{}{}
	if preferred != "" {
		if ref, ok := d.cfg.FindModel(preferred); ok {
			chain = append(chain, ref)
			seen[ref.Model.Name] = struct{}{}
		}
	}
	for _, ref := range d.cfg.ModelsForRole(role) {
		if _, dup := seen[ref.Model.Name]; dup {
			continue
		}
		chain = append(chain, ref)
		seen[ref.Model.Name] = struct{}{}
	}
	if len(chain) == 0 {
		if ref, ok := d.cfg.DefaultModel(); ok {
			chain = append(chain, ref)
		}
	}
	return chain
}

// complete walks the fallback chain until one model produces a non-empty
// result. Transport and empty-output failures advance the chain; the last
// failure is wrapped when the chain is exhausted.
func (d *Driver) complete(ctx context.Context, role, preferred string, req Request, onFrame func(Frame)) (Result, string, error) {
	chain := d.chainFor(role, preferred)
	if len(chain) == 0 {
		return Result{}, "", fmt.Errorf("%w: role %q", ErrNoUsableModel, role)
	}
	var lastErr error
	for _, ref := range chain {
		adapter, ok := d.providers[ref.ProviderID]
		if !ok {
			lastErr = fmt.Errorf("provider %q not available", ref.ProviderID)
			continue
		}
		call := req
		call.Model = ref.Model.Name
		if ref.Model.MaxTokens > 0 && (call.MaxTokens <= 0 || call.MaxTokens > ref.Model.MaxTokens) {
			call.MaxTokens = ref.Model.MaxTokens
		}
		result, err := adapter.Complete(ctx, call, onFrame)
		if err != nil {
			d.log.Warn("model call failed, trying fallback",
				"model", ref.Model.Name, "provider", ref.ProviderID, "err", err)
			lastErr = err
			continue
		}
		if strings.TrimSpace(result.Text) == "" {
			lastErr = fmt.Errorf("model %q returned empty output", ref.Model.Name)
			continue
		}
		if d.onUsage != nil {
			d.onUsage(ref.Model.Name, result.Usage)
		}
		return result, ref.Model.Name, nil
	}
	return Result{}, "", fmt.Errorf("%w: %v", ErrNoUsableModel, lastErr)
}

// Reason issues a single low-temperature reasoning call against the
// orchestrator role. It backs the deep intent path and the thematic
// dependency pass.
func (d *Driver) Reason(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if d == nil {
		return "", errors.New("nil driver")
	}
	temp := 0.2
	result, _, err := d.complete(ctx, "orchestrator", "", Request{
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		MaxTokens:    1024,
		Temperature:  &temp,
	}, nil)
	if err != nil {
		return "", err
	}
	return result.Text, nil
}

// StructureRequest asks for a complete document structure plus its
// writing tasks.
type StructureRequest struct {
	Prompt          string
	Format          string // novel|screenplay|podcast|report|...
	PreferredModel  string
	TargetWordCount int
	OnFrame         func(Frame)
}

// GenerateStructure runs one structure-generation action. The parsed plan
// must carry a non-empty structure array and a tasks array; missing either
// is a hard ErrInvalidStructurePlan. Tasks referencing unknown section ids
// are filtered out, with a corrective notice appended to the reasoning.
func (d *Driver) GenerateStructure(ctx context.Context, req StructureRequest) (*document.StructurePlan, string, error) {
	if d == nil {
		return nil, "", errors.New("nil driver")
	}
	call := Request{
		SystemPrompt: structureSystemPrompt(req.Format),
		UserPrompt:   structureUserPrompt(req.Prompt, req.Format),
		MaxTokens:    TokenBudget(req.TargetWordCount),
	}
	result, model, err := d.complete(ctx, "orchestrator", req.PreferredModel, call, req.OnFrame)
	if err != nil {
		return nil, "", err
	}

	plan, err := parseStructurePlan(result.Text)
	if err != nil {
		return nil, model, err
	}
	kept, corrections := plan.ValidateTasks()
	plan.Tasks = kept
	for _, c := range corrections {
		plan.Reasoning = strings.TrimSpace(plan.Reasoning + "\n[correction] " + c)
		d.log.Warn("structure plan correction", "model", model, "note", c)
	}
	return plan, model, nil
}

type structurePayload struct {
	Reasoning string             `json:"reasoning"`
	Structure []document.Section `json:"structure"`
	Tasks     []document.Task    `json:"tasks"`
}

func parseStructurePlan(raw string) (*document.StructurePlan, error) {
	candidate := llmjson.StripFences(raw)
	if candidate == "" {
		return nil, fmt.Errorf("%w: empty output", ErrInvalidStructurePlan)
	}
	var payload structurePayload
	if err := json.Unmarshal([]byte(candidate), &payload); err != nil {
		embedded := llmjson.FirstObject(candidate)
		if embedded == "" {
			return nil, fmt.Errorf("%w: unparseable output: %v", ErrInvalidStructurePlan, err)
		}
		if err := json.Unmarshal([]byte(embedded), &payload); err != nil {
			return nil, fmt.Errorf("%w: unparseable JSON payload: %v", ErrInvalidStructurePlan, err)
		}
	}
	if len(payload.Structure) == 0 {
		return nil, fmt.Errorf("%w: missing structure array", ErrInvalidStructurePlan)
	}
	if payload.Tasks == nil {
		return nil, fmt.Errorf("%w: missing tasks array", ErrInvalidStructurePlan)
	}
	return &document.StructurePlan{
		Reasoning: strings.TrimSpace(payload.Reasoning),
		Structure: payload.Structure,
		Tasks:     payload.Tasks,
	}, nil
}

// ContentRequest asks for prose for one section (or a direct answer when
// SectionName is empty).
type ContentRequest struct {
	SectionName     string
	Prompt          string
	ContextText     string
	Role            string // writer|editor|orchestrator
	PreferredModel  string
	TargetWordCount int
	Temperature     *float64
	OnFrame         func(Frame)
}

// GenerateContent runs one content-generation action and returns the text.
func (d *Driver) GenerateContent(ctx context.Context, req ContentRequest) (string, string, error) {
	if d == nil {
		return "", "", errors.New("nil driver")
	}
	role := strings.TrimSpace(req.Role)
	if role == "" {
		role = "writer"
	}
	call := Request{
		SystemPrompt: contentSystemPrompt(role, req.SectionName),
		UserPrompt:   contentUserPrompt(req.Prompt, req.ContextText, req.TargetWordCount),
		MaxTokens:    TokenBudget(req.TargetWordCount),
		Temperature:  req.Temperature,
	}
	result, model, err := d.complete(ctx, role, req.PreferredModel, call, req.OnFrame)
	if err != nil {
		return "", "", err
	}
	return result.Text, model, nil
}

// Critique is the critic pass verdict on one piece of generated content.
type Critique struct {
	Approved bool   `json:"approved"`
	Feedback string `json:"feedback,omitempty"`
}

// Review runs a critic pass over generated content. Callers treat an error
// as approval so a broken critic can never wedge the refinement loop.
func (d *Driver) Review(ctx context.Context, sectionName, content string) (Critique, error) {
	if d == nil {
		return Critique{}, errors.New("nil driver")
	}
	result, _, err := d.complete(ctx, "editor", "", Request{
		SystemPrompt: critiqueSystemPrompt(),
		UserPrompt:   critiqueUserPrompt(sectionName, content),
		MaxTokens:    512,
	}, nil)
	if err != nil {
		return Critique{}, err
	}
	candidate := llmjson.StripFences(result.Text)
	var verdict Critique
	if err := json.Unmarshal([]byte(candidate), &verdict); err != nil {
		embedded := llmjson.FirstObject(candidate)
		if embedded == "" {
			return Critique{}, fmt.Errorf("unparseable critique: %w", err)
		}
		if err := json.Unmarshal([]byte(embedded), &verdict); err != nil {
			return Critique{}, fmt.Errorf("unparseable critique payload: %w", err)
		}
	}
	return verdict, nil
}
