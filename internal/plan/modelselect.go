package plan

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/storyloom/storyloom-core/internal/config"
)

// Selection is the outcome of model selection for one generation task.
type Selection struct {
	Model     string
	Tier      string
	Reasoning string
}

// Vocabulary that signals a demanding scene. Matching any of these bumps
// the task one tier.
var complexityKeywords = regexp.MustCompile(
	`(?i)\b(climax|confrontation|showdown|battle|betrayal|revelation|twist|finale|dialogue|action|fight|death)\b`)

// ClassifyComplexity rates a generation task from section depth, message
// vocabulary, and target word count.
func ClassifyComplexity(level int, message string, targetWordCount int) string {
	score := 0
	if level >= 3 {
		score++
	}
	if complexityKeywords.MatchString(message) {
		score++
	}
	switch {
	case targetWordCount > 2000:
		score += 2
	case targetWordCount > 800:
		score++
	}
	switch {
	case score >= 3:
		return config.TierComplex
	case score >= 1:
		return config.TierStandard
	default:
		return config.TierSimple
	}
}

// SelectModel picks the cheapest model for the role that meets the tier. A
// fixed-model pin overrides everything and the reasoning records it.
func SelectModel(cfg *config.Config, role, tier string) (Selection, error) {
	if cfg == nil {
		return Selection{}, fmt.Errorf("nil config")
	}
	if cfg.Models.Mode == config.ModelModeFixed {
		ref, ok := cfg.FindModel(cfg.Models.FixedModelID)
		if !ok {
			return Selection{}, fmt.Errorf("fixed model %q not found", cfg.Models.FixedModelID)
		}
		return Selection{
			Model:     ref.Model.Name,
			Tier:      tier,
			Reasoning: fmt.Sprintf("fixed model override: %s used regardless of %s complexity", ref.Model.Name, tier),
		}, nil
	}

	want := config.TierRank(tier)
	candidates := cfg.ModelsForRole(role)
	for _, ref := range candidates {
		if config.TierRank(ref.Model.Tier) >= want {
			return Selection{
				Model:     ref.Model.Name,
				Tier:      tier,
				Reasoning: fmt.Sprintf("selected %s: cheapest %s model rated for %s tasks", ref.Model.Name, role, tier),
			}, nil
		}
	}
	// No model rated high enough; take the strongest available for the role.
	if len(candidates) > 0 {
		ref := candidates[len(candidates)-1]
		return Selection{
			Model:     ref.Model.Name,
			Tier:      tier,
			Reasoning: fmt.Sprintf("no %s model rated for %s tasks, using strongest available %s", role, tier, ref.Model.Name),
		}, nil
	}
	if ref, ok := cfg.DefaultModel(); ok {
		return Selection{
			Model:     ref.Model.Name,
			Tier:      tier,
			Reasoning: fmt.Sprintf("no models registered for role %q, using default %s", role, ref.Model.Name),
		}, nil
	}
	return Selection{}, fmt.Errorf("no model available for role %q", strings.TrimSpace(role))
}
