package coherence

// The rewrite planner orders affected sections around the target: setup
// fixes first (ascending order below the target), then the target itself,
// then consequence fixes (ascending order above it). Steps execute
// strictly in that order; each dependency step's prompt assumes every
// earlier step has already been applied.

import (
	"fmt"
	"sort"
	"strings"

	"github.com/storyloom/storyloom-core/internal/document"
)

type RewriteAction string

const (
	ActionRewrite RewriteAction = "rewrite"
	ActionUpdate  RewriteAction = "update"
	ActionReview  RewriteAction = "review"
)

// Fixed per-action time estimates, in minutes.
const (
	rewriteCostMinutes = 2.0
	updateCostMinutes  = 1.0
	reviewCostMinutes  = 0.5
)

func actionCost(a RewriteAction) float64 {
	switch a {
	case ActionRewrite:
		return rewriteCostMinutes
	case ActionUpdate:
		return updateCostMinutes
	default:
		return reviewCostMinutes
	}
}

// RewriteStep is one ordered unit of the coherence plan.
type RewriteStep struct {
	Section          document.Section `json:"section"`
	Action           RewriteAction    `json:"action"`
	Prompt           string           `json:"prompt"`
	Reason           string           `json:"reason,omitempty"`
	EstimatedMinutes float64          `json:"estimated_minutes"`
}

// RewritePlan is the full ordered sequence plus its time estimate.
type RewritePlan struct {
	TargetID         string        `json:"target_id"`
	Steps            []RewriteStep `json:"steps"`
	EstimatedMinutes float64       `json:"estimated_minutes"`
}

// PlanRewrite builds the ordered rewrite plan for a target section, its
// intended change, and the analyzer's affected set. changeDescription
// seeds the target's own rewrite prompt; newContent, when already
// available, grounds every dependency step.
func PlanRewrite(target document.Section, changeDescription, newContent string, affected []AffectedSection) RewritePlan {
	var before, after []AffectedSection
	for _, entry := range affected {
		if entry.Section.ID == target.ID {
			continue
		}
		if entry.Section.Order > target.Order {
			after = append(after, entry)
		} else {
			before = append(before, entry)
		}
	}
	byOrder := func(s []AffectedSection) {
		sort.SliceStable(s, func(i, j int) bool {
			if s[i].Section.Order != s[j].Section.Order {
				return s[i].Section.Order < s[j].Section.Order
			}
			return s[i].Section.Level < s[j].Section.Level
		})
	}
	byOrder(before)
	byOrder(after)

	plan := RewritePlan{TargetID: target.ID}
	appendDependency := func(entry AffectedSection) {
		action := ActionReview
		if entry.Priority == PriorityHigh {
			action = ActionUpdate
		}
		plan.Steps = append(plan.Steps, RewriteStep{
			Section:          entry.Section,
			Action:           action,
			Prompt:           dependencyPrompt(entry, target, newContent),
			Reason:           entry.Reason,
			EstimatedMinutes: actionCost(action),
		})
	}

	for _, entry := range before {
		appendDependency(entry)
	}
	plan.Steps = append(plan.Steps, RewriteStep{
		Section:          target,
		Action:           ActionRewrite,
		Prompt:           targetPrompt(target, changeDescription),
		EstimatedMinutes: actionCost(ActionRewrite),
	})
	for _, entry := range after {
		appendDependency(entry)
	}

	for _, step := range plan.Steps {
		plan.EstimatedMinutes += step.EstimatedMinutes
	}
	return plan
}

func targetPrompt(target document.Section, changeDescription string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Rewrite the section %q.\n", target.DisplayName())
	fmt.Fprintf(&b, "Requested change: %s\n", strings.TrimSpace(changeDescription))
	if content := strings.TrimSpace(target.Content); content != "" {
		b.WriteString("\nCurrent content:\n")
		b.WriteString(content)
	}
	return b.String()
}

// dependencyPrompt grounds the step in the target's new content so the
// edit stays consistent with what was already rewritten.
func dependencyPrompt(entry AffectedSection, target document.Section, newContent string) string {
	var b strings.Builder
	switch entry.Priority {
	case PriorityHigh:
		fmt.Fprintf(&b, "Update the section %q to stay consistent with the rewritten %q.\n",
			entry.Section.DisplayName(), target.DisplayName())
	default:
		fmt.Fprintf(&b, "Review the section %q for consistency with the rewritten %q and adjust only what conflicts.\n",
			entry.Section.DisplayName(), target.DisplayName())
	}
	if reason := strings.TrimSpace(entry.Reason); reason != "" {
		fmt.Fprintf(&b, "Dependency: %s\n", reason)
	}
	if change := strings.TrimSpace(entry.SuggestedChange); change != "" {
		fmt.Fprintf(&b, "Suggested adjustment: %s\n", change)
	}
	if grounding := strings.TrimSpace(newContent); grounding != "" {
		fmt.Fprintf(&b, "\nNew content of %q:\n%s\n", target.DisplayName(), grounding)
	}
	if content := strings.TrimSpace(entry.Section.Content); content != "" {
		b.WriteString("\nCurrent content of the section:\n")
		b.WriteString(content)
	}
	return b.String()
}
