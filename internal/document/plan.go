package document

import (
	"fmt"
	"strings"
)

// TaskRequirements carries the per-task generation constraints a structure
// plan attaches to each writing task.
type TaskRequirements struct {
	WordCount  int    `json:"word_count"`
	Tone       string `json:"tone,omitempty"`
	Style      string `json:"style,omitempty"`
	Complexity string `json:"complexity,omitempty"` // simple|standard|complex
	Context    string `json:"context,omitempty"`
}

// Task is one writing task of a structure plan. TargetStructureID must
// resolve to a section id present in the plan's structure.
type Task struct {
	ID                string           `json:"id,omitempty"`
	TargetStructureID string           `json:"target_structure_id"`
	Description       string           `json:"description,omitempty"`
	Requirements      TaskRequirements `json:"requirements"`
}

// StructurePlan is the parsed output of a structure-generation call.
type StructurePlan struct {
	Reasoning string    `json:"reasoning"`
	Structure []Section `json:"structure"`
	Tasks     []Task    `json:"tasks"`
}

// ValidateTasks drops every task whose target id does not resolve to a
// section of the plan, returning the kept tasks and one corrective notice
// per dropped task. Invalid tasks are never executed against a missing id.
func (p *StructurePlan) ValidateTasks() (kept []Task, corrections []string) {
	if p == nil {
		return nil, nil
	}
	ids := make(map[string]struct{}, len(p.Structure))
	for _, s := range p.Structure {
		ids[s.ID] = struct{}{}
	}
	kept = make([]Task, 0, len(p.Tasks))
	for _, t := range p.Tasks {
		target := strings.TrimSpace(t.TargetStructureID)
		if _, ok := ids[target]; !ok {
			corrections = append(corrections, fmt.Sprintf("dropped task targeting unknown section %q", t.TargetStructureID))
			continue
		}
		kept = append(kept, t)
	}
	return kept, corrections
}
