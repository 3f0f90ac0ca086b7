package generate

import (
	"fmt"
	"strings"
)

func structureSystemPrompt(format string) string {
	format = strings.TrimSpace(format)
	if format == "" {
		format = "novel"
	}
	return strings.Join([]string{
		"You are the planning engine of a creative-writing assistant.",
		fmt.Sprintf("Design the complete hierarchical structure of a %s from the user's request.", format),
		"Return exactly one JSON object with keys: reasoning, structure, tasks.",
		"structure is an array of sections, each with: id, level, order, parent_id, name, title, word_count, status.",
		"Levels are 1-based; order is the 1-based position among siblings; parent_id is empty for roots.",
		"status is always \"empty\" for a fresh structure.",
		"tasks is an array of writing tasks, each with: target_structure_id, requirements.",
		"Every target_structure_id must reference an id present in structure.",
		"Do not include markdown fences or any text outside the JSON object.",
	}, "\n")
}

func structureUserPrompt(prompt, format string) string {
	var b strings.Builder
	b.WriteString("User request:\n")
	b.WriteString(strings.TrimSpace(prompt))
	if format = strings.TrimSpace(format); format != "" {
		b.WriteString("\n\nDocument format: ")
		b.WriteString(format)
	}
	return b.String()
}

func contentSystemPrompt(role, sectionName string) string {
	lines := []string{}
	switch role {
	case "editor":
		lines = append(lines,
			"You are a meticulous editor for a creative-writing assistant.",
			"Revise the given text according to the instructions while preserving the author's voice.")
	default:
		lines = append(lines,
			"You are a skilled prose writer for a creative-writing assistant.",
			"Write vivid, coherent content that fits the surrounding document.")
	}
	if name := strings.TrimSpace(sectionName); name != "" {
		lines = append(lines, fmt.Sprintf("You are working on the section %q.", name))
	}
	lines = append(lines, "Return only the content itself, without headings, preamble, or commentary.")
	return strings.Join(lines, "\n")
}

func contentUserPrompt(prompt, contextText string, targetWordCount int) string {
	var b strings.Builder
	if ctx := strings.TrimSpace(contextText); ctx != "" {
		b.WriteString("Context:\n")
		b.WriteString(ctx)
		b.WriteString("\n\n")
	}
	b.WriteString(strings.TrimSpace(prompt))
	if targetWordCount > 0 {
		fmt.Fprintf(&b, "\n\nTarget length: about %d words.", targetWordCount)
	}
	return b.String()
}

func critiqueSystemPrompt() string {
	return strings.Join([]string{
		"You are the quality reviewer of a creative-writing assistant.",
		"Judge whether the given content fulfills its section requirements and reads coherently.",
		"Return exactly one JSON object: {\"approved\": bool, \"feedback\": string}.",
		"Set approved=true when the content is acceptable as is.",
		"When approved=false, feedback must state concretely what to fix.",
		"Do not include markdown fences or any text outside the JSON object.",
	}, "\n")
}

func critiqueUserPrompt(sectionName, content string) string {
	var b strings.Builder
	if name := strings.TrimSpace(sectionName); name != "" {
		fmt.Fprintf(&b, "Section: %s\n\n", name)
	}
	b.WriteString("Content under review:\n")
	b.WriteString(strings.TrimSpace(content))
	return b.String()
}
