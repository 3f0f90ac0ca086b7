package intent

import (
	"fmt"
	"regexp"
	"strings"
)

// Fast-path pattern rules. Priority order matters: the first matching rule
// wins, and each rule family carries a fixed confidence.

var (
	navigatePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)go to|jump to|navigate to|take me to|show me|find the`),
	}
	writePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(write|expand|continue|generate|create content|fill in|draft)\b`),
	}
	rewriteCoherencePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(rewrite|update|change).*(coherent|consistent|flow|match)`),
		regexp.MustCompile(`(?i)make (it |this |them )?(all )?(coherent|consistent|flow)`),
	}
	improvePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(improve|enhance|refine|polish|make (it )?better|fix)\b`),
	}
	deletePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(delete|remove|discard|trash|get rid of)\b`),
	}
	questionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^(what|who|where|when|why|how|can you|could you|tell me|explain)\b`),
		regexp.MustCompile(`\?$`),
	}
	openAndWritePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(write|expand|continue).*(in|for|on) (the |my )?`),
	}
	modifyStructurePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(add|insert|move|reorder|reorganize|restructure)`),
		regexp.MustCompile(`(?i)(new|another) (chapter|scene|act|section|part)`),
	}
	structureCreationPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(create|start|begin|make|build|write)\b.*(novel|story|book|screenplay|script|podcast|report)`),
		regexp.MustCompile(`(?i)\b(novel|story|book|screenplay|script|podcast|report)\b.*(about|on|regarding)`),
		regexp.MustCompile(`(?i)^(a |the )?(new )?(novel|story|book|screenplay|script|podcast|report)`),
	}
)

func anyMatch(patterns []*regexp.Regexp, message string) bool {
	for _, p := range patterns {
		if p.MatchString(message) {
			return true
		}
	}
	return false
}

// classifyFast tries the pattern rules in priority order. It returns
// (Analysis, true) on a confident match and (zero, false) when the message
// needs the deep path.
func classifyFast(message string, c Context) (Analysis, bool) {
	hasActive := c.ActiveSection != nil

	if c.PanelOpen && anyMatch(navigatePatterns, message) {
		format := c.DocumentFormat
		if format == "" {
			format = "document"
		}
		return Analysis{
			Intent:             IntentNavigateSection,
			Confidence:         0.95,
			Reasoning:          fmt.Sprintf("user wants to navigate within the open %s", format),
			SuggestedModelRole: RoleOrchestrator,
		}, true
	}

	if hasActive {
		name := c.ActiveSection.DisplayName()
		if anyMatch(writePatterns, message) {
			return Analysis{
				Intent:             IntentWriteContent,
				Confidence:         0.95,
				Reasoning:          fmt.Sprintf("explicit content request for %q", name),
				RequiresContext:    true,
				SuggestedModelRole: RoleWriter,
			}, true
		}
		if anyMatch(rewriteCoherencePatterns, message) {
			return Analysis{
				Intent:             IntentRewriteWithCoherence,
				Confidence:         0.95,
				Reasoning:          fmt.Sprintf("multi-section consistency request around %q", name),
				RequiresContext:    true,
				SuggestedModelRole: RoleOrchestrator,
			}, true
		}
		if anyMatch(improvePatterns, message) {
			return Analysis{
				Intent:             IntentImproveContent,
				Confidence:         0.9,
				Reasoning:          fmt.Sprintf("user wants to improve existing content in %q", name),
				RequiresContext:    true,
				SuggestedModelRole: RoleEditor,
			}, true
		}
	}

	if anyMatch(deletePatterns, message) {
		return Analysis{
			Intent:             IntentDeleteNode,
			Confidence:         0.9,
			Reasoning:          "user wants to delete or remove a canvas node",
			SuggestedModelRole: RoleOrchestrator,
		}, true
	}

	if anyMatch(questionPatterns, message) {
		return Analysis{
			Intent:             IntentAnswerQuestion,
			Confidence:         0.9,
			Reasoning:          "interrogative phrasing, user asks for information",
			SuggestedModelRole: RoleOrchestrator,
		}, true
	}

	if !c.PanelOpen && !hasActive && c.Canvas.TotalNodes > 0 && anyMatch(openAndWritePatterns, message) {
		return Analysis{
			Intent:             IntentOpenAndWrite,
			Confidence:         0.95,
			Reasoning:          "user wants to write into an existing canvas document",
			SuggestedModelRole: RoleOrchestrator,
		}, true
	}

	if !c.PanelOpen && !hasActive && anyMatch(structureCreationPatterns, message) {
		return Analysis{
			Intent:             IntentCreateStructure,
			Confidence:         0.9,
			Reasoning:          "user wants a new story structure from scratch",
			SuggestedModelRole: RoleOrchestrator,
		}, true
	}

	if anyMatch(modifyStructurePatterns, message) {
		return Analysis{
			Intent:             IntentModifyStructure,
			Confidence:         0.85,
			Reasoning:          "user wants to change the existing document structure",
			SuggestedModelRole: RoleOrchestrator,
		}, true
	}

	return Analysis{}, false
}

// Deep-path cues: anaphora, conditionals, and comparisons make the fast
// rules unreliable, so those messages always go to the model classifier.
var deepCuePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(it|this|that|these|those|them)\b`),
	regexp.MustCompile(`(?i)(like|similar to|based on|inspired by)`),
	regexp.MustCompile(`(?i)\b(but|however|although|except)\b`),
	regexp.MustCompile(`(?i)\b(if|when|unless|until)\b`),
}

var shortImperativeVerbs = map[string]struct{}{
	"continue": {}, "more": {}, "again": {}, "fix": {}, "change": {},
	"redo": {}, "next": {}, "go": {}, "ok": {}, "yes": {},
}

func needsDeepPath(message string) bool {
	trimmed := strings.TrimSpace(message)
	if anyMatch(deepCuePatterns, trimmed) {
		return true
	}
	fields := strings.Fields(strings.ToLower(trimmed))
	if len(fields) > 0 && len(fields) <= 2 {
		if _, ok := shortImperativeVerbs[strings.Trim(fields[0], ".!,")]; ok {
			return true
		}
	}
	return false
}
