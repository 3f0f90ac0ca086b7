package intent

import (
	"context"
	"log/slog"
)

// Analyzer is the two-tier intent classifier: ordered pattern rules first,
// model-backed deep analysis when the message carries anaphora cues, is a
// short ambiguous imperative, no rule matches, or the fast path is disabled.
type Analyzer struct {
	log          *slog.Logger
	deep         *DeepAnalyzer
	skipFastPath bool
}

type AnalyzerOptions struct {
	Log *slog.Logger

	// Reason is the single-shot reasoning entry used by the deep path.
	Reason ReasonFunc

	// SkipFastPath forces every message through the deep path.
	SkipFastPath bool
}

func NewAnalyzer(opts AnalyzerOptions) *Analyzer {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Analyzer{
		log:          log,
		deep:         NewDeepAnalyzer(opts.Reason),
		skipFastPath: opts.SkipFastPath,
	}
}

// Analyze classifies one user message. It never returns an error: deep-path
// failures degrade to a conservative clarification result.
func (a *Analyzer) Analyze(ctx context.Context, message string, c Context) Analysis {
	if a == nil {
		return fallbackAnalysis()
	}
	if !a.skipFastPath && !needsDeepPath(message) {
		if result, ok := classifyFast(message, c); ok {
			a.log.Debug("intent fast-path match",
				"intent", result.Intent,
				"confidence", result.Confidence)
			return result
		}
	}
	result := a.deep.Analyze(ctx, message, c)
	a.log.Debug("intent deep analysis",
		"intent", result.Intent,
		"confidence", result.Confidence,
		"needs_clarification", result.NeedsClarification)
	return result
}
