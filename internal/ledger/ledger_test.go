package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/storyloom/storyloom-core/internal/config"
)

func testStore(t *testing.T, cfg config.LedgerConfig) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "ledger.db")
	}
	s, err := Open(cfg, Options{
		Log:    slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{})),
		Attest: func() Attestation { return Attestation{Hostname: "test", PID: 1, GoOS: "linux"} },
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAppend_FillsIdentityAndScore(t *testing.T) {
	t.Parallel()

	s := testStore(t, config.LedgerConfig{})
	e, err := s.Append(context.Background(), Event{
		SessionID:      "sess1",
		Verb:           VerbIntentClassified,
		Object:         "write_content",
		AttributesDiff: map[string]string{"confidence": "0.95"},
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if e.ID == "" || e.Seq == 0 || e.TimestampMs == 0 {
		t.Fatalf("identity not filled: %+v", e)
	}
	if e.Score <= 0 || e.Score > 1 {
		t.Fatalf("score = %v, want (0, 1]", e.Score)
	}
	if e.Attestation.Hostname != "test" {
		t.Fatalf("attestation = %+v", e.Attestation)
	}

	got, err := s.Events(context.Background(), "sess1", 10)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(got) != 1 || got[0].AttributesDiff["confidence"] != "0.95" {
		t.Fatalf("round trip = %+v", got)
	}
}

func TestAppend_SingleFlightPerDocument(t *testing.T) {
	t.Parallel()

	s := testStore(t, config.LedgerConfig{})
	ctx := context.Background()

	if _, err := s.Append(ctx, Event{SessionID: "sess1", DocumentID: "doc1", Verb: VerbOrchestrationStarted}); err != nil {
		t.Fatalf("first start: %v", err)
	}
	_, err := s.Append(ctx, Event{SessionID: "sess1", DocumentID: "doc1", Verb: VerbOrchestrationStarted})
	if !errors.Is(err, ErrOrchestrationInFlight) {
		t.Fatalf("err = %v, want ErrOrchestrationInFlight", err)
	}

	// A different document is unaffected.
	if _, err := s.Append(ctx, Event{SessionID: "sess1", DocumentID: "doc2", Verb: VerbOrchestrationStarted}); err != nil {
		t.Fatalf("other document: %v", err)
	}

	// Completion reopens the document.
	if _, err := s.Append(ctx, Event{SessionID: "sess1", DocumentID: "doc1", Verb: VerbOrchestrationCompleted}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := s.Append(ctx, Event{SessionID: "sess1", DocumentID: "doc1", Verb: VerbOrchestrationStarted}); err != nil {
		t.Fatalf("restart after completion: %v", err)
	}
}

func TestAppend_FailureAlsoReopens(t *testing.T) {
	t.Parallel()

	s := testStore(t, config.LedgerConfig{})
	ctx := context.Background()

	if _, err := s.Append(ctx, Event{SessionID: "s", DocumentID: "d", Verb: VerbOrchestrationStarted}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := s.Append(ctx, Event{SessionID: "s", DocumentID: "d", Verb: VerbOrchestrationFailed}); err != nil {
		t.Fatalf("fail: %v", err)
	}
	inFlight, err := s.InFlight(ctx, "d")
	if err != nil {
		t.Fatalf("InFlight: %v", err)
	}
	if inFlight {
		t.Fatalf("failed orchestration must not stay in flight")
	}
}

func TestAppend_RateLimit(t *testing.T) {
	t.Parallel()

	s := testStore(t, config.LedgerConfig{RateLimitPerMinute: 3})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		doc := fmt.Sprintf("doc%d", i)
		if _, err := s.Append(ctx, Event{SessionID: "sess1", DocumentID: doc, Verb: VerbOrchestrationStarted}); err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
	}
	_, err := s.Append(ctx, Event{SessionID: "sess1", DocumentID: "doc9", Verb: VerbOrchestrationStarted})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}

	// Other sessions keep their own budget.
	if _, err := s.Append(ctx, Event{SessionID: "sess2", DocumentID: "docA", Verb: VerbOrchestrationStarted}); err != nil {
		t.Fatalf("other session: %v", err)
	}
}

func TestRollup_CompactsOldEvents(t *testing.T) {
	t.Parallel()

	s := testStore(t, config.LedgerConfig{RollupEvery: 5})
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		if _, err := s.Append(ctx, Event{SessionID: "sess1", Verb: VerbActionCompleted, Tokens: 10}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	rollups, err := s.Rollups(ctx)
	if err != nil {
		t.Fatalf("Rollups: %v", err)
	}
	if len(rollups) == 0 {
		t.Fatalf("expected at least one rollup after 12 appends with rollup_every=5")
	}
	var rolled int64
	for _, r := range rollups {
		rolled += r.EventCount
		if r.VerbCounts[VerbActionCompleted] == 0 {
			t.Fatalf("rollup verb counts = %+v", r.VerbCounts)
		}
	}

	live, err := s.Events(ctx, "sess1", 100)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if int64(len(live))+rolled != 12 {
		t.Fatalf("live %d + rolled %d != 12", len(live), rolled)
	}
	if len(live) > 10 {
		t.Fatalf("live events = %d, compaction must keep the table bounded", len(live))
	}
}

func TestHashScorer_DeterministicAndWeighted(t *testing.T) {
	t.Parallel()

	scorer := NewHashScorer(config.ScoringWeights{Verb: 0.4, Object: 0.3, Actor: 0.2, Recency: 0.1})
	e := Event{Verb: "action_completed", Object: "ch3", Actor: "orchestrator", TimestampMs: 1000}

	a := scorer.Score(e, 1000)
	b := scorer.Score(e, 1000)
	if a != b {
		t.Fatalf("scorer must be deterministic: %v vs %v", a, b)
	}
	if a < 0 || a > 1 {
		t.Fatalf("score = %v, want within [0, 1]", a)
	}

	// A fresh event outscores the same event an hour later.
	stale := scorer.Score(e, 1000+60*60*1000)
	if stale >= a {
		t.Fatalf("recency must decay: fresh %v, stale %v", a, stale)
	}
}

func TestAppend_InvalidEventRejected(t *testing.T) {
	t.Parallel()

	s := testStore(t, config.LedgerConfig{})
	if _, err := s.Append(context.Background(), Event{Verb: VerbActionCompleted}); err == nil {
		t.Fatalf("missing session must be rejected")
	}
	if _, err := s.Append(context.Background(), Event{SessionID: "s"}); err == nil {
		t.Fatalf("missing verb must be rejected")
	}
}
