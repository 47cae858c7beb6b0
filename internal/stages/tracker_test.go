package stages

import (
	"strings"
	"testing"
	"time"
)

func TestMarkDoneAdvancesInTopologicalOrder(t *testing.T) {
	t.Parallel()

	tracker := NewTracker()
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	order := []string{Intake, Drafting, SafetyReview, QualityReview, Supervision, Finalize}
	tracker.MarkActive(Intake, ts)

	for index, stage := range order {
		if got := tracker.Status(stage); got != StatusActive {
			t.Fatalf("stage %s status = %s before completion, want active", stage, got)
		}
		tracker.MarkDone(stage, "done", nil, ts)
		if got := tracker.Status(stage); got != StatusDone {
			t.Fatalf("stage %s status = %s after completion, want done", stage, got)
		}
		if index+1 < len(order) {
			next := order[index+1]
			if got := tracker.Status(next); got != StatusActive {
				t.Fatalf("stage %s status = %s after predecessor done, want active", next, got)
			}
		}
	}

	// Completing finalize promotes the gate; nothing follows the gate.
	if got := tracker.Status(Gate); got != StatusActive {
		t.Fatalf("gate status = %s after finalize, want active", got)
	}
	tracker.MarkDone(Gate, "approved", nil, ts)
	if got := tracker.Status(Gate); got != StatusDone {
		t.Fatalf("gate status = %s, want done", got)
	}
}

func TestMarkDoneDoesNotDemoteAlreadyProgressedSuccessor(t *testing.T) {
	t.Parallel()

	tracker := NewTracker()
	ts := time.Now().UTC()

	tracker.MarkDone(SafetyReview, "safety done", nil, ts)
	if got := tracker.Status(QualityReview); got != StatusActive {
		t.Fatalf("quality status = %s, want active", got)
	}

	tracker.MarkDone(QualityReview, "quality done", nil, ts)
	// Replaying the earlier completion must not reset quality_review.
	tracker.MarkDone(SafetyReview, "safety done", nil, ts)
	if got := tracker.Status(QualityReview); got != StatusDone {
		t.Fatalf("quality status = %s after replay, want done", got)
	}
}

func TestSignalsAreOverwrittenNotMerged(t *testing.T) {
	t.Parallel()

	tracker := NewTracker()
	ts := time.Now().UTC()

	tracker.MarkDone(QualityReview, "first", map[string]any{"quality_pass": false, "issues_count": 3.0}, ts)
	tracker.MarkDone(QualityReview, "second", map[string]any{"quality_pass": true}, ts)

	info := tracker.Snapshot()[QualityReview]
	if _, ok := info.Signals["issues_count"]; ok {
		t.Fatal("signals must be overwritten, not merged")
	}
	if pass, ok := info.Signals["quality_pass"].(bool); !ok || !pass {
		t.Fatalf("quality_pass = %v, want true", info.Signals["quality_pass"])
	}
	if info.Note != "second" {
		t.Fatalf("note = %q, want second", info.Note)
	}
}

func TestCompleteAllForcesPendingAndActiveToDone(t *testing.T) {
	t.Parallel()

	tracker := NewTracker()
	ts := time.Now().UTC()

	tracker.MarkActive(Drafting, ts)
	tracker.MarkError(SafetyReview, "flagged", ts)
	tracker.CompleteAll(ts)

	snapshot := tracker.Snapshot()
	for name, info := range snapshot {
		if name == SafetyReview {
			if info.Status != StatusError {
				t.Fatalf("errored stage was overwritten to %s", info.Status)
			}
			continue
		}
		if info.Status != StatusDone {
			t.Fatalf("stage %s status = %s, want done", name, info.Status)
		}
	}
}

func TestResetAllReturnsEveryStageToPending(t *testing.T) {
	t.Parallel()

	tracker := NewTracker()
	ts := time.Now().UTC()
	tracker.MarkDone(Drafting, "draft", map[string]any{"draft_version": 2.0}, ts)
	tracker.ResetAll()

	for name, info := range tracker.Snapshot() {
		if info.Status != StatusPending {
			t.Fatalf("stage %s status = %s after reset, want pending", name, info.Status)
		}
		if info.Signals != nil || info.Note != "" {
			t.Fatalf("stage %s retained note/signals after reset", name)
		}
	}
}

func TestSummarizeOmitsUntouchedStages(t *testing.T) {
	t.Parallel()

	tracker := NewTracker()
	if got := tracker.Summarize(); got != "" {
		t.Fatalf("summary of untouched tracker = %q, want empty", got)
	}

	ts := time.Now().UTC()
	tracker.MarkDone(Drafting, "draft", map[string]any{"draft_version": 2.0}, ts)
	summary := tracker.Summarize()
	if !strings.Contains(summary, "Draft ✓ (v2)") {
		t.Fatalf("summary %q missing draft part", summary)
	}
	if strings.Contains(summary, "Approval") {
		t.Fatalf("summary %q must omit pending approval gate", summary)
	}
}

func TestSummarizeRendersSignalComposites(t *testing.T) {
	t.Parallel()

	tracker := NewTracker()
	ts := time.Now().UTC()

	tracker.MarkDone(Drafting, "draft", map[string]any{"iteration": 3.0}, ts)
	tracker.MarkDone(SafetyReview, "safety", map[string]any{"safety_pass": false, "required_changes_count": 2.0}, ts)
	tracker.MarkDone(QualityReview, "quality", map[string]any{"quality_pass": true, "quality_score": 8.5}, ts)
	tracker.MarkDone(Supervision, "supervise", map[string]any{"action": "finalize"}, ts)
	tracker.MarkActive(Gate, ts)

	summary := tracker.Summarize()
	for _, want := range []string{
		"Draft ✓ (v3)",
		"Safety ⚠ (2)",
		"Quality ✓ (8.5)",
		"Supervisor: finalize",
		"Finalize …",
		"Approval …",
	} {
		if !strings.Contains(summary, want) {
			t.Fatalf("summary %q missing %q", summary, want)
		}
	}
}

func TestLabelAndHintFallbacks(t *testing.T) {
	t.Parallel()

	if Label(Drafting) != "Drafting" {
		t.Fatalf("label = %q", Label(Drafting))
	}
	if Label("ranker") != "Step: ranker" {
		t.Fatalf("fallback label = %q", Label("ranker"))
	}
	if Label("") != "" {
		t.Fatalf("empty label = %q", Label(""))
	}
	if Hint(Gate) != "Waiting for your approval…" {
		t.Fatalf("gate hint = %q", Hint(Gate))
	}
	if Hint("ranker") != "Working on ranker…" {
		t.Fatalf("fallback hint = %q", Hint("ranker"))
	}
	if !Known(Gate) || Known("ranker") {
		t.Fatal("stage membership misreported")
	}
}

func TestUnknownStageOperationsAreNoOps(t *testing.T) {
	t.Parallel()

	tracker := NewTracker()
	ts := time.Now().UTC()

	if tracker.MarkActive("ranker", ts) || tracker.MarkDone("ranker", "", nil, ts) || tracker.MarkError("ranker", "", ts) {
		t.Fatal("unknown stage mutations must report false")
	}
	for name, info := range tracker.Snapshot() {
		if info.Status != StatusPending {
			t.Fatalf("stage %s mutated by unknown-stage operation", name)
		}
	}
}
