package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/draftwatch/dw/internal/api"
	"github.com/draftwatch/dw/internal/events"
	"github.com/draftwatch/dw/internal/notify"
	"github.com/draftwatch/dw/internal/stages"
	"github.com/draftwatch/dw/internal/telemetry/invariants"
)

// DefaultHistoryLimit caps the activity log at the newest entries.
const DefaultHistoryLimit = 30

// Engine folds push notifications and reconciling snapshots into one
// derived View for the active session. All mutations run under a single
// mutex; callers receive value copies and never share internal state.
type Engine struct {
	mu           sync.Mutex
	sessionID    string
	status       Status
	runID        string
	step         string
	detail       string
	updatedAt    time.Time
	tracker      *stages.Tracker
	history      []LogEntry
	state        []byte
	historyLimit int

	bus    events.Bus
	tracer trace.Tracer
	clock  func() time.Time
}

// Option customizes engine construction.
type Option func(*Engine)

// WithBus publishes a ViewUpdated event after every mutation.
func WithBus(bus events.Bus) Option {
	return func(e *Engine) {
		e.bus = bus
	}
}

// WithTracer overrides the tracer used for engine spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) {
		if tracer != nil {
			e.tracer = tracer
		}
	}
}

// WithClock overrides the wall clock, for tests.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithHistoryLimit overrides the activity log capacity.
func WithHistoryLimit(limit int) Option {
	return func(e *Engine) {
		if limit > 0 {
			e.historyLimit = limit
		}
	}
}

// New returns an idle engine with every stage pending.
func New(options ...Option) *Engine {
	engine := &Engine{
		status:       StatusIdle,
		tracker:      stages.NewTracker(),
		historyLimit: DefaultHistoryLimit,
		tracer:       otel.Tracer("dw/engine"),
		clock:        func() time.Time { return time.Now().UTC() },
	}
	for _, option := range options {
		option(engine)
	}
	return engine
}

// Reset clears all derived state and binds the engine to a session.
// An empty session id leaves the engine unbound.
func (e *Engine) Reset(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.sessionID = strings.TrimSpace(sessionID)
	e.status = StatusIdle
	e.runID = ""
	e.step = ""
	e.detail = ""
	e.updatedAt = time.Time{}
	e.tracker.ResetAll()
	e.history = nil
	e.state = nil
}

// SessionID returns the session the engine is currently bound to.
func (e *Engine) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

// View returns a value snapshot of the derived state.
func (e *Engine) View() View {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.viewLocked()
}

// BeginRun applies the optimistic local transition for a freshly
// launched run, before the collaborator confirms anything.
func (e *Engine) BeginRun(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock()
	e.status = StatusRunning
	e.tracker.ResetAll()
	e.tracker.MarkActive(stages.Intake, now)
	e.step = stages.Label(stages.Intake)
	e.detail = stages.Hint(stages.Intake)
	e.state = nil
	e.appendLog(ctx, "Starting run…", now)
	e.touch(now)
	e.publishLocked(events.EventTypeViewUpdated, events.SeverityInfo)
}

// BeginDecision applies the optimistic local transition for a submitted
// approve or reject, before the collaborator confirms the resume.
func (e *Engine) BeginDecision(ctx context.Context, approved bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock()
	label := "Submitting rejection…"
	if approved {
		label = "Submitting approval…"
	}
	e.status = StatusResuming
	e.detail = label
	e.appendLog(ctx, label, now)
	e.touch(now)
	e.publishLocked(events.EventTypeViewUpdated, events.SeverityInfo)
}

// FailRequest records a local request failure, such as a launch or
// decision call that never reached the collaborator.
func (e *Engine) FailRequest(ctx context.Context, label, detail string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	label = strings.TrimSpace(label)
	if label == "" {
		label = "Request failed"
	}
	detail = strings.TrimSpace(detail)
	if detail == "" {
		detail = label
	}

	now := e.clock()
	e.status = StatusFailed
	e.detail = detail
	e.appendLog(ctx, label, now)
	e.touch(now)
	e.publishLocked(events.EventTypeViewUpdated, events.SeverityError)
}

// Apply folds one decoded notification into the view. It returns true
// when the notification is terminal and the caller should launch a
// reconciling snapshot fetch.
func (e *Engine) Apply(ctx context.Context, n notify.Notification) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	ctx, span := e.tracer.Start(ctx, "engine.apply", trace.WithAttributes(
		attribute.String("notification.kind", string(n.Kind)),
		attribute.String("run.id", n.RunID),
		attribute.String("stage", n.Stage),
	))
	defer span.End()

	if n.Kind == notify.KindUnknown {
		span.SetAttributes(attribute.Bool("dropped", true))
		return false
	}

	now := n.Timestamp
	if now.IsZero() {
		now = e.clock()
	}
	if n.RunID != "" {
		e.runID = n.RunID
	}

	switch n.Kind {
	case notify.KindRunStarted:
		e.status = StatusRunning
		e.tracker.ResetAll()
		e.tracker.MarkActive(stages.Intake, now)
		e.step = stages.Label(stages.Intake)
		e.detail = stages.Hint(stages.Intake)
		e.appendLog(ctx, "Run started", now)

	case notify.KindResumeStarted:
		e.status = StatusResuming
		e.step = "Resuming"
		e.detail = "Resuming…"
		e.appendLog(ctx, "Resuming", now)

	case notify.KindNodeUpdate:
		e.applyNodeUpdate(ctx, n, now)

	case notify.KindHaltRequired:
		e.tracker.MarkActive(stages.Gate, now)
		summary := n.Summary
		if summary == "" {
			summary = stages.Hint(stages.Gate)
		}
		e.tracker.Update(stages.Gate, summary, n.Signals, now)
		e.status = StatusHalted
		e.step = stages.Label(stages.Gate)
		e.detail = summary
		e.appendLog(ctx, "Awaiting approval", now)

	case notify.KindRunCompleted, notify.KindResumeCompleted:
		e.tracker.CompleteAll(now)
		e.status = StatusCompleted
		e.step = ""
		e.detail = "Done."
		e.appendLog(ctx, "Completed", now)

	case notify.KindRunFailed, notify.KindResumeFailed:
		// Failure is run-level; stage statuses stay where the last
		// node update left them.
		e.status = StatusFailed
		e.detail = firstNonEmpty(n.Error, n.Summary, "Failed.")
		e.appendLog(ctx, "Failed", now)
	}

	if len(n.State) > 0 {
		e.state = append([]byte(nil), n.State...)
	}
	e.touch(now)

	span.SetAttributes(attribute.String("view.status", string(e.status)))
	e.publishLocked(events.EventTypeViewUpdated, events.SeverityInfo)
	return n.Terminal()
}

func (e *Engine) applyNodeUpdate(ctx context.Context, n notify.Notification, now time.Time) {
	stage := strings.TrimSpace(n.Stage)
	if stage == "" {
		return
	}
	summary := n.Summary
	if summary == "" {
		summary = stages.Hint(stage)
	}

	halting := n.Halted() || stage == stages.Gate
	if halting {
		e.tracker.MarkActive(stage, now)
		e.tracker.Update(stage, summary, n.Signals, now)
		e.status = StatusHalted
	} else {
		gateBefore := e.tracker.Status(stages.Gate)
		e.tracker.MarkDone(stage, summary, n.Signals, now)
		gateAfter := e.tracker.Status(stages.Gate)
		invariants.CheckGateNeverAutoDone(ctx, "engine.apply",
			string(gateAfter),
			gateBefore != stages.StatusDone && gateAfter == stages.StatusDone)
		if e.status != StatusResuming {
			e.status = StatusRunning
		}
	}

	e.step = stages.Label(stage)
	e.detail = summary
	if composite := e.tracker.Summarize(); composite != "" {
		e.detail = summary + " • " + composite
	}
	e.appendLog(ctx, fmt.Sprintf("%s — %s", stages.Label(stage), summary), now)
}

// ApplySnapshot reconciles the pulled pending/latest record pair into
// the view. The pending HALTED record wins when both are present.
func (e *Engine) ApplySnapshot(ctx context.Context, snap api.Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ctx, span := e.tracer.Start(ctx, "engine.apply_snapshot")
	defer span.End()

	switch {
	case snap.Pending != nil && snap.Pending.Status == api.RunStatusHalted:
		span.SetAttributes(attribute.String("snapshot.slot", "pending"))
		e.applyPendingLocked(ctx, snap.Pending)
	case snap.Latest != nil:
		span.SetAttributes(
			attribute.String("snapshot.slot", "latest"),
			attribute.String("snapshot.status", string(snap.Latest.Status)),
		)
		e.applyLatestLocked(ctx, snap.Latest)
	default:
		span.SetAttributes(attribute.String("snapshot.slot", "empty"))
		return
	}

	span.SetAttributes(attribute.String("view.status", string(e.status)))
	e.publishLocked(events.EventTypeViewUpdated, events.SeverityInfo)
}

func (e *Engine) applyPendingLocked(ctx context.Context, record *api.RunRecord) {
	if !e.allowSnapshotLocked(ctx, record.RunID, string(record.Status)) {
		return
	}

	now := e.clock()
	e.runID = record.RunID
	e.status = StatusHalted
	e.step = stages.Label(stages.Gate)

	// Without an interrupt draft there is nothing to rebuild the stage
	// map from; keep whatever the push stream established and only
	// surface the gate.
	draft := record.PendingDraft()
	if draft != nil {
		e.tracker.ResetAll()
		e.tracker.MarkDone(stages.Intake, "", nil, now)
		e.tracker.MarkDone(stages.Drafting, "Draft ready", nil, now)
		e.applyReviewSignals(draft, now)
		e.tracker.MarkDone(stages.Finalize, "", nil, now)
	}
	e.tracker.MarkActive(stages.Gate, now)

	if record.DraftMarkdown() != "" {
		e.detail = "Draft ready"
		if composite := e.tracker.Summarize(); composite != "" {
			e.detail = "Draft ready • " + composite
		}
	} else {
		e.detail = "Needs human approval."
	}
	if len(record.State) > 0 {
		e.state = append([]byte(nil), record.State...)
	}
	e.appendLog(ctx, "Awaiting approval", now)
	e.touch(now)
}

func (e *Engine) applyReviewSignals(draft *api.InterruptDraft, now time.Time) {
	safetySignals := map[string]any{}
	if safety := draft.Reviews.Safety; safety != nil {
		if safety.SafetyPass != nil {
			safetySignals["safety_pass"] = *safety.SafetyPass
		}
		if len(safety.RequiredChanges) > 0 {
			safetySignals["required_changes_count"] = len(safety.RequiredChanges)
		}
	}
	e.tracker.MarkDone(stages.SafetyReview, "", safetySignals, now)

	qualitySignals := map[string]any{}
	if quality := draft.Reviews.Quality; quality != nil {
		if quality.QualityPass != nil {
			qualitySignals["quality_pass"] = *quality.QualityPass
		}
		if quality.QualityScore != nil {
			qualitySignals["quality_score"] = *quality.QualityScore
		}
		if len(quality.Issues) > 0 {
			qualitySignals["issues_count"] = len(quality.Issues)
		}
	}
	e.tracker.MarkDone(stages.QualityReview, "", qualitySignals, now)

	supervisorSignals := map[string]any{}
	if verdict := draft.Supervisor; verdict != nil {
		if action := strings.TrimSpace(verdict.Action); action != "" {
			supervisorSignals["action"] = action
		}
		if rationale := strings.TrimSpace(verdict.Rationale); rationale != "" {
			supervisorSignals["rationale"] = truncate(rationale, 240)
		}
	}
	e.tracker.MarkDone(stages.Supervision, "", supervisorSignals, now)
}

func (e *Engine) applyLatestLocked(ctx context.Context, record *api.RunRecord) {
	// An unresolved latest record carries nothing the push stream does
	// not already say; applying it would stomp an optimistic resuming
	// view with "running". Only settled outcomes reconcile.
	if record.Status != api.RunStatusCompleted && record.Status != api.RunStatusFailed {
		return
	}
	if !e.allowSnapshotLocked(ctx, record.RunID, string(record.Status)) {
		return
	}

	now := e.clock()
	e.runID = record.RunID

	switch record.Status {
	case api.RunStatusCompleted:
		e.tracker.CompleteAll(now)
		e.status = StatusCompleted
		e.step = ""
		e.detail = "Done."
		e.appendLog(ctx, "Completed", now)
	case api.RunStatusFailed:
		e.status = StatusFailed
		e.detail = firstNonEmpty(record.Error, "Failed.")
		e.appendLog(ctx, "Failed", now)
	}

	if len(record.State) > 0 {
		e.state = append([]byte(nil), record.State...)
	}
	e.touch(now)
}

// allowSnapshotLocked rejects snapshot writes that would regress a
// terminal status for the same run. A snapshot naming a different run
// always applies: the session moved on to a new run.
func (e *Engine) allowSnapshotLocked(ctx context.Context, snapshotRunID, snapshotStatus string) bool {
	regressed := e.status.Terminal() &&
		snapshotRunID != "" &&
		snapshotRunID == e.runID &&
		snapshotStatus != string(api.RunStatusCompleted) &&
		snapshotStatus != string(api.RunStatusFailed)
	return invariants.CheckTerminalNotRegressed(ctx, "engine.apply_snapshot",
		snapshotRunID, string(e.status), snapshotStatus, regressed)
}

// appendLog prepends an activity entry, coalescing a repeat of the
// newest label into a timestamp refresh instead of a duplicate line.
func (e *Engine) appendLog(ctx context.Context, label string, ts time.Time) {
	label = strings.TrimSpace(label)
	if label == "" {
		return
	}
	if len(e.history) > 0 && e.history[0].Label == label {
		e.history[0].Timestamp = ts
		return
	}
	e.history = append([]LogEntry{{Timestamp: ts, Label: label}}, e.history...)
	if len(e.history) > e.historyLimit {
		e.history = e.history[:e.historyLimit]
	}
	invariants.CheckLogCapacityRespected(ctx, "engine.append_log", len(e.history), e.historyLimit)
}

func (e *Engine) touch(ts time.Time) {
	if ts.After(e.updatedAt) {
		e.updatedAt = ts
	}
}

func (e *Engine) viewLocked() View {
	view := View{
		Status:    e.status,
		RunID:     e.runID,
		Step:      e.step,
		Detail:    e.detail,
		UpdatedAt: e.updatedAt,
		Stages:    e.tracker.Snapshot(),
	}
	if len(e.history) > 0 {
		view.History = make([]LogEntry, len(e.history))
		copy(view.History, e.history)
	}
	if len(e.state) > 0 {
		view.State = append([]byte(nil), e.state...)
	}
	return view
}

func (e *Engine) publishLocked(eventType, severity string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.Event{
		Type:      eventType,
		SessionID: e.sessionID,
		RunID:     e.runID,
		Payload:   e.viewLocked(),
		Severity:  severity,
	})
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func truncate(value string, max int) string {
	runes := []rune(value)
	if len(runes) <= max {
		return value
	}
	return string(runes[:max-1]) + "…"
}
