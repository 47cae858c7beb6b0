package stages

import (
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of one pipeline stage.
type Status string

const (
	// StatusPending means the stage has not started.
	StatusPending Status = "pending"
	// StatusActive means the stage is currently executing.
	StatusActive Status = "active"
	// StatusDone means the stage finished.
	StatusDone Status = "done"
	// StatusError means the stage reported a failure.
	StatusError Status = "error"
)

const (
	// Intake parses and normalizes the request.
	Intake = "intake"
	// Drafting generates the draft content.
	Drafting = "drafting"
	// SafetyReview runs automated safety checks on the draft.
	SafetyReview = "safety_review"
	// QualityReview scores draft quality.
	QualityReview = "quality_review"
	// Supervision decides finalize versus revise.
	Supervision = "supervision"
	// Finalize produces the final output.
	Finalize = "finalize"
	// Gate is the human approval gate. It never auto-advances.
	Gate = "approval_gate"
)

var pipeline = []string{Intake, Drafting, SafetyReview, QualityReview, Supervision, Finalize, Gate}

var labels = map[string]string{
	Intake:        "Intake",
	Drafting:      "Drafting",
	SafetyReview:  "Safety review",
	QualityReview: "Quality review",
	Supervision:   "Supervision",
	Finalize:      "Finalizing",
	Gate:          "Waiting for approval",
}

var hints = map[string]string{
	Intake:        "Parsing request…",
	Drafting:      "Generating draft…",
	SafetyReview:  "Running safety checks…",
	QualityReview: "Reviewing quality…",
	Supervision:   "Deciding finalize vs revise…",
	Finalize:      "Finalizing output…",
	Gate:          "Waiting for your approval…",
}

// Pipeline returns the fixed stage order.
func Pipeline() []string {
	out := make([]string, len(pipeline))
	copy(out, pipeline)
	return out
}

// Known reports whether name is a pipeline stage.
func Known(name string) bool {
	_, ok := labels[strings.TrimSpace(name)]
	return ok
}

// Label returns the display label for a stage, or a generic fallback.
func Label(name string) string {
	name = strings.TrimSpace(name)
	if label, ok := labels[name]; ok {
		return label
	}
	if name == "" {
		return ""
	}
	return "Step: " + name
}

// Hint returns the default in-progress detail for a stage.
func Hint(name string) string {
	name = strings.TrimSpace(name)
	if hint, ok := hints[name]; ok {
		return hint
	}
	if name == "" {
		return ""
	}
	return fmt.Sprintf("Working on %s…", name)
}

// Info is the tracked state of one stage.
type Info struct {
	Status    Status
	UpdatedAt time.Time
	Note      string
	Signals   map[string]any
}

// Tracker maintains per-stage status and signals for the fixed pipeline.
// It is not safe for concurrent use; the reconciliation engine is its
// only writer.
type Tracker struct {
	infos map[string]*Info
}

// NewTracker returns a tracker with every stage pending.
func NewTracker() *Tracker {
	tracker := &Tracker{}
	tracker.ResetAll()
	return tracker
}

// ResetAll returns every stage to pending and clears signals.
func (t *Tracker) ResetAll() {
	t.infos = make(map[string]*Info, len(pipeline))
	for _, name := range pipeline {
		t.infos[name] = &Info{Status: StatusPending}
	}
}

// MarkActive sets the stage to active.
func (t *Tracker) MarkActive(stage string, ts time.Time) bool {
	info, ok := t.infos[strings.TrimSpace(stage)]
	if !ok {
		return false
	}
	info.Status = StatusActive
	info.UpdatedAt = ts
	return true
}

// MarkDone completes a stage, overwrites its note and signals, and
// promotes the next pending stage to active. The gate does not
// auto-advance: there is nothing after it, and completing its
// predecessor leaves the gate itself untouched unless it is pending.
func (t *Tracker) MarkDone(stage string, note string, signals map[string]any, ts time.Time) bool {
	name := strings.TrimSpace(stage)
	info, ok := t.infos[name]
	if !ok {
		return false
	}
	info.Status = StatusDone
	info.UpdatedAt = ts
	info.Note = note
	info.Signals = signals

	if next := nextStage(name); next != "" {
		if nextInfo := t.infos[next]; nextInfo.Status == StatusPending {
			nextInfo.Status = StatusActive
			nextInfo.UpdatedAt = ts
		}
	}
	return true
}

// MarkError flags a stage as failed.
func (t *Tracker) MarkError(stage string, note string, ts time.Time) bool {
	info, ok := t.infos[strings.TrimSpace(stage)]
	if !ok {
		return false
	}
	info.Status = StatusError
	info.UpdatedAt = ts
	info.Note = note
	return true
}

// Update overwrites note and signals on a stage without changing status.
func (t *Tracker) Update(stage string, note string, signals map[string]any, ts time.Time) bool {
	info, ok := t.infos[strings.TrimSpace(stage)]
	if !ok {
		return false
	}
	info.UpdatedAt = ts
	info.Note = note
	info.Signals = signals
	return true
}

// SetSignals overwrites the signals mapping on a stage.
func (t *Tracker) SetSignals(stage string, signals map[string]any) bool {
	info, ok := t.infos[strings.TrimSpace(stage)]
	if !ok {
		return false
	}
	info.Signals = signals
	return true
}

// CompleteAll forces every pending or active stage to done.
func (t *Tracker) CompleteAll(ts time.Time) {
	for _, info := range t.infos {
		if info.Status == StatusPending || info.Status == StatusActive {
			info.Status = StatusDone
			info.UpdatedAt = ts
		}
	}
}

// Status returns the current status of a stage.
func (t *Tracker) Status(stage string) Status {
	info, ok := t.infos[strings.TrimSpace(stage)]
	if !ok {
		return StatusPending
	}
	return info.Status
}

// Snapshot returns a copy of the full stage map.
func (t *Tracker) Snapshot() map[string]Info {
	out := make(map[string]Info, len(t.infos))
	for name, info := range t.infos {
		copied := *info
		if info.Signals != nil {
			copied.Signals = make(map[string]any, len(info.Signals))
			for key, value := range info.Signals {
				copied.Signals[key] = value
			}
		}
		out[name] = copied
	}
	return out
}

// Summarize builds a compact composite of per-stage status and signals
// in pipeline order, omitting stages that have never been touched.
func (t *Tracker) Summarize() string {
	parts := make([]string, 0, len(pipeline))

	if part := t.draftPart(); part != "" {
		parts = append(parts, part)
	}
	if part := t.safetyPart(); part != "" {
		parts = append(parts, part)
	}
	if part := t.qualityPart(); part != "" {
		parts = append(parts, part)
	}
	if part := t.supervisionPart(); part != "" {
		parts = append(parts, part)
	}
	if info := t.infos[Finalize]; touched(info) {
		parts = append(parts, "Finalize "+statusMark(info.Status))
	}
	if info := t.infos[Gate]; info.Status != StatusPending {
		parts = append(parts, "Approval "+statusMark(info.Status))
	}

	return strings.Join(parts, " • ")
}

func (t *Tracker) draftPart() string {
	info := t.infos[Drafting]
	if !touched(info) {
		return ""
	}
	part := "Draft " + statusMark(info.Status)
	if version, ok := signalNumber(info.Signals, "draft_version", "iteration"); ok {
		part += fmt.Sprintf(" (v%d)", int(version))
	}
	return part
}

func (t *Tracker) safetyPart() string {
	info := t.infos[SafetyReview]
	if !touched(info) {
		return ""
	}
	if pass, ok := signalBool(info.Signals, "safety_pass"); ok {
		if pass {
			return "Safety ✓"
		}
		part := "Safety ⚠"
		if count, ok := signalNumber(info.Signals, "required_changes_count"); ok {
			part += fmt.Sprintf(" (%d)", int(count))
		}
		return part
	}
	return "Safety " + statusMark(info.Status)
}

func (t *Tracker) qualityPart() string {
	info := t.infos[QualityReview]
	if !touched(info) {
		return ""
	}
	if pass, ok := signalBool(info.Signals, "quality_pass"); ok {
		if pass {
			part := "Quality ✓"
			if score, ok := signalNumber(info.Signals, "quality_score"); ok {
				part += fmt.Sprintf(" (%g)", score)
			}
			return part
		}
		part := "Quality ⚠"
		if issues, ok := signalNumber(info.Signals, "issues_count"); ok {
			part += fmt.Sprintf(" (%d)", int(issues))
		}
		return part
	}
	return "Quality " + statusMark(info.Status)
}

func (t *Tracker) supervisionPart() string {
	info := t.infos[Supervision]
	if !touched(info) {
		return ""
	}
	if action, ok := signalString(info.Signals, "action"); ok {
		return "Supervisor: " + action
	}
	return "Supervisor " + statusMark(info.Status)
}

func touched(info *Info) bool {
	return info.Status != StatusPending || len(info.Signals) > 0
}

func statusMark(status Status) string {
	switch status {
	case StatusDone:
		return "✓"
	case StatusActive:
		return "…"
	case StatusError:
		return "✗"
	default:
		return "·"
	}
}

func nextStage(name string) string {
	for index, stage := range pipeline {
		if stage == name {
			if index+1 < len(pipeline) {
				return pipeline[index+1]
			}
			return ""
		}
	}
	return ""
}

func signalNumber(signals map[string]any, keys ...string) (float64, bool) {
	for _, key := range keys {
		switch value := signals[key].(type) {
		case float64:
			return value, true
		case int:
			return float64(value), true
		case int64:
			return float64(value), true
		}
	}
	return 0, false
}

func signalBool(signals map[string]any, key string) (bool, bool) {
	value, ok := signals[key].(bool)
	return value, ok
}

func signalString(signals map[string]any, key string) (string, bool) {
	value, ok := signals[key].(string)
	value = strings.TrimSpace(value)
	return value, ok && value != ""
}
