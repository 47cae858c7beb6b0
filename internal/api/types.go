package api

import (
	"encoding/json"
	"strings"
)

// RunStatus is the collaborator's persisted run status.
type RunStatus string

const (
	// RunStatusRunning indicates the run is still executing.
	RunStatusRunning RunStatus = "RUNNING"
	// RunStatusHalted indicates the run paused at the approval gate.
	RunStatusHalted RunStatus = "HALTED"
	// RunStatusCompleted indicates the run finished successfully.
	RunStatusCompleted RunStatus = "COMPLETED"
	// RunStatusFailed indicates the run failed.
	RunStatusFailed RunStatus = "FAILED"
)

// SessionMode controls whether the collaborator requires human approval.
type SessionMode string

const (
	// ModeHumanOptional lets each run decide whether to require approval.
	ModeHumanOptional SessionMode = "human_optional"
	// ModeHumanRequired forces every run through the approval gate.
	ModeHumanRequired SessionMode = "human_required"
	// ModeAuto never halts for approval.
	ModeAuto SessionMode = "auto"
)

// Valid reports whether the mode is one the collaborator accepts.
func (m SessionMode) Valid() bool {
	switch m {
	case ModeHumanOptional, ModeHumanRequired, ModeAuto:
		return true
	default:
		return false
	}
}

// RunRecord is the collaborator's persisted snapshot of one run.
type RunRecord struct {
	RunID                string             `json:"run_id"`
	ThreadID             string             `json:"thread_id"`
	CreatedAt            string             `json:"created_at"`
	UpdatedAt            string             `json:"updated_at"`
	Status               RunStatus          `json:"status"`
	RequireHumanApproval bool               `json:"require_human_approval"`
	InputText            string             `json:"input_text"`
	FinalMarkdown        string             `json:"final_markdown,omitempty"`
	FinalData            json.RawMessage    `json:"final_data,omitempty"`
	Reviews              json.RawMessage    `json:"reviews,omitempty"`
	Supervisor           json.RawMessage    `json:"supervisor,omitempty"`
	HumanEdit            json.RawMessage    `json:"human_edit,omitempty"`
	PendingInterrupt     *InterruptEnvelope `json:"pending_interrupt,omitempty"`
	State                json.RawMessage    `json:"state,omitempty"`
	Error                string             `json:"error,omitempty"`
}

// InterruptEnvelope wraps the interrupts recorded on a HALTED run.
type InterruptEnvelope struct {
	Interrupts []Interrupt `json:"interrupts"`
}

// Interrupt is one recorded interrupt with its gate payload.
type Interrupt struct {
	Value InterruptValue `json:"value"`
}

// InterruptValue is the payload handed to the approval gate.
type InterruptValue struct {
	Draft *InterruptDraft `json:"draft"`
}

// InterruptDraft is the draft awaiting human approval, with the review
// verdicts that produced it.
type InterruptDraft struct {
	Markdown   string             `json:"markdown"`
	Reviews    InterruptReviews   `json:"reviews"`
	Supervisor *SupervisorVerdict `json:"supervisor"`
}

// InterruptReviews groups the automated review verdicts on a draft.
type InterruptReviews struct {
	Safety  *SafetyReview  `json:"safety"`
	Quality *QualityReview `json:"critic"`
}

// SafetyReview is the safety reviewer's verdict.
type SafetyReview struct {
	SafetyPass      *bool             `json:"safety_pass"`
	RequiredChanges []json.RawMessage `json:"required_changes"`
}

// QualityReview is the quality reviewer's verdict.
type QualityReview struct {
	QualityPass  *bool             `json:"quality_pass"`
	QualityScore *float64          `json:"quality_score"`
	Issues       []json.RawMessage `json:"issues"`
}

// SupervisorVerdict is the supervisor's finalize-or-revise decision.
type SupervisorVerdict struct {
	Action    string `json:"action"`
	Rationale string `json:"rationale"`
}

// PendingDraft returns the draft embedded in the first pending interrupt,
// or nil when the record carries none.
func (r *RunRecord) PendingDraft() *InterruptDraft {
	if r == nil || r.PendingInterrupt == nil || len(r.PendingInterrupt.Interrupts) == 0 {
		return nil
	}
	return r.PendingInterrupt.Interrupts[0].Value.Draft
}

// DraftMarkdown returns the best available draft text for a record:
// the finalized markdown when present, else the pending interrupt's draft.
func (r *RunRecord) DraftMarkdown() string {
	if r == nil {
		return ""
	}
	if md := strings.TrimSpace(r.FinalMarkdown); md != "" {
		return md
	}
	if draft := r.PendingDraft(); draft != nil {
		return strings.TrimSpace(draft.Markdown)
	}
	return ""
}

// Snapshot pairs the two record slots fetched together on every refresh.
type Snapshot struct {
	Pending *RunRecord
	Latest  *RunRecord
}

// SessionSummary is one entry of the collaborator's session history.
type SessionSummary struct {
	ThreadID  string `json:"thread_id"`
	CreatedAt string `json:"created_at"`
	Mode      string `json:"mode"`
}

// RunRequest launches one run on a session.
type RunRequest struct {
	InputText            string `json:"input_text"`
	RequireHumanApproval bool   `json:"require_human_approval"`
}

// Decision is an approve/reject submission for a halted run.
type Decision struct {
	Approved   bool   `json:"approved"`
	EditedText string `json:"edited_text,omitempty"`
	Feedback   string `json:"feedback,omitempty"`
}
