package engine

import (
	"encoding/json"
	"time"

	"github.com/draftwatch/dw/internal/stages"
)

// Status is the overall run status derived by the engine.
type Status string

const (
	// StatusIdle means no run is in flight for the session.
	StatusIdle Status = "idle"
	// StatusRunning means a run is executing.
	StatusRunning Status = "running"
	// StatusHalted means the run paused at the approval gate.
	StatusHalted Status = "halted"
	// StatusResuming means a decision was submitted and the run is resuming.
	StatusResuming Status = "resuming"
	// StatusCompleted means the run finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed means the run failed.
	StatusFailed Status = "failed"
)

// Terminal reports whether the status ends the current run.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// LogEntry is one activity log line, newest first in View.History.
type LogEntry struct {
	Timestamp time.Time
	Label     string
}

// View is the externally visible derived state of one session. It is a
// value snapshot: mutating a returned View never affects the engine.
type View struct {
	Status    Status
	RunID     string
	Step      string
	Detail    string
	UpdatedAt time.Time
	Stages    map[string]stages.Info
	History   []LogEntry
	State     json.RawMessage
}

// HistoryHead returns the label of the newest activity log entry.
func (v View) HistoryHead() string {
	if len(v.History) == 0 {
		return ""
	}
	return v.History[0].Label
}
