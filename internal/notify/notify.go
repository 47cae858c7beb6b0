package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind discriminates the progress notification union.
type Kind string

const (
	// KindRunStarted indicates a new run began executing.
	KindRunStarted Kind = "run_started"
	// KindResumeStarted indicates a halted run resumed after a decision.
	KindResumeStarted Kind = "resume_started"
	// KindNodeUpdate carries per-stage progress for one pipeline stage.
	KindNodeUpdate Kind = "node_update"
	// KindHaltRequired indicates the run paused at the approval gate.
	KindHaltRequired Kind = "halt_required"
	// KindRunCompleted indicates the run finished successfully.
	KindRunCompleted Kind = "run_completed"
	// KindResumeCompleted indicates a resumed run finished successfully.
	KindResumeCompleted Kind = "resume_completed"
	// KindRunFailed indicates the run failed.
	KindRunFailed Kind = "run_failed"
	// KindResumeFailed indicates a resumed run failed.
	KindResumeFailed Kind = "resume_failed"
	// KindUnknown marks a well-formed frame whose type tag is unrecognized.
	KindUnknown Kind = "unknown"
)

// ErrMalformedFrame indicates an inbound frame that could not be decoded.
var ErrMalformedFrame = errors.New("malformed notification frame")

// Notification is the decoded form of one inbound progress frame.
type Notification struct {
	Kind      Kind
	Timestamp time.Time
	Seq       int64
	RunID     string
	Stage     string
	Summary   string
	Signals   map[string]any
	State     json.RawMessage
	Error     string
}

type wireFrame struct {
	Type    string          `json:"type"`
	TS      string          `json:"ts"`
	Seq     int64           `json:"seq"`
	RunID   string          `json:"run_id"`
	Node    string          `json:"node"`
	Summary string          `json:"summary"`
	Signals map[string]any  `json:"signals"`
	State   json.RawMessage `json:"state"`
	Error   string          `json:"error"`
}

// Decode parses one inbound frame into a Notification.
//
// Frames that are not JSON objects or carry no type tag return
// ErrMalformedFrame. Frames with an unrecognized type tag decode
// successfully with Kind set to KindUnknown so callers can drop
// them without treating them as errors.
func Decode(data []byte) (Notification, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed[0] != '{' {
		return Notification{}, fmt.Errorf("%w: not a JSON object", ErrMalformedFrame)
	}

	var frame wireFrame
	if err := json.Unmarshal([]byte(trimmed), &frame); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	kind := strings.TrimSpace(frame.Type)
	if kind == "" {
		return Notification{}, fmt.Errorf("%w: missing type tag", ErrMalformedFrame)
	}

	notification := Notification{
		Kind:    normalizeKind(kind),
		Seq:     frame.Seq,
		RunID:   strings.TrimSpace(frame.RunID),
		Stage:   strings.TrimSpace(frame.Node),
		Summary: strings.TrimSpace(frame.Summary),
		Signals: frame.Signals,
		State:   frame.State,
		Error:   strings.TrimSpace(frame.Error),
	}
	if ts := strings.TrimSpace(frame.TS); ts != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			notification.Timestamp = parsed.UTC()
		}
	}

	return notification, nil
}

// Terminal reports whether this notification should trigger a
// reconciling snapshot fetch against the collaborator.
func (n Notification) Terminal() bool {
	switch n.Kind {
	case KindHaltRequired, KindRunCompleted, KindResumeCompleted, KindRunFailed, KindResumeFailed:
		return true
	default:
		return false
	}
}

// Halted reports whether the notification's signals explicitly flag a halt.
func (n Notification) Halted() bool {
	if n.Signals == nil {
		return false
	}
	halted, ok := n.Signals["halted"].(bool)
	return ok && halted
}

func normalizeKind(value string) Kind {
	switch Kind(strings.ToLower(value)) {
	case KindRunStarted, KindResumeStarted, KindNodeUpdate, KindHaltRequired,
		KindRunCompleted, KindResumeCompleted, KindRunFailed, KindResumeFailed:
		return Kind(strings.ToLower(value))
	default:
		return KindUnknown
	}
}
