package notify

import (
	"errors"
	"testing"
	"time"
)

func TestDecodeParsesKnownVariants(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		frame    string
		wantKind Kind
	}{
		{name: "run started", frame: `{"type":"run_started","run_id":"r-1"}`, wantKind: KindRunStarted},
		{name: "resume started", frame: `{"type":"resume_started"}`, wantKind: KindResumeStarted},
		{name: "node update", frame: `{"type":"node_update","node":"drafting"}`, wantKind: KindNodeUpdate},
		{name: "halt required", frame: `{"type":"halt_required"}`, wantKind: KindHaltRequired},
		{name: "run completed", frame: `{"type":"run_completed"}`, wantKind: KindRunCompleted},
		{name: "resume completed", frame: `{"type":"resume_completed"}`, wantKind: KindResumeCompleted},
		{name: "run failed", frame: `{"type":"run_failed","error":"boom"}`, wantKind: KindRunFailed},
		{name: "resume failed", frame: `{"type":"resume_failed"}`, wantKind: KindResumeFailed},
		{name: "uppercase tag", frame: `{"type":"RUN_STARTED"}`, wantKind: KindRunStarted},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			notification, err := Decode([]byte(tt.frame))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if notification.Kind != tt.wantKind {
				t.Fatalf("kind = %q, want %q", notification.Kind, tt.wantKind)
			}
		})
	}
}

func TestDecodeCarriesOptionalFields(t *testing.T) {
	t.Parallel()

	frame := `{
		"type": "node_update",
		"ts": "2026-03-01T12:30:00Z",
		"seq": 7,
		"run_id": "run-42",
		"node": "quality_review",
		"summary": "  quality pass  ",
		"signals": {"quality_pass": true, "quality_score": 8.5},
		"state": {"current_node": "quality_review"}
	}`

	notification, err := Decode([]byte(frame))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	want := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	if !notification.Timestamp.Equal(want) {
		t.Fatalf("timestamp = %s, want %s", notification.Timestamp, want)
	}
	if notification.Seq != 7 {
		t.Fatalf("seq = %d, want 7", notification.Seq)
	}
	if notification.RunID != "run-42" {
		t.Fatalf("run id = %q, want run-42", notification.RunID)
	}
	if notification.Stage != "quality_review" {
		t.Fatalf("stage = %q, want quality_review", notification.Stage)
	}
	if notification.Summary != "quality pass" {
		t.Fatalf("summary = %q, want trimmed summary", notification.Summary)
	}
	if pass, ok := notification.Signals["quality_pass"].(bool); !ok || !pass {
		t.Fatalf("signals quality_pass = %v, want true", notification.Signals["quality_pass"])
	}
	if len(notification.State) == 0 {
		t.Fatal("expected raw state snapshot to be retained")
	}
}

func TestDecodeRejectsMalformedFrames(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		frame string
	}{
		{name: "empty", frame: ""},
		{name: "plain text", frame: "pong"},
		{name: "array", frame: `[1,2,3]`},
		{name: "truncated object", frame: `{"type":"run_started"`},
		{name: "missing type", frame: `{"run_id":"r-1"}`},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := Decode([]byte(tt.frame))
			if !errors.Is(err, ErrMalformedFrame) {
				t.Fatalf("error = %v, want ErrMalformedFrame", err)
			}
		})
	}
}

func TestDecodeReportsUnknownTagsWithoutError(t *testing.T) {
	t.Parallel()

	notification, err := Decode([]byte(`{"type":"telemetry_burst","seq":3}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if notification.Kind != KindUnknown {
		t.Fatalf("kind = %q, want %q", notification.Kind, KindUnknown)
	}
}

func TestTerminalClassification(t *testing.T) {
	t.Parallel()

	terminal := []Kind{KindHaltRequired, KindRunCompleted, KindResumeCompleted, KindRunFailed, KindResumeFailed}
	for _, kind := range terminal {
		if !(Notification{Kind: kind}).Terminal() {
			t.Fatalf("kind %q should be terminal", kind)
		}
	}

	nonTerminal := []Kind{KindRunStarted, KindResumeStarted, KindNodeUpdate, KindUnknown}
	for _, kind := range nonTerminal {
		if (Notification{Kind: kind}).Terminal() {
			t.Fatalf("kind %q should not be terminal", kind)
		}
	}
}

func TestHaltedReadsSignalsFlag(t *testing.T) {
	t.Parallel()

	halted := Notification{Kind: KindNodeUpdate, Signals: map[string]any{"halted": true}}
	if !halted.Halted() {
		t.Fatal("expected halted signal to be detected")
	}

	notHalted := Notification{Kind: KindNodeUpdate, Signals: map[string]any{"halted": "yes"}}
	if notHalted.Halted() {
		t.Fatal("non-boolean halted signal must not count as halted")
	}
	if (Notification{Kind: KindNodeUpdate}).Halted() {
		t.Fatal("missing signals must not count as halted")
	}
}
