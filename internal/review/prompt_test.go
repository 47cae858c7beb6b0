package review

import (
	"bytes"
	"strings"
	"testing"

	"github.com/draftwatch/dw/internal/api"
)

func haltedRecord() *api.RunRecord {
	safetyPass := true
	qualityPass := true
	qualityScore := 9.0
	return &api.RunRecord{
		RunID:  "run-1",
		Status: api.RunStatusHalted,
		PendingInterrupt: &api.InterruptEnvelope{
			Interrupts: []api.Interrupt{{
				Value: api.InterruptValue{
					Draft: &api.InterruptDraft{
						Markdown: "# Quarterly memo",
						Reviews: api.InterruptReviews{
							Safety:  &api.SafetyReview{SafetyPass: &safetyPass},
							Quality: &api.QualityReview{QualityPass: &qualityPass, QualityScore: &qualityScore},
						},
						Supervisor: &api.SupervisorVerdict{Action: "finalize", Rationale: "looks good"},
					},
				},
			}},
		},
	}
}

func TestBuildRequest(t *testing.T) {
	request, err := BuildRequest("sess-1", haltedRecord())
	if err != nil {
		t.Fatalf("BuildRequest: %v", err)
	}
	if request.RunID != "run-1" || request.DraftMarkdown != "# Quarterly memo" {
		t.Fatalf("request = %+v", request)
	}
	if request.SafetyLine != "safety: pass" {
		t.Fatalf("SafetyLine = %q", request.SafetyLine)
	}
	if request.QualityLine != "quality: pass (score 9)" {
		t.Fatalf("QualityLine = %q", request.QualityLine)
	}
	if request.Supervisor != "finalize: looks good" {
		t.Fatalf("Supervisor = %q", request.Supervisor)
	}
}

func TestBuildRequestRejectsEmptyRecord(t *testing.T) {
	if _, err := BuildRequest("sess-1", nil); err == nil {
		t.Fatal("expected error for nil record")
	}
	if _, err := BuildRequest("sess-1", &api.RunRecord{RunID: "run-1"}); err == nil {
		t.Fatal("expected error for record without draft")
	}
}

func TestPromptApprove(t *testing.T) {
	var output bytes.Buffer
	decision := Prompt(strings.NewReader("a\n"), &output, Request{DraftMarkdown: "# Draft"})
	if decision.Verdict != VerdictApprove || decision.EditedText != "" {
		t.Fatalf("decision = %+v", decision)
	}
	if !strings.Contains(output.String(), "# Draft") {
		t.Fatalf("prompt output missing draft: %q", output.String())
	}
}

func TestPromptEditCollectsMultiline(t *testing.T) {
	input := "e\n# Better draft\nwith two lines\n\n"
	decision := Prompt(strings.NewReader(input), &bytes.Buffer{}, Request{DraftMarkdown: "# Draft"})
	if decision.Verdict != VerdictApprove {
		t.Fatalf("verdict = %q", decision.Verdict)
	}
	if decision.EditedText != "# Better draft\nwith two lines" {
		t.Fatalf("EditedText = %q", decision.EditedText)
	}
}

func TestPromptRejectCollectsFeedback(t *testing.T) {
	input := "r\ntone it down\n\n"
	decision := Prompt(strings.NewReader(input), &bytes.Buffer{}, Request{DraftMarkdown: "# Draft"})
	if decision.Verdict != VerdictReject || decision.Feedback != "tone it down" {
		t.Fatalf("decision = %+v", decision)
	}
}

func TestPromptBlankSkips(t *testing.T) {
	decision := Prompt(strings.NewReader("\n"), &bytes.Buffer{}, Request{DraftMarkdown: "# Draft"})
	if decision.Verdict != VerdictSkip {
		t.Fatalf("verdict = %q", decision.Verdict)
	}
}
