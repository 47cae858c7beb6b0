package review

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/draftwatch/dw/internal/api"
)

// Verdict is the reviewer's decision on a halted draft.
type Verdict string

const (
	// VerdictApprove accepts the draft as-is or with edits.
	VerdictApprove Verdict = "approve"
	// VerdictReject sends the draft back with feedback.
	VerdictReject Verdict = "reject"
	// VerdictSkip leaves the draft waiting at the gate.
	VerdictSkip Verdict = "skip"
)

// Request is the halted draft presented for an interactive decision.
type Request struct {
	SessionID     string
	RunID         string
	DraftMarkdown string
	SafetyLine    string
	QualityLine   string
	Supervisor    string
}

// Decision is the reviewer's answer to one Request.
type Decision struct {
	Verdict    Verdict
	EditedText string
	Feedback   string
}

// BuildRequest assembles a review request from a halted run record.
func BuildRequest(sessionID string, record *api.RunRecord) (Request, error) {
	if record == nil {
		return Request{}, errors.New("no pending run record")
	}
	draft := record.PendingDraft()
	if draft == nil && strings.TrimSpace(record.FinalMarkdown) == "" {
		return Request{}, errors.New("pending run carries no draft")
	}

	request := Request{
		SessionID:     strings.TrimSpace(sessionID),
		RunID:         strings.TrimSpace(record.RunID),
		DraftMarkdown: record.DraftMarkdown(),
	}
	if draft == nil {
		return request, nil
	}

	if safety := draft.Reviews.Safety; safety != nil {
		switch {
		case safety.SafetyPass != nil && *safety.SafetyPass:
			request.SafetyLine = "safety: pass"
		case safety.SafetyPass != nil:
			request.SafetyLine = fmt.Sprintf("safety: FAIL (%d required changes)", len(safety.RequiredChanges))
		}
	}
	if quality := draft.Reviews.Quality; quality != nil && quality.QualityPass != nil {
		line := "quality: fail"
		if *quality.QualityPass {
			line = "quality: pass"
		}
		if quality.QualityScore != nil {
			line += fmt.Sprintf(" (score %g)", *quality.QualityScore)
		}
		request.QualityLine = line
	}
	if verdict := draft.Supervisor; verdict != nil {
		request.Supervisor = strings.TrimSpace(verdict.Action)
		if rationale := strings.TrimSpace(verdict.Rationale); rationale != "" {
			request.Supervisor += ": " + rationale
		}
	}
	return request, nil
}

// Prompt renders one review request and blocks on input for a decision.
// A blank or unrecognized choice leaves the gate untouched.
func Prompt(input io.Reader, output io.Writer, request Request) Decision {
	if input == nil || output == nil {
		return Decision{Verdict: VerdictSkip}
	}
	reader := bufio.NewReader(input)
	renderPrompt(output, request)

	choice := strings.ToLower(strings.TrimSpace(readLine(reader)))
	switch choice {
	case "a":
		return Decision{Verdict: VerdictApprove}
	case "e":
		edited := readMultiline(reader, output, "edited draft (blank line to finish):")
		if strings.TrimSpace(edited) == "" {
			return Decision{Verdict: VerdictApprove}
		}
		return Decision{Verdict: VerdictApprove, EditedText: edited}
	case "r":
		feedback := strings.TrimSpace(readMultiline(reader, output, "feedback (blank line to finish):"))
		return Decision{Verdict: VerdictReject, Feedback: feedback}
	default:
		return Decision{Verdict: VerdictSkip}
	}
}

func renderPrompt(output io.Writer, request Request) {
	writef(output, "Draft awaiting approval (session %s, run %s)\n", request.SessionID, request.RunID)
	for _, line := range []string{request.SafetyLine, request.QualityLine} {
		if line != "" {
			writeln(output, line)
		}
	}
	if request.Supervisor != "" {
		writeln(output, "supervisor: "+request.Supervisor)
	}
	writeln(output, strings.Repeat("-", 40))
	writeln(output, strings.TrimSpace(request.DraftMarkdown))
	writeln(output, strings.Repeat("-", 40))
	writeln(output, "Choose: [a]pprove, [e]dit and approve, [r]eject, blank to skip")
	write(output, "> ")
}

func readLine(reader *bufio.Reader) string {
	line, err := reader.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return ""
	}
	return strings.TrimRight(line, "\r\n")
}

func readMultiline(reader *bufio.Reader, output io.Writer, prompt string) string {
	if strings.TrimSpace(prompt) != "" {
		writef(output, "%s\n", prompt)
	}
	lines := make([]string, 0)
	for {
		line := readLine(reader)
		if strings.TrimSpace(line) == "" {
			break
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func write(output io.Writer, text string) {
	if output == nil {
		return
	}
	if _, err := io.WriteString(output, text); err != nil {
		return
	}
}

func writeln(output io.Writer, text string) {
	write(output, text+"\n")
}

func writef(output io.Writer, format string, values ...any) {
	if output == nil {
		return
	}
	if _, err := fmt.Fprintf(output, format, values...); err != nil {
		return
	}
}
