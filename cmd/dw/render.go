package main

import (
	"fmt"
	"strings"

	"github.com/draftwatch/dw/internal/engine"
	"github.com/draftwatch/dw/internal/stages"
)

// renderView formats the derived view for terminal output.
func renderView(view engine.View) string {
	var builder strings.Builder

	header := strings.ToUpper(string(view.Status))
	if view.RunID != "" {
		header += "  run=" + view.RunID
	}
	builder.WriteString(header + "\n")

	if view.Step != "" {
		builder.WriteString("step:   " + view.Step + "\n")
	}
	if view.Detail != "" {
		builder.WriteString("detail: " + view.Detail + "\n")
	}

	builder.WriteString("\n")
	for _, name := range stages.Pipeline() {
		info := view.Stages[name]
		line := fmt.Sprintf("  %s %-22s", stageMark(info.Status), stages.Label(name))
		if info.Note != "" {
			line += "  " + info.Note
		}
		builder.WriteString(strings.TrimRight(line, " ") + "\n")
	}

	if len(view.History) > 0 {
		builder.WriteString("\nactivity:\n")
		for _, entry := range view.History {
			builder.WriteString(fmt.Sprintf("  %s  %s\n", entry.Timestamp.Format("15:04:05"), entry.Label))
		}
	}

	return builder.String()
}

func stageMark(status stages.Status) string {
	switch status {
	case stages.StatusDone:
		return "✓"
	case stages.StatusActive:
		return "▸"
	case stages.StatusError:
		return "✗"
	default:
		return "·"
	}
}
