package invariants

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// InvariantTerminalNotRegressed requires a terminal run status to never
	// be overwritten by stale snapshot data for the same run.
	InvariantTerminalNotRegressed = "terminal_not_regressed"
	// InvariantGateNeverAutoDone requires the approval gate to never be
	// completed by generic stage-advance logic.
	InvariantGateNeverAutoDone = "gate_never_auto_done"
	// InvariantLogCapacityRespected requires the activity log to stay within
	// its fixed capacity.
	InvariantLogCapacityRespected = "log_capacity_respected"
	// InvariantLogEntriesCoalesced requires adjacent activity log entries to
	// carry distinct labels.
	InvariantLogEntriesCoalesced = "log_entries_coalesced"
	// InvariantStaleResponseDiscarded requires responses issued for a
	// previous session to never mutate the current view.
	InvariantStaleResponseDiscarded = "stale_response_discarded"
)

const (
	// SeverityWarn is used for non-fatal invariant violations.
	SeverityWarn = "warn"
	// SeverityError is used for fatal invariant violations.
	SeverityError = "error"
)

var invariantChecksEnabled atomic.Bool

func init() {
	invariantChecksEnabled.Store(true)
}

// ViolationDetails captures invariant violation context for telemetry events.
type ViolationDetails struct {
	WhatInvariant string
	WhereDetected string
	WhyViolated   string
	Additional    map[string]string
}

// SetEnabled globally enables or disables invariant checks.
func SetEnabled(enabled bool) {
	invariantChecksEnabled.Store(enabled)
}

// Enabled reports whether invariant checks are currently enabled.
func Enabled() bool {
	return invariantChecksEnabled.Load()
}

// InvariantViolation emits an invariant.violation telemetry event on the
// active span. If the context has no active span, a short synthetic span is
// created for observability.
func InvariantViolation(
	ctx context.Context,
	invariantName string,
	severity string,
	details ViolationDetails,
) {
	if !Enabled() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	invariantName = strings.TrimSpace(invariantName)
	if invariantName == "" {
		invariantName = "unknown_invariant"
	}
	severity = normalizeSeverity(severity)

	attrs := []attribute.KeyValue{
		attribute.String("invariant_name", invariantName),
		attribute.String("severity", severity),
		attribute.String("what_invariant", strings.TrimSpace(details.WhatInvariant)),
		attribute.String("where_detected", strings.TrimSpace(details.WhereDetected)),
		attribute.String("why_violated", strings.TrimSpace(details.WhyViolated)),
	}

	if len(details.Additional) > 0 {
		keys := make([]string, 0, len(details.Additional))
		for key := range details.Additional {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			value := strings.TrimSpace(details.Additional[key])
			if value == "" {
				continue
			}
			attrs = append(attrs, attribute.String("context."+key, value))
		}
	}

	span := trace.SpanFromContext(ctx)
	if span != nil && span.SpanContext().IsValid() {
		span.AddEvent("invariant.violation", trace.WithAttributes(attrs...))
		return
	}

	tracedCtx, temporarySpan := otel.Tracer("dw/invariants").Start(ctx, "invariant.violation")
	defer temporarySpan.End()
	temporarySpan.AddEvent("invariant.violation", trace.WithAttributes(attrs...))
	_ = tracedCtx
}

// CheckTerminalNotRegressed validates the terminal_not_regressed invariant.
// It returns false when a stale snapshot attempted to overwrite a terminal
// status for the same run; the caller is expected to skip the write.
func CheckTerminalNotRegressed(ctx context.Context, whereDetected, runID, currentStatus, snapshotStatus string, regressed bool) bool {
	if !regressed {
		return true
	}
	InvariantViolation(ctx, InvariantTerminalNotRegressed, SeverityWarn, ViolationDetails{
		WhatInvariant: "terminal run status is never overwritten by a stale snapshot",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("snapshot status %q arrived after terminal status %q", snapshotStatus, currentStatus),
		Additional: map[string]string{
			"run_id":          strings.TrimSpace(runID),
			"current_status":  strings.TrimSpace(currentStatus),
			"snapshot_status": strings.TrimSpace(snapshotStatus),
		},
	})
	return false
}

// CheckGateNeverAutoDone validates the gate_never_auto_done invariant.
func CheckGateNeverAutoDone(ctx context.Context, whereDetected, gateStatus string, done bool) bool {
	if !done {
		return true
	}
	InvariantViolation(ctx, InvariantGateNeverAutoDone, SeverityError, ViolationDetails{
		WhatInvariant: "approval gate is never completed by generic advance logic",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("gate reached status %q without an explicit terminal signal", gateStatus),
	})
	return false
}

// CheckLogCapacityRespected validates the log_capacity_respected invariant.
func CheckLogCapacityRespected(ctx context.Context, whereDetected string, size, capacity int) bool {
	if capacity <= 0 || size <= capacity {
		return true
	}
	InvariantViolation(ctx, InvariantLogCapacityRespected, SeverityError, ViolationDetails{
		WhatInvariant: "activity log stays within its fixed capacity",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("log size %d exceeded capacity %d", size, capacity),
		Additional: map[string]string{
			"size":     fmt.Sprintf("%d", size),
			"capacity": fmt.Sprintf("%d", capacity),
		},
	})
	return false
}

// CheckStaleResponseDiscarded records that a response issued for a previous
// session reached the controller. The caller discards it; this check only
// provides observability for how often that happens.
func CheckStaleResponseDiscarded(ctx context.Context, whereDetected, issuedFor, current string) {
	InvariantViolation(ctx, InvariantStaleResponseDiscarded, SeverityWarn, ViolationDetails{
		WhatInvariant: "responses for a previous session never mutate the current view",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("response issued for session %q arrived while session %q is active", issuedFor, current),
		Additional: map[string]string{
			"issued_for": strings.TrimSpace(issuedFor),
			"current":    strings.TrimSpace(current),
		},
	})
}

func normalizeSeverity(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case SeverityWarn:
		return SeverityWarn
	case SeverityError:
		return SeverityError
	default:
		return SeverityError
	}
}
