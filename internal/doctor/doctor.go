package doctor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/draftwatch/dw/internal/config"
	"github.com/draftwatch/dw/internal/events"
)

const defaultCheckTimeout = 5 * time.Second

// CheckStatus is the outcome of one preflight check.
type CheckStatus string

const (
	// StatusPass means the check succeeded.
	StatusPass CheckStatus = "pass"
	// StatusWarn means the check found a degraded but usable setup.
	StatusWarn CheckStatus = "warn"
	// StatusFail means the check found a blocking problem.
	StatusFail CheckStatus = "fail"
)

// CheckResult is one named check outcome with a human-readable detail.
type CheckResult struct {
	Name   string      `json:"name"`
	Status CheckStatus `json:"status"`
	Detail string      `json:"detail"`
}

// Report collects the results of one full preflight pass.
type Report struct {
	Timestamp time.Time     `json:"timestamp"`
	Results   []CheckResult `json:"results"`
}

// Healthy reports whether no check failed outright.
func (r Report) Healthy() bool {
	for _, result := range r.Results {
		if result.Status == StatusFail {
			return false
		}
	}
	return true
}

// HealthChecker probes the collaborator's health endpoint.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// EventBus publishes health reports.
type EventBus interface {
	Publish(event events.Event)
}

// Manager executes the preflight checks a working setup must pass
// before a session is worth activating.
type Manager struct {
	cfg          *config.Config
	health       HealthChecker
	bus          EventBus
	checkTimeout time.Duration
	now          func() time.Time
	homeDir      func() (string, error)
}

// Option customizes manager construction.
type Option func(*Manager)

// WithCheckTimeout bounds the collaborator health probe.
func WithCheckTimeout(timeout time.Duration) Option {
	return func(m *Manager) {
		if timeout > 0 {
			m.checkTimeout = timeout
		}
	}
}

// WithHomeDir overrides home directory resolution, for tests.
func WithHomeDir(homeDir func() (string, error)) Option {
	return func(m *Manager) {
		if homeDir != nil {
			m.homeDir = homeDir
		}
	}
}

// NewManager builds a preflight manager.
func NewManager(cfg *config.Config, health HealthChecker, bus EventBus, options ...Option) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if health == nil {
		return nil, errors.New("health checker is required")
	}
	manager := &Manager{
		cfg:          cfg,
		health:       health,
		bus:          bus,
		checkTimeout: defaultCheckTimeout,
		now:          time.Now,
		homeDir:      os.UserHomeDir,
	}
	for _, option := range options {
		option(manager)
	}
	return manager, nil
}

// RunOnce executes one full preflight pass and publishes the report.
func (m *Manager) RunOnce(ctx context.Context) (Report, error) {
	if m == nil {
		return Report{}, errors.New("doctor manager is nil")
	}

	report := Report{Timestamp: m.now().UTC()}
	report.Results = append(report.Results, m.checkConfig())
	report.Results = append(report.Results, m.checkCollaborator(ctx))
	report.Results = append(report.Results, m.checkLogDir())

	if m.bus != nil {
		severity := events.SeverityInfo
		if !report.Healthy() {
			severity = events.SeverityWarn
		}
		m.bus.Publish(events.Event{
			Type:      events.EventTypeHealthCheck,
			Timestamp: report.Timestamp,
			Payload:   report,
			Severity:  severity,
		})
	}

	return report, nil
}

func (m *Manager) checkConfig() CheckResult {
	result := CheckResult{Name: "config"}
	if err := m.cfg.Validate(); err != nil {
		result.Status = StatusFail
		result.Detail = err.Error()
		return result
	}
	result.Status = StatusPass
	result.Detail = fmt.Sprintf("api=%s ws=%s", m.cfg.APIBaseURL, m.cfg.WSBaseURL)
	return result
}

func (m *Manager) checkCollaborator(ctx context.Context) CheckResult {
	result := CheckResult{Name: "collaborator"}

	probeCtx, cancel := context.WithTimeout(ctx, m.checkTimeout)
	defer cancel()

	if err := m.health.Health(probeCtx); err != nil {
		result.Status = StatusFail
		result.Detail = fmt.Sprintf("health probe failed: %v", err)
		return result
	}
	result.Status = StatusPass
	result.Detail = "health endpoint responded"
	return result
}

func (m *Manager) checkLogDir() CheckResult {
	result := CheckResult{Name: "log_dir"}

	homeDir, err := m.homeDir()
	if err != nil {
		result.Status = StatusWarn
		result.Detail = fmt.Sprintf("resolve home directory: %v", err)
		return result
	}

	logDir := filepath.Join(homeDir, ".dw", "logs")
	if err := os.MkdirAll(logDir, 0o750); err != nil {
		result.Status = StatusWarn
		result.Detail = fmt.Sprintf("create log directory: %v", err)
		return result
	}

	probe := filepath.Join(logDir, ".doctor-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		result.Status = StatusWarn
		result.Detail = fmt.Sprintf("log directory not writable: %v", err)
		return result
	}
	_ = os.Remove(probe)

	result.Status = StatusPass
	result.Detail = logDir
	return result
}

// Format renders a report for terminal output.
func Format(report Report) string {
	var builder strings.Builder
	for _, result := range report.Results {
		mark := "✓"
		switch result.Status {
		case StatusWarn:
			mark = "⚠"
		case StatusFail:
			mark = "✗"
		}
		fmt.Fprintf(&builder, "%s %-12s %s\n", mark, result.Name, result.Detail)
	}
	if report.Healthy() {
		builder.WriteString("all checks passed\n")
	} else {
		builder.WriteString("preflight failed\n")
	}
	return builder.String()
}
