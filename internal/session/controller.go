package session

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/draftwatch/dw/internal/api"
	"github.com/draftwatch/dw/internal/channel"
	"github.com/draftwatch/dw/internal/engine"
	"github.com/draftwatch/dw/internal/events"
	"github.com/draftwatch/dw/internal/notify"
	"github.com/draftwatch/dw/internal/telemetry/invariants"
)

// ErrNoActiveSession is returned by operations that need a bound session.
var ErrNoActiveSession = errors.New("no active session")

// API is the slice of the collaborator client the controller uses.
type API interface {
	CreateSession(ctx context.Context, mode api.SessionMode) (string, error)
	ListSessions(ctx context.Context, limit int) ([]api.SessionSummary, error)
	LaunchRun(ctx context.Context, sessionID string, request api.RunRequest) error
	FetchSnapshot(ctx context.Context, sessionID string) (api.Snapshot, error)
	SubmitDecision(ctx context.Context, sessionID string, decision api.Decision) error
}

// Subscription is an open push channel that can be torn down.
type Subscription interface {
	Close()
}

// Connector opens the push channel for a session.
type Connector func(ctx context.Context, sessionID string, onNotification channel.NotificationHandler, onStatus channel.StatusHandler) (Subscription, error)

// Controller owns the lifecycle of the single active session: binding
// the engine, holding the push subscription, launching runs, submitting
// decisions, and reconciling snapshots. Every operation runs under one
// mutex so engine mutations are strictly serialized.
type Controller struct {
	mu      sync.Mutex
	client  API
	connect Connector
	engine  *engine.Engine
	bus     events.Bus
	logger  *log.Logger

	sessionID    string
	epoch        uint64
	subscription Subscription
	lastError    error
}

// Option customizes controller construction.
type Option func(*Controller)

// WithBus publishes lifecycle events.
func WithBus(bus events.Bus) Option {
	return func(c *Controller) {
		c.bus = bus
	}
}

// WithLogger attaches a structured logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New builds a controller around a collaborator client, a push channel
// connector, and the engine that folds their outputs together.
func New(client API, connect Connector, eng *engine.Engine, options ...Option) *Controller {
	controller := &Controller{
		client:  client,
		connect: connect,
		engine:  eng,
		logger:  log.Default(),
	}
	for _, option := range options {
		option(controller)
	}
	return controller
}

// AdapterConnector wraps a channel adapter as a Connector.
func AdapterConnector(adapter *channel.Adapter) Connector {
	return func(ctx context.Context, sessionID string, onNotification channel.NotificationHandler, onStatus channel.StatusHandler) (Subscription, error) {
		return adapter.Connect(ctx, sessionID, onNotification, onStatus)
	}
}

// SessionID returns the currently bound session id, or "".
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// LastError returns the most recent request failure, cleared by the
// next successful operation.
func (c *Controller) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

// View returns the engine's current derived view.
func (c *Controller) View() engine.View {
	return c.engine.View()
}

// Create asks the collaborator for a new session and activates it.
func (c *Controller) Create(ctx context.Context, mode api.SessionMode) (string, error) {
	sessionID, err := c.client.CreateSession(ctx, mode)
	if err != nil {
		c.recordError(err)
		return "", err
	}
	if err := c.Activate(ctx, sessionID); err != nil {
		return "", err
	}
	return sessionID, nil
}

// List returns the collaborator's session history.
func (c *Controller) List(ctx context.Context, limit int) ([]api.SessionSummary, error) {
	sessions, err := c.client.ListSessions(ctx, limit)
	if err != nil {
		c.recordError(err)
		return nil, err
	}
	c.clearError()
	return sessions, nil
}

// Activate binds the controller to a session: tears down any previous
// subscription, resets the engine, opens the push channel, and pulls an
// initial reconciling snapshot.
func (c *Controller) Activate(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return errors.New("session id is required")
	}

	c.mu.Lock()
	c.teardownLocked()
	c.sessionID = sessionID
	c.epoch++
	epoch := c.epoch
	c.engine.Reset(sessionID)
	c.lastError = nil
	c.mu.Unlock()

	subscription, err := c.connect(ctx, sessionID,
		func(n notify.Notification) { c.handleNotification(sessionID, epoch, n) },
		func(status channel.Status, err error) { c.handleChannelStatus(sessionID, status, err) },
	)
	if err != nil {
		c.recordError(err)
		return err
	}

	c.mu.Lock()
	if c.epoch != epoch {
		// Another Activate or Clear won the race; drop this channel.
		c.mu.Unlock()
		subscription.Close()
		return nil
	}
	c.subscription = subscription
	c.mu.Unlock()

	c.logger.Info("session activated", "session_id", sessionID)
	c.publish(events.EventTypeSessionActivated, sessionID, "", nil, events.SeverityInfo)
	c.refresh(ctx, sessionID, epoch)
	return nil
}

// Clear unbinds the active session and resets the derived view.
func (c *Controller) Clear() {
	c.mu.Lock()
	sessionID := c.sessionID
	c.teardownLocked()
	c.sessionID = ""
	c.epoch++
	c.engine.Reset("")
	c.lastError = nil
	c.mu.Unlock()

	if sessionID != "" {
		c.logger.Info("session cleared", "session_id", sessionID)
		c.publish(events.EventTypeSessionCleared, sessionID, "", nil, events.SeverityInfo)
	}
}

// LaunchRun starts a run on the active session with an optimistic view
// update, then reconciles against the collaborator's answer.
func (c *Controller) LaunchRun(ctx context.Context, inputText string, requireApproval bool) error {
	sessionID, epoch, err := c.activeSession()
	if err != nil {
		return err
	}

	c.engine.BeginRun(ctx)
	if err := c.client.LaunchRun(ctx, sessionID, api.RunRequest{
		InputText:            inputText,
		RequireHumanApproval: requireApproval,
	}); err != nil {
		c.engine.FailRequest(ctx, "Run failed", err.Error())
		c.recordError(err)
		c.publish(events.EventTypeRequestFailed, sessionID, "", err.Error(), events.SeverityError)
		return err
	}

	c.clearError()
	c.refresh(ctx, sessionID, epoch)
	return nil
}

// Approve submits an approval for the halted run. An optional edited
// text replaces the draft before the run resumes.
func (c *Controller) Approve(ctx context.Context, editedText string) error {
	return c.decide(ctx, api.Decision{Approved: true, EditedText: strings.TrimSpace(editedText)})
}

// Reject sends the halted run back for revision with reviewer feedback.
func (c *Controller) Reject(ctx context.Context, feedback string) error {
	return c.decide(ctx, api.Decision{Approved: false, Feedback: strings.TrimSpace(feedback)})
}

func (c *Controller) decide(ctx context.Context, decision api.Decision) error {
	sessionID, epoch, err := c.activeSession()
	if err != nil {
		return err
	}

	c.engine.BeginDecision(ctx, decision.Approved)
	if err := c.client.SubmitDecision(ctx, sessionID, decision); err != nil {
		label := "Reject failed"
		if decision.Approved {
			label = "Approve failed"
		}
		c.engine.FailRequest(ctx, label, err.Error())
		c.recordError(err)
		c.publish(events.EventTypeRequestFailed, sessionID, "", err.Error(), events.SeverityError)
		return err
	}

	c.clearError()
	c.refresh(ctx, sessionID, epoch)
	return nil
}

// Refresh pulls a reconciling snapshot for the active session.
func (c *Controller) Refresh(ctx context.Context) error {
	sessionID, epoch, err := c.activeSession()
	if err != nil {
		return err
	}
	return c.refresh(ctx, sessionID, epoch)
}

func (c *Controller) activeSession() (string, uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionID == "" {
		return "", 0, ErrNoActiveSession
	}
	return c.sessionID, c.epoch, nil
}

// refresh fetches both record slots and applies them, discarding the
// response when the session changed while the fetch was in flight.
func (c *Controller) refresh(ctx context.Context, sessionID string, epoch uint64) error {
	snapshot, err := c.client.FetchSnapshot(ctx, sessionID)
	if err != nil {
		c.recordError(err)
		c.logger.Warn("snapshot fetch failed", "session_id", sessionID, "error", err)
		return err
	}

	c.mu.Lock()
	stale := c.epoch != epoch || c.sessionID != sessionID
	current := c.sessionID
	c.mu.Unlock()
	if stale {
		invariants.CheckStaleResponseDiscarded(ctx, "controller.refresh", sessionID, current)
		return nil
	}

	c.engine.ApplySnapshot(ctx, snapshot)
	c.publish(events.EventTypeSnapshotApplied, sessionID, c.engine.View().RunID, nil, events.SeverityInfo)
	return nil
}

// handleNotification runs on the channel's read goroutine.
func (c *Controller) handleNotification(sessionID string, epoch uint64, n notify.Notification) {
	ctx := context.Background()

	c.mu.Lock()
	stale := c.epoch != epoch || c.sessionID != sessionID
	current := c.sessionID
	c.mu.Unlock()
	if stale {
		invariants.CheckStaleResponseDiscarded(ctx, "controller.notification", sessionID, current)
		return
	}

	c.publish(events.EventTypeNotification, sessionID, n.RunID, n, events.SeverityInfo)
	if terminal := c.engine.Apply(ctx, n); terminal {
		// Push told us something final happened; pull the durable truth.
		_ = c.refresh(ctx, sessionID, epoch)
	}
}

func (c *Controller) handleChannelStatus(sessionID string, status channel.Status, err error) {
	severity := events.SeverityInfo
	if status == channel.StatusError {
		severity = events.SeverityWarn
		c.logger.Warn("push channel error", "session_id", sessionID, "error", err)
	}
	c.publish(events.EventTypeChannelStatus, sessionID, "", status, severity)
}

func (c *Controller) teardownLocked() {
	if c.subscription != nil {
		c.subscription.Close()
		c.subscription = nil
	}
}

func (c *Controller) recordError(err error) {
	c.mu.Lock()
	c.lastError = err
	c.mu.Unlock()
}

func (c *Controller) clearError() {
	c.mu.Lock()
	c.lastError = nil
	c.mu.Unlock()
}

func (c *Controller) publish(eventType, sessionID, runID string, payload any, severity string) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(events.Event{
		Type:      eventType,
		SessionID: sessionID,
		RunID:     runID,
		Payload:   payload,
		Severity:  severity,
	})
}
