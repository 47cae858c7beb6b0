package channel

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/draftwatch/dw/internal/notify"
)

// Status describes push channel connectivity.
type Status string

const (
	// StatusConnecting means a dial is in flight.
	StatusConnecting Status = "connecting"
	// StatusOpen means the channel is connected and reading.
	StatusOpen Status = "open"
	// StatusClosed means the channel closed cleanly.
	StatusClosed Status = "closed"
	// StatusError means the channel failed and will not reconnect.
	StatusError Status = "error"
)

const defaultProbeInterval = 25 * time.Second

// NotificationHandler consumes one decoded notification.
type NotificationHandler func(notify.Notification)

// StatusHandler observes connectivity transitions. err is non-nil only
// for StatusError.
type StatusHandler func(status Status, err error)

// Adapter dials the collaborator's push channel and feeds decoded
// notifications to a handler. It never reconnects: a dropped channel
// stays dropped until the caller re-activates the session.
type Adapter struct {
	baseURL       string
	dialer        *websocket.Dialer
	probeInterval time.Duration
	logger        *log.Logger
}

// Option customizes adapter construction.
type Option func(*Adapter)

// WithDialer overrides the websocket dialer.
func WithDialer(dialer *websocket.Dialer) Option {
	return func(a *Adapter) {
		if dialer != nil {
			a.dialer = dialer
		}
	}
}

// WithProbeInterval overrides the keep-alive probe interval.
func WithProbeInterval(interval time.Duration) Option {
	return func(a *Adapter) {
		if interval > 0 {
			a.probeInterval = interval
		}
	}
}

// WithLogger attaches a structured logger.
func WithLogger(logger *log.Logger) Option {
	return func(a *Adapter) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// New validates the ws base URL and returns an adapter.
func New(baseURL string, options ...Option) (*Adapter, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	parsed, err := url.Parse(trimmed)
	if err != nil || !parsed.IsAbs() {
		return nil, fmt.Errorf("invalid ws base url %q", baseURL)
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return nil, fmt.Errorf("ws base url %q: scheme must be ws or wss", baseURL)
	}

	adapter := &Adapter{
		baseURL:       trimmed,
		dialer:        websocket.DefaultDialer,
		probeInterval: defaultProbeInterval,
		logger:        log.Default(),
	}
	for _, option := range options {
		option(adapter)
	}
	return adapter, nil
}

// Handle controls one open subscription.
type Handle struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

// Ping writes the liveness probe immediately, outside the periodic
// probe cadence.
func (h *Handle) Ping() error {
	if h.isClosed() {
		return errors.New("subscription closed")
	}
	return h.writeProbe()
}

func (h *Handle) writeProbe() error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	return h.conn.WriteMessage(websocket.TextMessage, []byte("ping"))
}

// Close tears the subscription down. The read loop reports
// StatusClosed rather than StatusError for errors that follow.
func (h *Handle) Close() {
	h.closeOnce.Do(func() {
		close(h.closed)
		_ = h.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		_ = h.conn.Close()
	})
}

// Done is closed once the read loop has exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) isClosed() bool {
	select {
	case <-h.closed:
		return true
	default:
		return false
	}
}

// Connect dials the channel for one session and starts the read and
// probe loops. onNotification and onStatus are invoked from the read
// goroutine; callers serialize downstream.
func (a *Adapter) Connect(ctx context.Context, sessionID string, onNotification NotificationHandler, onStatus StatusHandler) (*Handle, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	if onNotification == nil {
		return nil, errors.New("notification handler is required")
	}
	if onStatus == nil {
		onStatus = func(Status, error) {}
	}

	endpoint := a.baseURL + "/ws/" + url.PathEscape(sessionID)
	onStatus(StatusConnecting, nil)

	conn, resp, err := a.dialer.DialContext(ctx, endpoint, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		a.logger.Error("push channel dial failed", "endpoint", endpoint, "error", err)
		onStatus(StatusError, err)
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}

	handle := &Handle{
		conn:   conn,
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
	onStatus(StatusOpen, nil)
	a.logger.Info("push channel open", "session_id", sessionID)

	go a.probeLoop(handle)
	go a.readLoop(handle, sessionID, onNotification, onStatus)

	return handle, nil
}

func (a *Adapter) readLoop(handle *Handle, sessionID string, onNotification NotificationHandler, onStatus StatusHandler) {
	defer close(handle.done)

	for {
		_, data, err := handle.conn.ReadMessage()
		if err != nil {
			if handle.isClosed() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				onStatus(StatusClosed, nil)
				return
			}
			a.logger.Warn("push channel read failed", "session_id", sessionID, "error", err)
			handle.Close()
			onStatus(StatusError, err)
			return
		}

		notification, err := notify.Decode(data)
		if err != nil {
			a.logger.Warn("dropping malformed frame", "session_id", sessionID, "error", err)
			continue
		}
		onNotification(notification)
	}
}

// probeLoop sends a small application-level probe so intermediaries
// keep the idle connection alive while a run sits at the gate.
func (a *Adapter) probeLoop(handle *Handle) {
	ticker := time.NewTicker(a.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-handle.closed:
			return
		case <-handle.done:
			return
		case <-ticker.C:
			if err := handle.writeProbe(); err != nil {
				return
			}
		}
	}
}
