package channel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/draftwatch/dw/internal/notify"
)

var upgrader = websocket.Upgrader{}

type statusRecorder struct {
	mu       sync.Mutex
	statuses []Status
}

func (r *statusRecorder) record(status Status, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
}

func (r *statusRecorder) snapshot() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, len(r.statuses))
	copy(out, r.statuses)
	return out
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestNewRejectsBadBaseURL(t *testing.T) {
	cases := []string{"", "not a url", "http://example.com", "/ws"}
	for _, base := range cases {
		if _, err := New(base); err == nil {
			t.Fatalf("New(%q): expected error", base)
		}
	}
}

func TestConnectDeliversNotificationsAndDropsMalformed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/ws/sess-1") {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		frames := []string{
			"garbage",
			`{"type":"node_update","node":"drafting","summary":"draft ready","run_id":"run-1"}`,
			`{"type":"halt_required","run_id":"run-1"}`,
		}
		for _, frame := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				return
			}
		}
		_ = conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
	}))
	defer server.Close()

	adapter, err := New(wsURL(server))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	received := make(chan notify.Notification, 8)
	statuses := &statusRecorder{}
	handle, err := adapter.Connect(context.Background(), "sess-1", func(n notify.Notification) {
		received <- n
	}, statuses.record)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	first := waitNotification(t, received)
	if first.Kind != notify.KindNodeUpdate || first.Stage != "drafting" {
		t.Fatalf("first notification = %+v", first)
	}
	second := waitNotification(t, received)
	if second.Kind != notify.KindHaltRequired {
		t.Fatalf("second notification = %+v", second)
	}

	select {
	case <-handle.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not finish")
	}

	got := statuses.snapshot()
	if len(got) < 3 || got[0] != StatusConnecting || got[1] != StatusOpen || got[len(got)-1] != StatusClosed {
		t.Fatalf("statuses = %v", got)
	}
}

func TestConnectReportsDialError(t *testing.T) {
	adapter, err := New("ws://127.0.0.1:1")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	statuses := &statusRecorder{}
	_, err = adapter.Connect(context.Background(), "sess-1", func(notify.Notification) {}, statuses.record)
	if err == nil {
		t.Fatal("Connect: expected dial error")
	}

	got := statuses.snapshot()
	if len(got) != 2 || got[0] != StatusConnecting || got[1] != StatusError {
		t.Fatalf("statuses = %v", got)
	}
}

func TestCloseStopsReadLoop(t *testing.T) {
	connected := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		close(connected)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	adapter, err := New(wsURL(server))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	statuses := &statusRecorder{}
	handle, err := adapter.Connect(context.Background(), "sess-1", func(notify.Notification) {}, statuses.record)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	<-connected

	handle.Close()
	select {
	case <-handle.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not finish after Close")
	}

	got := statuses.snapshot()
	if got[len(got)-1] != StatusClosed {
		t.Fatalf("statuses = %v", got)
	}
}

func TestProbeLoopSendsPing(t *testing.T) {
	probes := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		probes <- string(data)
	}))
	defer server.Close()

	adapter, err := New(wsURL(server), WithProbeInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	handle, err := adapter.Connect(context.Background(), "sess-1", func(notify.Notification) {}, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	select {
	case probe := <-probes:
		if probe != "ping" {
			t.Fatalf("probe = %q, want %q", probe, "ping")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no probe received")
	}
}

func TestPingWritesProbeOnDemand(t *testing.T) {
	probes := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		probes <- string(data)
	}))
	defer server.Close()

	adapter, err := New(wsURL(server), WithProbeInterval(time.Hour))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	handle, err := adapter.Connect(context.Background(), "sess-1", func(notify.Notification) {}, nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := handle.Ping(); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	select {
	case probe := <-probes:
		if probe != "ping" {
			t.Fatalf("probe = %q, want %q", probe, "ping")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no probe received")
	}

	handle.Close()
	if err := handle.Ping(); err == nil {
		t.Fatal("Ping after Close: expected error")
	}
}

func waitNotification(t *testing.T, ch <-chan notify.Notification) notify.Notification {
	t.Helper()
	select {
	case n := <-ch:
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
		return notify.Notification{}
	}
}
