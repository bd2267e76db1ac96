package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cisec/lockdown-agent/internal/controller"
	"github.com/cisec/lockdown-agent/internal/eventbus"
	"github.com/cisec/lockdown-agent/pkg/protocol"
	"github.com/cisec/lockdown-agent/pkg/types"
)

type fakeController struct {
	mu    sync.Mutex
	state types.LockState
	calls []string
}

func (f *fakeController) Lock() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "lock")
	if f.state != types.StateOpen {
		return controller.ErrTransitionInFlight
	}
	f.state = types.StateLocking
	return nil
}

func (f *fakeController) Unlock() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "unlock")
	return controller.ErrNotLocked
}

func (f *fakeController) StartMonitor() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "start_monitor")
	return nil
}

func (f *fakeController) StopMonitor() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "stop_monitor")
	return controller.ErrMonitorNotRunning
}

func (f *fakeController) Status() types.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return types.Status{State: f.state, GuardHeld: f.state == types.StateLocked}
}

func newTestServer(t *testing.T) (*httptest.Server, *fakeController, *eventbus.Bus) {
	t.Helper()
	ctrl := &fakeController{state: types.StateOpen}
	bus := eventbus.New(16, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		bus.Run(ctx)
		close(done)
	}()

	srv := httptest.NewServer(NewServer(ctrl, bus, "test", nil, zerolog.Nop()).Router())
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
	})
	return srv, ctrl, bus
}

func TestCommands(t *testing.T) {
	srv, ctrl, _ := newTestServer(t)

	tests := []struct {
		path     string
		status   int
		accepted bool
	}{
		{"/api/v1/lock", http.StatusAccepted, true},
		{"/api/v1/lock", http.StatusConflict, false},
		{"/api/v1/unlock", http.StatusConflict, false},
		{"/api/v1/monitor/start", http.StatusAccepted, true},
		{"/api/v1/monitor/stop", http.StatusConflict, false},
	}
	for _, tt := range tests {
		resp, err := http.Post(srv.URL+tt.path, "application/json", nil)
		require.NoError(t, err)

		var body protocol.Response
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		resp.Body.Close()

		assert.Equal(t, tt.status, resp.StatusCode, tt.path)
		assert.Equal(t, tt.accepted, body.Accepted, tt.path)
		if !tt.accepted {
			assert.NotEmpty(t, body.Error, tt.path)
		}
	}

	assert.Equal(t, []string{"lock", "lock", "unlock", "start_monitor", "stop_monitor"}, ctrl.calls)
}

func TestCommandRequiresPost(t *testing.T) {
	srv, ctrl, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/v1/lock")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Empty(t, ctrl.calls)
}

func TestStatusAndHealth(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/v1/status")
	require.NoError(t, err)
	var st types.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	resp.Body.Close()
	assert.Equal(t, types.StateOpen, st.State)

	resp, err = http.Get(srv.URL + "/api/v1/health")
	require.NoError(t, err)
	var health map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, "test", health["version"])
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events"
}

func TestEventStream(t *testing.T) {
	srv, _, bus := newTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer conn.Close()

	// The subscription is registered inside the handler; retry until the
	// event is delivered.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	received := make(chan protocol.Message, 1)
	go func() {
		var msg protocol.Message
		if err := conn.ReadJSON(&msg); err == nil {
			received <- msg
		}
	}()

	var msg protocol.Message
	require.Eventually(t, func() bool {
		bus.Publish(types.Violation(types.CategoryApplication, "application", "BANNED WINDOW: 'chatgpt' (PID: 42)"))
		select {
		case msg = <-received:
			return true
		default:
			return false
		}
	}, 2*time.Second, 20*time.Millisecond)

	assert.Equal(t, protocol.MessageTypeEvent, msg.Type)
	var ev types.Event
	require.NoError(t, msg.ParsePayload(&ev))
	assert.Equal(t, types.EventViolation, ev.Kind)
	assert.Equal(t, types.CategoryApplication, ev.Category)
}

func TestEventStream_CommandOverWebsocket(t *testing.T) {
	srv, ctrl, _ := newTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer conn.Close()

	msg, err := protocol.NewMessage(protocol.MessageTypeCommand, protocol.Command{Name: protocol.CommandLock})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(msg))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var reply protocol.Message
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, protocol.MessageTypeResponse, reply.Type)

	var resp protocol.Response
	require.NoError(t, reply.ParsePayload(&resp))
	assert.True(t, resp.Accepted)
	assert.Equal(t, types.StateLocking, resp.State)
	assert.Equal(t, types.StateLocking, ctrl.Status().State)
}

func TestCheckOrigin(t *testing.T) {
	s := NewServer(&fakeController{}, nil, "test", nil, zerolog.Nop())

	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://localhost:3000", true},
		{"http://127.0.0.1:8080", true},
		{"http://[::1]:8080", true},
		{"https://evil.example.com", false},
	}
	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/api/v1/events", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, s.checkOrigin(r))
		})
	}
}

func TestCommandRejectsForeignOrigin(t *testing.T) {
	srv, ctrl, _ := newTestServer(t)

	post := func(origin string) int {
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/unlock", nil)
		require.NoError(t, err)
		req.Header.Set("Origin", origin)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusForbidden, post("https://evil.example.com"))
	assert.Empty(t, ctrl.calls)

	assert.Equal(t, http.StatusConflict, post("http://localhost:3000"))
	assert.Equal(t, []string{"unlock"}, ctrl.calls)
}

func TestEventStream_ReaderStartedThroughSpawner(t *testing.T) {
	bus := eventbus.New(16, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bus.Run(ctx)

	var spawned atomic.Int32
	spawn := func(fn func()) {
		spawned.Add(1)
		go fn()
	}
	srv := httptest.NewServer(NewServer(&fakeController{state: types.StateOpen}, bus, "test", spawn, zerolog.Nop()).Router())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return spawned.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
}
