package api

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cisec/lockdown-agent/pkg/protocol"
	"github.com/cisec/lockdown-agent/pkg/types"
)

func TestClient_Send(t *testing.T) {
	srv, _, _ := newTestServer(t)
	c := NewClient(srv.URL, time.Second)
	ctx := context.Background()

	resp, err := c.Send(ctx, protocol.CommandLock)
	require.NoError(t, err)
	assert.True(t, resp.Accepted)

	resp, err = c.Send(ctx, protocol.CommandLock)
	require.NoError(t, err, "rejection is a response, not an error")
	assert.False(t, resp.Accepted)
	assert.Contains(t, resp.Error, "in progress")

	_, err = c.Send(ctx, protocol.CommandName("reboot"))
	assert.ErrorIs(t, err, ErrUnknownCommand)
}

func TestClient_Status(t *testing.T) {
	srv, _, _ := newTestServer(t)

	st, err := NewClient(srv.URL, time.Second).Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.StateOpen, st.State)
}

func TestClient_Unreachable(t *testing.T) {
	_, err := NewClient("127.0.0.1:1", 200*time.Millisecond).Status(context.Background())
	assert.Error(t, err)
}

func TestNewClient_AddsScheme(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:7337", NewClient("127.0.0.1:7337", time.Second).baseURL)
	assert.Equal(t, "https://agent.local", NewClient("https://agent.local/", time.Second).baseURL)
}

func TestClient_Events(t *testing.T) {
	srv, _, bus := newTestServer(t)
	c := NewClient(srv.URL, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []types.Event
	done := make(chan error, 1)
	go func() {
		done <- c.Events(ctx, func(ev types.Event) {
			mu.Lock()
			got = append(got, ev)
			mu.Unlock()
		})
	}()

	require.Eventually(t, func() bool {
		bus.Publish(types.Info("controller", "ping"))
		mu.Lock()
		defer mu.Unlock()
		return len(got) > 0
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Events did not return after cancel")
	}
}
