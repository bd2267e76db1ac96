package main

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cisec/lockdown-agent/internal/config"
	"github.com/cisec/lockdown-agent/pkg/types"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug": zerolog.DebugLevel,
		"info":  zerolog.InfoLevel,
		"warn":  zerolog.WarnLevel,
		"error": zerolog.ErrorLevel,
		"bogus": zerolog.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseLevel(in), in)
	}
}

func TestSetupLogger_FileOutput(t *testing.T) {
	path := t.TempDir() + "/agent.log"
	logger, closer, err := setupLogger(config.LoggingSettings{Level: "debug", Output: "file", File: path})
	require.NoError(t, err)
	require.NotNil(t, closer)
	defer closer.Close()

	logger.Info().Msg("hello")
	assert.Equal(t, zerolog.DebugLevel, logger.GetLevel())
}

func TestAgentRuntime_DryRunLockCycle(t *testing.T) {
	cfg := config.DefaultAgentConfig()
	cfg.Reporter.Enabled = false
	cfg.Control.Enabled = false
	cfg.Network.WhitelistDomains = nil
	cfg.Monitor.ProcessInterval = time.Hour

	rt, err := newAgentRuntime(cfg, true, zerolog.Nop())
	require.NoError(t, err)

	events := rt.bus.Subscribe(64)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	busCtx, stopBus := context.WithCancel(context.Background())
	wait := rt.start(ctx, busCtx)

	require.NoError(t, rt.ctrl.Lock())
	waitKind(t, events, types.EventLockSuccess)
	assert.Equal(t, types.StateLocked, rt.ctrl.Status().State)

	require.NoError(t, rt.ctrl.Unlock())
	waitKind(t, events, types.EventUnlockSuccess)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	require.NoError(t, rt.ctrl.Shutdown(shutdownCtx))

	stopBus()
	wait()
}

func waitKind(t *testing.T, events <-chan types.Event, kind types.EventKind) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "bus closed before %s", kind)
			if ev.Kind == kind {
				return
			}
		case <-timeout:
			t.Fatalf("no %s event", kind)
		}
	}
}
