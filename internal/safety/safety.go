// Package safety guarantees the host is never left network-locked.
// It restores the firewall on panics, on termination signals and on any
// explicit trigger, and wraps worker goroutines so their panics do the same.
package safety

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
)

// ResetFunc restores network access. It must be idempotent.
type ResetFunc func() error

// DeadMan runs its reset function whenever the process is about to die.
type DeadMan struct {
	mu     sync.Mutex
	reset  ResetFunc
	fired  int
	logger zerolog.Logger
}

// NewDeadMan creates a dead-man's switch. Arm must be called before it can
// restore anything.
func NewDeadMan(logger zerolog.Logger) *DeadMan {
	return &DeadMan{
		logger: logger.With().Str("component", "safety").Logger(),
	}
}

// Arm installs the reset function.
func (d *DeadMan) Arm(reset ResetFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reset = reset
}

// Fire runs the reset function synchronously. It is serialized so that a
// panic hook and a signal arriving together reset once after the other.
func (d *DeadMan) Fire(reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.fired++
	if d.reset == nil {
		d.logger.Warn().Str("reason", reason).Msg("Dead-man switch fired before being armed")
		return nil
	}

	d.logger.Warn().Str("reason", reason).Msg("Dead-man switch fired, restoring network")
	if err := d.reset(); err != nil {
		d.logger.Error().Err(err).Msg("Emergency reset failed")
		return fmt.Errorf("emergency reset: %w", err)
	}
	return nil
}

// Fired returns how many times the switch fired.
func (d *DeadMan) Fired() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fired
}

// Recover must be deferred. On panic it resets the network and re-panics so
// the default crash behavior continues.
func (d *DeadMan) Recover() {
	if r := recover(); r != nil {
		d.logger.Error().Interface("panic", r).Msg("PANIC DETECTED, emergency firewall reset initiated")
		_ = d.Fire("panic")
		panic(r)
	}
}

// Go runs fn in a goroutine guarded by Recover.
func (d *DeadMan) Go(fn func()) {
	go func() {
		defer d.Recover()
		fn()
	}()
}

// Spawner starts fn on its own goroutine. DeadMan.Go is the guarded
// implementation.
type Spawner func(fn func())

// Unguarded starts fn with a plain go statement.
func Unguarded(fn func()) { go fn() }

// NotifyShutdown returns a context cancelled on SIGINT or SIGTERM.
func NotifyShutdown(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
