// Package controller implements the lockdown state machine.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cisec/lockdown-agent/internal/envscan"
	"github.com/cisec/lockdown-agent/internal/eventbus"
	"github.com/cisec/lockdown-agent/internal/firewall"
	"github.com/cisec/lockdown-agent/internal/procmon"
	"github.com/cisec/lockdown-agent/internal/safety"
	"github.com/cisec/lockdown-agent/internal/watchdog"
	"github.com/cisec/lockdown-agent/internal/wfp"
	"github.com/cisec/lockdown-agent/pkg/types"
)

const source = "controller"

var (
	// ErrTransitionInFlight rejects a command while lock or unlock is running.
	ErrTransitionInFlight = errors.New("a lock transition is already in progress")
	// ErrAlreadyLocked rejects lock while locked.
	ErrAlreadyLocked = errors.New("network is already locked")
	// ErrNotLocked rejects unlock while open.
	ErrNotLocked = errors.New("network is not locked")
	// ErrMonitorRunning rejects a second monitor start.
	ErrMonitorRunning = errors.New("monitor is already running")
	// ErrMonitorNotRunning rejects stopping an idle monitor.
	ErrMonitorNotRunning = errors.New("monitor is not running")
	// ErrShutdown rejects commands after Shutdown.
	ErrShutdown = errors.New("controller is shutting down")
)

// Deps are the components the controller drives.
type Deps struct {
	Engine      *wfp.Engine
	Firewall    *firewall.Manager
	Processes   *procmon.Monitor
	Environment *envscan.Scanner
	Events      eventbus.Publisher
	DeadMan     *safety.DeadMan
	// OnRefresh is called after every watchdog cycle. Optional.
	OnRefresh watchdog.Observer
}

// Options are the controller timings and the application allow-list.
type Options struct {
	AllowedApps         []string
	RefreshInterval     time.Duration
	EnvironmentInterval time.Duration
}

// worker is a cancellable goroutine.
type worker struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (w *worker) stop() {
	w.cancel()
	<-w.done
}

// Controller owns the guard handle and the worker goroutines.
type Controller struct {
	deps   Deps
	opts   Options
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	state    types.LockState
	since    time.Time
	guard    *wfp.Guard
	lastErr  string
	watchdog *worker
	monitor  *worker
	retiring *worker
	closing  bool
}

// New creates a controller in the Open state.
func New(deps Deps, opts Options, logger zerolog.Logger) *Controller {
	if deps.DeadMan == nil {
		deps.DeadMan = safety.NewDeadMan(logger)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		deps:   deps,
		opts:   opts,
		logger: logger.With().Str("component", "controller").Logger(),
		ctx:    ctx,
		cancel: cancel,
		state:  types.StateOpen,
		since:  time.Now(),
	}
}

// Status returns a snapshot of the controller.
func (c *Controller) Status() types.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return types.Status{
		State:          c.state,
		MonitorRunning: c.monitor != nil,
		GuardHeld:      c.guard != nil,
		WatchdogActive: c.watchdog != nil,
		LastError:      c.lastErr,
		Since:          c.since,
	}
}

// RestoreOnStartup clears any lockdown left behind by a previous run that
// was killed before it could reset the firewall. It must be called before
// the first command is accepted.
func (c *Controller) RestoreOnStartup() error {
	defaults, err := c.deps.Firewall.DefaultOutbound()
	if err != nil {
		c.logger.Warn().Err(err).Msg("Reading firewall defaults failed")
	}
	for p, a := range defaults {
		if a == firewall.ActionBlock {
			c.logger.Warn().Str("profile", p.String()).Msg("Firewall still blocking from a previous run, restoring network")
			break
		}
	}

	if _, err := c.deps.Firewall.Reset(); err != nil {
		return fmt.Errorf("restoring network on startup: %w", err)
	}
	return nil
}

// Lock starts the lockdown transition. Completion is signalled on the
// event bus with LockSuccess or Error.
func (c *Controller) Lock() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.acceptLocked(); err != nil {
		return err
	}
	if c.state == types.StateLocked {
		return ErrAlreadyLocked
	}

	c.setStateLocked(types.StateLocking)
	c.wg.Add(1)
	c.deps.DeadMan.Go(func() {
		defer c.wg.Done()
		c.lock()
	})
	return nil
}

// Unlock starts the unlock transition. The controller always ends in Open.
func (c *Controller) Unlock() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.acceptLocked(); err != nil {
		return err
	}
	if c.state != types.StateLocked {
		return ErrNotLocked
	}

	c.setStateLocked(types.StateUnlocking)
	guard := c.guard
	c.guard = nil
	wd := c.watchdog
	c.watchdog = nil
	mon := c.monitor
	c.monitor = nil

	c.wg.Add(1)
	c.deps.DeadMan.Go(func() {
		defer c.wg.Done()
		c.unlock(guard, wd, mon)
	})
	return nil
}

// StartMonitor starts the combined process and environment monitor.
func (c *Controller) StartMonitor() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closing {
		return ErrShutdown
	}
	if c.monitor != nil {
		return ErrMonitorRunning
	}
	c.startMonitorLocked()
	return nil
}

// StopMonitor cancels the monitor. MonitorStopped is published once it has
// exited; a monitor started before then waits for it.
func (c *Controller) StopMonitor() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	mon := c.monitor
	if mon == nil {
		return ErrMonitorNotRunning
	}
	c.monitor = nil
	c.retiring = mon
	mon.cancel()
	return nil
}

// EmergencyReset restores the firewall and releases the engine session
// synchronously. It is idempotent and safe when never locked.
func (c *Controller) EmergencyReset() error {
	var errs []error
	if _, err := c.deps.Firewall.Reset(); err != nil {
		errs = append(errs, err)
	}

	c.mu.Lock()
	guard := c.guard
	c.guard = nil
	if !c.state.InTransition() {
		c.setStateLocked(types.StateOpen)
	}
	c.mu.Unlock()

	if guard != nil {
		if err := guard.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Shutdown stops every worker, waits for in-flight transitions and restores
// the network.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.logger.Info().Msg("Shutting down controller")

	c.mu.Lock()
	c.closing = true
	wd, mon, ret := c.watchdog, c.monitor, c.retiring
	c.watchdog, c.monitor, c.retiring = nil, nil, nil
	c.mu.Unlock()

	c.cancel()

	done := make(chan struct{})
	go func() {
		for _, w := range []*worker{wd, mon, ret} {
			if w != nil {
				w.stop()
			}
		}
		c.wg.Wait()
		close(done)
	}()

	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = fmt.Errorf("waiting for workers: %w", ctx.Err())
	}

	c.mu.Lock()
	wasLocked := c.guard != nil
	c.mu.Unlock()

	if err := c.EmergencyReset(); err != nil {
		return errors.Join(waitErr, err)
	}
	if wasLocked {
		c.logger.Info().Msg("Network restored on shutdown")
	}
	return waitErr
}

func (c *Controller) lock() {
	guard, err := c.deps.Engine.Open()
	if err != nil {
		c.failLock(nil, err)
		return
	}

	result, err := guard.ApplyLockdown(c.opts.AllowedApps)
	if err != nil {
		c.failLock(guard, err)
		return
	}
	for _, s := range result.Skipped {
		c.publish(types.Info(source, "Skipped allowed app %s: %s", s.Path, s.Reason))
	}

	msg, err := c.deps.Firewall.ApplyRules(c.ctx)
	if err != nil {
		c.failLock(guard, err)
		return
	}
	c.publish(types.Info(source, "%s", msg))

	entered := false
	c.locked(func() {
		if c.closing {
			return
		}
		c.guard = guard
		c.lastErr = ""
		c.setStateLocked(types.StateLocked)
		c.startWatchdogLocked()
		if c.monitor == nil {
			c.startMonitorLocked()
		}
		entered = true
	})
	if !entered {
		c.failLock(guard, ErrShutdown)
		return
	}

	c.logger.Info().Int("filters", guard.FilterCount()).Msg("Network locked")
	c.publish(types.StateChange(types.EventLockSuccess, source, "NETWORK SECURED"))
}

// failLock undoes a partial lockdown and returns to Open.
func (c *Controller) failLock(guard *wfp.Guard, cause error) {
	if guard != nil {
		if err := guard.Close(); err != nil {
			c.logger.Warn().Err(err).Msg("Closing engine session failed")
		}
	}
	if _, err := c.deps.Firewall.Reset(); err != nil {
		c.logger.Warn().Err(err).Msg("Best-effort firewall reset failed")
	}

	c.mu.Lock()
	c.lastErr = cause.Error()
	c.setStateLocked(types.StateOpen)
	c.mu.Unlock()

	c.logger.Error().Err(cause).Msg("Lockdown failed")
	c.publish(types.Error(source, "Lockdown failed: %v", cause))
}

func (c *Controller) unlock(guard *wfp.Guard, wd, mon *worker) {
	if wd != nil {
		wd.stop()
	}
	if mon != nil {
		mon.stop()
	}

	var errs []error
	msg, err := c.deps.Firewall.Reset()
	if err != nil {
		errs = append(errs, err)
	}
	if guard != nil {
		if err := guard.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	err = errors.Join(errs...)

	c.mu.Lock()
	if err != nil {
		c.lastErr = err.Error()
	} else {
		c.lastErr = ""
	}
	c.setStateLocked(types.StateOpen)
	c.mu.Unlock()

	if err != nil {
		c.logger.Error().Err(err).Msg("Unlock failed")
		c.publish(types.Error(source, "Unlock failed: %v", err))
		return
	}
	c.logger.Info().Msg("Network unlocked")
	c.publish(types.Info(source, "%s", msg))
	c.publish(types.StateChange(types.EventUnlockSuccess, source, "NETWORK UNLOCKED"))
}

func (c *Controller) startWatchdogLocked() {
	observe := c.deps.OnRefresh
	wd := watchdog.New(c.deps.Firewall, c.opts.RefreshInterval, func(o watchdog.Outcome) {
		if o == watchdog.OutcomeFailed {
			c.publish(types.Error("network", "DNS watchdog failed to update firewall rules"))
		}
		if observe != nil {
			observe(o)
		}
	}, c.logger)
	c.watchdog = c.spawnLocked(wd.Run)
}

func (c *Controller) startMonitorLocked() {
	prev := c.retiring
	c.retiring = nil
	c.monitor = c.spawnLocked(func(ctx context.Context) {
		// prev is already cancelled, so this wait is bounded.
		if prev != nil {
			<-prev.done
		}
		if ctx.Err() != nil {
			return
		}
		c.runMonitor(ctx)
	})
}

func (c *Controller) spawnLocked(run func(ctx context.Context)) *worker {
	ctx, cancel := context.WithCancel(c.ctx)
	w := &worker{cancel: cancel, done: make(chan struct{})}
	c.deps.DeadMan.Go(func() {
		defer close(w.done)
		run(ctx)
	})
	return w
}

// locked runs fn with c.mu held. The mutex is released if fn panics.
func (c *Controller) locked(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn()
}

func (c *Controller) setStateLocked(s types.LockState) {
	if c.state == s {
		return
	}
	c.logger.Debug().Str("from", string(c.state)).Str("to", string(s)).Msg("State change")
	c.state = s
	c.since = time.Now()
}

func (c *Controller) acceptLocked() error {
	if c.closing {
		return ErrShutdown
	}
	if c.state.InTransition() {
		return ErrTransitionInFlight
	}
	return nil
}

func (c *Controller) publish(ev types.Event) {
	if c.deps.Events != nil {
		c.deps.Events.Publish(ev)
	}
}
