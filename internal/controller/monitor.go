package controller

import (
	"context"
	"time"

	"github.com/cisec/lockdown-agent/pkg/types"
)

// runMonitor runs the one-shot environment scan, the process sub-worker and
// the fast environment loop until ctx is cancelled.
func (c *Controller) runMonitor(ctx context.Context) {
	c.publish(types.StateChange(types.EventMonitorStarted, source, "Security and Process Monitor Started"))
	defer c.publish(types.StateChange(types.EventMonitorStopped, source, "Security and Process Monitor Stopped"))

	env := c.deps.Environment
	if env != nil {
		if findings := env.Scan(ctx); findings != "" {
			c.publish(types.Violation(types.CategoryEnvironment, "environment", "%s", findings))
		}
	}

	procDone := make(chan struct{})
	if c.deps.Processes != nil {
		c.deps.DeadMan.Go(func() {
			defer close(procDone)
			c.deps.Processes.Run(ctx)
		})
	} else {
		close(procDone)
	}
	defer func() { <-procDone }()

	if env == nil {
		<-ctx.Done()
		return
	}

	interval := c.opts.EnvironmentInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		env.ClearClipboard()
		if env.RemoteSession() {
			c.publish(types.Violation(types.CategoryEnvironment, "environment", "REMOTE SESSION DETECTED"))
		}
	}
}
