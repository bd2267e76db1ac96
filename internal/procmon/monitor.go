package procmon

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cisec/lockdown-agent/internal/eventbus"
	"github.com/cisec/lockdown-agent/internal/platform"
	"github.com/cisec/lockdown-agent/pkg/types"
)

const source = "application"

// Monitor scans processes and window titles on a fixed interval.
type Monitor struct {
	classifier *Classifier
	processes  platform.ProcessLister
	windows    platform.WindowLister
	events     eventbus.Publisher
	interval   time.Duration
	logger     zerolog.Logger
}

// NewMonitor creates a process integrity monitor.
func NewMonitor(c *Classifier, procs platform.ProcessLister, wins platform.WindowLister,
	events eventbus.Publisher, interval time.Duration, logger zerolog.Logger) *Monitor {
	return &Monitor{
		classifier: c,
		processes:  procs,
		windows:    wins,
		events:     events,
		interval:   interval,
		logger:     logger.With().Str("component", "procmon").Logger(),
	}
}

// Run scans until ctx is cancelled. Cancellation is observed after every
// sleep, so shutdown takes at most one interval.
func (m *Monitor) Run(ctx context.Context) {
	m.events.Publish(types.Info(source, "Process monitor started"))
	defer m.events.Publish(types.Info(source, "Process monitor stopped"))

	for {
		if ctx.Err() != nil {
			return
		}
		m.ScanProcesses(ctx)
		m.ScanWindows(ctx)

		select {
		case <-ctx.Done():
			return
		case <-time.After(m.interval):
		}
	}
}

// ScanProcesses classifies every process once and returns the number of
// violations emitted.
func (m *Monitor) ScanProcesses(ctx context.Context) int {
	procs, err := m.processes.ListProcesses(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Process enumeration failed")
		return 0
	}

	violations := 0
	for _, p := range procs {
		if p.PID <= 4 {
			continue
		}

		pid := p.PID
		v := m.classifier.Classify(p.Name, func() string {
			return m.processes.ProcessPath(ctx, pid)
		})

		switch {
		case v.Masquerade:
			m.events.Publish(types.Violation(types.CategoryApplication, source,
				"MASQUERADE DETECTED: '%s' running from '%s' (Expected: %s)", p.Name, v.Path, v.Expected))
			violations++
		case v.Class == Suspicious:
			m.events.Publish(types.Violation(types.CategoryApplication, source,
				"SUSPICIOUS APP: '%s' in '%s'", p.Name, v.Path))
			violations++
		}
	}

	m.logger.Debug().Int("processes", len(procs)).Int("violations", violations).Msg("Process scan complete")
	return violations
}

// ScanWindows emits one violation per visible window whose title contains a
// banned keyword and returns the number emitted.
func (m *Monitor) ScanWindows(ctx context.Context) int {
	wins, err := m.windows.Windows(ctx)
	if err != nil {
		if !errors.Is(err, platform.ErrUnsupported) {
			m.logger.Warn().Err(err).Msg("Window enumeration failed")
		}
		return 0
	}

	violations := 0
	for _, w := range wins {
		if !w.Visible {
			continue
		}
		if _, ok := m.classifier.BannedKeyword(w.Title); !ok {
			continue
		}
		m.events.Publish(types.Violation(types.CategoryApplication, source,
			"BANNED WINDOW: '%s' (PID: %d)", strings.ToLower(w.Title), w.PID))
		violations++
	}
	return violations
}
