// Package watchdog keeps the firewall allow-list current while locked.
package watchdog

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/cisec/lockdown-agent/internal/resolver"
)

// Refresher is the firewall surface the watchdog drives.
type Refresher interface {
	Resolve(ctx context.Context) (resolver.IPSet, error)
	RefreshWhitelist(ctx context.Context, ips resolver.IPSet) (string, error)
}

// Observer is notified after every cycle.
type Observer func(outcome Outcome)

// Outcome is the result of one refresh cycle.
type Outcome string

const (
	OutcomeUpdated Outcome = "updated"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// Watchdog periodically re-resolves the allow-list and updates the live rule.
type Watchdog struct {
	refresher Refresher
	interval  time.Duration
	observe   Observer
	logger    zerolog.Logger
}

// New creates a watchdog. observe may be nil.
func New(r Refresher, interval time.Duration, observe Observer, logger zerolog.Logger) *Watchdog {
	if observe == nil {
		observe = func(Outcome) {}
	}
	return &Watchdog{
		refresher: r,
		interval:  interval,
		observe:   observe,
		logger:    logger.With().Str("component", "watchdog").Logger(),
	}
}

// Run sleeps, then refreshes, until ctx is cancelled. Cancellation is
// checked right after waking and again before doing any work.
func (w *Watchdog) Run(ctx context.Context) {
	w.logger.Info().Dur("interval", w.interval).Msg("DNS watchdog started")
	defer w.logger.Info().Msg("DNS watchdog stopped")

	timer := time.NewTimer(w.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if ctx.Err() != nil {
			return
		}

		w.observe(w.Refresh(ctx))
		timer.Reset(w.interval)
	}
}

// Refresh performs a single cycle. A cycle in which nothing resolves is
// skipped so the live rule keeps its addresses.
func (w *Watchdog) Refresh(ctx context.Context) Outcome {
	ips, err := w.refresher.Resolve(ctx)
	if err != nil {
		w.logger.Warn().Err(err).Msg("DNS refresh skipped")
		return OutcomeSkipped
	}
	if ctx.Err() != nil {
		return OutcomeSkipped
	}

	msg, err := w.refresher.RefreshWhitelist(ctx, ips)
	if err != nil {
		w.logger.Error().Err(err).Msg("DNS watchdog error")
		return OutcomeFailed
	}
	w.logger.Debug().Str("result", msg).Int("addresses", len(ips)).Msg("DNS watchdog: rules refreshed")
	return OutcomeUpdated
}
