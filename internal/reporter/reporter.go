// Package reporter forwards agent events to the backend collector.
package reporter

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/cisec/lockdown-agent/internal/config"
	"github.com/cisec/lockdown-agent/internal/safety"
	"github.com/cisec/lockdown-agent/pkg/types"
)

// FlushObserver is told about every batch sent.
type FlushObserver func(ok bool, records int)

// Reporter converts events to log records and ships them in batches.
type Reporter struct {
	identity config.AgentSettings
	output   *HTTPOutput
	batcher  *Batcher
	recordCh chan types.LogRecord
	observe  FlushObserver
	spawn    safety.Spawner
	logger   zerolog.Logger
}

// New creates a reporter. observe and spawn may be nil.
func New(cfg config.ReporterSettings, identity config.AgentSettings, observe FlushObserver,
	spawn safety.Spawner, logger zerolog.Logger) (*Reporter, error) {
	out, err := NewHTTPOutput(cfg.URL, cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("creating output: %w", err)
	}
	if observe == nil {
		observe = func(bool, int) {}
	}
	if spawn == nil {
		spawn = safety.Unguarded
	}

	r := &Reporter{
		identity: identity,
		output:   out,
		recordCh: make(chan types.LogRecord, cfg.BatchSize*2),
		observe:  observe,
		spawn:    spawn,
		logger:   logger.With().Str("component", "reporter").Logger(),
	}
	r.batcher = NewBatcher(r.recordCh, r.send, logger, cfg.BatchSize, cfg.FlushInterval)
	return r, nil
}

// Record converts an event to the backend record shape.
func (r *Reporter) Record(ev types.Event) types.LogRecord {
	return types.LogRecord{
		StudentID: r.identity.StudentID,
		SessionID: r.identity.SessionID,
		Level:     ev.ReportLevel(),
		Message:   ev.Message,
		Timestamp: ev.Timestamp.Unix(),
	}
}

// Run forwards events until the channel is closed or ctx is cancelled, then
// flushes what is left.
func (r *Reporter) Run(ctx context.Context, events <-chan types.Event) error {
	r.spawn(func() {
		defer close(r.recordCh)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				select {
				case r.recordCh <- r.Record(ev):
				case <-ctx.Done():
					return
				}
			}
		}
	})

	err := r.batcher.Run(ctx)
	r.output.Close()

	stats := r.output.Stats()
	r.logger.Info().
		Int64("sent_batches", stats.SentBatches).
		Int64("failed_batches", stats.FailedBatches).
		Msg("Reporter stopped")
	return err
}

// Stats returns delivery statistics.
func (r *Reporter) Stats() HTTPOutputStats {
	return r.output.Stats()
}

func (r *Reporter) send(ctx context.Context, records []types.LogRecord) error {
	err := r.output.Send(ctx, records)
	r.observe(err == nil, len(records))
	return err
}
