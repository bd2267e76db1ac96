package reporter

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cisec/lockdown-agent/pkg/types"
)

// finalFlushTimeout bounds the flush performed on shutdown.
const finalFlushTimeout = 5 * time.Second

// Batcher collects records and flushes them in batches.
type Batcher struct {
	recordCh      <-chan types.LogRecord
	flushCallback func(ctx context.Context, records []types.LogRecord) error
	logger        zerolog.Logger

	batchSize     int
	flushInterval time.Duration

	mu     sync.Mutex
	buffer []types.LogRecord
}

// NewBatcher creates a record batcher.
func NewBatcher(
	recordCh <-chan types.LogRecord,
	flushCallback func(ctx context.Context, records []types.LogRecord) error,
	logger zerolog.Logger,
	batchSize int,
	flushInterval time.Duration,
) *Batcher {
	return &Batcher{
		recordCh:      recordCh,
		flushCallback: flushCallback,
		logger:        logger.With().Str("component", "batcher").Logger(),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		buffer:        make([]types.LogRecord, 0, batchSize),
	}
}

// Run batches records until the channel is closed or ctx is cancelled. Any
// buffered records are flushed once more before it returns.
func (b *Batcher) Run(ctx context.Context) error {
	b.logger.Info().
		Int("batch_size", b.batchSize).
		Dur("flush_interval", b.flushInterval).
		Msg("Starting batcher")
	defer b.logger.Info().Msg("Batcher stopped")

	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
			b.flush(fctx)
			cancel()
			return ctx.Err()

		case rec, ok := <-b.recordCh:
			if !ok {
				b.flush(ctx)
				return nil
			}
			if b.add(rec) {
				b.flush(ctx)
				ticker.Reset(b.flushInterval)
			}

		case <-ticker.C:
			b.flush(ctx)
		}
	}
}

// add buffers rec and reports whether the batch is full.
func (b *Batcher) add(rec types.LogRecord) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buffer = append(b.buffer, rec)
	return len(b.buffer) >= b.batchSize
}

// flush hands the buffered records to the callback. A failed batch is
// dropped.
func (b *Batcher) flush(ctx context.Context) {
	b.mu.Lock()
	if len(b.buffer) == 0 {
		b.mu.Unlock()
		return
	}
	records := b.buffer
	b.buffer = make([]types.LogRecord, 0, b.batchSize)
	b.mu.Unlock()

	b.logger.Debug().Int("count", len(records)).Msg("Flushing batch")

	if err := b.flushCallback(ctx, records); err != nil {
		b.logger.Error().Err(err).Int("count", len(records)).Msg("Flush failed, batch dropped")
	}
}

// Stats returns current batcher statistics.
func (b *Batcher) Stats() BatcherStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return BatcherStats{
		BufferedRecords: len(b.buffer),
		BatchSize:       b.batchSize,
		FlushInterval:   b.flushInterval,
	}
}

// BatcherStats contains batcher statistics.
type BatcherStats struct {
	BufferedRecords int           `json:"buffered_records"`
	BatchSize       int           `json:"batch_size"`
	FlushInterval   time.Duration `json:"flush_interval"`
}
