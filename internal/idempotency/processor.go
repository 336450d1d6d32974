package idempotency

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Processor periodically reclaims long-expired idempotency records. Readers
// already treat expired records as absent, so the sweep only controls table
// growth; retention keeps recently expired rows around for inspection.
type Processor struct {
	ledger    *Ledger
	interval  time.Duration
	retention time.Duration
}

func NewProcessor(ledger *Ledger, interval, retention time.Duration) *Processor {
	if interval <= 0 {
		interval = time.Hour
	}
	if retention < 0 {
		retention = 0
	}
	return &Processor{
		ledger:    ledger,
		interval:  interval,
		retention: retention,
	}
}

// Start begins the cleanup loop
func (p *Processor) Start(ctx context.Context) {
	logger := log.With().Str("component", "idempotency_cleanup").Logger()
	logger.Info().
		Dur("interval", p.interval).
		Dur("retention", p.retention).
		Msg("starting idempotency cleanup processor")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down idempotency cleanup processor")
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-p.retention)
			deleted, err := p.ledger.DeleteExpiredBefore(ctx, cutoff)
			if err != nil {
				logger.Error().Err(err).Msg("failed to delete expired idempotency records")
				continue
			}
			if deleted > 0 {
				logger.Info().Int64("deleted", deleted).Msg("reclaimed expired idempotency records")
			}
		}
	}
}
