package settlement

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Processor walks open settlements through PENDING -> SETTLING -> SETTLED
// once their settlement date is reached.
type Processor struct {
	db           *Database
	processDelay time.Duration
	now          func() time.Time
}

func NewProcessor(db *Database, interval time.Duration) *Processor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Processor{
		db:           db,
		processDelay: interval,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Start runs the settlement cycle until ctx is cancelled.
func (p *Processor) Start(ctx context.Context) {
	logger := log.With().Str("component", "settlement_processor").Logger()
	logger.Info().Dur("interval", p.processDelay).Msg("starting settlement processor")

	ticker := time.NewTicker(p.processDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down settlement processor")
			return
		case <-ticker.C:
			if _, err := p.ProcessDue(ctx); err != nil {
				logger.Error().Err(err).Msg("failed to process due settlements")
			}
		}
	}
}

// ProcessDue advances every due settlement by one step and returns how many
// moved.
func (p *Processor) ProcessDue(ctx context.Context) (int, error) {
	logger := log.With().Str("component", "settlement_processor").Logger()

	due, err := p.db.GetDueSettlements(ctx, p.now())
	if err != nil {
		return 0, err
	}

	advanced := 0
	for _, s := range due {
		next := StatusSettling
		if s.Status == StatusSettling {
			next = StatusSettled
		}
		if err := p.db.UpdateSettlementStatus(ctx, s.SettlementID, s.Status, next); err != nil {
			logger.Error().Err(err).Str("settlement_id", s.SettlementID).Msg("failed to advance settlement")
			continue
		}
		advanced++
		logger.Debug().
			Str("settlement_id", s.SettlementID).
			Str("from", string(s.Status)).
			Str("to", string(next)).
			Msg("settlement advanced")
	}
	return advanced, nil
}
