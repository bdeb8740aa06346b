package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/panics"

	"github.com/ksred/brokerx/internal/metrics"
)

// Handler processes one claimed event. A returned error fails the event.
type Handler func(ctx context.Context, evt *Event) error

type DispatcherConfig struct {
	PollInterval   time.Duration
	BatchSize      int
	MaxAttempts    int
	RetryInitial   time.Duration
	RetryMax       time.Duration
	HandlerTimeout time.Duration
	StaleAfter     time.Duration
}

func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		PollInterval:   500 * time.Millisecond,
		BatchSize:      100,
		MaxAttempts:    5,
		RetryInitial:   time.Second,
		RetryMax:       5 * time.Minute,
		HandlerTimeout: 10 * time.Second,
		StaleAfter:     5 * time.Minute,
	}
}

// Dispatcher polls due events and routes them to registered handlers.
type Dispatcher struct {
	store   *Store
	cfg     DispatcherConfig
	metrics *metrics.Metrics
	now     func() time.Time

	mu       sync.RWMutex
	handlers map[EventType]Handler
}

func NewDispatcher(store *Store, cfg DispatcherConfig, m *metrics.Metrics) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultDispatcherConfig().BatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultDispatcherConfig().MaxAttempts
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultDispatcherConfig().PollInterval
	}
	return &Dispatcher{
		store:    store,
		cfg:      cfg,
		metrics:  m,
		now:      func() time.Time { return time.Now().UTC() },
		handlers: make(map[EventType]Handler),
	}
}

// Register sets the handler for an event type, replacing any previous one.
func (d *Dispatcher) Register(t EventType, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[t] = h
}

func (d *Dispatcher) handler(t EventType) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[t]
	return h, ok
}

// Start runs the polling loop until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	logger := log.With().Str("component", "outbox_dispatcher").Logger()
	logger.Info().Dur("interval", d.cfg.PollInterval).Int("batch_size", d.cfg.BatchSize).Msg("starting outbox dispatcher")

	if d.cfg.StaleAfter > 0 {
		recovered, err := d.store.RecoverStale(ctx, d.now().Add(-d.cfg.StaleAfter))
		if err != nil {
			logger.Error().Err(err).Msg("failed to recover stale events")
		} else if recovered > 0 {
			logger.Warn().Int64("count", recovered).Msg("recovered events abandoned in processing")
		}
	}

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down outbox dispatcher")
			return
		case <-ticker.C:
			var err error
			if r := panics.Try(func() { _, err = d.Tick(ctx) }); r != nil {
				logger.Error().Err(r.AsError()).Msg("outbox tick panicked")
				continue
			}
			if err != nil {
				logger.Error().Err(err).Msg("failed to dispatch outbox events")
			}
		}
	}
}

// TickResult summarises one polling pass.
type TickResult struct {
	Claimed   int
	Processed int
	Failed    int
	Dead      int
}

// Tick claims one batch and dispatches it in order. One event failing never
// stops the rest of the batch.
func (d *Dispatcher) Tick(ctx context.Context) (TickResult, error) {
	var res TickResult

	events, err := d.store.ClaimBatch(ctx, d.cfg.BatchSize, d.now())
	res.Claimed = len(events)
	if err != nil {
		return res, err
	}

	for i := range events {
		evt := &events[i]
		logger := log.With().
			Str("component", "outbox_dispatcher").
			Uint64("event_id", evt.ID).
			Str("event_type", string(evt.EventType)).
			Logger()

		herr := d.dispatch(ctx, evt)
		if herr == nil {
			if err := d.store.MarkProcessed(ctx, evt.ID, d.now()); err != nil {
				logger.Error().Err(err).Msg("failed to mark event processed")
				continue
			}
			res.Processed++
			d.metrics.OutboxProcessed(string(evt.EventType))
			continue
		}

		attempts := evt.Attempts + 1
		dead := attempts >= d.cfg.MaxAttempts
		next := d.now().Add(d.retryDelay(attempts))
		if err := d.store.MarkFailed(ctx, evt.ID, herr, next, dead); err != nil {
			logger.Error().Err(err).Msg("failed to record event failure")
			continue
		}

		if dead {
			res.Dead++
			d.metrics.OutboxDead(string(evt.EventType))
			logger.Error().Err(herr).Int("attempts", attempts).Msg("event moved to dead letter")
		} else {
			res.Failed++
			d.metrics.OutboxFailed(string(evt.EventType))
			logger.Warn().Err(herr).Int("attempts", attempts).Time("next_attempt_at", next).Msg("event handler failed")
		}
	}

	return res, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, evt *Event) error {
	h, ok := d.handler(evt.EventType)
	if !ok {
		return fmt.Errorf("no handler registered for %s", evt.EventType)
	}

	if d.cfg.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.HandlerTimeout)
		defer cancel()
	}

	var err error
	if r := panics.Try(func() { err = h(ctx, evt) }); r != nil {
		return r.AsError()
	}
	return err
}

// retryDelay is the deterministic exponential delay before the given attempt
// is retried.
func (d *Dispatcher) retryDelay(attempt int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     d.cfg.RetryInitial,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         d.cfg.RetryMax,
	}
	if b.InitialInterval <= 0 {
		b.InitialInterval = backoff.DefaultInitialInterval
	}
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	b.Reset()

	delay := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}
