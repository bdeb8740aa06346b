package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"

	"github.com/ksred/brokerx/internal/metrics"
)

// MemoryBus delivers messages to in-process subscribers. Publish returns
// once every subscriber has handled the message, so a failing subscriber
// surfaces as a publish error the caller can retry.
type MemoryBus struct {
	mu             sync.RWMutex
	subscribers    map[string][]Handler
	maxConcurrency int
	handlerTimeout time.Duration
	metrics        *metrics.Metrics
}

func NewMemoryBus(maxConcurrency int, handlerTimeout time.Duration, m *metrics.Metrics) *MemoryBus {
	if maxConcurrency <= 0 {
		maxConcurrency = 4
	}
	return &MemoryBus{
		subscribers:    make(map[string][]Handler),
		maxConcurrency: maxConcurrency,
		handlerTimeout: handlerTimeout,
		metrics:        m,
	}
}

func (b *MemoryBus) Subscribe(topic string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[topic] = append(b.subscribers[topic], h)
}

func (b *MemoryBus) Publish(ctx context.Context, msg Message) error {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.subscribers[msg.Topic]...)
	b.mu.RUnlock()

	if len(handlers) == 0 {
		log.Debug().Str("component", "memory_bus").Str("topic", msg.Topic).Msg("no subscribers for topic")
		b.metrics.BrokerPublish(msg.Topic, nil)
		return nil
	}

	p := pool.New().WithErrors().WithMaxGoroutines(b.maxConcurrency)
	for _, h := range handlers {
		p.Go(func() error {
			hctx := ctx
			if b.handlerTimeout > 0 {
				var cancel context.CancelFunc
				hctx, cancel = context.WithTimeout(ctx, b.handlerTimeout)
				defer cancel()
			}
			var err error
			if r := panics.Try(func() { err = h(hctx, msg) }); r != nil {
				return r.AsError()
			}
			return err
		})
	}

	err := p.Wait()
	b.metrics.BrokerPublish(msg.Topic, err)
	if err != nil {
		return fmt.Errorf("failed to deliver %s: %w", msg.Topic, err)
	}
	return nil
}

func (b *MemoryBus) Start(ctx context.Context) error { return nil }

func (b *MemoryBus) Close() error { return nil }
