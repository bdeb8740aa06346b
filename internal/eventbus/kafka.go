package eventbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
	"github.com/sourcegraph/conc"

	"github.com/ksred/brokerx/internal/metrics"
)

type KafkaConfig struct {
	Brokers         []string
	GroupID         string
	PublishAttempts uint
	HandlerAttempts uint
	HandlerTimeout  time.Duration
	// RedeliverDelay is the pause before a consumer reopens its reader after
	// a message exhausted its handler attempts.
	RedeliverDelay time.Duration
}

// errRedeliver stops a consumer without committing so the message is read
// again from the last committed offset.
var errRedeliver = errors.New("handler attempts exhausted")

// messageReader is the part of *kafka.Reader a consumer needs.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaBus publishes one topic per event type and consumes with a consumer
// group. Offsets are committed only after every handler has succeeded; a
// message whose handlers keep failing is redelivered, never skipped.
type KafkaBus struct {
	cfg       KafkaConfig
	metrics   *metrics.Metrics
	newReader func(topic string) messageReader

	mu          sync.Mutex
	writers     map[string]*kafka.Writer
	subscribers map[string][]Handler
	cancel      context.CancelFunc
	wg          conc.WaitGroup
}

func NewKafkaBus(cfg KafkaConfig, m *metrics.Metrics) *KafkaBus {
	if cfg.PublishAttempts == 0 {
		cfg.PublishAttempts = 3
	}
	if cfg.HandlerAttempts == 0 {
		cfg.HandlerAttempts = 3
	}
	if cfg.RedeliverDelay <= 0 {
		cfg.RedeliverDelay = 5 * time.Second
	}
	b := &KafkaBus{
		cfg:         cfg,
		metrics:     m,
		writers:     make(map[string]*kafka.Writer),
		subscribers: make(map[string][]Handler),
	}
	b.newReader = func(topic string) messageReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:  b.cfg.Brokers,
			GroupID:  b.cfg.GroupID,
			Topic:    topic,
			MinBytes: 1,
			MaxBytes: 10e6,
		})
	}
	return b
}

func (b *KafkaBus) writer(topic string) *kafka.Writer {
	b.mu.Lock()
	defer b.mu.Unlock()

	if w, ok := b.writers[topic]; ok {
		return w
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(b.cfg.Brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	b.writers[topic] = w
	return w
}

func (b *KafkaBus) Publish(ctx context.Context, msg Message) error {
	w := b.writer(msg.Topic)
	km := toKafkaMessage(msg)

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, w.WriteMessages(ctx, km)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(b.cfg.PublishAttempts),
	)
	b.metrics.BrokerPublish(msg.Topic, err)
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", msg.Topic, err)
	}
	return nil
}

func (b *KafkaBus) Subscribe(topic string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[topic] = append(b.subscribers[topic], h)
}

// Start opens one consumer per subscribed topic.
func (b *KafkaBus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.cfg.Brokers) == 0 {
		return errors.New("kafka bus requires at least one broker")
	}

	ctx, b.cancel = context.WithCancel(ctx)
	for topic, handlers := range b.subscribers {
		handlers := append([]Handler(nil), handlers...)
		b.wg.Go(func() { b.run(ctx, topic, handlers) })
	}
	return nil
}

// run keeps a consumer alive for topic. After a redelivery stop it reopens
// the reader, which resumes from the last committed offset.
func (b *KafkaBus) run(ctx context.Context, topic string, handlers []Handler) {
	logger := log.With().Str("component", "kafka_bus").Str("topic", topic).Logger()
	logger.Info().Msg("starting kafka consumer")

	for {
		r := b.newReader(topic)
		err := b.consume(ctx, r, handlers)
		if cerr := r.Close(); cerr != nil && ctx.Err() == nil {
			logger.Warn().Err(cerr).Msg("failed to close reader")
		}
		if ctx.Err() != nil || err == nil {
			logger.Info().Msg("stopping kafka consumer")
			return
		}

		logger.Warn().Err(err).Dur("delay", b.cfg.RedeliverDelay).Msg("reopening reader for redelivery")
		select {
		case <-ctx.Done():
			return
		case <-time.After(b.cfg.RedeliverDelay):
		}
	}
}

// consume handles messages until ctx ends or a message exhausts its handler
// attempts. The failed message is left uncommitted.
func (b *KafkaBus) consume(ctx context.Context, r messageReader, handlers []Handler) error {
	logger := log.With().Str("component", "kafka_bus").Logger()

	for {
		km, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			logger.Error().Err(err).Msg("failed to fetch message")
			continue
		}

		msg := fromKafkaMessage(km)
		for _, h := range handlers {
			if err := b.handle(ctx, h, msg); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				logger.Error().Err(err).Str("topic", km.Topic).Str("key", msg.Key).Int64("offset", km.Offset).Msg("handler failed, message left uncommitted")
				return fmt.Errorf("%w: %s offset %d: %v", errRedeliver, km.Topic, km.Offset, err)
			}
		}

		if err := r.CommitMessages(ctx, km); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Int64("offset", km.Offset).Msg("failed to commit offset")
		}
	}
}

func (b *KafkaBus) handle(ctx context.Context, h Handler, msg Message) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		hctx := ctx
		if b.cfg.HandlerTimeout > 0 {
			var cancel context.CancelFunc
			hctx, cancel = context.WithTimeout(ctx, b.cfg.HandlerTimeout)
			defer cancel()
		}
		return struct{}{}, h(hctx, msg)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(b.cfg.HandlerAttempts),
	)
	return err
}

func (b *KafkaBus) Close() error {
	b.mu.Lock()
	cancel := b.cancel
	writers := b.writers
	b.writers = make(map[string]*kafka.Writer)
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	b.wg.Wait()

	var errs []error
	for _, w := range writers {
		errs = append(errs, w.Close())
	}
	return errors.Join(errs...)
}

func toKafkaMessage(msg Message) kafka.Message {
	headers := make([]kafka.Header, 0, len(msg.Headers))
	for k, v := range msg.Headers {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return kafka.Message{
		Key:     []byte(msg.Key),
		Value:   msg.Payload,
		Headers: headers,
		Time:    time.Now().UTC(),
	}
}

func fromKafkaMessage(km kafka.Message) Message {
	headers := make(map[string]string, len(km.Headers))
	for _, h := range km.Headers {
		headers[h.Key] = string(h.Value)
	}
	return Message{
		Topic:   km.Topic,
		Key:     string(km.Key),
		Payload: km.Value,
		Headers: headers,
	}
}
