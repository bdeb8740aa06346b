package eventbus

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fundsReserved struct {
	OrderID string `json:"order_id"`
}

func TestMemoryBusDeliversToAllSubscribers(t *testing.T) {
	bus := NewMemoryBus(2, time.Second, nil)

	var count atomic.Int32
	for i := 0; i < 3; i++ {
		bus.Subscribe("funds.reserved", func(ctx context.Context, msg Message) error {
			var body fundsReserved
			require.NoError(t, msg.Decode(&body))
			assert.Equal(t, "o-1", body.OrderID)
			count.Add(1)
			return nil
		})
	}

	msg, err := NewMessage("funds.reserved", "o-1", fundsReserved{OrderID: "o-1"})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(context.Background(), msg))
	assert.EqualValues(t, 3, count.Load())
}

func TestMemoryBusSurfacesHandlerFailures(t *testing.T) {
	bus := NewMemoryBus(2, time.Second, nil)
	bus.Subscribe("order.requested", func(ctx context.Context, msg Message) error {
		return errors.New("funds service unavailable")
	})
	bus.Subscribe("order.requested", func(ctx context.Context, msg Message) error {
		panic("bad handler")
	})

	err := bus.Publish(context.Background(), Message{Topic: "order.requested", Payload: []byte(`{}`)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "funds service unavailable")
	assert.Contains(t, err.Error(), "bad handler")
}

func TestMemoryBusAppliesHandlerTimeout(t *testing.T) {
	bus := NewMemoryBus(1, 20*time.Millisecond, nil)
	bus.Subscribe("slow", func(ctx context.Context, msg Message) error {
		<-ctx.Done()
		return ctx.Err()
	})

	err := bus.Publish(context.Background(), Message{Topic: "slow"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryBusWithoutSubscribers(t *testing.T) {
	bus := NewMemoryBus(1, 0, nil)
	assert.NoError(t, bus.Publish(context.Background(), Message{Topic: "nobody"}))
}

func TestKafkaMessageConversion(t *testing.T) {
	msg := Message{
		Topic:   "funds.reserved",
		Key:     "o-1",
		Payload: []byte(`{"order_id":"o-1"}`),
		Headers: map[string]string{"correlation_id": "c-1"},
	}

	km := toKafkaMessage(msg)
	assert.Empty(t, km.Topic, "writer owns the topic")
	km.Topic = msg.Topic

	back := fromKafkaMessage(km)
	assert.Equal(t, msg, back)
}

func TestKafkaBusStartRequiresBrokers(t *testing.T) {
	bus := NewKafkaBus(KafkaConfig{}, nil)
	assert.Error(t, bus.Start(context.Background()))
	assert.NoError(t, bus.Close())
}

// fakeReader serves queued messages from the last committed offset, the
// way a consumer group member does after a rejoin.
type fakeReader struct {
	log *fakeLog
	pos int
}

type fakeLog struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed int
	commits   []int64
	opened    int
}

func (l *fakeLog) open(string) messageReader {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.opened++
	return &fakeReader{log: l, pos: l.committed}
}

func (l *fakeLog) committedOffsets() []int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]int64(nil), l.commits...)
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.log.mu.Lock()
	if r.pos < len(r.log.msgs) {
		km := r.log.msgs[r.pos]
		r.pos++
		r.log.mu.Unlock()
		return km, nil
	}
	r.log.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, io.EOF
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.log.mu.Lock()
	defer r.log.mu.Unlock()
	for _, km := range msgs {
		r.log.commits = append(r.log.commits, km.Offset)
		r.log.committed = int(km.Offset) + 1
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func fundsLog(n int) *fakeLog {
	l := &fakeLog{}
	for i := 0; i < n; i++ {
		l.msgs = append(l.msgs, kafka.Message{Topic: "funds.reserved", Offset: int64(i), Key: []byte("o-1"), Value: []byte(`{"order_id":"o-1"}`)})
	}
	return l
}

func TestKafkaConsumeLeavesFailedMessageUncommitted(t *testing.T) {
	l := fundsLog(2)
	bus := NewKafkaBus(KafkaConfig{Brokers: []string{"k:9092"}, HandlerAttempts: 2}, nil)

	var calls atomic.Int32
	failing := func(ctx context.Context, msg Message) error {
		calls.Add(1)
		return errors.New("order store unavailable")
	}

	err := bus.consume(context.Background(), l.open("funds.reserved"), []Handler{failing})
	assert.ErrorIs(t, err, errRedeliver)
	assert.EqualValues(t, 2, calls.Load(), "handler retried up to its attempts")
	assert.Empty(t, l.committedOffsets(), "no offset committed after exhaustion")
}

func TestKafkaBusRedeliversAfterHandlerExhaustion(t *testing.T) {
	l := fundsLog(2)
	bus := NewKafkaBus(KafkaConfig{Brokers: []string{"k:9092"}, HandlerAttempts: 1, RedeliverDelay: time.Millisecond}, nil)
	bus.newReader = l.open

	var (
		mu   sync.Mutex
		seen []string
		fail atomic.Bool
	)
	fail.Store(true)
	bus.Subscribe("funds.reserved", func(ctx context.Context, msg Message) error {
		if fail.CompareAndSwap(true, false) {
			return errors.New("transient")
		}
		mu.Lock()
		seen = append(seen, msg.Key)
		mu.Unlock()
		return nil
	})

	require.NoError(t, bus.Start(context.Background()))
	require.Eventually(t, func() bool { return len(l.committedOffsets()) == 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, bus.Close())

	assert.Equal(t, []int64{0, 1}, l.committedOffsets())
	l.mu.Lock()
	assert.Equal(t, 2, l.opened, "reader reopened once for redelivery")
	l.mu.Unlock()
	mu.Lock()
	assert.Equal(t, []string{"o-1", "o-1"}, seen)
	mu.Unlock()
}
