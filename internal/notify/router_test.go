package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/brokerx/internal/broadcast"
	"github.com/ksred/brokerx/internal/eventbus"
	"github.com/ksred/brokerx/internal/metrics"
	"github.com/ksred/brokerx/internal/outbox"
	"github.com/ksred/brokerx/internal/testutil"
	"github.com/ksred/brokerx/internal/types"
)

type recorder struct {
	mu      sync.Mutex
	streams []string
}

func (r *recorder) Publish(_ context.Context, stream string, _ interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streams = append(r.streams, stream)
	return nil
}

type submitter struct {
	ids []string
	err error
}

func (s *submitter) Submit(orderID string) error {
	if s.err != nil {
		return s.err
	}
	s.ids = append(s.ids, orderID)
	return nil
}

type setup struct {
	store      *outbox.Store
	dispatcher *outbox.Dispatcher
	engine     *submitter
	streams    *recorder
	bus        *eventbus.MemoryBus
	metrics    *metrics.Metrics
}

func newSetup(t *testing.T) *setup {
	store := outbox.NewStore(testutil.NewDB(t, &outbox.Event{}))
	m := metrics.New(prometheus.NewRegistry())
	s := &setup{
		store:   store,
		engine:  &submitter{},
		streams: &recorder{},
		bus:     eventbus.NewMemoryBus(1, time.Second, m),
		metrics: m,
		dispatcher: outbox.NewDispatcher(store, outbox.DispatcherConfig{
			BatchSize:    50,
			MaxAttempts:  3,
			RetryInitial: time.Second,
			RetryMax:     time.Minute,
		}, m),
	}
	NewRouter(s.engine, s.bus, s.streams, m).Register(s.dispatcher)
	return s
}

func TestRouterDeliversEachEventType(t *testing.T) {
	ctx := context.Background()
	s := newSetup(t)

	var relayed []eventbus.Message
	s.bus.Subscribe(string(outbox.EventFundsReserved), func(_ context.Context, msg eventbus.Message) error {
		relayed = append(relayed, msg)
		return nil
	})

	price := decimal.NewFromInt(150)
	require.NoError(t, s.store.Append(ctx,
		outbox.Message{
			Type: outbox.EventOrderCreated, EntityType: outbox.EntityOrder, EntityID: "o-1",
			Payload: outbox.OrderCreated{OrderID: "o-1", AccountID: "acc-1", Symbol: "AAPL"},
		},
		outbox.Message{
			Type: outbox.EventExecutionReport, EntityType: outbox.EntityOrder, EntityID: "o-1",
			Payload: outbox.ExecutionReport{OrderID: "o-1", AccountID: "acc-1", Status: "filled", Quantity: 10, Price: &price, FilledQuantity: 10},
		},
		outbox.Message{
			Type: outbox.EventOrderCancelled, EntityType: outbox.EntityOrder, EntityID: "o-2",
			Payload: outbox.OrderCancelled{OrderID: "o-2", AccountID: "acc-2", Reason: "client cancel"},
		},
		outbox.Message{
			Type: outbox.EventSagaStarted, CorrelationID: "corr-1", EntityType: outbox.EntitySaga, EntityID: "saga-1",
			Payload: outbox.SagaEvent{SagaID: "saga-1", CorrelationID: "corr-1", Variant: "orchestrated"},
		},
		outbox.Message{
			Type: outbox.EventSagaStepFailed, EntityType: outbox.EntitySaga, EntityID: "saga-1",
			Payload: outbox.SagaEvent{SagaID: "saga-1", Variant: "orchestrated", Step: "reserve_funds"},
		},
		outbox.Message{
			Type: outbox.EventFundsReserved, CorrelationID: "corr-3", EntityType: outbox.EntityOrder, EntityID: "o-3",
			Payload: outbox.FundsReserved{OrderID: "o-3", ClientID: "acc-3", ReservedAmount: price},
		},
	))

	res, err := s.dispatcher.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, res.Processed)
	assert.Zero(t, res.Failed)

	assert.Equal(t, []string{"o-1"}, s.engine.ids)
	assert.Equal(t, []string{
		broadcast.OrderStream("o-1"), broadcast.AccountStream("acc-1"),
		broadcast.OrderStream("o-2"), broadcast.AccountStream("acc-2"),
		broadcast.StreamSagas, broadcast.StreamSagas,
	}, s.streams.streams)

	require.Len(t, relayed, 1)
	assert.Equal(t, "o-3", relayed[0].Key)
	assert.Equal(t, "corr-3", relayed[0].Headers["correlation_id"])
	var reserved outbox.FundsReserved
	require.NoError(t, relayed[0].Decode(&reserved))
	assert.True(t, price.Equal(reserved.ReservedAmount))

	assert.Equal(t, 1.0, promtest.ToFloat64(s.metrics.SagaCounter("started").WithLabelValues("orchestrated")))
	assert.Equal(t, 1.0, promtest.ToFloat64(s.metrics.SagaCounter("step_failures").WithLabelValues("orchestrated", "reserve_funds")))
}

func TestRouterRetriesOrderWhenQueueIsFull(t *testing.T) {
	ctx := context.Background()
	s := newSetup(t)
	s.engine.err = types.ErrQueueFull

	require.NoError(t, s.store.Append(ctx, outbox.Message{
		Type: outbox.EventOrderCreated, EntityType: outbox.EntityOrder, EntityID: "o-1",
		Payload: outbox.OrderCreated{OrderID: "o-1"},
	}))

	res, err := s.dispatcher.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	events, err := s.store.ListByEntity(ctx, outbox.EntityOrder, "o-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, outbox.StatusFailed, events[0].Status)
	assert.Contains(t, events[0].LastError, types.ErrQueueFull.Error())
}

func TestRouterWithoutBusLeavesChoreographyEventsUnrouted(t *testing.T) {
	ctx := context.Background()
	store := outbox.NewStore(testutil.NewDB(t, &outbox.Event{}))
	d := outbox.NewDispatcher(store, outbox.DispatcherConfig{MaxAttempts: 1}, nil)
	NewRouter(&submitter{}, nil, nil, nil).Register(d)

	require.NoError(t, store.Append(ctx, outbox.Message{
		Type: outbox.EventOrderRequested, EntityType: outbox.EntityOrder, EntityID: "o-1",
		Payload: outbox.OrderRequested{OrderID: "o-1"},
	}))

	res, err := d.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dead)
}
