package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/brokerx/internal/metrics"
	dbtest "github.com/ksred/brokerx/internal/testutil"
)

func newStore(t *testing.T) *Store {
	return NewStore(dbtest.NewDB(t, &Event{}))
}

func report(orderID string) Message {
	price := decimal.NewFromInt(50)
	return Message{
		Type:       EventExecutionReport,
		EntityType: EntityOrder,
		EntityID:   orderID,
		Payload: ExecutionReport{
			OrderID:        orderID,
			AccountID:      "acc-1",
			Status:         "filled",
			Quantity:       5,
			Price:          &price,
			FilledQuantity: 5,
		},
	}
}

func testDispatcher(store *Store, m *metrics.Metrics) *Dispatcher {
	return NewDispatcher(store, DispatcherConfig{
		PollInterval: 10 * time.Millisecond,
		BatchSize:    10,
		MaxAttempts:  3,
		RetryInitial: time.Second,
		RetryMax:     time.Minute,
	}, m)
}

func TestAppendAndClaimInProductionOrder(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	require.NoError(t, store.Append(ctx, report("o-1"), report("o-2"), report("o-3")))

	events, err := store.ClaimBatch(ctx, 2, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "o-1", events[0].EntityID)
	assert.Equal(t, "o-2", events[1].EntityID)
	assert.Equal(t, StatusProcessing, events[0].Status)

	var payload ExecutionReport
	require.NoError(t, events[0].Decode(&payload))
	assert.Equal(t, "o-1", payload.OrderID)
	assert.True(t, payload.Price.Equal(decimal.NewFromInt(50)))

	// Claimed events are not handed out twice.
	rest, err := store.ClaimBatch(ctx, 10, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "o-3", rest[0].EntityID)
}

func TestTickMarksProcessed(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	m := metrics.New(prometheus.NewRegistry())
	d := testDispatcher(store, m)

	var seen []string
	d.Register(EventExecutionReport, func(ctx context.Context, evt *Event) error {
		seen = append(seen, evt.EntityID)
		return nil
	})
	require.NoError(t, store.Append(ctx, report("o-1"), report("o-2")))

	res, err := d.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, []string{"o-1", "o-2"}, seen)

	evt, err := store.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, evt.Status)
	assert.NotNil(t, evt.ProcessedAt)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.OutboxCounter().WithLabelValues(string(EventExecutionReport), "processed")))

	// Nothing left to do.
	res, err = d.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Claimed)
}

func TestTickIsolatesFailingEvents(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	d := testDispatcher(store, nil)

	d.Register(EventExecutionReport, func(ctx context.Context, evt *Event) error {
		switch evt.EntityID {
		case "bad":
			return errors.New("downstream unavailable")
		case "panic":
			panic("handler exploded")
		}
		return nil
	})
	require.NoError(t, store.Append(ctx, report("bad"), report("panic"), report("good")))
	require.NoError(t, store.Append(ctx, Message{Type: EventOrderModified, EntityID: "unrouted", Payload: OrderModified{}}))

	res, err := d.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 3, res.Failed)

	bad, err := store.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, bad.Status)
	assert.Equal(t, 1, bad.Attempts)
	assert.Equal(t, "downstream unavailable", bad.LastError)

	panicked, err := store.Get(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, panicked.Status)
	assert.Contains(t, panicked.LastError, "handler exploded")

	good, err := store.Get(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, good.Status)

	unrouted, err := store.Get(ctx, 4)
	require.NoError(t, err)
	assert.Contains(t, unrouted.LastError, "no handler registered")
}

func TestRetryWithBackoffThenDeadLetter(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	d := testDispatcher(store, nil)

	clock := time.Now().UTC()
	d.now = func() time.Time { return clock }

	calls := 0
	d.Register(EventExecutionReport, func(ctx context.Context, evt *Event) error {
		calls++
		return errors.New("still failing")
	})
	require.NoError(t, store.Append(ctx, report("o-1")))

	res, err := d.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	evt, err := store.Get(ctx, 1)
	require.NoError(t, err)
	assert.WithinDuration(t, clock.Add(time.Second), evt.NextAttemptAt, time.Millisecond)

	// Not due yet.
	res, err = d.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Claimed)

	clock = clock.Add(2 * time.Second)
	res, err = d.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	evt, err = store.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, evt.Attempts)
	assert.WithinDuration(t, clock.Add(2*time.Second), evt.NextAttemptAt, time.Millisecond)

	clock = clock.Add(3 * time.Second)
	res, err = d.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dead)

	evt, err = store.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, StatusDead, evt.Status)
	assert.Equal(t, 3, evt.Attempts)

	clock = clock.Add(time.Hour)
	res, err = d.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Claimed)
	assert.Equal(t, 3, calls)
}

func TestRetryDelayIsCapped(t *testing.T) {
	d := NewDispatcher(nil, DispatcherConfig{RetryInitial: time.Second, RetryMax: 5 * time.Second}, nil)
	assert.Equal(t, time.Second, d.retryDelay(1))
	assert.Equal(t, 2*time.Second, d.retryDelay(2))
	assert.Equal(t, 4*time.Second, d.retryDelay(3))
	assert.Equal(t, 5*time.Second, d.retryDelay(4))
	assert.Equal(t, 5*time.Second, d.retryDelay(10))
}

func TestProcessingNeverReturnsToPending(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.Append(ctx, report("o-1")))

	now := time.Now().UTC()
	claimed, err := store.ClaimBatch(ctx, 1, now)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// A second processed/failed mark on a finished event is refused.
	require.NoError(t, store.MarkProcessed(ctx, claimed[0].ID, now))
	assert.Error(t, store.MarkFailed(ctx, claimed[0].ID, errors.New("late"), now, false))

	evt, err := store.Get(ctx, claimed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, evt.Status)
}

func TestRecoverStale(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	require.NoError(t, store.Append(ctx, report("o-1")))

	claimedAt := time.Now().UTC().Add(-time.Hour)
	claimed, err := store.ClaimBatch(ctx, 1, claimedAt)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	n, err := store.RecoverStale(ctx, time.Now().UTC().Add(-time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	evt, err := store.Get(ctx, claimed[0].ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, evt.Status)

	again, err := store.ClaimBatch(ctx, 1, time.Now().UTC())
	require.NoError(t, err)
	assert.Len(t, again, 1)
}

func TestStartStopsOnCancel(t *testing.T) {
	store := newStore(t)
	d := testDispatcher(store, nil)

	done := make(chan string, 1)
	d.Register(EventExecutionReport, func(ctx context.Context, evt *Event) error {
		done <- evt.EntityID
		return nil
	})
	require.NoError(t, store.Append(context.Background(), report("o-9")))

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		d.Start(ctx)
		close(stopped)
	}()

	select {
	case id := <-done:
		assert.Equal(t, "o-9", id)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not deliver event")
	}

	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}
