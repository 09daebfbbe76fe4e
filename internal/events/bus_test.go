package events

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tatianab/worldcore/internal/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func quietBus(t *testing.T, opts ...Option) *Bus {
	t.Helper()
	opts = append([]Option{WithLogger(log.New(io.Discard, "", 0))}, opts...)
	b := NewBus(opts...)
	t.Cleanup(b.Close)
	return b
}

func created(id string) RumorCreated {
	return RumorCreated{RumorID: id, OriginatorID: "npc1", At: time.Now()}
}

func TestLineage(t *testing.T) {
	assert.Equal(t, []Kind{KindRumorSpread, KindRumor, KindAny}, KindRumorSpread.Lineage())
	assert.Equal(t, []Kind{KindStateDeleted, KindWorldState, KindAny}, KindStateDeleted.Lineage())
	assert.Equal(t, []Kind{KindAny}, KindAny.Lineage())
	assert.False(t, Kind("weather.changed").Known())
}

func TestEventKinds(t *testing.T) {
	assert.Equal(t, KindStateCreated, StateChanged{Change: models.ChangeCreated}.Kind())
	assert.Equal(t, KindStateMerged, StateChanged{Change: models.ChangeMerged}.Kind())
	assert.Equal(t, KindRumorSpread, RumorTransmitted{FirstHeard: true}.Kind())
	assert.Equal(t, KindRumorUpdated, RumorTransmitted{}.Kind())
	assert.Equal(t, KindRumorUpdated, BeliefChanged{}.Kind())
}

func TestPublishOrdersByPriorityThenRegistration(t *testing.T) {
	b := quietBus(t)
	var order []string
	record := func(name string) Handler {
		return func(context.Context, Event) error {
			order = append(order, name)
			return nil
		}
	}

	b.Subscribe(KindRumorCreated, record("low"), 0)
	b.Subscribe(KindAny, record("any-high"), 10)
	b.Subscribe(KindRumor, record("rumor-first"), 5)
	b.Subscribe(KindRumorCreated, record("created-second"), 5)

	require.NoError(t, b.Publish(context.Background(), created("r1")))
	assert.Equal(t, []string{"any-high", "rumor-first", "created-second", "low"}, order)
}

func TestSupertypeSubscribersReceiveSubtypes(t *testing.T) {
	b := quietBus(t)
	var rumors, state, all int
	b.Subscribe(KindRumor, func(context.Context, Event) error { rumors++; return nil }, 0)
	b.Subscribe(KindWorldState, func(context.Context, Event) error { state++; return nil }, 0)
	b.Subscribe(KindAny, func(context.Context, Event) error { all++; return nil }, 0)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, created("r1")))
	require.NoError(t, b.Publish(ctx, RumorDecayed{RumorID: "r1"}))
	require.NoError(t, b.Publish(ctx, StateChanged{Change: models.ChangeUpdated, Key: "k"}))
	require.NoError(t, b.Publish(ctx, TimeAdvanced{Tick: 1}))

	assert.Equal(t, 2, rumors)
	assert.Equal(t, 1, state)
	assert.Equal(t, 4, all)
}

func TestPublishWaitsForAsyncHandlers(t *testing.T) {
	b := quietBus(t, WithWorkers(2))
	var ran atomic.Int32
	for range 5 {
		b.SubscribeAsync(KindTimeAdvanced, func(context.Context, Event) error {
			time.Sleep(5 * time.Millisecond)
			ran.Add(1)
			return nil
		}, 0)
	}

	require.NoError(t, b.Publish(context.Background(), TimeAdvanced{Tick: 1}))
	assert.Equal(t, int32(5), ran.Load())
}

func TestPublishAsyncDoesNotWait(t *testing.T) {
	b := quietBus(t)
	release := make(chan struct{})
	var ran atomic.Bool
	b.SubscribeAsync(KindTimeAdvanced, func(context.Context, Event) error {
		<-release
		ran.Store(true)
		return nil
	}, 0)

	require.NoError(t, b.PublishAsync(context.Background(), TimeAdvanced{Tick: 1}))
	assert.False(t, ran.Load())

	close(release)
	b.Drain()
	assert.True(t, ran.Load())
}

func TestPublishAsyncOutlivesPublisherContext(t *testing.T) {
	b := quietBus(t)
	got := make(chan error, 1)
	b.SubscribeAsync(KindTimeAdvanced, func(ctx context.Context, _ Event) error {
		time.Sleep(5 * time.Millisecond)
		got <- ctx.Err()
		return nil
	}, 0)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, b.PublishAsync(ctx, TimeAdvanced{Tick: 1}))
	cancel()
	b.Drain()
	assert.NoError(t, <-got)
}

func TestHandlerErrorsAndPanicsAreSwallowed(t *testing.T) {
	b := quietBus(t)
	var after int
	b.Subscribe(KindTimeAdvanced, func(context.Context, Event) error { return errors.New("boom") }, 3)
	b.Subscribe(KindTimeAdvanced, func(context.Context, Event) error { panic("kaboom") }, 2)
	b.SubscribeAsync(KindTimeAdvanced, func(context.Context, Event) error { panic("async kaboom") }, 1)
	b.Subscribe(KindTimeAdvanced, func(context.Context, Event) error { after++; return nil }, 0)

	require.NoError(t, b.Publish(context.Background(), TimeAdvanced{Tick: 1}))
	assert.Equal(t, 1, after)
}

func TestMiddlewareShortCircuitAndErrors(t *testing.T) {
	b := quietBus(t)
	var delivered int
	b.Subscribe(KindAny, func(context.Context, Event) error { delivered++; return nil }, 0)

	var trail []string
	b.Use(func(ctx context.Context, ev Event, next Next) error {
		trail = append(trail, "outer")
		return next(ctx, ev)
	})
	b.Use(func(ctx context.Context, ev Event, next Next) error {
		trail = append(trail, "inner")
		if _, ok := ev.(RumorPurged); ok {
			return nil
		}
		if _, ok := ev.(RumorDecayed); ok {
			return errors.New("rejected")
		}
		return next(ctx, ev)
	})

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, created("r1")))
	require.NoError(t, b.Publish(ctx, RumorPurged{RumorID: "r1"}))
	err := b.Publish(ctx, RumorDecayed{RumorID: "r1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejected")

	assert.Equal(t, 1, delivered)
	assert.Equal(t, []string{"outer", "inner", "outer", "inner", "outer", "inner"}, trail)
}

func TestMiddlewareRunsWithoutHandlers(t *testing.T) {
	b := quietBus(t)
	var seen []Kind
	b.Use(func(ctx context.Context, ev Event, next Next) error {
		seen = append(seen, ev.Kind())
		return next(ctx, ev)
	})
	require.NoError(t, b.Publish(context.Background(), TimeAdvanced{Tick: 7}))
	assert.Equal(t, []Kind{KindTimeAdvanced}, seen)
}

func TestUnsubscribe(t *testing.T) {
	b := quietBus(t)
	var calls int
	sub := b.Subscribe(KindRumor, func(context.Context, Event) error { calls++; return nil }, 0)

	assert.False(t, b.Unsubscribe(KindAny, sub), "wrong kind")
	assert.True(t, b.Unsubscribe(KindRumor, sub))
	assert.False(t, b.Unsubscribe(KindRumor, sub), "already removed")

	require.NoError(t, b.Publish(context.Background(), created("r1")))
	assert.Zero(t, calls)
}

func TestHandlersMayReenterBus(t *testing.T) {
	b := quietBus(t, WithWorkers(1))
	var ticks atomic.Int32
	b.SubscribeAsync(KindRumorCreated, func(ctx context.Context, _ Event) error {
		return b.Publish(ctx, TimeAdvanced{Tick: 1})
	}, 0)
	b.SubscribeAsync(KindTimeAdvanced, func(context.Context, Event) error {
		ticks.Add(1)
		return nil
	}, 0)
	b.Subscribe(KindRumorCreated, func(context.Context, Event) error {
		b.Subscribe(KindRumorPurged, func(context.Context, Event) error { return nil }, 0)
		return nil
	}, 0)

	require.NoError(t, b.Publish(context.Background(), created("r1")))
	assert.Equal(t, int32(1), ticks.Load())
}

func TestClosedBusRejectsPublish(t *testing.T) {
	b := quietBus(t)
	var mu sync.Mutex
	var done bool
	b.SubscribeAsync(KindTimeAdvanced, func(context.Context, Event) error {
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		done = true
		mu.Unlock()
		return nil
	}, 0)

	require.NoError(t, b.PublishAsync(context.Background(), TimeAdvanced{Tick: 1}))
	b.Close()

	mu.Lock()
	assert.True(t, done, "close drains outstanding handlers")
	mu.Unlock()
	assert.ErrorIs(t, b.Publish(context.Background(), TimeAdvanced{Tick: 2}), ErrClosed)
	assert.ErrorIs(t, b.PublishAsync(context.Background(), TimeAdvanced{Tick: 2}), ErrClosed)
}
