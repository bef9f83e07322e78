package consumer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/broker/internal/mb/model"
	"github.com/ocx/broker/internal/mb/uniquetime"
	"github.com/ocx/broker/internal/store/memory"
)

func newTestConsumer(t *testing.T) (*Consumer, *memory.Provider) {
	t.Helper()
	provider := memory.New()
	c := New("orders", "c1", 1, provider.ConsumerDelivery(), provider.Event())
	fromBeginning := int64(0)
	require.NoError(t, c.Start(context.Background(), &fromBeginning, nil))
	return c, provider
}

func publish(t *testing.T, provider *memory.Provider, ut uniquetime.UniqueTime, eventID string) {
	t.Helper()
	_, err := provider.Event().EventPersist(context.Background(), "orders", model.TopicEvent{
		EventID:    eventID,
		Document:   []byte("document body"),
		UniqueTime: ut,
	})
	require.NoError(t, err)
}

func TestDeliveryCacheIsFullAtExactlyMaxCacheSize(t *testing.T) {
	c := newDeliveryCache()
	for i := 0; i < MaxCacheSize-1; i++ {
		c.Insert(model.DeliveryIntentTemplate{UniqueTime: uniquetime.UniqueTime{Micros: int64(i) + 1}})
	}
	assert.False(t, c.isFull(), "cache one entry below the cap must not report full")

	c.Insert(model.DeliveryIntentTemplate{UniqueTime: uniquetime.UniqueTime{Micros: int64(MaxCacheSize)}})
	assert.True(t, c.isFull(), "cache exactly at the cap must report full")
}

func TestDeliveryCachePopFrontReturnsLowestUniqueTimeFirst(t *testing.T) {
	c := newDeliveryCache()
	c.Insert(model.DeliveryIntentTemplate{UniqueTime: uniquetime.UniqueTime{Micros: 300}, EventID: "e3"})
	c.Insert(model.DeliveryIntentTemplate{UniqueTime: uniquetime.UniqueTime{Micros: 100}, EventID: "e1"})
	c.Insert(model.DeliveryIntentTemplate{UniqueTime: uniquetime.UniqueTime{Micros: 200}, EventID: "e2"})

	tpl, ok := c.popFront()
	require.True(t, ok)
	assert.Equal(t, "e1", tpl.EventID)

	tpl, ok = c.popFront()
	require.True(t, ok)
	assert.Equal(t, "e2", tpl.EventID)
}

func TestDeliveryCacheInsertSuppressesLateArrivalAfterPop(t *testing.T) {
	c := newDeliveryCache()
	ut := uniquetime.UniqueTime{Micros: 100}
	c.Insert(model.DeliveryIntentTemplate{UniqueTime: ut, EventID: "e1"})

	_, ok := c.popFront()
	require.True(t, ok)
	assert.Equal(t, 0, c.len())

	// A redundant prefetch re-delivering the same key after it was already
	// popped is suppressed instead of being re-queued.
	c.Insert(model.DeliveryIntentTemplate{UniqueTime: ut, EventID: "e1"})
	assert.Equal(t, 0, c.len())
}

func TestConsumerStartSeedsAttemptedFromBaselineWhenNoPersistedWatermark(t *testing.T) {
	provider := memory.New()
	c := New("orders", "c1", 1, provider.ConsumerDelivery(), provider.Event())
	baseline := int64(5_000_000)

	require.NoError(t, c.Start(context.Background(), &baseline, nil))
	assert.Equal(t, baseline, c.Attempted().Micros)
	assert.Equal(t, uniquetime.Zero, c.Done())
}

func TestConsumerPrefetchAndNextDispatchesInOrder(t *testing.T) {
	c, provider := newTestConsumer(t)
	ctx := context.Background()

	ut1 := uniquetime.UniqueTime{Micros: 100}
	ut2 := uniquetime.UniqueTime{Micros: 200}
	publish(t, provider, ut1, "e1")
	publish(t, provider, ut2, "e2")

	require.NoError(t, c.Prefetch(ctx))

	d1, ok, err := c.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ut1, d1.UniqueTime)
	assert.Equal(t, []byte("document body"), d1.EventDocument)

	d2, ok, err := c.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ut2, d2.UniqueTime)

	_, ok, err = c.Next(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "cache is drained")
}

func TestConsumerNextAdvancesAttemptedWatermark(t *testing.T) {
	c, provider := newTestConsumer(t)
	ctx := context.Background()

	ut := uniquetime.UniqueTime{Micros: 150}
	publish(t, provider, ut, "e1")
	require.NoError(t, c.Prefetch(ctx))

	_, ok, err := c.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ut, c.Attempted())
}

func TestConsumerConfirmAdvancesDoneWatermark(t *testing.T) {
	c, provider := newTestConsumer(t)
	ctx := context.Background()

	ut := uniquetime.UniqueTime{Micros: 150}
	publish(t, provider, ut, "e1")
	require.NoError(t, c.Prefetch(ctx))

	d, ok, err := c.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, c.Confirm(ctx, d.UniqueTime, d.DeliveryInstanceID))
	assert.Equal(t, ut, c.Done())

	done, err := provider.ConsumerDelivery().GetDoneWatermark(ctx, "orders", "c1")
	require.NoError(t, err)
	assert.Equal(t, ut, done)
}

func TestConsumerConfirmIsIdempotentOnDuplicateConfirmation(t *testing.T) {
	c, provider := newTestConsumer(t)
	ctx := context.Background()

	ut := uniquetime.UniqueTime{Micros: 150}
	publish(t, provider, ut, "e1")
	require.NoError(t, c.Prefetch(ctx))

	d, ok, err := c.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, c.Confirm(ctx, d.UniqueTime, d.DeliveryInstanceID))
	require.NoError(t, c.Confirm(ctx, d.UniqueTime, d.DeliveryInstanceID))
	assert.Equal(t, ut, c.Done())
}
