package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/broker/internal/mb/model"
	"github.com/ocx/broker/internal/store/memory"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	provider := memory.New()
	e, err := NewEngine(context.Background(), provider, DefaultConfig())
	require.NoError(t, err)
	return e
}

func upsertDescriptor(t *testing.T, e *Engine, topicID string) {
	t.Helper()
	identity := model.NewInternalIdentity()
	err := e.UpsertTopicEventDescriptor(context.Background(), identity, topicID, model.EventDescriptor{
		Version: model.FromMajor(1),
	})
	require.NoError(t, err)
}

// countOf flushes and refreshes the engine's object counts and returns the
// cluster total for (topicID, ct); with a single engine that is its local count.
func countOf(t *testing.T, e *Engine, topicID string, ct model.ObjectCountType) uint64 {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.counts.FlushOnce(ctx))
	require.NoError(t, e.counts.RefreshOnce(ctx))
	return e.counts.ClusterTotal(topicID, ct)
}

func TestPublishEventRequiresARegisteredDescriptor(t *testing.T) {
	e := newTestEngine(t)
	identity := model.NewInternalIdentity()

	_, err := e.PublishEvent(context.Background(), identity, "orders", []byte(`{}`), 0, "", nil)
	assert.Error(t, err, "publishing without a descriptor registered for the topic must fail")
}

func TestPublishEventThenGetEventByID(t *testing.T) {
	e := newTestEngine(t)
	identity := model.NewInternalIdentity()
	upsertDescriptor(t, e, "orders")

	ev, err := e.PublishEvent(context.Background(), identity, "orders", []byte(`{"amount":12}`), 0, "", nil)
	require.NoError(t, err)
	require.NotEmpty(t, ev.EventID)

	gist, err := e.GetEventByID(context.Background(), identity, "orders", ev.EventID)
	require.NoError(t, err)
	require.NotNil(t, gist)
	assert.Equal(t, ev.Document, gist.Document)
	assert.Equal(t, ev.ProtectionRef, gist.ProtectionRef)
}

func TestPublishEventRejectsMalformedTopicID(t *testing.T) {
	e := newTestEngine(t)
	identity := model.NewInternalIdentity()

	_, err := e.PublishEvent(context.Background(), identity, "", []byte(`{}`), 0, "", nil)
	assert.Error(t, err)
}

func TestPublishEventIncrementsEventCount(t *testing.T) {
	e := newTestEngine(t)
	identity := model.NewInternalIdentity()
	upsertDescriptor(t, e, "orders")

	before := countOf(t, e, "orders", model.CountEvents)

	_, err := e.PublishEvent(context.Background(), identity, "orders", []byte(`{}`), 0, "", nil)
	require.NoError(t, err)

	after := countOf(t, e, "orders", model.CountEvents)
	assert.Equal(t, before+1, after, "publish should have incremented the events counter exactly once")
}

func TestSubscribeThenConfirmEventDeliveryIncrementsDoneDeliveryIntents(t *testing.T) {
	e := newTestEngine(t)
	identity := model.NewInternalIdentity()
	upsertDescriptor(t, e, "orders")

	ev, err := e.PublishEvent(context.Background(), identity, "orders", []byte(`{}`), 0, "", nil)
	require.NoError(t, err)

	fromBeginning := int64(0)
	c, err := e.Subscribe(context.Background(), identity, "orders", "c1", &fromBeginning, nil)
	require.NoError(t, err)

	require.NoError(t, c.Prefetch(context.Background()))
	delivery, ok, err := c.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ev.UniqueTime, delivery.UniqueTime)

	doneBefore := countOf(t, e, "orders", model.CountDoneDeliveryIntents)

	require.NoError(t, e.ConfirmEventDelivery(context.Background(), identity, "orders", "c1", delivery.UniqueTime, delivery.DeliveryInstanceID))

	doneAfter := countOf(t, e, "orders", model.CountDoneDeliveryIntents)
	assert.Equal(t, doneBefore+1, doneAfter, "confirming delivery should have incremented done_delivery_intents exactly once")
}

func TestGetEventByCorrelationTokenWaitsForMatchingPublish(t *testing.T) {
	e := newTestEngine(t)
	identity := model.NewInternalIdentity()
	upsertDescriptor(t, e, "orders")

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, err := e.PublishEvent(context.Background(), identity, "orders", []byte(`{}`), 0, "reply-42", nil)
		assert.NoError(t, err)
	}()

	gist, err := e.GetEventByCorrelationToken(context.Background(), identity, "orders", "reply-42", time.Second)
	require.NoError(t, err)
	require.NotNil(t, gist)
	assert.Equal(t, "reply-42", gist.CorrelationToken)
}

func TestUpsertTopicEventDescriptorRejectsNonIncreasingVersion(t *testing.T) {
	e := newTestEngine(t)
	identity := model.NewInternalIdentity()
	upsertDescriptor(t, e, "orders")

	err := e.UpsertTopicEventDescriptor(context.Background(), identity, "orders", model.EventDescriptor{
		Version: model.FromMajor(1),
	})
	assert.Error(t, err, "re-registering the same version must be rejected")
}
