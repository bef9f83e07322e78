package eventbus

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitDeliversToTypedAndWildcardSubscribers(t *testing.T) {
	b := NewBus()
	typed := b.Subscribe("broker.event.published")
	all := b.Subscribe()
	other := b.Subscribe("broker.descriptor.upserted")

	b.Emit("broker.event.published", "broker/transport", "evt-1", map[string]interface{}{"topic_id": "orders"})

	select {
	case ev := <-typed:
		assert.Equal(t, "broker.event.published", ev.Type)
		assert.Equal(t, "evt-1", ev.Subject)
		assert.Equal(t, "1.0", ev.SpecVersion)
		assert.Equal(t, "orders", ev.Data["topic_id"])
	case <-time.After(time.Second):
		t.Fatal("typed subscriber did not receive event")
	}

	select {
	case ev := <-all:
		assert.Equal(t, "broker.event.published", ev.Type)
	case <-time.After(time.Second):
		t.Fatal("wildcard subscriber did not receive event")
	}

	select {
	case <-other:
		t.Fatal("subscriber for a different type should not receive this event")
	default:
	}
}

func TestUnsubscribeClosesChannelAndStopsDelivery(t *testing.T) {
	b := NewBus()
	ch := b.Subscribe("broker.event.published")

	b.Unsubscribe(ch)
	_, open := <-ch
	assert.False(t, open)

	assert.NotPanics(t, func() {
		b.Emit("broker.event.published", "broker/transport", "evt-2", nil)
	})
}

func TestSubscriberCountTracksTypedAndWildcardSubs(t *testing.T) {
	b := NewBus()
	assert.Equal(t, 0, b.SubscriberCount())

	ch1 := b.Subscribe("broker.event.published")
	ch2 := b.Subscribe()
	assert.Equal(t, 2, b.SubscriberCount())

	b.Unsubscribe(ch1)
	assert.Equal(t, 1, b.SubscriberCount())

	b.Unsubscribe(ch2)
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestPublishDropsEventsOnFullBufferWithoutBlocking(t *testing.T) {
	b := NewBus()
	ch := b.Subscribe("broker.event.published")

	require.NotPanics(t, func() {
		for i := 0; i < b.bufferSize+10; i++ {
			b.Emit("broker.event.published", "broker/transport", "evt", nil)
		}
	})

	assert.LessOrEqual(t, len(ch), b.bufferSize)

	b.mu.RLock()
	var reg *registration
	for _, r := range b.regs {
		reg = r
	}
	b.mu.RUnlock()
	require.NotNil(t, reg)
	assert.Greater(t, reg.dropped, uint64(0))
}

func TestBrokerEventJSONRoundTrips(t *testing.T) {
	ev := NewBrokerEvent("broker.event.published", "broker/transport", "evt-3", map[string]interface{}{"topic_id": "orders"})
	data, err := ev.JSON()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"broker.event.published"`)
	assert.Contains(t, string(data), `"topic_id":"orders"`)

	var decoded BrokerEvent
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, ev.Type, decoded.Type)
	assert.Equal(t, ev.Subject, decoded.Subject)
	assert.Equal(t, "orders", decoded.Data["topic_id"])
}

func TestBusSatisfiesEventEmitter(t *testing.T) {
	var _ EventEmitter = NewBus()
}
