package consumer

import (
	"context"
	"sync"

	"github.com/ocx/broker/internal/store"
)

// Registry is the process-wide Consumers registry: it lazily creates and
// caches one Consumer per (topic_id, consumer_id) for the lifetime of the
// process, keyed by "<topic_id>.<consumer_id>".
type Registry struct {
	facade     store.ConsumerDeliveryFacade
	events     store.EventFacade
	instanceID uint16

	mu        sync.Mutex
	consumers map[string]*Consumer
}

// NewRegistry returns an empty Registry.
func NewRegistry(facade store.ConsumerDeliveryFacade, events store.EventFacade, instanceID uint16) *Registry {
	return &Registry{facade: facade, events: events, instanceID: instanceID, consumers: make(map[string]*Consumer)}
}

func registryKey(topicID, consumerID string) string { return topicID + "." + consumerID }

// ByTopicAndConsumerID returns the Consumer for (topicID, consumerID),
// creating and starting it on first reference.
func (r *Registry) ByTopicAndConsumerID(ctx context.Context, topicID, consumerID string, baselineTS *int64, descriptorVersionEncoded *uint64) (*Consumer, error) {
	key := registryKey(topicID, consumerID)

	r.mu.Lock()
	c, ok := r.consumers[key]
	r.mu.Unlock()
	if ok {
		return c, nil
	}

	c = New(topicID, consumerID, r.instanceID, r.facade, r.events)
	if err := c.Start(ctx, baselineTS, descriptorVersionEncoded); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if existing, ok := r.consumers[key]; ok {
		r.mu.Unlock()
		return existing, nil
	}
	r.consumers[key] = c
	r.mu.Unlock()
	return c, nil
}
