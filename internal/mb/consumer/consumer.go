// Package consumer implements the per-(topic,consumer) delivery engine:
// prefetch cache, dispatch loop, and confirmation, enforcing ordered,
// at-least-once delivery per consumer.
package consumer

import (
	"context"
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/ocx/broker/internal/mb/mberr"
	"github.com/ocx/broker/internal/mb/model"
	"github.com/ocx/broker/internal/mb/uniquetime"
	"github.com/ocx/broker/internal/store"
)

// MaxCacheSize bounds the prefetch cache.
const MaxCacheSize = 1024

// DefaultBatchLimit bounds one poll_pending call.
const DefaultBatchLimit = 256

// VisibilityTimeout is how long a Reserved delivery intent may go
// unconfirmed before it is treated as expired and eligible for re-delivery.
const VisibilityTimeout = 30 * time.Second

type cacheEntry struct {
	ut  uniquetime.UniqueTime
	tpl model.DeliveryIntentTemplate
}

func (e cacheEntry) Less(than btree.Item) bool {
	return uniquetime.Less(e.ut, than.(cacheEntry).ut)
}

// deliveryCache is the ordered prefetch cache plus recently-pulled
// suppression set a consumer's delivery cursor is tracked against.
type deliveryCache struct {
	mu             sync.Mutex
	tree           *btree.BTree
	recentlyPulled map[uniquetime.UniqueTime]struct{}
}

func newDeliveryCache() *deliveryCache {
	return &deliveryCache{tree: btree.New(32), recentlyPulled: make(map[uniquetime.UniqueTime]struct{})}
}

// Insert implements store.DeliveryIntentTemplateInsertable: a template whose
// key is already in recentlyPulled is a late arrival for an event already
// dispatched and is dropped (removed from recentlyPulled) instead of
// re-inserted, damping redundant redelivery churn.
func (c *deliveryCache) Insert(tpl model.DeliveryIntentTemplate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.recentlyPulled[tpl.UniqueTime]; ok {
		delete(c.recentlyPulled, tpl.UniqueTime)
		return
	}
	c.tree.ReplaceOrInsert(cacheEntry{ut: tpl.UniqueTime, tpl: tpl})
}

func (c *deliveryCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tree.Len()
}

func (c *deliveryCache) isFull() bool { return c.len() >= MaxCacheSize }

// popFront removes and returns the lowest-UniqueTime template, recording its
// key as recently pulled so a late prefetch insert for the same key is
// suppressed.
func (c *deliveryCache) popFront() (model.DeliveryIntentTemplate, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	min := c.tree.Min()
	if min == nil {
		return model.DeliveryIntentTemplate{}, false
	}
	entry := min.(cacheEntry)
	c.tree.Delete(entry)
	c.recentlyPulled[entry.ut] = struct{}{}
	return entry.tpl, true
}

// Delivery is the emitted frame for a dispatched event, corresponding to the
// wire-level Next frame.
type Delivery struct {
	UniqueTime          uniquetime.UniqueTime
	EventDocument       []byte
	CorrelationToken    string
	DeliveryInstanceID  uint16
}

// Consumer owns the prefetch cache, watermarks, and dispatch loop for one
// (topic_id, consumer_id) pair.
type Consumer struct {
	topicID, consumerID string
	instanceID          uint16

	facade store.ConsumerDeliveryFacade
	events store.EventFacade

	cache *deliveryCache

	mu        sync.Mutex
	attempted uniquetime.UniqueTime
	done      uniquetime.UniqueTime
}

// New constructs a Consumer; callers must call Start before Prefetch or Next
// to seed watermarks from storage.
func New(topicID, consumerID string, instanceID uint16, facade store.ConsumerDeliveryFacade, events store.EventFacade) *Consumer {
	return &Consumer{
		topicID: topicID, consumerID: consumerID, instanceID: instanceID,
		facade: facade, events: events, cache: newDeliveryCache(),
	}
}

// Start ensures the consumer record exists and seeds in-memory watermarks
// from persisted state: attempted = max(persisted_attempted,
// baseline_ts_or_now); done = persisted_done.
func (c *Consumer) Start(ctx context.Context, baselineTS *int64, descriptorVersionEncoded *uint64) error {
	if err := c.facade.EnsureConsumerSetup(ctx, c.topicID, c.consumerID, baselineTS, descriptorVersionEncoded); err != nil {
		return mberr.Wrap(mberr.Unspecified, err, "ensure_consumer_setup")
	}
	attempted, err := c.facade.GetAttemptedWatermark(ctx, c.topicID, c.consumerID)
	if err != nil {
		return mberr.Wrap(mberr.Unspecified, err, "get attempted watermark")
	}
	done, err := c.facade.GetDoneWatermark(ctx, c.topicID, c.consumerID)
	if err != nil {
		return mberr.Wrap(mberr.Unspecified, err, "get done watermark")
	}

	baseline := uniquetime.UniqueTime{Micros: time.Now().UnixMicro()}
	if baselineTS != nil {
		baseline.Micros = *baselineTS
	}
	if uniquetime.Less(attempted, baseline) {
		attempted = baseline
	}

	c.mu.Lock()
	c.attempted, c.done = attempted, done
	c.mu.Unlock()
	return nil
}

func (c *Consumer) Attempted() uniquetime.UniqueTime {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempted
}

func (c *Consumer) Done() uniquetime.UniqueTime {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

func (c *Consumer) advanceAttempted(ut uniquetime.UniqueTime) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if uniquetime.Less(c.attempted, ut) {
		c.attempted = ut
	}
}

// Prefetch fills the delivery cache up to MaxCacheSize by polling storage
// from the current attempted watermark.
func (c *Consumer) Prefetch(ctx context.Context) error {
	if c.cache.isFull() {
		return nil
	}
	if err := c.facade.PollPending(ctx, c.topicID, c.consumerID, c.Attempted(), DefaultBatchLimit, c.cache); err != nil {
		return mberr.Wrap(mberr.Unspecified, err, "poll_pending")
	}
	return nil
}

// Next performs one dispatch-loop iteration: pop the front of the cache,
// attempt reservation, and on success load and return the event for
// emission. ok is false when the cache is empty or every popped candidate
// lost its reservation race (caller should retry after backing off).
func (c *Consumer) Next(ctx context.Context) (Delivery, bool, error) {
	for {
		tpl, ok := c.cache.popFront()
		if !ok {
			return Delivery{}, false, nil
		}

		nowMicros := time.Now().UnixMicro()
		reserved, err := c.facade.ReserveDeliveryIntent(ctx, c.topicID, c.consumerID, tpl.UniqueTime, nowMicros)
		if err != nil {
			return Delivery{}, false, mberr.Wrap(mberr.Unspecified, err, "reserve_delivery_intent")
		}
		if !reserved {
			continue // another worker won, or already done; try next candidate
		}

		c.advanceAttempted(tpl.UniqueTime)

		gist, err := c.events.EventByIDAndUniqueTime(ctx, c.topicID, tpl.EventID, tpl.UniqueTime)
		if err != nil {
			return Delivery{}, false, mberr.Wrap(mberr.Unspecified, err, "event_by_id_and_unique_time")
		}
		if gist == nil {
			continue // event vanished under us; move to next candidate
		}

		return Delivery{
			UniqueTime:         tpl.UniqueTime,
			EventDocument:      gist.Document,
			CorrelationToken:   gist.CorrelationToken,
			DeliveryInstanceID: c.instanceID,
		}, true, nil
	}
}

// Confirm acknowledges delivery of ut, advancing the done watermark when
// this confirmation is the current front. deliveringInstanceID identifies
// which instance originally dispatched the event; only that instance's
// local delivery is marked done, but confirm_delivery is always called on
// storage regardless of which instance handled the original dispatch.
func (c *Consumer) Confirm(ctx context.Context, ut uniquetime.UniqueTime, deliveringInstanceID uint16) error {
	nowMicros := time.Now().UnixMicro()
	confirmed, err := c.facade.ConfirmDelivery(ctx, c.topicID, c.consumerID, ut, nowMicros)
	if err != nil {
		return mberr.Wrap(mberr.Unspecified, err, "confirm_delivery")
	}
	if !confirmed {
		return nil
	}

	c.mu.Lock()
	if uniquetime.Less(c.done, ut) {
		c.done = ut
	}
	done := c.done
	c.mu.Unlock()

	if err := c.facade.SetDoneWatermark(ctx, c.topicID, c.consumerID, done); err != nil {
		return mberr.Wrap(mberr.Unspecified, err, "set done watermark")
	}
	return nil
}
