// Package counter implements the per-topic, per-instance object-count
// tracker: local atomic counters shadowed against storage with periodic
// flush, and a reader that refreshes cluster-wide per-instance totals.
package counter

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ocx/broker/internal/mb/mberr"
	"github.com/ocx/broker/internal/mb/model"
	"github.com/ocx/broker/internal/store"
)

// DefaultFlushInterval is how often accumulated counts are flushed to
// storage.
const DefaultFlushInterval = 5 * time.Second

// DefaultRefreshInterval controls how often cluster totals are recomputed.
const DefaultRefreshInterval = 10 * time.Second

type localCounter struct {
	current   atomic.Uint64
	persisted atomic.Uint64
}

type topicCounters struct {
	mu     sync.RWMutex
	byType map[model.ObjectCountType]*localCounter
	totals map[model.ObjectCountType]uint64 // last refreshed cluster total
}

// Tracker is the process-wide object-count tracker.
type Tracker struct {
	facade     store.EventTrackingFacade
	instanceID uint16

	mu     sync.RWMutex
	topics map[string]*topicCounters
}

// New returns a Tracker for the given instance, persisting through facade.
func New(facade store.EventTrackingFacade, instanceID uint16) *Tracker {
	return &Tracker{facade: facade, instanceID: instanceID, topics: make(map[string]*topicCounters)}
}

func (t *Tracker) topicState(topicID string) *topicCounters {
	t.mu.RLock()
	tc, ok := t.topics[topicID]
	t.mu.RUnlock()
	if ok {
		return tc
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if tc, ok = t.topics[topicID]; ok {
		return tc
	}
	tc = &topicCounters{
		byType: make(map[model.ObjectCountType]*localCounter),
		totals: make(map[model.ObjectCountType]uint64),
	}
	t.topics[topicID] = tc
	return tc
}

func (tc *topicCounters) counterFor(t model.ObjectCountType) *localCounter {
	tc.mu.RLock()
	c, ok := tc.byType[t]
	tc.mu.RUnlock()
	if ok {
		return c
	}
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if c, ok = tc.byType[t]; ok {
		return c
	}
	c = &localCounter{}
	tc.byType[t] = c
	return c
}

// Increment bumps the local counter for (topicID, t) by one and returns the
// new local value.
func (t *Tracker) Increment(topicID string, ct model.ObjectCountType) uint64 {
	return t.topicState(topicID).counterFor(ct).current.Add(1)
}

// ClusterTotal returns the last-refreshed sum of per-instance counts for
// (topicID, t), which RefreshOnce keeps current.
func (t *Tracker) ClusterTotal(topicID string, ct model.ObjectCountType) uint64 {
	tc := t.topicState(topicID)
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.totals[ct]
}

// FlushOnce persists any locally-changed counters for every tracked topic.
func (t *Tracker) FlushOnce(ctx context.Context) error {
	t.mu.RLock()
	snapshot := make(map[string]*topicCounters, len(t.topics))
	for k, v := range t.topics {
		snapshot[k] = v
	}
	t.mu.RUnlock()

	for topicID, tc := range snapshot {
		tc.mu.RLock()
		counters := make(map[model.ObjectCountType]*localCounter, len(tc.byType))
		for ct, c := range tc.byType {
			counters[ct] = c
		}
		tc.mu.RUnlock()

		for ct, c := range counters {
			cur := c.current.Load()
			if cur == c.persisted.Load() {
				continue
			}
			if err := t.facade.ObjectCountInsert(ctx, topicID, ct, t.instanceID, cur); err != nil {
				return mberr.Wrap(mberr.Unspecified, err, "object_count_insert topic=%s type=%s", topicID, ct)
			}
			c.persisted.Store(cur)
		}
	}
	return nil
}

// RefreshOnce recomputes cluster totals for every tracked (topic, type).
func (t *Tracker) RefreshOnce(ctx context.Context) error {
	t.mu.RLock()
	snapshot := make(map[string]*topicCounters, len(t.topics))
	for k, v := range t.topics {
		snapshot[k] = v
	}
	t.mu.RUnlock()

	for topicID, tc := range snapshot {
		tc.mu.RLock()
		types := make([]model.ObjectCountType, 0, len(tc.byType))
		for ct := range tc.byType {
			types = append(types, ct)
		}
		tc.mu.RUnlock()

		for _, ct := range types {
			counts, err := t.facade.ObjectCountByTopicAndType(ctx, topicID, ct)
			if err != nil {
				return mberr.Wrap(mberr.Unspecified, err, "object_count_by_topic_and_type")
			}
			var total uint64
			for _, c := range counts {
				total += c.ObjectCount
			}
			tc.mu.Lock()
			tc.totals[ct] = total
			tc.mu.Unlock()
		}
	}
	return nil
}

// Run starts the flush and refresh loops; it returns when ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) {
	flushTicker := time.NewTicker(DefaultFlushInterval)
	refreshTicker := time.NewTicker(DefaultRefreshInterval)
	defer flushTicker.Stop()
	defer refreshTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-flushTicker.C:
			_ = t.FlushOnce(ctx)
		case <-refreshTicker.C:
			_ = t.RefreshOnce(ctx)
		}
	}
}
