// Package redis implements store.InstanceIdFacade as a TTL-leased claim
// table in Redis, plus a pub/sub fanout that lets the correlation hotlist
// notify waiters on other instances (go-redis v9 Set/Get/Del, and a
// channel-based Subscribe with an unsubscribe closure).
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ocx/broker/internal/mb/mberr"
	"github.com/ocx/broker/internal/store"
)

const (
	claimKeyPrefix = "ocx:broker:instance:"
	maxInstanceID  = 1 << 16
)

// InstanceIDFacade leases cluster-unique instance ids as Redis keys with a
// TTL, following the same expiry-by-absence pattern as a session lock.
type InstanceIDFacade struct {
	rdb *redis.Client
}

// NewInstanceIDFacade wraps an already-connected client.
func NewInstanceIDFacade(rdb *redis.Client) *InstanceIDFacade {
	return &InstanceIDFacade{rdb: rdb}
}

func claimKey(id uint16) string {
	return claimKeyPrefix + strconv.Itoa(int(id))
}

// Claim scans for the lowest free instance id and leases it with SETNX +
// TTL. The scan is bounded by maxInstanceID and is only ever run at process
// startup, so its O(n) worst case is not on any hot path.
func (f *InstanceIDFacade) Claim(ctx context.Context, ttlSeconds int) (uint16, error) {
	ttl := time.Duration(ttlSeconds) * time.Second
	now := time.Now().UnixMicro()
	for id := 0; id < maxInstanceID; id++ {
		ok, err := f.rdb.SetNX(ctx, claimKey(uint16(id)), now, ttl).Result()
		if err != nil {
			return 0, mberr.Wrap(mberr.Unspecified, err, "claim instance id")
		}
		if ok {
			return uint16(id), nil
		}
	}
	return 0, mberr.Newf(mberr.Unspecified, "no free instance id in [0, %d)", maxInstanceID)
}

func (f *InstanceIDFacade) Refresh(ctx context.Context, ttlSeconds int, id uint16) (bool, error) {
	ok, err := f.rdb.Expire(ctx, claimKey(id), time.Duration(ttlSeconds)*time.Second).Result()
	if err != nil {
		return false, mberr.Wrap(mberr.Unspecified, err, "refresh instance lease")
	}
	return ok, nil
}

func (f *InstanceIDFacade) Free(ctx context.Context, id uint16) error {
	if err := f.rdb.Del(ctx, claimKey(id)).Err(); err != nil {
		return mberr.Wrap(mberr.Unspecified, err, "free instance id")
	}
	return nil
}

// OldestInstanceID scans live claims and returns the one with the smallest
// claimed-at timestamp, used to elect a single instance to run the
// integrity consolidator.
func (f *InstanceIDFacade) OldestInstanceID(ctx context.Context) (uint16, int64, error) {
	var oldestID uint16
	var oldestTS int64 = -1
	for id := 0; id < maxInstanceID; id++ {
		val, err := f.rdb.Get(ctx, claimKey(uint16(id))).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return 0, 0, mberr.Wrap(mberr.Unspecified, err, "oldest instance id scan")
		}
		ts, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			continue
		}
		if oldestTS == -1 || ts < oldestTS {
			oldestID, oldestTS = uint16(id), ts
		}
	}
	if oldestTS == -1 {
		return 0, 0, fmt.Errorf("no live instance claims")
	}
	return oldestID, oldestTS, nil
}

var _ store.InstanceIdFacade = (*InstanceIDFacade)(nil)

// CorrelationBus fans a topic's new-event notifications out to every broker
// instance via Redis pub/sub, so correlation.Hotlist awaiters on instance A
// wake up for an event a publish on instance B just persisted. It is not
// itself a store.HotlistListener: Publish and Subscribe carry only the
// correlation token, and local delivery still goes through the in-process
// Hotlist directly.
type CorrelationBus struct {
	rdb *redis.Client
}

func NewCorrelationBus(rdb *redis.Client) *CorrelationBus {
	return &CorrelationBus{rdb: rdb}
}

func correlationChannel(topicID string) string {
	return "ocx:broker:correlation:" + topicID
}

// Publish broadcasts that a new event with correlationToken landed in
// topicID, for every instance's Subscribe loop to pick up.
func (b *CorrelationBus) Publish(ctx context.Context, topicID, correlationToken string) error {
	if err := b.rdb.Publish(ctx, correlationChannel(topicID), correlationToken).Err(); err != nil {
		return mberr.Wrap(mberr.Unspecified, err, "publish correlation notification")
	}
	return nil
}

// Subscribe registers handler to be called with the correlation token of
// every new event notified for topicID, returning an unsubscribe func.
func (b *CorrelationBus) Subscribe(ctx context.Context, topicID string, handler func(correlationToken string)) (func(), error) {
	sub := b.rdb.Subscribe(ctx, correlationChannel(topicID))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, mberr.Wrap(mberr.Unspecified, err, "subscribe to correlation channel")
	}
	ch := sub.Channel()
	go func() {
		for msg := range ch {
			handler(msg.Payload)
		}
	}()
	return func() { sub.Close() }, nil
}
