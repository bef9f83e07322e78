package authz

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/broker/internal/store/memory"
)

func newTestEngine() *Engine {
	provider := memory.New()
	return New(provider.Authorization())
}

func TestIsAuthorizedBootstrapsFirstRequester(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	allowed, err := e.IsAuthorized(ctx, "bearer;iss;alice", "topic/orders/consume/c1")
	require.NoError(t, err)
	assert.True(t, allowed, "first requester for an ungoverned resource is bootstrapped as allowed")
}

func TestIsAuthorizedDeniesSecondRequesterAfterBootstrap(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	_, err := e.IsAuthorized(ctx, "bearer;iss;alice", "topic/orders/consume/c1")
	require.NoError(t, err)

	allowed, err := e.IsAuthorized(ctx, "bearer;iss;bob", "topic/orders/consume/c1")
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestIsAuthorizedUsesCacheWhileEntryUnexpired(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()
	nowMicros := int64(1_000_000)
	e.now = func() int64 { return nowMicros }

	_, err := e.IsAuthorized(ctx, "bearer;iss;alice", "topic/orders/consume/c1")
	require.NoError(t, err)

	// Deny directly against the facade without going through the Engine;
	// a cache hit should still report allowed because the cached entry has
	// not expired yet.
	require.NoError(t, e.facade.Deny(ctx, "bearer;iss;alice", "topic/orders/consume/c1", nil))

	allowed, err := e.IsAuthorized(ctx, "bearer;iss;alice", "topic/orders/consume/c1")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestIsAuthorizedFallsThroughAfterCacheExpires(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()
	nowMicros := int64(1_000_000)
	e.now = func() int64 { return nowMicros }

	_, err := e.IsAuthorized(ctx, "bearer;iss;alice", "topic/orders/consume/c1")
	require.NoError(t, err)

	require.NoError(t, e.facade.Deny(ctx, "bearer;iss;alice", "topic/orders/consume/c1", nil))

	nowMicros += DefaultTTL.Microseconds() + 1

	allowed, err := e.IsAuthorized(ctx, "bearer;iss;alice", "topic/orders/consume/c1")
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestGrantWarmsCacheAndDenyEvictsIt(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	require.NoError(t, e.Grant(ctx, "bearer;iss;alice", "topic/orders/consume/c1", nil))
	allowed, err := e.IsAuthorized(ctx, "bearer;iss;alice", "topic/orders/consume/c1")
	require.NoError(t, err)
	assert.True(t, allowed)

	require.NoError(t, e.Deny(ctx, "bearer;iss;alice", "topic/orders/consume/c1", nil))

	e.mu.Lock()
	it := e.cache.Get(cacheItem{key: cacheKey("bearer;iss;alice", "topic/orders/consume/c1")})
	e.mu.Unlock()
	assert.Nil(t, it)
}

func TestPurgeRemovesExpiredEntriesOnly(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()
	nowMicros := int64(1_000_000)
	e.now = func() int64 { return nowMicros }

	require.NoError(t, e.Grant(ctx, "bearer;iss;alice", "topic/orders/consume/c1", nil))

	nowMicros += DefaultTTL.Microseconds() + 1
	require.NoError(t, e.Grant(ctx, "bearer;iss;bob", "topic/orders/consume/c1", nil))
	// bob's grant just refreshed e.now's reference point relative to insert time,
	// but its own cache entry was inserted at the advanced nowMicros, so it is
	// still fresh relative to itself.

	e.Purge()

	e.mu.Lock()
	aliceEntry := e.cache.Get(cacheItem{key: cacheKey("bearer;iss;alice", "topic/orders/consume/c1")})
	bobEntry := e.cache.Get(cacheItem{key: cacheKey("bearer;iss;bob", "topic/orders/consume/c1")})
	e.mu.Unlock()

	assert.Nil(t, aliceEntry, "alice's entry expired and should have been purged")
	assert.NotNil(t, bobEntry, "bob's entry is still within its TTL")
}
