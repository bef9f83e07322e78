// Package authz implements the access-control cache and policy engine: a
// TTL cache in front of the storage-backed grant table, plus first-come
// bootstrap authorization for previously-ungoverned resources.
package authz

import (
	"context"
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/ocx/broker/internal/mb/mberr"
	"github.com/ocx/broker/internal/store"
)

// DefaultTTL is the cache entry lifetime.
const DefaultTTL = 5 * time.Minute

// PurgeInterval is how often expired entries are swept.
const PurgeInterval = DefaultTTL / 10

type cacheItem struct {
	key        string
	expiration int64 // monotonic micros
}

func (c cacheItem) Less(than btree.Item) bool { return c.key < than.(cacheItem).key }

// Engine is the access-control cache and policy engine.
type Engine struct {
	facade store.AuthorizationFacade
	ttl    time.Duration

	mu    sync.Mutex
	cache *btree.BTree
	now   func() int64
}

// New returns an Engine backed by facade, using DefaultTTL.
func New(facade store.AuthorizationFacade) *Engine {
	return &Engine{
		facade: facade,
		ttl:    DefaultTTL,
		cache:  btree.New(32),
		now:    func() int64 { return time.Now().UnixMicro() },
	}
}

func cacheKey(identityString, resource string) string {
	return identityString + ";" + resource
}

// IsAuthorized reports whether identityString may access resource. It
// checks the cache first; cache hits require the entry's expiration to be
// strictly after now. On a cache miss it falls through to the facade; allow
// results are cached, deny results are never cached so that newly-granted
// access takes effect without waiting out a negative TTL.
//
// Special bootstrapping: if no grant has ever been made for resource (per
// AnyAuthorized), the first requester is treated as allowed and granted,
// establishing them as the resource's first administrator.
func (e *Engine) IsAuthorized(ctx context.Context, identityString, resource string) (bool, error) {
	key := cacheKey(identityString, resource)

	e.mu.Lock()
	if it := e.cache.Get(cacheItem{key: key}); it != nil {
		entry := it.(cacheItem)
		now := e.now()
		if now < entry.expiration {
			e.mu.Unlock()
			return true, nil
		}
	}
	e.mu.Unlock()

	allowed, err := e.facade.IsAuthorized(ctx, identityString, resource)
	if err != nil {
		return false, mberr.Wrap(mberr.Unspecified, err, "is_authorized")
	}
	if allowed {
		e.insert(key)
		return true, nil
	}

	anyGranted, err := e.facade.AnyAuthorized(ctx, resource)
	if err != nil {
		return false, mberr.Wrap(mberr.Unspecified, err, "any_authorized")
	}
	if !anyGranted {
		if err := e.facade.Grant(ctx, identityString, resource, nil); err != nil {
			return false, mberr.Wrap(mberr.Unspecified, err, "bootstrap grant")
		}
		e.insert(key)
		return true, nil
	}

	return false, nil
}

func (e *Engine) insert(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache.ReplaceOrInsert(cacheItem{key: key, expiration: e.now() + e.ttl.Microseconds()})
}

// Grant persists an explicit allow grant and warms the cache for it.
func (e *Engine) Grant(ctx context.Context, identityString, resource string, expiryMicros *int64) error {
	if err := e.facade.Grant(ctx, identityString, resource, expiryMicros); err != nil {
		return mberr.Wrap(mberr.Unspecified, err, "grant")
	}
	e.insert(cacheKey(identityString, resource))
	return nil
}

// Deny persists an explicit deny grant and evicts any cached allow.
func (e *Engine) Deny(ctx context.Context, identityString, resource string, expiryMicros *int64) error {
	if err := e.facade.Deny(ctx, identityString, resource, expiryMicros); err != nil {
		return mberr.Wrap(mberr.Unspecified, err, "deny")
	}
	key := cacheKey(identityString, resource)
	e.mu.Lock()
	e.cache.Delete(cacheItem{key: key})
	e.mu.Unlock()
	return nil
}

// Purge removes expired cache entries; intended to run on a PurgeInterval
// ticker for the lifetime of the engine.
func (e *Engine) Purge() {
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	var stale []btree.Item
	e.cache.Ascend(func(i btree.Item) bool {
		if entry := i.(cacheItem); entry.expiration <= now {
			stale = append(stale, i)
		}
		return true
	})
	for _, it := range stale {
		e.cache.Delete(it)
	}
}

// Run starts the purge loop; it returns when ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(PurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Purge()
		}
	}
}
