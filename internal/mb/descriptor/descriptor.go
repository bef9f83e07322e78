// Package descriptor maintains the per-topic versioned event-descriptor
// cache: current and historical schemas plus extractor definitions, ordered
// by version so resolution for publish is a cheap scan.
package descriptor

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/btree"

	"github.com/ocx/broker/internal/mb/mberr"
	"github.com/ocx/broker/internal/mb/model"
	"github.com/ocx/broker/internal/store"
)

// entry is a btree item ordered by Version.
type entry struct {
	version model.DescriptorVersion
	desc    model.EventDescriptor
}

func (e entry) Less(than btree.Item) bool {
	return e.version < than.(entry).version
}

// topicState is one topic's descriptor set.
type topicState struct {
	mu            sync.RWMutex
	versions      *btree.BTree // of entry, ordered by version
	versionLatest model.DescriptorVersion
	versionMin    model.DescriptorVersion
}

// Cache is the process-wide, shared descriptor cache.
type Cache struct {
	topics store.TopicFacade

	mu     sync.RWMutex
	states map[string]*topicState
}

// New returns a Cache backed by the given TopicFacade.
func New(topics store.TopicFacade) *Cache {
	return &Cache{topics: topics, states: make(map[string]*topicState)}
}

func (c *Cache) stateFor(topicID string) *topicState {
	c.mu.RLock()
	s, ok := c.states[topicID]
	c.mu.RUnlock()
	if ok {
		return s
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok = c.states[topicID]; ok {
		return s
	}
	s = &topicState{versions: btree.New(32)}
	c.states[topicID] = s
	return s
}

// Upsert validates and persists a new descriptor version for a topic,
// rejecting non-increasing versions. On success it updates the in-memory
// cache and registers each extractor's column for search.
func (c *Cache) Upsert(ctx context.Context, topicID string, desc model.EventDescriptor) error {
	if !model.ValidIdentifier(topicID) {
		return mberr.Newf(mberr.MalformedIdentifier, "invalid topic id %q", topicID)
	}

	s := c.stateFor(topicID)
	s.mu.Lock()
	if s.versions.Len() > 0 && desc.Version <= s.versionLatest {
		s.mu.Unlock()
		return mberr.Newf(mberr.EvenDescriptorError, "descriptor version %d is not greater than current latest %d", desc.Version, s.versionLatest)
	}
	if desc.VersionMin != nil && *desc.VersionMin > desc.Version {
		s.mu.Unlock()
		return mberr.Newf(mberr.EvenDescriptorError, "version_min %d exceeds version %d", *desc.VersionMin, desc.Version)
	}
	s.mu.Unlock()

	cols := make([]store.ExtractorColumn, 0, len(desc.Extractors))
	for _, ex := range desc.Extractors {
		cols = append(cols, store.ExtractorColumn{Name: ex.ResultName, Type: ex.ResultType})
	}
	if len(cols) > 0 {
		if err := c.topics.ExtractionSetupSearchable(ctx, topicID, cols); err != nil {
			return mberr.Wrap(mberr.EvenDescriptorError, err, "extraction_setup_searchable")
		}
	}

	schemaID := ""
	if desc.Schema != nil {
		schemaID = desc.Schema.SchemaID
	}
	descJSON, err := json.Marshal(desc)
	if err != nil {
		return mberr.Wrap(mberr.EvenDescriptorError, err, "marshal descriptor")
	}
	insertedNow, err := c.topics.DescriptorPersist(ctx, topicID, desc.Version, desc.VersionMin, schemaID, descJSON)
	if err != nil {
		return mberr.Wrap(mberr.Unspecified, err, "descriptor_persist")
	}
	if !insertedNow {
		return mberr.Newf(mberr.EvenDescriptorError, "descriptor version %d already present", desc.Version)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions.ReplaceOrInsert(entry{version: desc.Version, desc: desc})
	s.versionLatest = desc.Version
	if desc.VersionMin != nil {
		s.versionMin = *desc.VersionMin
		// clamp cached descriptors below the new floor out of eligibility
		var stale []btree.Item
		s.versions.Ascend(func(i btree.Item) bool {
			e := i.(entry)
			if e.version < s.versionMin {
				stale = append(stale, i)
			}
			return true
		})
		for _, it := range stale {
			s.versions.Delete(it)
		}
	}
	return nil
}

// ResolveForPublish returns the descriptor a publisher may use. If
// clientVersionHint is nil, the latest descriptor with version >=
// version_min is returned. If it is non-nil, it must lie within
// [version_min, version_latest].
func (c *Cache) ResolveForPublish(ctx context.Context, topicID string, clientVersionHint *model.DescriptorVersion) (model.EventDescriptor, error) {
	s := c.stateFor(topicID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.versions.Len() == 0 {
		return model.EventDescriptor{}, mberr.Newf(mberr.EvenDescriptorError, "no descriptor registered for topic %q", topicID)
	}

	if clientVersionHint != nil {
		if *clientVersionHint < s.versionMin || *clientVersionHint > s.versionLatest {
			return model.EventDescriptor{}, mberr.Newf(mberr.EvenDescriptorError, "requested version %d outside allowed range [%d, %d]", *clientVersionHint, s.versionMin, s.versionLatest)
		}
		if it := s.versions.Get(entry{version: *clientVersionHint}); it != nil {
			return it.(entry).desc, nil
		}
		return model.EventDescriptor{}, mberr.Newf(mberr.EvenDescriptorError, "descriptor version %d not found", *clientVersionHint)
	}

	var latest model.EventDescriptor
	s.versions.Descend(func(i btree.Item) bool {
		e := i.(entry)
		if e.version >= s.versionMin {
			latest = e.desc
			return false
		}
		return true
	})
	if latest.Version == 0 {
		return model.EventDescriptor{}, mberr.Newf(mberr.EvenDescriptorError, "no eligible descriptor for topic %q", topicID)
	}
	return latest, nil
}

// Load populates the cache for a topic from persisted descriptor JSON.
func (c *Cache) Load(ctx context.Context, topicID string) error {
	raws, err := c.topics.DescriptorsByTopic(ctx, topicID, nil)
	if err != nil {
		return mberr.Wrap(mberr.Unspecified, err, "descriptors_by_topic")
	}
	s := c.stateFor(topicID)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, raw := range raws {
		var d model.EventDescriptor
		if err := json.Unmarshal(raw, &d); err != nil {
			continue
		}
		s.versions.ReplaceOrInsert(entry{version: d.Version, desc: d})
		if d.Version > s.versionLatest {
			s.versionLatest = d.Version
		}
		if d.VersionMin != nil && *d.VersionMin > s.versionMin {
			s.versionMin = *d.VersionMin
		}
	}
	return nil
}
