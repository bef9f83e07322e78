// Package memory implements an in-process store.Provider over ordered
// btree indices guarded by mutexes. Used by tests and by broker-server when
// the memory storage backend is selected.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/ocx/broker/internal/mb/mberr"
	"github.com/ocx/broker/internal/mb/model"
	"github.com/ocx/broker/internal/mb/uniquetime"
	"github.com/ocx/broker/internal/store"
)

// Provider aggregates all seven in-memory facades.
type Provider struct {
	authz   *authorizationFacade
	topics  *topicFacade
	events  *eventFacade
	consume *consumerDeliveryFacade
	track   *eventTrackingFacade
	inst    *instanceIDFacade
	integ   *integrityFacade
}

// New returns an empty, ready Provider.
func New() *Provider {
	p := &Provider{
		authz:   newAuthorizationFacade(),
		topics:  newTopicFacade(),
		consume: newConsumerDeliveryFacade(),
		inst:    newInstanceIDFacade(),
		integ:   newIntegrityFacade(),
	}
	p.track = newEventTrackingFacade()
	p.events = newEventFacade(p.track)
	p.consume.bindEvents(p.events)
	return p
}

func (p *Provider) Authorization() store.AuthorizationFacade           { return p.authz }
func (p *Provider) Topic() store.TopicFacade                           { return p.topics }
func (p *Provider) Event() store.EventFacade                           { return p.events }
func (p *Provider) ConsumerDelivery() store.ConsumerDeliveryFacade      { return p.consume }
func (p *Provider) EventTracking() store.EventTrackingFacade           { return p.track }
func (p *Provider) InstanceID() store.InstanceIdFacade                 { return p.inst }
func (p *Provider) IntegrityProtection() store.IntegrityProtectionFacade { return p.integ }

// ---- AuthorizationFacade ----

type grant struct {
	expiryMicros *int64
}

type authorizationFacade struct {
	mu     sync.RWMutex
	grants map[string]grant // key: identityString + "\x00" + resource
	denies map[string]grant
	any    map[string]bool // resource -> any grant ever made
}

func newAuthorizationFacade() *authorizationFacade {
	return &authorizationFacade{grants: make(map[string]grant), denies: make(map[string]grant), any: make(map[string]bool)}
}

func authKey(identityString, resource string) string { return identityString + "\x00" + resource }

func (a *authorizationFacade) IsAuthorized(ctx context.Context, identityString, resource string) (bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if d, ok := a.denies[authKey(identityString, resource)]; ok && !expired(d.expiryMicros) {
		return false, nil
	}
	g, ok := a.grants[authKey(identityString, resource)]
	if !ok {
		return false, nil
	}
	return !expired(g.expiryMicros), nil
}

func expired(expiryMicros *int64) bool {
	return expiryMicros != nil && *expiryMicros <= time.Now().UnixMicro()
}

// AnyAuthorized reports whether any identity has ever been granted resource.
// It looks up a per-resource flag that Grant sets, so only the exact
// resource string matters; no prefix or suffix of a stored key is matched.
func (a *authorizationFacade) AnyAuthorized(ctx context.Context, resource string) (bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.any[resource], nil
}

func (a *authorizationFacade) Grant(ctx context.Context, identityString, resource string, expiryMicros *int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.grants[authKey(identityString, resource)] = grant{expiryMicros: expiryMicros}
	delete(a.denies, authKey(identityString, resource))
	a.any[resource] = true
	return nil
}

func (a *authorizationFacade) Deny(ctx context.Context, identityString, resource string, expiryMicros *int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.denies[authKey(identityString, resource)] = grant{expiryMicros: expiryMicros}
	delete(a.grants, authKey(identityString, resource))
	return nil
}

// ---- TopicFacade ----

type descriptorRecord struct {
	version    model.DescriptorVersion
	versionMin *model.DescriptorVersion
	schemaID   string
	json       []byte
}

type topicFacade struct {
	mu          sync.RWMutex
	topics      map[string]bool
	descriptors map[string][]descriptorRecord
	searchable  map[string][]store.ExtractorColumn
}

func newTopicFacade() *topicFacade {
	return &topicFacade{
		topics:      make(map[string]bool),
		descriptors: make(map[string][]descriptorRecord),
		searchable:  make(map[string][]store.ExtractorColumn),
	}
}

func (t *topicFacade) EnsureTopic(ctx context.Context, topicID string) error {
	if !model.ValidIdentifier(topicID) {
		return mberr.Newf(mberr.MalformedIdentifier, "invalid topic id %q", topicID)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.topics[topicID] = true
	return nil
}

func (t *topicFacade) ListTopicIDs(ctx context.Context, cursor string) ([]string, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.topics))
	for id := range t.topics {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, false, nil
}

func (t *topicFacade) DescriptorPersist(ctx context.Context, topicID string, version model.DescriptorVersion, versionMin *model.DescriptorVersion, schemaID string, descriptorJSON []byte) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, d := range t.descriptors[topicID] {
		if d.version == version {
			return false, nil
		}
	}
	t.descriptors[topicID] = append(t.descriptors[topicID], descriptorRecord{version: version, versionMin: versionMin, schemaID: schemaID, json: descriptorJSON})
	return true, nil
}

func (t *topicFacade) DescriptorsByTopic(ctx context.Context, topicID string, minVersion *model.DescriptorVersion) ([][]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out [][]byte
	for _, d := range t.descriptors[topicID] {
		if minVersion != nil && d.version < *minVersion {
			continue
		}
		out = append(out, d.json)
	}
	return out, nil
}

func (t *topicFacade) ExtractionSetupSearchable(ctx context.Context, topicID string, columns []store.ExtractorColumn) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.searchable[topicID] = columns
	return nil
}

// ---- EventFacade ----

type eventEntry struct {
	ut uniquetime.UniqueTime
	ev model.TopicEvent
}

func (e eventEntry) Less(than btree.Item) bool {
	return uniquetime.Less(e.ut, than.(eventEntry).ut)
}

type topicEvents struct {
	mu           sync.RWMutex
	byUniqueTime *btree.BTree // of eventEntry
	byEventID    map[string][]uniquetime.UniqueTime
	byIndex      map[string]map[string][]string // column -> serialized value -> event ids, newest first
	byCorrelation map[string]uniquetime.UniqueTime
}

func newTopicEvents() *topicEvents {
	return &topicEvents{
		byUniqueTime: btree.New(32),
		byEventID:    make(map[string][]uniquetime.UniqueTime),
		byIndex:      make(map[string]map[string][]string),
		byCorrelation: make(map[string]uniquetime.UniqueTime),
	}
}

type eventFacade struct {
	mu     sync.Mutex
	topics map[string]*topicEvents
	track  *eventTrackingFacade
}

func newEventFacade(track *eventTrackingFacade) *eventFacade {
	return &eventFacade{topics: make(map[string]*topicEvents), track: track}
}

func (f *eventFacade) topicState(topicID string) *topicEvents {
	f.mu.Lock()
	defer f.mu.Unlock()
	te, ok := f.topics[topicID]
	if !ok {
		te = newTopicEvents()
		f.topics[topicID] = te
	}
	return te
}

func serializeValue(v model.ExtractedValue) string {
	if v.Text != nil {
		return "t:" + *v.Text
	}
	if v.BigInt != nil {
		return fmt.Sprintf("i:%d", *v.BigInt)
	}
	return ""
}

func (f *eventFacade) EventByID(ctx context.Context, topicID, eventID string) (*model.EventDeliveryGist, error) {
	te := f.topicState(topicID)
	te.mu.RLock()
	defer te.mu.RUnlock()
	uts := te.byEventID[eventID]
	if len(uts) == 0 {
		return nil, nil
	}
	latest := uts[len(uts)-1]
	it := te.byUniqueTime.Get(eventEntry{ut: latest})
	if it == nil {
		return nil, nil
	}
	ev := it.(eventEntry).ev
	return gistOf(ev), nil
}

func (f *eventFacade) EventByIDAndUniqueTime(ctx context.Context, topicID, eventID string, ut uniquetime.UniqueTime) (*model.EventDeliveryGist, error) {
	te := f.topicState(topicID)
	te.mu.RLock()
	defer te.mu.RUnlock()
	it := te.byUniqueTime.Get(eventEntry{ut: ut})
	if it == nil {
		return nil, nil
	}
	ev := it.(eventEntry).ev
	if ev.EventID != eventID {
		return nil, nil
	}
	return gistOf(ev), nil
}

func (f *eventFacade) EventIDsByIndex(ctx context.Context, topicID, indexColumn string, key model.ExtractedValue) ([]string, error) {
	te := f.topicState(topicID)
	te.mu.RLock()
	defer te.mu.RUnlock()
	col, ok := te.byIndex[indexColumn]
	if !ok {
		return nil, nil
	}
	ids := col[serializeValue(key)]
	out := make([]string, len(ids))
	copy(out, ids)
	return out, nil
}

func (f *eventFacade) EventByCorrelationToken(ctx context.Context, topicID, token string) (*model.EventDeliveryGist, error) {
	te := f.topicState(topicID)
	te.mu.RLock()
	defer te.mu.RUnlock()
	ut, ok := te.byCorrelation[token]
	if !ok {
		return nil, nil
	}
	it := te.byUniqueTime.Get(eventEntry{ut: ut})
	if it == nil {
		return nil, nil
	}
	return gistOf(it.(eventEntry).ev), nil
}

func (f *eventFacade) EventPersist(ctx context.Context, topicID string, ev model.TopicEvent) (string, error) {
	te := f.topicState(topicID)
	te.mu.Lock()
	te.byUniqueTime.ReplaceOrInsert(eventEntry{ut: ev.UniqueTime, ev: ev})
	te.byEventID[ev.EventID] = append(te.byEventID[ev.EventID], ev.UniqueTime)
	for name, val := range ev.AdditionalColumns {
		col, ok := te.byIndex[name]
		if !ok {
			col = make(map[string][]string)
			te.byIndex[name] = col
		}
		key := serializeValue(val)
		col[key] = append([]string{ev.EventID}, col[key]...) // newest first
	}
	if ev.CorrelationToken != "" {
		te.byCorrelation[ev.CorrelationToken] = ev.UniqueTime
	}
	te.mu.Unlock()

	if f.track != nil {
		f.track.onNewEvent(topicID, ev.CorrelationToken)
	}
	return ev.ProtectionRef, nil
}

func gistOf(ev model.TopicEvent) *model.EventDeliveryGist {
	return &model.EventDeliveryGist{
		UniqueTime:       ev.UniqueTime,
		Document:         ev.Document,
		ProtectionRef:    ev.ProtectionRef,
		CorrelationToken: ev.CorrelationToken,
	}
}

// ---- ConsumerDeliveryFacade ----

type intentState struct {
	reservedTSMicros int64
	done             bool
}

type consumerState struct {
	mu         sync.Mutex
	attempted  uniquetime.UniqueTime
	done       uniquetime.UniqueTime
	intents    map[uniquetime.UniqueTime]*intentState
	baselineTS *int64
}

type consumerDeliveryFacade struct {
	mu        sync.Mutex
	consumers map[string]*consumerState
	events    *eventFacade // set post-construction to resolve poll_pending candidates
}

func newConsumerDeliveryFacade() *consumerDeliveryFacade {
	return &consumerDeliveryFacade{consumers: make(map[string]*consumerState)}
}

// bindEvents wires the event facade this provider shares, used by
// poll_pending to scan the topic's event log. Called once from New.
func (c *consumerDeliveryFacade) bindEvents(events *eventFacade) { c.events = events }

func consumerKey(topicID, consumerID string) string { return topicID + "." + consumerID }

func (c *consumerDeliveryFacade) state(topicID, consumerID string) *consumerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := consumerKey(topicID, consumerID)
	cs, ok := c.consumers[key]
	if !ok {
		cs = &consumerState{intents: make(map[uniquetime.UniqueTime]*intentState)}
		c.consumers[key] = cs
	}
	return cs
}

func (c *consumerDeliveryFacade) EnsureConsumerSetup(ctx context.Context, topicID, consumerID string, baselineTS *int64, descriptorVersionEncoded *uint64) error {
	cs := c.state(topicID, consumerID)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if baselineTS != nil {
		cs.baselineTS = baselineTS
	}
	return nil
}

func (c *consumerDeliveryFacade) PollPending(ctx context.Context, topicID, consumerID string, from uniquetime.UniqueTime, batchLimit int, sink store.DeliveryIntentTemplateInsertable) error {
	if c.events == nil {
		return nil
	}
	te := c.events.topicState(topicID)
	te.mu.RLock()
	defer te.mu.RUnlock()

	count := 0
	te.byUniqueTime.AscendGreaterOrEqual(eventEntry{ut: from}, func(i btree.Item) bool {
		if count >= batchLimit {
			return false
		}
		e := i.(eventEntry)
		sink.Insert(model.DeliveryIntentTemplate{UniqueTime: e.ut, EventID: e.ev.EventID})
		count++
		return true
	})
	return nil
}

func (c *consumerDeliveryFacade) ReserveDeliveryIntent(ctx context.Context, topicID, consumerID string, ut uniquetime.UniqueTime, intentTSMicros int64) (bool, error) {
	cs := c.state(topicID, consumerID)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if it, ok := cs.intents[ut]; ok {
		if it.done {
			return false, nil
		}
		if time.Now().UnixMicro()-it.reservedTSMicros < 30_000_000 {
			return false, nil // still within visibility timeout, held by another worker
		}
	}
	cs.intents[ut] = &intentState{reservedTSMicros: intentTSMicros}
	return true, nil
}

func (c *consumerDeliveryFacade) ConfirmDelivery(ctx context.Context, topicID, consumerID string, ut uniquetime.UniqueTime, intentTSMicros int64) (bool, error) {
	cs := c.state(topicID, consumerID)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	it, ok := cs.intents[ut]
	if !ok {
		it = &intentState{}
		cs.intents[ut] = it
	}
	already := it.done
	it.done = true
	return !already, nil
}

func (c *consumerDeliveryFacade) GetAttemptedWatermark(ctx context.Context, topicID, consumerID string) (uniquetime.UniqueTime, error) {
	cs := c.state(topicID, consumerID)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.attempted, nil
}

func (c *consumerDeliveryFacade) SetAttemptedWatermark(ctx context.Context, topicID, consumerID string, ut uniquetime.UniqueTime) error {
	cs := c.state(topicID, consumerID)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if uniquetime.Less(cs.attempted, ut) {
		cs.attempted = ut
	}
	return nil
}

func (c *consumerDeliveryFacade) GetDoneWatermark(ctx context.Context, topicID, consumerID string) (uniquetime.UniqueTime, error) {
	cs := c.state(topicID, consumerID)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.done, nil
}

func (c *consumerDeliveryFacade) SetDoneWatermark(ctx context.Context, topicID, consumerID string, ut uniquetime.UniqueTime) error {
	cs := c.state(topicID, consumerID)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if uniquetime.Less(cs.done, ut) {
		cs.done = ut
	}
	return nil
}

// ---- EventTrackingFacade ----

type eventTrackingFacade struct {
	mu        sync.Mutex
	counts    map[string]map[model.ObjectCountType]map[uint16]uint64
	listeners map[string][]store.HotlistListener
}

func newEventTrackingFacade() *eventTrackingFacade {
	return &eventTrackingFacade{
		counts:    make(map[string]map[model.ObjectCountType]map[uint16]uint64),
		listeners: make(map[string][]store.HotlistListener),
	}
}

func (e *eventTrackingFacade) ObjectCountInsert(ctx context.Context, topicID string, t model.ObjectCountType, instanceID uint16, value uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	byType, ok := e.counts[topicID]
	if !ok {
		byType = make(map[model.ObjectCountType]map[uint16]uint64)
		e.counts[topicID] = byType
	}
	byInstance, ok := byType[t]
	if !ok {
		byInstance = make(map[uint16]uint64)
		byType[t] = byInstance
	}
	byInstance[instanceID] = value
	return nil
}

func (e *eventTrackingFacade) ObjectCountByTopicAndType(ctx context.Context, topicID string, t model.ObjectCountType) ([]model.ObjectCount, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []model.ObjectCount
	for instanceID, v := range e.counts[topicID][t] {
		out = append(out, model.ObjectCount{InstanceID: instanceID, ObjectCount: v})
	}
	return out, nil
}

func (e *eventTrackingFacade) TrackNewEventsInTopic(ctx context.Context, topicID string, listener store.HotlistListener, hotlistDurationMicros int64) (bool, error) {
	e.mu.Lock()
	e.listeners[topicID] = append(e.listeners[topicID], listener)
	e.mu.Unlock()
	return false, nil
}

// onNewEvent notifies every listener registered for topicID that a new
// event arrived, pruning listeners whose awaiter already fired.
func (e *eventTrackingFacade) onNewEvent(topicID, correlationToken string) {
	if correlationToken == "" {
		return
	}
	e.mu.Lock()
	listeners := e.listeners[topicID]
	e.mu.Unlock()
	var remaining []store.HotlistListener
	for _, l := range listeners {
		if !l.NotifyHotlistEntry(topicID, correlationToken) {
			remaining = append(remaining, l)
		}
	}
	e.mu.Lock()
	e.listeners[topicID] = remaining
	e.mu.Unlock()
}

// ---- InstanceIdFacade ----

type instanceClaim struct {
	claimedTSMicros int64
	expiresAtMicros int64
}

type instanceIDFacade struct {
	mu     sync.Mutex
	claims map[uint16]instanceClaim
	next   uint16
}

func newInstanceIDFacade() *instanceIDFacade {
	return &instanceIDFacade{claims: make(map[uint16]instanceClaim)}
}

func (i *instanceIDFacade) Claim(ctx context.Context, ttlSeconds int) (uint16, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	now := time.Now().UnixMicro()
	for id, c := range i.claims {
		if c.expiresAtMicros <= now {
			delete(i.claims, id)
		}
	}
	for {
		id := i.next
		i.next++
		if _, taken := i.claims[id]; !taken {
			i.claims[id] = instanceClaim{claimedTSMicros: now, expiresAtMicros: now + int64(ttlSeconds)*1_000_000}
			return id, nil
		}
	}
}

func (i *instanceIDFacade) Refresh(ctx context.Context, ttlSeconds int, id uint16) (bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	c, ok := i.claims[id]
	if !ok {
		return false, nil
	}
	c.expiresAtMicros = time.Now().UnixMicro() + int64(ttlSeconds)*1_000_000
	i.claims[id] = c
	return true, nil
}

func (i *instanceIDFacade) Free(ctx context.Context, id uint16) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.claims, id)
	return nil
}

func (i *instanceIDFacade) OldestInstanceID(ctx context.Context) (uint16, int64, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	now := time.Now().UnixMicro()
	var oldestID uint16
	var oldestTS int64 = -1
	for id, c := range i.claims {
		if c.expiresAtMicros <= now {
			continue
		}
		if oldestTS == -1 || c.claimedTSMicros < oldestTS {
			oldestID, oldestTS = id, c.claimedTSMicros
		}
	}
	if oldestTS == -1 {
		return 0, 0, fmt.Errorf("no live instance claims")
	}
	return oldestID, oldestTS, nil
}

// ---- IntegrityProtectionFacade ----

type integrityEntry struct {
	id        string
	tsMicros  int64
	data      []byte
	parentRef string
}

type integrityFacade struct {
	mu      sync.Mutex
	byLevel map[string]map[int][]*integrityEntry // topicID -> level -> entries ordered by ts
}

func newIntegrityFacade() *integrityFacade {
	return &integrityFacade{byLevel: make(map[string]map[int][]*integrityEntry)}
}

func (f *integrityFacade) entriesFor(topicID string, level int) []*integrityEntry {
	byLevel, ok := f.byLevel[topicID]
	if !ok {
		return nil
	}
	return byLevel[level]
}

func (f *integrityFacade) Persist(ctx context.Context, topicID string, id string, data []byte, tsMicros int64, level int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	byLevel, ok := f.byLevel[topicID]
	if !ok {
		byLevel = make(map[int][]*integrityEntry)
		f.byLevel[topicID] = byLevel
	}
	byLevel[level] = append(byLevel[level], &integrityEntry{id: id, tsMicros: tsMicros, data: data})
	return nil
}

func (f *integrityFacade) SetProtectionRef(ctx context.Context, topicID, id string, tsMicros int64, parentRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, levelEntries := range f.byLevel[topicID] {
		for _, e := range levelEntries {
			if e.id == id && e.tsMicros == tsMicros {
				if e.parentRef == "" { // monotonic: once assigned, never cleared
					e.parentRef = parentRef
				}
				return nil
			}
		}
	}
	return nil
}

func (f *integrityFacade) ByIDAndTS(ctx context.Context, topicID, id string, tsMicros int64) ([]byte, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, levelEntries := range f.byLevel[topicID] {
		for _, e := range levelEntries {
			if e.id == id && e.tsMicros == tsMicros {
				return e.data, e.parentRef, nil
			}
		}
	}
	return nil, "", fmt.Errorf("integrity entry %s/%d not found", id, tsMicros)
}

func (f *integrityFacade) NextStartingPoint(ctx context.Context, topicID string, level int, nowMicros int64) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries := f.entriesFor(topicID, level)
	for _, e := range entries {
		if e.parentRef == "" {
			return e.tsMicros, true, nil
		}
	}
	return 0, false, nil
}

func (f *integrityFacade) BatchInInterval(ctx context.Context, topicID string, level int, fromTS int64, limit int) ([]store.IntegrityBatchEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entries := f.entriesFor(topicID, level)
	sorted := make([]*integrityEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].tsMicros < sorted[j].tsMicros })

	var out []store.IntegrityBatchEntry
	for _, e := range sorted {
		if e.tsMicros < fromTS || e.parentRef != "" {
			continue
		}
		out = append(out, store.IntegrityBatchEntry{ID: e.id, TSMicros: e.tsMicros, Data: e.data, ParentRef: e.parentRef})
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}
