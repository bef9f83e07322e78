// Package eventbus fans out notifications about broker activity (descriptor
// upserts and publishes accepted over the WebSocket channel) as
// CloudEvents, for dashboards and downstream audit consumers.
package eventbus

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// EventEmitter is satisfied by both the in-memory Bus and the
// Pub/Sub-backed Bus.
type EventEmitter interface {
	Emit(eventType, source, subject string, data map[string]interface{})
}

// BrokerEvent is the CloudEvents 1.0 envelope used for every notification
// this package emits.
type BrokerEvent struct {
	SpecVersion string                 `json:"specversion"`
	Type        string                 `json:"type"`
	Source      string                 `json:"source"`
	ID          string                 `json:"id"`
	Time        time.Time              `json:"time"`
	Subject     string                 `json:"subject,omitempty"`
	TopicID     string                 `json:"topicid,omitempty"`
	Data        map[string]interface{} `json:"data"`
}

// NewBrokerEvent creates a CloudEvents 1.0 compliant event.
func NewBrokerEvent(eventType, source, subject string, data map[string]interface{}) *BrokerEvent {
	return &BrokerEvent{
		SpecVersion: "1.0",
		Type:        eventType,
		Source:      source,
		ID:          fmt.Sprintf("ce-%d", time.Now().UnixNano()),
		Time:        time.Now(),
		Subject:     subject,
		Data:        data,
	}
}

// JSON serializes the event.
func (be *BrokerEvent) JSON() ([]byte, error) {
	return json.Marshal(be)
}

// registration is one Subscribe call's standing interest: a channel plus the
// event types it wants (nil/empty means every type).
type registration struct {
	id      uint64
	types   map[string]bool
	ch      chan *BrokerEvent
	dropped uint64
}

// Bus is an in-process pub/sub event bus, keyed by a single monotonically
// assigned registration id rather than by channel identity — matching the
// id-keyed bookkeeping the rest of this broker uses for anything that must
// be looked up and torn down later (instance leases, delivery cursors).
// Publish is a single filtered sweep over the registration set rather than
// pre-bucketed per-type slices, which keeps Subscribe O(1) (Unsubscribe is
// a linear scan for the channel) at the cost of an O(n) sweep per Emit — the
// right tradeoff for a handful of dashboard/audit subscribers, not a hot
// delivery path.
type Bus struct {
	mu         sync.RWMutex
	nextID     uint64
	regs       map[uint64]*registration
	logger     *log.Logger
	bufferSize int
}

// NewBus creates a new in-memory event bus.
func NewBus() *Bus {
	return &Bus{
		regs:       make(map[uint64]*registration),
		logger:     log.New(log.Writer(), "[EVENTS] ", log.LstdFlags),
		bufferSize: 100,
	}
}

// Subscribe creates a channel that receives events of specific types. Pass
// no eventTypes to receive all events.
func (b *Bus) Subscribe(eventTypes ...string) chan *BrokerEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	reg := &registration{
		id: b.nextID,
		ch: make(chan *BrokerEvent, b.bufferSize),
	}
	if len(eventTypes) > 0 {
		reg.types = make(map[string]bool, len(eventTypes))
		for _, et := range eventTypes {
			reg.types[et] = true
		}
	}
	b.regs[reg.id] = reg
	return reg.ch
}

// Unsubscribe removes a subscription channel.
func (b *Bus) Unsubscribe(ch chan *BrokerEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, reg := range b.regs {
		if reg.ch == ch {
			delete(b.regs, id)
			close(ch)
			return
		}
	}
}

// Publish sends an event to every registration whose type filter matches.
// A registration whose buffer is full is skipped rather than blocking the
// publisher; its drop count is tracked for later inspection.
func (b *Bus) Publish(event *BrokerEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, reg := range b.regs {
		if len(reg.types) > 0 && !reg.types[event.Type] {
			continue
		}
		select {
		case reg.ch <- event:
		default:
			atomic.AddUint64(&reg.dropped, 1)
		}
	}
}

// Emit creates and publishes an event.
func (b *Bus) Emit(eventType, source, subject string, data map[string]interface{}) {
	b.Publish(NewBrokerEvent(eventType, source, subject, data))
}

// SubscriberCount returns the number of active registrations.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.regs)
}

var _ EventEmitter = (*Bus)(nil)
