// Package store defines the seven abstract storage-facade contracts the
// engine consumes. Concrete providers (internal/store/memory,
// internal/store/cassandra, and the specialized internal/store/redis,
// internal/store/supabase, internal/store/spanner backends) implement these
// interfaces; the engine never constructs a backend directly.
package store

import (
	"context"

	"github.com/ocx/broker/internal/mb/model"
	"github.com/ocx/broker/internal/mb/uniquetime"
)

// AuthorizationFacade persists and evaluates authorization grants.
type AuthorizationFacade interface {
	IsAuthorized(ctx context.Context, identityString, resource string) (bool, error)
	AnyAuthorized(ctx context.Context, resource string) (bool, error)
	Grant(ctx context.Context, identityString, resource string, expiryMicros *int64) error
	Deny(ctx context.Context, identityString, resource string, expiryMicros *int64) error
}

// TopicFacade manages topic lifecycle and descriptor persistence.
type TopicFacade interface {
	EnsureTopic(ctx context.Context, topicID string) error
	ListTopicIDs(ctx context.Context, cursor string) (ids []string, more bool, err error)
	DescriptorPersist(ctx context.Context, topicID string, version model.DescriptorVersion, versionMin *model.DescriptorVersion, schemaID string, descriptorJSON []byte) (insertedNow bool, err error)
	DescriptorsByTopic(ctx context.Context, topicID string, minVersion *model.DescriptorVersion) ([][]byte, error)
	ExtractionSetupSearchable(ctx context.Context, topicID string, columns []ExtractorColumn) error
}

// ExtractorColumn names an indexable (name, type) pair an extractor produces.
type ExtractorColumn struct {
	Name string
	Type model.ResultType
}

// EventFacade persists events and answers lookups.
type EventFacade interface {
	EventByID(ctx context.Context, topicID, eventID string) (*model.EventDeliveryGist, error)
	EventByIDAndUniqueTime(ctx context.Context, topicID, eventID string, ut uniquetime.UniqueTime) (*model.EventDeliveryGist, error)
	EventIDsByIndex(ctx context.Context, topicID, indexColumn string, key model.ExtractedValue) ([]string, error)
	EventByCorrelationToken(ctx context.Context, topicID, token string) (*model.EventDeliveryGist, error)
	EventPersist(ctx context.Context, topicID string, ev model.TopicEvent) (protectionRef string, err error)
}

// DeliveryIntentTemplateInsertable is the sink the facade feeds templates
// into while polling: a template arriving for a key already in "recently
// pulled" is dropped instead of re-inserted, suppressing redundant
// redelivery churn.
type DeliveryIntentTemplateInsertable interface {
	Insert(tpl model.DeliveryIntentTemplate)
}

// ConsumerDeliveryFacade manages per-(topic,consumer) progress and delivery
// intents.
type ConsumerDeliveryFacade interface {
	EnsureConsumerSetup(ctx context.Context, topicID, consumerID string, baselineTS *int64, descriptorVersionEncoded *uint64) error
	PollPending(ctx context.Context, topicID, consumerID string, from uniquetime.UniqueTime, batchLimit int, sink DeliveryIntentTemplateInsertable) error
	ReserveDeliveryIntent(ctx context.Context, topicID, consumerID string, ut uniquetime.UniqueTime, intentTSMicros int64) (bool, error)
	ConfirmDelivery(ctx context.Context, topicID, consumerID string, ut uniquetime.UniqueTime, intentTSMicros int64) (bool, error)
	GetAttemptedWatermark(ctx context.Context, topicID, consumerID string) (uniquetime.UniqueTime, error)
	SetAttemptedWatermark(ctx context.Context, topicID, consumerID string, ut uniquetime.UniqueTime) error
	GetDoneWatermark(ctx context.Context, topicID, consumerID string) (uniquetime.UniqueTime, error)
	SetDoneWatermark(ctx context.Context, topicID, consumerID string, ut uniquetime.UniqueTime) error
}

// EventTrackingFacade tracks per-topic object counts and new-event hotlist
// notifications.
type EventTrackingFacade interface {
	ObjectCountInsert(ctx context.Context, topicID string, t model.ObjectCountType, instanceID uint16, value uint64) error
	ObjectCountByTopicAndType(ctx context.Context, topicID string, t model.ObjectCountType) ([]model.ObjectCount, error)
	// TrackNewEventsInTopic registers listener to be invoked when a new event
	// lands in topicID within hotlistDurationMicros; it returns whether the
	// listener fired before returning (anyFired), used by callers that poll
	// once more after a synchronous registration window.
	TrackNewEventsInTopic(ctx context.Context, topicID string, listener HotlistListener, hotlistDurationMicros int64) (anyFired bool, err error)
}

// HotlistListener is notified when a new event is persisted to a topic the
// listener is watching for a correlation token.
type HotlistListener interface {
	NotifyHotlistEntry(topicID, correlationToken string) bool
}

// InstanceIdFacade leases cluster-unique 16-bit instance identifiers.
type InstanceIdFacade interface {
	Claim(ctx context.Context, ttlSeconds int) (uint16, error)
	Refresh(ctx context.Context, ttlSeconds int, id uint16) (bool, error)
	Free(ctx context.Context, id uint16) error
	OldestInstanceID(ctx context.Context) (id uint16, claimedTSMicros int64, err error)
}

// IntegrityProtectionFacade persists the chained MAC entries.
type IntegrityProtectionFacade interface {
	Persist(ctx context.Context, topicID string, id string, data []byte, tsMicros int64, level int) error
	SetProtectionRef(ctx context.Context, topicID, id string, tsMicros int64, parentRef string) error
	ByIDAndTS(ctx context.Context, topicID, id string, tsMicros int64) (data []byte, parentRef string, err error)
	NextStartingPoint(ctx context.Context, topicID string, level int, nowMicros int64) (tsMicros int64, ok bool, err error)
	BatchInInterval(ctx context.Context, topicID string, level int, fromTS int64, limit int) ([]IntegrityBatchEntry, error)
}

// IntegrityBatchEntry is one unconsolidated level-L entry.
type IntegrityBatchEntry struct {
	ID        string
	TSMicros  int64
	Data      []byte
	ParentRef string
}

// Provider aggregates every facade a store backend must supply.
type Provider interface {
	Authorization() AuthorizationFacade
	Topic() TopicFacade
	Event() EventFacade
	ConsumerDelivery() ConsumerDeliveryFacade
	EventTracking() EventTrackingFacade
	InstanceID() InstanceIdFacade
	IntegrityProtection() IntegrityProtectionFacade
}
