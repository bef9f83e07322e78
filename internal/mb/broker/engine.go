package broker

import (
	"context"
	"crypto/sha3"
	"encoding/hex"
	"time"

	"github.com/ocx/broker/internal/mb/authz"
	"github.com/ocx/broker/internal/mb/consumer"
	"github.com/ocx/broker/internal/mb/correlation"
	"github.com/ocx/broker/internal/mb/counter"
	"github.com/ocx/broker/internal/mb/descriptor"
	"github.com/ocx/broker/internal/mb/extract"
	"github.com/ocx/broker/internal/mb/integrity"
	"github.com/ocx/broker/internal/mb/model"
	"github.com/ocx/broker/internal/mb/uniquetime"
	"github.com/ocx/broker/internal/store"
)

// Engine is the top-level message-broker facade: each client-facing
// operation authorizes, validates identifiers, and delegates to the
// relevant component.
type Engine struct {
	provider store.Provider

	uniqueTime   *uniquetime.Generator
	descriptors  *descriptor.Cache
	processor    *extract.Processor
	access       *authz.Engine
	counts       *counter.Tracker
	consumers    *consumer.Registry
	hotlist      *correlation.Hotlist
	protector    *integrity.Protector
	validator    *integrity.Validator
	consolidator *integrity.Consolidator

	instanceID uint16
}

// Config bundles the tunables an Engine needs beyond its storage provider.
type Config struct {
	InstanceTTLSeconds  int
	ClockToleranceMicro int64
	IntegritySecretOID  string
	IntegritySecret     []byte
	IntegrityMaxLevel   int
	IntegrityBucketSize int
	IntegrityBucketWindow time.Duration
}

// DefaultConfig returns a Config holding the default value of every
// tunable; IntegritySecret is left empty.
func DefaultConfig() Config {
	return Config{
		InstanceTTLSeconds:    30,
		ClockToleranceMicro:   uniquetime.DefaultToleranceMicros,
		IntegritySecretOID:    "2.16.840.1.101.3.4.2.10", // SHA3-512, dotted OID form
		IntegrityMaxLevel:     3,
		IntegrityBucketSize:   256,
		IntegrityBucketWindow: 10 * time.Second,
	}
}

// NewEngine claims an instance id from the provider and wires every
// component together. Callers must call Run to start background tasks.
func NewEngine(ctx context.Context, provider store.Provider, cfg Config) (*Engine, error) {
	instanceID, err := provider.InstanceID().Claim(ctx, cfg.InstanceTTLSeconds)
	if err != nil {
		return nil, Wrap(Unspecified, err, "claim instance id")
	}

	secrets := integrity.NewSecretsHolder(cfg.IntegritySecretOID, cfg.IntegritySecret)

	e := &Engine{
		provider:     provider,
		uniqueTime:   uniquetime.NewGenerator(instanceID, cfg.ClockToleranceMicro),
		descriptors:  descriptor.New(provider.Topic()),
		processor:    extract.New(),
		access:       authz.New(provider.Authorization()),
		counts:       counter.New(provider.EventTracking(), instanceID),
		consumers:    consumer.NewRegistry(provider.ConsumerDelivery(), provider.Event(), instanceID),
		hotlist:      correlation.New(provider.Event(), provider.EventTracking()),
		protector:    integrity.NewProtector(secrets, provider.IntegrityProtection(), nil),
		validator:    integrity.NewValidator(secrets, provider.IntegrityProtection()),
		consolidator: integrity.NewConsolidator(provider.IntegrityProtection(), secrets, cfg.IntegrityMaxLevel, cfg.IntegrityBucketSize, cfg.IntegrityBucketWindow),
		instanceID:   instanceID,
	}
	return e, nil
}

// InstanceID returns this engine's claimed cluster-unique id.
func (e *Engine) InstanceID() uint16 { return e.instanceID }

// Run starts the engine's background tasks (access-cache purger, object-
// count flusher/refresher, instance-id lease refresh, and the integrity
// consolidator gated to the oldest live instance) and blocks until ctx is
// cancelled.
func (e *Engine) Run(ctx context.Context, cfg Config, topicIDs func() []string) {
	go e.access.Run(ctx)
	go e.counts.Run(ctx)
	go e.refreshInstanceLease(ctx, cfg.InstanceTTLSeconds)
	go e.runConsolidator(ctx, topicIDs)
	<-ctx.Done()
}

func (e *Engine) refreshInstanceLease(ctx context.Context, ttlSeconds int) {
	interval := time.Duration(ttlSeconds) * time.Second / 3
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = e.provider.InstanceID().Free(context.Background(), e.instanceID)
			return
		case <-ticker.C:
			_, _ = e.provider.InstanceID().Refresh(ctx, ttlSeconds, e.instanceID)
		}
	}
}

func (e *Engine) runConsolidator(ctx context.Context, topicIDs func() []string) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			oldest, _, err := e.provider.InstanceID().OldestInstanceID(ctx)
			if err != nil || oldest != e.instanceID {
				continue
			}
			for _, topicID := range topicIDs() {
				_, _ = e.consolidator.RunOnce(ctx, topicID)
			}
		}
	}
}

func validateTopicAndConsumer(topicID, consumerID string) error {
	if !model.ValidIdentifier(topicID) {
		return Newf(MalformedIdentifier, "invalid topic id %q", topicID)
	}
	if consumerID != "" && !model.ValidIdentifier(consumerID) {
		return Newf(MalformedIdentifier, "invalid consumer id %q", consumerID)
	}
	return nil
}

func (e *Engine) authorize(ctx context.Context, identity model.ClientIdentity, resource string) error {
	if identity.Internal {
		return nil
	}
	ok, err := e.access.IsAuthorized(ctx, identity.IdentityString(), resource)
	if err != nil {
		return err
	}
	if !ok {
		return Newf(Unauthorized, "identity %q is not authorized for %q", identity.IdentityString(), resource)
	}
	return nil
}

// UpsertTopicEventDescriptor validates, authorizes, and persists a new
// descriptor version for topicID.
func (e *Engine) UpsertTopicEventDescriptor(ctx context.Context, identity model.ClientIdentity, topicID string, desc model.EventDescriptor) error {
	if err := validateTopicAndConsumer(topicID, ""); err != nil {
		return err
	}
	if err := e.authorize(ctx, identity, "topic/"+topicID); err != nil {
		return err
	}
	if err := e.provider.Topic().EnsureTopic(ctx, topicID); err != nil {
		return Wrap(Unspecified, err, "ensure_topic")
	}
	desc.TopicID = topicID
	return e.descriptors.Upsert(ctx, topicID, desc)
}

// PublishEvent runs the ingress control flow: authorize, resolve descriptor,
// validate + extract, assign UniqueTime, integrity-protect, persist, notify
// the correlation hotlist, and increment the event counter.
func (e *Engine) PublishEvent(ctx context.Context, identity model.ClientIdentity, topicID string, document []byte, priority uint8, correlationToken string, descriptorVersionHint *model.DescriptorVersion) (*model.TopicEvent, error) {
	if err := validateTopicAndConsumer(topicID, ""); err != nil {
		return nil, err
	}
	if err := e.authorize(ctx, identity, "topic/"+topicID+"/publish"); err != nil {
		return nil, err
	}

	desc, err := e.descriptors.ResolveForPublish(ctx, topicID, descriptorVersionHint)
	if err != nil {
		return nil, err
	}

	columns, err := e.processor.Process(document, desc)
	if err != nil {
		return nil, err
	}

	ut, err := e.uniqueTime.Next()
	if err != nil {
		return nil, Wrap(TrustedTimeError, err, "generate unique time")
	}

	protectionRef, err := e.protector.Protect(ctx, topicID, document)
	if err != nil {
		return nil, err
	}

	sum := sha3.Sum512(document)
	eventID := hex.EncodeToString(sum[:])

	version := desc.Version
	ev := model.TopicEvent{
		EventID:           eventID,
		Document:          document,
		Priority:          priority,
		ProtectionRef:     protectionRef,
		CorrelationToken:  correlationToken,
		AdditionalColumns: columns,
		DescriptorVersion: &version,
		UniqueTime:        ut,
	}

	if _, err := e.provider.Event().EventPersist(ctx, topicID, ev); err != nil {
		return nil, Wrap(Unspecified, err, "event_persist")
	}

	if correlationToken != "" {
		e.hotlist.NotifyHotlistEntry(topicID, correlationToken)
	}
	e.counts.Increment(topicID, model.CountEvents)

	return &ev, nil
}

// GetEventByID authorizes and looks up the latest event with eventID.
func (e *Engine) GetEventByID(ctx context.Context, identity model.ClientIdentity, topicID, eventID string) (*model.EventDeliveryGist, error) {
	if err := validateTopicAndConsumer(topicID, ""); err != nil {
		return nil, err
	}
	if err := e.authorize(ctx, identity, "topic/"+topicID); err != nil {
		return nil, err
	}
	gist, err := e.provider.Event().EventByID(ctx, topicID, eventID)
	if err != nil {
		return nil, Wrap(Unspecified, err, "event_by_id")
	}
	return gist, nil
}

// GetEventIDsByIndexedColumn authorizes and looks up event ids by an
// extractor-indexed column value, newest first.
func (e *Engine) GetEventIDsByIndexedColumn(ctx context.Context, identity model.ClientIdentity, topicID, indexColumn string, key model.ExtractedValue) ([]string, error) {
	if err := validateTopicAndConsumer(topicID, ""); err != nil {
		return nil, err
	}
	if err := e.authorize(ctx, identity, "topic/"+topicID); err != nil {
		return nil, err
	}
	ids, err := e.provider.Event().EventIDsByIndex(ctx, topicID, indexColumn, key)
	if err != nil {
		return nil, Wrap(Unspecified, err, "event_ids_by_index")
	}
	return ids, nil
}

// GetEventByCorrelationToken authorizes and resolves a reply event via the
// correlation hotlist, waiting up to timeout for one to arrive.
func (e *Engine) GetEventByCorrelationToken(ctx context.Context, identity model.ClientIdentity, topicID, token string, timeout time.Duration) (*model.EventDeliveryGist, error) {
	if err := validateTopicAndConsumer(topicID, ""); err != nil {
		return nil, err
	}
	if err := e.authorize(ctx, identity, "topic/"+topicID); err != nil {
		return nil, err
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	gist, err := e.hotlist.GetByCorrelationToken(waitCtx, topicID, token, timeout.Microseconds())
	if err != nil {
		return nil, err
	}
	return gist, nil
}

// Subscribe authorizes and returns (creating if needed) the consumer used to
// dispatch events to the caller.
func (e *Engine) Subscribe(ctx context.Context, identity model.ClientIdentity, topicID, consumerID string, fromTSMicros *int64, versionCap *model.DescriptorVersion) (*consumer.Consumer, error) {
	if err := validateTopicAndConsumer(topicID, consumerID); err != nil {
		return nil, err
	}
	if err := e.authorize(ctx, identity, "topic/"+topicID+"/consume/"+consumerID); err != nil {
		return nil, err
	}
	var versionEncoded *uint64
	if versionCap != nil {
		v := uint64(*versionCap)
		versionEncoded = &v
	}
	return e.consumers.ByTopicAndConsumerID(ctx, topicID, consumerID, fromTSMicros, versionEncoded)
}

// ConfirmEventDelivery authorizes and confirms delivery of a previously
// dispatched event.
func (e *Engine) ConfirmEventDelivery(ctx context.Context, identity model.ClientIdentity, topicID, consumerID string, ut uniquetime.UniqueTime, deliveringInstanceID uint16) error {
	if err := validateTopicAndConsumer(topicID, consumerID); err != nil {
		return err
	}
	if err := e.authorize(ctx, identity, "topic/"+topicID+"/consume/"+consumerID); err != nil {
		return err
	}
	c, err := e.consumers.ByTopicAndConsumerID(ctx, topicID, consumerID, nil, nil)
	if err != nil {
		return err
	}
	if err := c.Confirm(ctx, ut, deliveringInstanceID); err != nil {
		return err
	}
	e.counts.Increment(topicID, model.CountDoneDeliveryIntents)
	return nil
}

// ValidateEvent re-derives an event's integrity protection and returns an
// error if it does not verify.
func (e *Engine) ValidateEvent(ctx context.Context, topicID, protectionRef string, document []byte) error {
	return e.validator.Validate(ctx, topicID, protectionRef, document)
}
