package eventbus

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub"
)

// PubSubBus wraps the in-memory Bus and additionally publishes every event
// to a Google Cloud Pub/Sub topic, so dashboards and audit consumers running
// outside this broker process still see activity.
type PubSubBus struct {
	*Bus

	client      *pubsub.Client
	topic       *pubsub.Topic
	logger      *log.Logger
	closeCtx    context.Context
	cancelClose context.CancelFunc
}

// NewPubSubBus creates a Pub/Sub-backed event bus, creating the topic if it
// does not already exist.
func NewPubSubBus(projectID, topicID string) (*PubSubBus, error) {
	setupCtx, cancelSetup := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelSetup()

	client, err := pubsub.NewClient(setupCtx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	topic, err := ensureTopic(setupCtx, client, topicID)
	if err != nil {
		client.Close()
		return nil, err
	}

	// Ordering by topic_id keeps a single broker topic's notifications in
	// publish order for any one downstream consumer.
	topic.EnableMessageOrdering = true

	closeCtx, cancelClose := context.WithCancel(context.Background())
	bus := &PubSubBus{
		Bus:         NewBus(),
		client:      client,
		topic:       topic,
		logger:      log.New(log.Writer(), "[PUBSUB] ", log.LstdFlags),
		closeCtx:    closeCtx,
		cancelClose: cancelClose,
	}
	bus.logger.Printf("connected to pub/sub topic: projects/%s/topics/%s", projectID, topicID)
	return bus, nil
}

func ensureTopic(ctx context.Context, client *pubsub.Client, topicID string) (*pubsub.Topic, error) {
	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if exists {
		return topic, nil
	}

	created, err := client.CreateTopic(ctx, topicID)
	if err != nil {
		return nil, fmt.Errorf("CreateTopic: %w", err)
	}
	slog.Info("created pub/sub topic", "topic_id", topicID)
	return created, nil
}

// Emit fans the event out to the durable Pub/Sub topic and the embedded
// in-memory bus. Pub/Sub receives the envelope first so a slow or dropped
// in-memory subscriber never delays the durable copy.
func (pb *PubSubBus) Emit(eventType, source, subject string, data map[string]interface{}) {
	event := NewBrokerEvent(eventType, source, subject, data)
	pb.publish(event)
	pb.Bus.Publish(event)
}

func orderingKeyFor(event *BrokerEvent) string {
	if event.TopicID != "" {
		return event.TopicID
	}
	if tid, ok := event.Data["topic_id"].(string); ok {
		return tid
	}
	return ""
}

func (pb *PubSubBus) publish(event *BrokerEvent) {
	payload, err := event.JSON()
	if err != nil {
		pb.logger.Printf("failed to marshal event %s: %v", event.ID, err)
		return
	}

	key := orderingKeyFor(event)
	result := pb.topic.Publish(pb.closeCtx, &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"ce-specversion": event.SpecVersion,
			"ce-type":        event.Type,
			"ce-source":      event.Source,
			"ce-id":          event.ID,
			"ce-time":        event.Time.Format(time.RFC3339Nano),
			"ce-topicid":     key,
		},
		OrderingKey: key,
	})
	go pb.awaitPublishResult(event.ID, event.Type, result)
}

func (pb *PubSubBus) awaitPublishResult(eventID, eventType string, result *pubsub.PublishResult) {
	serverID, err := result.Get(pb.closeCtx)
	if err != nil {
		pb.logger.Printf("pub/sub publish failed: %s -> %v", eventID, err)
		return
	}
	pb.logger.Printf("published event %s -> msgID=%s (type=%s)", eventID, serverID, eventType)
}

// Close stops accepting new publishes, flushes what's in flight, and tears
// down the client.
func (pb *PubSubBus) Close() error {
	pb.cancelClose()
	pb.topic.Stop()
	if err := pb.client.Close(); err != nil {
		return fmt.Errorf("pubsub client close: %w", err)
	}
	return nil
}

// HealthCheck verifies the Pub/Sub topic is reachable.
func (pb *PubSubBus) HealthCheck(ctx context.Context) error {
	exists, err := pb.topic.Exists(ctx)
	if err != nil {
		return fmt.Errorf("topic health check: %w", err)
	}
	if !exists {
		return fmt.Errorf("topic does not exist")
	}
	return nil
}

var _ EventEmitter = (*PubSubBus)(nil)
