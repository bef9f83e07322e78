// Package metrics holds the Prometheus registry exposed at the REST
// layer's /metrics endpoint: promauto-registered CounterVec/GaugeVec
// collectors with a Record* helper per metric.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every broker-wide Prometheus collector.
type Metrics struct {
	EventsPublishedTotal    *prometheus.CounterVec
	DeliveryReservedTotal   *prometheus.CounterVec
	DeliveryDoneTotal       *prometheus.CounterVec
	ConsumerAttemptedWatermark *prometheus.GaugeVec
	ConsumerDoneWatermark   *prometheus.GaugeVec
	IntegrityChainDepth     *prometheus.GaugeVec
	AuthorizationDenials    *prometheus.CounterVec
}

// New creates and registers every collector.
func New() *Metrics {
	return &Metrics{
		EventsPublishedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_events_published_total",
				Help: "Total events persisted per topic.",
			},
			[]string{"topic_id"},
		),
		DeliveryReservedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_delivery_intents_reserved_total",
				Help: "Total delivery intents reserved per topic/consumer.",
			},
			[]string{"topic_id", "consumer_id"},
		),
		DeliveryDoneTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_delivery_intents_done_total",
				Help: "Total delivery intents confirmed done per topic/consumer.",
			},
			[]string{"topic_id", "consumer_id"},
		),
		ConsumerAttemptedWatermark: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "broker_consumer_attempted_watermark_micros",
				Help: "Current attempted watermark (unique_time micros component) per consumer.",
			},
			[]string{"topic_id", "consumer_id"},
		),
		ConsumerDoneWatermark: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "broker_consumer_done_watermark_micros",
				Help: "Current done watermark (unique_time micros component) per consumer.",
			},
			[]string{"topic_id", "consumer_id"},
		),
		IntegrityChainDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "broker_integrity_chain_depth",
				Help: "Highest consolidated integrity protection level per topic.",
			},
			[]string{"topic_id"},
		),
		AuthorizationDenials: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_authorization_denials_total",
				Help: "Total requests rejected by the access-control engine per resource.",
			},
			[]string{"resource"},
		),
	}
}

// RecordPublish increments the per-topic publish counter.
func (m *Metrics) RecordPublish(topicID string) {
	m.EventsPublishedTotal.WithLabelValues(topicID).Inc()
}

// RecordReserved increments the per-(topic,consumer) reservation counter.
func (m *Metrics) RecordReserved(topicID, consumerID string) {
	m.DeliveryReservedTotal.WithLabelValues(topicID, consumerID).Inc()
}

// RecordDone increments the per-(topic,consumer) confirmation counter.
func (m *Metrics) RecordDone(topicID, consumerID string) {
	m.DeliveryDoneTotal.WithLabelValues(topicID, consumerID).Inc()
}

// SetWatermarks updates the attempted/done watermark gauges for a consumer.
func (m *Metrics) SetWatermarks(topicID, consumerID string, attemptedMicros, doneMicros int64) {
	m.ConsumerAttemptedWatermark.WithLabelValues(topicID, consumerID).Set(float64(attemptedMicros))
	m.ConsumerDoneWatermark.WithLabelValues(topicID, consumerID).Set(float64(doneMicros))
}

// SetIntegrityChainDepth records the highest consolidated level for a topic.
func (m *Metrics) SetIntegrityChainDepth(topicID string, level int) {
	m.IntegrityChainDepth.WithLabelValues(topicID).Set(float64(level))
}

// RecordDenial increments the authorization-denial counter for a resource.
func (m *Metrics) RecordDenial(resource string) {
	m.AuthorizationDenials.WithLabelValues(resource).Inc()
}
