package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

// New registers every collector against the global Prometheus registerer,
// so this suite shares a single Metrics instance across assertions instead
// of calling New per test — a second registration of the same metric names
// would panic.
func TestMetrics(t *testing.T) {
	m := New()

	t.Run("RecordPublish increments per-topic counter", func(t *testing.T) {
		m.RecordPublish("orders")
		m.RecordPublish("orders")
		m.RecordPublish("invoices")

		assert.Equal(t, float64(2), testutil.ToFloat64(m.EventsPublishedTotal.WithLabelValues("orders")))
		assert.Equal(t, float64(1), testutil.ToFloat64(m.EventsPublishedTotal.WithLabelValues("invoices")))
	})

	t.Run("RecordReserved and RecordDone are scoped per consumer", func(t *testing.T) {
		m.RecordReserved("orders", "c1")
		m.RecordReserved("orders", "c1")
		m.RecordDone("orders", "c1")

		assert.Equal(t, float64(2), testutil.ToFloat64(m.DeliveryReservedTotal.WithLabelValues("orders", "c1")))
		assert.Equal(t, float64(1), testutil.ToFloat64(m.DeliveryDoneTotal.WithLabelValues("orders", "c1")))
	})

	t.Run("SetWatermarks sets both gauges", func(t *testing.T) {
		m.SetWatermarks("billing", "c2", 1000, 500)

		assert.Equal(t, float64(1000), testutil.ToFloat64(m.ConsumerAttemptedWatermark.WithLabelValues("billing", "c2")))
		assert.Equal(t, float64(500), testutil.ToFloat64(m.ConsumerDoneWatermark.WithLabelValues("billing", "c2")))
	})

	t.Run("RecordDenial increments per resource", func(t *testing.T) {
		m.RecordDenial("confirm")
		m.RecordDenial("confirm")
		m.RecordDenial("descriptor")

		assert.Equal(t, float64(2), testutil.ToFloat64(m.AuthorizationDenials.WithLabelValues("confirm")))
		assert.Equal(t, float64(1), testutil.ToFloat64(m.AuthorizationDenials.WithLabelValues("descriptor")))
	})

	t.Run("SetIntegrityChainDepth sets the gauge", func(t *testing.T) {
		m.SetIntegrityChainDepth("orders", 3)
		assert.Equal(t, float64(3), testutil.ToFloat64(m.IntegrityChainDepth.WithLabelValues("orders")))
	})
}
