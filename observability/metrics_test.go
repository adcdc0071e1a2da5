package observability

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/settlement-engine/settlement"
)

func TestMetrics_RecordRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics("test", reg)
	require.NoError(t, err)

	m.RecordRegistration(10*time.Millisecond, "COMPLETED")
	m.RecordRegistration(5*time.Millisecond, "COMPLETED")
	m.RecordRegistration(time.Millisecond, string(settlement.KindAlreadySettled))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.registrations.WithLabelValues("COMPLETED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.registrations.WithLabelValues("PAYMENT_ALREADY_SETTLED")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.registrationLatency))
}

func TestMetrics_RecordTransitionAndDeletion(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics("test", reg)
	require.NoError(t, err)

	m.RecordTransition(settlement.StatusPending, settlement.StatusCompleted, nil)
	m.RecordTransition(settlement.StatusCancelled, settlement.StatusPending,
		settlement.UpdateFailedError(settlement.ReasonCancelledPayment, "Cannot transition from cancelled state"))
	m.RecordDeletion(errors.New("disk"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("PENDING", "COMPLETED", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("CANCELLED", "PENDING", "PAYMENT_UPDATE_FAILED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deletions.WithLabelValues("error")))
}

func TestNewMetrics_ReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewMetrics("test", reg)
	require.NoError(t, err)
	second, err := NewMetrics("test", reg)
	require.NoError(t, err)

	first.RecordDeletion(nil)
	second.RecordDeletion(nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(first.deletions.WithLabelValues("ok")))
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordRegistration(time.Second, "PENDING")
		m.RecordTransition(settlement.StatusPending, settlement.StatusCompleted, nil)
		m.RecordDeletion(nil)
	})
}

func TestNewLogger(t *testing.T) {
	log, err := NewLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.True(t, log.Core().Enabled(-1))

	_, err = NewLogger(LogConfig{Level: "loud"})
	assert.Error(t, err)

	_, err = NewLogger(LogConfig{Format: "xml"})
	assert.Error(t, err)
}
