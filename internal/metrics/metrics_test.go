package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordForward_IncrementsCounter(t *testing.T) {
	r := New()
	r.RecordForward("0123456789ABCDEF", "host_to_sub")
	r.RecordForward("0123456789ABCDEF", "host_to_sub")

	got := testutil.ToFloat64(r.MessagesForwarded.WithLabelValues("0123456789ABCDEF", "host_to_sub"))
	assert.Equal(t, 2.0, got)
}

func TestRecordConnected_TogglesGauge(t *testing.T) {
	r := New()
	r.RecordConnected("0123456789ABCDEF", "host", true)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.ConnectedGauge.WithLabelValues("0123456789ABCDEF", "host")))

	r.RecordConnected("0123456789ABCDEF", "host", false)
	assert.Equal(t, 0.0, testutil.ToFloat64(r.ConnectedGauge.WithLabelValues("0123456789ABCDEF", "host")))
}
