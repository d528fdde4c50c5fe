package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersEveryCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.Connections.WithLabelValues("pending").Set(3)
	m.AuthAttempts.WithLabelValues("share", "success").Inc()

	n, err := testutil.GatherAndCount(reg, "realtime_connections", "realtime_auth_attempts_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Connections.WithLabelValues("pending")))

	assert.NotPanics(t, func() { New(nil) })
}
