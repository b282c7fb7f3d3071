package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestConnectionLifecycleGauges(t *testing.T) {
	m := New()
	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()

	require.Equal(t, float64(2), testutil.ToFloat64(m.ConnectionsOpenTotal))
	require.Equal(t, float64(1), testutil.ToFloat64(m.ConnectionsClosedTotal))
	require.Equal(t, float64(1), testutil.ToFloat64(m.ConnectionsActive))
}

func TestFrameAndAuthzCountersAreLabeledByMethod(t *testing.T) {
	m := New()
	m.FrameReceived("get")
	m.FrameReceived("get")
	m.FrameReceived("put")
	m.AuthzDenied("get")

	require.Equal(t, float64(2), testutil.ToFloat64(m.FramesTotal.WithLabelValues("get")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.FramesTotal.WithLabelValues("put")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.AuthzDeniedTotal.WithLabelValues("get")))
}

func TestSeparateInstancesDoNotShareRegistry(t *testing.T) {
	a := New()
	b := New()
	a.PoolSaturated()

	require.Equal(t, float64(1), testutil.ToFloat64(a.PoolSaturatedTotal))
	require.Equal(t, float64(0), testutil.ToFloat64(b.PoolSaturatedTotal))
	require.NotSame(t, a.Registry(), b.Registry())
}
