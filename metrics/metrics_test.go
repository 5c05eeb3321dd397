package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveMethodDuration(t *testing.T) {
	ObserveMethodDuration("get", 5*time.Millisecond, true)
	count := testutil.CollectAndCount(methodDurationSeconds)
	assert.Greater(t, count, 0)
}

func TestSetPoolOccupancyAndNodeHealthy(t *testing.T) {
	SetPoolOccupancy("127.0.0.1:11211", 3, 1)
	SetNodeHealthy("127.0.0.1:11211", false)

	assert.Equal(t, float64(3), testutil.ToFloat64(poolConnectionsTotal.WithLabelValues("127.0.0.1:11211")))
	assert.Equal(t, float64(1), testutil.ToFloat64(poolConnectionsInUse.WithLabelValues("127.0.0.1:11211")))
	assert.Equal(t, float64(0), testutil.ToFloat64(nodeHealthy.WithLabelValues("127.0.0.1:11211")))
}

func TestObserveAutobatchFlush(t *testing.T) {
	ObserveAutobatchFlush("127.0.0.1:11211", 4)
	assert.GreaterOrEqual(t, testutil.ToFloat64(autobatchWireRequestsTotal.WithLabelValues("127.0.0.1:11211")), float64(1))
	assert.GreaterOrEqual(t, testutil.ToFloat64(autobatchKeysTotal.WithLabelValues("127.0.0.1:11211")), float64(4))
}
