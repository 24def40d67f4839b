package telemetry

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoopBeforeInit(t *testing.T) {
	if registry != nil {
		t.Skip("Registry already initialized")
	}
	assert.Nil(t, Handler())
	assert.NotPanics(t, func() {
		RecordsDelivered.With("a").Add(1)
		QueueDepth.With("a").Set(3)
		BatchWriteSeconds.With("a").Observe(0.1)
	})
}

func TestInit(t *testing.T) {
	Init(hclog.NewNullLogger())
	Init(hclog.NewNullLogger())
	h := Handler()
	require.NotNil(t, h)

	RecordsDelivered.With("test-destination").Add(5)
	RecordsDropped.With("test-destination", "rejected").Inc()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `nomroute_records_delivered_total{destination="test-destination"} 5`), body)
	assert.True(t, strings.Contains(body, `nomroute_records_dropped_total{destination="test-destination",reason="rejected"} 1`), body)
}
