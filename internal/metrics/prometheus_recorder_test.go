package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorderCounts(t *testing.T) {
	reg := prom.NewRegistry()
	r := NewPrometheusRecorder(reg)

	r.IncIngested("MANUAL_EVENT", "API", ResultSuccess)
	r.IncIngested("MANUAL_EVENT", "API", ResultSuccess)
	r.IncDelivery("main", DeliveryDeadLettered)
	r.IncNotification("email", ResultFailure)
	r.SetStaleRecords(4)
	r.ObserveProcessingDuration(time.Second, ResultSuccess)
	r.ObserveHTTPRequest("POST", "/events", 201, 10*time.Millisecond)

	assert.InDelta(t, 2, testutil.ToFloat64(r.ingested.WithLabelValues("MANUAL_EVENT", "API", "success")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(r.deliveries.WithLabelValues("main", "dead_lettered")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(r.notifications.WithLabelValues("email", "failure")), 0)
	assert.InDelta(t, 4, testutil.ToFloat64(r.staleRecords), 0)
}

func TestHTTPHandlerExposesMetrics(t *testing.T) {
	reg := prom.NewRegistry()
	r := NewPrometheusRecorder(reg)
	r.IncPublished("topic", ResultSuccess)

	srv := httptest.NewServer(HTTPHandler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "eventpipe_messages_published_total")
}

func TestResultAndNoop(t *testing.T) {
	assert.Equal(t, ResultSuccess, Result(nil))
	assert.Equal(t, ResultFailure, Result(errors.New("x")))

	var rec Recorder = OrNoop(nil)
	assert.NotPanics(t, func() {
		rec.IncIngested("a", "b", ResultSuccess)
		rec.SetOutboxPending(1)
	})
}
