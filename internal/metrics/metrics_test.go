package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.StatusTransition("sent", true)
	m.SuppressionWritten("bounce", true)
	m.SuppressionWriteResult("failed")
	m.SendGate(false)
	m.Engagement("open", true)
	m.TransportSend("ses", "ok")
	m.SetRetryQueueDepth(3)
	m.SetSubscribers(1)
	m.Dropped("drop_oldest")
	m.Swept("retention", 10)
}

func TestCounters(t *testing.T) {
	m := New()
	m.StatusTransition("delivered", true)
	m.StatusTransition("delivered", false)
	m.StatusTransition("delivered", false)
	m.SuppressionWritten("bounce", true)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.StatusTransitions.WithLabelValues("delivered")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.DuplicateUpdates.WithLabelValues("delivered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Suppressions.WithLabelValues("bounce", "true")))
}

func TestMiddlewareUsesRoutePattern(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/api/deliveries/{messageID}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/deliveries/abc", nil))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.APIRequestsTotal.WithLabelValues("GET", "/api/deliveries/{messageID}", "404")))

	out := httptest.NewRecorder()
	m.Handler().ServeHTTP(out, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.True(t, strings.Contains(out.Body.String(), "deliverytrack_api_requests_total"))
}
