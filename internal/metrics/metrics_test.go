package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	m, err := New(prometheus.NewRegistry())
	require.NoError(t, err)
	return m
}

func TestNewRejectsDoubleRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	require.Error(t, err)
}

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()

	var m *Metrics
	require.NotPanics(t, func() {
		m.ObserveEventReceived("library.new", true)
		m.ObserveEventRejected(RejectQueueFull)
		m.SetPendingGroups(3)
		m.ObserveFlush(FlushReady, 2)
		m.ObserveDelivery("e1", true, time.Second)
		m.ObserveRateLimitDelay("e1", time.Second)
		m.ObserveArchiveWrite(false)
		m.ObserveHTTPRequest("GET", "/", 200, time.Millisecond)
	})
	require.NotNil(t, m.Handler())
}

func TestRelayCollectors(t *testing.T) {
	t.Parallel()

	m := newTestMetrics(t)
	m.ObserveEventReceived("library.new", true)
	m.ObserveEventReceived("", false)
	m.ObserveEventRejected(RejectTableFull)
	m.SetPendingGroups(4)
	m.ObserveFlush(FlushReady, 3)
	m.ObserveDelivery("E1", false, 10*time.Millisecond)
	m.ObserveDelivery("E2", true, 10*time.Millisecond)
	m.ObserveArchiveWrite(true)

	require.InDelta(t, 1, testutil.ToFloat64(m.eventsReceived.WithLabelValues("library.new", "true")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(m.eventsReceived.WithLabelValues("unknown", "false")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(m.eventsRejected.WithLabelValues(RejectTableFull)), 0)
	require.InDelta(t, 4, testutil.ToFloat64(m.pendingGroups), 0)
	require.InDelta(t, 1, testutil.ToFloat64(m.groupsFlushed.WithLabelValues(FlushReady)), 0)
	require.InDelta(t, 1, testutil.ToFloat64(m.deliveries.WithLabelValues("E1", "failure")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(m.deliveries.WithLabelValues("E2", "success")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(m.archiveWrites.WithLabelValues("success")), 0)
}

func TestMiddleware(t *testing.T) {
	t.Parallel()

	m := newTestMetrics(t)
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/test", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/notfound", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	for _, path := range []string{"/test", "/notfound"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	require.InDelta(t, 1, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("GET", "200")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("GET", "404")), 0)
	require.Positive(t, testutil.CollectAndCount(m.httpRequestDurationSeconds))
}

func TestHandlerExposesRegistry(t *testing.T) {
	t.Parallel()

	m := newTestMetrics(t)
	m.SetPendingGroups(2)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer func() {
		if errInner := resp.Body.Close(); errInner != nil {
			t.Log(errInner)
		}
	}()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(body), "relay_pending_groups 2"))
}
