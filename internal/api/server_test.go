package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/plexrelay/internal/archive"
	"github.com/JakeFAU/plexrelay/internal/metrics"
	"github.com/JakeFAU/plexrelay/internal/plex"
	"github.com/JakeFAU/plexrelay/internal/queue/memory"
	"github.com/JakeFAU/plexrelay/internal/relay"
	blobmemory "github.com/JakeFAU/plexrelay/internal/storage/memory"
)

const newEpisode = `{
  "event": "library.new",
  "user": true,
  "owner": true,
  "Account": {"id": 1, "thumb": "", "title": "alice"},
  "Server": {"title": "Home Server", "uuid": "srv-1"},
  "Metadata": {"type": "episode", "title": "Pilot", "grandparentTitle": "The Show",
    "grandparentRatingKey": "1000", "parentIndex": 1, "index": 1, "librarySectionID": 2}
}`

type fakeQueue struct {
	mu     sync.Mutex
	events []relay.Event
	err    error
	panic  bool
}

func (q *fakeQueue) Enqueue(_ context.Context, ev relay.Event) error {
	if q.panic {
		panic("boom")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.events = append(q.events, ev)
	return nil
}

func (q *fakeQueue) Events() []relay.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]relay.Event(nil), q.events...)
}

type fixedIDs struct{}

func (fixedIDs) NewID() (string, error) { return "evt-1", nil }

func newTestServer(t *testing.T, q Enqueuer, mutate func(*Options)) *Server {
	t.Helper()
	validator, err := plex.NewValidator()
	require.NoError(t, err)
	opts := Options{
		Queue:          q,
		Translator:     plex.NewTranslator([]string{plex.EventLibraryNew}),
		Validator:      validator,
		IDGen:          fixedIDs{},
		EnqueueTimeout: 50 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&opts)
	}
	srv, err := NewServer(opts, nil)
	require.NoError(t, err)
	return srv
}

func plexRequest(t *testing.T, target, payload string, thumb []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	require.NoError(t, w.WriteField("payload", payload))
	if thumb != nil {
		fw, err := w.CreateFormFile("thumb", "thumb.jpg")
		require.NoError(t, err)
		_, err = fw.Write(thumb)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	req := httptest.NewRequest(http.MethodPost, target, &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func serve(srv *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestNewServerValidation(t *testing.T) {
	t.Parallel()

	_, err := NewServer(Options{Translator: plex.NewTranslator(nil)}, nil)
	require.Error(t, err)
	_, err = NewServer(Options{Queue: &fakeQueue{}}, nil)
	require.Error(t, err)
}

func TestReceivePlexEnqueuesAndArchives(t *testing.T) {
	t.Parallel()

	q := &fakeQueue{}
	blobs := blobmemory.NewBlobStore()
	srv := newTestServer(t, q, func(o *Options) {
		o.Archive = archive.New(blobs, archive.Config{}, nil)
	})

	rec := serve(srv, plexRequest(t, "/plex", newEpisode, []byte{0xff, 0xd8}))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var body acceptedResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "evt-1", body.ID)
	assert.Equal(t, "library.new|show:1000:1", body.Key)
	assert.True(t, body.Coalesced)

	events := q.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "S01E01 · Pilot", events[0].Fragment.Description)

	require.Eventually(t, func() bool {
		return len(blobs.Paths()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"plex/evt-1.jpeg", "plex/evt-1.json"}, blobs.Paths())
}

func TestReceivePlexRejectsInvalidPayload(t *testing.T) {
	t.Parallel()

	q := &fakeQueue{}
	srv := newTestServer(t, q, nil)

	rec := serve(srv, plexRequest(t, "/plex", `{"event": "media.play"}`, nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/plex", strings.NewReader("plain"))
	req.Header.Set("Content-Type", "text/plain")
	assert.Equal(t, http.StatusBadRequest, serve(srv, req).Code)
	assert.Empty(t, q.Events())
}

func TestReceivePlexBodyLimit(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &fakeQueue{}, func(o *Options) { o.MaxBodyBytes = 256 })
	rec := serve(srv, plexRequest(t, "/plex", newEpisode, bytes.Repeat([]byte{1}, 1024)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestReceivePlexBackpressure(t *testing.T) {
	t.Parallel()

	full := &fakeQueue{err: context.DeadlineExceeded}
	rec := serve(newTestServer(t, full, nil), plexRequest(t, "/plex", newEpisode, nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "queue full")

	closed := &fakeQueue{err: memory.ErrQueueClosed}
	rec = serve(newTestServer(t, closed, nil), plexRequest(t, "/plex", newEpisode, nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "shutting down")
}

func TestReceivePlexWithRealQueue(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(1)
	srv := newTestServer(t, q, nil)

	require.Equal(t, http.StatusAccepted, serve(srv, plexRequest(t, "/plex", newEpisode, nil)).Code)
	require.Equal(t, http.StatusServiceUnavailable, serve(srv, plexRequest(t, "/plex", newEpisode, nil)).Code)
	require.Equal(t, 1, q.Len())
}

func TestAPIKeyProtectsWebhookOnly(t *testing.T) {
	t.Parallel()

	q := &fakeQueue{}
	srv := newTestServer(t, q, func(o *Options) { o.APIKey = "secret" })

	assert.Equal(t, http.StatusForbidden, serve(srv, plexRequest(t, "/plex", newEpisode, nil)).Code)
	assert.Equal(t, http.StatusForbidden, serve(srv, plexRequest(t, "/plex?api_key=wrong", newEpisode, nil)).Code)
	assert.Equal(t, http.StatusAccepted, serve(srv, plexRequest(t, "/plex?api_key=secret", newEpisode, nil)).Code)

	req := plexRequest(t, "/plex", newEpisode, nil)
	req.Header.Set("X-API-Key", "secret")
	assert.Equal(t, http.StatusAccepted, serve(srv, req).Code)

	assert.Equal(t, http.StatusOK, serve(srv, httptest.NewRequest(http.MethodGet, "/healthz", nil)).Code)
}

func TestInboundRateLimit(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &fakeQueue{}, func(o *Options) { o.RequestsPerMinute = 1 })
	assert.Equal(t, http.StatusAccepted, serve(srv, plexRequest(t, "/plex", newEpisode, nil)).Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(srv, plexRequest(t, "/plex", newEpisode, nil)).Code)
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	healthy := newTestServer(t, &fakeQueue{}, func(o *Options) {
		o.Checks = map[string]Check{"scheduler": func(context.Context) error { return nil }}
	})
	assert.Equal(t, http.StatusOK, serve(healthy, httptest.NewRequest(http.MethodGet, "/readyz", nil)).Code)

	failing := newTestServer(t, &fakeQueue{}, func(o *Options) {
		o.Checks = map[string]Check{
			"scheduler": func(context.Context) error { return nil },
			"database":  func(context.Context) error { return errors.New("connection refused") },
		}
	})
	rec := serve(failing, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "database")
	assert.NotContains(t, rec.Body.String(), "scheduler")
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	m, err := metrics.New(nil)
	require.NoError(t, err)
	srv := newTestServer(t, &fakeQueue{}, func(o *Options) { o.Metrics = m })

	require.Equal(t, http.StatusAccepted, serve(srv, plexRequest(t, "/plex", newEpisode, nil)).Code)
	rec := serve(srv, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "relay_events_received_total")
	assert.Contains(t, rec.Body.String(), `route="/plex"`)
}

func TestRequestIDPropagation(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &fakeQueue{}, nil)

	rec := serve(srv, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Len(t, rec.Header().Get("X-Request-ID"), 36)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "0190f3c4-7d2a-7b3e-9c1a-2f4e5d6c7b8a")
	rec = serve(srv, req)
	assert.Equal(t, "0190f3c4-7d2a-7b3e-9c1a-2f4e5d6c7b8a", rec.Header().Get("X-Request-ID"))

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "not a uuid")
	rec = serve(srv, req)
	assert.NotEqual(t, "not a uuid", rec.Header().Get("X-Request-ID"))
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, &fakeQueue{panic: true}, nil)
	rec := serve(srv, plexRequest(t, "/plex", newEpisode, nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestReceivePlexRejectionReasons(t *testing.T) {
	t.Parallel()

	m, err := metrics.New(nil)
	require.NoError(t, err)
	withMetrics := func(o *Options) { o.Metrics = m }

	full := newTestServer(t, &fakeQueue{err: context.DeadlineExceeded}, withMetrics)
	require.Equal(t, http.StatusServiceUnavailable, serve(full, plexRequest(t, "/plex", newEpisode, nil)).Code)

	closed := newTestServer(t, &fakeQueue{err: memory.ErrQueueClosed}, withMetrics)
	require.Equal(t, http.StatusServiceUnavailable, serve(closed, plexRequest(t, "/plex", newEpisode, nil)).Code)

	gone := newTestServer(t, &fakeQueue{err: context.Canceled}, withMetrics)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec := serve(gone, plexRequest(t, "/plex", newEpisode, nil).WithContext(ctx))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "request canceled")

	body := serve(full, httptest.NewRequest(http.MethodGet, "/metrics", nil)).Body.String()
	assert.Contains(t, body, `relay_events_rejected_total{reason="queue_full"} 1`)
	assert.Contains(t, body, `relay_events_rejected_total{reason="queue_closed"} 1`)
	assert.Contains(t, body, `relay_events_rejected_total{reason="client_canceled"} 1`)
}
