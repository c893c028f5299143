package api

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/deliverytrack/internal/config"
	"github.com/ignite/deliverytrack/internal/domain"
	"github.com/ignite/deliverytrack/internal/mailflow"
	"github.com/ignite/deliverytrack/internal/metrics"
	"github.com/ignite/deliverytrack/internal/realtime"
	"github.com/ignite/deliverytrack/internal/repository/bolt"
	"github.com/ignite/deliverytrack/internal/service/delivery"
	"github.com/ignite/deliverytrack/internal/service/engagement"
	"github.com/ignite/deliverytrack/internal/service/sending"
	"github.com/ignite/deliverytrack/internal/service/suppression"
	"github.com/ignite/deliverytrack/internal/tracking"
)

type switchSender struct{ fail atomic.Bool }

func (s *switchSender) Send(_ context.Context, msg *domain.EmailMessage) (*domain.SendResult, error) {
	if s.fail.Load() {
		return nil, errors.New("connection refused")
	}
	return &domain.SendResult{Transport: domain.TransportLog, Response: "logged:" + msg.MessageID, SentAt: time.Now()}, nil
}

type fakeS3 struct{ key string }

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.key = aws.ToString(in.Key)
	return &s3.PutObjectOutput{}, nil
}

type testServer struct {
	*httptest.Server
	sender *switchSender
	s3     *fakeS3
	b      *realtime.Broadcaster
	links  *tracking.URLBuilder
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := bolt.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	deliveries := delivery.NewService(store.Deliveries())
	engage := engagement.NewService(store.Engagement(), deliveries)
	policy := suppression.NewService(store.Suppressions(), deliveries, suppression.WithEngagementLog(engage))
	sender := &switchSender{}
	links := tracking.NewURLBuilder("https://t.example.com", "test-key")
	send := sending.NewService(policy, deliveries, sender,
		sending.WithDefaultFrom("news@example.com", "News"),
		sending.WithTracking(tracking.NewRewriter(links), links),
	)

	b := realtime.New(realtime.Options{})
	t.Cleanup(b.Close)
	flow := &mailflow.Flow{Deliveries: deliveries, Policy: policy, Engagement: engage, Sending: send, Publisher: b}

	fs3 := &fakeS3{}
	srv := NewServer(config.ServerConfig{}, Deps{
		Flow:        flow,
		Broadcaster: b,
		Metrics:     metrics.New(),
		SESWebhook: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		}),
		S3Export: &S3Export{Client: fs3, Bucket: "exports", Prefix: "suppressions"},
		Tracking: tracking.NewHandler(links, flow),
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, sender: sender, s3: fs3, b: b, links: links}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		if s, ok := body.(string); ok {
			rdr = strings.NewReader(s)
		} else {
			data, err := json.Marshal(body)
			require.NoError(t, err)
			rdr = bytes.NewReader(data)
		}
	}
	req, err := http.NewRequest(method, ts.URL+path, rdr)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	var out map[string]any
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp, out
}

func TestHealthAndSnapshot(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	resp, body = ts.do(t, http.MethodGet, "/api/realtime/snapshot", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 0, body["total_sent"])

	resp, _ = ts.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodPost, "/webhooks/ses", "{}")
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodPost, "/webhooks/sparkpost", "[]")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSendLifecycle(t *testing.T) {
	ts := newTestServer(t)

	resp, out := ts.do(t, http.MethodPost, "/api/send", map[string]any{
		"email": "reader@example.com", "subject": "Hello", "html": "<p>hi</p>",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	messageID, _ := out["message_id"].(string)
	require.NotEmpty(t, messageID)
	assert.Equal(t, "sent", out["status"])

	resp, out = ts.do(t, http.MethodPost, "/api/deliveries/"+messageID+"/status", map[string]any{"status": "delivered"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, out["stamped"])

	resp, out = ts.do(t, http.MethodPost, "/api/deliveries/"+messageID+"/engagement", map[string]any{
		"type": "OPEN", "metadata": map[string]any{"ip": "203.0.113.1"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, true, out["first"])

	resp, out = ts.do(t, http.MethodGet, "/api/deliveries/"+messageID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rec := out["delivery"].(map[string]any)
	assert.Equal(t, "opened", rec["status"])
	assert.Len(t, out["events"], 1)

	snap := ts.b.Snapshot()
	assert.Equal(t, 100.0, snap.DeliveryRate)
	assert.Equal(t, 100.0, snap.OpenRate)
}

func TestSendErrors(t *testing.T) {
	ts := newTestServer(t)

	resp, out := ts.do(t, http.MethodPost, "/api/send", map[string]any{"email": "a@example.com", "subject": "", "html": "<p>x</p>"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation", out["code"])

	resp, _ = ts.do(t, http.MethodPost, "/api/send", "{not json")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	ts.sender.fail.Store(true)
	resp, out = ts.do(t, http.MethodPost, "/api/send", map[string]any{"email": "a@example.com", "subject": "s", "html": "<p>x</p>"})
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "failed", out["status"])
	assert.Contains(t, out["error"], "connection refused")
}

func TestSendSuppressedIsConflict(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := ts.do(t, http.MethodPost, "/api/unsubscribes", map[string]any{"email": "Gone@Example.com"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, out := ts.do(t, http.MethodPost, "/api/send", map[string]any{"email": "gone@example.com", "subject": "s", "html": "<p>x</p>"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "suppressed", out["code"])
	details := out["details"].(map[string]any)
	assert.Equal(t, "unsubscribe", details["suppression_type"])
}

func TestStatusErrors(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := ts.do(t, http.MethodPost, "/api/deliveries/unknown/status", map[string]any{"status": "delivered"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodPost, "/api/deliveries/unknown/status", map[string]any{"status": "exploded"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodGet, "/api/deliveries/unknown", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodPost, "/api/unsubscribes", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBounceSuppresses(t *testing.T) {
	ts := newTestServer(t)

	resp, out := ts.do(t, http.MethodPost, "/api/bounces", map[string]any{
		"email": "hard@example.com", "bounce_type": "hard", "reason": "550 no such user",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, out["applied"])

	resp, out = ts.do(t, http.MethodGet, "/api/suppressions/hard@example.com/check", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, out["suppressed"])
	assert.Equal(t, false, out["can_send"])

	resp, out = ts.do(t, http.MethodGet, "/api/suppressions/clean@example.com/check", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, out["can_send"])
}

func TestSuppressionAdmin(t *testing.T) {
	ts := newTestServer(t)

	resp, out := ts.do(t, http.MethodPost, "/api/suppressions", map[string]any{
		"email": "Ops@Example.com", "suppression_type": "manual", "is_permanent": true, "reason": "ticket 42",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "ops@example.com", out["email"])

	resp, _ = ts.do(t, http.MethodPost, "/api/suppressions", map[string]any{
		"email": "tmp@example.com", "suppression_type": "manual", "is_permanent": false,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, out = ts.do(t, http.MethodGet, "/api/suppressions?type=manual", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, out["total"])

	resp, _ = ts.do(t, http.MethodGet, "/api/suppressions?type=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, out = ts.do(t, http.MethodGet, "/api/suppressions/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, out["permanent"])

	resp, _ = ts.do(t, http.MethodDelete, "/api/suppressions/ops@example.com", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = ts.do(t, http.MethodDelete, "/api/suppressions/ops@example.com", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestImportAndExport(t *testing.T) {
	ts := newTestServer(t)

	body := "email,type,reason\na@example.com,bounce,legacy\nb@example.com\nnot-an-address\n"
	resp, out := ts.do(t, http.MethodPost, "/api/suppressions/import?default_type=unsubscribe", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, out["imported"])
	assert.EqualValues(t, 1, out["skipped"])

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "list.csv")
	require.NoError(t, err)
	_, _ = fw.Write([]byte("c@example.com\n"))
	require.NoError(t, mw.Close())
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/suppressions/import?ttl_hours=24", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	mresp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	mresp.Body.Close()
	assert.Equal(t, http.StatusOK, mresp.StatusCode)

	eresp, err := http.Get(ts.URL + "/api/suppressions/export")
	require.NoError(t, err)
	defer eresp.Body.Close()
	assert.Equal(t, http.StatusOK, eresp.StatusCode)
	assert.Contains(t, eresp.Header.Get("Content-Disposition"), "suppressions-")
	rows, err := csv.NewReader(eresp.Body).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, "email", rows[0][0])
	assert.Equal(t, []string{"a@example.com", "bounce", "legacy"}, rows[1][:3])
	assert.Equal(t, "false", rows[3][4])

	resp, out = ts.do(t, http.MethodGet, "/api/suppressions/export?destination=s3&type=unsubscribe", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, out["exported"])
	assert.True(t, strings.HasPrefix(ts.s3.key, "suppressions/suppressions-"))

	resp, _ = ts.do(t, http.MethodPost, "/api/suppressions/import?ttl_hours=-1", "x@example.com")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRealtimeStream(t *testing.T) {
	ts := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/realtime/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	line := make([]byte, len("event: snapshot"))
	_, err = io.ReadFull(resp.Body, line)
	require.NoError(t, err)
	assert.Equal(t, "event: snapshot", string(line))
}

func TestTrackingRoutesMounted(t *testing.T) {
	ts := newTestServer(t)

	_, out := ts.do(t, http.MethodPost, "/api/send", map[string]any{"email": "r@example.com", "subject": "s", "html": "<a href=\"https://example.com/x\">x</a>"})
	messageID := out["message_id"].(string)

	pixel, err := url.Parse(ts.links.PixelURL(messageID))
	require.NoError(t, err)
	resp, _ := ts.do(t, http.MethodGet, pixel.Path, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/gif", resp.Header.Get("Content-Type"))

	unsub, err := url.Parse(ts.links.UnsubscribeURL(messageID))
	require.NoError(t, err)
	resp, _ = ts.do(t, http.MethodPost, unsub.Path, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	snap := ts.b.Snapshot()
	assert.EqualValues(t, 1, snap.TotalOpened)

	_, out = ts.do(t, http.MethodGet, "/api/suppressions/r@example.com/check", nil)
	assert.Equal(t, false, out["can_send"])
}
