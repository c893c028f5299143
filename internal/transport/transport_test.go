package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/deliverytrack/internal/config"
	"github.com/ignite/deliverytrack/internal/domain"
	"github.com/ignite/deliverytrack/internal/pkg/httpretry"
)

func testMessage() *domain.EmailMessage {
	return &domain.EmailMessage{
		MessageID:   "msg-1",
		Email:       "rcpt@example.com",
		Name:        "Rae Cipient",
		FromName:    "Sender",
		FromEmail:   "news@example.org",
		Subject:     "Hello",
		HTMLContent: "<p>hi</p>",
		TextContent: "hi",
		Headers:     map[string]string{"List-Unsubscribe": "<https://t.example.com/u>"},
	}
}

type fakeSES struct {
	in  *sesv2.SendEmailInput
	err error
}

func (f *fakeSES) SendEmail(_ context.Context, in *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	f.in = in
	if f.err != nil {
		return nil, f.err
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("ses-123")}, nil
}

func TestSESSender(t *testing.T) {
	api := &fakeSES{}
	res, err := NewSESSender(api, "tracking").Send(context.Background(), testMessage())
	require.NoError(t, err)
	assert.Equal(t, "ses-123", res.Response)
	assert.Equal(t, domain.TransportSES, res.Transport)

	in := api.in
	assert.Equal(t, `"Sender" <news@example.org>`, aws.ToString(in.FromEmailAddress))
	assert.Equal(t, []string{`"Rae Cipient" <rcpt@example.com>`}, in.Destination.ToAddresses)
	assert.Equal(t, "tracking", aws.ToString(in.ConfigurationSetName))
	require.Len(t, in.EmailTags, 1)
	assert.Equal(t, "msg-1", aws.ToString(in.EmailTags[0].Value))
	assert.Equal(t, "hi", aws.ToString(in.Content.Simple.Body.Text.Data))
	require.Len(t, in.Content.Simple.Headers, 1)
	assert.Equal(t, "List-Unsubscribe", aws.ToString(in.Content.Simple.Headers[0].Name))
}

func TestSESRejection(t *testing.T) {
	api := &fakeSES{err: &types.MessageRejected{Message: aws.String("bad address")}}
	_, err := NewSESSender(api, "").Send(context.Background(), testMessage())
	require.Error(t, err)
	assert.True(t, IsRejected(err))

	api.err = errors.New("throttled")
	_, err = NewSESSender(api, "").Send(context.Background(), testMessage())
	require.Error(t, err)
	assert.False(t, IsRejected(err))
}

func TestSparkPostSender(t *testing.T) {
	var got spTransmission
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/transmissions", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &got))
		w.Write([]byte(`{"results":{"id":"sp-9","total_accepted_recipients":1}}`))
	}))
	defer srv.Close()

	s := NewSparkPostSenderWithClient("key", srv.URL, srv.Client())
	res, err := s.Send(context.Background(), testMessage())
	require.NoError(t, err)
	assert.JSONEq(t, `{"results":{"id":"sp-9","total_accepted_recipients":1}}`, res.Response)
	assert.Equal(t, "msg-1", got.Metadata[MessageIDTag])
	assert.Equal(t, "rcpt@example.com", got.Recipients[0].Address.Email)
	assert.False(t, got.Options.ClickTracking)
}

func TestSparkPostErrors(t *testing.T) {
	var calls int32
	status := int32(http.StatusUnprocessableEntity)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(int(atomic.LoadInt32(&status)))
		w.Write([]byte(`{"errors":[{"message":"invalid recipient"}]}`))
	}))
	defer srv.Close()

	client := httpretry.NewRetryClient(srv.Client(), 2).WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} })
	s := NewSparkPostSenderWithClient("key", srv.URL, client)

	_, err := s.Send(context.Background(), testMessage())
	require.Error(t, err)
	assert.True(t, IsRejected(err))
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))

	atomic.StoreInt32(&status, http.StatusServiceUnavailable)
	atomic.StoreInt32(&calls, 0)
	_, err = s.Send(context.Background(), testMessage())
	require.Error(t, err)
	assert.False(t, IsRejected(err))
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))

	_, err = NewSparkPostSenderWithClient("", srv.URL, client).Send(context.Background(), testMessage())
	assert.True(t, IsRejected(err))
}

type flakySender struct {
	failures int
	calls    int
	err      error
}

func (f *flakySender) Send(_ context.Context, msg *domain.EmailMessage) (*domain.SendResult, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, f.err
	}
	return &domain.SendResult{Transport: domain.TransportLog, Response: "ok"}, nil
}

func zeroBackOff() backoff.BackOff { return &backoff.ZeroBackOff{} }

func TestRetryingSender(t *testing.T) {
	inner := &flakySender{failures: 2, err: errors.New("timeout")}
	r := NewRetryingSender(inner, domain.TransportLog, 3, nil).WithBackOff(zeroBackOff)
	res, err := r.Send(context.Background(), testMessage())
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Response)
	assert.Equal(t, 3, inner.calls)

	inner = &flakySender{failures: 5, err: errors.New("timeout")}
	r = NewRetryingSender(inner, domain.TransportLog, 3, nil).WithBackOff(zeroBackOff)
	_, err = r.Send(context.Background(), testMessage())
	require.Error(t, err)
	assert.Equal(t, 3, inner.calls)

	inner = &flakySender{failures: 5, err: &RejectedError{Transport: domain.TransportLog, Status: 400}}
	r = NewRetryingSender(inner, domain.TransportLog, 3, nil).WithBackOff(zeroBackOff)
	_, err = r.Send(context.Background(), testMessage())
	assert.True(t, IsRejected(err))
	assert.Equal(t, 1, inner.calls)
}

func TestLogSenderAndFactory(t *testing.T) {
	res, err := NewLogSender().Send(context.Background(), testMessage())
	require.NoError(t, err)
	assert.Equal(t, "logged:msg-1", res.Response)

	s, err := New(context.Background(), config.TransportConfig{Type: "log"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &RetryingSender{}, s)

	_, err = New(context.Background(), config.TransportConfig{Type: "carrier-pigeon"}, nil)
	assert.Error(t, err)
}
