package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ignite/deliverytrack/internal/config"
	"github.com/ignite/deliverytrack/internal/domain"
	"github.com/ignite/deliverytrack/internal/pkg/httpretry"
	"github.com/ignite/deliverytrack/internal/pkg/logger"
)

const defaultSparkPostURL = "https://api.sparkpost.com/api/v1"

// SparkPostSender sends through the SparkPost transmissions API.
type SparkPostSender struct {
	apiKey  string
	baseURL string
	client  httpretry.HTTPDoer
	now     func() time.Time
}

// NewSparkPostSender creates a sender whose HTTP calls go through a
// RetryClient.
func NewSparkPostSender(cfg config.SparkPostConfig) *SparkPostSender {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return NewSparkPostSenderWithClient(cfg.APIKey, cfg.BaseURL,
		httpretry.NewRetryClient(&http.Client{Timeout: timeout}, 3))
}

// NewSparkPostSenderWithClient is NewSparkPostSender with an explicit
// client.
func NewSparkPostSenderWithClient(apiKey, baseURL string, client httpretry.HTTPDoer) *SparkPostSender {
	if baseURL == "" {
		baseURL = defaultSparkPostURL
	}
	return &SparkPostSender{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		now:     time.Now,
	}
}

type spAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type spRecipient struct {
	Address spAddress `json:"address"`
}

type spContent struct {
	From    spAddress         `json:"from"`
	Subject string            `json:"subject"`
	HTML    string            `json:"html"`
	Text    string            `json:"text,omitempty"`
	ReplyTo string            `json:"reply_to,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

type spOptions struct {
	OpenTracking  bool `json:"open_tracking"`
	ClickTracking bool `json:"click_tracking"`
}

type spTransmission struct {
	Recipients []spRecipient     `json:"recipients"`
	Content    spContent         `json:"content"`
	Metadata   map[string]string `json:"metadata"`
	Options    spOptions         `json:"options"`
}

// Send posts a single-recipient transmission. The raw response body is the
// returned Response.
func (s *SparkPostSender) Send(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error) {
	if s.apiKey == "" {
		return nil, &RejectedError{Transport: domain.TransportSparkPost, Err: fmt.Errorf("API key not configured")}
	}

	// Our own tracking is already in the body, so the provider's is off.
	tx := spTransmission{
		Recipients: []spRecipient{{Address: spAddress{Email: msg.Email, Name: msg.Name}}},
		Content: spContent{
			From:    spAddress{Email: msg.FromEmail, Name: msg.FromName},
			Subject: msg.Subject,
			HTML:    msg.HTMLContent,
			Text:    msg.TextContent,
			ReplyTo: msg.ReplyTo,
			Headers: msg.Headers,
		},
		Metadata: map[string]string{MessageIDTag: msg.MessageID},
	}
	body, err := json.Marshal(tx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/transmissions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sparkpost send: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("sparkpost error %d: %s", resp.StatusCode, respBody)
	case resp.StatusCode >= 400:
		return nil, &RejectedError{Transport: domain.TransportSparkPost, Status: resp.StatusCode, Body: string(respBody)}
	}

	logger.Debug("[SparkPost] sent", "recipient", msg.Email)
	return &domain.SendResult{
		Transport: domain.TransportSparkPost,
		Response:  string(respBody),
		SentAt:    s.now().UTC(),
	}, nil
}
