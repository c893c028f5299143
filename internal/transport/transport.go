// Package transport hands rendered messages to a mail provider. Every
// sender returns the provider's response verbatim in SendResult.Response.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/ignite/deliverytrack/internal/config"
	"github.com/ignite/deliverytrack/internal/domain"
	"github.com/ignite/deliverytrack/internal/metrics"
)

// Sender delivers one message.
type Sender interface {
	Send(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error)
}

// RejectedError is a provider refusal that retrying cannot fix, such as an
// invalid recipient or an unverified sender.
type RejectedError struct {
	Transport domain.TransportType
	Status    int
	Body      string
	Err       error
}

func (e *RejectedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s rejected message: %v", e.Transport, e.Err)
	}
	return fmt.Sprintf("%s rejected message (%d): %s", e.Transport, e.Status, e.Body)
}

func (e *RejectedError) Unwrap() error { return e.Err }

// IsRejected reports whether err is a permanent provider refusal.
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}

// New builds the configured sender wrapped in a RetryingSender.
func New(ctx context.Context, cfg config.TransportConfig, m *metrics.Metrics) (Sender, error) {
	var (
		inner Sender
		kind  domain.TransportType
	)
	switch domain.TransportType(cfg.Type) {
	case domain.TransportSES:
		client, err := NewSESClient(ctx, cfg.SES)
		if err != nil {
			return nil, err
		}
		inner, kind = NewSESSender(client, cfg.SES.ConfigurationSet), domain.TransportSES
	case domain.TransportSparkPost:
		inner, kind = NewSparkPostSender(cfg.SparkPost), domain.TransportSparkPost
	case domain.TransportLog, "":
		inner, kind = NewLogSender(), domain.TransportLog
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Type)
	}
	return NewRetryingSender(inner, kind, cfg.MaxAttempts, m), nil
}
