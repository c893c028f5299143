package transport

import (
	"context"
	"time"

	"github.com/ignite/deliverytrack/internal/domain"
	"github.com/ignite/deliverytrack/internal/pkg/logger"
)

// LogSender accepts every message and only logs it. Used for local runs
// and dry-run deployments.
type LogSender struct {
	now func() time.Time
}

// NewLogSender returns a LogSender.
func NewLogSender() *LogSender { return &LogSender{now: time.Now} }

// Send logs msg and reports success.
func (l *LogSender) Send(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error) {
	logger.InfoCtx(ctx, "[Transport] dry-run send",
		"message_id", msg.MessageID, "recipient", msg.Email, "subject", msg.Subject, "html_bytes", len(msg.HTMLContent))
	return &domain.SendResult{
		Transport: domain.TransportLog,
		Response:  "logged:" + msg.MessageID,
		SentAt:    l.now().UTC(),
	}, nil
}
