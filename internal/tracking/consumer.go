package tracking

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/ignite/deliverytrack/internal/domain"
	"github.com/ignite/deliverytrack/internal/pkg/logger"
)

// Consumer drains the tracking queue into a Sink.
type Consumer struct {
	client     SQSAPI
	queueURL   string
	sink       Sink
	errBackoff time.Duration
	waitTime   int32
}

// NewConsumer creates a consumer feeding sink.
func NewConsumer(client SQSAPI, queueURL string, sink Sink) *Consumer {
	return &Consumer{
		client:     client,
		queueURL:   queueURL,
		sink:       sink,
		errBackoff: 5 * time.Second,
		waitTime:   20,
	}
}

// Run long-polls until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	logger.Info("[Tracking] SQS consumer started", "queue", c.queueURL)
	for {
		if ctx.Err() != nil {
			return nil
		}

		out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(c.queueURL),
			MaxNumberOfMessages: 10,
			WaitTimeSeconds:     c.waitTime,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("[Tracking] SQS receive error", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.errBackoff):
			}
			continue
		}

		for _, msg := range out.Messages {
			c.handle(ctx, msg)
		}
	}
}

// handle deletes the message unless processing failed in a way a retry
// could fix.
func (c *Consumer) handle(ctx context.Context, msg types.Message) {
	var ev domain.TrackEvent
	if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &ev); err != nil {
		logger.Warn("[Tracking] dropping malformed SQS message", "error", err)
		c.delete(ctx, msg.ReceiptHandle)
		return
	}

	if err := c.sink.Track(ctx, ev); err != nil {
		if !domain.IsNotFound(err) && !domain.IsValidation(err) {
			logger.Warn("[Tracking] event processing failed, leaving for redelivery",
				"type", ev.Type, "message_id", ev.MessageID, "error", err)
			return
		}
		logger.Info("[Tracking] discarding unprocessable event",
			"type", ev.Type, "message_id", ev.MessageID, "error", err)
	}
	c.delete(ctx, msg.ReceiptHandle)
}

func (c *Consumer) delete(ctx context.Context, handle *string) {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: handle,
	})
	if err != nil {
		logger.Warn("[Tracking] SQS delete failed", "error", err)
	}
}
