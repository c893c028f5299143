package transport

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/ignite/deliverytrack/internal/config"
	"github.com/ignite/deliverytrack/internal/domain"
	"github.com/ignite/deliverytrack/internal/pkg/logger"
)

// MessageIDTag is the SES message tag carrying our message id, echoed back
// in SES event notifications.
const MessageIDTag = "message_id"

// SESAPI is the part of the SES v2 client the sender needs.
type SESAPI interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// NewSESClient creates an SES v2 client. Static credentials are used when
// both keys are set, otherwise the default AWS credential chain.
func NewSESClient(ctx context.Context, cfg config.SESConfig) (*sesv2.Client, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return sesv2.NewFromConfig(awsCfg), nil
}

// SESSender sends through Amazon SES v2.
type SESSender struct {
	client    SESAPI
	configSet string
	now       func() time.Time
}

// NewSESSender returns a sender using client. configSet may be empty.
func NewSESSender(client SESAPI, configSet string) *SESSender {
	return &SESSender{client: client, configSet: configSet, now: time.Now}
}

// Send delivers msg. The response is the SES message id.
func (s *SESSender) Send(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error) {
	from := (&mail.Address{Name: msg.FromName, Address: msg.FromEmail}).String()
	to := msg.Email
	if msg.Name != "" {
		to = (&mail.Address{Name: msg.Name, Address: msg.Email}).String()
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination:      &types.Destination{ToAddresses: []string{to}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(msg.HTMLContent), Charset: aws.String("UTF-8")},
				},
				Headers: sesHeaders(msg.Headers),
			},
		},
		EmailTags: []types.MessageTag{
			{Name: aws.String(MessageIDTag), Value: aws.String(msg.MessageID)},
		},
	}
	if msg.TextContent != "" {
		input.Content.Simple.Body.Text = &types.Content{Data: aws.String(msg.TextContent), Charset: aws.String("UTF-8")}
	}
	if msg.ReplyTo != "" {
		input.ReplyToAddresses = []string{msg.ReplyTo}
	}
	if s.configSet != "" {
		input.ConfigurationSetName = aws.String(s.configSet)
	}

	out, err := s.client.SendEmail(ctx, input)
	if err != nil {
		if sesPermanent(err) {
			return nil, &RejectedError{Transport: domain.TransportSES, Err: err}
		}
		return nil, fmt.Errorf("ses send: %w", err)
	}

	id := aws.ToString(out.MessageId)
	logger.Debug("[SES] sent", "recipient", msg.Email, "ses_id", id)
	return &domain.SendResult{
		Transport: domain.TransportSES,
		Response:  id,
		SentAt:    s.now().UTC(),
	}, nil
}

func sesHeaders(h map[string]string) []types.MessageHeader {
	if len(h) == 0 {
		return nil
	}
	names := make([]string, 0, len(h))
	for k := range h {
		names = append(names, k)
	}
	sort.Strings(names)
	out := make([]types.MessageHeader, 0, len(h))
	for _, k := range names {
		out = append(out, types.MessageHeader{Name: aws.String(k), Value: aws.String(h[k])})
	}
	return out
}

func sesPermanent(err error) bool {
	var (
		rejected   *types.MessageRejected
		unverified *types.MailFromDomainNotVerifiedException
		suspended  *types.AccountSuspendedException
		badRequest *types.BadRequestException
	)
	return errors.As(err, &rejected) ||
		errors.As(err, &unverified) ||
		errors.As(err, &suspended) ||
		errors.As(err, &badRequest)
}
