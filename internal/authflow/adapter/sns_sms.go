package adapter

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/service/sns"

	"github.com/amlakpars/marketplace-auth/internal/otp"
)

// snsPublisher is a narrow, consumer-defined interface for the subset of SNS
// operations required by the SMS gateway. The real *sns.Client satisfies it.
type snsPublisher interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Compile-time interface satisfaction checks.
var _ otp.MessageGateway = (*SNSGateway)(nil)
var _ otp.MessageGateway = (*LogGateway)(nil)

// SNSGateway delivers SMS messages via Amazon SNS.
type SNSGateway struct {
	client snsPublisher
}

// NewSNSGateway creates an SNSGateway backed by the given SNS client.
func NewSNSGateway(client snsPublisher) *SNSGateway {
	return &SNSGateway{client: client}
}

// Send publishes text to the given phone number via SNS.
func (g *SNSGateway) Send(ctx context.Context, phone, text string) error {
	_, err := g.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber: &phone,
		Message:     &text,
	})
	if err != nil {
		return fmt.Errorf("sns gateway: send to %s: %w", maskPhone(phone), err)
	}

	return nil
}

// LogGateway is a fake MessageGateway that logs delivery instead of sending
// real SMS. Suitable for local development and testing environments.
type LogGateway struct {
	logger *slog.Logger
}

// NewLogGateway creates a LogGateway that writes delivery events to the
// given structured logger.
func NewLogGateway(logger *slog.Logger) *LogGateway {
	return &LogGateway{logger: logger}
}

// Send logs the delivery with a masked phone number (last 4 digits visible).
// It never sends a real SMS.
func (g *LogGateway) Send(ctx context.Context, phone, text string) error {
	g.logger.InfoContext(ctx, "sms delivery (log-only)",
		slog.String("phone", maskPhone(phone)),
		slog.String("text", text),
	)

	return nil
}

// maskPhone returns a masked representation of the phone number showing only
// the last 4 digits. Numbers shorter than 5 characters are fully masked.
func maskPhone(phone string) string {
	if len(phone) <= 4 {
		return "****"
	}
	return "***" + phone[len(phone)-4:]
}
