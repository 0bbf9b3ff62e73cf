package adapter

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/glowdesk/salon-platform/internal/auth"
	"github.com/glowdesk/salon-platform/internal/domain"
)

// snsPublisher is a narrow, consumer-defined interface for the subset of SNS
// operations required by the SMS provider. The real *sns.Client satisfies it.
type snsPublisher interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Compile-time interface satisfaction checks.
var _ auth.SMSProvider = (*SNSSMSProvider)(nil)
var _ auth.SMSProvider = (*LogSMSProvider)(nil)

// SNSSMSProvider delivers OTP codes via Amazon SNS SMS.
type SNSSMSProvider struct {
	client   snsPublisher
	senderID string
}

// NewSNSSMSProvider creates an SNSSMSProvider backed by the given SNS client.
// senderID is the alphanumeric sender shown on the recipient's device; pass
// an empty string to use the account default.
func NewSNSSMSProvider(client snsPublisher, senderID string) *SNSSMSProvider {
	return &SNSSMSProvider{client: client, senderID: senderID}
}

// SendOTP publishes an OTP message to the given phone number via SNS,
// flagged Transactional so carriers prioritize delivery over marketing
// traffic.
func (p *SNSSMSProvider) SendOTP(ctx context.Context, phone, otp string) error {
	message := fmt.Sprintf("Your verification code is: %s", otp)
	smsType := "Transactional"

	attrs := map[string]snstypes.MessageAttributeValue{
		"AWS.SNS.SMS.SMSType": {
			DataType:    strPtr("String"),
			StringValue: &smsType,
		},
	}
	if p.senderID != "" {
		attrs["AWS.SNS.SMS.SenderID"] = snstypes.MessageAttributeValue{
			DataType:    strPtr("String"),
			StringValue: &p.senderID,
		}
	}

	_, err := p.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber:       &phone,
		Message:           &message,
		MessageAttributes: attrs,
	})
	if err != nil {
		return fmt.Errorf("sns sms: send otp to %s: %w", maskPhone(phone), err)
	}

	return nil
}

func strPtr(s string) *string { return &s }

// LogSMSProvider is a fake SMSProvider that logs OTP delivery instead of
// sending real SMS. Suitable for local development and testing environments.
type LogSMSProvider struct {
	logger *slog.Logger
}

// NewLogSMSProvider creates a LogSMSProvider that writes OTP events to the
// given structured logger.
func NewLogSMSProvider(logger *slog.Logger) *LogSMSProvider {
	return &LogSMSProvider{logger: logger}
}

// SendOTP logs the OTP delivery with a masked phone number. It never sends
// a real SMS.
func (p *LogSMSProvider) SendOTP(ctx context.Context, phone, otp string) error {
	p.logger.InfoContext(ctx, "otp delivery (log-only)",
		slog.String("phone_masked", maskPhone(phone)),
		slog.String("code", otp),
	)

	return nil
}

// maskPhone shows only the last 4 digits, matching domain.PhoneNumber.Masked
// for raw strings that may not be valid phone numbers.
func maskPhone(phone string) string {
	if p, err := domain.NewPhoneNumber(phone); err == nil {
		return p.Masked()
	}
	if len(phone) <= 4 {
		return "****"
	}
	return "***" + phone[len(phone)-4:]
}
