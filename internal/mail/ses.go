package mail

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"
)

// SESAPI is the subset of the SES client the transport uses.
type SESAPI interface {
	SendRawEmail(ctx context.Context, params *ses.SendRawEmailInput, optFns ...func(*ses.Options)) (*ses.SendRawEmailOutput, error)
}

// SESTransport sends the same MIME document the SMTP path builds through
// SES SendRawEmail, so priority headers survive.
type SESTransport struct {
	client SESAPI
	logger *zap.Logger
	now    func() time.Time
}

func NewSESTransport(ctx context.Context, region string, logger *zap.Logger) (*SESTransport, error) {
	if region == "" {
		return nil, &ConfigurationError{Provider: ProviderSES, Reason: "SES_REGION or AWS_REGION is required"}
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, &ConfigurationError{Provider: ProviderSES, Reason: fmt.Sprintf("load AWS config: %v", err)}
	}
	return NewSESTransportFromClient(ses.NewFromConfig(awsCfg), logger), nil
}

func NewSESTransportFromClient(client SESAPI, logger *zap.Logger) *SESTransport {
	return &SESTransport{client: client, logger: logger, now: time.Now}
}

// Send returns the SES message id, not the Message-ID header.
func (t *SESTransport) Send(ctx context.Context, msg Message) (string, error) {
	raw, _, err := compose(msg, t.now())
	if err != nil {
		return "", err
	}

	out, err := t.client.SendRawEmail(ctx, &ses.SendRawEmailInput{
		Source:       aws.String(msg.From),
		Destinations: msg.To,
		RawMessage:   &types.RawMessage{Data: raw},
	})
	if err != nil {
		return "", fmt.Errorf("ses send failed: %w", err)
	}

	id := aws.ToString(out.MessageId)
	t.logger.Debug("email sent via SES",
		zap.Strings("to", msg.To),
		zap.String("message_id", id),
	)
	return id, nil
}
