// Package sns announces created notifications on an SNS topic so other
// services (realtime push, audit) can react without polling the inbox table.
package sns

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/labnotify/internal/db"
)

// EventNotificationCreated is the event attribute on every announcement.
const EventNotificationCreated = "notification.created"

// API is the subset of the SNS client the publisher needs.
type API interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Event is the JSON payload published for a notification.
type Event struct {
	Event           string    `json:"event"`
	NotificationID  string    `json:"notification_id"`
	RecipientUserID string    `json:"recipient_user_id"`
	ActivityID      string    `json:"activity_id"`
	ActivityType    string    `json:"activity_type"`
	Title           string    `json:"title"`
	Kind            string    `json:"kind"`
	Category        string    `json:"category"`
	CreatedAt       time.Time `json:"created_at"`
}

// Publisher handles SNS topic publishing.
type Publisher struct {
	client   API
	topicARN string
	logger   *zap.Logger
}

// NewPublisher creates an SNS publisher for the given topic. endpoint is
// optional and points the client at LocalStack.
func NewPublisher(ctx context.Context, topicARN, region, endpoint string, logger *zap.Logger) (*Publisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sns.NewFromConfig(cfg, func(o *sns.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return NewPublisherFromClient(client, topicARN, logger), nil
}

func NewPublisherFromClient(client API, topicARN string, logger *zap.Logger) *Publisher {
	return &Publisher{client: client, topicARN: topicARN, logger: logger}
}

func eventFor(n *db.Notification) Event {
	return Event{
		Event:           EventNotificationCreated,
		NotificationID:  n.ID.String(),
		RecipientUserID: n.RecipientUserID.String(),
		ActivityID:      n.Metadata.ActivityID.String(),
		ActivityType:    n.Metadata.ActivityType,
		Title:           n.Title,
		Kind:            n.Kind,
		Category:        n.Category,
		CreatedAt:       n.CreatedAt,
	}
}

func stringAttr(v string) types.MessageAttributeValue {
	return types.MessageAttributeValue{
		DataType:    aws.String("String"),
		StringValue: aws.String(v),
	}
}

// Announce publishes n with event, category and kind attributes so
// subscriptions can filter.
func (p *Publisher) Announce(ctx context.Context, n *db.Notification) error {
	payload, err := json.Marshal(eventFor(n))
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	result, err := p.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event":    stringAttr(EventNotificationCreated),
			"category": stringAttr(n.Category),
			"kind":     stringAttr(n.Kind),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to publish to SNS: %w", err)
	}

	p.logger.Debug("notification announced",
		zap.String("notification_id", n.ID.String()),
		zap.String("sns_message_id", aws.ToString(result.MessageId)),
	)
	return nil
}
