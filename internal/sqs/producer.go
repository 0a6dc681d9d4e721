package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/labnotify/internal/db"
)

// MaxBatch is the SQS limit on entries per SendMessageBatch call.
const MaxBatch = 10

// Producer puts activities on the intake queue.
type Producer struct {
	client   API
	queueURL string
	source   string
	logger   *zap.Logger
	now      func() time.Time
}

// NewProducer tags every message with source.
func NewProducer(client API, queueURL, source string, logger *zap.Logger) *Producer {
	return &Producer{
		client:   client,
		queueURL: queueURL,
		source:   source,
		logger:   logger,
		now:      time.Now,
	}
}

func (p *Producer) body(a *db.Activity) (string, error) {
	b, err := json.Marshal(MessageFromActivity(a, p.source, p.now()))
	if err != nil {
		return "", fmt.Errorf("failed to marshal activity %s: %w", a.ID, err)
	}
	return string(b), nil
}

func typeAttribute(a *db.Activity) map[string]types.MessageAttributeValue {
	return map[string]types.MessageAttributeValue{
		"activity_type": {
			DataType:    aws.String("String"),
			StringValue: aws.String(a.Type),
		},
	}
}

// Publish sends one activity and returns the SQS message id.
func (p *Producer) Publish(ctx context.Context, a *db.Activity) (string, error) {
	body, err := p.body(a)
	if err != nil {
		return "", err
	}

	result, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:          aws.String(p.queueURL),
		MessageBody:       aws.String(body),
		MessageAttributes: typeAttribute(a),
	})
	if err != nil {
		p.logger.Error("failed to send activity to sqs",
			zap.String("activity_id", a.ID.String()),
			zap.Error(err),
		)
		return "", fmt.Errorf("sqs send failed: %w", err)
	}
	return aws.ToString(result.MessageId), nil
}

// PublishBatch sends activities in chunks of MaxBatch and returns how many
// SQS accepted. Entries that fail are logged and not retried here.
func (p *Producer) PublishBatch(ctx context.Context, activities []*db.Activity) (int, error) {
	sent := 0
	for start := 0; start < len(activities); start += MaxBatch {
		end := min(start+MaxBatch, len(activities))
		chunk := activities[start:end]

		entries := make([]types.SendMessageBatchRequestEntry, 0, len(chunk))
		for i, a := range chunk {
			body, err := p.body(a)
			if err != nil {
				return sent, err
			}
			entries = append(entries, types.SendMessageBatchRequestEntry{
				Id:                aws.String(strconv.Itoa(i)),
				MessageBody:       aws.String(body),
				MessageAttributes: typeAttribute(a),
			})
		}

		out, err := p.client.SendMessageBatch(ctx, &sqs.SendMessageBatchInput{
			QueueUrl: aws.String(p.queueURL),
			Entries:  entries,
		})
		if err != nil {
			return sent, fmt.Errorf("sqs batch send failed: %w", err)
		}
		for _, f := range out.Failed {
			p.logger.Warn("activity rejected by sqs",
				zap.String("entry", aws.ToString(f.Id)),
				zap.String("code", aws.ToString(f.Code)),
				zap.String("message", aws.ToString(f.Message)),
			)
		}
		sent += len(out.Successful)
	}
	return sent, nil
}
