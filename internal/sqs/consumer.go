package sqs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"
)

// Received is one message pulled from the queue. Err is set when the body
// could not be decoded; such messages are still returned so the caller can
// delete them.
type Received struct {
	Message       Message
	ReceiptHandle string
	MessageID     string
	Err           error
}

// Consumer reads activities from SQS.
type Consumer struct {
	client            API
	queueURL          string
	waitSeconds       int32
	visibilitySeconds int32
	logger            *zap.Logger
}

func NewConsumer(client API, cfg Config, logger *zap.Logger) *Consumer {
	if cfg.WaitSeconds <= 0 || cfg.WaitSeconds > 20 {
		cfg.WaitSeconds = 20
	}
	if cfg.VisibilitySeconds <= 0 {
		cfg.VisibilitySeconds = 60
	}
	return &Consumer{
		client:            client,
		queueURL:          cfg.QueueURL,
		waitSeconds:       cfg.WaitSeconds,
		visibilitySeconds: cfg.VisibilitySeconds,
		logger:            logger,
	}
}

// Receive long-polls for up to max messages (capped at 10).
func (c *Consumer) Receive(ctx context.Context, max int32) ([]Received, error) {
	if max <= 0 || max > MaxBatch {
		max = MaxBatch
	}
	result, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: max,
		WaitTimeSeconds:     c.waitSeconds,
		VisibilityTimeout:   c.visibilitySeconds,
	})
	if err != nil {
		return nil, fmt.Errorf("sqs receive failed: %w", err)
	}

	out := make([]Received, 0, len(result.Messages))
	for _, m := range result.Messages {
		r := Received{
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
			MessageID:     aws.ToString(m.MessageId),
		}
		if err := json.Unmarshal([]byte(aws.ToString(m.Body)), &r.Message); err != nil {
			r.Err = fmt.Errorf("invalid message format: %w", err)
		}
		out = append(out, r)
	}
	return out, nil
}

// Delete acknowledges a processed message.
func (c *Consumer) Delete(ctx context.Context, receiptHandle string) error {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}
	return nil
}

// Release makes a message visible again after seconds, so a failed
// activity is redelivered sooner than the full visibility timeout.
func (c *Consumer) Release(ctx context.Context, receiptHandle string, seconds int32) error {
	_, err := c.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.queueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: seconds,
	})
	if err != nil {
		return fmt.Errorf("sqs change visibility failed: %w", err)
	}
	return nil
}
