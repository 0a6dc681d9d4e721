package sqs

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/labnotify/internal/db"
	"github.com/lalithlochan/labnotify/internal/metrics"
)

// Processor applies the notification policy to one activity.
type Processor interface {
	Process(ctx context.Context, a *db.Activity) (*db.Notification, error)
}

// ActivityRecorder persists queued activities before they are processed.
type ActivityRecorder interface {
	InsertActivity(ctx context.Context, a *db.Activity) error
}

type receiver interface {
	Receive(ctx context.Context, max int32) ([]Received, error)
	Delete(ctx context.Context, receiptHandle string) error
	Release(ctx context.Context, receiptHandle string, seconds int32) error
}

type IntakeConfig struct {
	BatchSize int32
	// ErrorBackoff is how long Run waits after a failed receive.
	ErrorBackoff time.Duration
	// RetryDelaySeconds is how soon a failed activity becomes visible again.
	RetryDelaySeconds int32
}

// Intake pulls activities off the queue and feeds them to the processor.
type Intake struct {
	consumer  receiver
	processor Processor
	recorder  ActivityRecorder
	config    IntakeConfig
	logger    *zap.Logger
}

// NewIntake builds an intake loop. recorder may be nil when producers
// already wrote the activity row.
func NewIntake(consumer *Consumer, processor Processor, recorder ActivityRecorder, cfg IntakeConfig, logger *zap.Logger) *Intake {
	return newIntake(consumer, processor, recorder, cfg, logger)
}

func newIntake(consumer receiver, processor Processor, recorder ActivityRecorder, cfg IntakeConfig, logger *zap.Logger) *Intake {
	if cfg.BatchSize <= 0 || cfg.BatchSize > MaxBatch {
		cfg.BatchSize = MaxBatch
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = 5 * time.Second
	}
	if cfg.RetryDelaySeconds <= 0 {
		cfg.RetryDelaySeconds = 30
	}
	return &Intake{
		consumer:  consumer,
		processor: processor,
		recorder:  recorder,
		config:    cfg,
		logger:    logger,
	}
}

// Run polls until ctx is cancelled.
func (i *Intake) Run(ctx context.Context) {
	i.logger.Info("activity intake started")
	for {
		select {
		case <-ctx.Done():
			i.logger.Info("activity intake stopping")
			return
		default:
		}

		batch, err := i.consumer.Receive(ctx, i.config.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			i.logger.Error("failed to receive activities", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(i.config.ErrorBackoff):
			}
			continue
		}
		i.processBatch(ctx, batch)
	}
}

func (i *Intake) processBatch(ctx context.Context, batch []Received) {
	remaining := len(batch)
	metrics.SetSQSMessagesInFlight(remaining)
	for _, msg := range batch {
		i.handle(ctx, msg)
		remaining--
		metrics.SetSQSMessagesInFlight(remaining)
	}
}

// handle processes one message. Poison messages are deleted so they stop
// cycling; processing failures are released for redelivery.
func (i *Intake) handle(ctx context.Context, msg Received) {
	log := i.logger.With(zap.String("sqs_message_id", msg.MessageID))
	ack := context.WithoutCancel(ctx)

	activity, err := i.decode(msg)
	if err != nil {
		log.Error("dropping malformed activity message", zap.Error(err))
		if err := i.consumer.Delete(ack, msg.ReceiptHandle); err != nil {
			log.Warn("failed to delete malformed message", zap.Error(err))
		}
		return
	}
	log = log.With(zap.String("activity_id", activity.ID.String()))

	if i.recorder != nil {
		if err := i.recorder.InsertActivity(ctx, activity); err != nil && !errors.Is(err, db.ErrConflict) {
			log.Error("failed to record activity", zap.Error(err))
			i.release(ack, msg, log)
			return
		}
	}

	if _, err := i.processor.Process(ctx, activity); err != nil {
		log.Error("failed to process activity", zap.Error(err))
		i.release(ack, msg, log)
		return
	}

	if err := i.consumer.Delete(ack, msg.ReceiptHandle); err != nil {
		// redelivery is harmless; the engine dedups by activity id
		log.Warn("failed to delete processed message", zap.Error(err))
	}
}

func (i *Intake) decode(msg Received) (*db.Activity, error) {
	if msg.Err != nil {
		return nil, msg.Err
	}
	return msg.Message.Activity()
}

func (i *Intake) release(ctx context.Context, msg Received, log *zap.Logger) {
	if err := i.consumer.Release(ctx, msg.ReceiptHandle, i.config.RetryDelaySeconds); err != nil {
		log.Warn("failed to release message", zap.Error(err))
	}
}
