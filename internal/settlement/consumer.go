package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// messageReader mirrors the subset of kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer drains the settle topic and hands each task to the Processor.
// Offsets are committed only after the task is handled, so a crash
// mid-settlement redelivers the message; the processor's conditional
// writes make the redelivery harmless.
type Consumer struct {
	reader    messageReader
	processor *Processor
	logger    *zap.Logger
}

func NewConsumer(brokers []string, topic string, processor *Processor, logger *zap.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  "settlement-worker",
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  time.Second,
	})
	return &Consumer{reader: reader, processor: processor, logger: logger}
}

// Run consumes until the context is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}

		var task Task
		if err := json.Unmarshal(msg.Value, &task); err != nil {
			c.logger.Error("dropping malformed settlement task",
				zap.ByteString("value", msg.Value), zap.Error(err))
			if err := c.reader.CommitMessages(ctx, msg); err != nil {
				return err
			}
			continue
		}

		if err := c.processor.Process(ctx, task); err != nil {
			// Leave the offset uncommitted so the task is retried.
			c.logger.Error("settlement task failed",
				zap.Int64("charge_id", task.ChargeID), zap.Error(err))
			continue
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			return err
		}
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
