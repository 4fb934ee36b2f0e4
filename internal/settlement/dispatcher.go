package settlement

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// messageWriter mirrors the subset of kafka.Writer the dispatcher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Dispatcher publishes settlement tasks to Kafka. Keying by charge ID
// keeps redeliveries for the same charge on one partition, in order.
type Dispatcher struct {
	writer messageWriter
	logger *zap.Logger
}

func NewDispatcher(brokers []string, topic string, logger *zap.Logger) *Dispatcher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	return &Dispatcher{writer: writer, logger: logger}
}

// Enqueue publishes one settlement task. The write is durable before it
// returns; a failure here surfaces to the caller so the success path can
// report it rather than silently dropping the payout.
func (d *Dispatcher) Enqueue(ctx context.Context, chargeID int64, trigger string) error {
	body, err := json.Marshal(Task{ChargeID: chargeID, Trigger: trigger})
	if err != nil {
		return err
	}

	err = d.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatInt(chargeID, 10)),
		Value: body,
	})
	if err != nil {
		d.logger.Error("failed to enqueue settlement task",
			zap.Int64("charge_id", chargeID),
			zap.Error(err))
		return err
	}

	d.logger.Info("settlement task enqueued",
		zap.Int64("charge_id", chargeID),
		zap.String("trigger", trigger))
	return nil
}

func (d *Dispatcher) Close() error {
	return d.writer.Close()
}
