// Package kafkasink forwards progress events to a Kafka topic so other SOC
// tooling can follow analyses without holding an SSE connection.
package kafkasink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/argus/internal/progress"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Sink is a progress.Tap backed by an async kafka.Writer. Messages are keyed
// by alert id and hash-balanced, so events of one alert stay ordered within
// a partition.
type Sink struct {
	writer messageWriter
	logger log.Logger
}

var _ progress.Tap = (*Sink)(nil)

// New creates a sink writing to topic on brokers.
func New(brokers []string, topic string, logger log.Logger) (*Sink, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafkasink: no brokers")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafkasink: empty topic")
	}
	if logger == nil {
		logger = log.Nop()
	}

	ctx := context.Background()
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           50 * time.Millisecond,
		WriteTimeout:           10 * time.Second,
		Async:                  true,
		AllowAutoTopicCreation: false,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				logger.Error(ctx, err, "progress event delivery failed", "topic", topic, "messages", len(msgs))
			}
		},
	}
	return newSink(w, logger), nil
}

func newSink(w messageWriter, logger log.Logger) *Sink {
	if logger == nil {
		logger = log.Nop()
	}
	return &Sink{writer: w, logger: logger}
}

// Forward enqueues ev. It does not wait for delivery.
func (s *Sink) Forward(ctx context.Context, ev progress.Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error(ctx, err, "marshal progress event", "alert_id", ev.AlertID)
		return
	}
	msg := kafka.Message{
		Key:   []byte(ev.AlertID),
		Value: body,
		Time:  ev.Timestamp,
		Headers: []kafka.Header{
			{Key: "step", Value: []byte(ev.Step)},
			{Key: "status", Value: []byte(ev.Status)},
		},
	}
	if err := s.writer.WriteMessages(context.WithoutCancel(ctx), msg); err != nil {
		s.logger.Warn(ctx, "progress event not enqueued", "alert_id", ev.AlertID, "err", err)
	}
}

// Close flushes pending messages.
func (s *Sink) Close() error {
	return s.writer.Close()
}
