package events

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/segmentio/kafka-go"
)

// MessageWriter is the part of kafka.Writer the sink needs
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter creates a writer keyed by table so one table's events stay ordered
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}
}

// KafkaSink copies every ledger event to a Kafka topic as an audit stream
type KafkaSink struct {
	writer MessageWriter
}

// NewKafkaSink creates a sink writing through w
func NewKafkaSink(w MessageWriter) *KafkaSink {
	return &KafkaSink{writer: w}
}

// Run consumes bus events until ctx is done, then closes the writer
func (k *KafkaSink) Run(ctx context.Context, bus *Bus) {
	ch, unsubscribe := bus.Subscribe()
	defer func() { unsubscribe() }()
	defer k.writer.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				log.Printf("KafkaSink: subscription closed, resubscribing")
				ch, unsubscribe = bus.Subscribe()
				continue
			}
			if err := k.write(ctx, ev); err != nil {
				log.Printf("KafkaSink: failed to write %s: %v", ev.Type, err)
			}
		}
	}
}

func (k *KafkaSink) write(ctx context.Context, ev Event) error {
	if !ev.IsOrderEvent() && ev.Type != TableCleared {
		return nil
	}
	value, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.Table()),
		Value: value,
		Time:  ev.Timestamp,
	})
}
