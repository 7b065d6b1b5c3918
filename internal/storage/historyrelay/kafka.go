// Package historyrelay publishes finalized orders to Kafka for downstream consumers.
package historyrelay

import (
	"context"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
	kafka "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/vadiminshakov/ordermirror/internal/domain"
)

const batchTimeout = 50 * time.Millisecond

// KafkaRelay writes every finalized order to a topic, keyed by order id so all
// records of one order land in the same partition.
type KafkaRelay struct {
	w *kafka.Writer
}

// NewKafkaRelay creates a synchronous writer for topic.
func NewKafkaRelay(brokers []string, topic string, l *zap.Logger) *KafkaRelay {
	if l == nil {
		l = zap.NewNop()
	}
	sugar := l.Named("kafka").Sugar()

	return &KafkaRelay{w: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		BatchTimeout:           batchTimeout,
		Logger:                 &logger{printf: sugar.Debugf},
		ErrorLogger:            &logger{printf: sugar.Errorf},
	}}
}

// UpsertFinal publishes entry. It blocks until the broker acknowledges or ctx ends.
func (r *KafkaRelay) UpsertFinal(ctx context.Context, entry domain.HistoryEntry) error {
	msg, err := message(entry)
	if err != nil {
		return err
	}
	if err := r.w.WriteMessages(ctx, msg); err != nil {
		return errors.Wrapf(err, "relay order %d", entry.OrderID)
	}
	return nil
}

// Close flushes pending writes.
func (r *KafkaRelay) Close() error {
	return r.w.Close()
}

func message(entry domain.HistoryEntry) (kafka.Message, error) {
	value, err := json.Marshal(entry)
	if err != nil {
		return kafka.Message{}, errors.Wrap(err, "marshal history entry")
	}
	return kafka.Message{
		Key:   []byte(strconv.FormatInt(entry.OrderID, 10)),
		Value: value,
		Headers: []kafka.Header{
			{Key: "symbol", Value: []byte(entry.Symbol)},
			{Key: "status", Value: []byte(entry.Status)},
		},
		Time: time.UnixMilli(entry.FinalizedAt),
	}, nil
}

type logger struct {
	printf func(string, ...interface{})
}

func (l *logger) Printf(msg string, args ...interface{}) {
	l.printf(msg, args...)
}
