// Package notify emits engine events to downstream consumers over
// kafka. Delivery is best effort: the engine never blocks on or fails
// because of an undeliverable event.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/hhongli1979-coder/bicrypto-sub003/internal/config"
	"github.com/hhongli1979-coder/bicrypto-sub003/pkg/models"
)

// Notifier publishes settlement outcomes.
type Notifier interface {
	TradeExecuted(ctx context.Context, trade *models.Trade)
	OrderSettled(ctx context.Context, order *models.Order)
	Close() error
}

// NopNotifier drops every event, used when kafka is disabled and in
// tests.
type NopNotifier struct{}

func (NopNotifier) TradeExecuted(context.Context, *models.Trade) {}
func (NopNotifier) OrderSettled(context.Context, *models.Order)  {}
func (NopNotifier) Close() error                                 { return nil }

// KafkaNotifier writes events to per-topic async writers.
type KafkaNotifier struct {
	logger *zap.Logger
	trades *kafka.Writer
	orders *kafka.Writer
}

// NewKafkaNotifier creates writers for the trade and order topics.
func NewKafkaNotifier(logger *zap.Logger, cfg config.KafkaConfig) *KafkaNotifier {
	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.CRC32Balancer{},
			BatchTimeout: 10 * time.Millisecond,
			RequiredAcks: kafka.RequireOne,
			Compression:  kafka.Snappy,
			Async:        true,
			Completion: func(messages []kafka.Message, err error) {
				if err != nil {
					logger.Error("failed to deliver events",
						zap.String("topic", topic),
						zap.Int("count", len(messages)),
						zap.Error(err))
				}
			},
		}
	}
	return &KafkaNotifier{
		logger: logger,
		trades: newWriter(cfg.TradesTopic),
		orders: newWriter(cfg.OrdersTopic),
	}
}

func (n *KafkaNotifier) emit(ctx context.Context, writer *kafka.Writer, key string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		n.logger.Error("failed to encode event",
			zap.String("topic", writer.Topic),
			zap.Error(err))
		return
	}
	msg := kafka.Message{
		Key:   []byte(key),
		Value: data,
		Time:  time.Now(),
	}
	if err := writer.WriteMessages(ctx, msg); err != nil {
		n.logger.Warn("failed to enqueue event",
			zap.String("topic", writer.Topic),
			zap.Error(err))
	}
}

// TradeExecuted publishes a settled trade keyed by symbol so one
// symbol's trades stay ordered within a partition.
func (n *KafkaNotifier) TradeExecuted(ctx context.Context, trade *models.Trade) {
	n.emit(ctx, n.trades, trade.Symbol, trade)
}

// OrderSettled publishes the post-settlement state of an order.
func (n *KafkaNotifier) OrderSettled(ctx context.Context, order *models.Order) {
	n.emit(ctx, n.orders, order.Symbol, order)
}

// Close flushes and closes both writers.
func (n *KafkaNotifier) Close() error {
	tradesErr := n.trades.Close()
	ordersErr := n.orders.Close()
	if tradesErr != nil {
		return tradesErr
	}
	return ordersErr
}
