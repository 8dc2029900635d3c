package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hhongli1979-coder/bicrypto-sub003/internal/config"
	"github.com/hhongli1979-coder/bicrypto-sub003/pkg/models"
)

// RedisGateway publishes events on redis pub/sub channels consumed by
// the websocket delivery tier.
type RedisGateway struct {
	logger *zap.Logger
	rdb    *redis.Client
}

// NewRedisGateway connects to redis and verifies the connection.
func NewRedisGateway(logger *zap.Logger, cfg config.RedisConfig) (*RedisGateway, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("broadcast gateway connected",
		zap.String("addr", cfg.Address),
		zap.Int("db", cfg.DB))

	return &RedisGateway{
		logger: logger,
		rdb:    rdb,
	}, nil
}

func (g *RedisGateway) publish(ctx context.Context, channel string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		g.logger.Error("failed to encode broadcast payload",
			zap.String("channel", channel),
			zap.Error(err))
		return
	}
	if err := g.rdb.Publish(ctx, channel, data).Err(); err != nil {
		g.logger.Warn("failed to publish broadcast",
			zap.String("channel", channel),
			zap.Error(err))
	}
}

// PublishBookUpdate sends changed price levels of one symbol. Empty
// updates are dropped.
func (g *RedisGateway) PublishBookUpdate(ctx context.Context, update *BookUpdate) {
	if update == nil || update.IsEmpty() {
		return
	}
	g.publish(ctx, BookChannel(update.Symbol), update)
}

// PublishTrades sends the fills of one match.
func (g *RedisGateway) PublishTrades(ctx context.Context, symbol string, fills []models.Fill) {
	if len(fills) == 0 {
		return
	}
	g.publish(ctx, TradesChannel(symbol), fills)
}

// PublishOrderUpdate sends the current state of an order to its
// owner's channel.
func (g *RedisGateway) PublishOrderUpdate(ctx context.Context, order *models.Order) {
	g.publish(ctx, OrdersChannel(order.UserID), order)
}

// PublishCandle sends one updated candle bucket.
func (g *RedisGateway) PublishCandle(ctx context.Context, candle *models.Candle) {
	g.publish(ctx, CandlesChannel(candle.Symbol, candle.Interval), candle)
}

// PublishTicker sends the daily statistics of one symbol.
func (g *RedisGateway) PublishTicker(ctx context.Context, ticker *models.Ticker) {
	g.publish(ctx, TickerChannel(ticker.Symbol), ticker)
}

// PublishTickers sends the statistics of every symbol in one message.
func (g *RedisGateway) PublishTickers(ctx context.Context, tickers []*models.Ticker) {
	if len(tickers) == 0 {
		return
	}
	g.publish(ctx, TickersChannel, tickers)
}

// Close releases the redis connection.
func (g *RedisGateway) Close() error {
	return g.rdb.Close()
}
