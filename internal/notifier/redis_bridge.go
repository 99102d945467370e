package notifier

import (
	"context"
	"encoding/json"

	"restaurant-order-service/internal/models"
	"restaurant-order-service/internal/util"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// DefaultChannel is the pub/sub channel shared by every instance.
const DefaultChannel = "order-changes"

// PubSub is the part of the redis client the bridge needs.
type PubSub interface {
	Publish(ctx context.Context, channel string, payload interface{}) error
	Subscribe(ctx context.Context, channel string) *redis.PubSub
}

// RedisBridge relays changes between instances. Publish sends local commits to redis;
// Run feeds everything received on the channel, own commits included, into the hub,
// which drops the duplicates by version.
type RedisBridge struct {
	client  PubSub
	channel string
	hub     *Hub
	logger  *zap.Logger
}

// NewRedisBridge creates a bridge over client
func NewRedisBridge(client PubSub, channel string, hub *Hub) *RedisBridge {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisBridge{
		client:  client,
		channel: channel,
		hub:     hub,
		logger:  util.GetLogger(),
	}
}

// Publish implements ledger.Publisher.
func (b *RedisBridge) Publish(ctx context.Context, change *models.OrderChange) {
	if err := b.client.Publish(ctx, b.channel, change); err != nil {
		b.logger.Warn("Failed to publish change to redis",
			zap.String("order_id", change.OrderID),
			zap.Int64("version", change.Version),
			zap.Error(err))
	}
}

// Run relays messages into the hub until ctx is done.
func (b *RedisBridge) Run(ctx context.Context) error {
	ps := b.client.Subscribe(ctx, b.channel)
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	b.logger.Info("Redis change bridge subscribed", zap.String("channel", b.channel))

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var change models.OrderChange
			if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
				b.logger.Warn("Dropping undecodable change", zap.Error(err))
				continue
			}
			b.hub.Publish(ctx, &change)
		}
	}
}
