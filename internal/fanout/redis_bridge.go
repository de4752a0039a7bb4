package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisBridge relays events between replicas over Redis pub/sub.
//
// Publish sends local events out tagged with this process's origin; Run
// delivers events from other replicas into the local publisher (the Hub).
type RedisBridge struct {
	rdb     *redis.Client
	channel string
	origin  string
	local   Publisher
	log     *slog.Logger
}

func NewRedisBridge(rdb *redis.Client, channel, origin string, local Publisher, log *slog.Logger) *RedisBridge {
	if log == nil {
		log = slog.Default()
	}
	return &RedisBridge{rdb: rdb, channel: channel, origin: origin, local: local, log: log.With("component", "fanout_bridge")}
}

func (b *RedisBridge) Publish(ctx context.Context, ev Event) error {
	if ev.Origin == "" {
		ev.Origin = b.origin
	}
	if ev.Origin != b.origin {
		// Relayed from another replica; it already went to Redis once.
		return nil
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := b.rdb.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("fanout bridge publish: %w", err)
	}
	return nil
}

// Run subscribes to the channel until ctx is canceled.
func (b *RedisBridge) Run(ctx context.Context) error {
	sub := b.rdb.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("fanout bridge subscribe: %w", err)
	}
	b.log.Info("fanout bridge subscribed", "channel", b.channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.deliver(ctx, []byte(msg.Payload))
		}
	}
}

func (b *RedisBridge) deliver(ctx context.Context, data []byte) bool {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		b.log.Warn("fanout bridge: bad payload", "err", err)
		return false
	}
	if ev.Origin == b.origin {
		return false
	}
	if err := b.local.Publish(ctx, ev); err != nil {
		b.log.Warn("fanout bridge: local publish failed", "err", err)
		return false
	}
	return true
}
