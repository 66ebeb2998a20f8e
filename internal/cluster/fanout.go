package cluster

import (
	"chatio/internal/models"
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

// Fanout broadcasts deliveries to every node over one Redis pub/sub channel.
// A single channel keeps the publish order of each node intact on the
// receiving side.
type Fanout struct {
	client  *redis.Client
	channel string

	ready     chan struct{}
	readyOnce sync.Once
}

func NewFanout(client *redis.Client, keyPrefix string) *Fanout {
	return &Fanout{
		client:  client,
		channel: keyPrefix + "deliveries",
		ready:   make(chan struct{}),
	}
}

func (f *Fanout) Publish(ctx context.Context, d models.Delivery) error {
	payload, err := msgpack.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode delivery: %w", err)
	}
	if err := f.client.Publish(ctx, f.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish delivery: %w", err)
	}
	return nil
}

// Ready is closed once Run holds an active subscription.
func (f *Fanout) Ready() <-chan struct{} {
	return f.ready
}

// Run subscribes to the delivery channel and hands every delivery to
// deliver until ctx is done. Undecodable payloads are logged and skipped.
func (f *Fanout) Run(ctx context.Context, deliver func(models.Delivery) int) error {
	sub := f.client.Subscribe(ctx, f.channel)
	defer sub.Close()

	// Wait for the subscription confirmation so nothing published after
	// Ready is missed.
	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe %s: %w", f.channel, err)
	}
	f.readyOnce.Do(func() { close(f.ready) })
	slog.Info("subscribed to delivery channel", "channel", f.channel)

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			var d models.Delivery
			if err := msgpack.Unmarshal([]byte(msg.Payload), &d); err != nil {
				slog.Warn("dropping undecodable delivery", "channel", msg.Channel, "error", err)
				continue
			}
			deliver(d)
		}
	}
}
