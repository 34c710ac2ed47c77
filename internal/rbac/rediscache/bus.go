package rediscache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/nirmitee/ehr-rbac/internal/rbac"
	"github.com/redis/go-redis/v9"
)

const DefaultChannel = "rbac:invalidations"

type busMessage struct {
	Instance string   `json:"instance"`
	UserIDs  []string `json:"user_ids,omitempty"`
	All      bool     `json:"all,omitempty"`
	Reason   string   `json:"reason,omitempty"`
}

// Bus carries invalidation signals between instances over Redis pub/sub.
// Publishing is its rbac.Invalidator side; Run is the subscriber side.
type Bus struct {
	rdb      *redis.Client
	channel  string
	instance string
}

var _ rbac.Invalidator = (*Bus)(nil)

func NewBus(rdb *redis.Client, channel string) *Bus {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Bus{rdb: rdb, channel: channel, instance: uuid.NewString()}
}

// Invalidate publishes inv to every other instance. The local resolver is
// expected to be invalidated directly by the caller.
func (b *Bus) Invalidate(ctx context.Context, inv rbac.Invalidation) error {
	if inv.Empty() {
		return nil
	}
	data, err := json.Marshal(busMessage{
		Instance: b.instance,
		UserIDs:  inv.UserIDs,
		All:      inv.All,
		Reason:   inv.Reason,
	})
	if err != nil {
		return fmt.Errorf("encoding invalidation: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("publishing invalidation: %w", err)
	}
	return nil
}

// Run subscribes and applies every signal from other instances to sink
// until ctx is cancelled.
func (b *Bus) Run(ctx context.Context, sink rbac.Invalidator) error {
	sub := b.rdb.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribing to %s: %w", b.channel, err)
	}
	slog.Info("invalidation bus subscribed", "channel", b.channel, "instance", b.instance)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var m busMessage
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				slog.Warn("dropping malformed invalidation", "error", err)
				continue
			}
			if m.Instance == b.instance {
				continue
			}
			inv := rbac.Invalidation{UserIDs: m.UserIDs, All: m.All, Reason: m.Reason}
			if err := sink.Invalidate(ctx, inv); err != nil {
				slog.Error("applying remote invalidation", "reason", m.Reason, "error", err)
			}
		}
	}
}
