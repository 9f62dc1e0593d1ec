package cache

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultNamespace = "creditmeter"

// InvalidationChannel is the pub/sub channel every process listens on for
// local tier evictions: <namespace>:cache:invalidate.
func InvalidationChannel(namespace string) string {
	ns := strings.TrimSuffix(strings.TrimSpace(namespace), ":")
	if ns == "" {
		ns = defaultNamespace
	}
	return ns + ":cache:invalidate"
}

// Invalidation names the exact keys or the prefix a mutation made stale.
type Invalidation struct {
	Origin string   `json:"origin"`
	Keys   []string `json:"keys,omitempty"`
	Prefix string   `json:"prefix,omitempty"`
}

// Broadcaster fans invalidations out over Redis so that peers drop their
// local copies instead of serving them until the TTL runs out.
type Broadcaster struct {
	client  redis.UniversalClient
	channel string
	origin  string
	local   Store
	log     *zap.Logger
}

func NewBroadcaster(client redis.UniversalClient, namespace string, local Store, log *zap.Logger) *Broadcaster {
	if log == nil {
		log = zap.NewNop()
	}
	return &Broadcaster{
		client:  client,
		channel: InvalidationChannel(namespace),
		origin:  uuid.NewString(),
		local:   local,
		log:     log.Named("cache.invalidation"),
	}
}

func (b *Broadcaster) Publish(ctx context.Context, inv Invalidation) error {
	inv.Origin = b.origin
	payload, err := json.Marshal(inv)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, payload).Err()
}

// Listen returns once the subscription is live. Invalidations from other
// processes are applied to the local tier until ctx ends.
func (b *Broadcaster) Listen(ctx context.Context) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return err
	}
	b.log.Info("listening for cache invalidations", zap.String("channel", b.channel))

	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				b.apply(ctx, msg)
			}
		}
	}()
	return nil
}

func (b *Broadcaster) apply(ctx context.Context, msg *redis.Message) {
	var inv Invalidation
	if err := json.Unmarshal([]byte(msg.Payload), &inv); err != nil {
		b.log.Warn("discarding undecodable invalidation", zap.Error(err))
		return
	}
	if inv.Origin == b.origin {
		return
	}
	if len(inv.Keys) > 0 {
		_ = b.local.Delete(ctx, inv.Keys...)
	}
	if prefix := NormalizePrefix(inv.Prefix); prefix != "" {
		_ = b.local.DeleteByPrefix(ctx, prefix)
	}
}
