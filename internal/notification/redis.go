package notification

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/smallbiznis/creditmeter/pkg/apperror"
	"go.uber.org/zap"
)

const defaultNamespace = "creditmeter"

// Channels names the per-user pub/sub channels: <namespace>:user:<id>:events.
type Channels struct {
	Namespace string
}

func (c Channels) namespace() string {
	if ns := strings.TrimSpace(c.Namespace); ns != "" {
		return ns
	}
	return defaultNamespace
}

func (c Channels) User(userID string) string {
	return c.namespace() + ":user:" + userID + ":events"
}

func (c Channels) Pattern() string {
	return c.namespace() + ":user:*:events"
}

// UserFromChannel extracts the user id from a channel name.
func (c Channels) UserFromChannel(channel string) (string, bool) {
	prefix := c.namespace() + ":user:"
	const suffix = ":events"
	if !strings.HasPrefix(channel, prefix) || !strings.HasSuffix(channel, suffix) {
		return "", false
	}
	userID := strings.TrimSuffix(strings.TrimPrefix(channel, prefix), suffix)
	return userID, userID != ""
}

// RedisPublisher delivers events to every process subscribed to the user's channel.
type RedisPublisher struct {
	client   redis.UniversalClient
	channels Channels
}

func NewRedisPublisher(client redis.UniversalClient, channels Channels) *RedisPublisher {
	return &RedisPublisher{client: client, channels: channels}
}

func (p *RedisPublisher) Notify(ctx context.Context, userID string, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, p.channels.User(userID), payload).Err(); err != nil {
		return apperror.Wrap(apperror.KindUpstreamUnavailable, "notify_unavailable", err)
	}
	return nil
}

// Relay forwards events from the Redis channels into the local hub so the
// websocket handlers of this process can deliver them.
type Relay struct {
	client   redis.UniversalClient
	channels Channels
	hub      *Hub
	log      *zap.Logger
}

func NewRelay(client redis.UniversalClient, channels Channels, hub *Hub, log *zap.Logger) *Relay {
	return &Relay{client: client, channels: channels, hub: hub, log: log.Named("notification.relay")}
}

// Run blocks until ctx is cancelled or the subscription closes.
func (r *Relay) Run(ctx context.Context) error {
	pubsub := r.client.PSubscribe(ctx, r.channels.Pattern())
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	r.log.Info("relaying balance events", zap.String("pattern", r.channels.Pattern()))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.forward(msg)
		}
	}
}

func (r *Relay) forward(msg *redis.Message) {
	userID, ok := r.channels.UserFromChannel(msg.Channel)
	if !ok {
		return
	}
	var event Event
	if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
		r.log.Warn("discarding undecodable balance event", zap.String("channel", msg.Channel), zap.Error(err))
		return
	}
	r.hub.Publish(userID, event)
}
