package cache

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang/snappy"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/creditmeter/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	encodingRaw    byte = 'r'
	encodingSnappy byte = 's'

	scanBatch   = 500
	unlinkBatch = 200

	defaultOpTimeout = 150 * time.Millisecond
)

// NewRedisClient connects to the shared Redis. It returns nil when Redis is not
// configured; a failed ping is logged and the client is still returned so the
// shared tier recovers once Redis comes back.
func NewRedisClient(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) *redis.Client {
	if !cfg.Redis.Enabled() {
		log.Info("redis not configured, shared cache tier disabled")
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn("redis ping failed, running degraded until it recovers", zap.Error(err))
	}

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(context.Context) error {
				return client.Close()
			},
		})
	}
	return client
}

// RedisStore is the shared tier. Keys are namespaced, values optionally
// snappy-compressed and every call runs under its own short timeout.
type RedisStore struct {
	client    redis.UniversalClient
	namespace string
	timeout   time.Duration
	compress  bool
}

type RedisStoreOptions struct {
	Namespace string
	OpTimeout time.Duration
	Compress  bool
}

func NewRedisStore(client redis.UniversalClient, opts RedisStoreOptions) *RedisStore {
	if client == nil {
		return nil
	}
	timeout := opts.OpTimeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	namespace := strings.TrimSuffix(strings.TrimSpace(opts.Namespace), ":")
	if namespace == "" {
		namespace = "creditmeter"
	}
	return &RedisStore{
		client:    client,
		namespace: namespace + ":cache:",
		timeout:   timeout,
		compress:  opts.Compress,
	}
}

func (s *RedisStore) key(key string) string {
	return s.namespace + key
}

func (s *RedisStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	pipe := s.client.Pipeline()
	getCmd := pipe.Get(ctx, s.key(key))
	ttlCmd := pipe.PTTL(ctx, s.key(key))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Entry{}, false, err
	}

	raw, err := getCmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}

	value, err := decodeValue(raw)
	if err != nil {
		// unreadable payloads are treated as a miss and overwritten on reload
		return Entry{}, false, nil
	}

	ttl := ttlCmd.Val()
	if ttl < 0 {
		ttl = 0
	}
	return Entry{Value: value, TTL: ttl}, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return ErrInvalidKey
	}
	if ttl <= 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.client.Set(ctx, s.key(key), encodeValue(value, s.compress), ttl).Err()
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	full := make([]string, 0, len(keys))
	for _, key := range keys {
		full = append(full, s.key(key))
	}
	return s.client.Unlink(ctx, full...).Err()
}

// DeleteByPrefix scans the namespace for matching keys and unlinks them in chunks.
// The whole sweep shares one deadline of a few op timeouts.
func (s *RedisStore) DeleteByPrefix(ctx context.Context, prefix string) error {
	ctx, cancel := context.WithTimeout(ctx, 4*s.timeout)
	defer cancel()

	match := escapeGlob(s.key(prefix)) + "*"
	iter := s.client.Scan(ctx, 0, match, scanBatch).Iterator()

	pending := make([]string, 0, unlinkBatch)
	for iter.Next(ctx) {
		pending = append(pending, iter.Val())
		if len(pending) == unlinkBatch {
			if err := s.client.Unlink(ctx, pending...).Err(); err != nil {
				return err
			}
			pending = pending[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(pending) > 0 {
		return s.client.Unlink(ctx, pending...).Err()
	}
	return nil
}

func encodeValue(value []byte, compress bool) []byte {
	if compress {
		encoded := snappy.Encode(nil, value)
		return append([]byte{encodingSnappy}, encoded...)
	}
	return append([]byte{encodingRaw}, value...)
}

func decodeValue(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return nil, errors.New("empty cache payload")
	}
	switch raw[0] {
	case encodingSnappy:
		return snappy.Decode(nil, raw[1:])
	case encodingRaw:
		return raw[1:], nil
	default:
		return nil, errors.New("unknown cache encoding")
	}
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

var _ Store = (*RedisStore)(nil)
