package locks

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// releaseScript deletes the key only while it still holds the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore shares booking locks across API instances. Redis enforces the
// TTL, so no sweep is needed.
type RedisStore struct {
	client *redis.Client
	prefix string
	tracer trace.Tracer
}

// NewRedisStore wraps a redis client. prefix namespaces the keys.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if client == nil {
		panic("locks: redis client required")
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		tracer: otel.Tracer("teletherapy.internal.locks.redis"),
	}
}

// WithTracer overrides the span source.
func (r *RedisStore) WithTracer(t trace.Tracer) *RedisStore {
	if t != nil {
		r.tracer = t
	}
	return r
}

func (r *RedisStore) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	ctx, span := r.tracer.Start(ctx, "locks.acquire", trace.WithAttributes(attribute.String("lock.key", key)))
	defer span.End()

	ok, err := r.client.SetNX(ctx, r.prefix+key, owner, ttl).Result()
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("locks: acquire %s: %w", key, err)
	}
	return ok, nil
}

func (r *RedisStore) Release(ctx context.Context, key, owner string) (bool, error) {
	ctx, span := r.tracer.Start(ctx, "locks.release", trace.WithAttributes(attribute.String("lock.key", key)))
	defer span.End()

	n, err := releaseScript.Run(ctx, r.client, []string{r.prefix + key}, owner).Int()
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("locks: release %s: %w", key, err)
	}
	return n > 0, nil
}

// Ping checks connectivity.
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
