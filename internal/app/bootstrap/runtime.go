package bootstrap

import (
	"context"
	"crypto/tls"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/teletherapy-platform/internal/clock"
	appconfig "github.com/wolfman30/teletherapy-platform/internal/config"
	"github.com/wolfman30/teletherapy-platform/internal/locks"
	"github.com/wolfman30/teletherapy-platform/internal/recovery"
	"github.com/wolfman30/teletherapy-platform/internal/sessions"
	"github.com/wolfman30/teletherapy-platform/pkg/logging"
)

// BuildRedisClient returns a configured Redis client or nil when disabled.
// When verify is true, a ping is issued and failures return nil.
func BuildRedisClient(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger, verify bool) *redis.Client {
	if cfg == nil || strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	redisOptions := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		redisOptions.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(redisOptions)
	if !verify {
		return client
	}
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not available", "error", err)
		_ = client.Close()
		return nil
	}
	return client
}

// ConnectPostgresPool opens the pgx pool used by the session store. An empty
// URL or an unreachable database yields nil and the in-memory store is used.
func ConnectPostgresPool(ctx context.Context, url string, logger *logging.Logger) *pgxpool.Pool {
	if strings.TrimSpace(url) == "" {
		return nil
	}
	if logger == nil {
		logger = logging.Default()
	}
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		logger.Error("failed to create postgres pool", "error", err)
		return nil
	}
	if err := pool.Ping(ctx); err != nil {
		logger.Error("postgres not reachable", "error", err)
		pool.Close()
		return nil
	}
	return pool
}

// OpenQueueDB opens the database/sql handle backing the durable queues.
func OpenQueueDB(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: open queue db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap: ping queue db: %w", err)
	}
	return db, nil
}

// BuildSessionStore prefers Postgres and falls back to memory.
func BuildSessionStore(pool *pgxpool.Pool, logger *logging.Logger) sessions.Store {
	if pool == nil {
		if logger != nil {
			logger.Warn("session store running in memory; sessions are lost on restart")
		}
		return sessions.NewInMemoryStore()
	}
	return sessions.NewPostgresStore(pool)
}

// BuildLockStore prefers Redis so booking locks hold across replicas.
func BuildLockStore(client *redis.Client, c clock.Clock) locks.Store {
	if client == nil {
		return locks.NewMemoryStore(c)
	}
	return locks.NewRedisStore(client, "flow:lock:")
}

// BuildQueueStore selects the queue backend. mode is "memory", "sql" or
// "auto"; auto uses SQL whenever a database handle is available.
func BuildQueueStore(mode string, db *sql.DB) (recovery.QueueStore, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "memory":
		return recovery.NewMemoryQueueStore(), nil
	case "sql", "postgres":
		if db == nil {
			return nil, fmt.Errorf("bootstrap: queue store %q requires DATABASE_URL", mode)
		}
		return recovery.NewSQLQueueStore(db), nil
	case "", "auto":
		if db != nil {
			return recovery.NewSQLQueueStore(db), nil
		}
		return recovery.NewMemoryQueueStore(), nil
	default:
		return nil, fmt.Errorf("bootstrap: unknown queue store %q", mode)
	}
}
