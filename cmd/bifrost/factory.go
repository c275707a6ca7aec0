package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aadithya-v/bifrost"
	"github.com/aadithya-v/bifrost/store"
)

// configureBackends fills the gateway's stores and rate limiter according to
// store_type and rate_limiter. The returned cleanup releases anything the
// Gateway does not own.
func configureBackends(cfg *serverConfig) (cleanup func(), err error) {
	gw := &cfg.Gateway
	cleanup = func() {}

	var shared *redis.Client

	switch cfg.StoreType {
	case "memory":
		gw.SessionStore = store.NewMemorySessionStore()
		gw.AuditStore = store.NewMemoryAuditStore()
		gw.BucketStore = store.NewMemoryBucketStore()
	case "sqlite":
		// New opens a single SQLite database at DatabasePath for every nil store.
	case "mysql":
		ms, err := store.NewMySQLFromDSN(cfg.MySQL.DSN)
		if err != nil {
			return nil, err
		}
		gw.SessionStore = ms
		gw.AuditStore = ms
	case "redis":
		rs, err := store.NewRedisFromConfig(cfg.Redis)
		if err != nil {
			return nil, err
		}
		// Audit rows fall back to the SQLite default.
		gw.SessionStore = rs
		gw.BucketStore = rs
		shared = rs.Client()
	default:
		return nil, fmt.Errorf("invalid store type %q", cfg.StoreType)
	}

	if cfg.RateLimiter == "redis" {
		client := shared
		if client == nil {
			client, err = dialRedis(cfg.Redis)
			if err != nil {
				return nil, err
			}
			cleanup = func() { _ = client.Close() }
		}
		gw.RateLimiter = bifrost.NewRedisRateLimiter(client, cfg.Redis.KeyPrefix)
	}

	return cleanup, nil
}

func dialRedis(cfg store.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping error: %w", err)
	}
	return client, nil
}
