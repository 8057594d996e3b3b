package queue

import (
	"context"
	"database/sql"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
)

type Config struct {
	Driver        string // sqlite | redis | memory
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
}

// Open builds the configured queue. db is required for the sqlite driver.
func Open(ctx context.Context, cfg Config, db *sql.DB) (Queue, error) {
	switch normalizeDriver(cfg.Driver) {
	case "", "sqlite", "sqlite3":
		if db == nil {
			return nil, fmt.Errorf("sqlite queue requires the sqlite store")
		}
		return NewSQLite(ctx, db)
	case "redis":
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis queue: %w", err)
		}
		return NewRedis(client, cfg.RedisPrefix), nil
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, cfg.Driver)
	}
}
