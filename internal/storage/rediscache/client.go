package rediscache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config — параметры подключения к Redis.
type Config struct {
	Addr     string
	Password string
	DB       int
	// TTL — базовое время жизни записи кэша, к нему добавляется jitter.
	TTL time.Duration
}

// NewClient создаёт клиента и проверяет соединение.
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return client, nil
}
