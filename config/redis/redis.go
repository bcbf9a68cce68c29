package redis

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	Address   string
	Password  string
	DB        int
	UseTracer bool
	UseTLS    bool
}

type RedisDB struct {
	Client *redis.Client
}

// NewRedisDB connects and pings before returning, so a bad address
// fails startup instead of the first store operation.
func NewRedisDB(ctx context.Context, cfg RedisConfig) (*RedisDB, error) {
	options := &redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		PoolTimeout:  4 * time.Second,
	}
	if cfg.UseTLS {
		options.TLSConfig = &tls.Config{
			InsecureSkipVerify: true,
		}
	}

	redisClient := redis.NewClient(options)

	status := redisClient.Ping(ctx)
	if status.Err() != nil {
		return nil, status.Err()
	}

	if cfg.UseTracer {
		if err := redisotel.InstrumentTracing(redisClient); err != nil {
			return nil, err
		}
	}

	store := &RedisDB{
		Client: redisClient,
	}

	return store, nil
}
