package health

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

var (
	errNilDatabase = errors.New("health: database handle is nil")
	errNilRedis    = errors.New("health: redis client is nil")
)

// DatabaseProbe pings the connection pool behind a gorm handle.
func DatabaseProbe(db *gorm.DB) Probe {
	return func(ctx context.Context) error {
		if db == nil {
			return errNilDatabase
		}
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	}
}

// RedisProbe issues PING against the cache.
func RedisProbe(client redis.UniversalClient) Probe {
	return func(ctx context.Context) error {
		if client == nil {
			return errNilRedis
		}
		return client.Ping(ctx).Err()
	}
}

// NewRedisClient builds a client for the configured cache address.
func NewRedisClient(address string) redis.UniversalClient {
	return redis.NewClient(&redis.Options{Addr: address})
}
