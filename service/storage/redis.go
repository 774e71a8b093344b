package storage

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	redisOnce sync.Once
	rdb       *redis.Client
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// InitRedis initialises the shared Redis client (singleton).
func InitRedis(c RedisConfig) error {
	var initErr error
	redisOnce.Do(func() {
		client := redis.NewClient(&redis.Options{
			Addr:     c.Addr,
			Password: c.Password,
			DB:       c.DB,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		if err := client.Ping(ctx).Err(); err != nil {
			initErr = err
			return
		}
		rdb = client
	})
	return initErr
}

// GetRedis returns the shared client; panics if InitRedis was not called.
func GetRedis() *redis.Client {
	if rdb == nil {
		panic("redis not initialized, call InitRedis first")
	}
	return rdb
}

func CloseRedis() error {
	if rdb != nil {
		return rdb.Close()
	}
	return nil
}
