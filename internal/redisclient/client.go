// Copyright 2025 James Ross
package redisclient

import (
	"runtime"
	"time"

	"github.com/mqc3/scheduler/internal/config"
	"github.com/redis/go-redis/v9"
)

// New returns a configured go-redis v9 client with pooling and retries,
// backing the message-log ring (internal/messagelog).
func New(rcfg config.Redis) *redis.Client {
	poolSize := 10 * runtime.NumCPU()
	return redis.NewClient(&redis.Options{
		Addr:            rcfg.Addr,
		Username:        rcfg.Username,
		Password:        rcfg.Password,
		DB:              rcfg.DB,
		PoolSize:        poolSize,
		MinIdleConns:    poolSize / 4,
		DialTimeout:     rcfg.DialTimeout,
		ReadTimeout:     rcfg.ReadTimeout,
		WriteTimeout:    rcfg.WriteTimeout,
		MaxRetries:      rcfg.MaxRetries,
		ConnMaxIdleTime: 5 * time.Minute,
	})
}
