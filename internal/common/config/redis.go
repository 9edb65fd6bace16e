package config

import (
	"time"

	"github.com/go-redis/redis"
)

// RedisConfig locates the coordination store. An empty Addrs disables it.
type RedisConfig struct {
	// One address for a single server, a seed list for a cluster, or the sentinels when MasterName is set.
	Addrs      []string
	MasterName string
	DB         int `validate:"gte=0,lte=16"`
	Password   string
	PoolSize   int
	MaxRetries int
	// Applies to dial, read and write alike. Zero keeps the client defaults.
	Timeout time.Duration
}

func (rc RedisConfig) Enabled() bool {
	return len(rc.Addrs) > 0
}

func (rc RedisConfig) AsUniversalOptions() *redis.UniversalOptions {
	return &redis.UniversalOptions{
		Addrs:        rc.Addrs,
		MasterName:   rc.MasterName,
		DB:           rc.DB,
		Password:     rc.Password,
		PoolSize:     rc.PoolSize,
		MaxRetries:   rc.MaxRetries,
		DialTimeout:  rc.Timeout,
		ReadTimeout:  rc.Timeout,
		WriteTimeout: rc.Timeout,
	}
}
