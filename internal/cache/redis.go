package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gomodule/redigo/redis"
)

// RedisConfig configures the redis volatile tier.
type RedisConfig struct {
	Addr        string
	Password    string
	Prefix      string
	DB          int
	MaxIdle     int
	IdleTimeout time.Duration
	DialTimeout time.Duration
}

// RedisTier is a volatile tier backed by a redis server.
type RedisTier struct {
	pool   *redis.Pool
	prefix string
}

// NewRedisTier creates a redis tier with a connection pool.
func NewRedisTier(cfg RedisConfig) *RedisTier {
	if cfg.MaxIdle <= 0 {
		cfg.MaxIdle = 8
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "chromaseek:"
	}

	opts := []redis.DialOption{
		redis.DialConnectTimeout(cfg.DialTimeout),
		redis.DialReadTimeout(cfg.DialTimeout),
		redis.DialWriteTimeout(cfg.DialTimeout),
		redis.DialDatabase(cfg.DB),
	}
	if cfg.Password != "" {
		opts = append(opts, redis.DialPassword(cfg.Password))
	}

	return &RedisTier{
		prefix: cfg.Prefix,
		pool: &redis.Pool{
			MaxIdle:     cfg.MaxIdle,
			IdleTimeout: cfg.IdleTimeout,
			DialContext: func(ctx context.Context) (redis.Conn, error) {
				return redis.DialContext(ctx, "tcp", cfg.Addr, opts...)
			},
			TestOnBorrow: func(c redis.Conn, t time.Time) error {
				if time.Since(t) < time.Minute {
					return nil
				}
				_, err := c.Do("PING")
				return err
			},
		},
	}
}

func (r *RedisTier) Name() string { return "redis" }

// Ping checks that the server answers.
func (r *RedisTier) Ping(ctx context.Context) error {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Do("PING")
	return err
}

func (r *RedisTier) Get(ctx context.Context, key string) (Item, bool, error) {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return Item{}, false, err
	}
	defer conn.Close()

	k := r.prefix + key
	if err := conn.Send("GET", k); err != nil {
		return Item{}, false, err
	}
	if err := conn.Send("PTTL", k); err != nil {
		return Item{}, false, err
	}
	if err := conn.Flush(); err != nil {
		return Item{}, false, err
	}

	value, err := redis.Bytes(conn.Receive())
	if errors.Is(err, redis.ErrNil) {
		_, _ = conn.Receive()
		return Item{}, false, nil
	}
	if err != nil {
		return Item{}, false, err
	}
	pttl, err := redis.Int64(conn.Receive())
	if err != nil {
		return Item{}, false, err
	}

	item := Item{Value: value}
	if pttl > 0 {
		item.ExpiresAt = time.Now().Add(time.Duration(pttl) * time.Millisecond)
	}
	return item, true, nil
}

func (r *RedisTier) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	k := r.prefix + key
	if ttl > 0 {
		ms := ttl.Milliseconds()
		if ms <= 0 {
			ms = 1
		}
		_, err = conn.Do("SET", k, value, "PX", ms)
	} else {
		_, err = conn.Do("SET", k, value)
	}
	if err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (r *RedisTier) Delete(ctx context.Context, key string) error {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Do("DEL", r.prefix+key)
	return err
}

// Close releases the pool.
func (r *RedisTier) Close() error {
	return r.pool.Close()
}
