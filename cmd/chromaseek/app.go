package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm/logger"

	"github.com/thebtf/chromaseek/internal/cache"
	"github.com/thebtf/chromaseek/internal/config"
	"github.com/thebtf/chromaseek/internal/db/gorm"
	"github.com/thebtf/chromaseek/internal/indexsync"
	"github.com/thebtf/chromaseek/internal/search"
	"github.com/thebtf/chromaseek/internal/vector"
	"github.com/thebtf/chromaseek/internal/vector/local"
	"github.com/thebtf/chromaseek/internal/vector/pinecone"
	"github.com/thebtf/chromaseek/pkg/models"
)

// app holds the collaborators every command is built from.
type app struct {
	cfg      *config.Config
	store    *gorm.Store
	pictures *gorm.PictureStore
	runs     *gorm.SyncRunStore
	index    vector.Index
	cache    *cache.Store
	fileTier *cache.FileTier
	redis    *cache.RedisTier
	search   *search.Manager
}

// openApp opens the picture store, the index client and the cache tiers.
// A missing API key leaves the index nil; searches then scan locally.
func openApp(ctx context.Context, cfg *config.Config) (*app, error) {
	store, err := gorm.NewStore(gorm.Config{
		Path:     cfg.DBPath,
		DSN:      cfg.DBDSN,
		MaxConns: cfg.MaxConns,
		LogLevel: logger.Silent,
	})
	if err != nil {
		return nil, fmt.Errorf("open picture store: %w", err)
	}

	a := &app{
		cfg:      cfg,
		store:    store,
		pictures: gorm.NewPictureStore(store),
		runs:     gorm.NewSyncRunStore(store),
	}

	client, err := pinecone.NewClient(pinecone.Config{
		APIKey:        cfg.APIKey,
		IndexName:     cfg.IndexName,
		Host:          cfg.IndexHost,
		ControllerURL: cfg.ControllerURL,
		Namespace:     cfg.Namespace,
		Timeout:       cfg.Timeout,
	})
	var cfgErr *vector.ConfigurationError
	switch {
	case errors.As(err, &cfgErr):
		log.Warn().Str("missing", cfgErr.Field).Msg("Vector index not configured, search will scan locally")
	case err != nil:
		_ = store.Close()
		return nil, fmt.Errorf("create index client: %w", err)
	default:
		a.index = client
	}

	a.cache = a.openCache(ctx)
	a.search = search.NewManager(search.Options{
		Index:           a.index,
		Matcher:         local.NewMatcher(a.pictures),
		Pictures:        a.pictures,
		Cache:           a.cache,
		DefaultMethod:   cfg.Method,
		FallbackOnEmpty: cfg.FallbackOnEmpty,
	})
	return a, nil
}

// openCache builds the two tiers. Redis replaces the memory tier when it
// answers a ping; the file tier is skipped when its directory is unusable.
func (a *app) openCache(ctx context.Context) *cache.Store {
	var volatile, durable cache.Tier

	if a.cfg.RedisAddr != "" {
		tier := cache.NewRedisTier(cache.RedisConfig{
			Addr:     a.cfg.RedisAddr,
			Password: a.cfg.RedisPassword,
			DB:       a.cfg.RedisDB,
			Prefix:   "chromaseek:",
		})
		if err := tier.Ping(ctx); err != nil {
			log.Warn().Err(err).Str("addr", a.cfg.RedisAddr).Msg("Redis unavailable, using in-memory cache")
			_ = tier.Close()
		} else {
			a.redis = tier
			volatile = tier
		}
	}
	if volatile == nil {
		volatile = cache.NewMemoryTier(a.cfg.CacheEntries)
	}

	if tier, err := cache.NewFileTier(a.cfg.CacheDir); err != nil {
		log.Warn().Err(err).Str("dir", a.cfg.CacheDir).Msg("Durable cache disabled")
	} else {
		a.fileTier = tier
		durable = tier
	}

	return cache.New(volatile, durable)
}

// syncer builds a synchronizer recording history and bumping the cache
// version after runs that changed the index.
func (a *app) syncer(debug bool, opts ...indexsync.Option) *indexsync.Synchronizer {
	args := []string{indexsync.WorkerCommand}
	if debug {
		args = append([]string{"--debug"}, args...)
	}
	base := []indexsync.Option{
		indexsync.WithHistory(a.runs),
		indexsync.WithSpawner(indexsync.NewExecSpawner(args...)),
		indexsync.OnChange(func(ctx context.Context, res models.SyncResult) {
			version, err := a.cache.BumpVersion(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("Failed to bump cache version after sync")
				return
			}
			log.Info().Int64("version", version).Int("processed", res.Processed).Msg("Cache invalidated after sync")
		}),
	}
	return indexsync.New(a.pictures, a.index, append(base, opts...)...)
}

func (a *app) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if err := a.store.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close picture store")
	}
}
