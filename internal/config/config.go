// Package config provides configuration management for chromaseek.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/thebtf/chromaseek/internal/indexsync"
	"github.com/thebtf/chromaseek/internal/vector"
	"github.com/thebtf/chromaseek/pkg/colordist"
)

// Defaults.
const (
	DefaultWorkerHost   = "127.0.0.1"
	DefaultWorkerPort   = 37830
	DefaultTimeout      = 15 * time.Second
	MinTimeout          = 10 * time.Second
	MaxTimeout          = 30 * time.Second
	DefaultMaxConns     = 4
	DefaultCacheEntries = 10000
	DefaultIndexName    = "chromaseek"
)

// Settings keys, shared by the settings file and the environment.
const (
	KeyDataDir         = "CHROMASEEK_DATA_DIR"
	KeyDBPath          = "CHROMASEEK_DB_PATH"
	KeyDBDSN           = "CHROMASEEK_DB_DSN"
	KeyMaxConns        = "CHROMASEEK_DB_MAX_CONNS"
	KeyCacheDir        = "CHROMASEEK_CACHE_DIR"
	KeyCacheEntries    = "CHROMASEEK_CACHE_MEMORY_ENTRIES"
	KeyRedisAddr       = "CHROMASEEK_REDIS_ADDR"
	KeyRedisPassword   = "CHROMASEEK_REDIS_PASSWORD"
	KeyRedisDB         = "CHROMASEEK_REDIS_DB"
	KeyAPIKey          = "CHROMASEEK_PINECONE_API_KEY"
	KeyIndexName       = "CHROMASEEK_PINECONE_INDEX"
	KeyIndexHost       = "CHROMASEEK_PINECONE_HOST"
	KeyControllerURL   = "CHROMASEEK_PINECONE_CONTROLLER_URL"
	KeyNamespace       = "CHROMASEEK_NAMESPACE"
	KeyTimeout         = "CHROMASEEK_TIMEOUT_SECONDS"
	KeyWorkerHost      = "CHROMASEEK_WORKER_HOST"
	KeyWorkerPort      = "CHROMASEEK_WORKER_PORT"
	KeyMethod          = "CHROMASEEK_DISTANCE_METHOD"
	KeyFallbackOnEmpty = "CHROMASEEK_FALLBACK_ON_EMPTY"
	KeySyncStrategy    = "CHROMASEEK_SYNC_STRATEGY"
	KeySyncBatchSize   = "CHROMASEEK_SYNC_BATCH_SIZE"
	KeySyncParallel    = "CHROMASEEK_SYNC_PARALLEL"
	KeySyncPoolSize    = "CHROMASEEK_SYNC_POOL_SIZE"
)

// Config holds every chromaseek setting.
type Config struct {
	DBPath          string
	DBDSN           string
	CacheDir        string
	RedisAddr       string
	RedisPassword   string
	APIKey          string
	IndexName       string
	IndexHost       string
	ControllerURL   string
	Namespace       string
	WorkerHost      string
	Method          colordist.Method
	SyncStrategy    indexsync.Strategy
	Timeout         time.Duration
	RedisDB         int
	MaxConns        int
	CacheEntries    int
	WorkerPort      int
	SyncBatchSize   int
	SyncParallel    int
	SyncPoolSize    int
	FallbackOnEmpty bool
}

var (
	global     *Config
	globalOnce sync.Once
)

// Get returns the process-wide configuration, loading it on first use.
func Get() *Config {
	globalOnce.Do(func() {
		cfg, err := Load()
		if err != nil {
			log.Warn().Err(err).Msg("Failed to load config, using defaults")
			cfg = Default()
		}
		global = cfg
	})
	return global
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DBPath:          DBPath(),
		CacheDir:        CacheDir(),
		IndexName:       DefaultIndexName,
		Namespace:       vector.DefaultNamespace,
		WorkerHost:      DefaultWorkerHost,
		WorkerPort:      DefaultWorkerPort,
		Method:          colordist.Euclidean,
		SyncStrategy:    indexsync.Sequential,
		Timeout:         DefaultTimeout,
		MaxConns:        DefaultMaxConns,
		CacheEntries:    DefaultCacheEntries,
		SyncBatchSize:   indexsync.DefaultBatchSize,
		SyncParallel:    indexsync.DefaultParallelCount,
		SyncPoolSize:    indexsync.DefaultPoolSize,
		FallbackOnEmpty: true,
	}
}

// DataDir returns ~/.chromaseek unless CHROMASEEK_DATA_DIR says otherwise.
func DataDir() string {
	if dir := os.Getenv(KeyDataDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".chromaseek")
}

// DBPath returns the default SQLite database path.
func DBPath() string {
	return filepath.Join(DataDir(), "chromaseek.db")
}

// CacheDir returns the default durable cache directory.
func CacheDir() string {
	return filepath.Join(DataDir(), "cache")
}

// SettingsPath returns the JSON settings file path.
func SettingsPath() string {
	return filepath.Join(DataDir(), "settings.json")
}

// YAMLSettingsPath returns the YAML settings file path, read when no JSON file exists.
func YAMLSettingsPath() string {
	return filepath.Join(DataDir(), "settings.yaml")
}

// EnsureDataDir creates the data directory.
func EnsureDataDir() error {
	return os.MkdirAll(DataDir(), 0o750)
}

// EnsureCacheDir creates the durable cache directory.
func EnsureCacheDir() error {
	return os.MkdirAll(CacheDir(), 0o750)
}

// EnsureSettings writes an empty settings file unless one exists.
func EnsureSettings() error {
	for _, path := range []string{SettingsPath(), YAMLSettingsPath()} {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
	}
	return os.WriteFile(SettingsPath(), []byte("{}\n"), 0o600)
}

// EnsureAll creates the data directory, the cache directory and the settings file.
func EnsureAll() error {
	if err := EnsureDataDir(); err != nil {
		return err
	}
	if err := EnsureCacheDir(); err != nil {
		return err
	}
	return EnsureSettings()
}

// Load reads the settings file and applies environment overrides. A missing
// or unreadable settings file yields defaults.
func Load() (*Config, error) {
	values, err := readSettings()
	if err != nil {
		log.Warn().Err(err).Msg("Ignoring invalid settings file")
		values = map[string]any{}
	}
	for _, key := range keys {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			values[key] = v
		}
	}

	cfg := Default()
	if err := cfg.apply(values); err != nil {
		return nil, err
	}
	return cfg, nil
}

var keys = []string{
	KeyDBPath, KeyDBDSN, KeyMaxConns, KeyCacheDir, KeyCacheEntries,
	KeyRedisAddr, KeyRedisPassword, KeyRedisDB,
	KeyAPIKey, KeyIndexName, KeyIndexHost, KeyControllerURL, KeyNamespace, KeyTimeout,
	KeyWorkerHost, KeyWorkerPort, KeyMethod, KeyFallbackOnEmpty,
	KeySyncStrategy, KeySyncBatchSize, KeySyncParallel, KeySyncPoolSize,
}

func readSettings() (map[string]any, error) {
	values := map[string]any{}

	data, err := os.ReadFile(SettingsPath())
	if err == nil {
		if err := json.Unmarshal(data, &values); err != nil {
			return nil, fmt.Errorf("parse %s: %w", SettingsPath(), err)
		}
		return values, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	data, err = os.ReadFile(YAMLSettingsPath())
	if errors.Is(err, os.ErrNotExist) {
		return values, nil
	}
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("parse %s: %w", YAMLSettingsPath(), err)
	}
	if values == nil {
		values = map[string]any{}
	}
	return values, nil
}

// apply copies recognized values into c. Values of the wrong type are ignored
// with a warning; an unknown method or strategy is an error.
func (c *Config) apply(values map[string]any) error {
	str := func(key string, dst *string) {
		if v, ok := values[key]; ok {
			*dst = strings.TrimSpace(fmt.Sprint(v))
		}
	}
	num := func(key string, dst *int) {
		v, ok := values[key]
		if !ok {
			return
		}
		n, err := toInt(v)
		if err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Ignoring invalid setting")
			return
		}
		*dst = n
	}

	str(KeyDBPath, &c.DBPath)
	str(KeyDBDSN, &c.DBDSN)
	str(KeyCacheDir, &c.CacheDir)
	str(KeyRedisAddr, &c.RedisAddr)
	str(KeyRedisPassword, &c.RedisPassword)
	str(KeyAPIKey, &c.APIKey)
	str(KeyIndexName, &c.IndexName)
	str(KeyIndexHost, &c.IndexHost)
	str(KeyControllerURL, &c.ControllerURL)
	str(KeyNamespace, &c.Namespace)
	str(KeyWorkerHost, &c.WorkerHost)
	num(KeyMaxConns, &c.MaxConns)
	num(KeyCacheEntries, &c.CacheEntries)
	num(KeyRedisDB, &c.RedisDB)
	num(KeyWorkerPort, &c.WorkerPort)
	num(KeySyncBatchSize, &c.SyncBatchSize)
	num(KeySyncParallel, &c.SyncParallel)
	num(KeySyncPoolSize, &c.SyncPoolSize)

	if v, ok := values[KeyTimeout]; ok {
		secs, err := toInt(v)
		if err != nil {
			log.Warn().Err(err).Str("key", KeyTimeout).Msg("Ignoring invalid setting")
		} else {
			c.Timeout = ClampTimeout(time.Duration(secs) * time.Second)
		}
	}
	if v, ok := values[KeyFallbackOnEmpty]; ok {
		b, err := toBool(v)
		if err != nil {
			log.Warn().Err(err).Str("key", KeyFallbackOnEmpty).Msg("Ignoring invalid setting")
		} else {
			c.FallbackOnEmpty = b
		}
	}
	if v, ok := values[KeyMethod]; ok {
		m, err := colordist.ParseMethod(fmt.Sprint(v))
		if err != nil {
			return fmt.Errorf("%s: %w", KeyMethod, err)
		}
		c.Method = m
	}
	if v, ok := values[KeySyncStrategy]; ok {
		st, err := indexsync.ParseStrategy(fmt.Sprint(v))
		if err != nil {
			return fmt.Errorf("%s: %w", KeySyncStrategy, err)
		}
		c.SyncStrategy = st
	}

	if c.WorkerPort <= 0 || c.WorkerPort > 65535 {
		c.WorkerPort = DefaultWorkerPort
	}
	if c.MaxConns <= 0 {
		c.MaxConns = DefaultMaxConns
	}
	if c.Namespace == "" {
		c.Namespace = vector.DefaultNamespace
	}
	return nil
}

// ClampTimeout keeps remote call timeouts within [MinTimeout, MaxTimeout].
// Zero means DefaultTimeout.
func ClampTimeout(d time.Duration) time.Duration {
	switch {
	case d <= 0:
		return DefaultTimeout
	case d < MinTimeout:
		return MinTimeout
	case d > MaxTimeout:
		return MaxTimeout
	}
	return d
}

// IndexConfigured reports whether remote index credentials are present.
func (c *Config) IndexConfigured() bool {
	return c.APIKey != "" && (c.IndexName != "" || c.IndexHost != "")
}

// WorkerAddr returns host:port of the HTTP service.
func (c *Config) WorkerAddr() string {
	return fmt.Sprintf("%s:%d", c.WorkerHost, c.WorkerPort)
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("%v is not a whole number", n)
		}
		return int(n), nil
	case string:
		return strconv.Atoi(strings.TrimSpace(n))
	}
	return 0, fmt.Errorf("unexpected type %T", v)
}

func toBool(v any) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		return strconv.ParseBool(strings.TrimSpace(b))
	}
	return false, fmt.Errorf("unexpected type %T", v)
}
