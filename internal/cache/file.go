package cache

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/blake2b"
)

// fileEntry is the on-disk record of one cached value.
type fileEntry struct {
	Data      []byte `json:"data"`
	CreatedAt int64  `json:"created_at"`
	ExpiresAt int64  `json:"expires_at"` // unix milliseconds, 0 means no expiry
}

// FileTier is the durable tier: one JSON file per key under a directory.
// Files are named by a hash of the key and written atomically.
type FileTier struct {
	dir string
	now func() time.Time
	mu  sync.RWMutex
}

// NewFileTier creates a file tier rooted at dir, creating it if needed.
func NewFileTier(dir string) (*FileTier, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &FileTier{dir: dir, now: time.Now}, nil
}

// SetClock overrides the time source.
func (f *FileTier) SetClock(now func() time.Time) {
	f.mu.Lock()
	f.now = now
	f.mu.Unlock()
}

// Dir returns the root directory.
func (f *FileTier) Dir() string { return f.dir }

func (f *FileTier) Name() string { return "file" }

func (f *FileTier) path(key string) string {
	sum := blake2b.Sum256([]byte(key))
	name := hex.EncodeToString(sum[:])
	return filepath.Join(f.dir, name[:2], name+".json")
}

func (f *FileTier) Get(_ context.Context, key string) (Item, bool, error) {
	f.mu.RLock()
	now := f.now()
	f.mu.RUnlock()

	p := f.path(key)
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return Item{}, false, nil
	}
	if err != nil {
		return Item{}, false, err
	}

	var e fileEntry
	if err := json.Unmarshal(data, &e); err != nil {
		log.Warn().Err(err).Str("path", p).Msg("Removing corrupt cache file")
		_ = os.Remove(p)
		return Item{}, false, nil
	}

	item := Item{Value: e.Data}
	if e.ExpiresAt > 0 {
		item.ExpiresAt = time.UnixMilli(e.ExpiresAt)
		if !now.Before(item.ExpiresAt) {
			_ = os.Remove(p)
			return Item{}, false, nil
		}
	}
	return item, true, nil
}

func (f *FileTier) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	f.mu.RLock()
	now := f.now()
	f.mu.RUnlock()

	e := fileEntry{Data: value, CreatedAt: now.Unix()}
	if ttl > 0 {
		// Round up so an entry never expires before its full ttl.
		e.ExpiresAt = now.Add(ttl + time.Millisecond - 1).UnixMilli()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	p := f.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

func (f *FileTier) Delete(_ context.Context, key string) error {
	err := os.Remove(f.path(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Prune removes expired, corrupt and abandoned temporary files. It returns
// the number of files removed.
func (f *FileTier) Prune(ctx context.Context) (int, error) {
	f.mu.RLock()
	now := f.now()
	f.mu.RUnlock()

	removed := 0
	err := filepath.WalkDir(f.dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if strings.HasPrefix(name, ".tmp-") {
			if info, err := d.Info(); err == nil && now.Sub(info.ModTime()) > time.Hour {
				if os.Remove(p) == nil {
					removed++
				}
			}
			return nil
		}
		if filepath.Ext(name) != ".json" {
			return nil
		}

		data, err := os.ReadFile(p)
		if err != nil {
			return nil
		}
		var e fileEntry
		if json.Unmarshal(data, &e) != nil || (e.ExpiresAt > 0 && now.UnixMilli() >= e.ExpiresAt) {
			if os.Remove(p) == nil {
				removed++
			}
		}
		return nil
	})
	if removed > 0 {
		log.Info().Int("removed", removed).Str("dir", f.dir).Msg("Pruned cache files")
	}
	return removed, err
}

// EnsureDir recreates the root directory, e.g. after it was deleted.
func (f *FileTier) EnsureDir() error {
	return os.MkdirAll(f.dir, 0o750)
}
