// Package cache stores JSON documents on disk, zstd-compressed, with a
// timestamp so callers can apply their own TTL.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
)

const fileExt = ".json.zst"

// Cache is a directory of compressed entries.
type Cache struct {
	dir string
	now func() time.Time
}

type envelope struct {
	SavedAt time.Time       `json:"saved_at"`
	Data    json.RawMessage `json:"data"`
}

// DefaultDir returns the per-user cache directory for squatscan.
func DefaultDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "squatscan")
	}
	return filepath.Join(os.TempDir(), "squatscan")
}

// New opens (creating if needed) a cache rooted at dir.
func New(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &Cache{dir: dir, now: time.Now}, nil
}

// Dir returns the cache root.
func (c *Cache) Dir() string {
	return c.dir
}

func (c *Cache) path(key string) string {
	return filepath.Join(c.dir, url.PathEscape(key)+fileExt)
}

// Put stores v under key.
func (c *Cache) Put(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}
	raw, err := json.Marshal(envelope{SavedAt: c.now().UTC(), Data: data})
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(c.dir, ".entry-*")
	if err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	defer os.Remove(tmp.Name())

	enc, err := zstd.NewWriter(tmp)
	if err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := enc.Write(raw); err != nil {
		_ = enc.Close()
		_ = tmp.Close()
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	if err := enc.Close(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), c.path(key))
}

// Get decodes the entry for key into v if it is younger than ttl. A ttl of
// zero accepts any age. It reports the entry's age and whether v was filled.
func (c *Cache) Get(key string, ttl time.Duration, v any) (time.Duration, bool, error) {
	env, err := c.read(key)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}

	age := c.now().Sub(env.SavedAt)
	if ttl > 0 && age > ttl {
		return age, false, nil
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return age, false, fmt.Errorf("failed to decode cache entry %s: %w", key, err)
	}
	return age, true, nil
}

// Age returns how long ago key was stored.
func (c *Cache) Age(key string) (time.Duration, bool) {
	env, err := c.read(key)
	if err != nil {
		return 0, false
	}
	return c.now().Sub(env.SavedAt), true
}

func (c *Cache) read(key string) (*envelope, error) {
	f, err := os.Open(c.path(key))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var env envelope
	if err := json.NewDecoder(dec).Decode(&env); err != nil {
		return nil, fmt.Errorf("corrupt cache entry %s: %w", key, err)
	}
	return &env, nil
}
