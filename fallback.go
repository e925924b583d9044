package kurir

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// FallbackKey is the fixed key under which undeliverable reports and log
// records are kept.
const FallbackKey = "kurir:error-logs"

// FallbackStore is local persistence for telemetry that could not be sent.
// Append never overwrites earlier records.
type FallbackStore interface {
	Append(ctx context.Context, key string, records ...json.RawMessage) error
	Load(ctx context.Context, key string) ([]json.RawMessage, error)
}

// MemoryFallback keeps records in process memory.
type MemoryFallback struct {
	mu      sync.Mutex
	records map[string][]json.RawMessage
}

// NewMemoryFallback returns an empty in-memory store.
func NewMemoryFallback() *MemoryFallback {
	return &MemoryFallback{records: make(map[string][]json.RawMessage)}
}

func (m *MemoryFallback) Append(_ context.Context, key string, records ...json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		m.records[key] = append(m.records[key], append(json.RawMessage(nil), r...))
	}
	return nil
}

func (m *MemoryFallback) Load(_ context.Context, key string) ([]json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]json.RawMessage, len(m.records[key]))
	copy(out, m.records[key])
	return out, nil
}

// FileFallback stores each key as a JSON array file in a directory.
type FileFallback struct {
	mu  sync.Mutex
	dir string
}

// NewFileFallback creates dir if needed.
func NewFileFallback(dir string) (*FileFallback, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create fallback dir: %w", err)
	}
	return &FileFallback{dir: dir}, nil
}

func (f *FileFallback) path(key string) string {
	name := strings.NewReplacer(":", "_", "/", "_", string(os.PathSeparator), "_").Replace(key)
	return filepath.Join(f.dir, name+".json")
}

func (f *FileFallback) Append(_ context.Context, key string, records ...json.RawMessage) error {
	if len(records) == 0 {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	existing, err := f.read(key)
	if err != nil {
		return err
	}
	data, err := json.Marshal(append(existing, records...))
	if err != nil {
		return fmt.Errorf("encode fallback records: %w", err)
	}

	tmp, err := os.CreateTemp(f.dir, ".fallback-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write fallback records: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path(key)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace fallback file: %w", err)
	}
	return nil
}

func (f *FileFallback) Load(_ context.Context, key string) ([]json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.read(key)
}

func (f *FileFallback) read(key string) ([]json.RawMessage, error) {
	data, err := os.ReadFile(f.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read fallback file: %w", err)
	}
	var records []json.RawMessage
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode fallback file %s: %w", f.path(key), err)
	}
	return records, nil
}

// RedisFallback appends records to a Redis list with RPUSH.
type RedisFallback struct {
	rdb redis.Cmdable
}

// NewRedisFallback wraps an existing client.
func NewRedisFallback(rdb redis.Cmdable) *RedisFallback {
	return &RedisFallback{rdb: rdb}
}

// NewRedisFallbackFromURL connects using a redis:// URL and pings it.
func NewRedisFallbackFromURL(ctx context.Context, rawURL string) (*RedisFallback, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisFallback{rdb: rdb}, nil
}

func (r *RedisFallback) Append(ctx context.Context, key string, records ...json.RawMessage) error {
	if len(records) == 0 {
		return nil
	}
	values := make([]any, len(records))
	for i, rec := range records {
		values[i] = []byte(rec)
	}
	if err := r.rdb.RPush(ctx, key, values...).Err(); err != nil {
		return fmt.Errorf("rpush failed: %w", err)
	}
	return nil
}

func (r *RedisFallback) Load(ctx context.Context, key string) ([]json.RawMessage, error) {
	items, err := r.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange failed: %w", err)
	}
	out := make([]json.RawMessage, len(items))
	for i, item := range items {
		out[i] = json.RawMessage(item)
	}
	return out, nil
}
