package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/wiredove/wiredove/internal/config"
	"github.com/wiredove/wiredove/internal/ops"
)

// ErrCorrupt marks a stored value that was read but could not be decoded.
// Any other error from a read means the value may still be intact.
var ErrCorrupt = errors.New("corrupt value")

// Backend is implemented by each storage driver
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Storage is the persistent key-value store shared by the caches, the
// moderation state and the local log.
type Storage struct {
	backend Backend
	config  *config.Storage
	logger  *ops.Logger
}

// New creates a new Storage instance with the given configuration
func New(ctx context.Context, cfg *config.Storage) (*Storage, error) {
	s := &Storage{
		config: cfg,
		logger: ops.Default().WithComponent("storage"),
	}

	switch cfg.Driver {
	case "memory":
		s.backend = newMemoryBackend()
	case "sqlite":
		b, err := openSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize SQLite: %w", err)
		}
		s.backend = b
	case "redis":
		b, err := openRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Redis: %w", err)
		}
		s.backend = b
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}

	return s, nil
}

// NewMemory returns an in-memory Storage
func NewMemory() *Storage {
	return &Storage{
		backend: newMemoryBackend(),
		config:  &config.Storage{Driver: "memory"},
		logger:  ops.Default().WithComponent("storage"),
	}
}

// NewMemoryBackend returns the driver behind NewMemory
func NewMemoryBackend() Backend {
	return newMemoryBackend()
}

// NewWithBackend wraps an already opened driver
func NewWithBackend(driver string, b Backend) *Storage {
	return &Storage{
		backend: b,
		config:  &config.Storage{Driver: driver},
		logger:  ops.Default().WithComponent("storage"),
	}
}

// SetLogger replaces the storage logger
func (s *Storage) SetLogger(l *ops.Logger) {
	s.logger = l.WithComponent("storage")
}

// Driver returns the configured driver name
func (s *Storage) Driver() string {
	return s.config.Driver
}

// Get returns the value stored under key. A missing key is reported with ok=false.
func (s *Storage) Get(ctx context.Context, key string) ([]byte, bool, error) {
	start := time.Now()
	v, ok, err := s.backend.Get(ctx, key)
	s.logger.LogStorageOperation("get", key, time.Since(start), err)
	if err != nil {
		return nil, false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return v, ok, nil
}

// Put stores value under key, replacing any previous value
func (s *Storage) Put(ctx context.Context, key string, value []byte) error {
	start := time.Now()
	err := s.backend.Put(ctx, key, value)
	s.logger.LogStorageOperation("put", key, time.Since(start), err)
	if err != nil {
		return fmt.Errorf("failed to put %s: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Storage) Delete(ctx context.Context, key string) error {
	if err := s.backend.Delete(ctx, key); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// Keys lists keys starting with prefix, in ascending order
func (s *Storage) Keys(ctx context.Context, prefix string) ([]string, error) {
	keys, err := s.backend.Keys(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	return keys, nil
}

// GetJSON decodes the JSON value under key into v.
// Returns ok=false when the key is absent. A value that cannot be decoded
// yields an error wrapping ErrCorrupt.
func (s *Storage) GetJSON(ctx context.Context, key string, v any) (bool, error) {
	data, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w: %w", key, ErrCorrupt, err)
	}
	return true, nil
}

// PutJSON encodes v as JSON and stores it under key
func (s *Storage) PutJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return s.Put(ctx, key, data)
}

// Close closes the storage connections
func (s *Storage) Close() error {
	if s.backend == nil {
		return nil
	}
	if err := s.backend.Close(); err != nil {
		return fmt.Errorf("failed to close storage: %w", err)
	}
	return nil
}
