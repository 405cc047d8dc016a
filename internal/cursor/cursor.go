// Package cursor persists the mailbox position the supervisor and the poll
// loop resume from. A cursor is an opaque string owned by the mail source.
package cursor

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
)

// Store maps a consumer key to its last confirmed cursor. Load returns ""
// without error for a key that was never saved.
type Store interface {
	Load(ctx context.Context, key string) (string, error)
	Save(ctx context.Context, key, value string) error
	Close() error
}

type MemoryStore struct {
	mu      sync.Mutex
	cursors map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cursors: map[string]string{}}
}

func (s *MemoryStore) Load(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[key], nil
}

func (s *MemoryStore) Save(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[key] = value
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// BuildFromDSN selects a cursor store by scheme: memory://, file:///path
// (or a bare path), postgres://, redis://.
func BuildFromDSN(dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("cursor store dsn is required")
	}
	if !strings.Contains(dsn, "://") {
		return NewFileStore(filepath.Clean(dsn)), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(parsed.Scheme) {
	case "memory", "mem", "inmem":
		return NewMemoryStore(), nil
	case "file":
		path := parsed.Path
		if parsed.Host != "" && parsed.Host != "localhost" {
			path = filepath.Join(parsed.Host, parsed.Path)
		}
		if strings.TrimSpace(path) == "" {
			return nil, fmt.Errorf("file cursor store needs a path")
		}
		return NewFileStore(filepath.Clean(path)), nil
	case "postgres", "postgresql":
		return NewPostgresStore(dsn)
	case "redis", "rediss":
		return NewRedisStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported cursor store scheme: %s", parsed.Scheme)
	}
}

// Kind names the backend for status output.
func Kind(store Store) string {
	switch store.(type) {
	case *MemoryStore:
		return "memory"
	case *FileStore:
		return "file"
	case *PostgresStore:
		return "postgres"
	case *RedisStore:
		return "redis"
	case nil:
		return "none"
	default:
		return fmt.Sprintf("%T", store)
	}
}
