package meeting

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
)

type StoreFactory func(dsn string) (Store, error)

var storeFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]StoreFactory
}{
	factories: map[string]StoreFactory{},
}

// RegisterStoreFactory makes an additional DSN scheme available to
// BuildStoreFromDSN. Registered factories take precedence over built-ins.
func RegisterStoreFactory(scheme string, factory StoreFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	storeFactoryRegistry.mu.Lock()
	defer storeFactoryRegistry.mu.Unlock()
	storeFactoryRegistry.factories[scheme] = factory
}

func lookupStoreFactory(scheme string) (StoreFactory, bool) {
	scheme = normalizeScheme(scheme)
	storeFactoryRegistry.mu.RLock()
	defer storeFactoryRegistry.mu.RUnlock()
	factory, ok := storeFactoryRegistry.factories[scheme]
	return factory, ok
}

func BuildStoreFromDSN(dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: store dsn is required", ErrInvalidInput)
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupStoreFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryStore(), nil
	case "file":
		path := parsed.Path
		if parsed.Host != "" && parsed.Host != "localhost" {
			path = filepath.Join(parsed.Host, parsed.Path)
		}
		if path == "" {
			return nil, fmt.Errorf("%w: file meeting store needs a path", ErrInvalidInput)
		}
		return NewFileStore(filepath.Clean(path))
	case "postgres", "postgresql":
		return NewPostgresStore(dsn)
	case "mysql", "sqlite":
		return nil, fmt.Errorf("%w: meeting store %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported meeting store scheme: %s", scheme)
	}
}

// StoreKind names the backend for status output.
func StoreKind(store Store) string {
	switch store.(type) {
	case *PostgresStore:
		return "postgres"
	case *FileStore:
		return "file"
	case *MemoryStore:
		return "memory"
	case nil:
		return "none"
	default:
		return fmt.Sprintf("%T", store)
	}
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
