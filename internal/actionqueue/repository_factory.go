package actionqueue

import (
	"fmt"
	"strings"
	"sync"
)

// RepositoryFactory builds a QueueRepository from a DSN.
type RepositoryFactory func(dsn string) (QueueRepository, error)

var (
	repositoryFactoryMu sync.RWMutex
	repositoryFactories = map[string]RepositoryFactory{}
)

// RegisterRepositoryFactory installs a factory for a DSN scheme,
// overriding any builtin handler for that scheme.
func RegisterRepositoryFactory(scheme string, factory RepositoryFactory) {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if scheme == "" || factory == nil {
		return
	}
	repositoryFactoryMu.Lock()
	defer repositoryFactoryMu.Unlock()
	repositoryFactories[scheme] = factory
}

func lookupRepositoryFactory(scheme string) (RepositoryFactory, bool) {
	repositoryFactoryMu.RLock()
	defer repositoryFactoryMu.RUnlock()
	factory, ok := repositoryFactories[scheme]
	return factory, ok
}

// BuildRepositoryFromDSN picks a repository backend from a DSN. A bare
// path is treated as a file root.
func BuildRepositoryFromDSN(dsn string) (QueueRepository, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty repository dsn", ErrInvalidInput)
	}
	scheme := dsnScheme(trimmed)
	if factory, ok := lookupRepositoryFactory(scheme); ok {
		return factory(trimmed)
	}
	switch scheme {
	case "memory":
		return NewMemoryRepository(), nil
	case "file", "":
		return NewFileRepository(dsnPath(trimmed))
	case "postgres", "postgresql":
		return NewPostgresRepository(trimmed), nil
	case "sqlite", "sqlite3", "mysql":
		return nil, fmt.Errorf("%w: repository scheme %q", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("%w: unsupported repository dsn %q", ErrInvalidInput, trimmed)
	}
}

func dsnScheme(dsn string) string {
	idx := strings.Index(dsn, "://")
	if idx < 0 {
		return ""
	}
	return strings.ToLower(dsn[:idx])
}

func dsnPath(dsn string) string {
	if idx := strings.Index(dsn, "://"); idx >= 0 {
		return dsn[idx+len("://"):]
	}
	return dsn
}
