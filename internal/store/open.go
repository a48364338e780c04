package store

import (
	"context"
	"fmt"
)

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendNATS   = "nats"
)

// Config selects and configures a checkpoint backend.
type Config struct {
	Backend    string
	DBPath     string
	NATSURL    string
	NATSBucket string
	// CacheBytes enables a read-through cache of this size when positive.
	CacheBytes int64
}

// Open builds the configured Store, running migrations where needed.
func Open(ctx context.Context, cfg Config) (Store, error) {
	var (
		s   Store
		err error
	)
	switch cfg.Backend {
	case BackendMemory:
		s = NewMemoryStore()
	case BackendSQLite, "":
		if cfg.DBPath == "" {
			return nil, fmt.Errorf("sqlite store: db_path is not set")
		}
		sq, oerr := NewSQLiteStore(cfg.DBPath)
		if oerr != nil {
			return nil, oerr
		}
		if merr := sq.Migrate(ctx); merr != nil {
			_ = sq.Close()
			return nil, fmt.Errorf("migrate: %w", merr)
		}
		s = sq
	case BackendNATS:
		s, err = OpenNATSStore(ctx, cfg.NATSURL, cfg.NATSBucket)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown store backend %q (want memory, sqlite or nats)", cfg.Backend)
	}

	if cfg.CacheBytes > 0 && cfg.Backend != BackendMemory {
		cached, cerr := NewCachedStore(s, cfg.CacheBytes)
		if cerr != nil {
			_ = s.Close()
			return nil, cerr
		}
		return cached, nil
	}
	return s, nil
}
