package storage

import (
	"context"
	"errors"
	"strings"

	logx "taskmill/pkg/logx"
)

// Store persists the serialized job-store record.
//
// Load returns (nil, false, nil) on first run (nothing persisted yet).
// Save atomically replaces the whole record; there are no partial writes.
type Store interface {
	Load(ctx context.Context) (data []byte, ok bool, err error)
	Save(ctx context.Context, data []byte) error
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
}
