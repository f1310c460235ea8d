package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	logx "plughost/pkg/logx"
)

// Store is the persistence API used by the registry and the notifier.
type Store interface {
	AppendRun(ctx context.Context, rec RunRecord) error
	// RecentRuns returns up to limit records, newest first. Empty plugin means all.
	RecentRuns(ctx context.Context, plugin string, limit int) ([]RunRecord, error)
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
	Close() error
}

// Open returns the journal for cfg.Driver, or (nil, nil) when the journal
// is off.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "none":
		return nil, nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("journal: unknown driver %q", driver)
	}
}
