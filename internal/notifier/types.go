package notifier

import (
	"context"
	"time"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	DedupWindow     time.Duration
	DedupMaxEntries int
	// PersistDedup keeps dedup windows across restarts via a DedupStore.
	PersistDedup bool
	// SendTimeout bounds one transport call.
	SendTimeout time.Duration
}

// Transport delivers one rendered notification.
type Transport interface {
	Name() string
	Send(ctx context.Context, subject, body string) error
}

// DedupStore persists suppress-until marks. storage.Store implements it.
type DedupStore interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (time.Time, bool, error)
}

type HistoryItem struct {
	At      time.Time `json:"at"`
	Subject string    `json:"subject"`
	Error   string    `json:"error,omitempty"`
}

// NotificationEvent is the payload of notify.* bus events.
type NotificationEvent struct {
	Transport string    `json:"transport"`
	Subject   string    `json:"subject"`
	Key       string    `json:"key"`
	At        time.Time `json:"at"`
	Error     string    `json:"error,omitempty"`
}
