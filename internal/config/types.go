package config

// Config is the on-disk configuration (JSON or YAML).
// Durations are Go duration strings unless the field name says seconds.
type Config struct {
	Plugins   PluginsConfig   `json:"plugins"`
	Guard     GuardConfig     `json:"guard"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Notifier  NotifierConfig  `json:"notifier"`
	Logging   LoggingConfig   `json:"logging"`
	Journal   JournalConfig   `json:"journal"`
	Systemd   SystemdConfig   `json:"systemd"`
}

type PluginsConfig struct {
	Dir string `json:"dir"`
	// WorkDir holds extracted exec bundles; default <dir>/.work.
	WorkDir string `json:"work_dir,omitempty"`
}

type GuardConfig struct {
	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`
	// DrainTimeout is in seconds; 0 means the default of 30.
	// Workers and QueueSize likewise fall back to defaults at 0.
	DrainTimeout int    `json:"drain_timeout,omitempty"`
	ForceGrace   string `json:"force_grace,omitempty"`
}

type SchedulerConfig struct {
	// Cycle is the polling interval in seconds.
	Cycle int `json:"cycle,omitempty"`
}

type NotifierConfig struct {
	Enabled           bool           `json:"enabled"`
	NotifyOnInterrupt bool           `json:"notify_on_interrupt,omitempty"`
	RatePerSec        int            `json:"rate_per_sec,omitempty"`
	QueueSize         int            `json:"queue_size,omitempty"`
	DedupWindow       string         `json:"dedup_window,omitempty"`
	PersistDedup      bool           `json:"persist_dedup,omitempty"`
	Telegram          TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	Token    string `json:"token,omitempty"`
	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty"`
}

type LoggingConfig struct {
	Level   string          `json:"level"`
	Console bool            `json:"console"`
	File    LogFileConfig   `json:"file"`
	Notify  LogNotifyConfig `json:"notify"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// LogNotifyConfig forwards log records at or above MinLevel to the
// notifier's Telegram transport.
type LogNotifyConfig struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

type JournalConfig struct {
	// Driver is none, file or sqlite.
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	Retention   string `json:"retention,omitempty"`
}

type SystemdConfig struct {
	Enabled bool `json:"enabled"`
}
