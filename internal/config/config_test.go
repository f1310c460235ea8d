package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
plugins:
  dir: ./plugins
guard:
  workers: 4
  drain_timeout: 10
  force_grace: 1s
scheduler:
  cycle: 5
notifier:
  enabled: true
  dedup_window: 1m
logging:
  level: debug
  console: true
journal:
  driver: sqlite
  path: ./data/runs.db
systemd:
  enabled: true
`

func TestDecodeYAMLAndJSON(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("plughost.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, "./plugins", cfg.Plugins.Dir)
	assert.Equal(t, 4, cfg.Guard.Workers)
	assert.Equal(t, 10, cfg.Guard.DrainTimeout)
	assert.Equal(t, 5, cfg.Scheduler.Cycle)
	assert.Equal(t, "sqlite", cfg.Journal.Driver)
	require.NoError(t, Validate(cfg))

	cfg, err = Decode("plughost.json", []byte(`{"plugins":{"dir":"p"},"scheduler":{"cycle":60}}`))
	require.NoError(t, err)
	assert.Equal(t, 60, cfg.Scheduler.Cycle)
}

func TestDecodeStrict(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		file string
		data string
	}{
		{"unknown json field", "c.json", `{"plugins":{"dir":"p","bogus":1}}`},
		{"unknown yaml field", "c.yml", "plugins:\n  dir: p\nextra: true\n"},
		{"trailing json", "c.json", `{"plugins":{"dir":"p"}} {}`},
		{"bad yaml", "c.yaml", "plugins: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Decode(tt.file, []byte(tt.data))
			require.Error(t, err)
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		mut  func(*Config)
		want string
	}{
		{"missing dir", func(c *Config) { c.Plugins.Dir = "" }, "plugins.dir"},
		{"negative cycle", func(c *Config) { c.Scheduler.Cycle = -1 }, "scheduler.cycle"},
		{"bad duration", func(c *Config) { c.Guard.ForceGrace = "soon" }, "guard.force_grace"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"telegram token", func(c *Config) { c.Notifier.Telegram = TelegramConfig{Enabled: true, ChatID: 1} }, "token"},
		{"journal driver", func(c *Config) { c.Journal.Driver = "mongo" }, "journal.driver"},
		{"journal path", func(c *Config) { c.Journal = JournalConfig{Driver: "file"} }, "journal.path"},
		{"log notify without telegram", func(c *Config) { c.Logging.Notify.Enabled = true }, "logging.notify"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := &Config{Plugins: PluginsConfig{Dir: "p"}}
			tt.mut(cfg)
			err := Validate(cfg)
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDiff(t *testing.T) {
	t.Parallel()
	a := &Config{Plugins: PluginsConfig{Dir: "p"}, Logging: LoggingConfig{Level: "info"}}
	b := *a
	require.True(t, Diff(a, &b).Empty())

	b.Logging.Level = "debug"
	b.Scheduler.Cycle = 5
	b.Notifier.Telegram.Token = "secret"
	ch := Diff(a, &b)
	require.Equal(t, []string{"logging", "notifier"}, ch.Live)
	require.Equal(t, []string{"scheduler"}, ch.RestartOnly)
}

func TestManagerLoadAndWatch(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "plughost.yaml")
	require.NoError(t, os.WriteFile(path, []byte("plugins:\n  dir: p\nlogging:\n  level: info\n"), 0o600))

	m := NewManager(path)
	cfg, err := m.Load()
	require.NoError(t, err)
	require.Equal(t, "info", cfg.Logging.Level)
	require.Same(t, cfg, m.Get())

	sub := m.Subscribe(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()

	// Give the watcher a moment to register, then keep rewriting until seen.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case got := <-sub:
			require.Equal(t, "debug", got.Logging.Level)
			require.Equal(t, "debug", m.Get().Logging.Level)
			cancel()
			require.NoError(t, <-done)
			m.Unsubscribe(sub)
			return
		case <-tick.C:
			require.NoError(t, os.WriteFile(path, []byte("plugins:\n  dir: p\nlogging:\n  level: debug\n"), 0o600))
		case <-deadline:
			t.Fatal("reload not published")
		}
	}
}

func TestManagerRejectsInvalidReload(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "c.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"plugins":{"dir":"p"}}`), 0o600))
	m := NewManager(path)
	_, err := m.Load()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`{"plugins":{"dir":""}}`), 0o600))
	m.reload(context.Background())
	require.Equal(t, "p", m.Get().Plugins.Dir, "invalid reload is not committed")
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationField("x", " 90s ")
	require.NoError(t, err)
	require.Equal(t, 90*time.Second, d)
	d, err = ParseDurationField("x", "")
	require.NoError(t, err)
	require.Zero(t, d)
	d, err = ParseDurationField("x", "45")
	require.NoError(t, err)
	require.Equal(t, 45*time.Second, d)
	_, err = ParseDurationField("x", "-1s")
	require.Error(t, err)
	_, err = ParseDurationField("x", "soon")
	require.Error(t, err)

	d, err = ParseDurationOrDefault("x", "", 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, 2*time.Second, d)
}
