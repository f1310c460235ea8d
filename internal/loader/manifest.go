package loader

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	yaml "go.yaml.in/yaml/v3"

	"plughost/internal/config"
	"plughost/internal/scheduler"
)

const (
	APIVersion = "plughost/v1"
	KindPlugin = "Plugin"

	maxManifestBytes = 64 << 10

	defaultFatalExitCode = 70 // EX_SOFTWARE
)

// Manifest is the structural header of a plugin inside a bundle.
type Manifest struct {
	APIVersion    string            `yaml:"apiVersion" toml:"apiVersion"`
	Kind          string            `yaml:"kind" toml:"kind"`
	Name          string            `yaml:"name" toml:"name"`
	Runtime       string            `yaml:"runtime" toml:"runtime"`
	Entry         string            `yaml:"entry" toml:"entry"`
	Repeatable    bool              `yaml:"repeatable" toml:"repeatable"`
	Timeout       int               `yaml:"timeout" toml:"timeout"`
	Schedule      string            `yaml:"schedule" toml:"schedule"`
	RunTimeout    string            `yaml:"run_timeout" toml:"run_timeout"`
	FatalExitCode int               `yaml:"fatal_exit_code" toml:"fatal_exit_code"`
	Args          []string          `yaml:"args" toml:"args"`
	Env           map[string]string `yaml:"env" toml:"env"`

	// Source is the bundle-relative path of the manifest itself.
	Source string `yaml:"-" toml:"-"`
	// Dir is the bundle directory the manifest lives in; Entry is relative to it.
	Dir string `yaml:"-" toml:"-"`

	runTimeout time.Duration
	plan       *scheduler.Plan
}

var reIdentity = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.\-]*$`)

// isManifestName reports whether a bundle entry is a plugin manifest.
func isManifestName(name string) bool {
	base := strings.ToLower(path.Base(name))
	switch base {
	case "plugin.yaml", "plugin.yml", "plugin.toml":
		return true
	}
	return strings.HasSuffix(base, ".plugin.yaml") ||
		strings.HasSuffix(base, ".plugin.yml") ||
		strings.HasSuffix(base, ".plugin.toml")
}

// DecodeManifest decodes a manifest header by file extension. Unknown keys are rejected.
func DecodeManifest(name string, data []byte) (*Manifest, error) {
	if len(data) > maxManifestBytes {
		return nil, ErrManifestTooLarge
	}
	var m Manifest
	switch strings.ToLower(path.Ext(name)) {
	case ".toml":
		md, err := toml.Decode(string(data), &m)
		if err != nil {
			return nil, fmt.Errorf("toml: %w", err)
		}
		if und := md.Undecoded(); len(und) > 0 {
			return nil, fmt.Errorf("toml: unknown key %q", und[0].String())
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&m); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("yaml: %w", err)
		}
	}
	m.Source = name
	m.Dir = path.Dir(name)
	if m.Dir == "." {
		m.Dir = ""
	}
	return &m, nil
}

// IsPlugin reports whether the manifest declares the plugin capability.
func (m *Manifest) IsPlugin() bool {
	return strings.EqualFold(strings.TrimSpace(m.Kind), KindPlugin)
}

// Validate normalizes and checks a plugin manifest.
func (m *Manifest) Validate() error {
	m.Name = strings.TrimSpace(m.Name)
	m.Runtime = strings.ToLower(strings.TrimSpace(m.Runtime))
	m.Entry = strings.TrimSpace(m.Entry)

	if strings.TrimSpace(m.APIVersion) != APIVersion {
		return fmt.Errorf("%w %q", ErrManifestAPIVersion, m.APIVersion)
	}
	if !reIdentity.MatchString(m.Name) {
		return fmt.Errorf("%w %q", ErrManifestName, m.Name)
	}
	if m.Entry == "" {
		return ErrManifestEntry
	}
	if m.Runtime == "" {
		m.Runtime = runtimeFromEntry(m.Entry)
	}
	if m.FatalExitCode == 0 {
		m.FatalExitCode = defaultFatalExitCode
	}

	d, err := config.ParseDurationField(m.Name+".run_timeout", m.RunTimeout)
	if err != nil {
		return err
	}
	m.runTimeout = d

	if s := strings.TrimSpace(m.Schedule); s != "" {
		p, err := scheduler.ParsePlan(s)
		if err != nil {
			return fmt.Errorf("%s.schedule: %w", m.Name, err)
		}
		m.plan = &p
	}
	if m.Repeatable && m.Timeout < 1 && m.plan == nil {
		return ErrManifestTimeout
	}
	if m.Timeout < 0 {
		m.Timeout = 0
	}
	return nil
}

// EntryPath is the bundle-relative path of the entry file.
func (m *Manifest) EntryPath() string {
	return path.Clean(path.Join(m.Dir, m.Entry))
}

func runtimeFromEntry(entry string) string {
	if strings.EqualFold(path.Ext(entry), ".lua") {
		return "lua"
	}
	return "exec"
}

// manifestUnit carries the manifest-derived capability shared by all runtimes.
type manifestUnit struct {
	m *Manifest
}

func (b manifestUnit) Name() string               { return b.m.Name }
func (b manifestUnit) Repeatable() bool           { return b.m.Repeatable }
func (b manifestUnit) Timeout() int               { return b.m.Timeout }
func (b manifestUnit) RunTimeout() time.Duration  { return b.m.runTimeout }
func (b manifestUnit) Manifest() *Manifest        { return b.m }
func (b manifestUnit) Next(after time.Time) time.Time {
	if b.m.plan == nil {
		return time.Time{}
	}
	return b.m.plan.Next(after)
}
