package loader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"plughost/internal/unit"
	logx "plughost/pkg/logx"
)

const outputTail = 4 << 10

// ExecRuntime runs plugins as subprocesses extracted from their bundle.
//
// Exit status 0 is success, FatalExitCode (default 70) is fatal, death by
// signal or a cancelled context is an interruption, anything else is a
// recoverable failure.
type ExecRuntime struct {
	// WorkDir receives one extracted directory per plugin identity.
	// Empty means the scan's work dir.
	WorkDir string
	// WaitDelay bounds how long Run waits for output pipes after a kill.
	WaitDelay time.Duration
	Log       logx.Logger
}

func (r *ExecRuntime) Name() string { return "exec" }

func (r *ExecRuntime) Resolve(b *Bundle, m *Manifest) (Constructor, error) {
	entry := m.EntryPath()
	if !b.Has(entry) {
		return nil, entryMissing(entry)
	}
	workDir := strings.TrimSpace(r.WorkDir)
	if workDir == "" {
		workDir = b.WorkDir
	}
	if workDir == "" {
		return nil, errors.New("exec runtime: work dir not configured")
	}
	log := r.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return func(ctx context.Context) (unit.Unit, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		// One directory per (identity, artifact) so a rejected duplicate never touches the winner.
		art := strings.TrimSuffix(filepath.Base(b.Path), filepath.Ext(b.Path))
		dir := filepath.Join(workDir, m.Name+"@"+art)
		if err := os.RemoveAll(dir); err != nil {
			return nil, err
		}
		if err := b.Extract(dir); err != nil {
			_ = os.RemoveAll(dir)
			return nil, err
		}
		bin := filepath.Join(dir, filepath.FromSlash(entry))
		if err := os.Chmod(bin, 0o755); err != nil {
			_ = os.RemoveAll(dir)
			return nil, err
		}
		wd := r.WaitDelay
		if wd <= 0 {
			wd = 2 * time.Second
		}
		return &execUnit{
			manifestUnit: manifestUnit{m: m},
			dir:          dir,
			bin:          bin,
			waitDelay:    wd,
			log:          log.With(logx.String("plugin", m.Name)),
		}, nil
	}, nil
}

type execUnit struct {
	manifestUnit
	dir       string
	bin       string
	waitDelay time.Duration
	log       logx.Logger

	closeOnce sync.Once
}

func (u *execUnit) Run(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, u.bin, u.m.Args...)
	cmd.Dir = filepath.Dir(u.bin)
	cmd.Env = append(os.Environ(), u.env()...)
	cmd.WaitDelay = u.waitDelay

	var out tailBuffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()
	if err := cmd.Start(); err != nil {
		if ctx.Err() != nil {
			return unit.Interrupted(ctx.Err())
		}
		// The extracted entry will never run.
		return unit.Fatal(fmt.Errorf("exec start: %w", err))
	}
	err := cmd.Wait()
	u.log.Debug("plugin.exec", logx.Duration("dur", time.Since(start)), logx.Bool("ok", err == nil))
	if errors.Is(err, exec.ErrWaitDelay) {
		// Exited 0, but a leftover child still held the output pipes.
		u.log.Warn("plugin.exec left background output open", logx.Duration("wait_delay", u.waitDelay))
		return nil
	}
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return unit.Interrupted(fmt.Errorf("%w: %s", ctx.Err(), out.String()))
	}

	var ee *exec.ExitError
	if !errors.As(err, &ee) {
		return fmt.Errorf("exec wait: %w", err)
	}
	code := ee.ExitCode()
	switch {
	case code == u.m.FatalExitCode:
		return unit.Fatal(fmt.Errorf("exit status %d: %s", code, out.String()))
	case code < 0:
		return unit.Interrupted(fmt.Errorf("%v: %s", ee, out.String()))
	default:
		return fmt.Errorf("exit status %d: %s", code, out.String())
	}
}

func (u *execUnit) env() []string {
	keys := make([]string, 0, len(u.m.Env))
	for k := range u.m.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys)+2)
	out = append(out, "PLUGHOST_PLUGIN="+u.m.Name, "PLUGHOST_WORKDIR="+u.dir)
	for _, k := range keys {
		out = append(out, k+"="+u.m.Env[k])
	}
	return out
}

func (u *execUnit) Close() error {
	var err error
	u.closeOnce.Do(func() { err = os.RemoveAll(u.dir) })
	return err
}

// tailBuffer keeps only the last outputTail bytes of a process's output.
type tailBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(p)
	if len(p) > outputTail {
		p = p[len(p)-outputTail:]
	}
	if over := t.buf.Len() + len(p) - outputTail; over > 0 {
		t.buf.Next(over)
	}
	t.buf.Write(p)
	return n, nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(t.buf.String())
}
