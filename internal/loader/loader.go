// Package loader discovers plugin bundles in a directory and instantiates
// exactly one unit per bundle.
package loader

import (
	"archive/zip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"plughost/internal/unit"
	logx "plughost/pkg/logx"
)

// Config controls artifact discovery.
type Config struct {
	// WorkDir holds extracted exec bundles. Defaults to <dir>/.work.
	WorkDir string
	// Concurrency bounds parallel artifact inspection. Defaults to GOMAXPROCS.
	Concurrency int
}

// Loader scans a directory for plugin bundles.
type Loader struct {
	cfg      Config
	log      logx.Logger
	runtimes map[string]Runtime
}

// Report is the full outcome of a scan.
type Report struct {
	Units map[string]unit.Unit
	// Errors holds non-fatal per-artifact failures.
	Errors []*LoadError
	// Sources maps identity to artifact file name.
	Sources map[string]string
}

// New builds a loader with the lua and exec runtimes installed.
// Extra runtimes replace built-ins with the same name.
func New(cfg Config, log logx.Logger, extra ...Runtime) *Loader {
	if log.IsZero() {
		log = logx.Nop()
	}
	l := &Loader{cfg: cfg, log: log, runtimes: map[string]Runtime{}}
	l.register(&LuaRuntime{Log: log})
	l.register(&ExecRuntime{WorkDir: cfg.WorkDir, Log: log})
	for _, r := range extra {
		l.register(r)
	}
	return l
}

func (l *Loader) register(r Runtime) {
	if r != nil {
		l.runtimes[r.Name()] = r
	}
}

// Load returns identity -> unit for dir.
// It fails with a *LoadError when dir is unreadable or nothing loaded.
func (l *Loader) Load(ctx context.Context, dir string) (map[string]unit.Unit, error) {
	rep, err := l.Scan(ctx, dir)
	if err != nil {
		return nil, err
	}
	return rep.Units, nil
}

// Scan loads dir and reports every per-artifact failure.
func (l *Loader) Scan(ctx context.Context, dir string) (*Report, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &LoadError{Kind: KindUnreadable, Artifact: dir, Err: err}
	}

	workDir := strings.TrimSpace(l.cfg.WorkDir)
	if workDir == "" {
		workDir = filepath.Join(dir, ".work")
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !isArtifactName(e.Name()) {
			l.log.Trace("artifact skipped", logx.String("name", e.Name()))
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	// Inspect concurrently; commit in name order so duplicate handling is deterministic.
	results := make([]artifactResult, len(names))
	g, gctx := errgroup.WithContext(ctx)
	limit := l.cfg.Concurrency
	if limit <= 0 {
		limit = runtime.GOMAXPROCS(0)
	}
	g.SetLimit(limit)
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = l.inspect(gctx, filepath.Join(dir, name), name, workDir)
			return nil
		})
	}
	err = g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		for _, r := range results {
			closeUnit(r.unit)
		}
		return nil, err
	}

	rep := &Report{Units: map[string]unit.Unit{}, Sources: map[string]string{}}
	for i, r := range results {
		name := names[i]
		if r.err != nil {
			rep.Errors = append(rep.Errors, r.err)
			l.log.Warn("artifact rejected", logx.String("artifact", name), logx.String("kind", string(r.err.Kind)), logx.Err(r.err.Err))
			continue
		}
		id := r.unit.Name()
		if prev, dup := rep.Sources[id]; dup {
			le := &LoadError{Kind: KindDuplicateIdentity, Artifact: name, Identity: id, Err: errors.New("already loaded from " + prev)}
			rep.Errors = append(rep.Errors, le)
			l.log.Warn("artifact rejected", logx.String("artifact", name), logx.String("kind", string(le.Kind)), logx.String("plugin", id), logx.String("first", prev))
			closeUnit(r.unit)
			continue
		}
		rep.Units[id] = r.unit
		rep.Sources[id] = name
		l.log.Info("plugin loaded", logx.String("plugin", id), logx.String("artifact", name), logx.Bool("repeatable", r.unit.Repeatable()), logx.Int("timeout", r.unit.Timeout()))
	}

	if len(rep.Units) == 0 {
		return rep, &LoadError{Kind: KindNoUnits, Artifact: dir, Err: errors.Join(loadErrs(rep.Errors)...)}
	}
	return rep, nil
}

type artifactResult struct {
	unit unit.Unit
	err  *LoadError
}

// inspect opens one artifact in its own context, finds qualifying manifests
// and instantiates exactly one unit. The archive is closed before returning.
func (l *Loader) inspect(ctx context.Context, path, name, workDir string) artifactResult {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return artifactResult{err: &LoadError{Kind: KindUnreadable, Artifact: name, Err: err}}
	}
	defer zr.Close()

	b := newBundle(path, &zr.Reader)
	b.WorkDir = workDir
	log := l.log.With(logx.String("artifact", name))

	var found unit.Unit
	for _, entry := range b.Names() {
		if !isManifestName(entry) {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		u, ok := l.instantiate(ctx, b, entry, log)
		if !ok {
			continue
		}
		if found != nil {
			closeUnit(found)
			closeUnit(u)
			return artifactResult{err: &LoadError{
				Kind:     KindAmbiguous,
				Artifact: name,
				Identity: found.Name() + "," + u.Name(),
			}}
		}
		found = u
	}
	if found == nil {
		return artifactResult{err: &LoadError{Kind: KindNoImplementation, Artifact: name}}
	}
	return artifactResult{unit: found}
}

// instantiate resolves one manifest entry. Failures are logged and contained.
func (l *Loader) instantiate(ctx context.Context, b *Bundle, entry string, log logx.Logger) (u unit.Unit, ok bool) {
	log = log.With(logx.String("entry", entry))
	defer func() {
		if r := recover(); r != nil {
			log.Error("plugin constructor panicked", logx.Any("panic", r))
			u, ok = nil, false
		}
	}()

	data, err := b.ReadFile(entry, maxManifestBytes)
	if err != nil {
		log.Warn("manifest unreadable", logx.Err(err))
		return nil, false
	}
	m, err := DecodeManifest(entry, data)
	if err != nil {
		log.Warn("manifest invalid", logx.Err(err))
		return nil, false
	}
	if !m.IsPlugin() {
		log.Debug("manifest skipped", logx.String("kind", m.Kind))
		return nil, false
	}
	if err := m.Validate(); err != nil {
		log.Warn("manifest invalid", logx.Err(err))
		return nil, false
	}
	rt, found := l.runtimes[m.Runtime]
	if !found {
		log.Warn("manifest invalid", logx.Err(ErrManifestRuntime), logx.String("runtime", m.Runtime))
		return nil, false
	}
	ctor, err := rt.Resolve(b, m)
	if err != nil {
		log.Warn("plugin resolve failed", logx.String("plugin", m.Name), logx.Err(err))
		return nil, false
	}
	u, err = ctor(ctx)
	if err != nil {
		log.Warn("plugin instantiation failed", logx.String("plugin", m.Name), logx.Err(err))
		return nil, false
	}
	return u, true
}

func closeUnit(u unit.Unit) {
	if c, ok := u.(unit.Closer); ok {
		_ = c.Close()
	}
}

func loadErrs(in []*LoadError) []error {
	out := make([]error, 0, len(in))
	for _, e := range in {
		out = append(out, e)
	}
	return out
}
