package loader

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plughost/internal/unit"
	logx "plughost/pkg/logx"
)

type bundleFile struct {
	body string
	mode os.FileMode
}

func writeBundle(t *testing.T, dir, name string, files map[string]bundleFile) string {
	t.Helper()
	p := filepath.Join(dir, name)
	f, err := os.Create(p)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for n, bf := range files {
		hdr := &zip.FileHeader{Name: n, Method: zip.Deflate}
		mode := bf.mode
		if mode == 0 {
			mode = 0o644
		}
		hdr.SetMode(mode)
		w, err := zw.CreateHeader(hdr)
		require.NoError(t, err)
		_, err = w.Write([]byte(bf.body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return p
}

func luaManifest(name string, repeatable bool, timeout int) string {
	rep := "false"
	if repeatable {
		rep = "true"
	}
	return "apiVersion: plughost/v1\nkind: Plugin\nname: " + name +
		"\nentry: main.lua\nrepeatable: " + rep + "\ntimeout: " + strconv.Itoa(timeout) + "\n"
}

const okScript = "function run() return nil end\n"

func newTestLoader(t *testing.T) *Loader {
	t.Helper()
	return New(Config{WorkDir: filepath.Join(t.TempDir(), "work")}, logx.Nop())
}

func TestLoadSinglePlugin(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeBundle(t, dir, "ping.zip", map[string]bundleFile{
		"plugin.yaml": {body: luaManifest("demo.Ping", true, 2)},
		"main.lua":    {body: okScript},
	})

	units, err := newTestLoader(t).Load(context.Background(), dir)
	require.NoError(t, err)
	require.Len(t, units, 1)

	u := units["demo.Ping"]
	require.NotNil(t, u)
	assert.Equal(t, "demo.Ping", u.Name())
	assert.True(t, u.Repeatable())
	assert.Equal(t, 2, u.Timeout())
	assert.NoError(t, u.Run(context.Background()))
}

func TestLoadSkipsNonArtifacts(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.txt"), []byte("hi"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.zip"), 0o755))
	writeBundle(t, dir, "ok.plugin", map[string]bundleFile{
		"plugin.yaml": {body: luaManifest("demo.Ok", false, 0)},
		"main.lua":    {body: okScript},
	})

	rep, err := newTestLoader(t).Scan(context.Background(), dir)
	require.NoError(t, err)
	assert.Len(t, rep.Units, 1)
	assert.Empty(t, rep.Errors)
}

func TestLoadZeroImplementationDoesNotAbortOthers(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeBundle(t, dir, "a-lib.zip", map[string]bundleFile{
		"plugin.yaml": {body: "apiVersion: plughost/v1\nkind: Library\nname: demo.Lib\nentry: lib.lua\n"},
		// Never compiled: the manifest does not declare the plugin capability.
		"lib.lua": {body: "this is not lua ((("},
	})
	writeBundle(t, dir, "b-ok.zip", map[string]bundleFile{
		"plugin.yaml": {body: luaManifest("demo.Ok", true, 5)},
		"main.lua":    {body: okScript},
	})

	rep, err := newTestLoader(t).Scan(context.Background(), dir)
	require.NoError(t, err)
	assert.Contains(t, rep.Units, "demo.Ok")
	require.Len(t, rep.Errors, 1)
	assert.Equal(t, KindNoImplementation, rep.Errors[0].Kind)
	assert.Equal(t, "a-lib.zip", rep.Errors[0].Artifact)
}

func TestLoadAmbiguousArtifact(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeBundle(t, dir, "double.zip", map[string]bundleFile{
		"one/plugin.yaml": {body: luaManifest("demo.One", true, 1)},
		"one/main.lua":    {body: okScript},
		"two/plugin.yaml": {body: luaManifest("demo.Two", true, 1)},
		"two/main.lua":    {body: okScript},
	})
	writeBundle(t, dir, "single.zip", map[string]bundleFile{
		"plugin.yaml": {body: luaManifest("demo.Single", true, 1)},
		"main.lua":    {body: okScript},
	})

	rep, err := newTestLoader(t).Scan(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"demo.Single"}, keys(rep.Units))
	require.Len(t, rep.Errors, 1)
	assert.True(t, IsKind(rep.Errors[0], KindAmbiguous))
}

func TestLoadDuplicateIdentityFirstByNameWins(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeBundle(t, dir, "b.zip", map[string]bundleFile{
		"plugin.yaml": {body: luaManifest("demo.Ping", true, 9)},
		"main.lua":    {body: okScript},
	})
	writeBundle(t, dir, "a.zip", map[string]bundleFile{
		"plugin.yaml": {body: luaManifest("demo.Ping", true, 3)},
		"main.lua":    {body: okScript},
	})

	for i := 0; i < 3; i++ {
		rep, err := newTestLoader(t).Scan(context.Background(), dir)
		require.NoError(t, err)
		require.Len(t, rep.Units, 1)
		assert.Equal(t, 3, rep.Units["demo.Ping"].Timeout())
		assert.Equal(t, "a.zip", rep.Sources["demo.Ping"])
		require.Len(t, rep.Errors, 1)
		assert.Equal(t, KindDuplicateIdentity, rep.Errors[0].Kind)
		assert.Equal(t, "b.zip", rep.Errors[0].Artifact)
	}
}

func TestLoadBadEntryIsContained(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeBundle(t, dir, "mixed.zip", map[string]bundleFile{
		"broken/plugin.yaml": {body: "apiVersion: plughost/v1\nkind: Plugin\nname: demo.Broken\nentry: main.lua\n"},
		"broken/main.lua":    {body: "function run( end"},
		"bad.plugin.yaml":    {body: "kind: Plugin\nunknown_key: 1\n"},
		"good/plugin.toml":   {body: "apiVersion = \"plughost/v1\"\nkind = \"Plugin\"\nname = \"demo.Good\"\nentry = \"main.lua\"\nrepeatable = true\ntimeout = 4\n"},
		"good/main.lua":      {body: okScript},
	})

	units, err := newTestLoader(t).Load(context.Background(), dir)
	require.NoError(t, err)
	require.Contains(t, units, "demo.Good")
	assert.Equal(t, 4, units["demo.Good"].Timeout())
}

func TestLoadUnreadableDirectory(t *testing.T) {
	t.Parallel()
	_, err := newTestLoader(t).Load(context.Background(), filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
	assert.True(t, IsKind(err, KindUnreadable))
}

func TestLoadNothingLoadedIsError(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeBundle(t, dir, "empty.zip", map[string]bundleFile{"notes.txt": {body: "nothing here"}})

	_, err := newTestLoader(t).Load(context.Background(), dir)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindNoUnits))
}

func TestLoadCorruptArchive(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "junk.zip"), []byte("not a zip"), 0o644))
	writeBundle(t, dir, "ok.zip", map[string]bundleFile{
		"plugin.yaml": {body: luaManifest("demo.Ok", false, 0)},
		"main.lua":    {body: okScript},
	})

	rep, err := newTestLoader(t).Scan(context.Background(), dir)
	require.NoError(t, err)
	assert.Len(t, rep.Units, 1)
	require.Len(t, rep.Errors, 1)
	assert.Equal(t, KindUnreadable, rep.Errors[0].Kind)
}

func TestLuaRunClasses(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		script string
		ctx    func() (context.Context, context.CancelFunc)
		want   unit.Class
	}{
		{name: "ok", script: okScript, want: unit.ClassOK},
		{name: "returned message", script: "function run() return 'upstream 502' end", want: unit.ClassFailed},
		{name: "lua error", script: "function run() error('boom') end", want: unit.ClassFailed},
		{name: "fatal", script: "function run() host.fatal('token revoked') end", want: unit.ClassFatal},
		{
			name:   "interrupted",
			script: "function run() host.sleep(5) end",
			ctx: func() (context.Context, context.CancelFunc) {
				return context.WithTimeout(context.Background(), 50*time.Millisecond)
			},
			want: unit.ClassInterrupted,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			writeBundle(t, dir, "p.zip", map[string]bundleFile{
				"plugin.yaml": {body: luaManifest("demo.P", true, 1)},
				"main.lua":    {body: tt.script},
			})
			units, err := newTestLoader(t).Load(context.Background(), dir)
			require.NoError(t, err)

			ctx, cancel := context.Background(), context.CancelFunc(func() {})
			if tt.ctx != nil {
				ctx, cancel = tt.ctx()
			}
			defer cancel()
			got := unit.Classify(units["demo.P"].Run(ctx))
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLuaSandboxBlocksFileAccess(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeBundle(t, dir, "p.zip", map[string]bundleFile{
		"plugin.yaml": {body: luaManifest("demo.Sandbox", false, 0)},
		"main.lua":    {body: "function run() if io ~= nil or os ~= nil or dofile ~= nil then return 'escaped' end end"},
	})
	units, err := newTestLoader(t).Load(context.Background(), dir)
	require.NoError(t, err)
	assert.NoError(t, units["demo.Sandbox"].Run(context.Background()))
}

func TestExecRunClasses(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts")
	}
	t.Parallel()
	tests := []struct {
		name      string
		script    string
		timeout   time.Duration
		waitDelay time.Duration
		want      unit.Class
	}{
		{name: "ok", script: "#!/bin/sh\necho \"hello $GREETING\"\nexit 0\n", want: unit.ClassOK},
		{name: "fatal code", script: "#!/bin/sh\necho broken >&2\nexit 70\n", want: unit.ClassFatal},
		{name: "recoverable", script: "#!/bin/sh\nexit 3\n", want: unit.ClassFailed},
		{name: "interrupted", script: "#!/bin/sh\nexec sleep 5\n", timeout: 100 * time.Millisecond, want: unit.ClassInterrupted},
		{name: "background child keeps output open", script: "#!/bin/sh\nsleep 3 &\necho done\nexit 0\n", waitDelay: 100 * time.Millisecond, want: unit.ClassOK},
		{name: "missing interpreter", script: "#!/nonexistent/sh\nexit 0\n", want: unit.ClassFatal},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			writeBundle(t, dir, "sh.zip", map[string]bundleFile{
				"plugin.yaml": {body: "apiVersion: plughost/v1\nkind: Plugin\nname: demo.Sh\nentry: bin/run.sh\nruntime: exec\nenv:\n  GREETING: world\n"},
				"bin/run.sh":  {body: tt.script, mode: 0o755},
			})
			l := newTestLoader(t)
			if tt.waitDelay > 0 {
				l = New(Config{WorkDir: filepath.Join(t.TempDir(), "work")}, logx.Nop(), &ExecRuntime{WaitDelay: tt.waitDelay})
			}
			units, err := l.Load(context.Background(), dir)
			require.NoError(t, err)

			ctx := context.Background()
			if tt.timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, tt.timeout)
				defer cancel()
			}
			u := units["demo.Sh"]
			assert.Equal(t, tt.want, unit.Classify(u.Run(ctx)))
			require.NoError(t, u.(unit.Closer).Close())
		})
	}
}

func TestLuaInitLoopIsContained(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeBundle(t, dir, "a-good.zip", map[string]bundleFile{
		"plugin.yaml": {body: luaManifest("demo.Good", true, 1)},
		"main.lua":    {body: okScript},
	})
	writeBundle(t, dir, "b-spin.zip", map[string]bundleFile{
		"plugin.yaml": {body: luaManifest("demo.Spin", true, 1)},
		"main.lua":    {body: "while true do end\n" + okScript},
	})
	l := New(Config{WorkDir: filepath.Join(t.TempDir(), "work")}, logx.Nop(), &LuaRuntime{InitTimeout: 100 * time.Millisecond})

	type result struct {
		rep *Report
		err error
	}
	done := make(chan result, 1)
	go func() {
		rep, err := l.Scan(context.Background(), dir)
		done <- result{rep, err}
	}()
	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, []string{"demo.Good"}, keys(r.rep.Units))
		require.Len(t, r.rep.Errors, 1)
		assert.Equal(t, KindNoImplementation, r.rep.Errors[0].Kind)
		assert.Equal(t, "b-spin.zip", r.rep.Errors[0].Artifact)
	case <-time.After(5 * time.Second):
		t.Fatal("scan blocked on a looping top-level chunk")
	}
}

func TestScanStopsOnCancel(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeBundle(t, dir, "spin.zip", map[string]bundleFile{
		"plugin.yaml": {body: luaManifest("demo.Spin", true, 1)},
		"main.lua":    {body: "while true do end\n"},
	})
	l := New(Config{WorkDir: filepath.Join(t.TempDir(), "work")}, logx.Nop(), &LuaRuntime{InitTimeout: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := l.Scan(ctx, dir)
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("scan ignored cancellation")
	}
}

func TestScanDefaultWorkDirFollowsScannedDir(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts")
	}
	t.Parallel()
	l := New(Config{}, logx.Nop())
	for _, dir := range []string{t.TempDir(), t.TempDir()} {
		writeBundle(t, dir, "sh.zip", map[string]bundleFile{
			"plugin.yaml": {body: "apiVersion: plughost/v1\nkind: Plugin\nname: demo.Sh\nentry: run.sh\nruntime: exec\n"},
			"run.sh":      {body: "#!/bin/sh\nexit 0\n", mode: 0o755},
		})
		units, err := l.Load(context.Background(), dir)
		require.NoError(t, err)
		eu, ok := units["demo.Sh"].(*execUnit)
		require.True(t, ok)
		assert.Equal(t, filepath.Join(dir, ".work"), filepath.Dir(eu.dir))
		require.NoError(t, eu.Close())
	}
}

func TestManifestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body string
		ok   bool
	}{
		{name: "valid", body: luaManifest("a.b", true, 1), ok: true},
		{name: "schedule instead of timeout", body: "apiVersion: plughost/v1\nkind: Plugin\nname: a\nentry: x.lua\nrepeatable: true\nschedule: '@every 10s'\n", ok: true},
		{name: "bad api", body: "apiVersion: v0\nkind: Plugin\nname: a\nentry: x.lua\n"},
		{name: "bad name", body: "apiVersion: plughost/v1\nkind: Plugin\nname: 'a b'\nentry: x.lua\n"},
		{name: "no entry", body: "apiVersion: plughost/v1\nkind: Plugin\nname: a\n"},
		{name: "repeatable no timeout", body: "apiVersion: plughost/v1\nkind: Plugin\nname: a\nentry: x.lua\nrepeatable: true\n"},
		{name: "bad schedule", body: "apiVersion: plughost/v1\nkind: Plugin\nname: a\nentry: x.lua\nrepeatable: true\nschedule: nope\n"},
		{name: "bad run timeout", body: "apiVersion: plughost/v1\nkind: Plugin\nname: a\nentry: x.lua\nrun_timeout: soon\n"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m, err := DecodeManifest("plugin.yaml", []byte(tt.body))
			require.NoError(t, err)
			err = m.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func keys(m map[string]unit.Unit) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
