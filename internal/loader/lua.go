package loader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"plughost/internal/unit"
	logx "plughost/pkg/logx"
)

const (
	maxScriptBytes = 1 << 20
	// DefaultInitTimeout bounds the top-level chunk run at load time.
	DefaultInitTimeout = 5 * time.Second
)

// unsafe base-library globals removed from every plugin state.
var luaBlocked = []string{"dofile", "loadfile", "load", "loadstring", "require", "module", "collectgarbage"}

// LuaRuntime runs plugins as sandboxed gopher-lua scripts.
//
// A script defines a global function run(). It may return a string to report
// a recoverable failure. The host table exposes:
//
//	host.name()          -> plugin identity
//	host.log(msg)        -> info log line
//	host.env(key)        -> manifest env value or nil
//	host.sleep(seconds)  -> cancellable sleep
//	host.fatal(msg)      -> abort the run; the plugin is removed
type LuaRuntime struct {
	Log logx.Logger
	// InitTimeout bounds the script's top-level chunk. Default DefaultInitTimeout.
	InitTimeout time.Duration
}

func (r *LuaRuntime) Name() string { return "lua" }

func (r *LuaRuntime) Resolve(b *Bundle, m *Manifest) (Constructor, error) {
	src, err := b.ReadFile(m.EntryPath(), maxScriptBytes)
	if err != nil {
		return nil, err
	}
	// Parse and compile only; nothing executes until the constructor runs.
	chunk, err := parse.Parse(bytes.NewReader(src), m.EntryPath())
	if err != nil {
		return nil, fmt.Errorf("lua parse: %w", err)
	}
	proto, err := lua.Compile(chunk, m.EntryPath())
	if err != nil {
		return nil, fmt.Errorf("lua compile: %w", err)
	}
	log := r.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	initTimeout := r.InitTimeout
	if initTimeout <= 0 {
		initTimeout = DefaultInitTimeout
	}
	return func(ctx context.Context) (unit.Unit, error) {
		ictx, cancel := context.WithTimeout(ctx, initTimeout)
		defer cancel()
		return newLuaUnit(ictx, m, proto, log.With(logx.String("plugin", m.Name)))
	}, nil
}

type luaUnit struct {
	manifestUnit
	log logx.Logger

	mu    sync.Mutex
	L     *lua.LState
	run   *lua.LFunction
	fatal string
}

func newLuaUnit(ctx context.Context, m *Manifest, proto *lua.FunctionProto, log logx.Logger) (*luaUnit, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
	for _, name := range luaBlocked {
		L.SetGlobal(name, lua.LNil)
	}

	u := &luaUnit{manifestUnit: manifestUnit{m: m}, log: log, L: L}
	u.installHost()

	L.SetContext(ctx)
	L.Push(L.NewFunctionFromProto(proto))
	err := L.PCall(0, lua.MultRet, nil)
	L.RemoveContext()
	if err != nil {
		L.Close()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("lua init: %w", ctx.Err())
		}
		return nil, fmt.Errorf("lua init: %w", err)
	}
	fn, ok := L.GetGlobal("run").(*lua.LFunction)
	if !ok {
		L.Close()
		return nil, errors.New("lua: global function run() not defined")
	}
	u.run = fn
	return u, nil
}

func (u *luaUnit) installHost() {
	L := u.L
	host := L.NewTable()
	L.SetFuncs(host, map[string]lua.LGFunction{
		"name": func(L *lua.LState) int {
			L.Push(lua.LString(u.m.Name))
			return 1
		},
		"log": func(L *lua.LState) int {
			u.log.Info("plugin.log", logx.String("msg", L.CheckString(1)))
			return 0
		},
		"env": func(L *lua.LState) int {
			v, ok := u.m.Env[L.CheckString(1)]
			if !ok {
				L.Push(lua.LNil)
				return 1
			}
			L.Push(lua.LString(v))
			return 1
		},
		"sleep": func(L *lua.LState) int {
			d := time.Duration(float64(L.CheckNumber(1)) * float64(time.Second))
			ctx := L.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				L.RaiseError("interrupted: %v", ctx.Err())
			case <-t.C:
			}
			return 0
		},
		"fatal": func(L *lua.LState) int {
			u.fatal = L.OptString(1, "fatal")
			L.RaiseError("fatal: %s", u.fatal)
			return 0
		},
	})
	L.SetGlobal("host", host)
}

func (u *luaUnit) Run(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.L == nil || u.L.IsClosed() {
		return unit.Fatal(errors.New("lua state closed"))
	}

	u.fatal = ""
	u.L.SetContext(ctx)
	defer u.L.RemoveContext()

	err := u.L.CallByParam(lua.P{Fn: u.run, NRet: 1, Protect: true})
	if u.fatal != "" {
		return unit.Fatal(errors.New(u.fatal))
	}
	if err != nil {
		if ctx.Err() != nil {
			return unit.Interrupted(ctx.Err())
		}
		return fmt.Errorf("lua: %w", err)
	}
	ret := u.L.Get(-1)
	u.L.Pop(1)
	if s, ok := ret.(lua.LString); ok && s != "" {
		return errors.New(string(s))
	}
	return nil
}

// Close releases the interpreter. A state still running is left to process exit.
func (u *luaUnit) Close() error {
	if !u.mu.TryLock() {
		return nil
	}
	defer u.mu.Unlock()
	if u.L != nil && !u.L.IsClosed() {
		u.L.Close()
	}
	return nil
}
