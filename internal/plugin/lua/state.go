// Package lua runs Lua scripts as dispatcher listeners.
//
// Each script gets its own sandboxed interpreter: io, os, debug and
// package loading are unavailable, and file or string loaders are removed.
// Events arrive as calls to a global function named after the event, with
// dots replaced by underscores, or to on_event when none exists. Variables
// arrive as global assignments followed by an optional on_variable call.
//
// A script sees a host module named tvsync:
//
//	tvsync.name          -- the listener name
//	tvsync.log(msg)      -- write to the host log at INFO
//	tvsync.debug(msg)    -- write to the host log at DEBUG
package lua

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	glua "github.com/yuin/gopher-lua"
)

// DefaultCallTimeout bounds each script call.
const DefaultCallTimeout = time.Second

// Errors for Lua state operations.
var (
	// ErrStateClosed is returned when operating on a closed state.
	ErrStateClosed = errors.New("lua state is closed")

	// ErrNotFunction is returned when calling a global that is not a
	// function.
	ErrNotFunction = errors.New("not a function")
)

// State is a sandboxed interpreter. gopher-lua states are not
// goroutine-safe, so every access goes through the mutex.
type State struct {
	mu      sync.Mutex
	ls      *glua.LState
	timeout time.Duration
	closed  bool
}

// NewState creates a sandboxed state. A non-positive timeout disables the
// per-call deadline.
func NewState(timeout time.Duration) *State {
	L := glua.NewState(glua.Options{SkipOpenLibs: true})
	openSafeLibraries(L)
	installSandbox(L)
	return &State{ls: L, timeout: timeout}
}

// openSafeLibraries opens only the libraries without host access.
func openSafeLibraries(L *glua.LState) {
	for _, lib := range []struct {
		name string
		fn   glua.LGFunction
	}{
		{glua.LoadLibName, glua.OpenPackage},
		{glua.BaseLibName, glua.OpenBase},
		{glua.TabLibName, glua.OpenTable},
		{glua.StringLibName, glua.OpenString},
		{glua.MathLibName, glua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.fn))
		L.Push(glua.LString(lib.name))
		L.Call(1, 0)
	}
}

// installSandbox removes loaders and restricts require to the libraries
// already opened.
func installSandbox(L *glua.LState) {
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring"} {
		L.SetGlobal(name, glua.LNil)
	}

	if pkg, ok := L.GetGlobal("package").(*glua.LTable); ok {
		L.SetField(pkg, "path", glua.LString(""))
		L.SetField(pkg, "cpath", glua.LString(""))
	}

	allowed := map[string]bool{"string": true, "table": true, "math": true}
	require := L.GetGlobal("require")
	L.SetGlobal("require", L.NewFunction(func(L *glua.LState) int {
		name := L.CheckString(1)
		if !allowed[name] {
			L.RaiseError("module %q is not available", name)
			return 0
		}
		L.Push(require)
		L.Push(glua.LString(name))
		L.Call(1, 1)
		return 1
	}))
}

// DoString executes a chunk.
func (s *State) DoString(ctx context.Context, code string) error {
	return s.run(ctx, func() error { return s.ls.DoString(code) })
}

// DoFile executes a script file. The file is read by the host; scripts
// themselves cannot load files.
func (s *State) DoFile(ctx context.Context, path string) error {
	return s.run(ctx, func() error { return s.ls.DoFile(path) })
}

// Call calls the global function fn. ok is false when fn is not defined.
func (s *State) Call(ctx context.Context, fn string, args ...glua.LValue) (ok bool, err error) {
	err = s.run(ctx, func() error {
		v := s.ls.GetGlobal(fn)
		if v == glua.LNil {
			return nil
		}
		if v.Type() != glua.LTFunction {
			return fmt.Errorf("%q: %w (got %s)", fn, ErrNotFunction, v.Type())
		}
		ok = true
		return s.ls.CallByParam(glua.P{Fn: v, NRet: 0, Protect: true}, args...)
	})
	return ok, err
}

// HasFunction reports whether the global fn is a function.
func (s *State) HasFunction(fn string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	return s.ls.GetGlobal(fn).Type() == glua.LTFunction
}

// SetGlobal assigns a global.
func (s *State) SetGlobal(name string, value glua.LValue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStateClosed
	}
	s.ls.SetGlobal(name, value)
	return nil
}

// SetGlobalValue converts v with ToLValue and assigns it as a global. It
// returns the converted value.
func (s *State) SetGlobalValue(name string, v any) (glua.LValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return glua.LNil, ErrStateClosed
	}
	lv := ToLValue(s.ls, v)
	s.ls.SetGlobal(name, lv)
	return lv, nil
}

// GetGlobal returns a global, or LNil on a closed state.
func (s *State) GetGlobal(name string) glua.LValue {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return glua.LNil
	}
	return s.ls.GetGlobal(name)
}

// RegisterModule installs a global table of Go functions plus fields.
func (s *State) RegisterModule(name string, funcs map[string]glua.LGFunction, fields map[string]glua.LValue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStateClosed
	}
	mod := s.ls.SetFuncs(s.ls.NewTable(), funcs)
	for k, v := range fields {
		s.ls.SetField(mod, k, v)
	}
	s.ls.SetGlobal(name, mod)
	return nil
}

// Close releases the interpreter.
func (s *State) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.ls.Close()
}

// run executes fn under the lock with the call deadline installed and
// converts interpreter panics into errors.
func (s *State) run(ctx context.Context, fn func() error) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStateClosed
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	s.ls.SetContext(ctx)
	defer s.ls.RemoveContext()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()
	return fn()
}
