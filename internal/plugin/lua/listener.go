package lua

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	glua "github.com/yuin/gopher-lua"

	"github.com/dshills/tvsync/internal/listener"
	"github.com/dshills/tvsync/internal/logging"
)

// Script hooks looked up when no function matches the event or variable.
const (
	fallbackEvent    = "on_event"
	fallbackVariable = "on_variable"
)

// Option configures a Listener.
type Option func(*Listener)

// WithLogger sets the logger scripts write to through tvsync.log.
func WithLogger(l *logging.Logger) Option {
	return func(ls *Listener) {
		ls.log = logging.OrNull(l)
	}
}

// WithCallTimeout bounds each script call.
func WithCallTimeout(d time.Duration) Option {
	return func(ls *Listener) {
		ls.timeout = d
	}
}

// WithName overrides the listener name.
func WithName(name string) Option {
	return func(ls *Listener) {
		ls.name = name
	}
}

// Listener is a Lua script exposed as a listener.Subscriber.
type Listener struct {
	name    string
	state   *State
	log     *logging.Logger
	timeout time.Duration
}

var _ listener.Subscriber = (*Listener)(nil)

func newListener(name string, opts []Option) *Listener {
	ls := &Listener{name: name, log: logging.Null(), timeout: DefaultCallTimeout}
	for _, opt := range opts {
		opt(ls)
	}
	ls.log = ls.log.WithComponent("lua").WithField("script", ls.name)
	ls.state = NewState(ls.timeout)
	ls.installHostModule()
	return ls
}

// LoadFile creates a listener from a script file. The listener is named
// after the file.
func LoadFile(ctx context.Context, path string, opts ...Option) (*Listener, error) {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	ls := newListener(name, opts)
	if err := ls.state.DoFile(ctx, path); err != nil {
		ls.Close()
		return nil, fmt.Errorf("load script %s: %w", path, err)
	}
	ls.log.Debug("loaded %s", path)
	return ls, nil
}

// LoadString creates a listener from source code.
func LoadString(ctx context.Context, name, code string, opts ...Option) (*Listener, error) {
	ls := newListener(name, opts)
	if err := ls.state.DoString(ctx, code); err != nil {
		ls.Close()
		return nil, fmt.Errorf("load script %s: %w", name, err)
	}
	return ls, nil
}

func (ls *Listener) installHostModule() {
	logAt := func(level logging.Level) glua.LGFunction {
		return func(L *glua.LState) int {
			msg := L.CheckString(1)
			switch level {
			case logging.LevelDebug:
				ls.log.Debug("%s", msg)
			default:
				ls.log.Info("%s", msg)
			}
			return 0
		}
	}
	ls.state.RegisterModule("tvsync", map[string]glua.LGFunction{
		"log":   logAt(logging.LevelInfo),
		"debug": logAt(logging.LevelDebug),
	}, map[string]glua.LValue{
		"name": glua.LString(ls.name),
	})
}

// Name returns the listener name.
func (ls *Listener) Name() string {
	return ls.name
}

// String returns the listener name.
func (ls *Listener) String() string {
	return "lua:" + ls.name
}

// State returns the interpreter.
func (ls *Listener) State() *State {
	return ls.state
}

// FunctionName returns the global a script defines to handle event.
// Dots become underscores, so queue.changed is handled by queue_changed.
func FunctionName(event listener.Event) string {
	return strings.ReplaceAll(string(event), ".", "_")
}

// Invoke calls the global function named after the event, or
// on_event(name) if there is none. Scripts handling neither ignore the
// event.
func (ls *Listener) Invoke(ctx context.Context, event listener.Event) error {
	fn := FunctionName(event)
	ok, err := ls.state.Call(ctx, fn)
	if err != nil {
		return fmt.Errorf("%s: %w", fn, err)
	}
	if ok {
		return nil
	}
	if _, err := ls.state.Call(ctx, fallbackEvent, glua.LString(event)); err != nil {
		return fmt.Errorf("%s: %w", fallbackEvent, err)
	}
	return nil
}

// SetField assigns the variable as a global, named the way FunctionName
// names events, and then calls on_variable(name, value) if the script
// defines it.
func (ls *Listener) SetField(ctx context.Context, field listener.Field, value any) error {
	lv, err := ls.state.SetGlobalValue(FunctionName(listener.Event(field)), value)
	if err != nil {
		return err
	}
	if _, err := ls.state.Call(ctx, fallbackVariable, glua.LString(field), lv); err != nil {
		return fmt.Errorf("%s: %w", fallbackVariable, err)
	}
	return nil
}

// Close releases the interpreter.
func (ls *Listener) Close() {
	ls.state.Close()
}
