package lua

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	glua "github.com/yuin/gopher-lua"

	"github.com/dshills/tvsync/internal/listener"
)

func mustLoad(t *testing.T, code string, opts ...Option) *Listener {
	t.Helper()
	ls, err := LoadString(context.Background(), "test", code, opts...)
	if err != nil {
		t.Fatalf("LoadString() failed: %v", err)
	}
	t.Cleanup(ls.Close)
	return ls
}

func global(ls *Listener, name string) string {
	return ls.State().GetGlobal(name).String()
}

func TestListener_InvokeNamedFunction(t *testing.T) {
	ls := mustLoad(t, `
calls = ""
function ready() calls = calls .. "ready;" end
function queue_changed() calls = calls .. "changed;" end
function on_event(name) calls = calls .. "other:" .. name .. ";" end
`)
	ctx := context.Background()
	for _, ev := range []listener.Event{listener.EventReady, "queue.changed", "media.paused"} {
		if err := ls.Invoke(ctx, ev); err != nil {
			t.Fatalf("Invoke(%s) failed: %v", ev, err)
		}
	}
	if got, want := global(ls, "calls"), "ready;changed;other:media.paused;"; got != want {
		t.Errorf("calls = %q, want %q", got, want)
	}
}

func TestListener_UnhandledEventIsIgnored(t *testing.T) {
	ls := mustLoad(t, `x = 1`)
	if err := ls.Invoke(context.Background(), "anything"); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestListener_SetField(t *testing.T) {
	ls := mustLoad(t, `
seen = ""
function on_variable(name, value) seen = name .. "=" .. tostring(value) end
`)
	if err := ls.SetField(context.Background(), "queue.length", 3); err != nil {
		t.Fatalf("SetField() failed: %v", err)
	}
	if got := global(ls, "queue_length"); got != "3" {
		t.Errorf("queue_length = %q", got)
	}
	if got := global(ls, "seen"); got != "queue.length=3" {
		t.Errorf("seen = %q", got)
	}
}

func TestListener_ConcurrentFields(t *testing.T) {
	ls := mustLoad(t, `
total = 0
function on_variable(name, value) total = total + value.Pos end
`)
	type entry struct{ Pos int }

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				if err := ls.SetField(ctx, "queue.entry", entry{Pos: 1}); err != nil {
					t.Errorf("SetField() failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
	if got := global(ls, "total"); got != "200" {
		t.Errorf("total = %q, want 200", got)
	}
}

func TestListener_ScriptErrorSurfaces(t *testing.T) {
	ls := mustLoad(t, `function ready() error("boom") end`)
	d := listener.New()
	if _, err := d.Register(ls, 0); err != nil {
		t.Fatal(err)
	}

	results := d.Start(context.Background())
	if len(results) != 1 {
		t.Fatalf("expected one result, got %d", len(results))
	}
	if !results[0].IsError() || !strings.Contains(results[0].Error.Error(), "boom") {
		t.Errorf("expected script error in result, got %+v", results[0])
	}
}

func TestListener_NotAFunction(t *testing.T) {
	ls := mustLoad(t, `ready = 5`)
	err := ls.Invoke(context.Background(), listener.EventReady)
	if !errors.Is(err, ErrNotFunction) {
		t.Errorf("expected ErrNotFunction, got %v", err)
	}
}

func TestListener_Timeout(t *testing.T) {
	ls := mustLoad(t, `function ready() while true do end end`, WithCallTimeout(50*time.Millisecond))

	start := time.Now()
	err := ls.Invoke(context.Background(), listener.EventReady)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout took %v", elapsed)
	}

	// The state stays usable after an interrupted call.
	if err := ls.State().DoString(context.Background(), `y = 2`); err != nil {
		t.Errorf("state unusable after timeout: %v", err)
	}
}

func TestState_Sandbox(t *testing.T) {
	ls := mustLoad(t, `x = 1`)
	ctx := context.Background()

	for _, name := range []string{"io", "os", "debug", "dofile", "loadfile", "load", "loadstring"} {
		if v := ls.State().GetGlobal(name); v != glua.LNil {
			t.Errorf("%s should be nil, got %s", name, v.Type())
		}
	}
	if err := ls.State().DoString(ctx, `require("os")`); err == nil {
		t.Error("require(\"os\") should fail")
	}
	if err := ls.State().DoString(ctx, `s = require("string").upper("ok")`); err != nil {
		t.Errorf("require(\"string\") failed: %v", err)
	}
	if got := global(ls, "s"); got != "OK" {
		t.Errorf("s = %q", got)
	}
}

func TestState_Closed(t *testing.T) {
	s := NewState(0)
	s.Close()
	s.Close()
	if err := s.DoString(context.Background(), `x = 1`); !errors.Is(err, ErrStateClosed) {
		t.Errorf("expected ErrStateClosed, got %v", err)
	}
	if _, err := s.Call(context.Background(), "f"); !errors.Is(err, ErrStateClosed) {
		t.Errorf("expected ErrStateClosed, got %v", err)
	}
	if _, err := s.SetGlobalValue("x", 1); !errors.Is(err, ErrStateClosed) {
		t.Errorf("expected ErrStateClosed, got %v", err)
	}
	if s.HasFunction("f") {
		t.Error("closed state should have no functions")
	}
}

func TestHostModule(t *testing.T) {
	ls := mustLoad(t, `
name = tvsync.name
tvsync.log("hello")
tvsync.debug("details")
`)
	if got := global(ls, "name"); got != "test" {
		t.Errorf("tvsync.name = %q", got)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "counter.lua")
	if err := os.WriteFile(path, []byte(`count = 0
function on_event(name) count = count + 1 end
`), 0o644); err != nil {
		t.Fatal(err)
	}
	ls, err := LoadFile(context.Background(), path)
	if err != nil {
		t.Fatalf("LoadFile() failed: %v", err)
	}
	defer ls.Close()

	if ls.Name() != "counter" || ls.String() != "lua:counter" {
		t.Errorf("unexpected name %q / %q", ls.Name(), ls.String())
	}
	ls.Invoke(context.Background(), "a")
	ls.Invoke(context.Background(), "b")
	if got := global(ls, "count"); got != "2" {
		t.Errorf("count = %q", got)
	}

	if _, err := LoadFile(context.Background(), filepath.Join(t.TempDir(), "missing.lua")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadString_SyntaxError(t *testing.T) {
	if _, err := LoadString(context.Background(), "bad", `function (`); err == nil {
		t.Error("expected syntax error")
	}
}

func TestToLValue(t *testing.T) {
	L := glua.NewState()
	defer L.Close()

	type entry struct {
		Title string
		Pos   int
		note  string
	}

	tests := []struct {
		name string
		in   any
		want string
	}{
		{"nil", nil, "nil"},
		{"bool", true, "true"},
		{"int", 42, "42"},
		{"uint", uint8(7), "7"},
		{"float", 1.5, "1.5"},
		{"string", "hi", "hi"},
		{"duration", 2 * time.Second, "2s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ToLValue(L, tt.in).String(); got != tt.want {
				t.Errorf("ToLValue(%v) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}

	seq, ok := ToLValue(L, []string{"a", "b"}).(*glua.LTable)
	if !ok || seq.Len() != 2 || seq.RawGetInt(2).String() != "b" {
		t.Errorf("unexpected slice conversion %v", seq)
	}

	m, ok := ToLValue(L, map[string]any{"n": 1}).(*glua.LTable)
	if !ok || m.RawGetString("n").String() != "1" {
		t.Errorf("unexpected map conversion %v", m)
	}

	st, ok := ToLValue(L, &entry{Title: "x", Pos: 2, note: "hidden"}).(*glua.LTable)
	if !ok || st.RawGetString("Title").String() != "x" || st.RawGetString("note") != glua.LNil {
		t.Errorf("unexpected struct conversion %v", st)
	}
}
