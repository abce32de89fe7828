package dispatch

import (
	"context"
	"errors"
	"testing"
)

func TestExecutor_Success(t *testing.T) {
	e := NewExecutor()

	r := e.Execute(context.Background(), "a", func(ctx context.Context) error { return nil })
	if !r.IsSuccess() {
		t.Errorf("expected success, got %+v", r)
	}
	if r.Target != "a" {
		t.Errorf("expected target to be recorded, got %v", r.Target)
	}
}

func TestExecutor_Error(t *testing.T) {
	e := NewExecutor()
	boom := errors.New("boom")

	r := e.Execute(context.Background(), "a", func(ctx context.Context) error { return boom })
	if !r.IsError() || !errors.Is(r.Error, boom) {
		t.Errorf("expected error result wrapping boom, got %+v", r)
	}
}

func TestExecutor_PanicRecovered(t *testing.T) {
	var gotTarget, gotValue any
	e := NewExecutor(WithPanicHandler(func(target, value any, stack []byte) {
		gotTarget, gotValue = target, value
		if len(stack) == 0 {
			t.Error("expected a stack trace")
		}
	}))

	r := e.Execute(context.Background(), "a", func(ctx context.Context) error { panic("kaboom") })
	if !r.IsPanic() {
		t.Fatalf("expected panic result, got %+v", r)
	}
	if !errors.Is(r.Error, ErrPanicked) {
		t.Errorf("expected ErrPanicked, got %v", r.Error)
	}
	if gotTarget != "a" || gotValue != "kaboom" {
		t.Errorf("panic handler got (%v, %v)", gotTarget, gotValue)
	}
}

func TestExecutor_PanickingPanicHandler(t *testing.T) {
	e := NewExecutor(WithPanicHandler(func(any, any, []byte) { panic("again") }))

	r := e.Execute(context.Background(), "a", func(ctx context.Context) error { panic("first") })
	if !r.IsPanic() {
		t.Errorf("expected panic result, got %+v", r)
	}
}

func TestExecutor_Stats(t *testing.T) {
	e := NewExecutor()
	ctx := context.Background()

	e.Execute(ctx, 1, func(context.Context) error { return nil })
	e.Execute(ctx, 2, func(context.Context) error { return errors.New("x") })
	e.Execute(ctx, 3, func(context.Context) error { panic("y") })

	s := e.Stats()
	if s.Executed != 3 || s.Succeeded != 1 || s.Failed != 1 || s.Panicked != 1 {
		t.Errorf("unexpected stats %+v", s)
	}
}
