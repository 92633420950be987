package background

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoRunsDetachedFromCaller(t *testing.T) {
	e := New(nil, 4, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var sawCancel atomic.Bool
	e.Go(ctx, "write", func(ctx context.Context) error {
		if ctx.Err() != nil {
			sawCancel.Store(true)
		}
		return nil
	})
	e.Wait()
	if sawCancel.Load() {
		t.Fatal("task context must not inherit caller cancellation")
	}
}

func TestFailuresAndPanicsAreContained(t *testing.T) {
	e := New(nil, 4, time.Second)
	e.Go(context.Background(), "fails", func(context.Context) error { return errors.New("boom") })
	e.Go(context.Background(), "panics", func(context.Context) error { panic("kaboom") })
	e.Wait()
	st := e.Stats()
	if st.Started != 2 || st.Failed != 2 || st.Panicked != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestSaturationDrops(t *testing.T) {
	e := New(nil, 1, time.Second)
	release := make(chan struct{})
	if !e.Go(context.Background(), "blocker", func(context.Context) error {
		<-release
		return nil
	}) {
		t.Fatal("expected first task to be accepted")
	}
	if e.Go(context.Background(), "extra", func(context.Context) error { return nil }) {
		t.Fatal("expected saturated executor to drop")
	}
	close(release)
	e.Wait()
	if e.Stats().Dropped != 1 {
		t.Fatalf("expected one drop, got %+v", e.Stats())
	}
}

func TestTaskTimeout(t *testing.T) {
	e := New(nil, 1, 20*time.Millisecond)
	var deadline atomic.Bool
	e.Go(context.Background(), "slow", func(ctx context.Context) error {
		<-ctx.Done()
		deadline.Store(errors.Is(ctx.Err(), context.DeadlineExceeded))
		return ctx.Err()
	})
	e.Wait()
	if !deadline.Load() {
		t.Fatal("expected task deadline to fire")
	}
}

func TestShutdown(t *testing.T) {
	e := New(nil, 2, time.Second)
	e.Go(context.Background(), "quick", func(context.Context) error { return nil })
	if err := e.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if e.Go(context.Background(), "late", func(context.Context) error { return nil }) {
		t.Fatal("expected closed executor to refuse work")
	}

	stuck := New(nil, 1, time.Minute)
	block := make(chan struct{})
	defer close(block)
	stuck.Go(context.Background(), "stuck", func(context.Context) error {
		<-block
		return nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := stuck.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected shutdown deadline, got %v", err)
	}
}
