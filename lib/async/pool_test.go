package async

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coachpo/meltica-bybit/errs"
)

func TestPoolRunsQueuedTasksBeforeShutdown(t *testing.T) {
	pool, err := NewPool(2, 8)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		if err := pool.Submit(context.Background(), func(context.Context) error {
			time.Sleep(time.Millisecond)
			ran.Add(1)
			return nil
		}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pool.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if ran.Load() != 5 {
		t.Fatalf("expected 5 tasks to run, got %d", ran.Load())
	}
	if err := pool.Submit(context.Background(), func(context.Context) error { return nil }); !errs.HasCode(err, errs.CodeUnavailable) {
		t.Fatalf("expected closed pool error, got %v", err)
	}
}

func TestPoolReportsErrorsAndPanics(t *testing.T) {
	var mu sync.Mutex
	var reported []error
	pool, err := NewPool(1, 4, WithErrorHandler(func(err error) {
		mu.Lock()
		reported = append(reported, err)
		mu.Unlock()
	}))
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	boom := errors.New("boom")
	_ = pool.Submit(context.Background(), func(context.Context) error { return boom })
	_ = pool.Submit(context.Background(), func(context.Context) error { panic("kaboom") })
	_ = pool.Submit(context.Background(), func(context.Context) error { return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pool.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(reported) != 2 || !errors.Is(reported[0], boom) {
		t.Fatalf("unexpected reported errors %v", reported)
	}
}

func TestPoolRejectsInvalidInput(t *testing.T) {
	if _, err := NewPool(0, 1); !errs.HasCode(err, errs.CodeInvalid) {
		t.Fatalf("expected invalid worker count error, got %v", err)
	}
	pool, err := NewPool(1, 0)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	defer pool.Close()
	if err := pool.Submit(context.Background(), nil); !errs.HasCode(err, errs.CodeInvalid) {
		t.Fatalf("expected nil task error, got %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := pool.Submit(ctx, func(context.Context) error { return nil }); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancelled submit, got %v", err)
	}
}

func TestPoolAtCapacity(t *testing.T) {
	pool, err := NewPool(1, 0)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	defer pool.Close()
	release := make(chan struct{})
	started := make(chan struct{})
	deadline := time.After(2 * time.Second)
	for {
		err := pool.Submit(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return nil
		})
		if err == nil {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("worker never accepted task: %v", err)
		default:
			time.Sleep(time.Millisecond)
		}
	}
	<-started
	if err := pool.Submit(context.Background(), func(context.Context) error { return nil }); !errs.HasCode(err, errs.CodeUnavailable) {
		t.Fatalf("expected capacity error, got %v", err)
	}
	close(release)
}

func TestPoolSubmitWaitBlocksForSpace(t *testing.T) {
	pool, err := NewPool(1, 1)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	var ran atomic.Int32
	for i := 0; i < 20; i++ {
		if err := pool.SubmitWait(context.Background(), context.Background(), func(context.Context) error {
			time.Sleep(time.Millisecond)
			ran.Add(1)
			return nil
		}); err != nil {
			t.Fatalf("SubmitWait %d: %v", i, err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pool.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if ran.Load() != 20 {
		t.Fatalf("expected 20 tasks to run, got %d", ran.Load())
	}
}

func TestPoolSubmitWaitHonoursDeadlineAndClose(t *testing.T) {
	pool, err := NewPool(1, 0)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	release := make(chan struct{})
	started := make(chan struct{})
	if err := pool.SubmitWait(context.Background(), context.Background(), func(context.Context) error {
		close(started)
		<-release
		return nil
	}); err != nil {
		t.Fatalf("SubmitWait: %v", err)
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := pool.SubmitWait(ctx, context.Background(), func(context.Context) error { return nil }); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- pool.SubmitWait(context.Background(), context.Background(), func(context.Context) error { return nil })
	}()
	time.Sleep(10 * time.Millisecond)
	pool.Close()
	select {
	case err := <-done:
		if !errs.HasCode(err, errs.CodeUnavailable) {
			t.Fatalf("expected closed pool error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("SubmitWait did not return after Close")
	}
	close(release)
}
