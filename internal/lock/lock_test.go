package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/linnemanlabs/argus/internal/fault"
)

func TestLocal_TryLock(t *testing.T) {
	t.Parallel()

	l := NewLocal()
	ctx := context.Background()

	unlock, err := l.Acquire(ctx, "alert-1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := l.Acquire(ctx, "alert-1"); !errors.Is(err, ErrBusy) {
		t.Errorf("second Acquire err = %v, want ErrBusy", err)
	}

	other, err := l.Acquire(ctx, "alert-2")
	if err != nil {
		t.Fatalf("different key should not contend: %v", err)
	}
	_ = other(ctx)

	if err := unlock(ctx); err != nil {
		t.Fatal(err)
	}
	if l.Held("alert-1") {
		t.Error("key still held after unlock")
	}
	_ = unlock(ctx)

	again, err := l.Acquire(ctx, "alert-1")
	if err != nil {
		t.Fatalf("re-Acquire: %v", err)
	}

	// a stale unlock must not release the new holder
	_ = unlock(ctx)
	if !l.Held("alert-1") {
		t.Error("stale unlock released a newer holder")
	}
	_ = again(ctx)
}

func TestLocal_Contention(t *testing.T) {
	t.Parallel()

	l := NewLocal()
	var winners atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := l.Acquire(context.Background(), "hot"); err == nil {
				winners.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()
	if n := winners.Load(); n != 1 {
		t.Errorf("winners = %d, want 1", n)
	}
}

func TestErrBusy_IsInvalidState(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("acquire alert-1: %w", ErrBusy)
	if k := fault.KindOf(wrapped); k != fault.KindInvalidState {
		t.Errorf("KindOf = %s, want invalid_state", k)
	}
	if !errors.Is(wrapped, ErrBusy) {
		t.Error("wrapped error lost ErrBusy identity")
	}
	if errors.Is(fault.New(fault.KindInvalidState, "analysis.retry", "step is completed"), ErrBusy) {
		t.Error("unrelated invalid_state error matched ErrBusy")
	}
}
