package bus

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestEmitNoListenersCompletes(t *testing.T) {
	b := New(nil)
	b.Emit(context.Background(), MessageInbound, "hello")
}

func TestEmitFansOutInParallel(t *testing.T) {
	b := New(nil)
	var calls int32
	for i := 0; i < 5; i++ {
		b.On(MessageInbound, func(ctx context.Context, payload any) error {
			atomic.AddInt32(&calls, 1)
			return nil
		})
	}
	b.Emit(context.Background(), MessageInbound, "x")
	if got := atomic.LoadInt32(&calls); got != 5 {
		t.Fatalf("expected 5 calls, got %d", got)
	}
}

func TestEmitHandlerErrorDoesNotAffectSiblings(t *testing.T) {
	b := New(nil)
	var ok int32
	b.On(MessageInbound, func(ctx context.Context, payload any) error {
		return errors.New("boom")
	})
	b.On(MessageInbound, func(ctx context.Context, payload any) error {
		atomic.AddInt32(&ok, 1)
		return nil
	})
	b.Emit(context.Background(), MessageInbound, "x")
	if atomic.LoadInt32(&ok) != 1 {
		t.Fatal("sibling handler should still have run")
	}
}

func TestEmitHandlerTimeoutDoesNotDelayOthers(t *testing.T) {
	b := New(nil)
	b.SetHandlerTimeout(20 * time.Millisecond)

	b.On(MessageInbound, func(ctx context.Context, payload any) error {
		<-ctx.Done()
		return ctx.Err()
	})
	var fast int32
	b.On(MessageInbound, func(ctx context.Context, payload any) error {
		atomic.AddInt32(&fast, 1)
		return nil
	})

	start := time.Now()
	b.Emit(context.Background(), MessageInbound, "x")
	elapsed := time.Since(start)

	if atomic.LoadInt32(&fast) != 1 {
		t.Fatal("fast handler should have completed")
	}
	if elapsed > 200*time.Millisecond {
		t.Fatalf("emit took too long: %v", elapsed)
	}
}

func TestOffRemovesHandler(t *testing.T) {
	b := New(nil)
	var calls int32
	sub := b.On(MessageInbound, func(ctx context.Context, payload any) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	b.Off(sub)
	b.Emit(context.Background(), MessageInbound, "x")
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatal("handler should have been removed")
	}
}

func TestListenerCountAndClear(t *testing.T) {
	b := New(nil)
	if b.ListenerCount(MessageInbound) != 0 {
		t.Fatal("expected 0 listeners")
	}
	b.On(MessageInbound, func(ctx context.Context, payload any) error { return nil })
	b.On(MessageInbound, func(ctx context.Context, payload any) error { return nil })
	if b.ListenerCount(MessageInbound) != 2 {
		t.Fatal("expected 2 listeners")
	}
	b.Clear()
	if b.ListenerCount(MessageInbound) != 0 {
		t.Fatal("expected 0 listeners after Clear")
	}
}
