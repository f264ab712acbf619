package transport

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

var (
	errOverflow = errors.New("overflow")
	errDoFail   = errors.New("do fail")
)

func TestAsyncWorkerSuccess(t *testing.T) {
	var done atomic.Int64
	var after atomic.Int64
	w := NewAsyncWorker(context.Background(), 4, func(i int) error {
		done.Add(1)
		return nil
	}, Hooks[int]{OnAfter: func(int) { after.Add(1) }})
	defer w.Close()
	for i := 0; i < 3; i++ {
		if err := w.Send(i); err != nil {
			t.Fatalf("unexpected send error: %v", err)
		}
	}
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) && done.Load() < 3 {
		time.Sleep(5 * time.Millisecond)
	}
	if done.Load() != 3 || after.Load() != 3 {
		t.Fatalf("expected 3 done & after, got done=%d after=%d", done.Load(), after.Load())
	}
}

func TestAsyncWorkerOverflow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var drops atomic.Int64
	w := NewAsyncWorker(ctx, 1, func(string) error { time.Sleep(150 * time.Millisecond); return nil },
		Hooks[string]{OnDrop: func(string) error { drops.Add(1); return errOverflow }})
	defer w.Close()
	if err := w.Send("a"); err != nil {
		t.Fatalf("unexpected error enqueue first: %v", err)
	}
	if err := w.Send("b"); !errors.Is(err, errOverflow) {
		t.Fatalf("expected overflow error, got %v", err)
	}
	if drops.Load() != 1 {
		t.Fatalf("expected 1 drop, got %d", drops.Load())
	}
}

func TestAsyncWorkerDoError(t *testing.T) {
	var errs atomic.Int64
	w := NewAsyncWorker(context.Background(), 2, func(int) error { return errDoFail },
		Hooks[int]{OnError: func(int, error) { errs.Add(1) }})
	defer w.Close()
	_ = w.Send(1)
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) && errs.Load() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if errs.Load() == 0 {
		t.Fatalf("expected error hook invocation")
	}
}

func TestAsyncWorkerSendAfterClose(t *testing.T) {
	w := NewAsyncWorker(context.Background(), 2, func(int) error { return nil }, Hooks[int]{})
	w.Close()
	if err := w.Send(1); !errors.Is(err, ErrAsyncClosed) {
		t.Fatalf("expected ErrAsyncClosed, got %v", err)
	}
}

func TestAsyncWorkerCloseConcurrentSend(t *testing.T) {
	for i := 0; i < 50; i++ {
		w := NewAsyncWorker(context.Background(), 1, func(int) error { return nil }, Hooks[int]{})
		done := make(chan error, 1)
		go func() { done <- w.Send(1) }()
		time.Sleep(time.Millisecond)
		w.Close()
		if err := <-done; err != nil && !errors.Is(err, ErrAsyncClosed) {
			t.Fatalf("iteration %d: unexpected send error %v", i, err)
		}
	}
}
