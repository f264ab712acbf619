//go:build linux

package eventloop

import (
	"testing"
	"time"
)

func TestLoopWakeupCoalesces(t *testing.T) {
	l, err := New(50_000) // 50ms tick, well above the test's wakeup race window
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	// Drain the initial immediate-expiration tick so only the wakeups are pending.
	_ = l.Wait()

	for i := 0; i < 5; i++ {
		if err := l.TriggerWakeup(); err != nil {
			t.Fatalf("TriggerWakeup: %v", err)
		}
	}
	res := l.Wait()
	if res.Source != SourceWakeup {
		t.Fatalf("expected SourceWakeup, got %v", res.Source)
	}
	l.FinishIteration(res.NextUS)

	done := make(chan Result, 1)
	go func() { done <- l.Wait() }()
	select {
	case r := <-done:
		if r.Source != SourceTimer {
			t.Fatalf("expected the coalesced wakeups to leave exactly one pending event, then fall through to the timer; got %v", r.Source)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("timed out waiting for timer tick")
	}
}

func TestLoopFinishIterationRetunesTimer(t *testing.T) {
	l, err := New(200_000) // 200ms base interval
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	// Drain the initial immediate-expiration tick.
	_ = l.Wait()
	start := time.Now()
	l.FinishIteration(5_000) // request a much earlier wake via next=5ms

	res := l.Wait()
	elapsed := time.Since(start)
	if res.Source != SourceTimer {
		t.Fatalf("expected SourceTimer, got %v", res.Source)
	}
	if elapsed > 100*time.Millisecond {
		t.Fatalf("expected the retuned timer to fire well before the 200ms base interval, took %v", elapsed)
	}
}

func TestLoopRegisterOtherFD(t *testing.T) {
	l, err := New(100_000)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()
	_ = l.Wait() // drain initial tick

	r, w, err := pipeFDs()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer closeFD(r)
	defer closeFD(w)
	if err := l.RegisterRead(r); err != nil {
		t.Fatalf("RegisterRead: %v", err)
	}
	writeByte(w)

	res := l.Wait()
	if res.Source != SourceOther || res.FD != r {
		t.Fatalf("expected SourceOther on pipe fd %d, got source=%v fd=%d", r, res.Source, res.FD)
	}
	if !l.ConsumeEvent(r) {
		t.Fatalf("expected ConsumeEvent to claim the matching fd")
	}
	l.FinishIteration(res.NextUS)
}
