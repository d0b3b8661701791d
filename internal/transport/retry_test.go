package transport

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

// flaky is a Transport whose Send fails transiently a fixed number of times
// before succeeding.
type flaky struct {
	*Memory
	sendFailures int
	sendCalls    int
}

func (f *flaky) Send(ctx context.Context, payload []byte) (BlobRef, error) {
	f.sendCalls++
	if f.sendCalls <= f.sendFailures {
		return "", &Error{Op: "send", Transient: true, Err: fmt.Errorf("rate limited")}
	}
	return f.Memory.Send(ctx, payload)
}

// noSleep replaces the backoff sleep so tests run instantly, recording delays.
func noSleep(delays *[]time.Duration) func(context.Context, time.Duration) error {
	return func(_ context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
}

func TestRetryingSendRecoversFromTransientFailures(t *testing.T) {
	inner := &flaky{Memory: NewMemory(), sendFailures: 2}
	r := NewRetrying(inner, 3, 10*time.Millisecond)
	var delays []time.Duration
	r.sleep = noSleep(&delays)

	ref, err := r.Send(context.Background(), []byte("payload"))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if inner.sendCalls != 3 {
		t.Errorf("send calls = %d, want 3", inner.sendCalls)
	}
	if !inner.Has(ref) {
		t.Error("blob not stored after retries")
	}

	// Backoff doubles from the base delay.
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}
	if len(delays) != len(want) {
		t.Fatalf("delays = %v, want %v", delays, want)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delay %d = %v, want %v", i, delays[i], want[i])
		}
	}
}

func TestRetryingGivesUpAfterAttempts(t *testing.T) {
	inner := &flaky{Memory: NewMemory(), sendFailures: 100}
	r := NewRetrying(inner, 3, time.Millisecond)
	var delays []time.Duration
	r.sleep = noSleep(&delays)

	_, err := r.Send(context.Background(), []byte("payload"))
	if !IsTransient(err) {
		t.Fatalf("want transient error after exhausting retries, got %v", err)
	}
	if inner.sendCalls != 3 {
		t.Errorf("send calls = %d, want 3", inner.sendCalls)
	}
}

func TestRetryingDoesNotRetryPermanentErrors(t *testing.T) {
	inner := NewMemory()
	calls := 0
	inner.SendFault = func([]byte) error {
		calls++
		return &Error{Op: "send", Err: fmt.Errorf("payload rejected")}
	}
	r := NewRetrying(inner, 5, time.Millisecond)
	r.sleep = noSleep(&[]time.Duration{})

	_, err := r.Send(context.Background(), []byte("payload"))
	if err == nil || IsTransient(err) {
		t.Fatalf("want permanent error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("send calls = %d, want 1", calls)
	}
}

func TestRetryingPassesNotFoundThrough(t *testing.T) {
	inner := NewMemory()
	calls := 0
	inner.DeleteFault = func(BlobRef) error {
		calls++
		return ErrNotFound
	}
	r := NewRetrying(inner, 5, time.Millisecond)
	r.sleep = noSleep(&[]time.Duration{})

	err := r.Delete(context.Background(), "mem-1")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	if calls != 1 {
		t.Errorf("delete calls = %d, want 1", calls)
	}
}

func TestRetryingStopsOnCancelledContext(t *testing.T) {
	inner := &flaky{Memory: NewMemory(), sendFailures: 100}
	r := NewRetrying(inner, 10, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	r.sleep = func(context.Context, time.Duration) error {
		cancel()
		return ctx.Err()
	}

	_, err := r.Send(ctx, []byte("payload"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}
