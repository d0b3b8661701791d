package transport

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Retrying decorates a Transport with bounded exponential-backoff retry for
// transient failures. Permanent failures and ErrNotFound propagate on the
// first attempt. Retry state is scoped per call; the decorator holds no
// shared mutable state.
type Retrying struct {
	inner     Transport
	attempts  int
	baseDelay time.Duration

	// sleep is swappable for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetrying wraps inner with up to attempts tries per operation and an
// exponential backoff starting at baseDelay (doubling each retry).
func NewRetrying(inner Transport, attempts int, baseDelay time.Duration) *Retrying {
	if attempts < 1 {
		attempts = 1
	}
	return &Retrying{
		inner:     inner,
		attempts:  attempts,
		baseDelay: baseDelay,
		sleep:     sleepCtx,
	}
}

// sleepCtx sleeps for d or until the context is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// do runs op up to r.attempts times, backing off between transient failures.
func (r *Retrying) do(ctx context.Context, name string, op func() error) error {
	delay := r.baseDelay
	var err error
	for attempt := 1; ; attempt++ {
		err = op()
		if err == nil || errors.Is(err, ErrNotFound) || !IsTransient(err) {
			return err
		}
		if attempt >= r.attempts {
			return err
		}
		slog.Debug("transient transport failure, backing off",
			"op", name, "attempt", attempt, "delay", delay, "error", err)
		if serr := r.sleep(ctx, delay); serr != nil {
			return serr
		}
		delay *= 2
	}
}

func (r *Retrying) Send(ctx context.Context, payload []byte) (BlobRef, error) {
	var ref BlobRef
	err := r.do(ctx, "send", func() error {
		var err error
		ref, err = r.inner.Send(ctx, payload)
		return err
	})
	return ref, err
}

func (r *Retrying) Fetch(ctx context.Context, ref BlobRef) ([]byte, error) {
	var payload []byte
	err := r.do(ctx, "fetch", func() error {
		var err error
		payload, err = r.inner.Fetch(ctx, ref)
		return err
	})
	return payload, err
}

func (r *Retrying) Delete(ctx context.Context, ref BlobRef) error {
	return r.do(ctx, "delete", func() error {
		return r.inner.Delete(ctx, ref)
	})
}

func (r *Retrying) Ping(ctx context.Context) error {
	return r.inner.Ping(ctx)
}
