package presence

import (
	"context"
	"errors"
	"time"
)

// Retry runs fn up to attempts times, doubling delay between tries. Only
// ErrStoreUnavailable is retried; any other error is returned as is.
func Retry[T any](ctx context.Context, attempts int, delay time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if attempts < 1 {
		attempts = 1
	}
	var (
		out T
		err error
	)
	for i := 0; i < attempts; i++ {
		out, err = fn(ctx)
		if err == nil || !errors.Is(err, ErrStoreUnavailable) {
			return out, err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return out, errors.Join(err, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	return out, err
}
