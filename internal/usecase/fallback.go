package usecase

import (
	"context"
	"fmt"
)

// Fallback runs primary and, if it fails or panics, fallback. reason carries
// the primary failure and is empty when primary succeeded. err is only set
// when both stages failed.
func Fallback[T any](ctx context.Context, primary, fallback func(context.Context) (T, error)) (out T, reason string, err error) {
	out, perr := safeCall(ctx, primary)
	if perr == nil {
		return out, "", nil
	}
	reason = perr.Error()
	out, ferr := safeCall(ctx, fallback)
	if ferr != nil {
		return out, reason, fmt.Errorf("fallback after %q: %w", reason, ferr)
	}
	return out, reason, nil
}

func safeCall[T any](ctx context.Context, fn func(context.Context) (T, error)) (out T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}
