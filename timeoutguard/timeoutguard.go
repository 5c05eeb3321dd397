// Package timeoutguard installs a scoped deadline around an awaitable
// operation: a timeout of zero or less means "no deadline".
// Nesting falls naturally out of context.Context: a shorter inner deadline
// always wins over a longer-lived outer one.
package timeoutguard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/emcache-go/emcache/errs"
)

// Run installs timeout as a deadline on ctx (unless timeout <= 0) for the
// duration of fn, and translates a deadline-caused failure into
// errs.Timeout. fn must itself watch the context it is given and return
// promptly when it is cancelled; Run does not forcibly abort fn.
func Run(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}

	guarded, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := fn(guarded)
	if err == nil {
		return nil
	}
	if errors.Is(guarded.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("timeoutguard: %w", errs.Timeout)
	}
	return err
}
