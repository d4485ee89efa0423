package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/ppiankov/impactgate/internal/model"
)

// DefaultRetryAttempts bounds Retry for internal transitions.
const DefaultRetryAttempts = 3

const retryBackoff = 10 * time.Millisecond

// Retry calls fn until it succeeds, returns an error other than a
// concurrency conflict, or attempts run out. fn must reload state on
// every call.
func Retry(ctx context.Context, attempts int, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil || !errors.Is(err, model.ErrConcurrencyConflict) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(i+1) * retryBackoff):
		}
	}
	return err
}
