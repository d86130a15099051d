// Package wait holds context aware waiting helpers.
package wait

import (
	"context"
	"time"
)

// Sleep waits for d or until ctx is done, whichever comes first. It returns ctx.Err() in the
// latter case. A non-positive d only checks ctx.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
