// Package scheduler runs upload tasks on a fixed-size worker pool.
package scheduler

import (
	"context"

	"github.com/bitrise-io/go-chunked-upload/upload/planner"
	"golang.org/x/sync/errgroup"
)

const (
	// SmallFileThreshold is the size under which the concurrency is halved.
	SmallFileThreshold = 50 * 1024 * 1024
	// MaxLargeFileConcurrency caps the doubled concurrency of large files.
	MaxLargeFileConcurrency = 6
)

// Task is a unit of work. The context is the one passed to Run.
type Task[T any] func(ctx context.Context) (T, error)

// Run executes tasks in order with at most `workers` of them active at any time.
// Results are index-aligned with tasks.
//
// A failing task does not stop the others: Run waits for every task to settle and then
// returns the first error observed. Tasks are expected to watch ctx themselves.
func Run[T any](ctx context.Context, tasks []Task[T], workers int) ([]T, error) {
	results := make([]T, len(tasks))
	if workers < 1 {
		workers = 1
	}

	// No group context: a failure must not cancel the siblings.
	var g errgroup.Group
	g.SetLimit(workers)
	for i, task := range tasks {
		g.Go(func() error {
			res, err := task(ctx)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}

	return results, g.Wait()
}

// AdjustConcurrency scales the base concurrency to the file size: doubled (at most
// MaxLargeFileConcurrency) above 1 GiB, halved (at least 1) below 50 MiB.
func AdjustConcurrency(fileSize int64, base int) int {
	if base < 1 {
		base = 1
	}

	switch {
	case fileSize > planner.LargeFileThreshold:
		c := base * 2
		if c > MaxLargeFileConcurrency {
			c = MaxLargeFileConcurrency
		}
		return c
	case fileSize < SmallFileThreshold:
		c := base / 2
		if c < 1 {
			c = 1
		}
		return c
	default:
		return base
	}
}
