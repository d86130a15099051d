package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bitrise-io/go-chunked-upload/upload/planner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_PreservesInputOrder(t *testing.T) {
	var tasks []Task[int]
	for i := 0; i < 20; i++ {
		i := i
		tasks = append(tasks, func(context.Context) (int, error) {
			time.Sleep(time.Duration(20-i) * time.Millisecond)
			return i * i, nil
		})
	}

	results, err := Run(context.Background(), tasks, 4)

	require.NoError(t, err)
	for i, r := range results {
		assert.Equal(t, i*i, r)
	}
}

func TestRun_ConcurrencyBound(t *testing.T) {
	for _, workers := range []int{1, 3, 6} {
		var active, peak atomic.Int64
		var tasks []Task[struct{}]
		for i := 0; i < 50; i++ {
			tasks = append(tasks, func(context.Context) (struct{}, error) {
				n := active.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				active.Add(-1)
				return struct{}{}, nil
			})
		}

		_, err := Run(context.Background(), tasks, workers)

		require.NoError(t, err)
		assert.LessOrEqual(t, peak.Load(), int64(workers))
		assert.Equal(t, int64(workers), peak.Load())
	}
}

func TestRun_WaitsForAllAndReportsFirstError(t *testing.T) {
	errFirst := errors.New("first")
	errLater := errors.New("later")
	var finished atomic.Int64

	tasks := []Task[int]{
		func(context.Context) (int, error) { return 0, errFirst },
		func(context.Context) (int, error) {
			time.Sleep(30 * time.Millisecond)
			finished.Add(1)
			return 1, nil
		},
		func(context.Context) (int, error) {
			time.Sleep(60 * time.Millisecond)
			return 0, errLater
		},
		func(context.Context) (int, error) {
			finished.Add(1)
			return 3, nil
		},
	}

	results, err := Run(context.Background(), tasks, 2)

	assert.ErrorIs(t, err, errFirst)
	assert.Equal(t, int64(2), finished.Load())
	assert.Equal(t, []int{0, 1, 0, 3}, results)
}

func TestRun_EmptyAndDegenerateWorkers(t *testing.T) {
	results, err := Run[int](context.Background(), nil, 3)
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = Run(context.Background(), []Task[int]{
		func(context.Context) (int, error) { return 7, nil },
	}, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{7}, results)
}

func TestAdjustConcurrency(t *testing.T) {
	tests := []struct {
		name     string
		fileSize int64
		base     int
		want     int
	}{
		{name: "small file halves", fileSize: 10 * 1024 * 1024, base: 3, want: 1},
		{name: "small file floor", fileSize: 1, base: 1, want: 1},
		{name: "small file even", fileSize: 49 * 1024 * 1024, base: 4, want: 2},
		{name: "medium file unchanged", fileSize: 150 * 1024 * 1024, base: 3, want: 3},
		{name: "exactly 50 MiB unchanged", fileSize: 50 * 1024 * 1024, base: 3, want: 3},
		{name: "exactly 1 GiB unchanged", fileSize: planner.GiB, base: 3, want: 3},
		{name: "large file doubles", fileSize: 2 * planner.GiB, base: 2, want: 4},
		{name: "large file capped", fileSize: 2 * planner.GiB, base: 3, want: 6},
		{name: "large file capped high base", fileSize: 2 * planner.GiB, base: 5, want: 6},
		{name: "non-positive base", fileSize: 150 * 1024 * 1024, base: 0, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AdjustConcurrency(tt.fileSize, tt.base))
		})
	}
}

func TestLargeFilePlanAndConcurrency(t *testing.T) {
	const base = 8 * 1024 * 1024
	fileSize := int64(2 * planner.GiB)

	chunks, err := planner.Plan(fileSize, base)
	require.NoError(t, err)

	assert.Equal(t, int64(4*base), chunks[0].Size)
	assert.Len(t, chunks, 64)
	assert.Equal(t, 6, AdjustConcurrency(fileSize, 3))
}
