package batch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRunPreservesOrderWhenMiddleItemFails(t *testing.T) {
	e := NewExecutor(3, zaptest.NewLogger(t))
	items := []string{"a", "b", "c"}

	out := Run(context.Background(), e, Job[string, string]{
		Items:  items,
		ItemID: func(s string) string { return s },
		Worker: func(ctx context.Context, s string) (string, error) {
			if s == "b" {
				return "", errors.New("boom")
			}
			return "R" + s, nil
		},
	})

	require.Len(t, out, 3)
	assert.Equal(t, "Ra", out[0].Value)
	assert.Nil(t, out[0].Err)
	require.NotNil(t, out[1].Err)
	assert.Equal(t, "b", out[1].Err.ItemID)
	assert.Equal(t, ActionRetry, out[1].Err.RecommendedAction)
	assert.True(t, out[1].Err.Dispatched)
	assert.Equal(t, "Rc", out[2].Value)
}

func TestRunPreservesOrderWhenMiddleItemIsSlow(t *testing.T) {
	e := NewExecutor(3, nil)
	out := Run(context.Background(), e, Job[int, int]{
		Items: []int{1, 2, 3},
		Worker: func(ctx context.Context, n int) (int, error) {
			if n == 2 {
				time.Sleep(50 * time.Millisecond)
			}
			return n * 10, nil
		},
	})
	require.Len(t, out, 3)
	assert.Equal(t, []int{10, 20, 30}, []int{out[0].Value, out[1].Value, out[2].Value})
	assert.Equal(t, "1", out[1].ItemID)
}

func TestRunRespectsConcurrencyLimit(t *testing.T) {
	const limit = 2
	e := NewExecutor(limit, nil)

	var inFlight, peak int32
	items := make([]int, 10)
	out := Run(context.Background(), e, Job[int, int]{
		Items: items,
		Worker: func(ctx context.Context, n int) (int, error) {
			cur := atomic.AddInt32(&inFlight, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if cur <= p || atomic.CompareAndSwapInt32(&peak, p, cur) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
			return n, nil
		},
	})

	assert.Len(t, out, 10)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(limit))
	assert.Greater(t, atomic.LoadInt32(&peak), int32(0))
}

func TestRunStopsDispatchingOnCancel(t *testing.T) {
	e := NewExecutor(1, nil)
	ctx, cancel := context.WithCancel(context.Background())

	var mu sync.Mutex
	started := []int{}
	out := Run(ctx, e, Job[int, int]{
		Items: []int{0, 1, 2, 3},
		Worker: func(ctx context.Context, n int) (int, error) {
			mu.Lock()
			started = append(started, n)
			mu.Unlock()
			if n == 0 {
				cancel()
			}
			return n, nil
		},
	})

	require.Len(t, out, 4)
	assert.Nil(t, out[0].Err)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0}, started)
	for i := 1; i < 4; i++ {
		require.NotNil(t, out[i].Err, "item %d", i)
		assert.False(t, out[i].Err.Dispatched)
		assert.ErrorIs(t, out[i].Err, context.Canceled)
	}
}

func TestRunLetsInFlightItemsFinishAfterCancel(t *testing.T) {
	e := NewExecutor(1, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := Run(ctx, e, Job[int, int]{
		Items: []int{0, 1},
		Worker: func(ctx context.Context, n int) (int, error) {
			cancel()
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(20 * time.Millisecond):
				return n + 10, nil
			}
		},
	})

	require.Len(t, out, 2)
	assert.Nil(t, out[0].Err, "a running item is not cut short")
	assert.Equal(t, 10, out[0].Value)
	require.NotNil(t, out[1].Err)
	assert.False(t, out[1].Err.Dispatched)
	assert.ErrorIs(t, out[1].Err, context.Canceled)
}

func TestRunRecoversPanics(t *testing.T) {
	e := NewExecutor(2, nil)
	out := Run(context.Background(), e, Job[int, int]{
		Items: []int{1, 2},
		Worker: func(ctx context.Context, n int) (int, error) {
			if n == 1 {
				panic("bad item")
			}
			return n, nil
		},
	})
	require.NotNil(t, out[0].Err)
	assert.Contains(t, out[0].Err.Error(), "bad item")
	assert.Equal(t, 2, out[1].Value)
}

func TestRunSelectsWorkerPerItem(t *testing.T) {
	e := NewExecutor(2, nil)
	type finding struct {
		id       string
		critical bool
	}
	quick := func(ctx context.Context, f finding) (string, error) { return "quick", nil }
	deep := func(ctx context.Context, f finding) (string, error) { return "deep", nil }

	out := Run(context.Background(), e, Job[finding, string]{
		Items:  []finding{{"x", false}, {"y", true}},
		ItemID: func(f finding) string { return f.id },
		Worker: quick,
		Select: func(f finding) Worker[finding, string] {
			if f.critical {
				return deep
			}
			return nil
		},
	})
	assert.Equal(t, "quick", out[0].Value)
	assert.Equal(t, "deep", out[1].Value)
}

func TestRunEmpty(t *testing.T) {
	out := Run(context.Background(), NewExecutor(0, nil), Job[int, int]{})
	assert.Empty(t, out)
}
