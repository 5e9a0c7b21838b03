package wideband

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThenPreservesIndexAlignment(t *testing.T) {
	in := []int{1, 2, 3, 4, 5}
	out, err := Then(context.Background(), 2, in, func(_ context.Context, v int) (int, error) {
		return v * 10, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{10, 20, 30, 40, 50}, out)
}

func TestThenBoundsConcurrency(t *testing.T) {
	var inFlight, maxInFlight int32
	in := make([]int, 50)
	_, err := Then(context.Background(), 4, in, func(_ context.Context, v int) (int, error) {
		cur := atomic.AddInt32(&inFlight, 1)
		defer atomic.AddInt32(&inFlight, -1)
		for {
			m := atomic.LoadInt32(&maxInFlight)
			if cur <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, cur) {
				break
			}
		}
		return v, nil
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, int(maxInFlight), 4)
}

func TestFilterMapDropsFalseResults(t *testing.T) {
	in := []int{1, 2, 3, 4, 5, 6}
	out := FilterMap(context.Background(), 3, in, func(_ context.Context, v int) (int, bool) {
		return v, v%2 == 0
	})
	assert.ElementsMatch(t, []int{2, 4, 6}, out)
}

func TestThenReturnsFirstErrorByIndexOrder(t *testing.T) {
	in := []int{1, 2, 3}
	_, err := Then(context.Background(), 1, in, func(_ context.Context, v int) (int, error) {
		if v == 2 {
			return 0, assertErr{}
		}
		return v, nil
	})
	assert.Error(t, err)
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
