package concurrent

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForEach(t *testing.T) {
	var sum atomic.Int64
	err := ForEach([]int{1, 2, 3, 4}, func(v int) error {
		sum.Add(int64(v))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(10), sum.Load())
}

func TestForEachReturnsError(t *testing.T) {
	boom := errors.New("boom")
	err := ForEach([]int{1, 2, 3}, func(v int) error {
		if v == 2 {
			return boom
		}
		return nil
	})
	assert.ErrorIs(t, err, boom)
}

func TestForEachLimit(t *testing.T) {
	var inFlight, peak atomic.Int32
	err := ForEachLimit(context.Background(), 2, make([]int, 16), func(context.Context, int) error {
		cur := inFlight.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		inFlight.Add(-1)
		return nil
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestCollectErrorsRunsEverything(t *testing.T) {
	boom := errors.New("boom")
	var calls atomic.Int32
	errs := CollectErrors([]int{0, 1, 2}, func(v int) error {
		calls.Add(1)
		if v == 1 {
			return boom
		}
		return nil
	})
	assert.Equal(t, int32(3), calls.Load())
	require.Len(t, errs, 3)
	assert.NoError(t, errs[0])
	assert.ErrorIs(t, errs[1], boom)
	assert.NoError(t, errs[2])
}
