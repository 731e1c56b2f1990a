package batch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_panicsWithoutFlushTrigger(t *testing.T) {
	assert.Panics(t, func() {
		New[int](&Config{MaxSize: -1, FlushInterval: -1}, func(ctx context.Context, jobs []int) error { return nil })
	})
}

func TestNew_panicsOnNilProcessor(t *testing.T) {
	assert.Panics(t, func() {
		New[int](nil, nil)
	})
}

func TestBatcher_flushesOnMaxSize(t *testing.T) {
	var gotBatches [][]int
	done := make(chan struct{}, 1)

	b := New(&Config{MaxSize: 2, FlushInterval: time.Hour}, func(ctx context.Context, jobs []int) error {
		cp := append([]int(nil), jobs...)
		gotBatches = append(gotBatches, cp)
		select {
		case done <- struct{}{}:
		default:
		}
		return nil
	})
	defer b.Close()

	ctx := context.Background()
	r1, err := b.Submit(ctx, 1)
	require.NoError(t, err)
	r2, err := b.Submit(ctx, 2)
	require.NoError(t, err)

	require.NoError(t, r1.Wait(ctx))
	require.NoError(t, r2.Wait(ctx))
	require.Len(t, gotBatches, 1)
	assert.ElementsMatch(t, []int{1, 2}, gotBatches[0])
}

func TestBatcher_flushesOnInterval(t *testing.T) {
	var gotBatches [][]int

	b := New(&Config{MaxSize: 100, FlushInterval: 10 * time.Millisecond}, func(ctx context.Context, jobs []int) error {
		gotBatches = append(gotBatches, append([]int(nil), jobs...))
		return nil
	})
	defer b.Close()

	ctx := context.Background()
	r, err := b.Submit(ctx, 42)
	require.NoError(t, err)
	require.NoError(t, r.Wait(ctx))

	assert.Equal(t, [][]int{{42}}, gotBatches)
}

func TestBatcher_Submit_afterClose(t *testing.T) {
	b := New[int](nil, func(ctx context.Context, jobs []int) error { return nil })
	require.NoError(t, b.Close())

	_, err := b.Submit(context.Background(), 1)
	assert.Error(t, err)
}

func TestBatcher_Submit_canceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var nilBatcher *Batcher[int]
	_, err := nilBatcher.Submit(ctx, 1)
	assert.ErrorIs(t, err, context.Canceled)
}
