package waitrsp

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestWaitRoundTrip(t *testing.T) {
	w := New[int]()
	go func() {
		require.True(t, w.Set(100))
	}()
	rsp, err := w.Wait(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, 100, rsp)
}

func TestWaitTimeout(t *testing.T) {
	w := New[int]()
	start := time.Now()
	_, err := w.Wait(context.Background(), 20*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestWaitContextCanceled(t *testing.T) {
	w := New[int]()
	ctx, cancel := context.WithCancel(context.Background())
	go cancel()
	_, err := w.Wait(ctx, 0)
	require.ErrorIs(t, err, context.Canceled)
}

func TestWaitCanceledByPeer(t *testing.T) {
	w := New[int]()
	go func() {
		require.True(t, w.Cancel())
	}()
	_, err := w.Wait(context.Background(), time.Second)
	require.ErrorIs(t, err, ErrCanceled)
}

func TestSetFirstWriterWins(t *testing.T) {
	w := New[int]()
	require.True(t, w.Set(1))
	require.False(t, w.Set(2))
	require.False(t, w.Cancel())
	rsp, err := w.Wait(context.Background(), 0)
	require.NoError(t, err)
	require.Equal(t, 1, rsp)
}

func TestCancelBeatsSet(t *testing.T) {
	w := New[int]()
	require.True(t, w.Cancel())
	require.False(t, w.Set(1))
	_, err := w.Wait(context.Background(), 0)
	require.ErrorIs(t, err, ErrCanceled)
}

func TestWaitReuse(t *testing.T) {
	w := New[int]()
	for i := 0; i < 10; i++ {
		go func() {
			w.Set(i)
		}()
		rsp, err := w.Wait(context.Background(), time.Second)
		require.NoError(t, err)
		require.Equal(t, i, rsp)
	}
}

func TestSetConcurrentSingleWinner(t *testing.T) {
	const setters = 8
	w := New[int]()
	var delivered uint32
	var eg errgroup.Group
	for i := 0; i < setters; i++ {
		eg.Go(func() error {
			if w.Set(i) {
				atomic.AddUint32(&delivered, 1)
			}
			return nil
		})
	}
	_, err := w.Wait(context.Background(), time.Second)
	require.NoError(t, err)
	require.NoError(t, eg.Wait())
	assert.Equal(t, uint32(1), delivered)
}

func TestLateSetAfterTimeout(t *testing.T) {
	w := New[int]()
	_, err := w.Wait(context.Background(), time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	// the cell itself keeps a late response, registries reject it instead
	require.True(t, w.Set(42))
	rsp, err := w.Wait(context.Background(), time.Second)
	require.NoError(t, err)
	require.Equal(t, 42, rsp)
}

func BenchmarkHandoff(b *testing.B) {
	w := New[int]()
	ctx := context.Background()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		w.Set(i)
		if _, err := w.Wait(ctx, 0); err != nil {
			b.Fatal(err)
		}
	}
}
