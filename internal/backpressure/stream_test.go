package backpressure

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStream_FIFO(t *testing.T) {
	ctx := context.Background()
	s := NewStream[int](Config{BufferSize: 4})

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Write(ctx, i))
	}
	for i := 0; i < 3; i++ {
		v, err := s.Read(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}
}

func TestStream_DropPolicyOldest(t *testing.T) {
	ctx := context.Background()
	s := NewStream[int](Config{BufferSize: 3, DropPolicy: DropPolicyOldest})

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Write(ctx, i))
	}

	var got []int
	for s.Len() > 0 {
		v, err := s.Read(ctx)
		require.NoError(t, err)
		got = append(got, v)
	}
	assert.Equal(t, []int{2, 3, 4}, got)
	assert.Equal(t, int64(2), s.Stats().Dropped)
}

func TestStream_DropPolicyNewestAndError(t *testing.T) {
	ctx := context.Background()

	newest := NewStream[string](Config{BufferSize: 1, DropPolicy: DropPolicyNewest})
	require.NoError(t, newest.Write(ctx, "a"))
	require.NoError(t, newest.Write(ctx, "b"))
	v, err := newest.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", v)

	strict := NewStream[string](Config{BufferSize: 1, DropPolicy: DropPolicyError})
	require.NoError(t, strict.Write(ctx, "a"))
	assert.ErrorIs(t, strict.Write(ctx, "b"), ErrBufferFull)
}

func TestStream_BlockUntilDrained(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s := NewStream[int](Config{BufferSize: 1})

	require.NoError(t, s.Write(ctx, 1))

	written := make(chan error, 1)
	go func() { written <- s.Write(ctx, 2) }()

	select {
	case <-written:
		t.Fatal("write should block while the buffer is full")
	case <-time.After(20 * time.Millisecond):
	}

	v, err := s.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	require.NoError(t, <-written)

	v, err = s.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestStream_CloseDrainsThenErrors(t *testing.T) {
	ctx := context.Background()
	s := NewStream[int](Config{BufferSize: 2})
	require.NoError(t, s.Write(ctx, 7))

	boom := errors.New("boom")
	s.CloseWithError(boom)
	s.CloseWithError(errors.New("ignored"))

	v, err := s.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	_, err = s.Read(ctx)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, s.Write(ctx, 8), ErrStreamClosed)
}

func TestStream_ReadWakesOnClose(t *testing.T) {
	s := NewStream[int](Config{BufferSize: 1})
	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = s.Close()
	}()

	_, err := s.Read(context.Background())
	assert.ErrorIs(t, err, ErrStreamClosed)
}

func TestStream_ReadContextCancelled(t *testing.T) {
	s := NewStream[int](Config{BufferSize: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Read(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStream_ConcurrentProducersConsumers(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s := NewStream[int](Config{BufferSize: 4})

	const writers, perWriter = 8, 50
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				assert.NoError(t, s.Write(ctx, i))
			}
		}()
	}

	var mu sync.Mutex
	total := 0
	var readers sync.WaitGroup
	for r := 0; r < 3; r++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				if _, err := s.Read(ctx); err != nil {
					return
				}
				mu.Lock()
				total++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	_ = s.Close()
	readers.Wait()

	assert.Equal(t, writers*perWriter, total)
}
