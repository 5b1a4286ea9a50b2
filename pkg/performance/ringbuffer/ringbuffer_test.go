// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package ringbuffer_test

import (
	"sort"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/antimetal/iodiag/pkg/performance/ringbuffer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drainAll[T any](rb *ringbuffer.RingBuffer[T]) []T {
	var out []T
	rb.Drain(0, func(v T) { out = append(out, v) })
	return out
}

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		capacity int
		wantCap  int
		wantErr  bool
	}{
		{name: "power of two", capacity: 8, wantCap: 8},
		{name: "rounded up", capacity: 5, wantCap: 8},
		{name: "single slot", capacity: 1, wantCap: 1},
		{name: "zero", capacity: 0, wantErr: true},
		{name: "negative", capacity: -1, wantErr: true},
		{name: "too large", capacity: ringbuffer.MaxCapacity + 1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rb, err := ringbuffer.New[int](tt.capacity)
			if tt.wantErr {
				assert.ErrorIs(t, err, ringbuffer.ErrInvalidCapacity)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantCap, rb.Cap())
			assert.Equal(t, 0, rb.Len())
		})
	}
}

func TestRingBuffer_FIFO(t *testing.T) {
	rb, err := ringbuffer.New[int](4)
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		require.True(t, rb.Push(i))
	}
	assert.Equal(t, 3, rb.Len())

	for i := 1; i <= 3; i++ {
		v, ok := rb.Pop()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}

	_, ok := rb.Pop()
	assert.False(t, ok)
}

func TestRingBuffer_DropWhenFull(t *testing.T) {
	rb, err := ringbuffer.New[int](2)
	require.NoError(t, err)

	assert.True(t, rb.Push(1))
	assert.True(t, rb.Push(2))
	assert.False(t, rb.Push(3))
	assert.False(t, rb.Push(4))
	assert.Equal(t, uint64(2), rb.Dropped())

	// the oldest values survive, nothing is overwritten
	assert.Equal(t, []int{1, 2}, drainAll(rb))

	// space is reusable after draining
	assert.True(t, rb.Push(5))
	v, ok := rb.Pop()
	require.True(t, ok)
	assert.Equal(t, 5, v)
}

func TestRingBuffer_DrainBatch(t *testing.T) {
	rb, err := ringbuffer.New[int](16)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		rb.Push(i)
	}

	var got []int
	n := rb.Drain(4, func(v int) { got = append(got, v) })
	assert.Equal(t, 4, n)
	assert.Equal(t, []int{0, 1, 2, 3}, got)

	n = rb.Drain(0, func(v int) { got = append(got, v) })
	assert.Equal(t, 6, n)
	assert.Len(t, got, 10)
	assert.Equal(t, 0, rb.Len())
}

func TestRingBuffer_ConcurrentProducers(t *testing.T) {
	const producers = 8
	const perProducer = 500

	rb, err := ringbuffer.New[int](producers * perProducer)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				rb.Push(base*perProducer + i)
			}
		}(p)
	}
	wg.Wait()

	got := drainAll(rb)
	require.Len(t, got, producers*perProducer)
	assert.Zero(t, rb.Dropped())

	sort.Ints(got)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestRingBuffer_ConcurrentProducersWithConsumer(t *testing.T) {
	const producers = 4
	const perProducer = 2000

	rb, err := ringbuffer.New[int](64)
	require.NoError(t, err)

	var finished atomic.Bool
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				rb.Push(i)
			}
		}()
	}
	go func() {
		wg.Wait()
		finished.Store(true)
	}()

	consumed := 0
	for !finished.Load() {
		consumed += rb.Drain(0, func(int) {})
	}
	consumed += rb.Drain(0, func(int) {})

	assert.Equal(t, uint64(producers*perProducer), uint64(consumed)+rb.Dropped())
}
