// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package ringbuffer implements a bounded multi-producer, single-consumer queue.
//
// Producers never block: a Push into a full ring fails and is counted as dropped.
// Only one goroutine may call Pop or Drain at a time.
package ringbuffer

import (
	"errors"
	"sync/atomic"
)

// MaxCapacity bounds the slot count so sequence arithmetic cannot wrap.
const MaxCapacity = 1 << 30

var ErrInvalidCapacity = errors.New("ring buffer capacity must be between 1 and 1<<30")

type cell[T any] struct {
	seq   atomic.Uint64
	value T
}

// RingBuffer is a fixed-size queue. Each cell carries a sequence number that
// tells producers and the consumer whose turn it is to use the cell.
type RingBuffer[T any] struct {
	_     [64]byte
	head  atomic.Uint64 // next slot producers claim
	_     [56]byte
	tail  atomic.Uint64 // next slot the consumer reads
	_     [56]byte
	cells []cell[T]
	mask  uint64

	dropped atomic.Uint64
}

// New creates a ring with at least capacity slots, rounded up to a power of two.
func New[T any](capacity int) (*RingBuffer[T], error) {
	if capacity <= 0 || capacity > MaxCapacity {
		return nil, ErrInvalidCapacity
	}

	n := 1
	for n < capacity {
		n <<= 1
	}

	rb := &RingBuffer[T]{
		cells: make([]cell[T], n),
		mask:  uint64(n - 1),
	}
	for i := range rb.cells {
		rb.cells[i].seq.Store(uint64(i))
	}
	return rb, nil
}

// Push appends v. It returns false and bumps the drop counter when the ring is full.
func (rb *RingBuffer[T]) Push(v T) bool {
	pos := rb.head.Load()
	for {
		c := &rb.cells[pos&rb.mask]
		seq := c.seq.Load()
		switch diff := int64(seq) - int64(pos); {
		case diff == 0:
			if rb.head.CompareAndSwap(pos, pos+1) {
				c.value = v
				c.seq.Store(pos + 1)
				return true
			}
			pos = rb.head.Load()
		case diff < 0:
			rb.dropped.Add(1)
			return false
		default:
			pos = rb.head.Load()
		}
	}
}

// Pop removes the oldest value. The second result is false when nothing is
// ready, including when a producer has claimed a slot but not yet filled it.
func (rb *RingBuffer[T]) Pop() (T, bool) {
	var zero T

	pos := rb.tail.Load()
	c := &rb.cells[pos&rb.mask]
	if c.seq.Load() != pos+1 {
		return zero, false
	}

	v := c.value
	c.value = zero
	c.seq.Store(pos + rb.mask + 1)
	rb.tail.Store(pos + 1)
	return v, true
}

// Drain pops up to max values (all ready values when max <= 0) and hands each to fn.
// It returns the number of values consumed.
func (rb *RingBuffer[T]) Drain(max int, fn func(T)) int {
	n := 0
	for max <= 0 || n < max {
		v, ok := rb.Pop()
		if !ok {
			break
		}
		fn(v)
		n++
	}
	return n
}

// Len returns the approximate number of queued values.
func (rb *RingBuffer[T]) Len() int {
	head := rb.head.Load()
	tail := rb.tail.Load()
	if head <= tail {
		return 0
	}
	return int(head - tail)
}

// Cap returns the number of slots.
func (rb *RingBuffer[T]) Cap() int {
	return len(rb.cells)
}

// Dropped returns how many pushes failed because the ring was full.
func (rb *RingBuffer[T]) Dropped() uint64 {
	return rb.dropped.Load()
}
