// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

//go:build !integration

package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antimetal/iodiag/pkg/blkio"
	"github.com/antimetal/iodiag/pkg/performance/ringbuffer"
)

type countingDrainer struct {
	mu        sync.Mutex
	drains    int
	finishes  int
	drainErr  error
	finishErr error
}

func (d *countingDrainer) Drain(time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.drains++
	return d.drainErr
}

func (d *countingDrainer) Finish(time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.finishes++
	return d.finishErr
}

func (d *countingDrainer) counts() (int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.drains, d.finishes
}

func TestNew_Validation(t *testing.T) {
	_, err := New(testr.New(t), 0, &countingDrainer{})
	assert.Error(t, err)
	_, err = New(testr.New(t), time.Second, nil)
	assert.Error(t, err)
}

func TestPoller_RunAndFinalDrain(t *testing.T) {
	d := &countingDrainer{}
	p, err := New(testr.New(t), 5*time.Millisecond, d)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		drains, _ := d.counts()
		return drains >= 3
	}, 2*time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	drains, finishes := d.counts()
	assert.GreaterOrEqual(t, drains, 4, "final drain after cancellation")
	assert.Equal(t, 1, finishes)
}

func TestPoller_CancelledBeforeFirstTick(t *testing.T) {
	d := &countingDrainer{}
	p, err := New(testr.New(t), time.Hour, d)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, p.Run(ctx))

	drains, finishes := d.counts()
	assert.Equal(t, 1, drains)
	assert.Equal(t, 1, finishes)
}

func TestPoller_Errors(t *testing.T) {
	boom := errors.New("boom")
	d := &countingDrainer{drainErr: boom, finishErr: errors.New("flush")}
	p, err := New(testr.New(t), time.Millisecond, d)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	// periodic drain errors do not stop the loop
	require.Eventually(t, func() bool {
		drains, _ := d.counts()
		return drains >= 2
	}, 2*time.Second, time.Millisecond)
	cancel()

	err = <-done
	assert.ErrorIs(t, err, boom)
	assert.ErrorContains(t, err, "flush")
}

type recordingEvents struct {
	batches  [][]blkio.EventRecord
	finished bool
	err      error
}

func (r *recordingEvents) HandleEvents(_ time.Time, batch []blkio.EventRecord) error {
	r.batches = append(r.batches, append([]blkio.EventRecord(nil), batch...))
	return r.err
}

func (r *recordingEvents) Finish(time.Time) error {
	r.finished = true
	return nil
}

func TestEventDrainer(t *testing.T) {
	ring, err := ringbuffer.New[blkio.EventRecord](16)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		require.True(t, ring.Push(blkio.EventRecord{PID: uint32(i)}))
	}

	h := &recordingEvents{}
	d := NewEventDrainer(ring, h, 4)
	require.NoError(t, d.Drain(time.Now()))

	require.Len(t, h.batches, 3)
	assert.Len(t, h.batches[0], 4)
	assert.Len(t, h.batches[1], 4)
	assert.Len(t, h.batches[2], 2)
	assert.Equal(t, uint32(0), h.batches[0][0].PID)
	assert.Equal(t, uint32(9), h.batches[2][1].PID)
	assert.Zero(t, ring.Len())

	// empty ring hands nothing over
	require.NoError(t, d.Drain(time.Now()))
	assert.Len(t, h.batches, 3)

	require.NoError(t, d.Finish(time.Now()))
	assert.True(t, h.finished)
}

func TestEventDrainer_HandlerError(t *testing.T) {
	ring, err := ringbuffer.New[blkio.EventRecord](8)
	require.NoError(t, err)
	for i := 0; i < 6; i++ {
		ring.Push(blkio.EventRecord{})
	}

	h := &recordingEvents{err: errors.New("disk full")}
	d := NewEventDrainer(ring, h, 2)
	assert.Error(t, d.Drain(time.Now()))
	assert.Len(t, h.batches, 1)
	assert.Equal(t, 4, ring.Len(), "remaining events stay for the next drain")
}

func TestNewEventDrainer_DefaultBatch(t *testing.T) {
	ring, err := ringbuffer.New[blkio.EventRecord](8)
	require.NoError(t, err)
	d := NewEventDrainer(ring, &recordingEvents{}, 0)
	assert.Equal(t, DefaultBatchSize, cap(d.batch))
}

type recordingSections struct {
	intervals [][]blkio.Section
	finished  bool
}

func (r *recordingSections) HandleSections(_ time.Time, s []blkio.Section) error {
	r.intervals = append(r.intervals, s)
	return nil
}

func (r *recordingSections) Finish(time.Time) error {
	r.finished = true
	return nil
}

func TestHistogramDrainer(t *testing.T) {
	hist, err := blkio.NewHistogram(64)
	require.NoError(t, err)
	hist.Increment(blkio.HistKey{Cgroup: 7, Disk: "sda", Slot: 3})
	hist.Increment(blkio.HistKey{Cgroup: 7, Disk: "sda", Slot: 3})
	hist.Increment(blkio.HistKey{Cgroup: 8, Disk: "sda", Slot: 1})

	h := &recordingSections{}
	d := NewHistogramDrainer(hist, h)
	require.NoError(t, d.Drain(time.Now()))
	require.NoError(t, d.Drain(time.Now()))
	require.NoError(t, d.Finish(time.Now()))

	require.Len(t, h.intervals, 2)
	require.Len(t, h.intervals[0], 2)
	assert.Equal(t, uint64(2), h.intervals[0][0].Counts[3])
	assert.Equal(t, uint64(1), h.intervals[0][1].Counts[1])
	assert.Empty(t, h.intervals[1], "read-and-clear empties the histogram")
	assert.True(t, h.finished)
}
