// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package poller drains correlator output on a fixed interval.
package poller

import (
	"context"
	"errors"
	"time"

	"github.com/go-logr/logr"

	"github.com/antimetal/iodiag/pkg/blkio"
	"github.com/antimetal/iodiag/pkg/performance/ringbuffer"
)

// DefaultBatchSize bounds how many events are handed over at once.
const DefaultBatchSize = 256

// Drainer is called once per interval and once more after cancellation.
type Drainer interface {
	Drain(now time.Time) error
	// Finish runs after the final Drain.
	Finish(now time.Time) error
}

// Poller runs a Drainer on a ticker.
type Poller struct {
	logger   logr.Logger
	interval time.Duration
	drainer  Drainer
	now      func() time.Time
}

// New creates a Poller.
func New(logger logr.Logger, interval time.Duration, d Drainer) (*Poller, error) {
	if interval <= 0 {
		return nil, errors.New("poll interval must be positive")
	}
	if d == nil {
		return nil, errors.New("drainer is required")
	}
	return &Poller{
		logger:   logger.WithName("poller"),
		interval: interval,
		drainer:  d,
		now:      time.Now,
	}, nil
}

// Run drains until ctx is cancelled, then drains one last time and finishes.
// A Drain error is logged and polling continues; the final Drain and Finish
// errors are returned.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.V(1).Info("Polling started", "interval", p.interval)
	for {
		select {
		case <-ctx.Done():
			now := p.now()
			return errors.Join(p.drainer.Drain(now), p.drainer.Finish(now))
		case <-ticker.C:
			if err := p.drainer.Drain(p.now()); err != nil {
				p.logger.Error(err, "Failed to drain")
			}
		}
	}
}

// EventHandler consumes drained events.
type EventHandler interface {
	HandleEvents(now time.Time, batch []blkio.EventRecord) error
	Finish(now time.Time) error
}

// EventDrainer empties an event ring in bounded batches.
type EventDrainer struct {
	ring    *ringbuffer.RingBuffer[blkio.EventRecord]
	handler EventHandler
	batch   []blkio.EventRecord
}

// NewEventDrainer creates an EventDrainer handing at most batchSize events
// to h per call, DefaultBatchSize when batchSize is not positive.
func NewEventDrainer(ring *ringbuffer.RingBuffer[blkio.EventRecord], h EventHandler, batchSize int) *EventDrainer {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &EventDrainer{
		ring:    ring,
		handler: h,
		batch:   make([]blkio.EventRecord, 0, batchSize),
	}
}

// Drain repeats batches until the ring is empty.
func (d *EventDrainer) Drain(now time.Time) error {
	for {
		d.batch = d.batch[:0]
		n := d.ring.Drain(cap(d.batch), func(ev blkio.EventRecord) {
			d.batch = append(d.batch, ev)
		})
		if n == 0 {
			return nil
		}
		if err := d.handler.HandleEvents(now, d.batch); err != nil {
			return err
		}
	}
}

func (d *EventDrainer) Finish(now time.Time) error {
	return d.handler.Finish(now)
}

// HistogramHandler consumes one interval of histogram sections.
type HistogramHandler interface {
	HandleSections(now time.Time, sections []blkio.Section) error
	Finish(now time.Time) error
}

// HistogramDrainer read-and-clears a histogram.
type HistogramDrainer struct {
	hist    *blkio.Histogram
	handler HistogramHandler
}

// NewHistogramDrainer creates a HistogramDrainer.
func NewHistogramDrainer(hist *blkio.Histogram, h HistogramHandler) *HistogramDrainer {
	return &HistogramDrainer{hist: hist, handler: h}
}

func (d *HistogramDrainer) Drain(now time.Time) error {
	return d.handler.HandleSections(now, blkio.Sections(d.hist.ReadAndClear()))
}

func (d *HistogramDrainer) Finish(now time.Time) error {
	return d.handler.Finish(now)
}
