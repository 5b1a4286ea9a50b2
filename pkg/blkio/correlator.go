// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package blkio

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/go-logr/logr"

	"github.com/antimetal/iodiag/pkg/blkio/table"
)

// Mode selects what the Correlator produces at final accounting.
type Mode int

const (
	// ModeHistogram increments a log2 bucket per completed request.
	ModeHistogram Mode = iota
	// ModeEvents emits one EventRecord per completed request.
	ModeEvents
)

func (m Mode) String() string {
	if m == ModeEvents {
		return "events"
	}
	return "histogram"
}

// EventSink accepts completed requests without blocking. Push returns false
// when the record was dropped.
type EventSink interface {
	Push(EventRecord) bool
}

// CorrelatorOptions configures a Correlator.
type CorrelatorOptions struct {
	Mode    Mode
	Unit    Unit
	Filters FilterSet
	// TableCapacity bounds each of the bio, request and link tables.
	TableCapacity int
	// Histogram is required in ModeHistogram.
	Histogram *Histogram
	// Events is required in ModeEvents.
	Events EventSink
	Logger logr.Logger
}

// Stats is a snapshot of the Correlator's counters.
type Stats struct {
	Submitted      uint64
	Rejected       uint64
	Attached       uint64
	SplitRecovered uint64
	Untracked      uint64
	Merged         uint64
	MergedAway     uint64
	Filtered       uint64
	Emitted        uint64
	RingDropped    uint64

	BioOverflow       uint64
	RequestOverflow   uint64
	HistogramOverflow uint64

	TrackedBios     int
	TrackedRequests int
}

// KeysAndValues flattens the snapshot for structured logging.
func (s Stats) KeysAndValues() []any {
	return []any{
		"submitted", s.Submitted,
		"rejected", s.Rejected,
		"attached", s.Attached,
		"splitRecovered", s.SplitRecovered,
		"untracked", s.Untracked,
		"merged", s.Merged,
		"mergedAway", s.MergedAway,
		"filtered", s.Filtered,
		"emitted", s.Emitted,
		"ringDropped", s.RingDropped,
		"bioOverflow", s.BioOverflow,
		"requestOverflow", s.RequestOverflow,
		"histogramOverflow", s.HistogramOverflow,
		"trackedBios", s.TrackedBios,
		"trackedRequests", s.TrackedRequests,
	}
}

type counters struct {
	submitted      atomic.Uint64
	rejected       atomic.Uint64
	attached       atomic.Uint64
	splitRecovered atomic.Uint64
	untracked      atomic.Uint64
	merged         atomic.Uint64
	mergedAway     atomic.Uint64
	filtered       atomic.Uint64
	emitted        atomic.Uint64
	ringDropped    atomic.Uint64
}

// Correlator follows bios into requests and requests to completion.
//
// Every hook is safe to call from any goroutine. A hook that misses in a
// table does nothing, and an insertion into a full table is dropped and
// counted.
type Correlator struct {
	logger  logr.Logger
	mode    Mode
	unit    Unit
	filters FilterSet

	bios     *table.Table[BioID, BioRecord]
	requests *table.Table[RequestID, RequestRecord]
	// links records the bio that created each request. It is deleted
	// together with the request but may be missing on its own.
	links *table.Table[RequestID, BioID]

	hist   *Histogram
	events EventSink

	stats counters
}

var _ Hooks = (*Correlator)(nil)

// NewCorrelator creates a Correlator. The filters are fixed for its lifetime.
func NewCorrelator(opts CorrelatorOptions) (*Correlator, error) {
	switch opts.Mode {
	case ModeHistogram:
		if opts.Histogram == nil {
			return nil, errors.New("histogram mode requires a histogram")
		}
	case ModeEvents:
		if opts.Events == nil {
			return nil, errors.New("event mode requires an event sink")
		}
	default:
		return nil, fmt.Errorf("unknown correlator mode %d", opts.Mode)
	}

	capacity := opts.TableCapacity
	if capacity == 0 {
		capacity = table.DefaultCapacity
	}

	bios, err := table.New[BioID, BioRecord](capacity, table.Uint64Hasher[BioID]())
	if err != nil {
		return nil, fmt.Errorf("failed to create bio table: %w", err)
	}
	requests, err := table.New[RequestID, RequestRecord](capacity, table.Uint64Hasher[RequestID]())
	if err != nil {
		return nil, fmt.Errorf("failed to create request table: %w", err)
	}
	links, err := table.New[RequestID, BioID](capacity, table.Uint64Hasher[RequestID]())
	if err != nil {
		return nil, fmt.Errorf("failed to create link table: %w", err)
	}

	c := &Correlator{
		logger:   opts.Logger.WithName("correlator"),
		mode:     opts.Mode,
		unit:     opts.Unit,
		filters:  opts.Filters,
		bios:     bios,
		requests: requests,
		links:    links,
		hist:     opts.Histogram,
		events:   opts.Events,
	}
	c.logger.V(1).Info("Correlator ready",
		"mode", c.mode, "unit", c.unit, "filters", c.filters.String(), "capacity", capacity)
	return c, nil
}

// Mode returns the output mode.
func (c *Correlator) Mode() Mode {
	return c.mode
}

// Unit returns the reporting unit.
func (c *Correlator) Unit() Unit {
	return c.unit
}

// Submit starts tracking a bio unless its operation is filtered out.
func (c *Correlator) Submit(e SubmitEvent) {
	if !c.filters.AcceptOperation(e.OpFlags) {
		c.stats.rejected.Add(1)
		return
	}
	if c.bios.Put(e.Bio, BioRecord{
		Start:  e.Timestamp,
		PID:    e.PID,
		Comm:   e.Comm,
		Cgroup: e.Cgroup,
	}) {
		c.stats.submitted.Add(1)
	}
}

// EndBio forgets a bio that completed without joining a tracked request.
func (c *Correlator) EndBio(e EndBioEvent) {
	c.bios.Delete(e.Bio)
}

// Attach creates the request record for a bio that initialised a request.
// A split child with no record of its own inherits its parent's origin.
func (c *Correlator) Attach(e AttachEvent) {
	origin, ok := c.bios.Get(e.Bio)
	if !ok {
		if !e.Cloned || !e.ParentChained {
			c.stats.untracked.Add(1)
			return
		}
		if origin, ok = c.bios.Get(e.Parent); !ok {
			c.stats.untracked.Add(1)
			return
		}
		c.stats.splitRecovered.Add(1)
	}

	if origin.Cgroup == 0 {
		origin.Cgroup = e.Cgroup
	}

	if !c.filters.AcceptCgroup(origin.Cgroup) {
		c.bios.Delete(e.Bio)
		c.stats.filtered.Add(1)
		return
	}

	rec := RequestRecord{
		Origin:   origin,
		Start:    e.Timestamp,
		BioCount: 1,
		Flags:    e.CmdFlags,
	}
	rec.Stages[StageGenBlk] = elapsed(e.Timestamp, origin.Start)

	if c.requests.Put(e.Request, rec) {
		c.links.Put(e.Request, e.Bio)
		c.stats.attached.Add(1)
	}
	c.bios.Delete(e.Bio)
}

// AccountStart counts a bio merged into an already tracked request.
func (c *Correlator) AccountStart(e AccountStartEvent) {
	if e.NewIO {
		return
	}
	if c.requests.Update(e.Request, func(r *RequestRecord) { r.BioCount++ }) {
		c.stats.merged.Add(1)
	}
}

// MergeReturn drops a request that was merged into another one.
func (c *Correlator) MergeReturn(e MergeReturnEvent) {
	if e.Returned == 0 {
		return
	}
	if c.requests.Delete(e.Returned) {
		c.stats.mergedAway.Add(1)
	}
	c.links.Delete(e.Returned)
}

// Dispatch records the scheduler stage.
func (c *Correlator) Dispatch(e DispatchEvent) {
	c.requests.Update(e.Request, func(r *RequestRecord) {
		r.Stages[StageIOSched] = elapsed(e.Timestamp, r.Start)
	})
}

// DriverComplete records the driver stage along with the transfer size and sector.
func (c *Correlator) DriverComplete(e CompleteEvent) {
	c.requests.Update(e.Request, func(r *RequestRecord) {
		r.Stages[StageDiskDrv] = elapsed(e.Timestamp, r.Start+r.Stages[StageIOSched])
		r.Size = e.Size
		r.Sector = e.Sector
	})
}

// Done finishes a request: it is filtered, then counted in the histogram or
// emitted as an event. The request's tracking state is always removed.
func (c *Correlator) Done(e DoneEvent) {
	rec, ok := c.requests.Take(e.Request)
	_, linked := c.links.Take(e.Request)
	if !ok || !linked {
		return
	}

	if !c.filters.AcceptDevice(e.Device) {
		c.stats.filtered.Add(1)
		return
	}

	total := c.unit.FromNanoseconds(elapsed(e.Timestamp, rec.Origin.Start))
	if c.mode == ModeEvents && !c.filters.AcceptLatency(total) {
		c.stats.filtered.Add(1)
		return
	}

	rec.Stages[StageReqDone] = elapsed(e.Timestamp,
		rec.Start+rec.Stages[StageIOSched]+rec.Stages[StageDiskDrv])

	switch c.mode {
	case ModeHistogram:
		key := HistKey{
			Cgroup:    rec.Origin.Cgroup,
			Disk:      e.Disk,
			Partition: e.Partition,
			Slot:      Log2Slot(total),
		}
		if c.hist.Increment(key) {
			c.stats.emitted.Add(1)
		}
	case ModeEvents:
		ev := EventRecord{
			Cgroup:    rec.Origin.Cgroup,
			Disk:      e.Disk,
			Partition: e.Partition,
			PID:       rec.Origin.PID,
			Comm:      rec.Origin.Comm,
			Flags:     rec.Flags,
			BioCount:  rec.BioCount,
			Sector:    rec.Sector,
			Size:      rec.Size,
			Unit:      c.unit,
		}
		ev.Stages, ev.Total = c.breakdown(rec, elapsed(e.Timestamp, rec.Origin.Start))
		if c.events.Push(ev) {
			c.stats.emitted.Add(1)
		} else {
			c.stats.ringDropped.Add(1)
		}
	}
}

// breakdown converts stage durations into the reporting unit. Each stage is
// the difference of truncated cumulative boundaries so the stages always sum
// to the total.
func (c *Correlator) breakdown(rec RequestRecord, total uint64) ([NumStages]uint64, uint64) {
	var bounds [NumStages + 1]uint64
	for i := 0; i < NumStages-1; i++ {
		bounds[i+1] = min(bounds[i]+rec.Stages[i], total)
	}
	bounds[NumStages] = total

	var stages [NumStages]uint64
	for i := range stages {
		stages[i] = c.unit.FromNanoseconds(bounds[i+1]) - c.unit.FromNanoseconds(bounds[i])
	}
	return stages, c.unit.FromNanoseconds(total)
}

// Stats returns a snapshot of the counters and table occupancy.
func (c *Correlator) Stats() Stats {
	s := Stats{
		Submitted:       c.stats.submitted.Load(),
		Rejected:        c.stats.rejected.Load(),
		Attached:        c.stats.attached.Load(),
		SplitRecovered:  c.stats.splitRecovered.Load(),
		Untracked:       c.stats.untracked.Load(),
		Merged:          c.stats.merged.Load(),
		MergedAway:      c.stats.mergedAway.Load(),
		Filtered:        c.stats.filtered.Load(),
		Emitted:         c.stats.emitted.Load(),
		RingDropped:     c.stats.ringDropped.Load(),
		BioOverflow:     c.bios.Dropped(),
		RequestOverflow: c.requests.Dropped() + c.links.Dropped(),
		TrackedBios:     c.bios.Len(),
		TrackedRequests: c.requests.Len(),
	}
	if c.hist != nil {
		s.HistogramOverflow = c.hist.Dropped()
	}
	return s
}

func elapsed(now, since uint64) uint64 {
	if now < since {
		return 0
	}
	return now - since
}
