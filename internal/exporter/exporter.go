// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package exporter publishes latency distributions and correlator counters
// in the Prometheus exposition format.
package exporter

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/antimetal/iodiag/pkg/blkio"
	"github.com/antimetal/iodiag/pkg/containers"
)

const namespace = "iodiag"

// StatsFunc returns the current correlator counters.
type StatsFunc func() blkio.Stats

type statDesc struct {
	desc      *prometheus.Desc
	valueType prometheus.ValueType
	value     func(blkio.Stats) float64
}

func counter(name, help string, value func(blkio.Stats) uint64) statDesc {
	return statDesc{
		desc:      prometheus.NewDesc(prometheus.BuildFQName(namespace, "correlator", name), help, nil, nil),
		valueType: prometheus.CounterValue,
		value:     func(s blkio.Stats) float64 { return float64(value(s)) },
	}
}

func gauge(name, help string, value func(blkio.Stats) int) statDesc {
	return statDesc{
		desc:      prometheus.NewDesc(prometheus.BuildFQName(namespace, "correlator", name), help, nil, nil),
		valueType: prometheus.GaugeValue,
		value:     func(s blkio.Stats) float64 { return float64(value(s)) },
	}
}

// Exporter accumulates every observed distribution since start and exposes
// it as one cumulative histogram per (container, disk).
type Exporter struct {
	unit  blkio.Unit
	names containers.ContainerMap
	stats StatsFunc

	latency *prometheus.Desc
	counts  []statDesc

	mu    sync.Mutex
	dists map[blkio.SectionKey]*[blkio.HistogramSlots]uint64
}

var _ prometheus.Collector = (*Exporter)(nil)

// New creates an Exporter. stats may be nil.
func New(unit blkio.Unit, names containers.ContainerMap, stats StatsFunc) *Exporter {
	return &Exporter{
		unit:  unit,
		names: names,
		stats: stats,
		latency: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "request", "latency_"+unit.Label()),
			"A histogram of block request latencies in "+unit.Label()+".",
			[]string{"container", "disk"},
			nil,
		),
		counts: []statDesc{
			counter("submitted_total", "Bios admitted at submission.", func(s blkio.Stats) uint64 { return s.Submitted }),
			counter("rejected_total", "Bios rejected by the operation filter.", func(s blkio.Stats) uint64 { return s.Rejected }),
			counter("attached_total", "Bios attached to requests.", func(s blkio.Stats) uint64 { return s.Attached }),
			counter("split_recovered_total", "Split bios resolved to their parent.", func(s blkio.Stats) uint64 { return s.SplitRecovered }),
			counter("untracked_total", "Attaches without a tracked bio.", func(s blkio.Stats) uint64 { return s.Untracked }),
			counter("merged_total", "Bios merged into existing requests.", func(s blkio.Stats) uint64 { return s.Merged }),
			counter("merged_away_total", "Requests discarded by a merge.", func(s blkio.Stats) uint64 { return s.MergedAway }),
			counter("filtered_total", "Requests dropped by the device or container filter.", func(s blkio.Stats) uint64 { return s.Filtered }),
			counter("emitted_total", "Completed requests recorded.", func(s blkio.Stats) uint64 { return s.Emitted }),
			counter("ring_dropped_total", "Event records lost to a full ring.", func(s blkio.Stats) uint64 { return s.RingDropped }),
			counter("bio_overflow_total", "Bio insertions lost to a full table.", func(s blkio.Stats) uint64 { return s.BioOverflow }),
			counter("request_overflow_total", "Request insertions lost to a full table.", func(s blkio.Stats) uint64 { return s.RequestOverflow }),
			counter("histogram_overflow_total", "Histogram increments lost to a full table.", func(s blkio.Stats) uint64 { return s.HistogramOverflow }),
			gauge("tracked_bios", "Bios currently tracked.", func(s blkio.Stats) int { return s.TrackedBios }),
			gauge("tracked_requests", "Requests currently tracked.", func(s blkio.Stats) int { return s.TrackedRequests }),
		},
		dists: make(map[blkio.SectionKey]*[blkio.HistogramSlots]uint64),
	}
}

func (e *Exporter) dist(key blkio.SectionKey) *[blkio.HistogramSlots]uint64 {
	d, ok := e.dists[key]
	if !ok {
		d = new([blkio.HistogramSlots]uint64)
		e.dists[key] = d
	}
	return d
}

// ObserveSections adds one interval of histogram output.
func (e *Exporter) ObserveSections(sections []blkio.Section) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range sections {
		d := e.dist(s.SectionKey)
		for i, c := range s.Counts {
			d[i] += c
		}
	}
}

// ObserveEvents adds completed requests.
func (e *Exporter) ObserveEvents(events []blkio.EventRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ev := range events {
		key := blkio.SectionKey{Cgroup: ev.Cgroup, Disk: ev.Disk, Partition: ev.Partition}
		e.dist(key)[blkio.Log2Slot(ev.Total)]++
	}
}

func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- e.latency
	for _, c := range e.counts {
		ch <- c.desc
	}
}

func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	e.mu.Lock()
	for key, d := range e.dists {
		count, sum, buckets := cumulative(d)
		ch <- prometheus.MustNewConstHistogram(e.latency,
			count,
			sum,
			buckets,
			e.names.Label(key.Cgroup), blkio.DiskLabel(key.Disk, key.Partition),
		)
	}
	e.mu.Unlock()

	if e.stats == nil {
		return
	}
	s := e.stats()
	for _, c := range e.counts {
		ch <- prometheus.MustNewConstMetric(c.desc, c.valueType, c.value(s))
	}
}

// cumulative converts log2 slots into Prometheus buckets keyed by each slot's
// inclusive upper bound. Samples are only known to the slot, so the sum
// counts each one at its slot's lower bound.
func cumulative(d *[blkio.HistogramSlots]uint64) (uint64, float64, map[float64]uint64) {
	var (
		count uint64
		sum   float64
	)
	buckets := make(map[float64]uint64, blkio.HistogramSlots)
	for i, c := range d {
		low, high := blkio.SlotBounds(uint32(i))
		count += c
		sum += float64(low) * float64(c)
		buckets[float64(high)] = count
	}
	return count, sum, buckets
}
