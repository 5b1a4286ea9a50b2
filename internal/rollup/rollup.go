// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package rollup accumulates completed requests per disk and container for
// the summary written at shutdown.
package rollup

import (
	"github.com/antimetal/iodiag/pkg/blkio"
)

// StageStats is the running min, max and total of one stage latency.
type StageStats struct {
	Min   uint64
	Max   uint64
	Total uint64
}

func (s *StageStats) add(v uint64, first bool) {
	if first || v < s.Min {
		s.Min = v
	}
	if first || v > s.Max {
		s.Max = v
	}
	s.Total += v
}

// ContainerStats aggregates one container's requests on one disk.
type ContainerStats struct {
	Container string
	IOs       uint64
	Latency   uint64
	Stages    [blkio.NumStages]StageStats
}

// DiskStats aggregates the requests completed on one disk or partition.
// Containers are kept in the order they were first seen.
type DiskStats struct {
	Disk       string
	IOs        uint64
	Latency    uint64
	Containers []ContainerStats
}

// Rollup is empty when created, only grows while events are added, and is
// flushed once at shutdown. It is not safe for concurrent use.
type Rollup struct {
	disks  []*DiskStats
	byDisk map[string]int
	// byContainer indexes into DiskStats.Containers per disk.
	byContainer map[string]map[string]int
}

// New returns an empty Rollup.
func New() *Rollup {
	return &Rollup{
		byDisk:      make(map[string]int),
		byContainer: make(map[string]map[string]int),
	}
}

// Add accounts one completed request attributed to container.
func (r *Rollup) Add(ev blkio.EventRecord, container string) {
	label := ev.DiskLabel()

	di, ok := r.byDisk[label]
	if !ok {
		di = len(r.disks)
		r.byDisk[label] = di
		r.disks = append(r.disks, &DiskStats{Disk: label})
		r.byContainer[label] = make(map[string]int)
	}
	disk := r.disks[di]
	disk.IOs++
	disk.Latency += ev.Total

	ci, ok := r.byContainer[label][container]
	if !ok {
		ci = len(disk.Containers)
		r.byContainer[label][container] = ci
		disk.Containers = append(disk.Containers, ContainerStats{Container: container})
	}
	c := &disk.Containers[ci]
	c.IOs++
	c.Latency += ev.Total
	for i, v := range ev.Stages {
		c.Stages[i].add(v, !ok)
	}
}

// Len returns the number of disks seen.
func (r *Rollup) Len() int {
	return len(r.disks)
}

// Disks returns a copy of the accumulated statistics in first-seen order.
func (r *Rollup) Disks() []DiskStats {
	out := make([]DiskStats, len(r.disks))
	for i, d := range r.disks {
		out[i] = *d
		out[i].Containers = append([]ContainerStats(nil), d.Containers...)
	}
	return out
}
