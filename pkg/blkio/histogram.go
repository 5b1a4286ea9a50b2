// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package blkio

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/antimetal/iodiag/pkg/blkio/table"
)

// Log2Slot returns floor(log2(v)) capped at HistogramSlots-1. Zero maps to slot 0.
func Log2Slot(v uint64) uint32 {
	if v == 0 {
		return 0
	}
	slot := uint32(bits.Len64(v) - 1)
	if slot >= HistogramSlots {
		slot = HistogramSlots - 1
	}
	return slot
}

// SlotBounds returns the inclusive value range counted by slot.
func SlotBounds(slot uint32) (low, high uint64) {
	if slot == 0 {
		return 0, 1
	}
	return 1 << slot, 1<<(slot+1) - 1
}

func histKeyHash(k HistKey) uint64 {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:], k.Cgroup)
	binary.LittleEndian.PutUint32(buf[8:], k.Partition)
	binary.LittleEndian.PutUint32(buf[12:], k.Slot)

	d := xxhash.New()
	_, _ = d.Write(buf[:])
	_, _ = d.WriteString(k.Disk)
	return d.Sum64()
}

const histogramShards = 8

// Histogram is a keyed set of log2 latency counters.
type Histogram struct {
	buckets *table.Table[HistKey, uint64]
}

// NewHistogram creates a Histogram holding at most capacity distinct keys.
func NewHistogram(capacity int) (*Histogram, error) {
	t, err := table.New[HistKey, uint64](capacity, histKeyHash, table.WithShards(histogramShards))
	if err != nil {
		return nil, fmt.Errorf("failed to create histogram table: %w", err)
	}
	return &Histogram{buckets: t}, nil
}

// Increment adds one to the bucket for key. It returns false if the key is new
// and the table is full.
func (h *Histogram) Increment(key HistKey) bool {
	return h.buckets.Upsert(key, func(v *uint64) { *v++ })
}

// Len returns the number of populated buckets.
func (h *Histogram) Len() int {
	return h.buckets.Len()
}

// Dropped returns how many increments were lost to a full table.
func (h *Histogram) Dropped() uint64 {
	return h.buckets.Dropped()
}

// ReadAndClear returns all counts and resets them. Each shard is swapped
// atomically, but increments landing in a shard after it was swapped are
// reported by the next call, so one interval may include a few late events.
func (h *Histogram) ReadAndClear() map[HistKey]uint64 {
	return h.buckets.Drain()
}

// SectionKey groups histogram buckets for display.
type SectionKey struct {
	Cgroup    uint64
	Disk      string
	Partition uint32
}

// Section is one log2 distribution.
type Section struct {
	SectionKey
	Counts [HistogramSlots]uint64
}

// MaxSlot returns the highest slot with a non-zero count, or -1 if empty.
func (s Section) MaxSlot() int {
	for i := HistogramSlots - 1; i >= 0; i-- {
		if s.Counts[i] != 0 {
			return i
		}
	}
	return -1
}

// Total returns the number of samples in the section.
func (s Section) Total() uint64 {
	var n uint64
	for _, c := range s.Counts {
		n += c
	}
	return n
}

// Sections folds a snapshot into per-(cgroup, disk, partition) distributions,
// ordered by cgroup, disk and partition.
func Sections(snapshot map[HistKey]uint64) []Section {
	byKey := make(map[SectionKey]*Section)
	for k, count := range snapshot {
		sk := SectionKey{Cgroup: k.Cgroup, Disk: k.Disk, Partition: k.Partition}
		s, ok := byKey[sk]
		if !ok {
			s = &Section{SectionKey: sk}
			byKey[sk] = s
		}
		slot := k.Slot
		if slot >= HistogramSlots {
			slot = HistogramSlots - 1
		}
		s.Counts[slot] += count
	}

	out := make([]Section, 0, len(byKey))
	for _, s := range byKey {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Cgroup != b.Cgroup {
			return a.Cgroup < b.Cgroup
		}
		if a.Disk != b.Disk {
			return a.Disk < b.Disk
		}
		return a.Partition < b.Partition
	})
	return out
}
