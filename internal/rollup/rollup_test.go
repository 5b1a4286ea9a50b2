// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

//go:build !integration

package rollup

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antimetal/iodiag/pkg/blkio"
)

func event(disk string, part uint32, stages ...uint64) blkio.EventRecord {
	ev := blkio.EventRecord{Disk: disk, Partition: part}
	copy(ev.Stages[:], stages)
	for _, s := range ev.Stages {
		ev.Total += s
	}
	return ev
}

func TestRollup_Empty(t *testing.T) {
	r := New()
	assert.Zero(t, r.Len())
	assert.Empty(t, r.Disks())
}

func TestRollup_Add(t *testing.T) {
	r := New()
	r.Add(event("sda", 0, 2, 3, 4, 3), "web")
	r.Add(event("sda", 0, 1, 5, 2, 2), "web")
	r.Add(event("sda", 0, 10, 0, 0, 0), "db")
	r.Add(event("nvme0n1p", 1, 1, 1, 1, 1), "web")

	disks := r.Disks()
	require.Len(t, disks, 2)
	assert.Equal(t, 2, r.Len())

	sda := disks[0]
	assert.Equal(t, "sda", sda.Disk)
	assert.Equal(t, uint64(3), sda.IOs)
	assert.Equal(t, uint64(12+10+10), sda.Latency)
	require.Len(t, sda.Containers, 2)

	web := sda.Containers[0]
	assert.Equal(t, "web", web.Container)
	assert.Equal(t, uint64(2), web.IOs)
	assert.Equal(t, uint64(22), web.Latency)
	assert.Equal(t, [blkio.NumStages]StageStats{
		{Min: 1, Max: 2, Total: 3},
		{Min: 3, Max: 5, Total: 8},
		{Min: 2, Max: 4, Total: 6},
		{Min: 2, Max: 3, Total: 5},
	}, web.Stages)

	db := sda.Containers[1]
	assert.Equal(t, "db", db.Container)
	assert.Equal(t, StageStats{Min: 10, Max: 10, Total: 10}, db.Stages[0])
	assert.Equal(t, StageStats{}, db.Stages[1])

	part := disks[1]
	assert.Equal(t, "nvme0n1p1", part.Disk)
	assert.Equal(t, uint64(1), part.IOs)
}

func TestRollup_MinTracksZero(t *testing.T) {
	r := New()
	r.Add(event("sda", 0, 5, 5, 5, 5), "web")
	r.Add(event("sda", 0, 0, 7, 5, 5), "web")

	st := r.Disks()[0].Containers[0].Stages
	assert.Equal(t, StageStats{Min: 0, Max: 5, Total: 5}, st[0])
	assert.Equal(t, StageStats{Min: 5, Max: 7, Total: 12}, st[1])
}

func TestRollup_DisksIsACopy(t *testing.T) {
	r := New()
	r.Add(event("sda", 0, 1, 1, 1, 1), "web")

	disks := r.Disks()
	disks[0].IOs = 99
	disks[0].Containers[0].IOs = 99

	again := r.Disks()
	assert.Equal(t, uint64(1), again[0].IOs)
	assert.Equal(t, uint64(1), again[0].Containers[0].IOs)
}

// Totals across containers equal the disk total.
func TestRollup_Consistency(t *testing.T) {
	r := New()
	names := []string{"a", "b", "c"}
	for i := 0; i < 30; i++ {
		r.Add(event("sdb", 0, uint64(i), uint64(i%3), 1, 0), names[i%3])
	}

	d := r.Disks()[0]
	var ios, lat uint64
	for _, c := range d.Containers {
		ios += c.IOs
		lat += c.Latency
		var stages uint64
		for _, s := range c.Stages {
			stages += s.Total
		}
		assert.Equal(t, c.Latency, stages)
	}
	assert.Equal(t, d.IOs, ios)
	assert.Equal(t, d.Latency, lat)
}
