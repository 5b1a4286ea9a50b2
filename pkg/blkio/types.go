// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package blkio correlates block layer hook activity into per-request latency.
//
// A bio is tracked from submission until it is attached to a request. From then
// on the request carries the bio's origin timestamp, process and cgroup through
// scheduler dispatch, driver completion and final accounting, where the result
// is either folded into a log2 histogram or emitted as an EventRecord.
package blkio

import (
	"fmt"
	"strconv"
)

// BioID is the kernel address of a struct bio. It is only used as a key.
type BioID uint64

// RequestID is the kernel address of a struct request. It is only used as a key.
type RequestID uint64

// CommLen matches TASK_COMM_LEN.
const CommLen = 16

// HistogramSlots is the number of log2 buckets per histogram key.
const HistogramSlots = 32

// Stage indexes the per-request latency breakdown.
type Stage int

const (
	// StageGenBlk is submission to attachment to a request.
	StageGenBlk Stage = iota
	// StageIOSched is attachment to dispatch by the I/O scheduler.
	StageIOSched
	// StageDiskDrv is dispatch to driver completion.
	StageDiskDrv
	// StageReqDone is driver completion to final accounting.
	StageReqDone

	NumStages = 4
)

var stageNames = [NumStages]string{"GEN_BLK", "IO_SCHED", "DISK_DRV", "REQ_DONE"}

func (s Stage) String() string {
	if s < 0 || int(s) >= NumStages {
		return "Stage(" + strconv.Itoa(int(s)) + ")"
	}
	return stageNames[s]
}

// Stages returns every stage in order.
func Stages() [NumStages]Stage {
	return [NumStages]Stage{StageGenBlk, StageIOSched, StageDiskDrv, StageReqDone}
}

// DeviceNumber identifies a block device by major and minor number.
type DeviceNumber struct {
	Major uint32
	Minor uint32
}

// DeviceFromKernel splits a kernel-internal dev_t (MKDEV with MINORBITS=20).
func DeviceFromKernel(dev uint32) DeviceNumber {
	return DeviceNumber{Major: dev >> 20, Minor: dev & 0xfffff}
}

// Kernel returns the kernel-internal dev_t encoding.
func (d DeviceNumber) Kernel() uint32 {
	return d.Major<<20 | d.Minor&0xfffff
}

func (d DeviceNumber) String() string {
	return fmt.Sprintf("%d:%d", d.Major, d.Minor)
}

// BioRecord is the state kept for a submitted bio until it joins a request.
type BioRecord struct {
	Start  uint64
	PID    uint32
	Comm   string
	Cgroup uint64
}

// RequestRecord is the state kept for a request from its first bio to final accounting.
type RequestRecord struct {
	Origin BioRecord
	// Start is when the first bio was attached.
	Start    uint64
	Stages   [NumStages]uint64
	Size     uint32
	Sector   uint64
	BioCount uint32
	Flags    uint32
}

// EventRecord is one completed request, with latencies in Unit.
type EventRecord struct {
	Cgroup    uint64
	Disk      string
	Partition uint32
	PID       uint32
	Comm      string
	Flags     uint32
	BioCount  uint32
	Sector    uint64
	Size      uint32
	Stages    [NumStages]uint64
	Total     uint64
	Unit      Unit
}

// DiskLabel returns the disk name with the partition number appended when set.
func (e EventRecord) DiskLabel() string {
	return DiskLabel(e.Disk, e.Partition)
}

// DiskLabel formats a disk name and partition number, e.g. "sda" and 1 gives "sda1".
func DiskLabel(disk string, partition uint32) string {
	if partition == 0 {
		return disk
	}
	return disk + strconv.FormatUint(uint64(partition), 10)
}

// HistKey identifies one histogram bucket.
type HistKey struct {
	Cgroup    uint64
	Disk      string
	Partition uint32
	Slot      uint32
}
