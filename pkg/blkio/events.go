// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package blkio

// The event types below carry what each block layer hook observed. Timestamps
// are CLOCK_MONOTONIC nanoseconds taken inside the hook.

// SubmitEvent is raised when a bio enters the block layer (submit_bio).
type SubmitEvent struct {
	Timestamp uint64
	Bio       BioID
	// OpFlags is bio->bi_opf.
	OpFlags uint32
	PID     uint32
	Comm    string
	// Cgroup is the bio's blkcg cgroup id, or 0 when not yet associated.
	Cgroup uint64
}

// EndBioEvent is raised when a bio completes (bio_endio), including bios that
// never reached a request because of errors or merging.
type EndBioEvent struct {
	Timestamp uint64
	Bio       BioID
}

// AttachEvent is raised when a bio is used to initialise a new request.
type AttachEvent struct {
	Timestamp uint64
	Request   RequestID
	Bio       BioID
	// Parent is bio->bi_private, meaningful only for cloned bios.
	Parent BioID
	// Cloned reports BIO_CLONED on the bio.
	Cloned bool
	// ParentChained reports BIO_CHAIN on the parent.
	ParentChained bool
	// Cgroup is the bio's cgroup id as seen at attachment.
	Cgroup uint64
	// CmdFlags is req->cmd_flags, captured before the kernel clears bits.
	CmdFlags uint32
}

// AccountStartEvent is raised by blk_account_io_start.
type AccountStartEvent struct {
	Timestamp uint64
	Request   RequestID
	// NewIO is false when a bio was merged into an existing request.
	NewIO bool
}

// MergeReturnEvent is raised when attempt_merge returns. Returned is the
// request that was merged away, or 0 when nothing merged.
type MergeReturnEvent struct {
	Timestamp uint64
	Returned  RequestID
}

// DispatchEvent is raised when the scheduler hands a request to the driver.
type DispatchEvent struct {
	Timestamp uint64
	Request   RequestID
}

// CompleteEvent is raised when the driver completes (part of) a request.
type CompleteEvent struct {
	Timestamp uint64
	Request   RequestID
	Size      uint32
	Sector    uint64
}

// DoneEvent is raised at final accounting of a request.
type DoneEvent struct {
	Timestamp uint64
	Request   RequestID
	// Device is the partition's device number.
	Device    DeviceNumber
	Disk      string
	Partition uint32
}

// Hooks receives block layer events in the order the kernel produced them.
type Hooks interface {
	Submit(SubmitEvent)
	EndBio(EndBioEvent)
	Attach(AttachEvent)
	AccountStart(AccountStartEvent)
	MergeReturn(MergeReturnEvent)
	Dispatch(DispatchEvent)
	DriverComplete(CompleteEvent)
	Done(DoneEvent)
}
