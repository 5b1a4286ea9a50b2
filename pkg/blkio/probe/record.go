// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package probe

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/antimetal/iodiag/pkg/blkio"
)

// HookKind identifies which kernel hook produced a record.
type HookKind uint32

const (
	KindSubmit HookKind = iota + 1
	KindEndIO
	KindAttach
	KindAccountStart
	KindMergeReturn
	KindDispatch
	KindComplete
	KindDone
)

func (k HookKind) String() string {
	switch k {
	case KindSubmit:
		return "submit"
	case KindEndIO:
		return "endio"
	case KindAttach:
		return "attach"
	case KindAccountStart:
		return "account_start"
	case KindMergeReturn:
		return "merge_return"
	case KindDispatch:
		return "dispatch"
	case KindComplete:
		return "complete"
	case KindDone:
		return "done"
	}
	return fmt.Sprintf("kind(%d)", uint32(k))
}

// HookRecord mirrors struct hook_event in ebpf/src/blkhooks.bpf.c.
type HookRecord struct {
	Timestamp     uint64
	Bio           uint64
	Request       uint64
	Parent        uint64
	Cgroup        uint64
	Sector        uint64
	Size          uint64
	Flags         uint64
	Kind          uint32
	PID           uint32
	Dev           uint32
	Partno        uint32
	Cloned        uint8
	ParentChained uint8
	NewIO         uint8
	_             [5]uint8
	Comm          [blkio.CommLen]byte
	Disk          [32]byte
}

const hookRecordSize = int(unsafe.Sizeof(HookRecord{}))

// Decode parses one ring buffer sample.
func Decode(data []byte) (HookRecord, error) {
	var raw HookRecord
	if len(data) < hookRecordSize {
		return raw, fmt.Errorf("hook event too small: %d bytes, want %d", len(data), hookRecordSize)
	}
	if err := binary.Read(bytes.NewReader(data[:hookRecordSize]), binary.LittleEndian, &raw); err != nil {
		return raw, fmt.Errorf("reading hook event: %w", err)
	}
	return raw, nil
}

// Dispatch hands a decoded record to the matching hook.
func Dispatch(raw HookRecord, hooks blkio.Hooks) error {
	switch HookKind(raw.Kind) {
	case KindSubmit:
		hooks.Submit(blkio.SubmitEvent{
			Timestamp: raw.Timestamp,
			Bio:       blkio.BioID(raw.Bio),
			OpFlags:   uint32(raw.Flags),
			PID:       raw.PID,
			Comm:      unix.ByteSliceToString(raw.Comm[:]),
			Cgroup:    raw.Cgroup,
		})
	case KindEndIO:
		hooks.EndBio(blkio.EndBioEvent{
			Timestamp: raw.Timestamp,
			Bio:       blkio.BioID(raw.Bio),
		})
	case KindAttach:
		hooks.Attach(blkio.AttachEvent{
			Timestamp:     raw.Timestamp,
			Request:       blkio.RequestID(raw.Request),
			Bio:           blkio.BioID(raw.Bio),
			Parent:        blkio.BioID(raw.Parent),
			Cloned:        raw.Cloned != 0,
			ParentChained: raw.ParentChained != 0,
			Cgroup:        raw.Cgroup,
			CmdFlags:      uint32(raw.Flags),
		})
	case KindAccountStart:
		hooks.AccountStart(blkio.AccountStartEvent{
			Timestamp: raw.Timestamp,
			Request:   blkio.RequestID(raw.Request),
			NewIO:     raw.NewIO != 0,
		})
	case KindMergeReturn:
		hooks.MergeReturn(blkio.MergeReturnEvent{
			Timestamp: raw.Timestamp,
			Returned:  blkio.RequestID(raw.Request),
		})
	case KindDispatch:
		hooks.Dispatch(blkio.DispatchEvent{
			Timestamp: raw.Timestamp,
			Request:   blkio.RequestID(raw.Request),
		})
	case KindComplete:
		hooks.DriverComplete(blkio.CompleteEvent{
			Timestamp: raw.Timestamp,
			Request:   blkio.RequestID(raw.Request),
			Size:      uint32(raw.Size),
			Sector:    raw.Sector,
		})
	case KindDone:
		hooks.Done(blkio.DoneEvent{
			Timestamp: raw.Timestamp,
			Request:   blkio.RequestID(raw.Request),
			Device:    blkio.DeviceFromKernel(raw.Dev),
			Disk:      unix.ByteSliceToString(raw.Disk[:]),
			Partition: raw.Partno,
		})
	default:
		return fmt.Errorf("unknown hook kind %d", raw.Kind)
	}
	return nil
}
