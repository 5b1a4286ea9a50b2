// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package blkio

import (
	"strconv"
	"strings"
)

// FilterSet holds the optional predicates the Correlator checks at its
// decision points. A nil field accepts everything.
//
// The set is fixed once the Correlator is built.
type FilterSet struct {
	// Device keeps only requests completing on this partition.
	Device *DeviceNumber
	// Operation keeps only bios whose op matches at submission.
	Operation *Operation
	// Cgroup keeps only requests whose originating cgroup id matches at attachment.
	Cgroup *uint64
	// Threshold keeps only events whose total latency, in the configured
	// unit, is strictly greater. It is ignored in histogram mode.
	Threshold *uint64
}

// AcceptOperation is evaluated at bio submission.
func (f FilterSet) AcceptOperation(cmdFlags uint32) bool {
	return f.Operation == nil || f.Operation.Matches(cmdFlags)
}

// AcceptCgroup is evaluated at attachment, after cgroup 0 has been re-derived.
func (f FilterSet) AcceptCgroup(cgroup uint64) bool {
	return f.Cgroup == nil || *f.Cgroup == cgroup
}

// AcceptDevice is evaluated at final accounting.
func (f FilterSet) AcceptDevice(dev DeviceNumber) bool {
	return f.Device == nil || *f.Device == dev
}

// AcceptLatency is evaluated at final accounting in event mode.
func (f FilterSet) AcceptLatency(total uint64) bool {
	return f.Threshold == nil || total > *f.Threshold
}

// Empty reports whether no predicate is set.
func (f FilterSet) Empty() bool {
	return f.Device == nil && f.Operation == nil && f.Cgroup == nil && f.Threshold == nil
}

func (f FilterSet) String() string {
	var parts []string
	if f.Device != nil {
		parts = append(parts, "device="+f.Device.String())
	}
	if f.Operation != nil {
		parts = append(parts, "op="+f.Operation.String())
	}
	if f.Cgroup != nil {
		parts = append(parts, "cgroup="+strconv.FormatUint(*f.Cgroup, 10))
	}
	if f.Threshold != nil {
		parts = append(parts, "threshold="+strconv.FormatUint(*f.Threshold, 10))
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, " ")
}
