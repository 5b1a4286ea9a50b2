// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package blkio

import (
	"errors"
	"fmt"
	"strings"
)

// Request operation and flag bits from include/linux/blk_types.h.
const (
	ReqOpMask  = 0xff
	ReqOpRead  = 0
	ReqOpWrite = 1

	reqOpBits = 8
)

var ErrInvalidOperation = errors.New("invalid operation")

// Operation selects reads or writes.
type Operation uint32

const (
	OpRead  Operation = ReqOpRead
	OpWrite Operation = ReqOpWrite
)

// ParseOperation accepts read/r/0 and write/w/1.
func ParseOperation(s string) (Operation, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "read", "r", "0":
		return OpRead, nil
	case "write", "w", "1":
		return OpWrite, nil
	}
	return 0, fmt.Errorf("%w: %q (want read or write)", ErrInvalidOperation, s)
}

// Matches reports whether the op field of cmdFlags equals o.
func (o Operation) Matches(cmdFlags uint32) bool {
	return cmdFlags&ReqOpMask == uint32(o)
}

func (o Operation) String() string {
	if o == OpWrite {
		return "write"
	}
	return "read"
}

func (o *Operation) UnmarshalText(text []byte) error {
	v, err := ParseOperation(string(text))
	if err != nil {
		return err
	}
	*o = v
	return nil
}

var opPrefixes = map[uint32]string{
	0: "R_",
	1: "W_",
	2: "F_",
	3: "D_",
	5: "S_",
	6: "Z_",
	7: "Ws_",
	9: "Wz_",
}

var flagSuffixes = []struct {
	bit  uint
	name string
}{
	{3, "S"},   // SYNC
	{4, "M"},   // META
	{9, "F"},   // FUA
	{5, "P"},   // PRIO
	{6, "Nm"},  // NOMERGE
	{7, "I"},   // IDLE
	{10, "Pf"}, // PREFLUSH
	{11, "R"},  // RAHEAD
	{12, "B"},  // BACKGROUND
	{14, "Nw"}, // NOWAIT
}

// DescribeFlags renders request cmd flags the way the OP column shows them,
// e.g. "W_SM" for a synchronous metadata write. Unknown ops render as "Unknown".
func DescribeFlags(cmdFlags uint32) string {
	var b strings.Builder
	prefix, ok := opPrefixes[cmdFlags&ReqOpMask]
	if !ok {
		prefix = "Unknown"
	}
	b.WriteString(prefix)
	for _, f := range flagSuffixes {
		if cmdFlags&(1<<(reqOpBits+f.bit)) != 0 {
			b.WriteString(f.name)
		}
	}
	return b.String()
}
