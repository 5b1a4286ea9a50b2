// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package capabilities checks whether the process may load and attach BPF kprobes.
package capabilities

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Capability is a Linux capability number.
type Capability int

const (
	CAP_SYS_ADMIN Capability = 21
	CAP_PERFMON   Capability = 38
	CAP_BPF       Capability = 39
)

func (c Capability) String() string {
	switch c {
	case CAP_SYS_ADMIN:
		return "CAP_SYS_ADMIN"
	case CAP_PERFMON:
		return "CAP_PERFMON"
	case CAP_BPF:
		return "CAP_BPF"
	default:
		return "CAP_" + strconv.Itoa(int(c))
	}
}

// Set is a capability bitmask as found in /proc/<pid>/status.
type Set uint64

// Has reports whether c is in the set.
func (s Set) Has(c Capability) bool {
	return s&(1<<uint(c)) != 0
}

// ParseStatus returns the effective set from /proc/<pid>/status content.
func ParseStatus(r io.Reader) (Set, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "CapEff:") {
			continue
		}
		v, err := strconv.ParseUint(strings.TrimSpace(strings.TrimPrefix(line, "CapEff:")), 16, 64)
		if err != nil {
			return 0, fmt.Errorf("parsing CapEff: %w", err)
		}
		return Set(v), nil
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("CapEff not found")
}

// MissingError lists the capabilities that kprobe tracing still needs.
type MissingError struct {
	Missing []Capability
}

func (e *MissingError) Error() string {
	names := make([]string, len(e.Missing))
	for i, c := range e.Missing {
		names[i] = c.String()
	}
	return "missing capabilities: " + strings.Join(names, ", ") + " (or CAP_SYS_ADMIN)"
}

// CheckTracing reports whether s allows loading BPF programs and attaching
// kprobes. CAP_SYS_ADMIN alone is enough, otherwise both CAP_BPF and
// CAP_PERFMON (kernel 5.8+) are needed.
func CheckTracing(s Set) error {
	if s.Has(CAP_SYS_ADMIN) {
		return nil
	}
	var missing []Capability
	for _, c := range []Capability{CAP_BPF, CAP_PERFMON} {
		if !s.Has(c) {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return &MissingError{Missing: missing}
	}
	return nil
}
