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

var ErrInvalidUnit = errors.New("invalid latency unit")

// Unit is the resolution latencies are reported in.
type Unit int

const (
	Microseconds Unit = iota
	Milliseconds
)

// ParseUnit accepts "us" or "ms" (and their long forms).
func ParseUnit(s string) (Unit, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "us", "usec", "usecs", "":
		return Microseconds, nil
	case "ms", "msec", "msecs":
		return Milliseconds, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidUnit, s)
}

// FromNanoseconds truncates ns to the unit. Milliseconds are derived from
// truncated microseconds.
func (u Unit) FromNanoseconds(ns uint64) uint64 {
	us := ns / 1000
	if u == Milliseconds {
		return us / 1000
	}
	return us
}

// Short returns "us" or "ms".
func (u Unit) Short() string {
	if u == Milliseconds {
		return "ms"
	}
	return "us"
}

// Label returns the histogram axis label, "usecs" or "msecs".
func (u Unit) Label() string {
	if u == Milliseconds {
		return "msecs"
	}
	return "usecs"
}

func (u Unit) String() string {
	return u.Short()
}

// UnmarshalText lets a Unit be read from YAML or flags.
func (u *Unit) UnmarshalText(text []byte) error {
	v, err := ParseUnit(string(text))
	if err != nil {
		return err
	}
	*u = v
	return nil
}

func (u Unit) MarshalText() ([]byte, error) {
	return []byte(u.Short()), nil
}
