// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package kernel inspects the running kernel: its release and the symbols it
// exports for kprobes.
package kernel

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Version is a parsed kernel release such as "5.10.0-21-amd64".
type Version struct {
	Major int
	Minor int
	Patch int
	Raw   string
}

// CurrentVersion returns the release of the running kernel.
func CurrentVersion() (Version, error) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return Version{}, fmt.Errorf("uname: %w", err)
	}
	return ParseVersion(unix.ByteSliceToString(uts.Release[:]))
}

// ParseVersion parses the leading major.minor[.patch] of a release string.
// Anything after the first non-numeric character of a component is ignored.
func ParseVersion(release string) (Version, error) {
	v := Version{Raw: release}

	parts := strings.SplitN(release, ".", 3)
	if len(parts) < 2 {
		return Version{}, fmt.Errorf("invalid kernel release %q", release)
	}

	var err error
	if v.Major, err = leadingInt(parts[0]); err != nil {
		return Version{}, fmt.Errorf("invalid kernel release %q: major: %w", release, err)
	}
	if v.Minor, err = leadingInt(parts[1]); err != nil {
		return Version{}, fmt.Errorf("invalid kernel release %q: minor: %w", release, err)
	}
	if len(parts) == 3 {
		// "0-348.el8" or "0+"; a missing patch is not an error
		v.Patch, _ = leadingInt(parts[2])
	}
	return v, nil
}

func leadingInt(s string) (int, error) {
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	return strconv.Atoi(s[:end])
}

// AtLeast reports whether v is major.minor or newer.
func (v Version) AtLeast(major, minor int) bool {
	return v.Compare(Version{Major: major, Minor: minor}) >= 0
}

// Compare returns -1, 0 or 1 as v is older than, equal to or newer than other.
func (v Version) Compare(other Version) int {
	for _, d := range [3]int{v.Major - other.Major, v.Minor - other.Minor, v.Patch - other.Patch} {
		switch {
		case d < 0:
			return -1
		case d > 0:
			return 1
		}
	}
	return 0
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}
