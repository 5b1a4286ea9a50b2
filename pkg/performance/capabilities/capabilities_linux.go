// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

//go:build linux

package capabilities

import (
	"fmt"
	"os"
)

// Effective returns the effective capability set of the current process.
func Effective() (Set, error) {
	f, err := os.Open("/proc/self/status")
	if err != nil {
		return 0, fmt.Errorf("failed to read /proc/self/status: %w", err)
	}
	defer f.Close()

	return ParseStatus(f)
}
