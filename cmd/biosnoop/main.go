// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

//go:build linux

// biosnoop prints every completed block request with its per-stage latency,
// or rolls them up into a JSON dump.
package main

import (
	"os"

	"github.com/antimetal/iodiag/internal/app"
	"github.com/antimetal/iodiag/pkg/blkio"
)

func main() {
	os.Exit(app.Main("biosnoop", blkio.ModeEvents, os.Args[1:], os.Stdout, os.Stderr))
}
