// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

//go:build linux

// biolatency prints per-container, per-disk log2 histograms of block request latency.
package main

import (
	"os"

	"github.com/antimetal/iodiag/internal/app"
	"github.com/antimetal/iodiag/pkg/blkio"
)

func main() {
	os.Exit(app.Main("biolatency", blkio.ModeHistogram, os.Args[1:], os.Stdout, os.Stderr))
}
