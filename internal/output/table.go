// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package output renders correlator results: live event tables, log2
// histograms and JSON dumps.
package output

import (
	"fmt"
	"io"
	"time"

	"github.com/antimetal/iodiag/pkg/blkio"
	"github.com/antimetal/iodiag/pkg/containers"
)

// TimeFormat is used for every timestamp the tools print.
const TimeFormat = "2006-01-02-15:04:05"

const (
	headerFormat = "%-9s %-12s %-16s %-6s %-10s %-4s %-13s %-6s %-8s %-8s %-8s %-8s %-8s\n"
	rowFormat    = "%-9s %-12s %-16s %-6d %-10s %-4d %-13d %-6d %-8d %-8d %-8d %-8d %-8d\n"
)

// Table prints one line per completed request.
type Table struct {
	w     io.Writer
	unit  blkio.Unit
	names containers.ContainerMap
}

// NewTable creates a Table writing to w.
func NewTable(w io.Writer, unit blkio.Unit, names containers.ContainerMap) *Table {
	return &Table{w: w, unit: unit, names: names}
}

func (t *Table) suffix() string {
	return "(" + t.unit.Short() + ")"
}

// Start prints the start timestamp and the column header.
func (t *Table) Start(now time.Time) error {
	s := t.suffix()
	if _, err := fmt.Fprintf(t.w, "start_time:%-16s\n", now.Format(TimeFormat)); err != nil {
		return err
	}
	_, err := fmt.Fprintf(t.w, headerFormat,
		"DISK", "CONTAINER", "COMM", "PID", "OP", "NUM", "SECTOR", "SIZE",
		"BLK"+s, "SCHE"+s, "DRV"+s, "DONE"+s, "TOTAL"+s)
	return err
}

// Row prints ev.
func (t *Table) Row(ev blkio.EventRecord) error {
	_, err := fmt.Fprintf(t.w, rowFormat,
		ev.DiskLabel(),
		containers.ShortName(t.names.Label(ev.Cgroup)),
		ev.Comm,
		ev.PID,
		blkio.DescribeFlags(ev.Flags),
		ev.BioCount,
		ev.Sector,
		ev.Size,
		ev.Stages[blkio.StageGenBlk],
		ev.Stages[blkio.StageIOSched],
		ev.Stages[blkio.StageDiskDrv],
		ev.Stages[blkio.StageReqDone],
		ev.Total)
	return err
}

// End prints the end timestamp.
func (t *Table) End(now time.Time) error {
	_, err := fmt.Fprintf(t.w, "end_time:%-16s\n", now.Format(TimeFormat))
	return err
}
