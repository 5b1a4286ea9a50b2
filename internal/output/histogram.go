// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package output

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/antimetal/iodiag/pkg/blkio"
	"github.com/antimetal/iodiag/pkg/containers"
)

// DefaultBarWidth is the width of the distribution column.
const DefaultBarWidth = 40

// HistogramPrinter prints one block of log2 distributions per interval.
type HistogramPrinter struct {
	w     io.Writer
	unit  blkio.Unit
	names containers.ContainerMap
	width int
}

// NewHistogramPrinter creates a HistogramPrinter writing to w.
func NewHistogramPrinter(w io.Writer, unit blkio.Unit, names containers.ContainerMap) *HistogramPrinter {
	return &HistogramPrinter{w: w, unit: unit, names: names, width: DefaultBarWidth}
}

// SectionHeader labels a distribution, e.g. "container:web disk:sda1".
func SectionHeader(names containers.ContainerMap, key blkio.SectionKey) string {
	return fmt.Sprintf("container:%s disk:%s", names.Label(key.Cgroup), blkio.DiskLabel(key.Disk, key.Partition))
}

// Print writes the interval timestamp followed by every section.
func (p *HistogramPrinter) Print(now time.Time, sections []blkio.Section) error {
	var b strings.Builder
	fmt.Fprintf(&b, "\n%-16s\n", now.Format(TimeFormat))
	for _, s := range sections {
		b.WriteByte('\n')
		b.WriteString(SectionHeader(p.names, s.SectionKey))
		b.WriteByte('\n')
		p.writeLog2(&b, s)
	}
	_, err := io.WriteString(p.w, b.String())
	return err
}

// writeLog2 prints slots 0 through the highest non-empty one. Slot bounds are
// inclusive.
func (p *HistogramPrinter) writeLog2(b *strings.Builder, s blkio.Section) {
	maxSlot := s.MaxSlot()
	if maxSlot < 0 {
		return
	}

	var maxCount uint64
	for _, c := range s.Counts {
		maxCount = max(maxCount, c)
	}

	fmt.Fprintf(b, "%44s : %-8s %s\n", p.unit.Label(), "count", "distribution")
	for slot := 0; slot <= maxSlot; slot++ {
		low, high := blkio.SlotBounds(uint32(slot))
		count := s.Counts[slot]
		stars := strings.Repeat("*", int(float64(count)/float64(maxCount)*float64(p.width)))
		fmt.Fprintf(b, "%20d -> %-20d : %-8d |%-*s|\n", low, high, count, p.width, stars)
	}
}
