// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package output

import (
	"fmt"
	"io"
	"os"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/antimetal/iodiag/internal/rollup"
	"github.com/antimetal/iodiag/pkg/blkio"
	"github.com/antimetal/iodiag/pkg/containers"
)

// SummaryMarker follows the timestamp that opens a summary block.
const SummaryMarker = "###Summary info###:"

var jsonAPI = jsoniter.Config{
	IndentionStep: 4,
	EscapeHTML:    false,
}.Froze()

// AbnormalRecord is one request written to the JSON dump because it crossed
// the latency threshold.
type AbnormalRecord struct {
	CheckTime string
	Disk      string
	Container string
	Comm      string
	PID       uint32
	Op        string
	BioCount  uint32
	Sector    uint64
	Size      uint32
	Unit      blkio.Unit
	Total     uint64
	Stages    [blkio.NumStages]uint64
}

// NewAbnormalRecord snapshots ev.
func NewAbnormalRecord(ev blkio.EventRecord, container string, at time.Time) AbnormalRecord {
	return AbnormalRecord{
		CheckTime: at.Format(TimeFormat),
		Disk:      ev.DiskLabel(),
		Container: container,
		Comm:      ev.Comm,
		PID:       ev.PID,
		Op:        blkio.DescribeFlags(ev.Flags),
		BioCount:  ev.BioCount,
		Sector:    ev.Sector,
		Size:      ev.Size,
		Unit:      ev.Unit,
		Total:     ev.Total,
		Stages:    ev.Stages,
	}
}

func unitKey(name string, u blkio.Unit) string {
	return name + "(" + u.Short() + ")"
}

func (r AbnormalRecord) write(stream *jsoniter.Stream) {
	stream.WriteObjectStart()
	stream.WriteObjectField("checktime")
	stream.WriteString(r.CheckTime)
	stream.WriteMore()
	stream.WriteObjectField("diskname")
	stream.WriteString(r.Disk)
	stream.WriteMore()
	stream.WriteObjectField("container")
	stream.WriteString(r.Container)
	stream.WriteMore()
	stream.WriteObjectField("comm")
	stream.WriteString(r.Comm)
	stream.WriteMore()
	stream.WriteObjectField("pid")
	stream.WriteUint32(r.PID)
	stream.WriteMore()
	stream.WriteObjectField("op")
	stream.WriteString(r.Op)
	stream.WriteMore()
	stream.WriteObjectField("bio_num")
	stream.WriteUint32(r.BioCount)
	stream.WriteMore()
	stream.WriteObjectField("sector")
	stream.WriteUint64(r.Sector)
	stream.WriteMore()
	stream.WriteObjectField("size")
	stream.WriteUint32(r.Size)
	stream.WriteMore()
	stream.WriteObjectField(unitKey("total_lat", r.Unit))
	stream.WriteUint64(r.Total)
	stream.WriteMore()
	stream.WriteObjectField("detail_lat")
	stream.WriteObjectStart()
	for i, stage := range blkio.Stages() {
		if i > 0 {
			stream.WriteMore()
		}
		stream.WriteObjectField(unitKey(stage.String(), r.Unit))
		stream.WriteUint64(r.Stages[stage])
	}
	stream.WriteObjectEnd()
	stream.WriteObjectEnd()
}

// ParseAbnormalRecord reads back one record written by JSONWriter.Abnormal.
func ParseAbnormalRecord(data []byte) (AbnormalRecord, error) {
	root := jsonAPI.Get(data)
	if err := root.LastError(); err != nil {
		return AbnormalRecord{}, fmt.Errorf("parsing abnormal record: %w", err)
	}

	r := AbnormalRecord{
		CheckTime: root.Get("checktime").ToString(),
		Disk:      root.Get("diskname").ToString(),
		Container: root.Get("container").ToString(),
		Comm:      root.Get("comm").ToString(),
		PID:       root.Get("pid").ToUint32(),
		Op:        root.Get("op").ToString(),
		BioCount:  root.Get("bio_num").ToUint32(),
		Sector:    root.Get("sector").ToUint64(),
		Size:      root.Get("size").ToUint32(),
	}

	switch {
	case root.Get(unitKey("total_lat", blkio.Microseconds)).ValueType() == jsoniter.NumberValue:
		r.Unit = blkio.Microseconds
	case root.Get(unitKey("total_lat", blkio.Milliseconds)).ValueType() == jsoniter.NumberValue:
		r.Unit = blkio.Milliseconds
	default:
		return AbnormalRecord{}, fmt.Errorf("abnormal record has no total latency")
	}
	r.Total = root.Get(unitKey("total_lat", r.Unit)).ToUint64()

	detail := root.Get("detail_lat")
	for _, stage := range blkio.Stages() {
		r.Stages[stage] = detail.Get(unitKey(stage.String(), r.Unit)).ToUint64()
	}
	return r, nil
}

// JSONWriter appends records and summaries to a dump.
type JSONWriter struct {
	w     io.Writer
	unit  blkio.Unit
	names containers.ContainerMap
}

// NewJSONWriter creates a JSONWriter writing to w.
func NewJSONWriter(w io.Writer, unit blkio.Unit, names containers.ContainerMap) *JSONWriter {
	return &JSONWriter{w: w, unit: unit, names: names}
}

// OpenAppend opens path for appending, creating it when missing.
func OpenAppend(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening output file: %w", err)
	}
	return f, nil
}

// Abnormal appends ev as an abnormal record.
func (j *JSONWriter) Abnormal(ev blkio.EventRecord, now time.Time) error {
	rec := NewAbnormalRecord(ev, j.names.Label(ev.Cgroup), now)
	return j.encode(rec.write)
}

// Summary appends the timestamped summary marker followed by one object per disk.
func (j *JSONWriter) Summary(now time.Time, disks []rollup.DiskStats) error {
	if _, err := io.WriteString(j.w, now.Format(TimeFormat)+SummaryMarker+"\n"); err != nil {
		return err
	}
	for _, d := range disks {
		if err := j.encode(func(stream *jsoniter.Stream) { writeDisk(stream, d, j.unit) }); err != nil {
			return err
		}
	}
	return nil
}

func (j *JSONWriter) encode(fn func(*jsoniter.Stream)) error {
	stream := jsonAPI.BorrowStream(j.w)
	defer jsonAPI.ReturnStream(stream)

	fn(stream)
	stream.WriteRaw("\n")
	if stream.Error != nil {
		return fmt.Errorf("encoding JSON record: %w", stream.Error)
	}
	return stream.Flush()
}

func writeDisk(stream *jsoniter.Stream, d rollup.DiskStats, unit blkio.Unit) {
	stream.WriteObjectStart()
	stream.WriteObjectField("diskname")
	stream.WriteString(d.Disk)
	stream.WriteMore()
	stream.WriteObjectField("total_ios")
	stream.WriteUint64(d.IOs)
	stream.WriteMore()
	stream.WriteObjectField(unitKey("total_lat", unit))
	stream.WriteUint64(d.Latency)
	stream.WriteMore()
	stream.WriteObjectField("container_info")
	stream.WriteArrayStart()
	for i, c := range d.Containers {
		if i > 0 {
			stream.WriteMore()
		}
		writeContainer(stream, c, unit)
	}
	stream.WriteArrayEnd()
	stream.WriteObjectEnd()
}

func writeContainer(stream *jsoniter.Stream, c rollup.ContainerStats, unit blkio.Unit) {
	stream.WriteObjectStart()
	stream.WriteObjectField("container")
	stream.WriteString(c.Container)
	stream.WriteMore()
	stream.WriteObjectField("ios")
	stream.WriteUint64(c.IOs)
	stream.WriteMore()
	stream.WriteObjectField(unitKey("lat", unit))
	stream.WriteUint64(c.Latency)
	stream.WriteMore()
	stream.WriteObjectField(unitKey("lat_info", unit))
	stream.WriteObjectStart()
	for i, stage := range blkio.Stages() {
		if i > 0 {
			stream.WriteMore()
		}
		st := c.Stages[stage]
		stream.WriteObjectField(unitKey(stage.String(), unit))
		stream.WriteObjectStart()
		stream.WriteObjectField("min")
		stream.WriteUint64(st.Min)
		stream.WriteMore()
		stream.WriteObjectField("max")
		stream.WriteUint64(st.Max)
		stream.WriteMore()
		stream.WriteObjectField("total")
		stream.WriteUint64(st.Total)
		stream.WriteObjectEnd()
	}
	stream.WriteObjectEnd()
	stream.WriteObjectEnd()
}
