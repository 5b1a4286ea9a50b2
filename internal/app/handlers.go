// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package app

import (
	"errors"
	"io"
	"time"

	"github.com/antimetal/iodiag/internal/exporter"
	"github.com/antimetal/iodiag/internal/output"
	"github.com/antimetal/iodiag/internal/poller"
	"github.com/antimetal/iodiag/internal/rollup"
	"github.com/antimetal/iodiag/pkg/blkio"
	"github.com/antimetal/iodiag/pkg/containers"
)

// tableHandler prints a live row per request.
type tableHandler struct {
	table *output.Table
}

func (h *tableHandler) HandleEvents(_ time.Time, batch []blkio.EventRecord) error {
	for _, ev := range batch {
		if err := h.table.Row(ev); err != nil {
			return err
		}
	}
	return nil
}

func (h *tableHandler) Finish(now time.Time) error {
	return h.table.End(now)
}

// fileHandler rolls requests up per disk and container and writes the summary
// on Finish. With a threshold every request that reaches it is also appended
// as an abnormal record.
type fileHandler struct {
	names    containers.ContainerMap
	rollup   *rollup.Rollup
	json     *output.JSONWriter
	abnormal bool
	closer   io.Closer
}

func (h *fileHandler) HandleEvents(now time.Time, batch []blkio.EventRecord) error {
	var errs []error
	for _, ev := range batch {
		h.rollup.Add(ev, h.names.Label(ev.Cgroup))
		if h.abnormal {
			if err := h.json.Abnormal(ev, now); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (h *fileHandler) Finish(now time.Time) error {
	err := h.json.Summary(now, h.rollup.Disks())
	if h.closer != nil {
		err = errors.Join(err, h.closer.Close())
	}
	return err
}

type histogramHandler struct {
	printer *output.HistogramPrinter
}

func (h *histogramHandler) HandleSections(now time.Time, sections []blkio.Section) error {
	return h.printer.Print(now, sections)
}

func (h *histogramHandler) Finish(time.Time) error {
	return nil
}

// observedEvents feeds every batch to the exporter before handing it on.
type observedEvents struct {
	poller.EventHandler
	exporter *exporter.Exporter
}

func (o observedEvents) HandleEvents(now time.Time, batch []blkio.EventRecord) error {
	o.exporter.ObserveEvents(batch)
	return o.EventHandler.HandleEvents(now, batch)
}

type observedSections struct {
	poller.HistogramHandler
	exporter *exporter.Exporter
}

func (o observedSections) HandleSections(now time.Time, sections []blkio.Section) error {
	o.exporter.ObserveSections(sections)
	return o.HistogramHandler.HandleSections(now, sections)
}
