// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package app wires configuration, container resolution, the block layer
// probe and output into the biolatency and biosnoop commands.
package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/antimetal/iodiag/internal/config"
	"github.com/antimetal/iodiag/internal/exporter"
	"github.com/antimetal/iodiag/internal/output"
	"github.com/antimetal/iodiag/internal/poller"
	"github.com/antimetal/iodiag/internal/rollup"
	"github.com/antimetal/iodiag/pkg/blkio"
	"github.com/antimetal/iodiag/pkg/blkio/probe"
	"github.com/antimetal/iodiag/pkg/containers"
	"github.com/antimetal/iodiag/pkg/performance/ringbuffer"
)

const banner = "Tracing block device I/O... Hit Ctrl-C to end."

// Main runs one command and returns its exit code.
func Main(name string, mode blkio.Mode, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)

	opts := config.DefaultOptions(mode)
	if err := opts.Parse(fs, args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	opts.ApplyDefaults()
	if err := opts.Validate(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	logger, err := NewLogger(opts.Verbosity)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()
	if opts.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	if err := Run(ctx, logger.WithName(name), opts, stdout); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// Run traces until ctx is done. Setup failures are returned before anything
// is attached.
func Run(ctx context.Context, logger logr.Logger, opts config.Options, stdout io.Writer) error {
	resolver := containers.NewResolver(logger, opts.Containers.ResolverOptions())
	names, err := resolver.Resolve(ctx)
	if err != nil {
		return err
	}

	pl, err := newPipeline(logger, opts, names, stdout)
	if err != nil {
		return err
	}

	// the probe ending for any reason stops the metrics server too
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := probe.New(logger, opts.BPFObject)
	if err := p.Load(); err != nil {
		pl.close()
		return fmt.Errorf("failed to load block layer probe: %w", err)
	}
	defer p.Close()

	metricsDone := make(chan error, 1)
	if opts.MetricsAddress != "" {
		srv, err := exporter.Listen(logger, opts.MetricsAddress, pl.registry)
		if err != nil {
			pl.close()
			return err
		}
		go func() { metricsDone <- srv.Serve(ctx) }()
	} else {
		metricsDone <- nil
	}

	fmt.Fprintln(stdout, banner)
	if err := pl.start(time.Now()); err != nil {
		pl.close()
		return err
	}

	// Polling outlives the probe so the last completions are drained.
	pollCtx, stopPolling := context.WithCancel(context.Background())
	defer stopPolling()
	probeDone := make(chan error, 1)
	go func() {
		probeDone <- p.Run(ctx, pl.correlator)
		cancel()
		stopPolling()
	}()

	pollErr := pl.poller.Run(pollCtx)
	probeErr := <-probeDone
	metricsErr := <-metricsDone

	read, malformed := p.Records()
	logger.Info("Tracing stopped", append(pl.correlator.Stats().KeysAndValues(),
		"records", read, "malformed", malformed)...)

	return errors.Join(probeErr, pollErr, metricsErr)
}

// pipeline is everything between the probe and the output.
type pipeline struct {
	correlator *blkio.Correlator
	poller     *poller.Poller
	exporter   *exporter.Exporter
	registry   *prometheus.Registry

	table  *output.Table
	closer io.Closer
}

func newPipeline(logger logr.Logger, opts config.Options, names containers.ContainerMap, stdout io.Writer) (*pipeline, error) {
	filters, err := opts.FilterSet(names, logger)
	if err != nil {
		return nil, err
	}

	pl := &pipeline{}
	copts := blkio.CorrelatorOptions{
		Mode:          opts.Mode,
		Unit:          opts.Unit,
		Filters:       filters,
		TableCapacity: opts.TableCapacity,
		Logger:        logger,
	}

	var drainer poller.Drainer
	switch opts.Mode {
	case blkio.ModeHistogram:
		hist, err := blkio.NewHistogram(opts.HistogramCapacity)
		if err != nil {
			return nil, err
		}
		copts.Histogram = hist

		var h poller.HistogramHandler = &histogramHandler{
			printer: output.NewHistogramPrinter(stdout, opts.Unit, names),
		}
		if opts.MetricsAddress != "" {
			pl.exporter = pl.newExporter(opts.Unit, names)
			h = observedSections{HistogramHandler: h, exporter: pl.exporter}
		}
		drainer = poller.NewHistogramDrainer(hist, h)

	case blkio.ModeEvents:
		ring, err := ringbuffer.New[blkio.EventRecord](opts.RingCapacity)
		if err != nil {
			return nil, err
		}
		copts.Events = ring

		var h poller.EventHandler
		if opts.Output != "" {
			f, err := output.OpenAppend(opts.Output)
			if err != nil {
				return nil, err
			}
			pl.closer = f
			h = &fileHandler{
				names:    names,
				rollup:   rollup.New(),
				json:     output.NewJSONWriter(f, opts.Unit, names),
				abnormal: opts.Threshold != 0,
				closer:   f,
			}
		} else {
			pl.table = output.NewTable(stdout, opts.Unit, names)
			h = &tableHandler{table: pl.table}
		}
		if opts.MetricsAddress != "" {
			pl.exporter = pl.newExporter(opts.Unit, names)
			h = observedEvents{EventHandler: h, exporter: pl.exporter}
		}
		drainer = poller.NewEventDrainer(ring, h, poller.DefaultBatchSize)

	default:
		return nil, fmt.Errorf("unknown mode %d", opts.Mode)
	}

	pl.correlator, err = blkio.NewCorrelator(copts)
	if err != nil {
		pl.close()
		return nil, err
	}

	pl.poller, err = poller.New(logger, opts.Interval, drainer)
	if err != nil {
		pl.close()
		return nil, err
	}

	if !filters.Empty() {
		logger.Info("Filtering requests", "filters", filters.String())
	}
	logger.Info("Pipeline ready", "mode", opts.Mode.String(), "unit", opts.Unit.String(),
		"containers", len(names))
	return pl, nil
}

// newExporter registers an exporter reporting on pl.correlator, which is
// read at collection time.
func (pl *pipeline) newExporter(unit blkio.Unit, names containers.ContainerMap) *exporter.Exporter {
	e := exporter.New(unit, names, func() blkio.Stats { return pl.correlator.Stats() })
	pl.registry = prometheus.NewRegistry()
	pl.registry.MustRegister(e)
	return e
}

// start prints the table header in table mode.
func (pl *pipeline) start(now time.Time) error {
	if pl.table == nil {
		return nil
	}
	return pl.table.Start(now)
}

// close releases the output file when the run ends before the poller could.
func (pl *pipeline) close() {
	if pl.closer != nil {
		pl.closer.Close()
	}
}
