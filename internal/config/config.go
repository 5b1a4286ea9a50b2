// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package config holds the command line and file configuration shared by
// biolatency and biosnoop.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/antimetal/iodiag/pkg/blkio"
	"github.com/antimetal/iodiag/pkg/blkio/table"
	"github.com/antimetal/iodiag/pkg/containers"
)

const (
	DefaultHistogramInterval = 2 * time.Second
	DefaultEventInterval     = time.Second
	DefaultRingCapacity      = 1 << 14
	DefaultHistogramCapacity = 4096
)

// Containers configures container identity resolution.
type Containers struct {
	RegistryDir   string        `yaml:"registry_dir"`
	PathHelper    string        `yaml:"path_helper"`
	IDHelper      string        `yaml:"id_helper"`
	HelperTimeout time.Duration `yaml:"helper_timeout"`
	CgroupRoot    string        `yaml:"cgroup_root"`
	HostRoot      string        `yaml:"host_root"`
}

// ResolverOptions converts c for containers.NewResolver.
func (c Containers) ResolverOptions() containers.ResolverOptions {
	return containers.ResolverOptions{
		RegistryDir: c.RegistryDir,
		PathHelper:  c.PathHelper,
		IDHelper:    c.IDHelper,
		Timeout:     c.HelperTimeout,
		CgroupRoot:  c.CgroupRoot,
		HostRoot:    c.HostRoot,
	}
}

// Options is the configuration of one run.
type Options struct {
	Mode blkio.Mode `yaml:"-"`

	Unit blkio.Unit `yaml:"unit"`
	// Duration bounds the run, 0 runs until signalled.
	Duration time.Duration `yaml:"duration"`
	Interval time.Duration `yaml:"interval"`
	// Device is a disk name, /dev path or MAJ:MIN.
	Device string `yaml:"device"`
	// Operation is read or write.
	Operation string `yaml:"operation"`
	Container string `yaml:"container"`
	// Threshold is a minimum total latency in Unit, 0 disables it. Event mode only.
	Threshold uint64 `yaml:"threshold"`
	// Output enables JSON mode and names the file records are appended to. Event mode only.
	Output string `yaml:"output"`

	BPFObject         string `yaml:"bpf_object"`
	TableCapacity     int    `yaml:"table_capacity"`
	RingCapacity      int    `yaml:"ring_capacity"`
	HistogramCapacity int    `yaml:"histogram_capacity"`
	MetricsAddress    string `yaml:"metrics_address"`

	Containers Containers `yaml:"containers"`

	ConfigFile string `yaml:"-"`
	Verbosity  int    `yaml:"verbosity"`
}

// DefaultOptions returns the defaults for mode.
func DefaultOptions(mode blkio.Mode) Options {
	resolver := containers.DefaultResolverOptions()
	o := Options{
		Mode:              mode,
		Unit:              blkio.Microseconds,
		Interval:          DefaultHistogramInterval,
		TableCapacity:     table.DefaultCapacity,
		RingCapacity:      DefaultRingCapacity,
		HistogramCapacity: DefaultHistogramCapacity,
		Containers: Containers{
			RegistryDir:   resolver.RegistryDir,
			PathHelper:    resolver.PathHelper,
			IDHelper:      resolver.IDHelper,
			HelperTimeout: resolver.Timeout,
			CgroupRoot:    resolver.CgroupRoot,
			HostRoot:      resolver.HostRoot,
		},
	}
	if mode == blkio.ModeEvents {
		o.Interval = DefaultEventInterval
	}
	return o
}

// ApplyDefaults fills zero values with the defaults of o.Mode.
func (o *Options) ApplyDefaults() {
	defaults := DefaultOptions(o.Mode)

	if o.Interval == 0 {
		o.Interval = defaults.Interval
	}
	if o.TableCapacity == 0 {
		o.TableCapacity = defaults.TableCapacity
	}
	if o.RingCapacity == 0 {
		o.RingCapacity = defaults.RingCapacity
	}
	if o.HistogramCapacity == 0 {
		o.HistogramCapacity = defaults.HistogramCapacity
	}
	if o.Containers.HelperTimeout == 0 {
		o.Containers.HelperTimeout = defaults.Containers.HelperTimeout
	}
}

// BindFlags registers the flags of o.Mode on fs. biolatency takes -o as the
// operation, biosnoop as the output file, like the tools they replace.
func (o *Options) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&o.ConfigFile, "config", o.ConfigFile, "YAML file with options; flags override it")
	fs.TextVar(&o.Unit, "unit", o.Unit, "latency unit: us or ms")
	fs.BoolFunc("m", "measure in milliseconds (same as -unit ms)", func(string) error {
		o.Unit = blkio.Milliseconds
		return nil
	})
	fs.Var(durationValue{&o.Duration}, "t", "run duration in seconds or as a duration (10, 1m30s), 0 runs until interrupted")
	fs.Var(durationValue{&o.Interval}, "i", "display interval in seconds or as a duration")
	fs.StringVar(&o.Device, "d", o.Device, "target block device: DEVNAME, /dev/DEVNAME or MAJ:MIN")
	fs.StringVar(&o.Container, "c", o.Container, "only inspect I/O submitted by this container")

	if o.Mode == blkio.ModeEvents {
		fs.StringVar(&o.Operation, "op", o.Operation, "only inspect read or write requests")
		fs.Uint64Var(&o.Threshold, "T", o.Threshold, "only report requests whose total latency exceeds this value")
		fs.StringVar(&o.Output, "o", o.Output, "append JSON records to this file instead of printing a table")
	} else {
		fs.StringVar(&o.Operation, "o", o.Operation, "only inspect read (0) or write (1) requests")
	}

	fs.StringVar(&o.BPFObject, "bpf-object", o.BPFObject, "BPF object path (default $IODIAG_BPF_PATH/blkhooks.bpf.o)")
	fs.IntVar(&o.TableCapacity, "table-capacity", o.TableCapacity, "entries per tracking table")
	fs.IntVar(&o.RingCapacity, "ring-capacity", o.RingCapacity, "event ring capacity")
	fs.IntVar(&o.HistogramCapacity, "histogram-capacity", o.HistogramCapacity, "histogram bucket capacity")
	fs.StringVar(&o.MetricsAddress, "metrics-address", o.MetricsAddress, "serve Prometheus metrics on this address, empty disables")
	fs.StringVar(&o.Containers.RegistryDir, "container-registry", o.Containers.RegistryDir, "container registry directory, empty disables")
	fs.StringVar(&o.Containers.PathHelper, "container-path-helper", o.Containers.PathHelper, "helper printing a container's cgroup path")
	fs.StringVar(&o.Containers.IDHelper, "container-id-helper", o.Containers.IDHelper, "helper printing a cgroup path's id")
	fs.StringVar(&o.Containers.CgroupRoot, "cgroup-root", o.Containers.CgroupRoot, "cgroup filesystem root for container discovery, empty disables")
	fs.StringVar(&o.Containers.HostRoot, "host-root", o.Containers.HostRoot, "root of the host filesystem for runtime metadata")
	fs.IntVar(&o.Verbosity, "v", o.Verbosity, "log verbosity")
}

// ParseDuration accepts a Go duration or a bare number of seconds.
func ParseDuration(s string) (time.Duration, error) {
	if secs, err := strconv.ParseUint(s, 10, 32); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: want seconds or a duration like 1m30s", s)
	}
	return d, nil
}

type durationValue struct {
	d *time.Duration
}

func (v durationValue) String() string {
	if v.d == nil {
		return "0s"
	}
	return v.d.String()
}

func (v durationValue) Set(s string) error {
	d, err := ParseDuration(s)
	if err != nil {
		return err
	}
	*v.d = d
	return nil
}

// Parse binds o's flags on fs and parses args. When -config names a file it
// is loaded and args are parsed again so flags keep precedence.
func (o *Options) Parse(fs *flag.FlagSet, args []string) error {
	o.BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if o.ConfigFile == "" {
		return nil
	}
	if err := o.LoadFile(o.ConfigFile); err != nil {
		return err
	}
	return fs.Parse(args)
}

// LoadFile overlays the keys present in a YAML file onto o.
func (o *Options) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, o); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

// Validate checks o for values the run cannot start with.
func (o *Options) Validate() error {
	var errs []error
	if o.Interval <= 0 {
		errs = append(errs, fmt.Errorf("interval must be positive, got %s", o.Interval))
	}
	if o.Duration < 0 {
		errs = append(errs, fmt.Errorf("duration must not be negative, got %s", o.Duration))
	}
	if o.TableCapacity <= 0 {
		errs = append(errs, fmt.Errorf("table capacity must be positive, got %d", o.TableCapacity))
	}
	if o.Mode == blkio.ModeEvents && o.RingCapacity <= 0 {
		errs = append(errs, fmt.Errorf("ring capacity must be positive, got %d", o.RingCapacity))
	}
	if o.Mode == blkio.ModeHistogram && o.HistogramCapacity <= 0 {
		errs = append(errs, fmt.Errorf("histogram capacity must be positive, got %d", o.HistogramCapacity))
	}
	if o.Unit != blkio.Microseconds && o.Unit != blkio.Milliseconds {
		errs = append(errs, fmt.Errorf("%w: %d", blkio.ErrInvalidUnit, o.Unit))
	}
	if o.Operation != "" {
		if _, err := blkio.ParseOperation(o.Operation); err != nil {
			errs = append(errs, err)
		}
	}
	if o.Device != "" {
		if _, err := ResolveDevice(o.Device); err != nil {
			errs = append(errs, err)
		}
	}
	if o.Mode == blkio.ModeHistogram && (o.Threshold != 0 || o.Output != "") {
		errs = append(errs, errors.New("threshold and output apply to event mode only"))
	}
	return errors.Join(errs...)
}
