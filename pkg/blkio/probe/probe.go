// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package probe attaches the block layer kprobes and relays what they observe
// to a blkio.Hooks implementation.
package probe

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
	"github.com/go-logr/logr"

	"github.com/antimetal/iodiag/pkg/blkio"
	"github.com/antimetal/iodiag/pkg/ebpf/core"
	"github.com/antimetal/iodiag/pkg/kernel"
	"github.com/antimetal/iodiag/pkg/performance/capabilities"
)

const (
	// ObjectName is the compiled form of ebpf/src/blkhooks.bpf.c.
	ObjectName = "blkhooks.bpf.o"
	// BPFPathEnv overrides the directory ObjectName is loaded from.
	BPFPathEnv = "IODIAG_BPF_PATH"

	defaultObjectDir = "/usr/local/lib/iodiag/ebpf"
	eventsMap        = "hook_events"
)

// DefaultObjectPath returns where the BPF object is expected.
func DefaultObjectPath() string {
	if dir := os.Getenv(BPFPathEnv); dir != "" {
		return filepath.Join(dir, ObjectName)
	}
	return filepath.Join(defaultObjectDir, ObjectName)
}

// hookSpec describes how one BPF program is attached.
type hookSpec struct {
	program string
	// symbols are tried in order.
	symbols []string
	ret     bool
	// every attaches to all present symbols instead of the first.
	every    bool
	optional bool
	// since and before bound the kernel versions the hook applies to.
	since  *kernel.Version
	before *kernel.Version
	// tracepoints are raw tracepoints tried with tracepointProgram when no
	// symbol could be attached.
	tracepoints       []string
	tracepointProgram string
}

func (s hookSpec) appliesTo(v kernel.Version) bool {
	if s.since != nil && v.Compare(*s.since) < 0 {
		return false
	}
	return s.before == nil || v.Compare(*s.before) < 0
}

// hookSpecs lists the block layer hooks. Symbol names moved across kernel
// releases, so most hooks carry several candidates.
var hookSpecs = []hookSpec{
	{program: "handle_submit_bio", symbols: []string{"submit_bio"}},
	{program: "handle_bio_endio", symbols: []string{"bio_endio"}},
	{program: "handle_attach", symbols: []string{"blk_init_request_from_bio", "blk_mq_bio_to_request"}},
	{
		program:  "handle_account_start",
		symbols:  []string{"blk_account_io_start"},
		optional: true,
		// the new_io argument was dropped in 5.8
		before: &kernel.Version{Major: 5, Minor: 8},
	},
	{
		program:  "handle_merge_enter",
		symbols:  []string{"bio_attempt_back_merge", "bio_attempt_front_merge"},
		every:    true,
		optional: true,
		since:    &kernel.Version{Major: 5, Minor: 8},
	},
	{
		program:  "handle_merge_exit",
		symbols:  []string{"bio_attempt_back_merge", "bio_attempt_front_merge"},
		ret:      true,
		every:    true,
		optional: true,
		since:    &kernel.Version{Major: 5, Minor: 8},
	},
	{program: "handle_merge_return", symbols: []string{"attempt_merge"}, ret: true, optional: true},
	{program: "handle_dispatch", symbols: []string{"blk_start_request", "blk_mq_start_request"}, every: true},
	{
		program:  "handle_complete",
		symbols:  []string{"__blk_account_io_completion", "blk_account_io_completion"},
		optional: true,
		// the accounting helpers are inlined from 5.16
		tracepoints:       []string{"block_rq_complete"},
		tracepointProgram: "handle_complete_tp",
	},
	{
		program:           "handle_done",
		symbols:           []string{"__blk_account_io_done", "blk_account_io_done"},
		tracepoints:       []string{"block_io_done"},
		tracepointProgram: "handle_done_tp",
	},
}

// Enumerators read from kernel BTF.
const (
	bioClonedEnumerator = "BIO_CLONED"
	bioChainEnumerator  = "BIO_CHAIN"
	mergeOKEnumerator   = "BIO_MERGE_OK"
)

// kernelConstants maps enumerator values found in kernel BTF to the BPF
// object's read-only globals. Missing bio flags keep the object defaults.
// A missing BIO_MERGE_OK means merge attempts return bool.
func kernelConstants(enums map[string]uint64) (map[string]any, []string) {
	consts := make(map[string]any)
	var missing []string

	if v, ok := enums[bioClonedEnumerator]; ok {
		consts["bio_cloned_bit"] = uint32(v)
	} else {
		missing = append(missing, bioClonedEnumerator)
	}
	if v, ok := enums[bioChainEnumerator]; ok {
		consts["bio_chain_bit"] = uint32(v)
	} else {
		missing = append(missing, bioChainEnumerator)
	}
	if v, ok := enums[mergeOKEnumerator]; ok {
		consts["merge_ret_enum"] = uint8(1)
		consts["merge_ok_value"] = uint32(v)
	} else {
		consts["merge_ret_enum"] = uint8(0)
	}
	return consts, missing
}

// Probe owns the loaded BPF collection, its kprobe links and the ring buffer reader.
type Probe struct {
	logger     logr.Logger
	objectPath string

	mu          sync.Mutex
	coreManager *core.Manager
	coll        *ebpf.Collection
	links       []link.Link
	attached    map[string][]string
	reader      *ringbuf.Reader

	records      atomic.Uint64
	decodeErrors atomic.Uint64
}

// New creates a Probe for the object at objectPath, or DefaultObjectPath when empty.
func New(logger logr.Logger, objectPath string) *Probe {
	if objectPath == "" {
		objectPath = DefaultObjectPath()
	}
	return &Probe{
		logger:     logger.WithName("probe"),
		objectPath: objectPath,
		attached:   make(map[string][]string),
	}
}

// Load checks privileges, loads the BPF object and attaches every hook.
// Any failure is returned and leaves nothing attached.
func (p *Probe) Load() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.coll != nil {
		return errors.New("probe already loaded")
	}

	caps, err := capabilities.Effective()
	if err != nil {
		return fmt.Errorf("reading capabilities: %w", err)
	}
	if err := capabilities.CheckTracing(caps); err != nil {
		return err
	}

	if err := rlimit.RemoveMemlock(); err != nil {
		return fmt.Errorf("removing memlock: %w", err)
	}

	if p.coreManager == nil {
		manager, err := core.NewManager(p.logger)
		if err != nil {
			return fmt.Errorf("creating CO-RE manager: %w", err)
		}
		p.coreManager = manager
	}
	features := p.coreManager.Features()
	if !features.Ringbuf {
		return fmt.Errorf("kernel %s has no BPF ring buffer support (need 5.8+)", features.Kernel)
	}

	enums, err := p.coreManager.Enumerators(bioClonedEnumerator, bioChainEnumerator, mergeOKEnumerator)
	if err != nil {
		return fmt.Errorf("reading kernel enumerators: %w", err)
	}
	consts, missing := kernelConstants(enums)
	if len(missing) > 0 {
		p.logger.Info("Kernel BTF lacks bio flags, using defaults", "missing", missing)
	}

	coll, err := p.coreManager.LoadCollection(p.objectPath, consts)
	if err != nil {
		return fmt.Errorf("loading BPF collection with CO-RE: %w", err)
	}
	p.coll = coll

	syms, err := kernel.LoadSymbols()
	if err != nil {
		// attach by trial instead
		p.logger.Error(err, "Kernel symbols unavailable")
	}

	for _, spec := range hookSpecs {
		if err := p.attach(spec, syms, features.Kernel); err != nil {
			p.cleanup()
			return err
		}
	}

	m, ok := p.coll.Maps[eventsMap]
	if !ok {
		p.cleanup()
		return fmt.Errorf("%s map not found", eventsMap)
	}
	p.reader, err = ringbuf.NewReader(m)
	if err != nil {
		p.cleanup()
		return fmt.Errorf("opening ring buffer: %w", err)
	}

	p.logger.Info("Block layer hooks attached", "object", p.objectPath, "hooks", p.attachedSummary())
	return nil
}

func (p *Probe) attach(spec hookSpec, syms kernel.Symbols, v kernel.Version) error {
	if !spec.appliesTo(v) {
		p.logger.V(1).Info("Skipping hook on this kernel", "program", spec.program, "kernel", v.String())
		return nil
	}

	prog, ok := p.coll.Programs[spec.program]
	if !ok {
		if spec.optional {
			return nil
		}
		return fmt.Errorf("%s program not found", spec.program)
	}

	candidates := spec.symbols
	if syms != nil {
		candidates = candidates[:0:0]
		for _, s := range spec.symbols {
			if syms.Has(s) {
				candidates = append(candidates, s)
			}
		}
	}

	var errs []error
	for _, symbol := range candidates {
		var (
			l   link.Link
			err error
		)
		if spec.ret {
			l, err = link.Kretprobe(symbol, prog, nil)
		} else {
			l, err = link.Kprobe(symbol, prog, nil)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", symbol, err))
			continue
		}
		p.links = append(p.links, l)
		p.attached[spec.program] = append(p.attached[spec.program], symbol)
		if !spec.every {
			break
		}
	}

	if len(p.attached[spec.program]) > 0 {
		return nil
	}
	if len(spec.tracepoints) > 0 {
		err := p.attachTracepoint(spec)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	if spec.optional {
		p.logger.Info("Optional hook not attached", "program", spec.program,
			"candidates", spec.symbols, "errors", errors.Join(errs...))
		return nil
	}
	if len(errs) == 0 {
		return fmt.Errorf("attaching %s: none of %v found in kernel symbols", spec.program, spec.symbols)
	}
	return fmt.Errorf("attaching %s: %w", spec.program, errors.Join(errs...))
}

func (p *Probe) attachTracepoint(spec hookSpec) error {
	prog, ok := p.coll.Programs[spec.tracepointProgram]
	if !ok {
		return fmt.Errorf("%s program not found", spec.tracepointProgram)
	}
	var errs []error
	for _, tp := range spec.tracepoints {
		l, err := link.AttachRawTracepoint(link.RawTracepointOptions{Name: tp, Program: prog})
		if err != nil {
			errs = append(errs, fmt.Errorf("raw tracepoint %s: %w", tp, err))
			continue
		}
		p.links = append(p.links, l)
		p.attached[spec.program] = append(p.attached[spec.program], "tp:"+tp)
		return nil
	}
	return errors.Join(errs...)
}

func (p *Probe) attachedSummary() string {
	var parts []string
	for _, spec := range hookSpecs {
		if syms := p.attached[spec.program]; len(syms) > 0 {
			parts = append(parts, strings.Join(syms, "+"))
		}
	}
	return strings.Join(parts, ",")
}

// Attached returns the kernel symbols each program was attached to.
func (p *Probe) Attached() map[string][]string {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string][]string, len(p.attached))
	for k, v := range p.attached {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// Run relays ring buffer records to hooks until ctx is cancelled or the
// probe is closed.
func (p *Probe) Run(ctx context.Context, hooks blkio.Hooks) error {
	p.mu.Lock()
	reader := p.reader
	p.mu.Unlock()
	if reader == nil {
		return errors.New("probe not loaded")
	}

	stop := context.AfterFunc(ctx, func() {
		reader.Close()
	})
	defer stop()

	for {
		record, err := reader.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				return nil
			}
			p.logger.Error(err, "Reading from ring buffer")
			continue
		}
		p.records.Add(1)

		raw, err := Decode(record.RawSample)
		if err == nil {
			err = Dispatch(raw, hooks)
		}
		if err != nil {
			if p.decodeErrors.Add(1) == 1 {
				p.logger.Error(err, "Dropping malformed hook record")
			}
		}
	}
}

// Records returns how many ring buffer records were read and how many of
// them could not be decoded.
func (p *Probe) Records() (read, malformed uint64) {
	return p.records.Load(), p.decodeErrors.Load()
}

// Close detaches all hooks and releases the collection.
func (p *Probe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cleanup()
	return nil
}

func (p *Probe) cleanup() {
	if p.reader != nil {
		p.reader.Close()
		p.reader = nil
	}
	for _, l := range p.links {
		l.Close()
	}
	p.links = nil
	p.attached = make(map[string][]string)
	if p.coll != nil {
		p.coll.Close()
		p.coll = nil
	}
}
