// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package core loads CO-RE (Compile Once - Run Everywhere) BPF objects against
// the running kernel's BTF.
package core

import (
	"errors"
	"fmt"
	"iter"
	"os"
	"runtime"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/btf"
	"github.com/go-logr/logr"

	"github.com/antimetal/iodiag/pkg/kernel"
)

// VmlinuxBTFPath is where kernels built with CONFIG_DEBUG_INFO_BTF expose their types.
const VmlinuxBTFPath = "/sys/kernel/btf/vmlinux"

// Support describes how much CO-RE the kernel can do.
type Support string

const (
	SupportFull    Support = "full"
	SupportPartial Support = "partial"
	SupportNone    Support = "none"
)

// ringbuf maps arrived in 5.8.
var minRingbufKernel = kernel.Version{Major: 5, Minor: 8}

// KernelFeatures summarises what the running kernel offers to BPF loaders.
type KernelFeatures struct {
	Kernel  kernel.Version
	HasBTF  bool
	BTFPath string
	CORE    Support
	Ringbuf bool
}

// Manager loads BPF collections with kernel BTF for relocations.
type Manager struct {
	logger    logr.Logger
	kernelBTF *btf.Spec
	features  KernelFeatures
}

// NewManager probes the running kernel.
func NewManager(logger logr.Logger) (*Manager, error) {
	if runtime.GOOS != "linux" {
		return nil, errors.New("CO-RE is only supported on Linux")
	}

	v, err := kernel.CurrentVersion()
	if err != nil {
		return nil, fmt.Errorf("detecting kernel version: %w", err)
	}

	m := &Manager{
		logger:   logger.WithName("core"),
		features: detectFeatures(v, VmlinuxBTFPath),
	}

	if m.features.HasBTF {
		m.kernelBTF, err = btf.LoadKernelSpec()
		if err != nil {
			// relocations fall back to cilium/ebpf's own lookup
			m.logger.Error(err, "Failed to load kernel BTF")
		}
	}

	m.logger.Info("Kernel BPF features detected",
		"kernel", v.String(),
		"btf", m.features.HasBTF,
		"core", m.features.CORE,
		"ringbuf", m.features.Ringbuf,
	)
	return m, nil
}

func detectFeatures(v kernel.Version, btfPath string) KernelFeatures {
	f := KernelFeatures{Kernel: v}
	if _, err := os.Stat(btfPath); err == nil {
		f.HasBTF = true
		f.BTFPath = btfPath
	}

	switch {
	case v.AtLeast(5, 2) && f.HasBTF:
		f.CORE = SupportFull
	case v.AtLeast(4, 18):
		f.CORE = SupportPartial
	default:
		f.CORE = SupportNone
	}
	f.Ringbuf = v.Compare(minRingbufKernel) >= 0
	return f
}

// Features returns what was detected at construction.
func (m *Manager) Features() KernelFeatures {
	return m.features
}

// Enumerators looks up enum constants by name in the kernel BTF, including
// those of anonymous enums. Names that are not found are absent from the
// result, which is empty when the kernel BTF could not be loaded.
func (m *Manager) Enumerators(names ...string) (map[string]uint64, error) {
	if m.kernelBTF == nil {
		return map[string]uint64{}, nil
	}
	return findEnumerators(m.kernelBTF.All(), names...)
}

func findEnumerators(types iter.Seq2[btf.Type, error], names ...string) (map[string]uint64, error) {
	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = true
	}

	found := make(map[string]uint64, len(names))
	for typ, err := range types {
		if err != nil {
			return found, fmt.Errorf("iterating kernel BTF: %w", err)
		}
		enum, ok := typ.(*btf.Enum)
		if !ok {
			continue
		}
		for _, v := range enum.Values {
			if wanted[v.Name] {
				found[v.Name] = v.Value
			}
		}
		if len(found) == len(wanted) {
			break
		}
	}
	return found, nil
}

// LoadCollection loads the object at path and creates its maps and programs.
// constants assigns read-only globals (const volatile in C) before loading.
func (m *Manager) LoadCollection(path string, constants map[string]any) (*ebpf.Collection, error) {
	spec, err := ebpf.LoadCollectionSpec(path)
	if err != nil {
		return nil, fmt.Errorf("loading collection spec %s: %w", path, err)
	}
	if err := setConstants(spec, constants); err != nil {
		return nil, err
	}

	var opts ebpf.CollectionOptions
	if m.kernelBTF != nil {
		opts.Programs.KernelTypes = m.kernelBTF
	}

	coll, err := ebpf.NewCollectionWithOptions(spec, opts)
	if err != nil {
		var verr *ebpf.VerifierError
		if errors.As(err, &verr) {
			m.logger.V(1).Info("Verifier log", "log", fmt.Sprintf("%+v", verr))
		}
		return nil, fmt.Errorf("creating collection: %w", err)
	}

	m.logger.V(1).Info("Loaded BPF collection", "path", path,
		"programs", len(coll.Programs), "maps", len(coll.Maps))
	return coll, nil
}

func setConstants(spec *ebpf.CollectionSpec, constants map[string]any) error {
	for name, value := range constants {
		v, ok := spec.Variables[name]
		if !ok {
			return fmt.Errorf("constant %s not found in BPF object", name)
		}
		if err := v.Set(value); err != nil {
			return fmt.Errorf("setting constant %s: %w", name, err)
		}
	}
	return nil
}
