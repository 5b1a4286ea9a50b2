// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

//go:build !integration

package core

import (
	"errors"
	"iter"
	"os"
	"path/filepath"
	"testing"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/btf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antimetal/iodiag/pkg/kernel"
)

func TestDetectFeatures(t *testing.T) {
	dir := t.TempDir()
	btfPath := filepath.Join(dir, "vmlinux")
	require.NoError(t, os.WriteFile(btfPath, []byte{0x9f, 0xeb}, 0o644))
	missing := filepath.Join(dir, "missing")

	tests := []struct {
		name        string
		version     kernel.Version
		btfPath     string
		wantCORE    Support
		wantBTF     bool
		wantRingbuf bool
	}{
		{
			name:        "modern with btf",
			version:     kernel.Version{Major: 6, Minor: 1},
			btfPath:     btfPath,
			wantCORE:    SupportFull,
			wantBTF:     true,
			wantRingbuf: true,
		},
		{
			name:        "modern without btf",
			version:     kernel.Version{Major: 5, Minor: 10},
			btfPath:     missing,
			wantCORE:    SupportPartial,
			wantRingbuf: true,
		},
		{
			name:     "rhel8",
			version:  kernel.Version{Major: 4, Minor: 18},
			btfPath:  btfPath,
			wantCORE: SupportPartial,
			wantBTF:  true,
		},
		{
			name:     "old",
			version:  kernel.Version{Major: 4, Minor: 9},
			btfPath:  missing,
			wantCORE: SupportNone,
		},
		{
			name:        "ringbuf boundary",
			version:     kernel.Version{Major: 5, Minor: 8},
			btfPath:     btfPath,
			wantCORE:    SupportFull,
			wantBTF:     true,
			wantRingbuf: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := detectFeatures(tt.version, tt.btfPath)
			assert.Equal(t, tt.wantCORE, f.CORE)
			assert.Equal(t, tt.wantBTF, f.HasBTF)
			assert.Equal(t, tt.wantRingbuf, f.Ringbuf)
			assert.Equal(t, tt.version, f.Kernel)
		})
	}
}

func typeSeq(types ...btf.Type) iter.Seq2[btf.Type, error] {
	return func(yield func(btf.Type, error) bool) {
		for _, typ := range types {
			if !yield(typ, nil) {
				return
			}
		}
	}
}

func TestFindEnumerators(t *testing.T) {
	// the bio flag enum is anonymous, so it can only be found by its values
	bioFlags := &btf.Enum{Values: []btf.EnumValue{
		{Name: "BIO_PAGE_PINNED", Value: 0},
		{Name: "BIO_CLONED", Value: 1},
		{Name: "BIO_BOUNCED", Value: 2},
		{Name: "BIO_QUIET", Value: 3},
		{Name: "BIO_CHAIN", Value: 4},
	}}
	mergeStatus := &btf.Enum{Name: "bio_merge_status", Values: []btf.EnumValue{
		{Name: "BIO_MERGE_OK", Value: 0},
		{Name: "BIO_MERGE_NONE", Value: 1},
		{Name: "BIO_MERGE_FAILED", Value: 2},
	}}

	found, err := findEnumerators(typeSeq(&btf.Int{Name: "int", Size: 4}, bioFlags, mergeStatus),
		"BIO_CLONED", "BIO_CHAIN", "BIO_MERGE_OK")
	require.NoError(t, err)
	assert.Equal(t, map[string]uint64{"BIO_CLONED": 1, "BIO_CHAIN": 4, "BIO_MERGE_OK": 0}, found)

	found, err = findEnumerators(typeSeq(bioFlags), "BIO_CHAIN", "BIO_MERGE_OK")
	require.NoError(t, err)
	assert.Equal(t, map[string]uint64{"BIO_CHAIN": 4}, found, "kernels without the merge status enum")
}

func TestFindEnumerators_Error(t *testing.T) {
	broken := func(yield func(btf.Type, error) bool) {
		yield(nil, errors.New("truncated"))
	}
	_, err := findEnumerators(broken, "BIO_CHAIN")
	assert.ErrorContains(t, err, "truncated")
}

func TestSetConstants(t *testing.T) {
	spec := &ebpf.CollectionSpec{}
	assert.NoError(t, setConstants(spec, nil))
	assert.ErrorContains(t, setConstants(spec, map[string]any{"bio_chain_bit": uint32(4)}), "bio_chain_bit")
}
