// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package probe

// The object is loaded at run time from DefaultObjectPath. Install it with:
//
//	install -D ebpf/build/blkhooks.bpf.o /usr/local/lib/iodiag/ebpf/blkhooks.bpf.o

//go:generate sh -c "mkdir -p ../../../ebpf/include ../../../ebpf/build && bpftool btf dump file /sys/kernel/btf/vmlinux format c > ../../../ebpf/include/vmlinux.h"
//go:generate clang -target bpf -D__TARGET_ARCH_x86 -Wall -Werror -g -O2 -fno-stack-protector -I../../../ebpf/include -c ../../../ebpf/src/blkhooks.bpf.c -o ../../../ebpf/build/blkhooks.bpf.o
