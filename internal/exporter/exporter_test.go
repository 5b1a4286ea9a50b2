// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

//go:build !integration

package exporter

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antimetal/iodiag/pkg/blkio"
	"github.com/antimetal/iodiag/pkg/containers"
)

func section(cgroup uint64, disk string, counts map[int]uint64) blkio.Section {
	s := blkio.Section{SectionKey: blkio.SectionKey{Cgroup: cgroup, Disk: disk}}
	for slot, c := range counts {
		s.Counts[slot] = c
	}
	return s
}

func TestExporter_Sections(t *testing.T) {
	e := New(blkio.Microseconds, containers.ContainerMap{"7": "web"}, nil)
	e.ObserveSections([]blkio.Section{section(7, "sda", map[int]uint64{1: 1, 3: 2})})
	e.ObserveSections([]blkio.Section{section(7, "sda", map[int]uint64{3: 1})})

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(e))

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, 1)
	assert.Equal(t, "iodiag_request_latency_usecs", families[0].GetName())

	metrics := families[0].GetMetric()
	require.Len(t, metrics, 1)
	labels := metrics[0].GetLabel()
	require.Len(t, labels, 2)
	assert.Equal(t, "container", labels[0].GetName())
	assert.Equal(t, "web", labels[0].GetValue())
	assert.Equal(t, "disk", labels[1].GetName())
	assert.Equal(t, "sda", labels[1].GetValue())

	h := metrics[0].GetHistogram()
	assert.Equal(t, uint64(4), h.GetSampleCount())
	assert.Equal(t, float64(2+3*8), h.GetSampleSum())

	cumulative := map[float64]uint64{}
	for _, b := range h.GetBucket() {
		cumulative[b.GetUpperBound()] = b.GetCumulativeCount()
	}
	assert.Equal(t, uint64(0), cumulative[1])
	assert.Equal(t, uint64(1), cumulative[3])
	assert.Equal(t, uint64(1), cumulative[7])
	assert.Equal(t, uint64(4), cumulative[15])
	assert.Equal(t, uint64(4), cumulative[float64(uint64(1)<<32-1)])
}

func TestExporter_Events(t *testing.T) {
	e := New(blkio.Milliseconds, containers.ContainerMap{}, nil)
	e.ObserveEvents([]blkio.EventRecord{
		{Cgroup: 1, Disk: "nvme0n1", Partition: 2, Total: 5},
		{Cgroup: 1, Disk: "nvme0n1", Partition: 2, Total: 6},
		{Cgroup: 2, Disk: "sda", Total: 0},
	})

	assert.Equal(t, 2, testutil.CollectAndCount(e, "iodiag_request_latency_msecs"))

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(e))
	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, 1)

	disks := map[string]uint64{}
	for _, m := range families[0].GetMetric() {
		var container, disk string
		for _, l := range m.GetLabel() {
			switch l.GetName() {
			case "container":
				container = l.GetValue()
			case "disk":
				disk = l.GetValue()
			}
		}
		disks[container+"/"+disk] = m.GetHistogram().GetSampleCount()
	}
	// unknown cgroups are labelled with their id
	assert.Equal(t, map[string]uint64{"1/nvme0n1p2": 2, "2/sda": 1}, disks)
}

func TestExporter_Stats(t *testing.T) {
	stats := blkio.Stats{Submitted: 10, Emitted: 8, RingDropped: 2, TrackedRequests: 3}
	e := New(blkio.Microseconds, nil, func() blkio.Stats { return stats })

	expected := `
# HELP iodiag_correlator_submitted_total Bios admitted at submission.
# TYPE iodiag_correlator_submitted_total counter
iodiag_correlator_submitted_total 10
# HELP iodiag_correlator_emitted_total Completed requests recorded.
# TYPE iodiag_correlator_emitted_total counter
iodiag_correlator_emitted_total 8
# HELP iodiag_correlator_ring_dropped_total Event records lost to a full ring.
# TYPE iodiag_correlator_ring_dropped_total counter
iodiag_correlator_ring_dropped_total 2
# HELP iodiag_correlator_tracked_requests Requests currently tracked.
# TYPE iodiag_correlator_tracked_requests gauge
iodiag_correlator_tracked_requests 3
`
	require.NoError(t, testutil.CollectAndCompare(e, strings.NewReader(expected),
		"iodiag_correlator_submitted_total",
		"iodiag_correlator_emitted_total",
		"iodiag_correlator_ring_dropped_total",
		"iodiag_correlator_tracked_requests",
	))
	assert.Equal(t, 15, testutil.CollectAndCount(e))
}

func TestServer(t *testing.T) {
	reg := prometheus.NewRegistry()
	e := New(blkio.Microseconds, nil, func() blkio.Stats { return blkio.Stats{Emitted: 1} })
	e.ObserveEvents([]blkio.EventRecord{{Cgroup: 9, Disk: "sdb", Total: 100}})
	require.NoError(t, reg.Register(e))

	srv, err := Listen(testr.New(t), "127.0.0.1:0", reg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	var body string
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + srv.Addr() + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		if err != nil || resp.StatusCode != http.StatusOK {
			return false
		}
		body = string(b)
		return true
	}, 2*time.Second, 10*time.Millisecond)

	assert.Contains(t, body, `iodiag_request_latency_usecs_count{container="9",disk="sdb"} 1`)
	assert.Contains(t, body, "iodiag_correlator_emitted_total 1")

	cancel()
	assert.NoError(t, <-done)
}

func TestListen_BadAddress(t *testing.T) {
	_, err := Listen(testr.New(t), "256.0.0.1:bad", prometheus.NewRegistry())
	assert.Error(t, err)
}
