// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package containers maps kernel cgroup ids to container names.
package containers

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// DefaultCgroupRoot is where the cgroup filesystems are mounted.
const DefaultCgroupRoot = "/sys/fs/cgroup"

// minContainerIDLength is the length of a short container id.
const minContainerIDLength = 12

// Container is a container cgroup found under the cgroup root.
type Container struct {
	// ID is the runtime's container id as it appears in the cgroup path.
	ID      string
	Runtime string
	// CgroupPath is the container's cgroup directory.
	CgroupPath    string
	CgroupVersion int
	// CgroupID is the kernel id of CgroupPath, 0 when it could not be read.
	CgroupID uint64
}

// Discovery finds container cgroups in the hierarchies that account block I/O:
// the unified v2 hierarchy and the v1 blkio controller.
type Discovery struct {
	root     string
	cgroupID func(path string) (uint64, error)
}

// NewDiscovery creates a Discovery rooted at root, DefaultCgroupRoot when empty.
func NewDiscovery(root string) *Discovery {
	if root == "" {
		root = DefaultCgroupRoot
	}
	return &Discovery{root: root, cgroupID: CgroupID}
}

// hierarchy is one mounted cgroup tree worth scanning.
type hierarchy struct {
	path    string
	version int
}

func (d *Discovery) hierarchies() []hierarchy {
	var hs []hierarchy
	if isFile(filepath.Join(d.root, "cgroup.controllers")) {
		hs = append(hs, hierarchy{path: d.root, version: 2})
	} else if unified := filepath.Join(d.root, "unified"); isFile(filepath.Join(unified, "cgroup.controllers")) {
		// hybrid mode mounts v2 next to the v1 controllers
		hs = append(hs, hierarchy{path: unified, version: 2})
	}
	if blkio := filepath.Join(d.root, "blkio"); isDir(blkio) {
		hs = append(hs, hierarchy{path: blkio, version: 1})
	}
	return hs
}

// DetectCgroupVersion reports the hierarchy I/O is accounted in: 2 when a
// unified hierarchy is mounted, 1 when only the v1 blkio controller is.
func (d *Discovery) DetectCgroupVersion() (int, error) {
	hs := d.hierarchies()
	if len(hs) == 0 {
		return 0, fmt.Errorf("no v2 hierarchy or v1 blkio controller under %s", d.root)
	}
	return hs[0].version, nil
}

// Discover returns every container cgroup, preferring the v2 entry when a
// container appears in both hierarchies.
func (d *Discovery) Discover() ([]Container, error) {
	hs := d.hierarchies()
	if len(hs) == 0 {
		return nil, fmt.Errorf("no v2 hierarchy or v1 blkio controller under %s", d.root)
	}

	var (
		found []Container
		seen  = make(map[string]bool)
		errs  []error
	)
	for _, h := range hs {
		containers, err := d.scan(h)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, c := range containers {
			if seen[c.ID] {
				continue
			}
			seen[c.ID] = true
			found = append(found, c)
		}
	}
	if len(found) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return found, nil
}

func (d *Discovery) scan(h hierarchy) ([]Container, error) {
	var containers []Container
	err := filepath.WalkDir(h.path, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if path == h.path {
				return err
			}
			return nil
		}
		if !entry.IsDir() || path == h.path {
			return nil
		}

		rel := strings.TrimPrefix(path, h.path)
		id := ExtractContainerID(rel)
		if id == "" || !isFile(filepath.Join(path, "cgroup.procs")) {
			return nil
		}

		c := Container{
			ID:            id,
			Runtime:       detectRuntimeFromPath(rel),
			CgroupPath:    path,
			CgroupVersion: h.version,
		}
		if cgid, err := d.cgroupID(path); err == nil {
			c.CgroupID = cgid
		}
		containers = append(containers, c)
		// nested cgroups belong to the same container
		return filepath.SkipDir
	})
	if err != nil {
		return nil, fmt.Errorf("scanning cgroup v%d hierarchy %s: %w", h.version, h.path, err)
	}
	return containers, nil
}

var runtimeMarkers = []struct {
	marker  string
	runtime string
}{
	// CRI prefixes first, they also contain the bare runtime name
	{"cri-containerd", "cri-containerd"},
	{"cri-o", "cri-o"},
	{"crio", "cri-o"},
	{"docker", "docker"},
	{"containerd", "containerd"},
	{"libpod", "podman"},
	{"podman", "podman"},
}

func detectRuntimeFromPath(path string) string {
	path = strings.ToLower(path)
	for _, m := range runtimeMarkers {
		if strings.Contains(path, m.marker) {
			return m.runtime
		}
	}
	return "unknown"
}

// ExtractContainerID returns the container id named by the last component of
// a cgroup path, or "" when the component does not name a container.
//
// Recognized forms are a bare id (docker/<id>, kubepods/.../<id>) and systemd
// scopes (docker-<id>.scope, cri-containerd-<id>.scope, crio-<id>.scope,
// libpod-<id>.scope).
func ExtractContainerID(path string) string {
	name := filepath.Base(filepath.Clean("/" + path))
	if strings.HasSuffix(name, ".slice") || strings.HasSuffix(name, ".mount") {
		return ""
	}

	candidate := name
	if scope, ok := strings.CutSuffix(name, ".scope"); ok {
		idx := strings.LastIndexByte(scope, '-')
		if idx < 0 {
			return ""
		}
		candidate = scope[idx+1:]
	} else if idx := strings.LastIndexByte(name, '-'); idx >= 0 {
		// crio-<id> and friends without a scope suffix
		candidate = name[idx+1:]
	}

	if len(candidate) < minContainerIDLength || !IsHexString(candidate) {
		return ""
	}
	return candidate
}

// IsHexString reports whether s is a non-empty string of hex digits.
func IsHexString(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
