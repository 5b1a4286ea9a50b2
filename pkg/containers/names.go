// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package containers

import (
	"os"
	"path/filepath"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	criContainerNameAnnotation  = "io.kubernetes.cri.container-name"
	crioContainerNameAnnotation = "io.kubernetes.container.name"
)

// NameSource reads container names from the runtimes' on-disk metadata.
type NameSource struct {
	hostRoot string
}

// NewNameSource reads metadata below hostRoot, "/" when empty. A containerized
// deployment passes the mount point of the host filesystem.
func NewNameSource(hostRoot string) *NameSource {
	if hostRoot == "" {
		hostRoot = "/"
	}
	return &NameSource{hostRoot: hostRoot}
}

// Name returns the runtime's name for c.
func (s *NameSource) Name(c Container) (string, bool) {
	switch c.Runtime {
	case "docker":
		return s.dockerName(c.ID)
	case "containerd", "cri-containerd":
		for _, ns := range []string{"k8s.io", "moby", "default"} {
			if name, ok := s.ociName(filepath.Join("run/containerd/io.containerd.runtime.v2.task", ns, c.ID, "config.json"), criContainerNameAnnotation); ok {
				return name, true
			}
		}
	case "cri-o":
		return s.ociName(filepath.Join("var/lib/containers/storage/overlay-containers", c.ID, "userdata/config.json"), crioContainerNameAnnotation)
	}
	return "", false
}

func (s *NameSource) dockerName(id string) (string, bool) {
	var cfg struct {
		Name string `json:"Name"`
	}
	if !s.readJSON(filepath.Join("var/lib/docker/containers", id, "config.v2.json"), &cfg) {
		return "", false
	}
	name := strings.TrimPrefix(cfg.Name, "/")
	return name, name != ""
}

func (s *NameSource) ociName(rel, annotation string) (string, bool) {
	var spec struct {
		Annotations map[string]string `json:"annotations"`
	}
	if !s.readJSON(rel, &spec) {
		return "", false
	}
	name := spec.Annotations[annotation]
	return name, name != ""
}

func (s *NameSource) readJSON(rel string, v any) bool {
	data, err := os.ReadFile(filepath.Join(s.hostRoot, rel))
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}
