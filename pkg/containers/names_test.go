// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

//go:build !integration

package containers

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNameSource_Name(t *testing.T) {
	tests := []struct {
		name      string
		container Container
		files     map[string]string
		want      string
		wantOK    bool
	}{
		{
			name:      "docker",
			container: Container{ID: dockerID, Runtime: "docker"},
			files: map[string]string{
				"var/lib/docker/containers/" + dockerID + "/config.v2.json": `{"ID":"` + dockerID + `","Name":"/postgres"}`,
			},
			want:   "postgres",
			wantOK: true,
		},
		{
			name:      "docker without name",
			container: Container{ID: dockerID, Runtime: "docker"},
			files: map[string]string{
				"var/lib/docker/containers/" + dockerID + "/config.v2.json": `{"ID":"x"}`,
			},
		},
		{
			name:      "cri-containerd",
			container: Container{ID: criID, Runtime: "cri-containerd"},
			files: map[string]string{
				"run/containerd/io.containerd.runtime.v2.task/k8s.io/" + criID + "/config.json": `{"ociVersion":"1.0.2","annotations":{"io.kubernetes.cri.container-name":"nginx"}}`,
			},
			want:   "nginx",
			wantOK: true,
		},
		{
			name:      "containerd in moby namespace",
			container: Container{ID: criID, Runtime: "containerd"},
			files: map[string]string{
				"run/containerd/io.containerd.runtime.v2.task/moby/" + criID + "/config.json": `{"annotations":{"io.kubernetes.cri.container-name":"redis"}}`,
			},
			want:   "redis",
			wantOK: true,
		},
		{
			name:      "cri-o",
			container: Container{ID: crioID, Runtime: "cri-o"},
			files: map[string]string{
				"var/lib/containers/storage/overlay-containers/" + crioID + "/userdata/config.json": `{"annotations":{"io.kubernetes.container.name":"etcd"}}`,
			},
			want:   "etcd",
			wantOK: true,
		},
		{
			name:      "malformed metadata",
			container: Container{ID: dockerID, Runtime: "docker"},
			files: map[string]string{
				"var/lib/docker/containers/" + dockerID + "/config.v2.json": `{`,
			},
		},
		{
			name:      "missing metadata",
			container: Container{ID: dockerID, Runtime: "docker"},
		},
		{
			name:      "unknown runtime",
			container: Container{ID: dockerID, Runtime: "unknown"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			for rel, content := range tt.files {
				createFile(t, filepath.Join(root, rel), content)
			}

			name, ok := NewNameSource(root).Name(tt.container)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, name)
		})
	}
}

func TestNewNameSource_DefaultRoot(t *testing.T) {
	assert.Equal(t, "/", NewNameSource("").hostRoot)
}
