// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package config

import (
	"github.com/go-logr/logr"

	"github.com/antimetal/iodiag/pkg/blkio"
	"github.com/antimetal/iodiag/pkg/containers"
)

// FilterSet builds the correlator predicates from o. The container name is
// looked up in names; a name that does not resolve leaves the container
// predicate unset.
func (o *Options) FilterSet(names containers.ContainerMap, logger logr.Logger) (blkio.FilterSet, error) {
	var f blkio.FilterSet

	if o.Device != "" {
		dev, err := ResolveDevice(o.Device)
		if err != nil {
			return f, err
		}
		f.Device = &dev
	}

	if o.Operation != "" {
		op, err := blkio.ParseOperation(o.Operation)
		if err != nil {
			return f, err
		}
		f.Operation = &op
	}

	if o.Container != "" {
		if id, ok := names.CgroupFor(o.Container); ok {
			f.Cgroup = &id
		} else {
			logger.Info("Container not resolved, container filter disabled", "container", o.Container)
		}
	}

	if o.Mode == blkio.ModeEvents && o.Threshold != 0 {
		threshold := o.Threshold
		f.Threshold = &threshold
	}

	return f, nil
}
