// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package containers

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"
)

const (
	DefaultRegistryDir   = "/matrix/run/container"
	DefaultPathHelper    = "/usr/local/lib/iodiag/get_container_path.sh"
	DefaultIDHelper      = "/usr/local/lib/iodiag/get_container_id"
	DefaultHelperTimeout = 2 * time.Second

	// RootEntry is the registry pseudo-entry for the root cgroup.
	RootEntry = "v2"
	// RootName is how the root cgroup is labeled.
	RootName = "root"

	registrySuffix = ".MaTRIX"
	// ShortNameLength is how much of a container name fits a table column.
	ShortNameLength = 12
)

// ContainerMap maps a cgroup id, in decimal, to a container name. It is read
// only once resolved.
type ContainerMap map[string]string

// Lookup returns the container name for cgroup.
func (m ContainerMap) Lookup(cgroup uint64) (string, bool) {
	name, ok := m[strconv.FormatUint(cgroup, 10)]
	return name, ok
}

// Label returns the container name for cgroup, or the id itself when unknown.
func (m ContainerMap) Label(cgroup uint64) string {
	if name, ok := m.Lookup(cgroup); ok {
		return name
	}
	return strconv.FormatUint(cgroup, 10)
}

// CgroupFor returns the cgroup id a container name resolved to. When several
// ids carry the name the lowest wins.
func (m ContainerMap) CgroupFor(name string) (uint64, bool) {
	var ids []uint64
	for key, v := range m {
		if v != name {
			continue
		}
		id, err := strconv.ParseUint(key, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return 0, false
	}
	return slices.Min(ids), true
}

// ShortName truncates a container label to ShortNameLength characters.
func ShortName(name string) string {
	if len(name) > ShortNameLength {
		return name[:ShortNameLength]
	}
	return name
}

// ResolverOptions configures where container identities come from. Leaving
// RegistryDir empty disables the registry, leaving CgroupRoot empty disables
// cgroupfs discovery.
type ResolverOptions struct {
	RegistryDir string
	// PathHelper is a shell script printing the cgroup path of a registry entry.
	PathHelper string
	// IDHelper prints "<path>:<id>" for the cgroup directory given with -p.
	IDHelper string
	// Timeout bounds each helper invocation.
	Timeout    time.Duration
	CgroupRoot string
	// HostRoot is where runtime metadata is read from.
	HostRoot string
}

// DefaultResolverOptions returns the options of a stock installation.
func DefaultResolverOptions() ResolverOptions {
	return ResolverOptions{
		RegistryDir: DefaultRegistryDir,
		PathHelper:  DefaultPathHelper,
		IDHelper:    DefaultIDHelper,
		Timeout:     DefaultHelperTimeout,
		CgroupRoot:  DefaultCgroupRoot,
		HostRoot:    "/",
	}
}

type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// Resolver builds the ContainerMap once at startup.
type Resolver struct {
	logger    logr.Logger
	opts      ResolverOptions
	run       runFunc
	discovery *Discovery
	names     *NameSource
}

// NewResolver creates a Resolver.
func NewResolver(logger logr.Logger, opts ResolverOptions) *Resolver {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultHelperTimeout
	}
	r := &Resolver{
		logger: logger.WithName("containers"),
		opts:   opts,
		run:    runCommand,
		names:  NewNameSource(opts.HostRoot),
	}
	if opts.CgroupRoot != "" {
		r.discovery = NewDiscovery(opts.CgroupRoot)
	}
	return r
}

// Resolve returns the cgroup id to name mapping. Registry entries take
// precedence over discovered cgroups. Unresolvable entries are skipped and
// missing helpers only log a warning, so the map may be empty. The only error
// is a cancelled ctx.
func (r *Resolver) Resolve(ctx context.Context) (ContainerMap, error) {
	m := make(ContainerMap)

	if err := r.fromRegistry(ctx, m); err != nil {
		return nil, err
	}
	registered := len(m)

	if r.discovery != nil {
		r.fromCgroups(m)
	}

	r.logger.Info("Container map resolved", "registry", registered, "discovered", len(m)-registered)
	return m, nil
}

func (r *Resolver) fromRegistry(ctx context.Context, m ContainerMap) error {
	if r.opts.RegistryDir == "" {
		return nil
	}
	for _, helper := range []string{r.opts.PathHelper, r.opts.IDHelper} {
		if !isFile(helper) {
			r.logger.Info("Container helper missing, registry lookup disabled", "helper", helper)
			return nil
		}
	}

	names, err := registryEntries(r.opts.RegistryDir)
	if err != nil {
		r.logger.Info("Container registry unreadable", "dir", r.opts.RegistryDir, "error", err.Error())
		return nil
	}

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		path, err := r.containerPath(ctx, name)
		if err != nil || path == "" {
			r.logger.V(1).Info("Failed to resolve container cgroup path", "container", name, "error", err)
			continue
		}
		id, err := r.cgroupID(ctx, path)
		if err != nil {
			r.logger.V(1).Info("Failed to resolve container cgroup id", "container", name, "path", path, "error", err)
			continue
		}
		label := name
		if name == RootEntry {
			label = RootName
		}
		m[strconv.FormatUint(id, 10)] = label
	}
	return nil
}

// registryEntries lists the container names registered in dir followed by
// RootEntry.
func registryEntries(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") || strings.HasSuffix(name, registrySuffix) || !e.Type().IsRegular() {
			continue
		}
		names = append(names, name)
	}
	return append(names, RootEntry), nil
}

func (r *Resolver) containerPath(ctx context.Context, name string) (string, error) {
	out, err := r.exec(ctx, "sh", r.opts.PathHelper, name)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (r *Resolver) cgroupID(ctx context.Context, path string) (uint64, error) {
	out, err := r.exec(ctx, r.opts.IDHelper, "-p", path, "-d")
	if err != nil {
		return 0, err
	}
	return parseIDHelperOutput(out)
}

func (r *Resolver) exec(ctx context.Context, name string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()
	return r.run(ctx, name, args...)
}

// parseIDHelperOutput reads the id from the "<path>:<id>" first line.
func parseIDHelperOutput(out []byte) (uint64, error) {
	line, _, _ := bytes.Cut(out, []byte("\n"))
	s := strings.TrimSpace(string(line))
	idx := strings.LastIndexByte(s, ':')
	if idx < 0 {
		return 0, fmt.Errorf("malformed id helper output %q", s)
	}
	id, err := strconv.ParseUint(strings.TrimSpace(s[idx+1:]), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed id helper output %q: %w", s, err)
	}
	if id == 0 {
		return 0, errors.New("id helper returned cgroup id 0")
	}
	return id, nil
}

func (r *Resolver) fromCgroups(m ContainerMap) {
	found, err := r.discovery.Discover()
	if err != nil {
		r.logger.V(1).Info("Failed to discover container cgroups", "error", err.Error())
		return
	}
	for _, c := range found {
		if c.CgroupID == 0 {
			continue
		}
		key := strconv.FormatUint(c.CgroupID, 10)
		if _, ok := m[key]; ok {
			continue
		}
		name, ok := r.names.Name(c)
		if !ok {
			name = c.ID
		}
		m[key] = name
	}
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %s", name, err, firstLine(stderr.Bytes()))
	}
	return out, nil
}

func firstLine(b []byte) string {
	sc := bufio.NewScanner(bytes.NewReader(b))
	if sc.Scan() {
		return sc.Text()
	}
	return ""
}
