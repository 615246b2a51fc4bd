// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package test

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/swarm"
	"github.com/docker/docker/api/types/system"
)

// FakeDocker is an in-memory swarm manager implementing the node,
// task and service filters used by the autoscaler.
type FakeDocker struct {
	SwarmInfo  swarm.Swarm
	SystemInfo system.Info
	Nodes      map[string]*swarm.Node
	Tasks      []swarm.Task
	Services   map[string]swarm.Service
	// IDs of the removed nodes, in order.
	Removed []string

	mtx sync.Mutex
}

func NewFakeDocker() *FakeDocker {
	return &FakeDocker{
		Nodes:    map[string]*swarm.Node{},
		Services: map[string]swarm.Service{},
	}
}

// AddNode adds a node with 4 CPUs and 16 GiB of memory.
func (d *FakeDocker) AddNode(id, hostname string, role swarm.NodeRole, state swarm.NodeState, availability swarm.NodeAvailability, labels map[string]string) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	n := &swarm.Node{ID: id}
	n.Version.Index = 1
	n.Spec.Labels = labels
	n.Spec.Role = role
	n.Spec.Availability = availability
	n.Description.Hostname = hostname
	n.Description.Resources = swarm.Resources{NanoCPUs: 4e9, MemoryBytes: 16 << 30}
	n.Status.State = state
	d.Nodes[id] = n
}

// matchLabels returns true if labels satisfy every "key" or
// "key=value" filter.
func matchLabels(labels map[string]string, want []string) bool {
	for _, f := range want {
		k, v, hasValue := strings.Cut(f, "=")
		got, ok := labels[k]
		if !ok || (hasValue && got != v) {
			return false
		}
	}
	return true
}

func (d *FakeDocker) Info(ctx context.Context) (system.Info, error) {
	return d.SystemInfo, nil
}

func (d *FakeDocker) SwarmInspect(ctx context.Context) (swarm.Swarm, error) {
	return d.SwarmInfo, nil
}

func (d *FakeDocker) NodeList(ctx context.Context, options dockertypes.NodeListOptions) ([]swarm.Node, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	var ret []swarm.Node
	for _, n := range d.Nodes {
		if names := options.Filters.Get("name"); len(names) > 0 && !strings.HasPrefix(n.Description.Hostname, names[0]) {
			continue
		}
		if roles := options.Filters.Get("role"); len(roles) > 0 && string(n.Spec.Role) != roles[0] {
			continue
		}
		if !matchLabels(n.Spec.Labels, options.Filters.Get("node.label")) {
			continue
		}
		ret = append(ret, *n)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].ID < ret[j].ID })
	return ret, nil
}

func (d *FakeDocker) NodeInspectWithRaw(ctx context.Context, nodeID string) (swarm.Node, []byte, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	n, ok := d.Nodes[nodeID]
	if !ok {
		return swarm.Node{}, nil, fmt.Errorf("node %s not found", nodeID)
	}
	return *n, nil, nil
}

func (d *FakeDocker) NodeUpdate(ctx context.Context, nodeID string, version swarm.Version, spec swarm.NodeSpec) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	n, ok := d.Nodes[nodeID]
	if !ok {
		return fmt.Errorf("node %s not found", nodeID)
	}
	if version.Index != n.Version.Index {
		return fmt.Errorf("update out of sequence")
	}
	n.Spec = spec
	n.Version.Index++
	return nil
}

func (d *FakeDocker) NodeRemove(ctx context.Context, nodeID string, options dockertypes.NodeRemoveOptions) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	n, ok := d.Nodes[nodeID]
	if !ok {
		return fmt.Errorf("node %s not found", nodeID)
	}
	if n.Status.State == swarm.NodeStateReady && !options.Force {
		return fmt.Errorf("node %s is not down and can't be removed", nodeID)
	}
	delete(d.Nodes, nodeID)
	d.Removed = append(d.Removed, nodeID)
	return nil
}

func (d *FakeDocker) TaskList(ctx context.Context, options dockertypes.TaskListOptions) ([]swarm.Task, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	var ret []swarm.Task
	for _, t := range d.Tasks {
		if ds := options.Filters.Get("desired-state"); len(ds) > 0 && string(t.DesiredState) != ds[0] {
			continue
		}
		if nodes := options.Filters.Get("node"); len(nodes) > 0 && t.NodeID != nodes[0] {
			continue
		}
		if !matchLabels(t.Labels, options.Filters.Get("label")) {
			continue
		}
		ret = append(ret, t)
	}
	return ret, nil
}

func (d *FakeDocker) ServiceInspectWithRaw(ctx context.Context, serviceID string, options dockertypes.ServiceInspectOptions) (swarm.Service, []byte, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	svc, ok := d.Services[serviceID]
	if !ok {
		return swarm.Service{}, nil, fmt.Errorf("service %s not found", serviceID)
	}
	return svc, nil, nil
}
