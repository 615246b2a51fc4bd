// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package test

import (
	"context"
	"sync"

	"git.arvados.org/fleetscaler.git/lib/autoscaler/cluster"
	"git.arvados.org/fleetscaler.git/lib/cloud"
	"git.arvados.org/fleetscaler.git/sdk/go/fleet"
)

// StubProvider is a cluster.Provider backed by a StubNodeManager.
// A node is monitored when it has every label in NewLabels, and
// active when cluster.IsNodeReady says so.
type StubProvider struct {
	Nodes *StubNodeManager
	Tags  cloud.InstanceTags
	// Labels given to every new node. Must not be empty.
	NewLabels map[string]string
	// Pending tasks, oldest first. They must be *StubTask.
	Tasks []cluster.Task
	// Used resources by node hostname.
	Used map[string]fleet.Resources
	// Retired nodes by hostname.
	Retired map[string]bool
	// If not nil, returned by MonitoredNodes.
	NodesErr error

	mtx         sync.Mutex
	retireCalls int
}

func (p *StubProvider) MonitoredNodes(ctx context.Context) ([]cluster.Node, error) {
	if p.NodesErr != nil {
		return nil, p.NodesErr
	}
	var monitored []cluster.Node
	for _, n := range p.Nodes.Nodes() {
		if hasLabels(n.Labels, p.NewLabels) {
			monitored = append(monitored, n)
		}
	}
	return monitored, nil
}

func hasLabels(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

func (p *StubProvider) InstanceTags() cloud.InstanceTags {
	return p.Tags.Clone()
}

func (p *StubProvider) NewNodeLabels(inst cloud.InstanceData) map[string]string {
	labels := map[string]string{}
	for k, v := range p.NewLabels {
		labels[k] = v
	}
	return labels
}

func (p *StubProvider) UnrunnableTasks(ctx context.Context) ([]cluster.Task, error) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return append([]cluster.Task(nil), p.Tasks...), nil
}

// SetTasks replaces the pending tasks.
func (p *StubProvider) SetTasks(tasks ...cluster.Task) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.Tasks = tasks
}

func (p *StubProvider) TaskRequiredResources(task cluster.Task) fleet.Resources {
	return task.(*StubTask).Resources
}

func (p *StubProvider) TaskInstanceType(ctx context.Context, task cluster.Task) (string, error) {
	return task.(*StubTask).InstanceType, nil
}

func (p *StubProvider) TaskRequiredLabels(ctx context.Context, task cluster.Task) (map[string]string, error) {
	return task.(*StubTask).Labels, nil
}

func (p *StubProvider) NodeUsedResources(ctx context.Context, ai *cluster.AssociatedInstance) (fleet.Resources, error) {
	return p.Used[ai.Node.Hostname], nil
}

func (p *StubProvider) ClusterUsedResources(ctx context.Context, ais []*cluster.AssociatedInstance) (fleet.Resources, error) {
	var total fleet.Resources
	for _, ai := range ais {
		total = total.Add(p.Used[ai.Node.Hostname])
	}
	return total, nil
}

func (p *StubProvider) ClusterTotalResources(ctx context.Context, ais []*cluster.AssociatedInstance) (fleet.Resources, error) {
	var total fleet.Resources
	for _, ai := range ais {
		total = total.Add(ai.Instance.Resources)
	}
	return total, nil
}

func (p *StubProvider) IsInstanceActive(ctx context.Context, ai *cluster.AssociatedInstance) (bool, error) {
	return cluster.IsNodeReady(ai.Node), nil
}

func (p *StubProvider) IsInstanceRetired(ctx context.Context, ai *cluster.AssociatedInstance) (bool, error) {
	return p.Retired[ai.Node.Hostname], nil
}

func (p *StubProvider) TryRetireNodes(ctx context.Context) error {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.retireCalls++
	return nil
}

// RetireCalls returns the number of TryRetireNodes calls.
func (p *StubProvider) RetireCalls() int {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	return p.retireCalls
}

func (p *StubProvider) AdjustInstanceType(it fleet.InstanceType) fleet.InstanceType {
	return it
}

func (p *StubProvider) AddInstanceGenericResources(inst *cloud.InstanceData) {}
