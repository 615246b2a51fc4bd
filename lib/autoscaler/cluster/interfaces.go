// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cluster

import (
	"context"

	"git.arvados.org/fleetscaler.git/lib/cloud"
	"git.arvados.org/fleetscaler.git/sdk/go/fleet"
)

// A Provider gives a uniform view of the compute backend whose
// capacity is being scaled.
type Provider interface {
	// MonitoredNodes returns the worker nodes managed by the
	// autoscaler.
	MonitoredNodes(ctx context.Context) ([]Node, error)

	// InstanceTags returns the tags identifying the instances of
	// this cluster.
	InstanceTags() cloud.InstanceTags

	// NewNodeLabels returns the labels of a node joining on inst.
	NewNodeLabels(inst cloud.InstanceData) map[string]string

	// UnrunnableTasks returns the tasks that cannot run for lack
	// of capacity, oldest first.
	UnrunnableTasks(ctx context.Context) ([]Task, error)

	TaskRequiredResources(task Task) fleet.Resources

	// TaskInstanceType returns the instance type the task is
	// pinned to, or "" if there is none.
	TaskInstanceType(ctx context.Context, task Task) (string, error)

	// TaskRequiredLabels returns the node labels the task
	// requires, if any.
	TaskRequiredLabels(ctx context.Context, task Task) (map[string]string, error)

	NodeUsedResources(ctx context.Context, ai *AssociatedInstance) (fleet.Resources, error)
	ClusterUsedResources(ctx context.Context, ais []*AssociatedInstance) (fleet.Resources, error)
	ClusterTotalResources(ctx context.Context, ais []*AssociatedInstance) (fleet.Resources, error)

	IsInstanceActive(ctx context.Context, ai *AssociatedInstance) (bool, error)
	IsInstanceRetired(ctx context.Context, ai *AssociatedInstance) (bool, error)

	// TryRetireNodes asks the backend to stop using idle nodes.
	TryRetireNodes(ctx context.Context) error

	// AdjustInstanceType returns it with the resources the
	// backend can actually use.
	AdjustInstanceType(it fleet.InstanceType) fleet.InstanceType

	// AddInstanceGenericResources adds backend specific
	// resources to the instance.
	AddInstanceGenericResources(inst *cloud.InstanceData)
}

// A NodeManager changes worker nodes in the orchestrator.
//
// Methods that update a node return its new state.
type NodeManager interface {
	// FindNodeWithName returns the node with the exact hostname,
	// or nil if there is none.
	FindNodeWithName(ctx context.Context, hostname string) (*Node, error)

	// AttachNode labels a node that just joined, see
	// AttachLabels.
	AttachNode(ctx context.Context, n Node, labels map[string]string) (Node, error)

	// SetNodeReady marks the node as accepting tasks or not.
	SetNodeReady(ctx context.Context, n Node, ready bool) (Node, error)

	// SetNodeFoundEmpty records (or clears) the time the node
	// was first found without tasks.
	SetNodeFoundEmpty(ctx context.Context, n Node, empty bool) (Node, error)

	// BeginNodeTermination drains the node and records the time.
	BeginNodeTermination(ctx context.Context, n Node) (Node, error)

	// RemoveNodes removes nodes that are down, or all of them if
	// force is true. It returns the removed nodes.
	RemoveNodes(ctx context.Context, nodes []Node, force bool) ([]Node, error)

	// JoinCommand returns the shell command that joins a new
	// machine to the cluster.
	JoinCommand(ctx context.Context, drained bool) (string, error)
}
