// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package cluster builds a snapshot of the autoscaled cluster by
// joining the backend's worker nodes with the cloud instances that
// run them.
package cluster

import (
	"fmt"
	"strings"
	"time"

	"git.arvados.org/fleetscaler.git/lib/cloud"
	"git.arvados.org/fleetscaler.git/sdk/go/fleet"
)

type NodeState string

const (
	NodeStateReady        NodeState = "ready"
	NodeStateDown         NodeState = "down"
	NodeStateUnknown      NodeState = "unknown"
	NodeStateDisconnected NodeState = "disconnected"
)

type Availability string

const (
	AvailabilityActive Availability = "active"
	AvailabilityDrain  Availability = "drain"
	AvailabilityPause  Availability = "pause"
)

// Node is a worker node as seen by the backend orchestrator.
type Node struct {
	ID           string
	Hostname     string
	Labels       map[string]string
	State        NodeState
	Availability Availability
	UpdatedAt    time.Time
	// Total capacity advertised by the node.
	Resources fleet.Resources
}

func (n Node) String() string {
	return fmt.Sprintf("%s (%s)", n.Hostname, n.ID)
}

// Task is a unit of work waiting for capacity. Providers define the
// concrete types.
type Task interface {
	TaskID() string
}

// Slot records the tasks tentatively assigned to a node or instance
// during a tick, and the capacity they leave.
type Slot struct {
	AssignedTasks []Task
	Available     fleet.Resources
}

func (s *Slot) HasResourcesFor(r fleet.Resources) bool {
	return s.Available.GreaterOrEqual(r)
}

// Assign records task and deducts its requirements. Callers must
// check HasResourcesFor first.
func (s *Slot) Assign(task Task, r fleet.Resources) {
	s.AssignedTasks = append(s.AssignedTasks, task)
	s.Available = s.Available.Sub(r)
}

func (s *Slot) HasAssignedTasks() bool {
	return len(s.AssignedTasks) > 0
}

// AssociatedInstance is a node joined with the instance it runs on.
type AssociatedInstance struct {
	Node     Node
	Instance cloud.InstanceData
	Slot
}

// NewAssociatedInstance returns the pair with the full capacity of
// the instance available.
func NewAssociatedInstance(n Node, inst cloud.InstanceData) *AssociatedInstance {
	return &AssociatedInstance{
		Node:     n,
		Instance: inst,
		Slot:     Slot{Available: inst.Resources.Clone()},
	}
}

func (ai *AssociatedInstance) String() string {
	return fmt.Sprintf("%s/%s", ai.Instance.ID, ai.Node.Hostname)
}

// NonAssociatedInstance is an instance without a node.
type NonAssociatedInstance struct {
	Instance cloud.InstanceData
	Slot
}

// NewNonAssociatedInstance returns a slot-carrying wrapper whose
// available capacity is the instance's full capacity.
func NewNonAssociatedInstance(inst cloud.InstanceData) *NonAssociatedInstance {
	return &NonAssociatedInstance{
		Instance: inst,
		Slot:     Slot{Available: inst.Resources.Clone()},
	}
}

func (nai *NonAssociatedInstance) String() string {
	return string(nai.Instance.ID)
}

// Cluster is the state of the autoscaled cluster for one tick. Every
// instance appears in exactly one field, and so does every node with
// an instance. A node that is not ready also appears in
// DisconnectedNodes, next to its instance in PendingNodes.
//
// Steps of the reconciliation loop take a *Cluster and return a new
// one; use Copy to derive it.
type Cluster struct {
	// Nodes running tasks.
	ActiveNodes []*AssociatedInstance
	// Nodes that joined but are not ready for tasks, either new or
	// temporarily down.
	PendingNodes []*AssociatedInstance
	// Idle nodes, candidates for termination.
	DrainedNodes []*AssociatedInstance
	// Drained nodes of the hot buffer type kept ready for reuse.
	HotBufferDrainedNodes []*AssociatedInstance
	// Instances that have not joined yet.
	PendingEC2s []*NonAssociatedInstance
	// Instances that did not join within the maximum start time.
	BrokenEC2s []*NonAssociatedInstance
	// Stopped, pre-warmed buffer instances.
	WarmBufferEC2s []*NonAssociatedInstance
	// Drained nodes waiting out the final termination delay.
	TerminatingNodes    []*AssociatedInstance
	TerminatedInstances []*NonAssociatedInstance
	// Nodes that are not ready, or have no instance.
	DisconnectedNodes []Node
	// Nodes the backend does not want to use anymore.
	RetiredNodes []*AssociatedInstance
}

// Copy returns a shallow copy of c, ready to have some of its fields
// replaced.
func (c *Cluster) Copy() *Cluster {
	cp := *c
	return &cp
}

// CanScaleDown returns true if there are nodes that may be drained
// or terminated.
func (c *Cluster) CanScaleDown() bool {
	return len(c.ActiveNodes) > 0 || len(c.DrainedNodes) > 0 || len(c.TerminatingNodes) > 0
}

// TotalMachines returns the number of instances counted against the
// maximum number of instances.
func (c *Cluster) TotalMachines() int {
	return len(c.ActiveNodes) +
		len(c.PendingNodes) +
		len(c.DrainedNodes) +
		len(c.HotBufferDrainedNodes) +
		len(c.PendingEC2s) +
		len(c.BrokenEC2s) +
		len(c.TerminatingNodes) +
		len(c.RetiredNodes)
}

// AssociatedInstances returns all node/instance pairs.
func (c *Cluster) AssociatedInstances() []*AssociatedInstance {
	var all []*AssociatedInstance
	for _, part := range [][]*AssociatedInstance{
		c.ActiveNodes, c.PendingNodes, c.DrainedNodes, c.HotBufferDrainedNodes, c.TerminatingNodes, c.RetiredNodes,
	} {
		all = append(all, part...)
	}
	return all
}

// Counts returns the size of every partition, keyed by partition
// name.
func (c *Cluster) Counts() map[string]int {
	return map[string]int{
		"active":               len(c.ActiveNodes),
		"pending":              len(c.PendingNodes),
		"drained":              len(c.DrainedNodes),
		"hot_buffer_drained":   len(c.HotBufferDrainedNodes),
		"pending_ec2":          len(c.PendingEC2s),
		"broken_ec2":           len(c.BrokenEC2s),
		"warm_buffer_ec2":      len(c.WarmBufferEC2s),
		"terminating":          len(c.TerminatingNodes),
		"terminated_instances": len(c.TerminatedInstances),
		"disconnected":         len(c.DisconnectedNodes),
		"retired":              len(c.RetiredNodes),
	}
}

func (c *Cluster) String() string {
	var parts []string
	addAI := func(name string, ais []*AssociatedInstance) {
		var ids []string
		for _, ai := range ais {
			ids = append(ids, fmt.Sprintf("%s:%d", ai, len(ai.AssignedTasks)))
		}
		parts = append(parts, fmt.Sprintf("%s=[%s]", name, strings.Join(ids, " ")))
	}
	addNAI := func(name string, nais []*NonAssociatedInstance) {
		var ids []string
		for _, nai := range nais {
			ids = append(ids, fmt.Sprintf("%s:%d", nai, len(nai.AssignedTasks)))
		}
		parts = append(parts, fmt.Sprintf("%s=[%s]", name, strings.Join(ids, " ")))
	}
	addAI("active", c.ActiveNodes)
	addAI("pending", c.PendingNodes)
	addAI("drained", c.DrainedNodes)
	addAI("hot_buffer_drained", c.HotBufferDrainedNodes)
	addNAI("pending_ec2", c.PendingEC2s)
	addNAI("broken_ec2", c.BrokenEC2s)
	addNAI("warm_buffer_ec2", c.WarmBufferEC2s)
	addAI("terminating", c.TerminatingNodes)
	addNAI("terminated", c.TerminatedInstances)
	parts = append(parts, fmt.Sprintf("disconnected=%d", len(c.DisconnectedNodes)))
	addAI("retired", c.RetiredNodes)
	return strings.Join(parts, " ")
}
