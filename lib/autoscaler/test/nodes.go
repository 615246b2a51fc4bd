// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"git.arvados.org/fleetscaler.git/lib/autoscaler/cluster"
	"git.arvados.org/fleetscaler.git/lib/cloud"
)

// StubNodeManager is an in-memory cluster.NodeManager. Nodes are
// keyed by hostname.
type StubNodeManager struct {
	// Clock used for label timestamps. Defaults to time.Now.
	Now func() time.Time
	// If not nil, returned by JoinCommand.
	JoinCommandErr error

	nodes   map[string]*cluster.Node
	removed []cluster.Node
	calls   map[string]int
	serial  int
	mtx     sync.Mutex
}

func (nm *StubNodeManager) now() time.Time {
	if nm.Now != nil {
		return nm.Now()
	}
	return time.Now()
}

func (nm *StubNodeManager) called(method string) {
	if nm.calls == nil {
		nm.calls = map[string]int{}
	}
	nm.calls[method]++
}

// AddNode adds or replaces a node.
func (nm *StubNodeManager) AddNode(n cluster.Node) cluster.Node {
	nm.mtx.Lock()
	defer nm.mtx.Unlock()
	if nm.nodes == nil {
		nm.nodes = map[string]*cluster.Node{}
	}
	if n.ID == "" {
		nm.serial++
		n.ID = fmt.Sprintf("node-%04d", nm.serial)
	}
	if n.Labels == nil {
		n.Labels = map[string]string{}
	}
	if n.UpdatedAt.IsZero() {
		n.UpdatedAt = nm.now()
	}
	nm.nodes[n.Hostname] = &n
	return n
}

// Join adds the node an instance would register when its join
// command runs: ready, drained, and without labels.
func (nm *StubNodeManager) Join(inst cloud.InstanceData) cluster.Node {
	hostname, err := cluster.NodeHostname(inst)
	if err != nil {
		panic(err)
	}
	return nm.AddNode(cluster.Node{
		Hostname:     hostname,
		State:        cluster.NodeStateReady,
		Availability: cluster.AvailabilityDrain,
		Resources:    inst.Resources,
	})
}

// Node returns the node with the given hostname.
func (nm *StubNodeManager) Node(hostname string) (cluster.Node, bool) {
	nm.mtx.Lock()
	defer nm.mtx.Unlock()
	n, ok := nm.nodes[hostname]
	if !ok {
		return cluster.Node{}, false
	}
	return copyNode(*n), true
}

// Nodes returns all nodes, sorted by hostname.
func (nm *StubNodeManager) Nodes() []cluster.Node {
	nm.mtx.Lock()
	defer nm.mtx.Unlock()
	var all []cluster.Node
	for _, n := range nm.nodes {
		all = append(all, copyNode(*n))
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Hostname < all[j].Hostname })
	return all
}

// Removed returns the nodes removed so far.
func (nm *StubNodeManager) Removed() []cluster.Node {
	nm.mtx.Lock()
	defer nm.mtx.Unlock()
	return append([]cluster.Node(nil), nm.removed...)
}

// Calls returns the number of calls to the named method.
func (nm *StubNodeManager) Calls(method string) int {
	nm.mtx.Lock()
	defer nm.mtx.Unlock()
	return nm.calls[method]
}

func copyNode(n cluster.Node) cluster.Node {
	labels := make(map[string]string, len(n.Labels))
	for k, v := range n.Labels {
		labels[k] = v
	}
	n.Labels = labels
	return n
}

func (nm *StubNodeManager) update(method string, n cluster.Node, f func(*cluster.Node)) (cluster.Node, error) {
	nm.mtx.Lock()
	defer nm.mtx.Unlock()
	nm.called(method)
	cur, ok := nm.nodes[n.Hostname]
	if !ok {
		return cluster.Node{}, fmt.Errorf("%s: no such node %s", method, n)
	}
	f(cur)
	cur.UpdatedAt = nm.now()
	return copyNode(*cur), nil
}

func (nm *StubNodeManager) FindNodeWithName(ctx context.Context, hostname string) (*cluster.Node, error) {
	nm.mtx.Lock()
	defer nm.mtx.Unlock()
	nm.called("FindNodeWithName")
	n, ok := nm.nodes[hostname]
	if !ok {
		return nil, nil
	}
	cp := copyNode(*n)
	return &cp, nil
}

func (nm *StubNodeManager) AttachNode(ctx context.Context, n cluster.Node, labels map[string]string) (cluster.Node, error) {
	return nm.update("AttachNode", n, func(cur *cluster.Node) {
		cur.Labels = cluster.AttachLabels(cur.Labels, labels, nm.now())
		cur.Availability = cluster.AvailabilityDrain
	})
}

func (nm *StubNodeManager) SetNodeReady(ctx context.Context, n cluster.Node, ready bool) (cluster.Node, error) {
	return nm.update("SetNodeReady", n, func(cur *cluster.Node) {
		cur.Labels = cluster.ReadyLabels(cur.Labels, ready, nm.now())
		if ready {
			cur.Availability = cluster.AvailabilityActive
		} else {
			cur.Availability = cluster.AvailabilityDrain
		}
	})
}

func (nm *StubNodeManager) SetNodeFoundEmpty(ctx context.Context, n cluster.Node, empty bool) (cluster.Node, error) {
	return nm.update("SetNodeFoundEmpty", n, func(cur *cluster.Node) {
		cur.Labels = cluster.FoundEmptyLabels(cur.Labels, empty, nm.now())
	})
}

func (nm *StubNodeManager) BeginNodeTermination(ctx context.Context, n cluster.Node) (cluster.Node, error) {
	return nm.update("BeginNodeTermination", n, func(cur *cluster.Node) {
		cur.Labels = cluster.TerminationLabels(cur.Labels, nm.now())
		cur.Availability = cluster.AvailabilityDrain
	})
}

func (nm *StubNodeManager) RemoveNodes(ctx context.Context, nodes []cluster.Node, force bool) ([]cluster.Node, error) {
	nm.mtx.Lock()
	defer nm.mtx.Unlock()
	nm.called("RemoveNodes")
	var removed []cluster.Node
	for _, n := range nodes {
		cur, ok := nm.nodes[n.Hostname]
		if !ok || (!force && cur.State == cluster.NodeStateReady) {
			continue
		}
		delete(nm.nodes, n.Hostname)
		removed = append(removed, copyNode(*cur))
	}
	nm.removed = append(nm.removed, removed...)
	return removed, nil
}

func (nm *StubNodeManager) JoinCommand(ctx context.Context, drained bool) (string, error) {
	nm.mtx.Lock()
	defer nm.mtx.Unlock()
	nm.called("JoinCommand")
	if nm.JoinCommandErr != nil {
		return "", nm.JoinCommandErr
	}
	if drained {
		return "docker swarm join --availability=drain --token STUBTOKEN 10.0.0.1:2377", nil
	}
	return "docker swarm join --token STUBTOKEN 10.0.0.1:2377", nil
}
