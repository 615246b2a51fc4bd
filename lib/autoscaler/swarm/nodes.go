// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package swarm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"git.arvados.org/fleetscaler.git/lib/autoscaler/cluster"
	"git.arvados.org/fleetscaler.git/sdk/go/ctxlog"
	"git.arvados.org/fleetscaler.git/sdk/go/fleet"
	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/swarm"
	"github.com/sirupsen/logrus"
)

const swarmPort = "2377"

// NodeManager is the cluster.NodeManager of a docker swarm. It must
// talk to a manager node.
type NodeManager struct {
	docker DockerAPI
	logger logrus.FieldLogger
	// Leave nodes available while they carry the not-ready
	// label, instead of draining them.
	drainWithLabels bool

	// Clock used for label timestamps, replaced in tests.
	now func() time.Time
}

// NewNodeManager returns a NodeManager.
func NewNodeManager(ctx context.Context, cfg *fleet.Config, docker DockerAPI) *NodeManager {
	return &NodeManager{
		docker:          docker,
		logger:          ctxlog.FromContext(ctx).WithField("Component", "swarm"),
		drainWithLabels: cfg.DrainNodesWithLabels,
		now:             time.Now,
	}
}

// clusterNode converts a swarm node.
func clusterNode(n swarm.Node) cluster.Node {
	labels := make(map[string]string, len(n.Spec.Labels))
	for k, v := range n.Spec.Labels {
		labels[k] = v
	}
	return cluster.Node{
		ID:           n.ID,
		Hostname:     n.Description.Hostname,
		Labels:       labels,
		State:        cluster.NodeState(n.Status.State),
		Availability: cluster.Availability(n.Spec.Availability),
		UpdatedAt:    n.UpdatedAt,
		Resources:    nodeResources(n.Description.Resources),
	}
}

// listNodes returns the nodes matching the given label filters
// ("key" or "key=value").
func listNodes(ctx context.Context, docker DockerAPI, role swarm.NodeRole, labelFilters []string) ([]cluster.Node, error) {
	args := filters.NewArgs()
	if role != "" {
		args.Add("role", string(role))
	}
	for _, f := range labelFilters {
		args.Add("node.label", f)
	}
	nodes, err := docker.NodeList(ctx, dockertypes.NodeListOptions{Filters: args})
	if err != nil {
		return nil, fmt.Errorf("list swarm nodes: %w", err)
	}
	ret := make([]cluster.Node, 0, len(nodes))
	for _, n := range nodes {
		ret = append(ret, clusterNode(n))
	}
	return ret, nil
}

// WorkerNodes returns the worker nodes that were attached by the
// autoscaler.
func WorkerNodes(ctx context.Context, docker DockerAPI) ([]cluster.Node, error) {
	return listNodes(ctx, docker, swarm.NodeRoleWorker, cluster.ServicesReadyLabels)
}

func (nm *NodeManager) FindNodeWithName(ctx context.Context, hostname string) (*cluster.Node, error) {
	nodes, err := nm.docker.NodeList(ctx, dockertypes.NodeListOptions{Filters: filters.NewArgs(filters.Arg("name", hostname))})
	if err != nil {
		return nil, fmt.Errorf("find node %s: %w", hostname, err)
	}
	// The name filter matches prefixes.
	for _, n := range nodes {
		if n.Description.Hostname == hostname {
			cn := clusterNode(n)
			return &cn, nil
		}
	}
	return nil, nil
}

// update replaces the labels and availability of a node, and
// returns its new state.
func (nm *NodeManager) update(ctx context.Context, n cluster.Node, labels map[string]string, available bool) (cluster.Node, error) {
	latest, _, err := nm.docker.NodeInspectWithRaw(ctx, n.ID)
	if err != nil {
		return cluster.Node{}, fmt.Errorf("inspect node %s: %w", n, err)
	}
	spec := latest.Spec
	spec.Labels = labels
	spec.Availability = swarm.NodeAvailabilityDrain
	if available {
		spec.Availability = swarm.NodeAvailabilityActive
	}
	nm.logger.WithFields(logrus.Fields{
		"NodeID":       n.ID,
		"Hostname":     n.Hostname,
		"Availability": spec.Availability,
	}).Debug("updating node")
	if err := nm.docker.NodeUpdate(ctx, n.ID, latest.Version, spec); err != nil {
		return cluster.Node{}, fmt.Errorf("update node %s: %w", n, err)
	}
	updated, _, err := nm.docker.NodeInspectWithRaw(ctx, n.ID)
	if err != nil {
		return cluster.Node{}, fmt.Errorf("inspect node %s: %w", n, err)
	}
	return clusterNode(updated), nil
}

func (nm *NodeManager) AttachNode(ctx context.Context, n cluster.Node, labels map[string]string) (cluster.Node, error) {
	return nm.update(ctx, n, cluster.AttachLabels(n.Labels, labels, nm.now()), nm.drainWithLabels)
}

func (nm *NodeManager) SetNodeReady(ctx context.Context, n cluster.Node, ready bool) (cluster.Node, error) {
	return nm.update(ctx, n, cluster.ReadyLabels(n.Labels, ready, nm.now()), nm.drainWithLabels || ready)
}

func (nm *NodeManager) SetNodeFoundEmpty(ctx context.Context, n cluster.Node, empty bool) (cluster.Node, error) {
	return nm.update(ctx, n, cluster.FoundEmptyLabels(n.Labels, empty, nm.now()), n.Availability == cluster.AvailabilityActive)
}

func (nm *NodeManager) BeginNodeTermination(ctx context.Context, n cluster.Node) (cluster.Node, error) {
	return nm.update(ctx, n, cluster.TerminationLabels(n.Labels, nm.now()), false)
}

func removable(n cluster.Node) bool {
	switch n.State {
	case cluster.NodeStateDown, cluster.NodeStateDisconnected, cluster.NodeStateUnknown:
		return true
	}
	return false
}

func (nm *NodeManager) RemoveNodes(ctx context.Context, nodes []cluster.Node, force bool) ([]cluster.Node, error) {
	var removed []cluster.Node
	var errs []error
	for _, n := range nodes {
		if !force && !removable(n) {
			continue
		}
		if err := nm.docker.NodeRemove(ctx, n.ID, dockertypes.NodeRemoveOptions{Force: force}); err != nil {
			errs = append(errs, fmt.Errorf("remove node %s: %w", n, err))
			continue
		}
		nm.logger.WithFields(logrus.Fields{"NodeID": n.ID, "Hostname": n.Hostname}).Info("removed node")
		removed = append(removed, n)
	}
	return removed, errors.Join(errs...)
}

// JoinCommand returns the command joining a machine to the swarm as
// a worker.
func (nm *NodeManager) JoinCommand(ctx context.Context, drained bool) (string, error) {
	sw, err := nm.docker.SwarmInspect(ctx)
	if err != nil {
		return "", fmt.Errorf("inspect swarm: %w", err)
	}
	if sw.JoinTokens.Worker == "" {
		return "", errors.New("swarm has no worker join token")
	}
	info, err := nm.docker.Info(ctx)
	if err != nil {
		return "", fmt.Errorf("docker info: %w", err)
	}
	addr := ""
	if len(info.Swarm.RemoteManagers) > 0 {
		addr = info.Swarm.RemoteManagers[0].Addr
	} else if info.Swarm.NodeAddr != "" {
		addr = info.Swarm.NodeAddr + ":" + swarmPort
	} else {
		return "", errors.New("cannot determine the address of a swarm manager")
	}
	availability := swarm.NodeAvailabilityActive
	if drained {
		availability = swarm.NodeAvailabilityDrain
	}
	return fmt.Sprintf("docker swarm join --availability=%s --token %s %s", availability, sw.JoinTokens.Worker, addr), nil
}
