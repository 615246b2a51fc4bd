// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package swarm adapts a docker swarm cluster to the autoscaler:
// its worker nodes are the cluster nodes, and the service tasks
// pending for lack of resources are the tasks to make room for.
package swarm

import (
	"context"

	"git.arvados.org/fleetscaler.git/sdk/go/fleet"
	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/swarm"
	"github.com/docker/docker/api/types/system"
	dockerclient "github.com/docker/docker/client"
)

// DockerAPI is the part of the docker client used here.
// *dockerclient.Client implements it.
type DockerAPI interface {
	Info(ctx context.Context) (system.Info, error)
	SwarmInspect(ctx context.Context) (swarm.Swarm, error)
	NodeList(ctx context.Context, options dockertypes.NodeListOptions) ([]swarm.Node, error)
	NodeInspectWithRaw(ctx context.Context, nodeID string) (swarm.Node, []byte, error)
	NodeUpdate(ctx context.Context, nodeID string, version swarm.Version, node swarm.NodeSpec) error
	NodeRemove(ctx context.Context, nodeID string, options dockertypes.NodeRemoveOptions) error
	TaskList(ctx context.Context, options dockertypes.TaskListOptions) ([]swarm.Task, error)
	ServiceInspectWithRaw(ctx context.Context, serviceID string, options dockertypes.ServiceInspectOptions) (swarm.Service, []byte, error)
}

// NewClient returns a docker client for cfg.DockerHost, or for the
// host given by the DOCKER_HOST environment if it is empty.
func NewClient(cfg fleet.SwarmConfig) (*dockerclient.Client, error) {
	opts := []dockerclient.Opt{dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation()}
	if cfg.DockerHost != "" {
		opts = append(opts, dockerclient.WithHost(cfg.DockerHost))
	}
	return dockerclient.NewClientWithOpts(opts...)
}

const nanoCPUs = 1e9

func nodeResources(r swarm.Resources) fleet.Resources {
	return fleet.Resources{
		VCPUs: float64(r.NanoCPUs) / nanoCPUs,
		RAM:   fleet.ByteSize(r.MemoryBytes),
	}
}
