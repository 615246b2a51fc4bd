// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dask

import (
	"context"
	"fmt"
	"strings"

	"git.arvados.org/fleetscaler.git/lib/autoscaler/cluster"
	"git.arvados.org/fleetscaler.git/lib/autoscaler/swarm"
	"git.arvados.org/fleetscaler.git/lib/autoscaler/tags"
	"git.arvados.org/fleetscaler.git/lib/cloud"
	"git.arvados.org/fleetscaler.git/sdk/go/ctxlog"
	"git.arvados.org/fleetscaler.git/sdk/go/fleet"
	"github.com/sirupsen/logrus"
)

// Resource names used by the scheduler.
const (
	resourceCPU = "CPU"
	resourceRAM = "RAM"
	// A task resource named InstanceTypePrefix+NAME pins the task
	// to instances of type NAME.
	InstanceTypePrefix = "EC2-INSTANCE-TYPE:"
)

// Provider is the cluster.Provider of a dask scheduler whose workers
// run on the swarm worker nodes.
type Provider struct {
	client *Client
	docker swarm.DockerAPI
	logger logrus.FieldLogger
	config *fleet.Config
}

// NewProvider returns a Provider.
func NewProvider(ctx context.Context, cfg *fleet.Config, client *Client, docker swarm.DockerAPI) *Provider {
	return &Provider{
		client: client,
		docker: docker,
		logger: ctxlog.FromContext(ctx).WithFields(logrus.Fields{
			"Component":    "dask",
			"SchedulerURL": cfg.Backend.Dask.SchedulerURL,
		}),
		config: cfg,
	}
}

// MonitoredNodes returns the swarm worker nodes that were attached
// by the autoscaler.
func (p *Provider) MonitoredNodes(ctx context.Context) ([]cluster.Node, error) {
	return swarm.WorkerNodes(ctx, p.docker)
}

// InstanceTags identify the instances of the cluster by the
// scheduler URL.
func (p *Provider) InstanceTags() cloud.InstanceTags {
	t := tags.PoolTags(p.config.EC2Instances)
	t[tags.KeyDaskSchedulerURL] = p.config.Backend.Dask.SchedulerURL
	return t
}

func (p *Provider) NewNodeLabels(inst cloud.InstanceData) map[string]string {
	labels := map[string]string{cluster.LabelInstanceType: inst.Type}
	if at, ok := p.config.EC2Instances.AllowedType(inst.Type); ok {
		for k, v := range at.CustomNodeLabels {
			labels[k] = v
		}
	}
	return labels
}

func (p *Provider) UnrunnableTasks(ctx context.Context) ([]cluster.Task, error) {
	list, err := p.client.UnrunnableTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("list unrunnable dask tasks: %w", err)
	}
	tasks := make([]cluster.Task, len(list))
	for i, t := range list {
		tasks[i] = t
	}
	return tasks, nil
}

func (p *Provider) TaskRequiredResources(task cluster.Task) fleet.Resources {
	r := toResources(task.(*Task).Resources)
	for k := range r.Generic {
		if strings.HasPrefix(k, InstanceTypePrefix) {
			delete(r.Generic, k)
		}
	}
	return r
}

func (p *Provider) TaskInstanceType(ctx context.Context, task cluster.Task) (string, error) {
	var found []string
	for k := range task.(*Task).Resources {
		if name, ok := strings.CutPrefix(k, InstanceTypePrefix); ok {
			found = append(found, name)
		}
	}
	switch len(found) {
	case 0:
		return "", nil
	case 1:
		return found[0], nil
	default:
		return "", fmt.Errorf("task %s requires several instance types %q", task.TaskID(), found)
	}
}

// TaskRequiredLabels returns nil: dask tasks are placed by
// resources only.
func (p *Provider) TaskRequiredLabels(ctx context.Context, task cluster.Task) (map[string]string, error) {
	return nil, nil
}

// workersByHost returns the connected workers keyed by host.
func (p *Provider) workersByHost(ctx context.Context) (map[string]Worker, error) {
	workers, err := p.client.Workers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list dask workers: %w", err)
	}
	byHost := make(map[string]Worker, len(workers))
	for _, w := range workers {
		byHost[w.Host()] = w
	}
	return byHost, nil
}

func (p *Provider) NodeUsedResources(ctx context.Context, ai *cluster.AssociatedInstance) (fleet.Resources, error) {
	workers, err := p.workersByHost(ctx)
	if err != nil {
		return fleet.Resources{}, err
	}
	return toResources(workers[ai.Instance.PrivateIP].UsedResources), nil
}

func (p *Provider) ClusterUsedResources(ctx context.Context, ais []*cluster.AssociatedInstance) (fleet.Resources, error) {
	return p.sumWorkers(ctx, ais, func(w Worker) map[string]float64 { return w.UsedResources })
}

func (p *Provider) ClusterTotalResources(ctx context.Context, ais []*cluster.AssociatedInstance) (fleet.Resources, error) {
	return p.sumWorkers(ctx, ais, func(w Worker) map[string]float64 { return w.Resources })
}

func (p *Provider) sumWorkers(ctx context.Context, ais []*cluster.AssociatedInstance, get func(Worker) map[string]float64) (fleet.Resources, error) {
	workers, err := p.workersByHost(ctx)
	if err != nil {
		return fleet.Resources{}, err
	}
	var total fleet.Resources
	for _, ai := range ais {
		if w, ok := workers[ai.Instance.PrivateIP]; ok {
			total = total.Add(toResources(get(w)))
		}
	}
	return total, nil
}

// IsInstanceActive returns true if the node is ready and a worker
// runs on the instance.
func (p *Provider) IsInstanceActive(ctx context.Context, ai *cluster.AssociatedInstance) (bool, error) {
	if !cluster.IsNodeReady(ai.Node) {
		return false, nil
	}
	workers, err := p.workersByHost(ctx)
	if err != nil {
		return false, err
	}
	_, ok := workers[ai.Instance.PrivateIP]
	return ok, nil
}

// IsInstanceRetired returns true if the worker on the instance is
// closing after a retire request.
func (p *Provider) IsInstanceRetired(ctx context.Context, ai *cluster.AssociatedInstance) (bool, error) {
	workers, err := p.workersByHost(ctx)
	if err != nil {
		return false, err
	}
	w, ok := workers[ai.Instance.PrivateIP]
	return ok && w.Status == workerStatusClosingGracefully, nil
}

func (p *Provider) TryRetireNodes(ctx context.Context) error {
	if err := p.client.RetireIdleWorkers(ctx); err != nil {
		return fmt.Errorf("retire idle dask workers: %w", err)
	}
	return nil
}

func (p *Provider) AdjustInstanceType(it fleet.InstanceType) fleet.InstanceType {
	return swarm.AdjustInstanceType(it, p.config.EC2Instances)
}

// AddInstanceGenericResources gives the instance one worker thread
// per vCPU.
func (p *Provider) AddInstanceGenericResources(inst *cloud.InstanceData) {
	inst.Resources = inst.Resources.WithGeneric(fleet.GenericThreads, inst.Resources.VCPUs)
}

var _ cluster.Provider = (*Provider)(nil)

// toResources converts scheduler resources: CPU and RAM (bytes) map
// to VCPUs and RAM, the others to generic resources.
func toResources(m map[string]float64) fleet.Resources {
	var r fleet.Resources
	for k, v := range m {
		switch k {
		case resourceCPU:
			r.VCPUs = v
		case resourceRAM:
			r.RAM = fleet.ByteSize(v)
		default:
			r = r.WithGeneric(k, v)
		}
	}
	return r
}
