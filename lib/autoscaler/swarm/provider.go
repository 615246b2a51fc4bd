// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package swarm

import (
	"context"
	"fmt"
	"sort"

	"git.arvados.org/fleetscaler.git/lib/autoscaler/cluster"
	"git.arvados.org/fleetscaler.git/lib/autoscaler/tags"
	"git.arvados.org/fleetscaler.git/lib/cloud"
	"git.arvados.org/fleetscaler.git/sdk/go/ctxlog"
	"git.arvados.org/fleetscaler.git/sdk/go/fleet"
	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/filters"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const maxConcurrency = 20

// Provider is the cluster.Provider of a docker swarm whose services
// carry the configured labels.
type Provider struct {
	docker DockerAPI
	logger logrus.FieldLogger
	config *fleet.Config
}

// NewProvider returns a Provider.
func NewProvider(ctx context.Context, cfg *fleet.Config, docker DockerAPI) *Provider {
	return &Provider{
		docker: docker,
		logger: ctxlog.FromContext(ctx).WithField("Component", "swarm"),
		config: cfg,
	}
}

func (p *Provider) swarmConfig() fleet.SwarmConfig {
	return p.config.Backend.Swarm
}

// MonitoredNodes returns the nodes having every monitored label set
// to "true", and the labels set when they were attached.
func (p *Provider) MonitoredNodes(ctx context.Context) ([]cluster.Node, error) {
	var labelFilters []string
	for _, k := range p.swarmConfig().NodeLabels {
		labelFilters = append(labelFilters, k+"=true")
	}
	labelFilters = append(labelFilters, cluster.ServicesReadyLabels...)
	return listNodes(ctx, p.docker, "", labelFilters)
}

// InstanceTags identify the instances of the cluster by the labels
// of the monitored nodes and services.
func (p *Provider) InstanceTags() cloud.InstanceTags {
	nodeLabels := append([]string(nil), p.swarmConfig().NodeLabels...)
	serviceLabels := append([]string(nil), p.swarmConfig().ServiceLabels...)
	sort.Strings(nodeLabels)
	sort.Strings(serviceLabels)
	t := tags.PoolTags(p.config.EC2Instances)
	for key, v := range map[string][]string{
		tags.KeyMonitoredNodesLabels:    nodeLabels,
		tags.KeyMonitoredServicesLabels: serviceLabels,
	} {
		dumped, err := tags.DumpJSON(key, v)
		if err != nil {
			// Cannot happen with a list of strings.
			panic(err)
		}
		t = t.Merge(dumped)
	}
	return t
}

// NewNodeLabels returns the monitored and new node labels set to
// "true", the instance type, and the custom labels of the type.
func (p *Provider) NewNodeLabels(inst cloud.InstanceData) map[string]string {
	labels := map[string]string{}
	for _, k := range p.swarmConfig().NodeLabels {
		labels[k] = "true"
	}
	for _, k := range p.swarmConfig().NewNodesLabels {
		labels[k] = "true"
	}
	labels[cluster.LabelInstanceType] = inst.Type
	if at, ok := p.config.EC2Instances.AllowedType(inst.Type); ok {
		for k, v := range at.CustomNodeLabels {
			labels[k] = v
		}
	}
	return labels
}

func (p *Provider) serviceLabelFilters(args filters.Args) filters.Args {
	for _, k := range p.swarmConfig().ServiceLabels {
		args.Add("label", k)
	}
	return args
}

// UnrunnableTasks returns the running-desired tasks of the monitored
// services that are pending for lack of resources, oldest first.
// Tasks of services pinned to specific nodes are ignored.
func (p *Provider) UnrunnableTasks(ctx context.Context) ([]cluster.Task, error) {
	list, err := p.docker.TaskList(ctx, dockertypes.TaskListOptions{
		Filters: p.serviceLabelFilters(filters.NewArgs(filters.Arg("desired-state", "running"))),
	})
	if err != nil {
		return nil, fmt.Errorf("list swarm tasks: %w", err)
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	constraints := map[string][]string{}
	var tasks []cluster.Task
	for _, t := range list {
		if !waitingForResources(t) {
			continue
		}
		cons, ok := constraints[t.ServiceID]
		if !ok {
			svc, _, err := p.docker.ServiceInspectWithRaw(ctx, t.ServiceID, dockertypes.ServiceInspectOptions{})
			if err != nil {
				return nil, fmt.Errorf("inspect service %s: %w", t.ServiceID, err)
			}
			if pl := svc.Spec.TaskTemplate.Placement; pl != nil {
				cons = pl.Constraints
			}
			constraints[t.ServiceID] = cons
		}
		if !placeable(cons) {
			p.logger.WithFields(logrus.Fields{
				"TaskID":      t.ID,
				"ServiceID":   t.ServiceID,
				"Constraints": cons,
			}).Debug("ignoring task pinned to existing nodes")
			continue
		}
		tasks = append(tasks, &Task{Task: t, Constraints: cons})
	}
	return tasks, nil
}

func (p *Provider) TaskRequiredResources(task cluster.Task) fleet.Resources {
	return requiredResources(task.(*Task).Spec)
}

func (p *Provider) TaskInstanceType(ctx context.Context, task cluster.Task) (string, error) {
	return instanceTypeConstraint(task.(*Task).Constraints), nil
}

// TaskRequiredLabels returns the node label constraints of the task,
// except those every new node satisfies.
func (p *Provider) TaskRequiredLabels(ctx context.Context, task cluster.Task) (map[string]string, error) {
	labels := nodeLabelConstraints(task.(*Task).Constraints)
	delete(labels, cluster.LabelInstanceType)
	for _, k := range p.swarmConfig().NodeLabels {
		delete(labels, k)
	}
	for _, k := range p.swarmConfig().NewNodesLabels {
		delete(labels, k)
	}
	return labels, nil
}

// NodeUsedResources returns the reservations of the monitored
// services' tasks holding resources on the node.
func (p *Provider) NodeUsedResources(ctx context.Context, ai *cluster.AssociatedInstance) (fleet.Resources, error) {
	list, err := p.docker.TaskList(ctx, dockertypes.TaskListOptions{
		Filters: p.serviceLabelFilters(filters.NewArgs(filters.Arg("node", ai.Node.ID))),
	})
	if err != nil {
		return fleet.Resources{}, fmt.Errorf("list tasks of node %s: %w", ai.Node, err)
	}
	var used fleet.Resources
	for _, t := range list {
		if statesWithResources[t.Status.State] {
			used = used.Add(reservedResources(t.Spec))
		}
	}
	return used, nil
}

func (p *Provider) ClusterUsedResources(ctx context.Context, ais []*cluster.AssociatedInstance) (fleet.Resources, error) {
	used := make([]fleet.Resources, len(ais))
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(maxConcurrency)
	for i, ai := range ais {
		eg.Go(func() error {
			var err error
			used[i], err = p.NodeUsedResources(ctx, ai)
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		return fleet.Resources{}, err
	}
	var total fleet.Resources
	for _, r := range used {
		total = total.Add(r)
	}
	return total, nil
}

// ClusterTotalResources returns the resources the nodes advertise.
func (p *Provider) ClusterTotalResources(ctx context.Context, ais []*cluster.AssociatedInstance) (fleet.Resources, error) {
	var total fleet.Resources
	for _, ai := range ais {
		total = total.Add(ai.Node.Resources)
	}
	return total, nil
}

func (p *Provider) IsInstanceActive(ctx context.Context, ai *cluster.AssociatedInstance) (bool, error) {
	return cluster.IsNodeReady(ai.Node), nil
}

// IsInstanceRetired is always false: swarm never retires nodes by
// itself.
func (p *Provider) IsInstanceRetired(ctx context.Context, ai *cluster.AssociatedInstance) (bool, error) {
	return false, nil
}

// TryRetireNodes does nothing: empty swarm nodes are drained by the
// scaler.
func (p *Provider) TryRetireNodes(ctx context.Context) error {
	return nil
}

// AdjustInstanceType subtracts the resources reserved for the
// system from those of the instance type.
func (p *Provider) AdjustInstanceType(it fleet.InstanceType) fleet.InstanceType {
	return AdjustInstanceType(it, p.config.EC2Instances)
}

func (p *Provider) AddInstanceGenericResources(inst *cloud.InstanceData) {}

var _ cluster.Provider = (*Provider)(nil)
var _ cluster.NodeManager = (*NodeManager)(nil)

// AdjustInstanceType returns it without the CPUs and RAM reserved
// by cfg for the system.
func AdjustInstanceType(it fleet.InstanceType, cfg fleet.EC2InstancesConfig) fleet.InstanceType {
	it.Resources = it.Resources.Clone()
	it.Resources.VCPUs = max(0, it.Resources.VCPUs-cfg.ReservedCPUs)
	it.Resources.RAM = max(0, it.Resources.RAM-cfg.ReservedRAM)
	return it
}
