// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cluster

import (
	"context"
	"errors"
	"fmt"
	"time"

	"git.arvados.org/fleetscaler.git/lib/autoscaler/tags"
	"git.arvados.org/fleetscaler.git/lib/cloud"
	"git.arvados.org/fleetscaler.git/sdk/go/fleet"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

// An Analyzer builds a Cluster from the current state of the backend
// and the cloud.
type Analyzer struct {
	Provider  Provider
	Directory cloud.InstanceDirectory
	Config    fleet.EC2InstancesConfig
	Logger    logrus.FieldLogger
}

// InstanceFilter returns the filter selecting the instances of this
// cluster that have the given tags and states.
func (a *Analyzer) InstanceFilter(t cloud.InstanceTags, states ...cloud.InstanceState) cloud.InstanceFilter {
	var keyNames []string
	if a.Config.KeyName != "" {
		keyNames = []string{a.Config.KeyName}
	}
	return cloud.InstanceFilter{KeyNames: keyNames, Tags: t, States: states}
}

// Analyze returns the current state of the cluster. allowed is the
// list of allowed instance types, hot buffer type first.
//
// Any error reading the backend or the cloud aborts the analysis.
func (a *Analyzer) Analyze(ctx context.Context, allowed []fleet.InstanceType, now time.Time) (*Cluster, error) {
	nodes, err := a.Provider.MonitoredNodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list monitored nodes: %w", err)
	}
	baseTags := a.Provider.InstanceTags()
	existing, err := a.Directory.Instances(ctx, a.InstanceFilter(baseTags, cloud.StatePending, cloud.StateRunning))
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	terminated, err := a.Directory.Instances(ctx, a.InstanceFilter(baseTags, cloud.StateTerminated))
	if err != nil {
		return nil, fmt.Errorf("list terminated instances: %w", err)
	}
	warm, err := a.Directory.Instances(ctx, a.InstanceFilter(tags.DeactivatedBufferTags(baseTags), cloud.StateStopped))
	if err != nil {
		return nil, fmt.Errorf("list warm buffer instances: %w", err)
	}
	for i := range existing {
		a.Provider.AddInstanceGenericResources(&existing[i])
	}
	for i := range warm {
		a.Provider.AddInstanceGenericResources(&warm[i])
	}

	attached, unattached, disconnected := a.associate(nodes, existing)

	maxStart := a.Config.MaxStartTime.Duration()
	tooOld := func(inst cloud.InstanceData, _ int) bool {
		return now.Sub(inst.LaunchTime) > maxStart
	}
	broken := lo.Filter(unattached, tooOld)
	pending := lo.Reject(unattached, tooOld)
	if len(broken) > 0 {
		a.Logger.WithFields(logrus.Fields{
			"MaxStartTime": a.Config.MaxStartTime,
			"InstanceIDs":  instanceIDs(broken),
			"Tip":          "if this happens often, instances take longer to start than MaxStartTime, or the AMI or boot script is broken",
		}).Error("instances never joined the cluster")
	}

	var active, pendingNodes, drained, retired []*AssociatedInstance
	for _, ai := range attached {
		if ai.Node.State != NodeStateReady {
			// The node is down, but its instance is still running:
			// keep both until the node reconnects or is removed
			// as disconnected.
			pendingNodes = append(pendingNodes, ai)
			continue
		}
		isActive, err := a.Provider.IsInstanceActive(ctx, ai)
		if err != nil {
			return nil, err
		}
		if isActive {
			used, err := a.Provider.NodeUsedResources(ctx, ai)
			if err != nil {
				return nil, fmt.Errorf("node %s: used resources: %w", ai.Node, err)
			}
			ai.Available = ai.Instance.Resources.Sub(used)
			active = append(active, ai)
			continue
		}
		if IsNodeDrained(ai.Node) {
			drained = append(drained, ai)
			continue
		}
		isRetired, err := a.Provider.IsInstanceRetired(ctx, ai)
		if err != nil {
			return nil, err
		}
		if isRetired {
			retired = append(retired, ai)
		} else {
			pendingNodes = append(pendingNodes, ai)
		}
	}

	hotType := ""
	if len(allowed) > 0 {
		hotType = allowed[0].Name
	}
	drained, hot, terminating := SortDrainedNodes(drained, hotType, a.Config.MachinesBuffer)
	return &Cluster{
		ActiveNodes:           active,
		PendingNodes:          pendingNodes,
		DrainedNodes:          drained,
		HotBufferDrainedNodes: hot,
		PendingEC2s:           wrap(pending),
		BrokenEC2s:            wrap(broken),
		WarmBufferEC2s:        wrap(warm),
		TerminatingNodes:      terminating,
		TerminatedInstances:   wrap(terminated),
		DisconnectedNodes:     disconnected,
		RetiredNodes:          retired,
	}, nil
}

// associate joins nodes and instances by hostname, whatever the
// state of the node. Nodes that are not ready, and ready nodes
// without an instance, are also returned as disconnected.
func (a *Analyzer) associate(nodes []Node, instances []cloud.InstanceData) (attached []*AssociatedInstance, unattached []cloud.InstanceData, disconnected []Node) {
	byHostname := map[string]Node{}
	for _, n := range nodes {
		if prev, ok := byHostname[n.Hostname]; ok && prev.State == NodeStateReady {
			// A node that rejoined after a disconnection has a
			// stale twin; the ready one wins.
			continue
		}
		byHostname[n.Hostname] = n
	}
	joined := map[string]bool{}
	for _, inst := range instances {
		hostname, err := NodeHostname(inst)
		if err != nil {
			var hnErr *InvalidHostnameError
			if errors.As(err, &hnErr) {
				a.Logger.WithError(err).WithFields(logrus.Fields{
					"InstanceID": inst.ID,
					"Tip":        "the instance has no network interface yet, or the VPC uses a custom DNS domain",
				}).Warn("cannot derive node hostname")
			}
			unattached = append(unattached, inst)
			continue
		}
		n, ok := byHostname[hostname]
		if !ok || joined[n.ID] {
			unattached = append(unattached, inst)
			continue
		}
		joined[n.ID] = true
		attached = append(attached, NewAssociatedInstance(n, inst))
	}
	for _, n := range nodes {
		if n.State != NodeStateReady || !joined[n.ID] {
			disconnected = append(disconnected, n)
		}
	}
	return
}

// SortDrainedNodes splits drained nodes into nodes whose termination
// has started, up to machinesBuffer nodes of hotType kept as hot
// buffer, and the others.
func SortDrainedNodes(all []*AssociatedInstance, hotType string, machinesBuffer int) (drained, hot, terminating []*AssociatedInstance) {
	for _, ai := range all {
		if _, started, _ := TerminationStartedSince(ai.Node); started {
			terminating = append(terminating, ai)
		} else if ai.Instance.Type == hotType && len(hot) < machinesBuffer {
			hot = append(hot, ai)
		} else {
			drained = append(drained, ai)
		}
	}
	return
}

func wrap(insts []cloud.InstanceData) []*NonAssociatedInstance {
	return lo.Map(insts, func(inst cloud.InstanceData, _ int) *NonAssociatedInstance {
		return NewNonAssociatedInstance(inst)
	})
}

func instanceIDs(insts []cloud.InstanceData) []cloud.InstanceID {
	return lo.Map(insts, func(inst cloud.InstanceData, _ int) cloud.InstanceID {
		return inst.ID
	})
}
