// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scaler

import (
	"context"

	"git.arvados.org/fleetscaler.git/lib/autoscaler/bootscript"
	"git.arvados.org/fleetscaler.git/lib/autoscaler/cluster"
	"git.arvados.org/fleetscaler.git/lib/autoscaler/tags"
	"git.arvados.org/fleetscaler.git/lib/cloud"
	"git.arvados.org/fleetscaler.git/sdk/go/fleet"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// forEach calls f for 0 <= i < n, at most maxConcurrency at a time,
// and waits for all calls to return.
func forEach(ctx context.Context, n int, f func(ctx context.Context, i int)) {
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(maxConcurrency)
	for i := 0; i < n; i++ {
		eg.Go(func() error {
			f(ctx, i)
			return nil
		})
	}
	eg.Wait()
}

func instancesOf(nais []*cluster.NonAssociatedInstance) []cloud.InstanceData {
	return lo.Map(nais, func(nai *cluster.NonAssociatedInstance, _ int) cloud.InstanceData { return nai.Instance })
}

func associatedInstancesOf(ais []*cluster.AssociatedInstance) []cloud.InstanceData {
	return lo.Map(ais, func(ai *cluster.AssociatedInstance, _ int) cloud.InstanceData { return ai.Instance })
}

func nodesOf(ais []*cluster.AssociatedInstance) []cluster.Node {
	return lo.Map(ais, func(ai *cluster.AssociatedInstance, _ int) cluster.Node { return ai.Node })
}

func idsOf(insts []cloud.InstanceData) []cloud.InstanceID {
	return lo.Map(insts, func(inst cloud.InstanceData, _ int) cloud.InstanceID { return inst.ID })
}

func hotBufferType(allowed []fleet.InstanceType) string {
	if len(allowed) == 0 {
		return ""
	}
	return allowed[0].Name
}

// cleanupDisconnectedNodes removes the disconnected nodes that have
// not been updated for a while.
func (s *Scaler) cleanupDisconnectedNodes(ctx context.Context, cl *cluster.Cluster) *cluster.Cluster {
	now := s.now()
	removable := lo.Filter(cl.DisconnectedNodes, func(n cluster.Node, _ int) bool {
		return !n.UpdatedAt.IsZero() && now.Sub(n.UpdatedAt) > disconnectedNodeGracePeriod
	})
	if len(removable) > 0 {
		removed, err := s.nodes.RemoveNodes(ctx, removable, false)
		if err != nil {
			s.logger.WithError(err).Warn("error removing disconnected nodes")
		} else if len(removed) > 0 {
			s.logger.WithField("Nodes", lo.Map(removed, func(n cluster.Node, _ int) string { return n.Hostname })).Info("removed disconnected nodes")
		}
	}
	cl = cl.Copy()
	cl.DisconnectedNodes = nil
	return cl
}

// terminateBrokenInstances terminates the instances that never
// joined the cluster.
func (s *Scaler) terminateBrokenInstances(ctx context.Context, cl *cluster.Cluster) *cluster.Cluster {
	if len(cl.BrokenEC2s) == 0 {
		return cl
	}
	insts := instancesOf(cl.BrokenEC2s)
	logger := s.logger.WithField("InstanceIDs", idsOf(insts))
	if err := s.directory.Terminate(ctx, insts); err != nil {
		logger.WithError(err).Error("error terminating broken instances")
		return cl
	}
	logger.Warn("terminated broken instances")
	cl = cl.Copy()
	cl.TerminatedInstances = append(append([]*cluster.NonAssociatedInstance(nil), cl.TerminatedInstances...), cl.BrokenEC2s...)
	cl.BrokenEC2s = nil
	return cl
}

// joinPendingWarmBuffers sends the join command to started warm
// buffer instances, once their agent is connected. The command ID
// is recorded in a tag so the command is sent only once.
func (s *Scaler) joinPendingWarmBuffers(ctx context.Context, cl *cluster.Cluster) *cluster.Cluster {
	var candidates []cloud.InstanceData
	for _, nai := range cl.PendingEC2s {
		if _, sent := nai.Instance.Tags[tags.KeyJoinCommandID]; tags.IsWarmBuffer(nai.Instance.Tags) && !sent {
			candidates = append(candidates, nai.Instance)
		}
	}
	if len(candidates) == 0 {
		return cl
	}
	ok := make([]bool, len(candidates))
	forEach(ctx, len(candidates), func(ctx context.Context, i int) {
		logger := s.logger.WithField("InstanceID", candidates[i].ID)
		connected, err := s.agent.IsInstanceConnected(ctx, candidates[i].ID)
		if err != nil {
			logger.WithError(err).Warn("error checking agent connection")
			return
		}
		if !connected {
			return
		}
		if s.config.WaitForCloudInitBeforeWarmBufferActivation {
			done, err := s.agent.WaitForCloudInitComplete(ctx, candidates[i].ID)
			if err != nil {
				logger.WithError(err).Warn("error checking cloud-init status")
				return
			}
			if !done {
				return
			}
		}
		ok[i] = true
	})
	ready := lo.Filter(candidates, func(_ cloud.InstanceData, i int) bool { return ok[i] })
	if len(ready) == 0 {
		return cl
	}
	logger := s.logger.WithField("InstanceIDs", idsOf(ready))
	joinCommand, err := s.nodes.JoinCommand(ctx, s.config.DockerJoinDrained)
	if err != nil {
		logger.WithError(err).Error("error getting join command")
		return cl
	}
	cmd, err := s.agent.SendCommand(ctx, idsOf(ready), joinCommand, bootscript.JoinCommandName)
	if err != nil {
		logger.WithError(err).Error("error sending join command to warm buffer instances")
		return cl
	}
	joinTags := cloud.InstanceTags{tags.KeyJoinCommandID: cmd.ID}
	if err := s.directory.SetTags(ctx, ready, joinTags); err != nil {
		logger.WithError(err).Error("error tagging warm buffer instances with join command")
		return cl
	}
	logger.WithField("CommandID", cmd.ID).Info("sent join command to warm buffer instances")

	sent := lo.Associate(ready, func(inst cloud.InstanceData) (cloud.InstanceID, bool) { return inst.ID, true })
	cl = cl.Copy()
	cl.PendingEC2s = lo.Map(cl.PendingEC2s, func(nai *cluster.NonAssociatedInstance, _ int) *cluster.NonAssociatedInstance {
		if !sent[nai.Instance.ID] {
			return nai
		}
		updated := *nai
		updated.Instance.Tags = nai.Instance.Tags.Merge(joinTags)
		return &updated
	})
	return cl
}

// attachPendingInstances labels the nodes of instances that joined
// the cluster, and moves them to the drained partitions.
func (s *Scaler) attachPendingInstances(ctx context.Context, cl *cluster.Cluster, allowed []fleet.InstanceType) *cluster.Cluster {
	if len(cl.PendingEC2s) == 0 {
		return cl
	}
	attached := make([]*cluster.AssociatedInstance, len(cl.PendingEC2s))
	forEach(ctx, len(cl.PendingEC2s), func(ctx context.Context, i int) {
		attached[i] = s.attach(ctx, cl.PendingEC2s[i].Instance)
	})

	var stillPending []*cluster.NonAssociatedInstance
	var found []*cluster.AssociatedInstance
	for i, ai := range attached {
		if ai == nil {
			stillPending = append(stillPending, cl.PendingEC2s[i])
		} else {
			found = append(found, ai)
		}
	}
	if len(found) == 0 {
		return cl
	}
	all := append(append(append([]*cluster.AssociatedInstance(nil), cl.DrainedNodes...), cl.HotBufferDrainedNodes...), found...)
	drained, hot, terminating := cluster.SortDrainedNodes(all, hotBufferType(allowed), s.ec2().MachinesBuffer)
	cl = cl.Copy()
	cl.PendingEC2s = stillPending
	cl.DrainedNodes = drained
	cl.HotBufferDrainedNodes = hot
	if len(terminating) > 0 {
		cl.TerminatingNodes = append(append([]*cluster.AssociatedInstance(nil), cl.TerminatingNodes...), terminating...)
	}
	return cl
}

// attach returns the attached node of inst, or nil if it has not
// joined yet or cannot be attached now.
func (s *Scaler) attach(ctx context.Context, inst cloud.InstanceData) *cluster.AssociatedInstance {
	logger := s.logger.WithField("InstanceID", inst.ID)
	hostname, err := cluster.NodeHostname(inst)
	if err != nil {
		logger.WithError(err).Warn("cannot derive node hostname")
		return nil
	}
	node, err := s.nodes.FindNodeWithName(ctx, hostname)
	if err != nil {
		logger.WithError(err).WithField("Hostname", hostname).Warn("error looking up node")
		return nil
	}
	if node == nil {
		return nil
	}
	labels := s.provider.NewNodeLabels(inst)
	custom, err := tags.CustomPlacementLabels(inst.Tags)
	if err != nil {
		logger.WithError(err).WithField("Tip", "check the syntax of the custom placement labels tags of the instance").Error("cannot load custom placement labels")
		custom = nil
	}
	for k, v := range custom {
		labels[k] = v
	}
	attachedNode, err := s.nodes.AttachNode(ctx, *node, labels)
	if err != nil {
		logger.WithError(err).WithField("Hostname", hostname).Error("error attaching node")
		return nil
	}
	if keys := tags.ListKeys(inst.Tags, tags.KeyCustomPlacementLabels); len(keys) > 0 {
		if err := s.directory.RemoveTags(ctx, []cloud.InstanceData{inst}, keys); err != nil {
			logger.WithError(err).Warn("error removing custom placement labels tags")
		} else {
			inst.Tags = inst.Tags.Clone()
			for _, k := range keys {
				delete(inst.Tags, k)
			}
		}
	}
	logger.WithFields(logrus.Fields{
		"Hostname":     hostname,
		"CustomLabels": custom,
	}).Info("attached new instance")
	return cluster.NewAssociatedInstance(attachedNode, inst)
}

// drainRetiredNodes drains the nodes the backend stopped using.
func (s *Scaler) drainRetiredNodes(ctx context.Context, cl *cluster.Cluster) *cluster.Cluster {
	if len(cl.RetiredNodes) == 0 {
		return cl
	}
	drained, failed := s.setReady(ctx, cl.RetiredNodes, false)
	cl = cl.Copy()
	cl.RetiredNodes = failed
	cl.DrainedNodes = append(append([]*cluster.AssociatedInstance(nil), cl.DrainedNodes...), drained...)
	return cl
}

// setReady marks the nodes of ais ready or not. It returns the
// updated pairs, and the pairs that could not be updated.
func (s *Scaler) setReady(ctx context.Context, ais []*cluster.AssociatedInstance, ready bool) (updated, failed []*cluster.AssociatedInstance) {
	results := make([]*cluster.AssociatedInstance, len(ais))
	forEach(ctx, len(ais), func(ctx context.Context, i int) {
		n, err := s.nodes.SetNodeReady(ctx, ais[i].Node, ready)
		if err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"InstanceID": ais[i].Instance.ID,
				"Hostname":   ais[i].Node.Hostname,
				"Ready":      ready,
			}).Error("error changing node readiness")
			return
		}
		cp := *ais[i]
		cp.Node = n
		results[i] = &cp
	})
	for i, ai := range results {
		if ai == nil {
			failed = append(failed, ais[i])
		} else {
			updated = append(updated, ai)
		}
	}
	return
}
