// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scaler

import (
	"context"
	"fmt"

	"git.arvados.org/fleetscaler.git/lib/autoscaler/cluster"
	"git.arvados.org/fleetscaler.git/lib/autoscaler/notify"
	"github.com/sirupsen/logrus"
)

// notifyMachineCreationProgress tells the owners of tasks assigned
// to pending instances how long they have been waiting.
func (s *Scaler) notifyMachineCreationProgress(ctx context.Context, cl *cluster.Cluster) {
	maxStart := s.ec2().MaxStartTime.Duration()
	now := s.now()
	var order []int64
	byLaunch := map[int64][]*cluster.NonAssociatedInstance{}
	for _, nai := range cl.PendingEC2s {
		if !nai.HasAssignedTasks() {
			continue
		}
		key := nai.Instance.LaunchTime.UnixNano()
		if _, seen := byLaunch[key]; !seen {
			order = append(order, key)
		}
		byLaunch[key] = append(byLaunch[key], nai)
	}
	for _, key := range order {
		nais := byLaunch[key]
		var tasks []cluster.Task
		for _, nai := range nais {
			tasks = append(tasks, nai.AssignedTasks...)
		}
		launched := nais[0].Instance.LaunchTime
		waiting := now.Sub(launched)
		remaining := launched.Add(maxStart).Sub(now)
		msg := fmt.Sprintf("waiting for machine to join cluster (time waiting: %s, est. remaining time: %s)...please wait...",
			notify.FormatMMSS(waiting), notify.FormatMMSS(remaining))
		progress := 0.0
		if maxStart > 0 {
			progress = waiting.Seconds() / maxStart.Seconds()
		}
		s.notifier.TaskLog(ctx, tasks, logrus.InfoLevel, msg)
		s.notifier.TaskProgress(ctx, tasks, msg, progress)
	}
}

// notifyStatus publishes the usage of the monitored nodes.
func (s *Scaler) notifyStatus(ctx context.Context, cl *cluster.Cluster) {
	var monitored []*cluster.AssociatedInstance
	monitored = append(monitored, cl.ActiveNodes...)
	monitored = append(monitored, cl.DrainedNodes...)
	monitored = append(monitored, cl.HotBufferDrainedNodes...)
	total, err := s.provider.ClusterTotalResources(ctx, monitored)
	if err != nil {
		s.logger.WithError(err).Warn("error computing cluster total resources")
		return
	}
	used, err := s.provider.ClusterUsedResources(ctx, monitored)
	if err != nil {
		s.logger.WithError(err).Warn("error computing cluster used resources")
		return
	}
	st := notify.NewStatus(cl, total, used, s.ec2().MaxInstances, s.now())
	s.notifier.ClusterStatus(ctx, st)
	s.metrics.Update(st)
}
