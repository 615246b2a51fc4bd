// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scaler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"git.arvados.org/fleetscaler.git/lib/autoscaler/bootscript"
	"git.arvados.org/fleetscaler.git/lib/autoscaler/cluster"
	"git.arvados.org/fleetscaler.git/lib/autoscaler/matcher"
	"git.arvados.org/fleetscaler.git/lib/autoscaler/notify"
	"git.arvados.org/fleetscaler.git/lib/autoscaler/tags"
	"git.arvados.org/fleetscaler.git/lib/cloud"
	"git.arvados.org/fleetscaler.git/sdk/go/fleet"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

// Messages sent to the owners of waiting tasks.
const (
	msgClusterAdjusted = "cluster adjusted, service should start shortly..."
	msgScalingUp       = "service is pending due to missing resources, scaling up cluster now..."
	msgMaxReached      = "The maximum number of machines in the cluster was reached. Please wait for your running jobs to complete and try again later."
	msgHighLoad        = "Exceptionally high load on computational cluster, please try again later."
	msgUnexpected      = "Unexpected issues detected, probably due to high load, please contact support"
	msgLaunched        = "%d new machines launched, it might take up to %s minutes to start, Please wait..."
)

func (s *Scaler) taskLog(ctx context.Context, tasks []cluster.Task, level logrus.Level, msg string) {
	if len(tasks) > 0 {
		s.notifier.TaskLog(ctx, tasks, level, msg)
	}
}

func tasksOf(reqs []matcher.Request) []cluster.Task {
	return lo.Map(reqs, func(req matcher.Request, _ int) cluster.Task { return req.Task })
}

// autoscale decides where the waiting tasks will run, starts or
// launches the capacity they lack, and scales down unused capacity.
func (s *Scaler) autoscale(ctx context.Context, cl *cluster.Cluster, allowed []fleet.InstanceType) (*cluster.Cluster, error) {
	tasks, err := s.provider.UnrunnableTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("list unrunnable tasks: %w", err)
	}
	if len(tasks) > 0 {
		s.logger.WithField("Tasks", len(tasks)).Info("found pending tasks")
	}
	reqs := s.requests(ctx, tasks)
	unassigned := s.assignToCluster(reqs, cl)

	cl = s.activateDrainedNodes(ctx, cl)

	byTaskID := lo.Associate(reqs, func(req matcher.Request) (string, matcher.Request) { return req.Task.TaskID(), req })
	cl, deassigned := s.startWarmBuffers(ctx, cl, allowed, byTaskID)
	unassigned = append(unassigned, deassigned...)

	cl = s.scaleDown(ctx, cl)
	return s.scaleUp(ctx, cl, allowed, unassigned), nil
}

// requests returns the requirements of tasks. Tasks whose
// requirements cannot be determined are skipped.
func (s *Scaler) requests(ctx context.Context, tasks []cluster.Task) []matcher.Request {
	var reqs []matcher.Request
	for _, task := range tasks {
		logger := s.logger.WithField("TaskID", task.TaskID())
		it, err := s.provider.TaskInstanceType(ctx, task)
		if err != nil {
			logger.WithError(err).Warn("cannot get required instance type of task")
			continue
		}
		labels, err := s.provider.TaskRequiredLabels(ctx, task)
		if err != nil {
			logger.WithError(err).Warn("cannot get required node labels of task")
			continue
		}
		reqs = append(reqs, matcher.Request{
			Task:         task,
			Resources:    s.provider.TaskRequiredResources(task),
			InstanceType: it,
			Labels:       labels,
		})
	}
	return reqs
}

// futureNodeLabels returns the labels the node of inst will have
// once attached.
func (s *Scaler) futureNodeLabels(inst cloud.InstanceData) map[string]string {
	labels := s.provider.NewNodeLabels(inst)
	custom, _ := tags.CustomPlacementLabels(inst.Tags)
	for k, v := range custom {
		labels[k] = v
	}
	return labels
}

// assignToCluster estimates where the backend will run each task,
// preferring capacity that already exists, and returns the tasks
// that do not fit anywhere. The slots of the cluster are updated in
// place.
func (s *Scaler) assignToCluster(reqs []matcher.Request, cl *cluster.Cluster) []matcher.Request {
	drainedAndHot := append(append([]*cluster.AssociatedInstance(nil), cl.DrainedNodes...), cl.HotBufferDrainedNodes...)
	var unassigned []matcher.Request
	for _, req := range reqs {
		if matcher.AssignToNodes(req, cl.ActiveNodes) ||
			matcher.AssignToNodes(req, drainedAndHot) ||
			matcher.AssignToNodes(req, cl.PendingNodes) ||
			matcher.AssignToInstances(req, cl.PendingEC2s, s.futureNodeLabels) ||
			matcher.AssignToInstances(req, cl.WarmBufferEC2s, s.futureNodeLabels) {
			continue
		}
		unassigned = append(unassigned, req)
	}
	if len(unassigned) > 0 {
		s.logger.WithFields(logrus.Fields{
			"Assigned":   len(reqs) - len(unassigned),
			"Unassigned": len(unassigned),
		}).Info("current cluster cannot run all pending tasks")
	}
	return unassigned
}

// activateDrainedNodes makes the drained nodes that got tasks
// assigned accept tasks again.
func (s *Scaler) activateDrainedNodes(ctx context.Context, cl *cluster.Cluster) *cluster.Cluster {
	hasTasks := func(ai *cluster.AssociatedInstance, _ int) bool { return ai.HasAssignedTasks() }
	toActivate := append(lo.Filter(cl.DrainedNodes, hasTasks), lo.Filter(cl.HotBufferDrainedNodes, hasTasks)...)
	if len(toActivate) == 0 {
		return cl
	}
	s.logger.WithField("InstanceIDs", idsOf(associatedInstancesOf(toActivate))).Info("activating drained nodes")
	forEach(ctx, len(toActivate), func(ctx context.Context, i int) {
		s.cancelPullIfAny(ctx, toActivate[i].Instance)
	})
	activated, _ := s.setReady(ctx, toActivate, true)
	for _, ai := range activated {
		s.taskLog(ctx, ai.AssignedTasks, logrus.InfoLevel, msgClusterAdjusted)
		s.notifier.TaskProgress(ctx, ai.AssignedTasks, msgClusterAdjusted, 1.0)
	}
	done := lo.Associate(activated, func(ai *cluster.AssociatedInstance) (cloud.InstanceID, bool) { return ai.Instance.ID, true })
	notDone := func(ai *cluster.AssociatedInstance, _ int) bool { return !done[ai.Instance.ID] }
	cl = cl.Copy()
	cl.ActiveNodes = append(append([]*cluster.AssociatedInstance(nil), cl.ActiveNodes...), activated...)
	cl.DrainedNodes = lo.Filter(cl.DrainedNodes, notDone)
	cl.HotBufferDrainedNodes = lo.Filter(cl.HotBufferDrainedNodes, notDone)
	return cl
}

// cancelPullIfAny cancels a running pre-pull command on inst and
// forgets the images it was pulling.
func (s *Scaler) cancelPullIfAny(ctx context.Context, inst cloud.InstanceData) {
	cmdID := inst.Tags[tags.KeyCommandID]
	if !tags.IsPulling(inst.Tags) || cmdID == "" {
		return
	}
	logger := s.logger.WithFields(logrus.Fields{"InstanceID": inst.ID, "CommandID": cmdID})
	cmd, err := s.agent.GetCommand(ctx, inst.ID, cmdID)
	if err != nil {
		logger.WithError(err).Warn("error getting status of pre-pull command")
		return
	}
	if !cmd.Status.Running() {
		return
	}
	if err := s.agent.CancelCommand(ctx, inst.ID, cmdID); err != nil {
		logger.WithError(err).Warn("error cancelling pre-pull command")
		return
	}
	logger.Info("cancelled pre-pull command")
	if err := s.directory.RemoveTags(ctx, []cloud.InstanceData{inst}, tags.AllPullingKeys(inst.Tags)); err != nil {
		logger.WithError(err).Warn("error removing pulling tags")
	}
}

// startWarmBuffers starts the warm buffer instances that got tasks
// assigned, and those needed to refill the hot buffer. If they cannot
// be started, their tasks are returned as unassigned.
func (s *Scaler) startWarmBuffers(ctx context.Context, cl *cluster.Cluster, allowed []fleet.InstanceType, byTaskID map[string]matcher.Request) (*cluster.Cluster, []matcher.Request) {
	ec2 := s.ec2()
	toStart := lo.Filter(cl.WarmBufferEC2s, func(nai *cluster.NonAssociatedInstance, _ int) bool { return nai.HasAssignedTasks() })
	if len(cl.HotBufferDrainedNodes) < ec2.MachinesBuffer {
		hotType := hotBufferType(allowed)
		free := lo.Filter(cl.WarmBufferEC2s, func(nai *cluster.NonAssociatedInstance, _ int) bool {
			return nai.Instance.Type == hotType && !nai.HasAssignedTasks()
		})
		n := ec2.MachinesBuffer - len(cl.HotBufferDrainedNodes) -
			lo.CountBy(cl.PendingEC2s, func(nai *cluster.NonAssociatedInstance) bool { return !nai.HasAssignedTasks() }) -
			lo.CountBy(cl.PendingNodes, func(ai *cluster.AssociatedInstance) bool { return !ai.HasAssignedTasks() })
		if n > len(free) {
			n = len(free)
		}
		if n > 0 {
			toStart = append(toStart, free[:n]...)
		}
	}
	if len(toStart) == 0 {
		return cl, nil
	}
	logger := s.logger.WithField("InstanceIDs", idsOf(instancesOf(toStart)))
	started, err := s.directory.Start(ctx, instancesOf(toStart))
	if err != nil {
		var capErr *cloud.InsufficientCapacityError
		if errors.As(err, &capErr) {
			logger.WithError(err).Warn("cannot start warm buffer instances due to insufficient capacity, their tasks will be moved to new instances if possible")
		} else {
			logger.WithError(err).WithField("Tip", "this needs to be analysed").Error("error starting warm buffer instances, their tasks will be moved to new instances if possible")
		}
		return s.deassignWarmBuffers(cl, toStart, byTaskID)
	}
	activated := tags.ActivatedBufferTags(s.provider.InstanceTags())
	if err := s.setTagsWithRetry(ctx, started, activated); err != nil {
		// Still tagged as warm buffers, they belong to the buffer
		// manager again.
		logger.WithError(err).Error("error tagging started warm buffer instances, stopping them")
		if err := s.directory.Stop(ctx, started); err != nil {
			logger.WithError(err).Error("error stopping untagged warm buffer instances")
		}
		return s.deassignWarmBuffers(cl, toStart, byTaskID)
	}
	logger.Info("started warm buffer instances")

	startedByID := lo.Associate(started, func(inst cloud.InstanceData) (cloud.InstanceID, cloud.InstanceData) { return inst.ID, inst })
	var nowPending []*cluster.NonAssociatedInstance
	for _, nai := range toStart {
		inst, ok := startedByID[nai.Instance.ID]
		if !ok {
			continue
		}
		inst.Tags = inst.Tags.Merge(activated)
		nowPending = append(nowPending, &cluster.NonAssociatedInstance{Instance: inst, Slot: nai.Slot})
	}
	cl = cl.Copy()
	cl.WarmBufferEC2s = lo.Reject(cl.WarmBufferEC2s, func(nai *cluster.NonAssociatedInstance, _ int) bool {
		_, ok := startedByID[nai.Instance.ID]
		return ok
	})
	cl.PendingEC2s = append(append([]*cluster.NonAssociatedInstance(nil), cl.PendingEC2s...), nowPending...)
	return cl, nil
}

// setTagsWithRetry tries SetTags up to setTagsAttempts times.
func (s *Scaler) setTagsWithRetry(ctx context.Context, instances []cloud.InstanceData, t cloud.InstanceTags) error {
	var err error
	for attempt := 1; attempt <= setTagsAttempts; attempt++ {
		if err = s.directory.SetTags(ctx, instances, t); err == nil {
			return nil
		}
		s.logger.WithError(err).WithField("Attempt", attempt).Warn("error setting instance tags")
		if ctx.Err() != nil {
			break
		}
	}
	return err
}

func (s *Scaler) deassignWarmBuffers(cl *cluster.Cluster, failed []*cluster.NonAssociatedInstance, byTaskID map[string]matcher.Request) (*cluster.Cluster, []matcher.Request) {
	isFailed := lo.Associate(failed, func(nai *cluster.NonAssociatedInstance) (cloud.InstanceID, bool) { return nai.Instance.ID, true })
	var deassigned []matcher.Request
	cl = cl.Copy()
	cl.WarmBufferEC2s = lo.Map(cl.WarmBufferEC2s, func(nai *cluster.NonAssociatedInstance, _ int) *cluster.NonAssociatedInstance {
		if !isFailed[nai.Instance.ID] {
			return nai
		}
		for _, task := range nai.AssignedTasks {
			deassigned = append(deassigned, byTaskID[task.TaskID()])
		}
		return cluster.NewNonAssociatedInstance(nai.Instance)
	})
	return cl, deassigned
}

// scaleDown drains active nodes that stayed empty, and terminates
// drained nodes that stayed unused.
func (s *Scaler) scaleDown(ctx context.Context, cl *cluster.Cluster) *cluster.Cluster {
	if lo.ContainsBy(cl.ActiveNodes, func(ai *cluster.AssociatedInstance) bool { return !ai.HasAssignedTasks() }) {
		if err := s.provider.TryRetireNodes(ctx); err != nil {
			s.logger.WithError(err).Warn("error asking backend to retire unused nodes")
		}
	}
	cl = s.drainEmptyNodes(ctx, cl)
	return s.terminateUnusedNodes(ctx, cl)
}

// drainEmptyNodes records when active nodes are first found empty,
// and drains them once they stayed empty for TimeBeforeDraining.
func (s *Scaler) drainEmptyNodes(ctx context.Context, cl *cluster.Cluster) *cluster.Cluster {
	if len(cl.ActiveNodes) == 0 {
		return cl
	}
	now := s.now()
	checked := make([]*cluster.AssociatedInstance, len(cl.ActiveNodes))
	drainable := make([]bool, len(cl.ActiveNodes))
	forEach(ctx, len(cl.ActiveNodes), func(ctx context.Context, i int) {
		checked[i], drainable[i] = s.checkEmpty(ctx, cl.ActiveNodes[i], now)
	})
	toDrain := lo.Filter(checked, func(_ *cluster.AssociatedInstance, i int) bool { return drainable[i] })
	stillActive := lo.Reject(checked, func(_ *cluster.AssociatedInstance, i int) bool { return drainable[i] })
	drained, failed := s.setReady(ctx, toDrain, false)
	if len(drained) > 0 {
		s.logger.WithField("Hostnames", lo.Map(nodesOf(drained), func(n cluster.Node, _ int) string { return n.Hostname })).Info("drained empty nodes")
	}
	cl = cl.Copy()
	cl.ActiveNodes = append(stillActive, failed...)
	cl.DrainedNodes = append(append([]*cluster.AssociatedInstance(nil), cl.DrainedNodes...), drained...)
	return cl
}

// checkEmpty updates the found-empty label of an active node, and
// returns true if the node has been empty long enough to be drained.
func (s *Scaler) checkEmpty(ctx context.Context, ai *cluster.AssociatedInstance, now time.Time) (*cluster.AssociatedInstance, bool) {
	logger := s.logger.WithFields(logrus.Fields{"InstanceID": ai.Instance.ID, "Hostname": ai.Node.Hostname})
	since, empty, err := cluster.EmptySince(ai.Node)
	if err != nil {
		logger.WithError(err).Warn("invalid found-empty label, resetting it")
	}
	setEmpty := func(flag bool) *cluster.AssociatedInstance {
		n, err := s.nodes.SetNodeFoundEmpty(ctx, ai.Node, flag)
		if err != nil {
			logger.WithError(err).Warn("error updating found-empty label")
			return ai
		}
		cp := *ai
		cp.Node = n
		return &cp
	}
	if ai.HasAssignedTasks() {
		if empty {
			return setEmpty(false), false
		}
		return ai, false
	}
	if !empty || err != nil {
		return setEmpty(true), false
	}
	elapsed := now.Sub(since)
	if limit := s.ec2().TimeBeforeDraining.Duration(); elapsed <= limit {
		logger.WithField("Remaining", (limit - elapsed).String()).Debug("empty node not drainable yet")
		return ai, false
	}
	return ai, true
}

// terminateUnusedNodes starts the termination of nodes drained for
// longer than TimeBeforeTermination, and terminates the nodes whose
// termination started more than TimeBeforeFinalTermination ago.
func (s *Scaler) terminateUnusedNodes(ctx context.Context, cl *cluster.Cluster) *cluster.Cluster {
	ec2 := s.ec2()
	now := s.now()
	var toMark, unstamped []*cluster.AssociatedInstance
	for _, ai := range cl.DrainedNodes {
		changed, ok, err := cluster.LastReadinessChange(ai.Node)
		if err != nil {
			s.logger.WithError(err).WithField("InstanceID", ai.Instance.ID).Warn("invalid readiness label")
			continue
		}
		if !ok {
			// Drained since now, as far as we know.
			unstamped = append(unstamped, ai)
			continue
		}
		elapsed := now.Sub(changed)
		if elapsed > ec2.TimeBeforeTermination.Duration() {
			toMark = append(toMark, ai)
		} else {
			s.logger.WithFields(logrus.Fields{
				"InstanceID": ai.Instance.ID,
				"Remaining":  (ec2.TimeBeforeTermination.Duration() - elapsed).String(),
			}).Debug("drained node not terminable yet")
		}
	}
	stamped := make([]*cluster.AssociatedInstance, len(unstamped))
	forEach(ctx, len(unstamped), func(ctx context.Context, i int) {
		n, err := s.nodes.SetNodeReady(ctx, unstamped[i].Node, false)
		if err != nil {
			s.logger.WithError(err).WithField("InstanceID", unstamped[i].Instance.ID).Warn("error recording readiness change time")
			return
		}
		cp := *unstamped[i]
		cp.Node = n
		stamped[i] = &cp
	})
	stampedByID := lo.Associate(lo.Compact(stamped), func(ai *cluster.AssociatedInstance) (cloud.InstanceID, *cluster.AssociatedInstance) {
		return ai.Instance.ID, ai
	})

	results := make([]*cluster.AssociatedInstance, len(toMark))
	forEach(ctx, len(toMark), func(ctx context.Context, i int) {
		n, err := s.nodes.BeginNodeTermination(ctx, toMark[i].Node)
		if err != nil {
			s.logger.WithError(err).WithField("InstanceID", toMark[i].Instance.ID).Error("error starting node termination")
			return
		}
		cp := *toMark[i]
		cp.Node = n
		results[i] = &cp
	})
	marked := lo.Filter(results, func(ai *cluster.AssociatedInstance, _ int) bool { return ai != nil })
	if len(marked) > 0 {
		s.logger.WithField("InstanceIDs", idsOf(associatedInstancesOf(marked))).Info("started termination of unused nodes")
	}

	var toTerminate []*cluster.AssociatedInstance
	for _, ai := range cl.TerminatingNodes {
		started, ok, err := cluster.TerminationStartedSince(ai.Node)
		if err != nil {
			s.logger.WithError(err).WithField("InstanceID", ai.Instance.ID).Warn("invalid termination label")
			continue
		}
		if !ok {
			started = now
		}
		if now.Sub(started) >= ec2.TimeBeforeFinalTermination.Duration() {
			toTerminate = append(toTerminate, ai)
		}
	}
	var terminated []*cluster.AssociatedInstance
	if len(toTerminate) > 0 {
		logger := s.logger.WithField("InstanceIDs", idsOf(associatedInstancesOf(toTerminate)))
		if err := s.directory.Terminate(ctx, associatedInstancesOf(toTerminate)); err != nil {
			logger.WithError(err).Error("error terminating nodes")
		} else {
			logger.Info("terminated nodes")
			if _, err := s.nodes.RemoveNodes(ctx, nodesOf(toTerminate), true); err != nil {
				logger.WithError(err).Warn("error removing terminated nodes")
			}
			terminated = toTerminate
		}
	}

	ids := func(ais []*cluster.AssociatedInstance) map[cloud.InstanceID]bool {
		return lo.Associate(ais, func(ai *cluster.AssociatedInstance) (cloud.InstanceID, bool) { return ai.Instance.ID, true })
	}
	markedIDs, terminatedIDs := ids(marked), ids(terminated)
	cl = cl.Copy()
	cl.DrainedNodes = lo.Reject(cl.DrainedNodes, func(ai *cluster.AssociatedInstance, _ int) bool { return markedIDs[ai.Instance.ID] })
	cl.DrainedNodes = lo.Map(cl.DrainedNodes, func(ai *cluster.AssociatedInstance, _ int) *cluster.AssociatedInstance {
		if updated, ok := stampedByID[ai.Instance.ID]; ok {
			return updated
		}
		return ai
	})
	cl.TerminatingNodes = append(lo.Reject(cl.TerminatingNodes, func(ai *cluster.AssociatedInstance, _ int) bool { return terminatedIDs[ai.Instance.ID] }), marked...)
	cl.TerminatedInstances = append(append([]*cluster.NonAssociatedInstance(nil), cl.TerminatedInstances...),
		lo.Map(terminated, func(ai *cluster.AssociatedInstance, _ int) *cluster.NonAssociatedInstance {
			return cluster.NewNonAssociatedInstance(ai.Instance)
		})...)
	return cl
}

// scaleUp launches the instances needed by the unassigned tasks and
// the hot buffer.
func (s *Scaler) scaleUp(ctx context.Context, cl *cluster.Cluster, allowed []fleet.InstanceType, unassigned []matcher.Request) *cluster.Cluster {
	ec2 := s.ec2()
	if len(unassigned) == 0 && len(cl.HotBufferDrainedNodes) >= ec2.MachinesBuffer {
		return cl
	}
	if cl.TotalMachines() >= ec2.MaxInstances {
		s.logger.WithFields(logrus.Fields{
			"MaxInstances": ec2.MaxInstances,
			"Tasks":        len(unassigned),
		}).Info("cluster is at the maximum number of instances, tasks will wait until instances are free")
		return cl
	}
	batches := s.neededBatches(cl, allowed, unassigned)
	if len(batches) == 0 {
		return cl
	}
	tasks := tasksOf(unassigned)
	s.taskLog(ctx, tasks, logrus.InfoLevel, msgScalingUp)
	launched := s.launch(ctx, batches, tasks)
	if len(launched) == 0 {
		return cl
	}
	cl = cl.Copy()
	cl.PendingEC2s = append(append([]*cluster.NonAssociatedInstance(nil), cl.PendingEC2s...),
		lo.Map(launched, func(inst cloud.InstanceData, _ int) *cluster.NonAssociatedInstance {
			return cluster.NewNonAssociatedInstance(inst)
		})...)
	return cl
}

// neededBatches plans new instances for the unassigned tasks, plus
// the instances missing from the hot buffer.
func (s *Scaler) neededBatches(cl *cluster.Cluster, allowed []fleet.InstanceType, unassigned []matcher.Request) []matcher.Batch {
	var planned []*matcher.PlannedInstance
	for _, req := range unassigned {
		if matcher.AssignToPlanned(req, planned) {
			continue
		}
		var it fleet.InstanceType
		var err error
		if req.InstanceType != "" {
			it, err = matcher.FindSelectedInstanceType(allowed, req)
		} else {
			it, err = matcher.FindBestFitting(allowed, req.Resources)
		}
		if err != nil {
			s.logger.WithError(err).WithField("TaskID", req.Task.TaskID()).Error("cannot find an instance type for task")
			continue
		}
		pi := matcher.NewPlannedInstance(it, req.Labels)
		pi.Assign(req.Task, req.Resources)
		planned = append(planned, pi)
	}
	batches := matcher.Batches(planned)

	ec2 := s.ec2()
	if missing := ec2.MachinesBuffer - len(cl.HotBufferDrainedNodes); missing > 0 && len(allowed) > 0 {
		pending := lo.CountBy(cl.PendingEC2s, func(nai *cluster.NonAssociatedInstance) bool { return !nai.HasAssignedTasks() }) +
			lo.CountBy(cl.PendingNodes, func(ai *cluster.AssociatedInstance) bool { return !ai.HasAssignedTasks() })
		if pending < missing {
			batches = addToBatches(batches, matcher.Batch{Type: allowed[0], Labels: map[string]string{}, Count: missing})
		}
	}
	for _, b := range batches {
		s.logger.WithFields(logrus.Fields{
			"InstanceType": b.Type.Name,
			"Count":        b.Count,
			"Labels":       b.Labels,
		}).Info("planned instances")
	}
	return batches
}

// addToBatches adds b to the batch of the same type and labels, or
// appends it.
func addToBatches(batches []matcher.Batch, b matcher.Batch) []matcher.Batch {
	for i := range batches {
		if batches[i].Type.Name == b.Type.Name && len(batches[i].Labels) == len(b.Labels) && matcher.HasLabels(batches[i].Labels, b.Labels) {
			batches[i].Count += b.Count
			return batches
		}
	}
	return append(batches, b)
}

// launch launches the batches, capped to the maximum number of
// instances, and returns the new instances.
func (s *Scaler) launch(ctx context.Context, batches []matcher.Batch, tasks []cluster.Task) []cloud.InstanceData {
	ec2 := s.ec2()
	base := s.provider.InstanceTags()
	current, err := s.directory.Instances(ctx, s.analyzer().InstanceFilter(base, cloud.StatePending, cloud.StateRunning))
	if err != nil {
		s.logger.WithError(err).Error("error listing current instances")
		s.taskLog(ctx, tasks, logrus.ErrorLevel, msgUnexpected)
		return nil
	}
	capped, err := matcher.CapToMaxInstances(batches, len(current), ec2.MaxInstances)
	if err != nil {
		s.logger.WithError(err).Info("cannot launch instances")
		s.taskLog(ctx, tasks, logrus.ErrorLevel, msgMaxReached)
		return nil
	}
	joinCommand, err := s.nodes.JoinCommand(ctx, s.config.DockerJoinDrained)
	if err != nil {
		s.logger.WithError(err).Error("error getting join command")
		s.taskLog(ctx, tasks, logrus.ErrorLevel, msgUnexpected)
		return nil
	}

	results := make([][]cloud.InstanceData, len(capped))
	errs := make([]error, len(capped))
	forEach(ctx, len(capped), func(ctx context.Context, i int) {
		results[i], errs[i] = s.launchBatch(ctx, capped[i], base, joinCommand)
	})

	var launched []cloud.InstanceData
	tooMany, unexpected := false, false
	for i, err := range errs {
		var tooManyErr *cloud.TooManyInstancesError
		switch {
		case err == nil:
			launched = append(launched, results[i]...)
		case errors.As(err, &tooManyErr):
			tooMany = true
		default:
			s.logger.WithError(err).WithField("InstanceType", capped[i].Type.Name).Error("error launching instances")
			unexpected = true
		}
	}
	if tooMany {
		s.taskLog(ctx, tasks, logrus.ErrorLevel, msgHighLoad)
	}
	total := lo.SumBy(capped, func(b matcher.Batch) int { return b.Count })
	s.logger.WithFields(logrus.Fields{
		"Requested": total,
		"Launched":  len(launched),
	}).Info("launched instances")
	if len(launched) > 0 {
		s.taskLog(ctx, tasks, logrus.InfoLevel, fmt.Sprintf(msgLaunched, len(launched), notify.FormatMMSS(ec2.MaxStartTime.Duration())))
	}
	if unexpected {
		s.taskLog(ctx, tasks, logrus.ErrorLevel, msgUnexpected)
	}
	return launched
}

func (s *Scaler) launchBatch(ctx context.Context, b matcher.Batch, base cloud.InstanceTags, joinCommand string) ([]cloud.InstanceData, error) {
	ec2 := s.ec2()
	at, ok := ec2.AllowedType(b.Type.Name)
	if !ok {
		return nil, fmt.Errorf("instance type %s is not allowed", b.Type.Name)
	}
	script, err := bootscript.StartupScript(at, s.config.Registry, joinCommand)
	if err != nil {
		return nil, err
	}
	labelTags, err := tags.CustomPlacementLabelsTags(b.Labels)
	if err != nil {
		return nil, err
	}
	cfg := cloud.LaunchConfig{
		Type:               b.Type,
		AMIID:              at.AMIID,
		KeyName:            ec2.KeyName,
		SecurityGroupIDs:   ec2.SecurityGroupIDs,
		SubnetIDs:          ec2.SubnetIDs,
		IAMInstanceProfile: ec2.AttachedIAMProfile,
		StartupScript:      script,
		Tags:               base.Merge(labelTags),
	}
	return s.directory.Launch(ctx, cfg, 1, b.Count, ec2.MaxInstances)
}
