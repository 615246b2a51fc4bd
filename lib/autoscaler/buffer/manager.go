// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package buffer maintains pools of warm buffer instances: stopped
// instances whose images were pulled in advance, which the scaler
// starts when it needs capacity quickly.
//
// A warm buffer instance is launched without joining the cluster.
// Once its agent is connected and cloud-init is done, the images of
// its type are pulled through the agent, and the instance is
// stopped. Instances that do not get there are terminated and
// replaced.
package buffer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"git.arvados.org/fleetscaler.git/lib/agent"
	"git.arvados.org/fleetscaler.git/lib/autoscaler/bootscript"
	"git.arvados.org/fleetscaler.git/lib/autoscaler/notify"
	"git.arvados.org/fleetscaler.git/lib/autoscaler/tags"
	"git.arvados.org/fleetscaler.git/lib/cloud"
	"git.arvados.org/fleetscaler.git/sdk/go/ctxlog"
	"git.arvados.org/fleetscaler.git/sdk/go/fleet"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const maxConcurrency = 20

// A TagSource returns the tags identifying the instances of the
// cluster. cluster.Provider is a TagSource.
type TagSource interface {
	InstanceTags() cloud.InstanceTags
}

// Manager reconciles the warm buffer pools with the configured
// buffer counts.
type Manager struct {
	logger    logrus.FieldLogger
	config    *fleet.Config
	directory cloud.InstanceDirectory
	agent     agent.Agent
	source    TagSource
	metrics   *notify.BufferMetrics

	// Clock, replaced in tests.
	now func() time.Time
}

// New returns a Manager. Metrics are registered with reg, which may
// be nil.
func New(ctx context.Context, cfg *fleet.Config, directory cloud.InstanceDirectory, agt agent.Agent, source TagSource, reg *prometheus.Registry) *Manager {
	return &Manager{
		logger:    ctxlog.FromContext(ctx).WithField("Component", "buffer"),
		config:    cfg,
		directory: directory,
		agent:     agt,
		source:    source,
		metrics:   notify.NewBufferMetrics(reg),
		now:       time.Now,
	}
}

func (m *Manager) ec2() fleet.EC2InstancesConfig {
	return m.config.EC2Instances
}

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

// Tick runs one reconciliation of the pools and returns their
// resulting state. A failure of a cloud call affecting a whole pool
// aborts the tick.
func (m *Manager) Tick(ctx context.Context) (Pools, error) {
	pools, err := m.analyze(ctx)
	if err != nil {
		return nil, err
	}
	m.logger.WithField("Pools", pools.String()).Info("current buffer pools")
	for _, step := range []func(context.Context, Pools) error{
		m.terminateUnneededPools,
		m.terminateStaleInstances,
		m.terminateBrokenInstances,
		m.resize,
		m.prePull,
	} {
		if err := step(ctx, pools); err != nil {
			return nil, err
		}
	}
	m.updateMetrics(pools)
	return pools, nil
}

func (m *Manager) updateMetrics(pools Pools) {
	counts := map[string]map[string]int{}
	for it, p := range pools {
		counts[it] = p.Counts()
	}
	m.metrics.UpdatePools(counts)
}

// analyze lists the warm buffer instances and classifies them.
func (m *Manager) analyze(ctx context.Context) (Pools, error) {
	var keyNames []string
	if m.ec2().KeyName != "" {
		keyNames = []string{m.ec2().KeyName}
	}
	insts, err := m.directory.Instances(ctx, cloud.InstanceFilter{
		KeyNames: keyNames,
		Tags:     tags.DeactivatedBufferTags(m.source.InstanceTags()),
		States:   []cloud.InstanceState{cloud.StateStopped, cloud.StatePending, cloud.StateRunning, cloud.StateStopping},
	})
	if err != nil {
		return nil, fmt.Errorf("list warm buffer instances: %w", err)
	}
	phases := make([]Phase, len(insts))
	forEach(ctx, len(insts), func(ctx context.Context, i int) {
		phases[i] = m.classify(ctx, insts[i])
	})
	pools := Pools{}
	for _, name := range m.ec2().AllowedTypeNames() {
		pools.pool(name)
	}
	for i, inst := range insts {
		pools.pool(inst.Type).add(phases[i], inst)
	}
	return pools, nil
}

func (m *Manager) classify(ctx context.Context, inst cloud.InstanceData) Phase {
	switch inst.State {
	case cloud.StateStopped:
		return PhaseReady
	case cloud.StateStopping:
		return PhaseStopping
	case cloud.StateRunning:
	default:
		return PhasePending
	}
	if _, ok := inst.Tags[tags.KeyPulling]; ok {
		return PhasePulling
	}
	logger := m.logger.WithFields(logrus.Fields{"InstanceID": inst.ID, "InstanceType": inst.Type})
	connected, err := m.agent.IsInstanceConnected(ctx, inst.ID)
	if err != nil {
		logger.WithError(err).Warn("error checking agent connection")
		return PhasePending
	}
	if !connected {
		if maxStart := m.ec2().MaxStartTime; m.now().Sub(inst.LaunchTime) > maxStart.Duration() {
			logger.WithFields(logrus.Fields{
				"MaxStartTime": maxStart,
				"Tip":          "check the initialization phase of the instance for errors",
			}).Error("warm buffer instance did not connect to the agent in time, it will be terminated")
			return PhaseBroken
		}
		return PhasePending
	}
	done, err := m.agent.WaitForCloudInitComplete(ctx, inst.ID)
	if err != nil {
		var resultErr *agent.CommandExecutionResultError
		var timeoutErr *agent.TimeoutError
		if errors.As(err, &resultErr) || errors.As(err, &timeoutErr) {
			logger.WithError(err).WithField("Tip", "check the initialization phase of the instance for errors").Error("cannot check cloud-init completion, the instance will be terminated")
			return PhaseBroken
		}
		logger.WithError(err).Warn("error checking cloud-init completion")
		return PhasePending
	}
	if !done {
		return PhasePending
	}
	m.metrics.ObserveReadyToPull(inst.Type, m.now().Sub(inst.LaunchTime))
	if at, ok := m.ec2().AllowedType(inst.Type); ok && len(at.PrePullImages) > 0 {
		return PhaseWaitingToPull
	}
	return PhaseWaitingToStop
}

func (m *Manager) terminate(ctx context.Context, pools Pools, insts []cloud.InstanceData, why string) error {
	if len(insts) == 0 {
		return nil
	}
	logger := m.logger.WithField("InstanceIDs", lo.Map(insts, func(inst cloud.InstanceData, _ int) cloud.InstanceID { return inst.ID }))
	if err := m.directory.Terminate(ctx, insts); err != nil {
		return fmt.Errorf("terminate %s warm buffer instances: %w", why, err)
	}
	logger.Infof("terminated %s warm buffer instances", why)
	for _, inst := range insts {
		if p, ok := pools[inst.Type]; ok {
			p.remove([]cloud.InstanceData{inst})
		}
	}
	return nil
}

// terminateUnneededPools terminates the pools of instance types that
// are not allowed anymore.
func (m *Manager) terminateUnneededPools(ctx context.Context, pools Pools) error {
	var insts []cloud.InstanceData
	var unneeded []string
	for _, it := range pools.types() {
		if _, ok := m.ec2().AllowedType(it); !ok {
			unneeded = append(unneeded, it)
			insts = append(insts, pools[it].All()...)
		}
	}
	if err := m.terminate(ctx, pools, insts, "unneeded"); err != nil {
		return err
	}
	for _, it := range unneeded {
		delete(pools, it)
	}
	return nil
}

// terminateStaleInstances terminates the instances whose pulled
// images differ from the configured ones. An instance without a
// record of its pulled images has pulled none.
func (m *Manager) terminateStaleInstances(ctx context.Context, pools Pools) error {
	var stale []cloud.InstanceData
	for _, at := range m.ec2().AllowedTypes {
		for _, inst := range pools.pool(at.Name).PrePulled() {
			images, err := tags.PrePulledImages(inst.Tags)
			if err == nil && slices.Equal(images, at.PrePullImages) {
				continue
			}
			m.logger.WithError(err).WithFields(logrus.Fields{
				"InstanceID": inst.ID,
				"Images":     images,
				"Expected":   at.PrePullImages,
			}).Info("warm buffer instance has outdated images")
			stale = append(stale, inst)
		}
	}
	return m.terminate(ctx, pools, stale, "outdated")
}

func (m *Manager) terminateBrokenInstances(ctx context.Context, pools Pools) error {
	var broken []cloud.InstanceData
	for _, it := range pools.types() {
		broken = append(broken, pools[it].Instances[PhaseBroken]...)
	}
	return m.terminate(ctx, pools, broken, "broken")
}

// resize launches the instances missing from each pool and
// terminates the surplus.
func (m *Manager) resize(ctx context.Context, pools Pools) error {
	ec2 := m.ec2()
	base := m.source.InstanceTags()
	var surplus []cloud.InstanceData
	for _, at := range ec2.AllowedTypes {
		p := pools.pool(at.Name)
		all := p.All()
		if len(all) > at.BufferCount {
			surplus = append(surplus, all[at.BufferCount:]...)
			continue
		}
		missing := at.BufferCount - len(all)
		if missing == 0 {
			continue
		}
		script, err := bootscript.WarmBufferStartupScript(at, m.config.Registry)
		if err != nil {
			return fmt.Errorf("warm buffer startup script for %s: %w", at.Name, err)
		}
		launched, err := m.directory.Launch(ctx, cloud.LaunchConfig{
			Type:               fleet.InstanceType{Name: at.Name},
			AMIID:              at.AMIID,
			KeyName:            ec2.KeyName,
			SecurityGroupIDs:   ec2.SecurityGroupIDs,
			SubnetIDs:          ec2.SubnetIDs,
			IAMInstanceProfile: ec2.AttachedIAMProfile,
			StartupScript:      script,
			Tags:               tags.DeactivatedBufferTags(base),
		}, missing, missing, ec2.MaxInstances)
		if err != nil {
			return fmt.Errorf("launch %d warm buffer instances of type %s: %w", missing, at.Name, err)
		}
		m.logger.WithFields(logrus.Fields{
			"InstanceType": at.Name,
			"Count":        len(launched),
		}).Info("launched warm buffer instances")
		p.add(PhasePending, launched...)
	}
	return m.terminate(ctx, pools, surplus, "surplus")
}

// prePull sends the pull command to the instances waiting for it,
// and stops the instances whose images are pulled.
func (m *Manager) prePull(ctx context.Context, pools Pools) error {
	var toStop, broken []cloud.InstanceData
	for _, it := range pools.types() {
		p := pools[it]
		at, _ := m.ec2().AllowedType(it)
		if err := m.startPulling(ctx, p); err != nil {
			return err
		}
		done, failed := m.checkPulling(ctx, p)
		done = append(append([]cloud.InstanceData(nil), p.Instances[PhaseWaitingToStop]...), done...)
		if len(done) > 0 {
			imgTags, err := tags.PrePulledImagesTags(at.PrePullImages)
			if err != nil {
				return err
			}
			if err := m.directory.SetTags(ctx, done, imgTags); err != nil {
				return fmt.Errorf("tag pulled images on warm buffer instances: %w", err)
			}
		}
		toStop = append(toStop, done...)
		broken = append(broken, failed...)
	}
	if len(toStop) > 0 {
		if err := m.directory.RemoveTags(ctx, toStop, tags.PullingKeys()); err != nil {
			return fmt.Errorf("remove pulling tags from warm buffer instances: %w", err)
		}
		if err := m.directory.Stop(ctx, toStop); err != nil {
			return fmt.Errorf("stop warm buffer instances: %w", err)
		}
		m.logger.WithField("InstanceIDs", lo.Map(toStop, func(inst cloud.InstanceData, _ int) cloud.InstanceID { return inst.ID })).Info("stopped warm buffer instances with pulled images")
		for _, inst := range toStop {
			pools[inst.Type].move([]cloud.InstanceData{inst}, PhaseStopping)
		}
	}
	return m.terminate(ctx, pools, broken, "failed pulling")
}

// startPulling sends one pull command to all instances of p waiting
// for it.
func (m *Manager) startPulling(ctx context.Context, p *Pool) error {
	waiting := p.Instances[PhaseWaitingToPull]
	if len(waiting) == 0 {
		return nil
	}
	ids := lo.Map(waiting, func(inst cloud.InstanceData, _ int) cloud.InstanceID { return inst.ID })
	cmd, err := m.agent.SendCommand(ctx, ids, bootscript.DockerPullCommand, bootscript.PullCommandName)
	if err != nil {
		return fmt.Errorf("send pull command to warm buffer instances: %w", err)
	}
	pullTags := cloud.InstanceTags{tags.KeyPulling: "true", tags.KeyCommandID: cmd.ID}
	if err := m.directory.SetTags(ctx, waiting, pullTags); err != nil {
		return fmt.Errorf("tag warm buffer instances as pulling: %w", err)
	}
	m.logger.WithFields(logrus.Fields{
		"InstanceIDs": ids,
		"CommandID":   cmd.ID,
	}).Info("started pulling images on warm buffer instances")
	tagged := lo.Map(waiting, func(inst cloud.InstanceData, _ int) cloud.InstanceData {
		inst.Tags = inst.Tags.Merge(pullTags)
		return inst
	})
	p.remove(waiting)
	p.add(PhasePulling, tagged...)
	return nil
}

// checkPulling returns the pulling instances of p whose command
// succeeded, and those whose command failed.
func (m *Manager) checkPulling(ctx context.Context, p *Pool) (done, failed []cloud.InstanceData) {
	pulling := p.Instances[PhasePulling]
	results := make([]agent.CommandStatus, len(pulling))
	forEach(ctx, len(pulling), func(ctx context.Context, i int) {
		inst := pulling[i]
		cmdID := inst.Tags[tags.KeyCommandID]
		if cmdID == "" {
			return
		}
		logger := m.logger.WithFields(logrus.Fields{"InstanceID": inst.ID, "CommandID": cmdID})
		cmd, err := m.agent.GetCommand(ctx, inst.ID, cmdID)
		if err != nil {
			logger.WithError(err).Warn("error getting status of pull command")
			return
		}
		if cmd.Status == agent.StatusSuccess && !cmd.StartTime.IsZero() && !cmd.FinishTime.IsZero() {
			m.metrics.ObservePullDuration(inst.Type, cmd.FinishTime.Sub(cmd.StartTime))
		}
		if cmd.Status != agent.StatusSuccess && !cmd.Status.Running() {
			logger.WithFields(logrus.Fields{
				"Status":  cmd.Status,
				"Message": cmd.Message,
			}).Error("pulling images on warm buffer instance failed")
		}
		results[i] = cmd.Status
	})
	for i, status := range results {
		switch {
		case status == "" || status.Running():
		case status == agent.StatusSuccess:
			done = append(done, pulling[i])
		default:
			failed = append(failed, pulling[i])
		}
	}
	return
}
