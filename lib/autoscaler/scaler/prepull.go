// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scaler

import (
	"context"
	"errors"
	"slices"

	"git.arvados.org/fleetscaler.git/lib/agent"
	"git.arvados.org/fleetscaler.git/lib/autoscaler/bootscript"
	"git.arvados.org/fleetscaler.git/lib/autoscaler/cluster"
	"git.arvados.org/fleetscaler.git/lib/autoscaler/tags"
	"git.arvados.org/fleetscaler.git/lib/cloud"
	"github.com/sirupsen/logrus"
)

// prePullOnHotBuffers keeps the images of the hot buffer nodes up to
// date with the configuration.
func (s *Scaler) prePullOnHotBuffers(ctx context.Context, cl *cluster.Cluster) {
	forEach(ctx, len(cl.HotBufferDrainedNodes), func(ctx context.Context, i int) {
		s.prePull(ctx, cl.HotBufferDrainedNodes[i].Instance)
	})
}

func (s *Scaler) prePull(ctx context.Context, inst cloud.InstanceData) {
	inst = s.handlePrePullStatus(ctx, inst)
	if tags.IsPulling(inst.Tags) {
		return
	}
	at, ok := s.ec2().AllowedType(inst.Type)
	if !ok {
		return
	}
	logger := s.logger.WithField("InstanceID", inst.ID)
	images, err := tags.PrePulledImages(inst.Tags)
	if err != nil {
		logger.WithError(err).Warn("invalid pre-pulled images tags, pulling again")
		images = nil
	}
	desired := bootscript.FullPrePullImages(at, s.config.Registry)
	if slices.Equal(images, desired) {
		return
	}
	command, err := bootscript.PrePullCommand(desired)
	if err != nil {
		logger.WithError(err).Error("cannot build pre-pull command")
		return
	}
	cmd, err := s.agent.SendCommand(ctx, []cloud.InstanceID{inst.ID}, command, bootscript.PullCommandName)
	if err != nil {
		logger.WithError(err).Error("error sending pre-pull command")
		return
	}
	pullTags, err := tags.PullingTags(cmd.ID, desired)
	if err != nil {
		logger.WithError(err).Error("cannot encode pulling tags")
		return
	}
	if err := s.directory.SetTags(ctx, []cloud.InstanceData{inst}, pullTags); err != nil {
		logger.WithError(err).Error("error tagging instance with pre-pull command")
		return
	}
	logger.WithFields(logrus.Fields{
		"CommandID": cmd.ID,
		"Images":    desired,
	}).Info("started pre-pulling images")
}

// handlePrePullStatus clears the pulling tags of inst once its
// pre-pull command is over, and returns the instance with its
// updated tags. The recorded images are kept only if the command
// succeeded.
func (s *Scaler) handlePrePullStatus(ctx context.Context, inst cloud.InstanceData) cloud.InstanceData {
	if !tags.IsPulling(inst.Tags) {
		return inst
	}
	cmdID := inst.Tags[tags.KeyCommandID]
	logger := s.logger.WithFields(logrus.Fields{"InstanceID": inst.ID, "CommandID": cmdID})
	if cmdID == "" {
		logger.Error("instance is pulling without a command ID, resetting its images")
		return s.removeTags(ctx, inst, tags.AllPullingKeys(inst.Tags))
	}
	cmd, err := s.agent.GetCommand(ctx, inst.ID, cmdID)
	if err != nil {
		var accessErr *agent.AccessError
		if errors.As(err, &accessErr) {
			logger.WithError(err).Error("cannot access pre-pull command, resetting images")
			return s.removeTags(ctx, inst, tags.AllPullingKeys(inst.Tags))
		}
		logger.WithError(err).Warn("error getting status of pre-pull command")
		return inst
	}
	switch cmd.Status {
	case agent.StatusSuccess:
		logger.Info("pre-pull command succeeded")
		return s.removeTags(ctx, inst, tags.PullingKeys())
	case agent.StatusFailed, agent.StatusTimedOut, agent.StatusCancelled:
		logger.WithFields(logrus.Fields{
			"Status":  cmd.Status,
			"Message": cmd.Message,
		}).Error("pre-pull command did not succeed")
		return s.removeTags(ctx, inst, tags.AllPullingKeys(inst.Tags))
	default:
		logger.Debug("pre-pull command still running")
		return inst
	}
}

// removeTags removes keys from inst, and returns inst unchanged if
// that fails.
func (s *Scaler) removeTags(ctx context.Context, inst cloud.InstanceData, keys []string) cloud.InstanceData {
	if err := s.directory.RemoveTags(ctx, []cloud.InstanceData{inst}, keys); err != nil {
		s.logger.WithError(err).WithField("InstanceID", inst.ID).Warn("error removing tags")
		return inst
	}
	inst.Tags = inst.Tags.Clone()
	for _, k := range keys {
		delete(inst.Tags, k)
	}
	return inst
}
