// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package scaler reconciles the size of the cluster with the tasks
// waiting for capacity.
//
// Each call to Tick analyzes the current state of the backend and
// the cloud, then applies a fixed sequence of steps to it. Every step
// takes a *cluster.Cluster and returns a new one, moving nodes and
// instances between partitions as its side effects succeed. Nothing
// is remembered between ticks.
package scaler

import (
	"context"
	"fmt"
	"time"

	"git.arvados.org/fleetscaler.git/lib/agent"
	"git.arvados.org/fleetscaler.git/lib/autoscaler/cluster"
	"git.arvados.org/fleetscaler.git/lib/autoscaler/matcher"
	"git.arvados.org/fleetscaler.git/lib/autoscaler/notify"
	"git.arvados.org/fleetscaler.git/lib/cloud"
	"git.arvados.org/fleetscaler.git/sdk/go/ctxlog"
	"git.arvados.org/fleetscaler.git/sdk/go/fleet"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Maximum number of concurrent calls to the cloud, the agent or the
// backend within a step.
const maxConcurrency = 20

// Tagging a started warm buffer instance as active is tried this
// many times before the instance is stopped again.
const setTagsAttempts = 3

// Disconnected nodes are removed once they have not been updated for
// this long.
const disconnectedNodeGracePeriod = 30 * time.Second

// A Scaler runs the reconciliation loop.
type Scaler struct {
	logger    logrus.FieldLogger
	config    *fleet.Config
	directory cloud.InstanceDirectory
	agent     agent.Agent
	provider  cluster.Provider
	nodes     cluster.NodeManager
	notifier  notify.Notifier
	metrics   *notify.ClusterMetrics

	// Clock, replaced in tests.
	now func() time.Time

	mTicks        *prometheus.CounterVec
	mTickDuration prometheus.Summary
}

// New returns a Scaler. Metrics are registered with reg, which may
// be nil.
func New(ctx context.Context, cfg *fleet.Config, directory cloud.InstanceDirectory, agt agent.Agent, provider cluster.Provider, nodes cluster.NodeManager, notifier notify.Notifier, reg *prometheus.Registry) *Scaler {
	s := &Scaler{
		logger:    ctxlog.FromContext(ctx).WithField("Component", "scaler"),
		config:    cfg,
		directory: directory,
		agent:     agt,
		provider:  provider,
		nodes:     nodes,
		notifier:  notifier,
		now:       time.Now,
	}
	s.registerMetrics(reg)
	return s
}

func (s *Scaler) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	s.metrics = notify.NewClusterMetrics(reg)
	s.mTicks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleetscaler",
		Subsystem: "autoscaler",
		Name:      "ticks_total",
		Help:      "Number of reconciliation ticks, by outcome.",
	}, []string{"outcome"})
	reg.MustRegister(s.mTicks)
	s.mTickDuration = prometheus.NewSummary(prometheus.SummaryOpts{
		Namespace:  "fleetscaler",
		Subsystem:  "autoscaler",
		Name:       "tick_duration_seconds",
		Help:       "Duration of reconciliation ticks.",
		Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
	})
	reg.MustRegister(s.mTickDuration)
}

func (s *Scaler) ec2() fleet.EC2InstancesConfig {
	return s.config.EC2Instances
}

func (s *Scaler) analyzer() *cluster.Analyzer {
	return &cluster.Analyzer{
		Provider:  s.provider,
		Directory: s.directory,
		Config:    s.ec2(),
		Logger:    s.logger,
	}
}

// Tick runs one reconciliation and returns the resulting state of
// the cluster.
//
// Only failures to read the state of the backend or the cloud are
// returned. Failed side effects are logged, and the affected nodes
// and instances are left where they were, to be retried at the next
// tick.
func (s *Scaler) Tick(ctx context.Context) (*cluster.Cluster, error) {
	t0 := time.Now()
	cl, err := s.tick(ctx)
	s.mTickDuration.Observe(time.Since(t0).Seconds())
	if err != nil {
		s.mTicks.WithLabelValues("fail").Inc()
		return nil, err
	}
	s.mTicks.WithLabelValues("success").Inc()
	return cl, nil
}

func (s *Scaler) tick(ctx context.Context) (*cluster.Cluster, error) {
	allowed, err := s.allowedTypes(ctx)
	if err != nil {
		return nil, err
	}
	cl, err := s.analyzer().Analyze(ctx, allowed, s.now())
	if err != nil {
		return nil, err
	}
	s.logger.WithField("Cluster", cl.String()).Info("current state")

	cl = s.cleanupDisconnectedNodes(ctx, cl)
	cl = s.terminateBrokenInstances(ctx, cl)
	cl = s.joinPendingWarmBuffers(ctx, cl)
	cl = s.attachPendingInstances(ctx, cl, allowed)
	cl = s.drainRetiredNodes(ctx, cl)

	cl, err = s.autoscale(ctx, cl, allowed)
	if err != nil {
		return nil, err
	}

	s.prePullOnHotBuffers(ctx, cl)
	s.notifyMachineCreationProgress(ctx, cl)
	s.notifyStatus(ctx, cl)
	return cl, nil
}

// allowedTypes returns the allowed instance types in configured
// order, with the resources the backend can use.
func (s *Scaler) allowedTypes(ctx context.Context) ([]fleet.InstanceType, error) {
	names := s.ec2().AllowedTypeNames()
	if len(names) == 0 {
		return nil, fmt.Errorf("no allowed instance types")
	}
	types, err := s.directory.InstanceTypes(ctx, names)
	if err != nil {
		return nil, fmt.Errorf("get instance type capabilities: %w", err)
	}
	sorted := matcher.SortByNames(types, names)
	if len(sorted) == 0 {
		return nil, fmt.Errorf("none of the allowed instance types %v is offered by the cloud", names)
	}
	for i, it := range sorted {
		sorted[i] = s.provider.AdjustInstanceType(it)
	}
	return sorted, nil
}
