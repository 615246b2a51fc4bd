// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package autoscaler

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"git.arvados.org/fleetscaler.git/lib/agent/ssm"
	"git.arvados.org/fleetscaler.git/lib/autoscaler/cluster"
	"git.arvados.org/fleetscaler.git/lib/autoscaler/dask"
	"git.arvados.org/fleetscaler.git/lib/autoscaler/swarm"
	"git.arvados.org/fleetscaler.git/lib/cloud"
	"git.arvados.org/fleetscaler.git/lib/cloud/ec2"
	"git.arvados.org/fleetscaler.git/lib/cmd"
	"git.arvados.org/fleetscaler.git/lib/dblock"
	"git.arvados.org/fleetscaler.git/lib/service"
	"git.arvados.org/fleetscaler.git/sdk/go/ctxlog"
	"git.arvados.org/fleetscaler.git/sdk/go/fleet"
	"github.com/prometheus/client_golang/prometheus"
)

var Command cmd.Handler = service.Command("fleetscaler", newHandler)

func newHandler(ctx context.Context, cfg *fleet.Config, reg *prometheus.Registry) service.Handler {
	logger := ctxlog.FromContext(ctx)
	docker, err := swarm.NewClient(cfg.Backend.Swarm)
	if err != nil {
		return service.ErrorHandler(ctx, fmt.Errorf("error initializing docker client: %w", err))
	}
	var provider cluster.Provider
	ping := func(ctx context.Context) error {
		_, err := docker.Info(ctx)
		return err
	}
	switch cfg.Backend.Mode {
	case fleet.ModeDask:
		client := dask.NewClient(cfg.Backend.Dask.SchedulerURL, cfg.Backend.Dask.AuthToken, logger.WithField("Component", "dask"))
		provider = dask.NewProvider(ctx, cfg, client, docker)
		dockerPing := ping
		ping = func(ctx context.Context) error {
			if err := dockerPing(ctx); err != nil {
				return err
			}
			_, err := client.Workers(ctx)
			return err
		}
	default:
		provider = swarm.NewProvider(ctx, cfg, docker)
	}
	dir, err := ec2.New(ctx, cfg.EC2Access, logger, reg)
	if err != nil {
		return service.ErrorHandler(ctx, fmt.Errorf("error initializing EC2 client: %w", err))
	}
	agt, err := ssm.New(ctx, cfg.SSMAccess, logger, reg)
	if err != nil {
		return service.ErrorHandler(ctx, fmt.Errorf("error initializing SSM client: %w", err))
	}
	locker, err := dblock.New(ctx, cfg.Lock, logger)
	if err != nil {
		return service.ErrorHandler(ctx, fmt.Errorf("error initializing lock driver: %w", err))
	}
	if err := ping(ctx); err != nil {
		locker.Close()
		return service.ErrorHandler(ctx, fmt.Errorf("backend is not reachable: %w", err))
	}
	s := &Service{
		Context:   ctx,
		Config:    cfg,
		Registry:  reg,
		Directory: cloud.NewThrottledDirectory(dir, logger),
		Agent:     agt,
		Provider:  provider,
		Nodes:     swarm.NewNodeManager(ctx, cfg, docker),
		Locker:    locker,
	}
	go s.Start()
	return s
}

// lockName returns the name of the lock of a periodic task. Replicas
// monitoring the same nodes or the same scheduler share the lock.
func lockName(task string, cfg *fleet.Config) string {
	var what string
	if cfg.Backend.Mode == fleet.ModeDask {
		what = cfg.Backend.Dask.SchedulerURL
	} else {
		labels := append([]string(nil), cfg.Backend.Swarm.NodeLabels...)
		sort.Strings(labels)
		what = strings.Join(labels, ",")
	}
	return fmt.Sprintf("fleetscaler-%s:%s", task, what)
}
