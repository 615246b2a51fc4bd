// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package notify reports autoscaling progress to the owners of
// waiting tasks and to operators.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"git.arvados.org/fleetscaler.git/lib/autoscaler/cluster"
	"git.arvados.org/fleetscaler.git/sdk/go/fleet"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

// A Notifier publishes human readable messages about tasks, and the
// status of the cluster.
type Notifier interface {
	TaskLog(ctx context.Context, tasks []cluster.Task, level logrus.Level, msg string)
	// TaskProgress reports progress between 0 and 1.
	TaskProgress(ctx context.Context, tasks []cluster.Task, msg string, progress float64)
	ClusterStatus(ctx context.Context, st Status)
}

// Status summarizes the cluster after a tick.
type Status struct {
	Time time.Time `json:"time"`
	// Nodes that can run tasks: active, drained and hot buffer.
	MonitoredNodes int             `json:"monitored_nodes"`
	Total          fleet.Resources `json:"total"`
	Used           fleet.Resources `json:"used"`
	// Number of instances in each partition of the cluster.
	Instances map[string]int `json:"instances"`
	// Instances counted against the maximum.
	Machines    int `json:"machines"`
	MaxMachines int `json:"max_machines"`
}

func (st Status) String() string {
	return fmt.Sprintf("%d nodes, %g/%g cpus, %s/%s ram, %d/%d machines",
		st.MonitoredNodes,
		st.Used.VCPUs, st.Total.VCPUs,
		humanize.IBytes(uint64(st.Used.RAM)), humanize.IBytes(uint64(st.Total.RAM)),
		st.Machines, st.MaxMachines)
}

// NewStatus returns the status of cl given the resources reported by
// the backend.
func NewStatus(cl *cluster.Cluster, total, used fleet.Resources, maxMachines int, now time.Time) Status {
	return Status{
		Time:           now,
		MonitoredNodes: len(cl.ActiveNodes) + len(cl.DrainedNodes) + len(cl.HotBufferDrainedNodes),
		Total:          total,
		Used:           used,
		Instances:      cl.Counts(),
		Machines:       cl.TotalMachines(),
		MaxMachines:    maxMachines,
	}
}

// FormatMMSS formats d as minutes and seconds, like "03:05".
func FormatMMSS(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int(d.Round(time.Second).Seconds())
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}

// LogNotifier writes task messages and status reports to a logger,
// and keeps the last status report.
type LogNotifier struct {
	Logger logrus.FieldLogger

	mtx  sync.Mutex
	last *Status
}

func (n *LogNotifier) TaskLog(ctx context.Context, tasks []cluster.Task, level logrus.Level, msg string) {
	for _, t := range tasks {
		n.Logger.WithField("TaskID", t.TaskID()).Log(level, msg)
	}
}

func (n *LogNotifier) TaskProgress(ctx context.Context, tasks []cluster.Task, msg string, progress float64) {
	for _, t := range tasks {
		n.Logger.WithFields(logrus.Fields{
			"TaskID":   t.TaskID(),
			"Progress": fmt.Sprintf("%.2f", progress),
		}).Info(msg)
	}
}

func (n *LogNotifier) ClusterStatus(ctx context.Context, st Status) {
	n.mtx.Lock()
	n.last = &st
	n.mtx.Unlock()
	n.Logger.WithFields(logrus.Fields{
		"Instances": st.Instances,
	}).Infof("cluster status: %s", st)
}

// LastStatus returns the last status report, and false if there has
// not been any.
func (n *LogNotifier) LastStatus() (Status, bool) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	if n.last == nil {
		return Status{}, false
	}
	return *n.last, true
}
