// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package test

import (
	"context"
	"sync"

	"git.arvados.org/fleetscaler.git/lib/autoscaler/cluster"
	"git.arvados.org/fleetscaler.git/lib/autoscaler/notify"
	"github.com/sirupsen/logrus"
)

// TaskMessage is a message sent to the owners of some tasks.
type TaskMessage struct {
	TaskIDs  []string
	Level    logrus.Level
	Message  string
	Progress float64
}

// RecordingNotifier is a notify.Notifier that keeps everything it
// is told.
type RecordingNotifier struct {
	logs     []TaskMessage
	progress []TaskMessage
	statuses []notify.Status
	mtx      sync.Mutex
}

func taskIDs(tasks []cluster.Task) []string {
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.TaskID())
	}
	return ids
}

func (n *RecordingNotifier) TaskLog(ctx context.Context, tasks []cluster.Task, level logrus.Level, msg string) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	n.logs = append(n.logs, TaskMessage{TaskIDs: taskIDs(tasks), Level: level, Message: msg})
}

func (n *RecordingNotifier) TaskProgress(ctx context.Context, tasks []cluster.Task, msg string, progress float64) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	n.progress = append(n.progress, TaskMessage{TaskIDs: taskIDs(tasks), Level: logrus.InfoLevel, Message: msg, Progress: progress})
}

func (n *RecordingNotifier) ClusterStatus(ctx context.Context, st notify.Status) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	n.statuses = append(n.statuses, st)
}

// Logs returns the task log messages so far.
func (n *RecordingNotifier) Logs() []TaskMessage {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return append([]TaskMessage(nil), n.logs...)
}

// Messages returns the text of the task log messages so far.
func (n *RecordingNotifier) Messages() []string {
	var msgs []string
	for _, m := range n.Logs() {
		msgs = append(msgs, m.Message)
	}
	return msgs
}

// Progress returns the progress reports so far.
func (n *RecordingNotifier) Progress() []TaskMessage {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return append([]TaskMessage(nil), n.progress...)
}

// Statuses returns the cluster status reports so far.
func (n *RecordingNotifier) Statuses() []notify.Status {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	return append([]notify.Status(nil), n.statuses...)
}

// Reset forgets everything recorded so far.
func (n *RecordingNotifier) Reset() {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	n.logs, n.progress, n.statuses = nil, nil, nil
}
