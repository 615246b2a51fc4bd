// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package autoscaler runs the reconciliation loop and the warm
// buffer pool manager periodically, each under a lock shared by the
// replicas of the service, and serves the management API.
package autoscaler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"git.arvados.org/fleetscaler.git/lib/agent"
	"git.arvados.org/fleetscaler.git/lib/autoscaler/buffer"
	"git.arvados.org/fleetscaler.git/lib/autoscaler/cluster"
	"git.arvados.org/fleetscaler.git/lib/autoscaler/notify"
	"git.arvados.org/fleetscaler.git/lib/autoscaler/scaler"
	"git.arvados.org/fleetscaler.git/lib/cloud"
	"git.arvados.org/fleetscaler.git/lib/dblock"
	"git.arvados.org/fleetscaler.git/sdk/go/auth"
	"git.arvados.org/fleetscaler.git/sdk/go/ctxlog"
	"git.arvados.org/fleetscaler.git/sdk/go/fleet"
	"git.arvados.org/fleetscaler.git/sdk/go/health"
	"git.arvados.org/fleetscaler.git/sdk/go/httpserver"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	taskAutoscale = "autoscale"
	taskBuffer    = "buffer"

	// A task failing for longer than this many intervals makes
	// the service unhealthy.
	unhealthyIntervals = 3
)

// Service is a service.Handler. Its collaborators are set by the
// caller before Start.
type Service struct {
	Context   context.Context
	Config    *fleet.Config
	Registry  *prometheus.Registry
	Directory cloud.InstanceDirectory
	Agent     agent.Agent
	Provider  cluster.Provider
	Nodes     cluster.NodeManager
	Locker    dblock.Locker

	logger      logrus.FieldLogger
	notifier    *notify.LogNotifier
	scaler      *scaler.Scaler
	buffer      *buffer.Manager
	httpHandler http.Handler

	mtx        sync.Mutex
	tasks      map[string]*taskState
	lastPools  map[string]map[string]int
	setupOnce  sync.Once
	stop       chan struct{}
	stopped    chan struct{}
	mRuns      *prometheus.CounterVec
	mLastTicks *prometheus.GaugeVec
}

// taskState is the outcome of the recent runs of a periodic task.
type taskState struct {
	interval     time.Duration
	lastSuccess  time.Time
	failingSince time.Time
	lastError    string
}

// Start starts the periodic tasks. Start can be called multiple
// times with no ill effect.
func (s *Service) Start() {
	s.setupOnce.Do(s.setup)
}

// ServeHTTP implements service.Handler.
func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Start()
	s.httpHandler.ServeHTTP(w, r)
}

// CheckHealth implements service.Handler. It returns an error if a
// periodic task has been failing for longer than a few intervals.
func (s *Service) CheckHealth() error {
	for _, name := range []string{taskAutoscale, taskBuffer} {
		if err := s.taskHealth(name); err != nil {
			return fmt.Errorf("%s %w", name, err)
		}
	}
	return nil
}

// HealthChecks implements service.HealthReporter, with one check per
// periodic task.
func (s *Service) HealthChecks() health.Checks {
	return health.Checks{
		taskAutoscale: func() error { return s.taskHealth(taskAutoscale) },
		taskBuffer:    func() error { return s.taskHealth(taskBuffer) },
	}
}

func (s *Service) taskHealth(name string) error {
	s.Start()
	s.mtx.Lock()
	defer s.mtx.Unlock()
	st := s.tasks[name]
	if st.failingSince.IsZero() {
		return nil
	}
	if d := time.Since(st.failingSince); d > unhealthyIntervals*st.interval {
		return fmt.Errorf("failing for %s: %s", d.Round(time.Second), st.lastError)
	}
	return nil
}

// Done implements service.Handler.
func (s *Service) Done() <-chan struct{} {
	return s.stopped
}

// Close stops the periodic tasks and releases the locker. Typically
// used in tests.
func (s *Service) Close() {
	s.Start()
	select {
	case s.stop <- struct{}{}:
	default:
	}
	<-s.stopped
}

func (s *Service) setup() {
	s.initialize()
	go s.run()
}

func (s *Service) initialize() {
	s.logger = ctxlog.FromContext(s.Context)
	if s.Registry == nil {
		s.Registry = prometheus.NewRegistry()
	}
	s.stop = make(chan struct{}, 1)
	s.stopped = make(chan struct{})
	s.tasks = map[string]*taskState{
		taskAutoscale: {interval: s.Config.PollInterval.Duration()},
		taskBuffer:    {interval: s.Config.BufferPollInterval.Duration()},
	}

	s.mRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleetscaler",
		Subsystem: "autoscaler",
		Name:      "periodic_runs_total",
		Help:      "Number of runs of each periodic task, by outcome (success, fail, locked).",
	}, []string{"task", "outcome"})
	s.Registry.MustRegister(s.mRuns)
	s.mLastTicks = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fleetscaler",
		Subsystem: "autoscaler",
		Name:      "last_success_timestamp_seconds",
		Help:      "Time of the last successful run of each periodic task.",
	}, []string{"task"})
	s.Registry.MustRegister(s.mLastTicks)

	s.notifier = &notify.LogNotifier{Logger: s.logger.WithField("Component", "notify")}
	s.scaler = scaler.New(s.Context, s.Config, s.Directory, s.Agent, s.Provider, s.Nodes, s.notifier, s.Registry)
	s.buffer = buffer.New(s.Context, s.Config, s.Directory, s.Agent, s.Provider, s.Registry)

	if s.Config.ManagementToken == "" {
		s.httpHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "Management API authentication is not configured", http.StatusForbidden)
		})
	} else {
		mux := httprouter.New()
		mux.HandlerFunc("GET", "/fleetscaler/v1/status", s.apiStatus)
		mux.Handler("GET", "/metrics", httpserver.MetricsHandler(s.Registry, s.logger))
		mux.Handler("GET", "/_health/:check", &health.Handler{
			Token:  s.Config.ManagementToken,
			Checks: s.HealthChecks(),
			Logger: s.logger,
		})
		s.httpHandler = auth.RequireLiteralToken(s.Config.ManagementToken, mux)
	}
}

func (s *Service) run() {
	defer close(s.stopped)
	defer s.Locker.Close()

	ctx, cancel := context.WithCancel(s.Context)
	defer cancel()
	var wg sync.WaitGroup
	for name, fn := range map[string]func(context.Context) error{
		taskAutoscale: s.autoscale,
		taskBuffer:    s.reconcileBuffers,
	} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.runPeriodic(ctx, name, fn)
		}()
	}
	select {
	case <-s.stop:
	case <-s.Context.Done():
	}
	cancel()
	wg.Wait()
}

func (s *Service) autoscale(ctx context.Context) error {
	_, err := s.scaler.Tick(ctx)
	return err
}

func (s *Service) reconcileBuffers(ctx context.Context) error {
	pools, err := s.buffer.Tick(ctx)
	if err != nil {
		return err
	}
	counts := map[string]map[string]int{}
	for it, p := range pools {
		counts[it] = p.Counts()
	}
	s.mtx.Lock()
	s.lastPools = counts
	s.mtx.Unlock()
	return nil
}

// runPeriodic calls fn every interval until ctx is done, skipping
// the runs where another replica holds the task's lock.
func (s *Service) runPeriodic(ctx context.Context, name string, fn func(context.Context) error) {
	s.mtx.Lock()
	interval := s.tasks[name].interval
	s.mtx.Unlock()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		s.runOnce(ctx, name, fn)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// runOnce runs fn once if the task's lock is free. Stopping the
// service does not cancel a run in progress, only TickTimeout does.
func (s *Service) runOnce(ctx context.Context, name string, fn func(context.Context) error) {
	logger := s.logger.WithField("Task", name)
	lock := lockName(name, s.Config)
	release, ok, err := s.Locker.TryLock(ctx, lock)
	if err != nil {
		if ctx.Err() == nil {
			logger.WithError(err).Error("error acquiring lock")
			s.record(name, err)
		}
		return
	}
	if !ok {
		logger.WithField("Lock", lock).Debug("lock held by another process, skipping")
		s.mRuns.WithLabelValues(name, "locked").Inc()
		return
	}
	defer release()

	runCtx := context.WithoutCancel(ctx)
	if timeout := s.Config.TickTimeout.Duration(); timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, timeout)
		defer cancel()
	}
	err = fn(ctxlog.Context(runCtx, logger))
	if err != nil {
		logger.WithError(err).Error("periodic task failed")
	}
	s.record(name, err)
}

func (s *Service) record(name string, err error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	st := s.tasks[name]
	now := time.Now()
	if err != nil {
		if st.failingSince.IsZero() {
			st.failingSince = now
		}
		st.lastError = err.Error()
		s.mRuns.WithLabelValues(name, "fail").Inc()
		return
	}
	st.lastSuccess = now
	st.failingSince = time.Time{}
	st.lastError = ""
	s.mRuns.WithLabelValues(name, "success").Inc()
	s.mLastTicks.WithLabelValues(name).Set(float64(now.UnixNano()) / 1e9)
}

type taskStatus struct {
	LastSuccess  *time.Time `json:"last_success,omitempty"`
	FailingSince *time.Time `json:"failing_since,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
}

type statusResponse struct {
	Cluster *notify.Status            `json:"cluster"`
	Buffer  map[string]map[string]int `json:"buffer"`
	Tasks   map[string]taskStatus     `json:"tasks"`
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// Management API: last cluster status report, warm buffer pool
// sizes, and outcome of the periodic tasks.
func (s *Service) apiStatus(w http.ResponseWriter, r *http.Request) {
	var resp statusResponse
	if st, ok := s.notifier.LastStatus(); ok {
		resp.Cluster = &st
	}
	s.mtx.Lock()
	resp.Buffer = s.lastPools
	resp.Tasks = map[string]taskStatus{}
	for name, st := range s.tasks {
		resp.Tasks[name] = taskStatus{
			LastSuccess:  timePtr(st.lastSuccess),
			FailingSince: timePtr(st.failingSince),
			LastError:    st.lastError,
		}
	}
	s.mtx.Unlock()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		httpserver.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
