// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package autoscaler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"git.arvados.org/fleetscaler.git/lib/autoscaler/tags"
	"git.arvados.org/fleetscaler.git/lib/autoscaler/test"
	"git.arvados.org/fleetscaler.git/lib/cloud"
	"git.arvados.org/fleetscaler.git/lib/cloud/loopback"
	"git.arvados.org/fleetscaler.git/lib/dblock"
	"git.arvados.org/fleetscaler.git/sdk/go/ctxlog"
	"git.arvados.org/fleetscaler.git/sdk/go/fleet"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	check "gopkg.in/check.v1"
)

func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&ServiceSuite{})

type ServiceSuite struct {
	ctx      context.Context
	cancel   context.CancelFunc
	cfg      *fleet.Config
	dir      *loopback.Directory
	nodes    *test.StubNodeManager
	provider *test.StubProvider
	locker   dblock.Locker
}

func (s *ServiceSuite) SetUpTest(c *check.C) {
	s.ctx, s.cancel = context.WithCancel(ctxlog.Context(context.Background(), ctxlog.TestLogger(c)))
	s.cfg = &fleet.Config{
		ManagementToken:    "xyzzy",
		PollInterval:       fleet.Duration(10 * time.Millisecond),
		BufferPollInterval: fleet.Duration(10 * time.Millisecond),
		TickTimeout:        fleet.Duration(time.Second),
		EC2Instances: fleet.EC2InstancesConfig{
			AllowedTypes: []fleet.AllowedType{
				{Name: "t3.medium", AMIID: "ami-medium"},
			},
			SubnetIDs:                  []string{"subnet-1"},
			MaxInstances:               10,
			MaxStartTime:               fleet.Duration(10 * time.Minute),
			TimeBeforeDraining:         fleet.Duration(5 * time.Minute),
			TimeBeforeTermination:      fleet.Duration(60 * time.Minute),
			TimeBeforeFinalTermination: fleet.Duration(time.Minute),
		},
		Backend: fleet.BackendConfig{
			Mode: fleet.ModeSwarm,
			Swarm: fleet.SwarmConfig{
				NodeLabels: []string{"io.fleetscaler.pool", "io.fleetscaler.az"},
			},
		},
	}
	s.dir = loopback.NewDirectory(test.InstanceType("t3.medium", 2, 4))
	s.nodes = &test.StubNodeManager{}
	s.provider = &test.StubProvider{
		Nodes:     s.nodes,
		Tags:      cloud.InstanceTags{tags.KeyName: "fleet", tags.KeyVersion: tags.Version},
		NewLabels: map[string]string{"io.fleetscaler.pool": "test"},
		Used:      map[string]fleet.Resources{},
		Retired:   map[string]bool{},
	}
	s.locker = dblock.NewLocal(ctxlog.TestLogger(c))
}

func (s *ServiceSuite) TearDownTest(c *check.C) {
	s.cancel()
}

func (s *ServiceSuite) service() *Service {
	return &Service{
		Context:   s.ctx,
		Config:    s.cfg,
		Registry:  prometheus.NewRegistry(),
		Directory: s.dir,
		Agent:     &test.StubAgent{},
		Provider:  s.provider,
		Nodes:     s.nodes,
		Locker:    s.locker,
	}
}

// waitFor polls cond until it returns true or a few seconds pass.
func waitFor(c *check.C, cond func() bool) {
	for deadline := time.Now().Add(5 * time.Second); time.Now().Before(deadline); time.Sleep(5 * time.Millisecond) {
		if cond() {
			return
		}
	}
	c.Fatal("timed out")
}

func (s *ServiceSuite) TestLockName(c *check.C) {
	c.Check(lockName("autoscale", s.cfg), check.Equals, "fleetscaler-autoscale:io.fleetscaler.az,io.fleetscaler.pool")
	s.cfg.Backend.Mode = fleet.ModeDask
	s.cfg.Backend.Dask.SchedulerURL = "http://dask.internal:8787"
	c.Check(lockName("buffer", s.cfg), check.Equals, "fleetscaler-buffer:http://dask.internal:8787")
}

func (s *ServiceSuite) TestTicks(c *check.C) {
	svc := s.service()
	defer svc.Close()
	svc.Start()
	waitFor(c, func() bool {
		return testutil.ToFloat64(svc.mRuns.WithLabelValues(taskAutoscale, "success")) >= 2 &&
			testutil.ToFloat64(svc.mRuns.WithLabelValues(taskBuffer, "success")) >= 2
	})
	c.Check(svc.CheckHealth(), check.IsNil)
	st, ok := svc.notifier.LastStatus()
	c.Check(ok, check.Equals, true)
	c.Check(st.MaxMachines, check.Equals, 10)
}

func (s *ServiceSuite) TestSkipWhenLocked(c *check.C) {
	release, ok, err := s.locker.TryLock(s.ctx, lockName(taskAutoscale, s.cfg))
	c.Assert(err, check.IsNil)
	c.Assert(ok, check.Equals, true)

	svc := s.service()
	defer svc.Close()
	svc.Start()
	waitFor(c, func() bool {
		return testutil.ToFloat64(svc.mRuns.WithLabelValues(taskAutoscale, "locked")) >= 2 &&
			testutil.ToFloat64(svc.mRuns.WithLabelValues(taskBuffer, "success")) >= 1
	})
	c.Check(testutil.ToFloat64(svc.mRuns.WithLabelValues(taskAutoscale, "success")), check.Equals, 0.0)
	_, ok = svc.notifier.LastStatus()
	c.Check(ok, check.Equals, false)

	release()
	waitFor(c, func() bool {
		return testutil.ToFloat64(svc.mRuns.WithLabelValues(taskAutoscale, "success")) >= 1
	})
}

func (s *ServiceSuite) TestUnhealthyWhenFailing(c *check.C) {
	s.provider.NodesErr = errors.New("docker is down")
	svc := s.service()
	defer svc.Close()
	svc.Start()
	waitFor(c, func() bool {
		return testutil.ToFloat64(svc.mRuns.WithLabelValues(taskAutoscale, "fail")) >= 1
	})
	waitFor(c, func() bool { return svc.CheckHealth() != nil })
	c.Check(svc.CheckHealth(), check.ErrorMatches, `autoscale failing for .*docker is down`)
}

func (s *ServiceSuite) TestHealthChecksPerTask(c *check.C) {
	s.provider.NodesErr = errors.New("docker is down")
	svc := s.service()
	defer svc.Close()
	svc.Start()
	checks := svc.HealthChecks()
	waitFor(c, func() bool { return checks[taskAutoscale]() != nil })
	c.Check(checks[taskAutoscale](), check.ErrorMatches, `failing for .*: .*docker is down`)
	c.Check(checks[taskBuffer](), check.IsNil)

	req := httptest.NewRequest("GET", "/_health/buffer", nil)
	req.Header.Set("Authorization", "Bearer xyzzy")
	resp := httptest.NewRecorder()
	svc.ServeHTTP(resp, req)
	c.Check(resp.Code, check.Equals, http.StatusOK)

	req = httptest.NewRequest("GET", "/_health/ping", nil)
	req.Header.Set("Authorization", "Bearer xyzzy")
	resp = httptest.NewRecorder()
	svc.ServeHTTP(resp, req)
	c.Check(resp.Code, check.Equals, http.StatusServiceUnavailable)
	c.Check(resp.Body.String(), check.Matches, `.*"components":\{"autoscale":"ERROR","buffer":"OK"\}.*\n`)
}

// blockingDirectory blocks the first InstanceTypes call until
// unblock is closed, and records whether its context was cancelled
// by then.
type blockingDirectory struct {
	cloud.InstanceDirectory
	once       sync.Once
	entered    chan struct{}
	unblock    chan struct{}
	ctxErr     error
	blockedRan bool
}

func (d *blockingDirectory) InstanceTypes(ctx context.Context, names []string) ([]fleet.InstanceType, error) {
	block := false
	d.once.Do(func() { block = true })
	if block {
		close(d.entered)
		<-d.unblock
		d.ctxErr = ctx.Err()
		d.blockedRan = true
	}
	return d.InstanceDirectory.InstanceTypes(ctx, names)
}

func (s *ServiceSuite) TestStopWaitsForRunningTick(c *check.C) {
	dir := &blockingDirectory{
		InstanceDirectory: s.dir,
		entered:           make(chan struct{}),
		unblock:           make(chan struct{}),
	}
	svc := s.service()
	svc.Directory = dir
	svc.Start()
	<-dir.entered

	closed := make(chan struct{})
	go func() {
		svc.Close()
		close(closed)
	}()
	select {
	case <-closed:
		c.Fatal("service stopped while a tick was running")
	case <-time.After(100 * time.Millisecond):
	}
	close(dir.unblock)
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		c.Fatal("service did not stop after the tick finished")
	}
	c.Check(dir.blockedRan, check.Equals, true)
	c.Check(dir.ctxErr, check.IsNil)
	c.Check(testutil.ToFloat64(svc.mRuns.WithLabelValues(taskAutoscale, "fail")), check.Equals, 0.0)
	c.Check(testutil.ToFloat64(svc.mRuns.WithLabelValues(taskBuffer, "fail")), check.Equals, 0.0)
}

func (s *ServiceSuite) TestManagementAPI(c *check.C) {
	svc := s.service()
	defer svc.Close()
	svc.Start()
	waitFor(c, func() bool {
		return testutil.ToFloat64(svc.mRuns.WithLabelValues(taskAutoscale, "success")) >= 1 &&
			testutil.ToFloat64(svc.mRuns.WithLabelValues(taskBuffer, "success")) >= 1
	})

	for _, trial := range []struct {
		path   string
		token  string
		status int
	}{
		{"/fleetscaler/v1/status", "", http.StatusUnauthorized},
		{"/fleetscaler/v1/status", "wrong", http.StatusForbidden},
		{"/fleetscaler/v1/status", "xyzzy", http.StatusOK},
		{"/metrics", "xyzzy", http.StatusOK},
		{"/_health/ping", "xyzzy", http.StatusOK},
		{"/nonexistent", "xyzzy", http.StatusNotFound},
	} {
		req := httptest.NewRequest("GET", trial.path, nil)
		if trial.token != "" {
			req.Header.Set("Authorization", "Bearer "+trial.token)
		}
		resp := httptest.NewRecorder()
		svc.ServeHTTP(resp, req)
		c.Check(resp.Code, check.Equals, trial.status, check.Commentf("%s %q", trial.path, trial.token))
	}

	req := httptest.NewRequest("GET", "/fleetscaler/v1/status", nil)
	req.Header.Set("Authorization", "Bearer xyzzy")
	resp := httptest.NewRecorder()
	svc.ServeHTTP(resp, req)
	var status struct {
		Cluster *struct {
			MaxMachines int `json:"max_machines"`
		} `json:"cluster"`
		Tasks map[string]struct {
			LastSuccess *time.Time `json:"last_success"`
			LastError   string     `json:"last_error"`
		} `json:"tasks"`
	}
	c.Assert(json.Unmarshal(resp.Body.Bytes(), &status), check.IsNil)
	c.Assert(status.Cluster, check.NotNil)
	c.Check(status.Cluster.MaxMachines, check.Equals, 10)
	c.Check(status.Tasks[taskAutoscale].LastSuccess, check.NotNil)
	c.Check(status.Tasks[taskBuffer].LastSuccess, check.NotNil)

	req = httptest.NewRequest("GET", "/metrics", nil)
	req.Header.Set("Authorization", "Bearer xyzzy")
	resp = httptest.NewRecorder()
	svc.ServeHTTP(resp, req)
	c.Check(resp.Body.String(), check.Matches, `(?ms).*fleetscaler_autoscaler_periodic_runs_total\{outcome="success",task="autoscale"\} .*`)
}

func (s *ServiceSuite) TestManagementAPIDisabled(c *check.C) {
	s.cfg.ManagementToken = ""
	svc := s.service()
	defer svc.Close()
	req := httptest.NewRequest("GET", "/fleetscaler/v1/status", nil)
	resp := httptest.NewRecorder()
	svc.ServeHTTP(resp, req)
	c.Check(resp.Code, check.Equals, http.StatusForbidden)
}

func (s *ServiceSuite) TestStopOnContextDone(c *check.C) {
	svc := s.service()
	svc.Start()
	s.cancel()
	select {
	case <-svc.Done():
	case <-time.After(5 * time.Second):
		c.Error("service did not stop")
	}
}
