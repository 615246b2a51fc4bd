// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package scaler

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"git.arvados.org/fleetscaler.git/lib/agent"
	"git.arvados.org/fleetscaler.git/lib/autoscaler/bootscript"
	"git.arvados.org/fleetscaler.git/lib/autoscaler/cluster"
	"git.arvados.org/fleetscaler.git/lib/autoscaler/tags"
	"git.arvados.org/fleetscaler.git/lib/autoscaler/test"
	"git.arvados.org/fleetscaler.git/lib/cloud"
	"git.arvados.org/fleetscaler.git/lib/cloud/loopback"
	"git.arvados.org/fleetscaler.git/sdk/go/ctxlog"
	"git.arvados.org/fleetscaler.git/sdk/go/fleet"
	"git.arvados.org/fleetscaler.git/sdk/go/fleettest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	check "gopkg.in/check.v1"
)

func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&ScalerSuite{})

var (
	typeHot   = test.InstanceType("t3.medium", 2, 4)
	typeLarge = test.InstanceType("t3.xlarge", 4, 16)
	baseTags  = cloud.InstanceTags{tags.KeyName: "fleet", tags.KeyVersion: tags.Version}
	newLabels = map[string]string{"io.fleetscaler.pool": "test"}
)

type ScalerSuite struct {
	ctx      context.Context
	now      time.Time
	cfg      *fleet.Config
	dir      *loopback.Directory
	agent    *test.StubAgent
	nodes    *test.StubNodeManager
	provider *test.StubProvider
	notifier *test.RecordingNotifier
	reg      *prometheus.Registry
}

func (s *ScalerSuite) SetUpTest(c *check.C) {
	s.ctx = ctxlog.Context(context.Background(), ctxlog.TestLogger(c))
	s.now = time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	s.cfg = &fleet.Config{
		EC2Instances: fleet.EC2InstancesConfig{
			AllowedTypes: []fleet.AllowedType{
				{Name: "t3.medium", AMIID: "ami-medium"},
				{Name: "t3.xlarge", AMIID: "ami-xlarge"},
			},
			KeyName:                    "fleet-key",
			SubnetIDs:                  []string{"subnet-1"},
			MaxInstances:               10,
			MaxStartTime:               fleet.Duration(10 * time.Minute),
			TimeBeforeDraining:         fleet.Duration(5 * time.Minute),
			TimeBeforeTermination:      fleet.Duration(60 * time.Minute),
			TimeBeforeFinalTermination: fleet.Duration(time.Minute),
		},
	}
	s.dir = loopback.NewDirectory(typeHot, typeLarge)
	s.dir.Now = s.clock
	s.agent = &test.StubAgent{}
	s.nodes = &test.StubNodeManager{Now: s.clock}
	s.provider = &test.StubProvider{
		Nodes:     s.nodes,
		Tags:      baseTags,
		NewLabels: newLabels,
		Used:      map[string]fleet.Resources{},
		Retired:   map[string]bool{},
	}
	s.notifier = &test.RecordingNotifier{}
	s.reg = prometheus.NewRegistry()
}

func (s *ScalerSuite) clock() time.Time {
	return s.now
}

func (s *ScalerSuite) scaler() *Scaler {
	sc := New(s.ctx, s.cfg, s.dir, s.agent, s.provider, s.nodes, s.notifier, prometheus.NewRegistry())
	sc.now = s.clock
	return sc
}

func (s *ScalerSuite) tick(c *check.C) *cluster.Cluster {
	cl, err := s.scaler().Tick(s.ctx)
	c.Assert(err, check.IsNil)
	return cl
}

// addNode adds a running instance with a monitored node, ready or
// drained since lastChange.
func (s *ScalerSuite) addNode(typeName string, ready bool, lastChange time.Time) (cloud.InstanceData, cluster.Node) {
	inst := s.dir.Add(typeName, cloud.StateRunning, baseTags, s.now.Add(-2*time.Hour))
	n := s.nodes.Join(inst)
	n.Labels = cluster.ReadyLabels(newLabels, ready, lastChange)
	if ready {
		n.Availability = cluster.AvailabilityActive
	}
	return inst, s.nodes.AddNode(n)
}

func (s *ScalerSuite) node(c *check.C, inst cloud.InstanceData) cluster.Node {
	hostname, err := cluster.NodeHostname(inst)
	c.Assert(err, check.IsNil)
	n, ok := s.nodes.Node(hostname)
	c.Assert(ok, check.Equals, true)
	return n
}

func (s *ScalerSuite) instance(c *check.C, inst cloud.InstanceData) cloud.InstanceData {
	got, ok := s.dir.Get(inst.ID)
	c.Assert(ok, check.Equals, true)
	return got
}

func taskIDs(ais []*cluster.AssociatedInstance) []string {
	var ids []string
	for _, ai := range ais {
		for _, t := range ai.AssignedTasks {
			ids = append(ids, t.TaskID())
		}
	}
	return ids
}

func (s *ScalerSuite) TestScaleUpFromEmpty(c *check.C) {
	s.provider.SetTasks(test.Task(1, 1, 2), test.Task(2, 1, 2))
	cl := s.tick(c)

	launches := s.dir.Launches()
	c.Assert(launches, check.HasLen, 1)
	c.Check(launches[0].Config.Type.Name, check.Equals, "t3.medium")
	c.Check(launches[0].Config.AMIID, check.Equals, "ami-medium")
	c.Check(launches[0].Config.KeyName, check.Equals, "fleet-key")
	c.Check(launches[0].Config.Tags, check.DeepEquals, baseTags)
	c.Check(launches[0].Config.StartupScript, check.Matches, `(?s).*docker swarm join --token STUBTOKEN.*`)
	c.Check(launches[0].Instances, check.HasLen, 1)
	c.Check(cl.PendingEC2s, check.HasLen, 1)
	c.Check(s.notifier.Messages(), check.DeepEquals, []string{
		msgScalingUp,
		"1 new machines launched, it might take up to 10:00 minutes to start, Please wait...",
	})
	c.Check(s.notifier.Progress(), check.HasLen, 0)

	// The tasks now wait for the new instance.
	s.notifier.Reset()
	s.now = s.now.Add(2 * time.Minute)
	cl = s.tick(c)
	c.Check(s.dir.Launches(), check.HasLen, 1)
	c.Assert(cl.PendingEC2s, check.HasLen, 1)
	c.Check(cl.PendingEC2s[0].AssignedTasks, check.HasLen, 2)
	progress := s.notifier.Progress()
	c.Assert(progress, check.HasLen, 1)
	c.Check(progress[0].TaskIDs, check.DeepEquals, []string{test.TaskID(1), test.TaskID(2)})
	c.Check(progress[0].Message, check.Equals, "waiting for machine to join cluster (time waiting: 02:00, est. remaining time: 08:00)...please wait...")
	c.Check(progress[0].Progress, check.Equals, 0.2)
}

func (s *ScalerSuite) TestReuseDrainedNode(c *check.C) {
	inst, _ := s.addNode("t3.xlarge", false, s.now.Add(-10*time.Minute))
	s.provider.SetTasks(test.Task(1, 2, 4))
	cl := s.tick(c)

	c.Check(s.dir.Launches(), check.HasLen, 0)
	c.Check(cl.DrainedNodes, check.HasLen, 0)
	c.Assert(cl.ActiveNodes, check.HasLen, 1)
	c.Check(taskIDs(cl.ActiveNodes), check.DeepEquals, []string{test.TaskID(1)})
	c.Check(cluster.IsNodeReady(s.node(c, inst)), check.Equals, true)
	c.Check(s.notifier.Messages(), check.DeepEquals, []string{msgClusterAdjusted})
	progress := s.notifier.Progress()
	c.Assert(progress, check.HasLen, 1)
	c.Check(progress[0].Progress, check.Equals, 1.0)
	c.Check(s.provider.RetireCalls(), check.Equals, 0)
}

func (s *ScalerSuite) TestScaleDown(c *check.C) {
	t0 := s.now
	inst, _ := s.addNode("t3.xlarge", true, t0.Add(-time.Hour))

	// First found empty.
	cl := s.tick(c)
	c.Check(cl.ActiveNodes, check.HasLen, 1)
	c.Check(s.provider.RetireCalls(), check.Equals, 1)
	since, empty, err := cluster.EmptySince(s.node(c, inst))
	c.Check(err, check.IsNil)
	c.Check(empty, check.Equals, true)
	c.Check(since.Equal(t0), check.Equals, true)

	// Not empty for long enough.
	s.now = t0.Add(3 * time.Minute)
	cl = s.tick(c)
	c.Check(cl.ActiveNodes, check.HasLen, 1)
	c.Check(cl.DrainedNodes, check.HasLen, 0)

	s.now = t0.Add(6 * time.Minute)
	cl = s.tick(c)
	c.Check(cl.ActiveNodes, check.HasLen, 0)
	c.Check(cl.DrainedNodes, check.HasLen, 1)
	c.Check(cluster.IsNodeDrained(s.node(c, inst)), check.Equals, true)

	// Drained for longer than TimeBeforeTermination.
	s.now = t0.Add(67 * time.Minute)
	cl = s.tick(c)
	c.Check(cl.DrainedNodes, check.HasLen, 0)
	c.Check(cl.TerminatingNodes, check.HasLen, 1)
	c.Check(s.instance(c, inst).State, check.Equals, cloud.StateRunning)

	s.now = t0.Add(69 * time.Minute)
	cl = s.tick(c)
	c.Check(cl.TerminatingNodes, check.HasLen, 0)
	c.Check(cl.TerminatedInstances, check.HasLen, 1)
	c.Check(s.instance(c, inst).State, check.Equals, cloud.StateTerminated)
	c.Check(s.nodes.Removed(), check.HasLen, 1)
}

func (s *ScalerSuite) TestBusyNodeLosesFoundEmptyLabel(c *check.C) {
	inst, n := s.addNode("t3.xlarge", true, s.now.Add(-time.Hour))
	n.Labels = cluster.FoundEmptyLabels(n.Labels, true, s.now.Add(-time.Hour))
	s.nodes.AddNode(n)
	s.provider.Used[n.Hostname] = fleet.Resources{VCPUs: 1, RAM: 1 << 30}
	s.provider.SetTasks(test.Task(1, 1, 1))

	cl := s.tick(c)
	c.Check(cl.ActiveNodes, check.HasLen, 1)
	_, empty, _ := cluster.EmptySince(s.node(c, inst))
	c.Check(empty, check.Equals, false)
	c.Check(s.dir.Launches(), check.HasLen, 0)
}

func (s *ScalerSuite) TestMarkOldDrainedNodeForTermination(c *check.C) {
	inst, _ := s.addNode("t3.xlarge", false, s.now.Add(-70*time.Minute))
	cl := s.tick(c)
	c.Check(cl.DrainedNodes, check.HasLen, 0)
	c.Assert(cl.TerminatingNodes, check.HasLen, 1)
	_, started, _ := cluster.TerminationStartedSince(s.node(c, inst))
	c.Check(started, check.Equals, true)
	c.Check(s.instance(c, inst).State, check.Equals, cloud.StateRunning)
}

func (s *ScalerSuite) TestDrainedNodeWithoutChangeTime(c *check.C) {
	inst, n := s.addNode("t3.xlarge", false, s.now)
	delete(n.Labels, cluster.LabelServicesReadyLastChanged)
	s.nodes.AddNode(n)

	cl := s.tick(c)
	c.Check(cl.TerminatingNodes, check.HasLen, 0)
	c.Check(cl.DrainedNodes, check.HasLen, 1)
	changed, found, err := cluster.LastReadinessChange(s.node(c, inst))
	c.Check(err, check.IsNil)
	c.Check(found, check.Equals, true)
	c.Check(changed.Equal(s.now), check.Equals, true)
	c.Check(cluster.IsNodeDrained(s.node(c, inst)), check.Equals, true)

	s.now = s.now.Add(30 * time.Minute)
	cl = s.tick(c)
	c.Check(cl.TerminatingNodes, check.HasLen, 0)

	s.now = s.now.Add(31 * time.Minute)
	cl = s.tick(c)
	c.Check(cl.TerminatingNodes, check.HasLen, 1)
}

func (s *ScalerSuite) TestKeepHotBuffer(c *check.C) {
	s.cfg.EC2Instances.MachinesBuffer = 1
	inst, _ := s.addNode("t3.medium", false, s.now.Add(-2*time.Hour))
	cl := s.tick(c)
	c.Check(cl.HotBufferDrainedNodes, check.HasLen, 1)
	c.Check(cl.TerminatingNodes, check.HasLen, 0)
	c.Check(s.instance(c, inst).State, check.Equals, cloud.StateRunning)
	c.Check(s.dir.Launches(), check.HasLen, 0)
}

func (s *ScalerSuite) TestLaunchHotBuffer(c *check.C) {
	s.cfg.EC2Instances.MachinesBuffer = 2
	cl := s.tick(c)
	launches := s.dir.Launches()
	c.Assert(launches, check.HasLen, 1)
	c.Check(launches[0].Config.Type.Name, check.Equals, "t3.medium")
	c.Check(launches[0].Instances, check.HasLen, 2)
	c.Check(cl.PendingEC2s, check.HasLen, 2)
	c.Check(s.notifier.Messages(), check.HasLen, 0)

	// Pending instances count towards the buffer.
	s.tick(c)
	c.Check(s.dir.Launches(), check.HasLen, 1)
}

func (s *ScalerSuite) TestStartWarmBuffer(c *check.C) {
	warm := s.dir.Add("t3.medium", cloud.StateStopped, tags.DeactivatedBufferTags(baseTags), s.now.Add(-24*time.Hour))
	s.provider.SetTasks(test.Task(1, 1, 2))
	cl := s.tick(c)

	c.Check(s.dir.Launches(), check.HasLen, 0)
	got := s.instance(c, warm)
	c.Check(got.State, check.Equals, cloud.StatePending)
	c.Check(got.Tags[tags.KeyName], check.Equals, "fleet")
	c.Check(got.Tags[tags.KeyBufferMachine], check.Equals, "false")
	c.Check(cl.WarmBufferEC2s, check.HasLen, 0)
	c.Assert(cl.PendingEC2s, check.HasLen, 1)
	c.Check(cl.PendingEC2s[0].AssignedTasks, check.HasLen, 1)
	c.Check(s.notifier.Progress(), check.HasLen, 1)

	// The started instance gets the join command once.
	s.now = s.now.Add(time.Minute)
	s.tick(c)
	joins := s.agent.SentNamed(bootscript.JoinCommandName)
	c.Assert(joins, check.HasLen, 1)
	c.Check(joins[0].InstanceIDs, check.DeepEquals, []cloud.InstanceID{warm.ID})
	c.Check(joins[0].Command, check.Equals, "docker swarm join --token STUBTOKEN 10.0.0.1:2377")
	c.Check(s.instance(c, warm).Tags[tags.KeyJoinCommandID], check.Equals, joins[0].ID)

	s.tick(c)
	c.Check(s.agent.SentNamed(bootscript.JoinCommandName), check.HasLen, 1)
}

func (s *ScalerSuite) TestStartWarmBufferRetriesTagging(c *check.C) {
	warm := s.dir.Add("t3.medium", cloud.StateStopped, tags.DeactivatedBufferTags(baseTags), s.now.Add(-24*time.Hour))
	s.dir.SetTagsErrs = []error{errors.New("RequestLimitExceeded")}
	s.provider.SetTasks(test.Task(1, 1, 2))
	cl := s.tick(c)

	c.Check(s.dir.Calls("SetTags"), check.Equals, 2)
	got := s.instance(c, warm)
	c.Check(got.State, check.Equals, cloud.StatePending)
	c.Check(got.Tags[tags.KeyBufferMachine], check.Equals, "false")
	c.Assert(cl.PendingEC2s, check.HasLen, 1)
	c.Check(cl.PendingEC2s[0].AssignedTasks, check.HasLen, 1)
	c.Check(s.dir.Launches(), check.HasLen, 0)
}

func (s *ScalerSuite) TestStartWarmBufferStopsUntaggedInstance(c *check.C) {
	warm := s.dir.Add("t3.medium", cloud.StateStopped, tags.DeactivatedBufferTags(baseTags), s.now.Add(-24*time.Hour))
	fail := errors.New("UnauthorizedOperation")
	s.dir.SetTagsErrs = []error{fail, fail, fail}
	s.provider.SetTasks(test.Task(1, 1, 2))
	cl := s.tick(c)

	c.Check(s.dir.Calls("SetTags"), check.Equals, setTagsAttempts)
	got := s.instance(c, warm)
	c.Check(got.State, check.Equals, cloud.StateStopping)
	c.Check(got.Tags, check.DeepEquals, tags.DeactivatedBufferTags(baseTags))
	c.Check(lo.CountBy(cl.WarmBufferEC2s, func(nai *cluster.NonAssociatedInstance) bool { return nai.HasAssignedTasks() }), check.Equals, 0)

	// The task goes to a new instance.
	launches := s.dir.Launches()
	c.Assert(launches, check.HasLen, 1)
	c.Check(launches[0].Config.Type.Name, check.Equals, "t3.medium")
}

func (s *ScalerSuite) TestWarmBufferWaitsForCloudInit(c *check.C) {
	s.cfg.WaitForCloudInitBeforeWarmBufferActivation = true
	warm := s.dir.Add("t3.medium", cloud.StateStopped, tags.DeactivatedBufferTags(baseTags), s.now.Add(-24*time.Hour))
	s.agent.CloudInitPending = map[cloud.InstanceID]bool{warm.ID: true}
	s.provider.SetTasks(test.Task(1, 1, 2))
	s.tick(c)
	s.tick(c)
	c.Check(s.agent.SentNamed(bootscript.JoinCommandName), check.HasLen, 0)

	s.agent.CloudInitPending = nil
	s.tick(c)
	c.Check(s.agent.SentNamed(bootscript.JoinCommandName), check.HasLen, 1)
}

func (s *ScalerSuite) TestWarmBufferNoCapacity(c *check.C) {
	warm := s.dir.Add("t3.xlarge", cloud.StateStopped, tags.DeactivatedBufferTags(baseTags), s.now.Add(-24*time.Hour))
	s.dir.NoCapacity = map[string]bool{"t3.xlarge": true}
	s.provider.SetTasks(test.Task(1, 1, 2))
	cl := s.tick(c)

	c.Check(s.instance(c, warm).State, check.Equals, cloud.StateStopped)
	c.Assert(cl.WarmBufferEC2s, check.HasLen, 1)
	c.Check(cl.WarmBufferEC2s[0].HasAssignedTasks(), check.Equals, false)
	launches := s.dir.Launches()
	c.Assert(launches, check.HasLen, 1)
	c.Check(launches[0].Config.Type.Name, check.Equals, "t3.medium")
}

func (s *ScalerSuite) TestRefillHotBufferFromWarmBuffer(c *check.C) {
	s.cfg.EC2Instances.MachinesBuffer = 1
	warm := s.dir.Add("t3.medium", cloud.StateStopped, tags.DeactivatedBufferTags(baseTags), s.now.Add(-24*time.Hour))
	cl := s.tick(c)
	c.Check(s.instance(c, warm).State, check.Equals, cloud.StatePending)
	c.Check(cl.PendingEC2s, check.HasLen, 1)
	c.Check(s.dir.Launches(), check.HasLen, 0)
}

func (s *ScalerSuite) TestAttachNewNode(c *check.C) {
	custom, err := tags.CustomPlacementLabelsTags(map[string]string{"gpu": "yes"})
	c.Assert(err, check.IsNil)
	inst := s.dir.Add("t3.xlarge", cloud.StatePending, baseTags.Merge(custom), s.now.Add(-time.Minute))
	s.nodes.Join(inst)

	cl := s.tick(c)
	c.Check(cl.PendingEC2s, check.HasLen, 0)
	c.Check(cl.DrainedNodes, check.HasLen, 1)
	n := s.node(c, inst)
	c.Check(n.Labels["io.fleetscaler.pool"], check.Equals, "test")
	c.Check(n.Labels["gpu"], check.Equals, "yes")
	c.Check(n.Labels[cluster.LabelServicesReady], check.Equals, "false")
	c.Check(tags.ListKeys(s.instance(c, inst).Tags, tags.KeyCustomPlacementLabels), check.HasLen, 0)

	// Attaching is done once.
	cl = s.tick(c)
	c.Check(cl.DrainedNodes, check.HasLen, 1)
	c.Check(s.nodes.Calls("AttachNode"), check.Equals, 1)
}

func (s *ScalerSuite) TestTaskWaitsForPendingNodeWithLabels(c *check.C) {
	custom, err := tags.CustomPlacementLabelsTags(map[string]string{"gpu": "yes"})
	c.Assert(err, check.IsNil)
	s.dir.Add("t3.xlarge", cloud.StatePending, baseTags.Merge(custom), s.now.Add(-time.Minute))
	task := test.Task(1, 1, 1)
	task.Labels = map[string]string{"gpu": "yes"}
	s.provider.SetTasks(task)

	cl := s.tick(c)
	c.Check(s.dir.Launches(), check.HasLen, 0)
	c.Assert(cl.PendingEC2s, check.HasLen, 1)
	c.Check(cl.PendingEC2s[0].AssignedTasks, check.HasLen, 1)
}

func (s *ScalerSuite) TestLaunchWithTaskLabels(c *check.C) {
	task := test.Task(1, 1, 1)
	task.Labels = map[string]string{"gpu": "yes"}
	s.provider.SetTasks(task)
	s.tick(c)
	launches := s.dir.Launches()
	c.Assert(launches, check.HasLen, 1)
	labels, err := tags.CustomPlacementLabels(launches[0].Config.Tags)
	c.Check(err, check.IsNil)
	c.Check(labels, check.DeepEquals, map[string]string{"gpu": "yes"})
}

func (s *ScalerSuite) TestPinnedInstanceType(c *check.C) {
	task := test.Task(1, 1, 1)
	task.InstanceType = "t3.xlarge"
	s.provider.SetTasks(task)
	s.tick(c)
	launches := s.dir.Launches()
	c.Assert(launches, check.HasLen, 1)
	c.Check(launches[0].Config.Type.Name, check.Equals, "t3.xlarge")
}

func (s *ScalerSuite) TestMaxInstances(c *check.C) {
	s.cfg.EC2Instances.MaxInstances = 1
	_, n := s.addNode("t3.medium", true, s.now.Add(-time.Hour))
	s.provider.Used[n.Hostname] = typeHot.Resources
	s.provider.SetTasks(test.Task(1, 1, 1))
	s.tick(c)
	c.Check(s.dir.Launches(), check.HasLen, 0)
	c.Check(s.dir.Calls("Launch"), check.Equals, 0)
}

func (s *ScalerSuite) TestLaunchErrors(c *check.C) {
	for _, trial := range []struct {
		err error
		msg string
	}{
		{&cloud.TooManyInstancesError{MaxInstances: 10}, msgHighLoad},
		{errors.New("boom"), msgUnexpected},
	} {
		s.notifier.Reset()
		s.dir.LaunchErr = trial.err
		s.provider.SetTasks(test.Task(1, 1, 1))
		cl := s.tick(c)
		c.Check(cl.PendingEC2s, check.HasLen, 0)
		logs := s.notifier.Logs()
		c.Assert(logs, check.HasLen, 2)
		c.Check(logs[0].Message, check.Equals, msgScalingUp)
		c.Check(logs[1].Message, check.Equals, trial.msg)
		c.Check(logs[1].Level, check.Equals, logrus.ErrorLevel)
	}
}

func (s *ScalerSuite) TestPrePullOnHotBuffer(c *check.C) {
	s.cfg.EC2Instances.MachinesBuffer = 1
	s.cfg.EC2Instances.AllowedTypes[0].PrePullImages = []string{"redis:7"}
	inst, _ := s.addNode("t3.medium", false, s.now.Add(-time.Minute))

	s.tick(c)
	pulls := s.agent.SentNamed(bootscript.PullCommandName)
	c.Assert(pulls, check.HasLen, 1)
	c.Check(pulls[0].InstanceIDs, check.DeepEquals, []cloud.InstanceID{inst.ID})
	got := s.instance(c, inst)
	c.Check(tags.IsPulling(got.Tags), check.Equals, true)
	c.Check(got.Tags[tags.KeyCommandID], check.Equals, pulls[0].ID)

	// Still running.
	s.tick(c)
	c.Check(s.agent.SentNamed(bootscript.PullCommandName), check.HasLen, 1)

	s.agent.SetStatus(pulls[0].ID, agent.StatusSuccess)
	s.tick(c)
	got = s.instance(c, inst)
	c.Check(tags.IsPulling(got.Tags), check.Equals, false)
	c.Check(got.Tags[tags.KeyCommandID], check.Equals, "")
	images, err := tags.PrePulledImages(got.Tags)
	c.Check(err, check.IsNil)
	c.Check(images, check.DeepEquals, []string{"redis:7"})
	c.Check(s.agent.SentNamed(bootscript.PullCommandName), check.HasLen, 1)

	// A new image is pulled.
	s.cfg.EC2Instances.AllowedTypes[0].PrePullImages = []string{"redis:7", "nginx:1"}
	s.tick(c)
	c.Check(s.agent.SentNamed(bootscript.PullCommandName), check.HasLen, 2)
}

func (s *ScalerSuite) TestPrePullFailure(c *check.C) {
	s.cfg.EC2Instances.MachinesBuffer = 1
	s.cfg.EC2Instances.AllowedTypes[0].PrePullImages = []string{"redis:7"}
	inst, _ := s.addNode("t3.medium", false, s.now.Add(-time.Minute))
	s.tick(c)
	pulls := s.agent.SentNamed(bootscript.PullCommandName)
	c.Assert(pulls, check.HasLen, 1)

	s.agent.SetStatus(pulls[0].ID, agent.StatusFailed)
	s.tick(c)
	pulls = s.agent.SentNamed(bootscript.PullCommandName)
	c.Assert(pulls, check.HasLen, 2)
	c.Check(s.instance(c, inst).Tags[tags.KeyCommandID], check.Equals, pulls[1].ID)
}

func (s *ScalerSuite) TestActivatingHotBufferCancelsPull(c *check.C) {
	s.cfg.EC2Instances.MachinesBuffer = 1
	s.cfg.EC2Instances.AllowedTypes[0].PrePullImages = []string{"redis:7"}
	inst, _ := s.addNode("t3.medium", false, s.now.Add(-time.Minute))
	s.tick(c)
	pulls := s.agent.SentNamed(bootscript.PullCommandName)
	c.Assert(pulls, check.HasLen, 1)

	s.provider.SetTasks(test.Task(1, 1, 1))
	cl := s.tick(c)
	c.Check(cl.ActiveNodes, check.HasLen, 1)
	c.Check(s.agent.Cancelled(), check.DeepEquals, []string{pulls[0].ID})
	got := s.instance(c, inst)
	c.Check(tags.IsPulling(got.Tags), check.Equals, false)
	c.Check(tags.HasPrePulledImages(got.Tags), check.Equals, false)
}

func (s *ScalerSuite) TestTerminateBrokenInstances(c *check.C) {
	inst := s.dir.Add("t3.medium", cloud.StateRunning, baseTags, s.now.Add(-20*time.Minute))
	cl := s.tick(c)
	c.Check(cl.BrokenEC2s, check.HasLen, 0)
	c.Check(cl.TerminatedInstances, check.HasLen, 1)
	c.Check(s.instance(c, inst).State, check.Equals, cloud.StateTerminated)
}

func (s *ScalerSuite) TestCleanupDisconnectedNodes(c *check.C) {
	labels := map[string]string{"io.fleetscaler.pool": "test"}
	s.nodes.AddNode(cluster.Node{Hostname: "ip-10-9-9-9", State: cluster.NodeStateDown, Labels: labels, UpdatedAt: s.now.Add(-time.Minute)})
	s.nodes.AddNode(cluster.Node{Hostname: "ip-10-9-9-8", State: cluster.NodeStateDown, Labels: labels, UpdatedAt: s.now.Add(-10 * time.Second)})
	cl := s.tick(c)
	c.Check(cl.DisconnectedNodes, check.HasLen, 0)
	removed := s.nodes.Removed()
	c.Assert(removed, check.HasLen, 1)
	c.Check(removed[0].Hostname, check.Equals, "ip-10-9-9-9")
}

func (s *ScalerSuite) TestBrieflyDownNodeKeepsItsInstance(c *check.C) {
	inst, n := s.addNode("t3.medium", true, s.now.Add(-time.Hour))
	n.State = cluster.NodeStateDown
	n.UpdatedAt = s.now
	s.nodes.AddNode(n)

	for _, wait := range []time.Duration{0, 20 * time.Second} {
		s.now = n.UpdatedAt.Add(wait)
		cl := s.tick(c)
		c.Check(cl.BrokenEC2s, check.HasLen, 0)
		c.Check(cl.PendingNodes, check.HasLen, 1)
		c.Check(s.instance(c, inst).State, check.Equals, cloud.StateRunning, check.Commentf("node down for %s", wait))
		c.Check(s.nodes.Removed(), check.HasLen, 0)
	}

	// The node comes back before the grace period ends.
	n.State = cluster.NodeStateReady
	s.nodes.AddNode(n)
	cl := s.tick(c)
	c.Check(cl.ActiveNodes, check.HasLen, 1)
	c.Check(s.instance(c, inst).State, check.Equals, cloud.StateRunning)
}

func (s *ScalerSuite) TestDrainRetiredNodes(c *check.C) {
	inst := s.dir.Add("t3.xlarge", cloud.StateRunning, baseTags, s.now.Add(-time.Hour))
	n := s.nodes.Join(inst)
	n.Labels = map[string]string{"io.fleetscaler.pool": "test"}
	s.nodes.AddNode(n)
	s.provider.Retired[n.Hostname] = true

	cl := s.tick(c)
	c.Check(cl.RetiredNodes, check.HasLen, 0)
	c.Check(cl.DrainedNodes, check.HasLen, 1)
	c.Check(cluster.IsNodeDrained(s.node(c, inst)), check.Equals, true)
}

func (s *ScalerSuite) TestStatusAndMetrics(c *check.C) {
	_, n := s.addNode("t3.xlarge", true, s.now.Add(-time.Hour))
	s.provider.Used[n.Hostname] = fleet.Resources{VCPUs: 1, RAM: 2 << 30}
	s.provider.SetTasks(test.Task(1, 1, 1))
	sc := New(s.ctx, s.cfg, s.dir, s.agent, s.provider, s.nodes, s.notifier, s.reg)
	sc.now = s.clock
	_, err := sc.Tick(s.ctx)
	c.Assert(err, check.IsNil)

	statuses := s.notifier.Statuses()
	c.Assert(statuses, check.HasLen, 1)
	c.Check(statuses[0].MonitoredNodes, check.Equals, 1)
	c.Check(statuses[0].Total.VCPUs, check.Equals, 4.0)
	c.Check(statuses[0].Used.VCPUs, check.Equals, 1.0)
	c.Check(statuses[0].MaxMachines, check.Equals, 10)
	c.Check(fleettest.GetMetricValue(c, s.reg, "fleetscaler_autoscaler_ticks_total", "outcome", "success"), check.Equals, 1.0)
	c.Check(fleettest.GetMetricValue(c, s.reg, "fleetscaler_autoscaler_instances", "partition", "active"), check.Equals, 1.0)
	c.Check(fleettest.GetMetricValue(c, s.reg, "fleetscaler_autoscaler_resources", "kind", "used", "resource", "cpus"), check.Equals, 1.0)

	s.provider.NodesErr = errors.New("backend unavailable")
	_, err = sc.Tick(s.ctx)
	c.Check(err, check.ErrorMatches, `.*backend unavailable.*`)
	c.Check(fleettest.GetMetricValue(c, s.reg, "fleetscaler_autoscaler_ticks_total", "outcome", "fail"), check.Equals, 1.0)
	c.Check(strings.Contains(fleettest.GatherMetricsAsString(s.reg), "fleetscaler_autoscaler_tick_duration_seconds"), check.Equals, true)
}
