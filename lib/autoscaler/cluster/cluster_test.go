// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cluster

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"git.arvados.org/fleetscaler.git/lib/autoscaler/tags"
	"git.arvados.org/fleetscaler.git/lib/cloud"
	"git.arvados.org/fleetscaler.git/lib/cloud/loopback"
	"git.arvados.org/fleetscaler.git/sdk/go/ctxlog"
	"git.arvados.org/fleetscaler.git/sdk/go/fleet"
	check "gopkg.in/check.v1"
)

func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&ClusterSuite{})

type ClusterSuite struct {
	dir      *loopback.Directory
	provider *fakeProvider
	analyzer *Analyzer
	now      time.Time
}

var (
	typeHot   = fleet.InstanceType{Name: "t3.medium", Resources: fleet.Resources{VCPUs: 2, RAM: 4 << 30}}
	typeLarge = fleet.InstanceType{Name: "t3.xlarge", Resources: fleet.Resources{VCPUs: 4, RAM: 16 << 30}}
	baseTags  = cloud.InstanceTags{tags.KeyName: "fleet", tags.KeyVersion: tags.Version}
)

type fakeProvider struct {
	nodes   []Node
	used    map[string]fleet.Resources
	retired map[string]bool
}

func (p *fakeProvider) MonitoredNodes(context.Context) ([]Node, error) { return p.nodes, nil }
func (p *fakeProvider) InstanceTags() cloud.InstanceTags               { return baseTags }
func (p *fakeProvider) NewNodeLabels(cloud.InstanceData) map[string]string {
	return nil
}
func (p *fakeProvider) UnrunnableTasks(context.Context) ([]Task, error) { return nil, nil }
func (p *fakeProvider) TaskRequiredResources(Task) fleet.Resources      { return fleet.Resources{} }
func (p *fakeProvider) TaskInstanceType(context.Context, Task) (string, error) {
	return "", nil
}
func (p *fakeProvider) TaskRequiredLabels(context.Context, Task) (map[string]string, error) {
	return nil, nil
}
func (p *fakeProvider) NodeUsedResources(_ context.Context, ai *AssociatedInstance) (fleet.Resources, error) {
	return p.used[ai.Node.Hostname], nil
}
func (p *fakeProvider) ClusterUsedResources(context.Context, []*AssociatedInstance) (fleet.Resources, error) {
	return fleet.Resources{}, nil
}
func (p *fakeProvider) ClusterTotalResources(context.Context, []*AssociatedInstance) (fleet.Resources, error) {
	return fleet.Resources{}, nil
}
func (p *fakeProvider) IsInstanceActive(_ context.Context, ai *AssociatedInstance) (bool, error) {
	return IsNodeReady(ai.Node), nil
}
func (p *fakeProvider) IsInstanceRetired(_ context.Context, ai *AssociatedInstance) (bool, error) {
	return p.retired[ai.Node.Hostname], nil
}
func (p *fakeProvider) TryRetireNodes(context.Context) error                        { return nil }
func (p *fakeProvider) AdjustInstanceType(it fleet.InstanceType) fleet.InstanceType { return it }
func (p *fakeProvider) AddInstanceGenericResources(inst *cloud.InstanceData) {
	inst.Resources = inst.Resources.WithGeneric(fleet.GenericThreads, inst.Resources.VCPUs)
}

func (s *ClusterSuite) SetUpTest(c *check.C) {
	s.now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.dir = loopback.NewDirectory(typeHot, typeLarge)
	s.dir.Now = func() time.Time { return s.now }
	s.provider = &fakeProvider{used: map[string]fleet.Resources{}, retired: map[string]bool{}}
	s.analyzer = &Analyzer{
		Provider:  s.provider,
		Directory: s.dir,
		Config: fleet.EC2InstancesConfig{
			MaxStartTime:   fleet.Duration(10 * time.Minute),
			MachinesBuffer: 1,
		},
		Logger: ctxlog.TestLogger(c),
	}
}

// addNode adds an instance and a node running on it.
func (s *ClusterSuite) addNode(it fleet.InstanceType, state NodeState, availability Availability, labels map[string]string) (cloud.InstanceData, Node) {
	inst := s.dir.Add(it.Name, cloud.StateRunning, baseTags, s.now.Add(-time.Hour))
	hostname, err := NodeHostname(inst)
	if err != nil {
		panic(err)
	}
	n := Node{
		ID:           "node-" + hostname,
		Hostname:     hostname,
		Labels:       labels,
		State:        state,
		Availability: availability,
		UpdatedAt:    s.now.Add(-time.Minute),
	}
	s.provider.nodes = append(s.provider.nodes, n)
	return inst, n
}

func readyLabels(ready bool, extra map[string]string) map[string]string {
	return ReadyLabels(extra, ready, time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC))
}

func (s *ClusterSuite) TestNodeHostname(c *check.C) {
	for _, trial := range []struct {
		dns  string
		want string
	}{
		{"ip-10-0-1-2.ec2.internal", "ip-10-0-1-2"},
		{"ip-192-168-0-1.eu-west-1.compute.internal", "ip-192-168-0-1"},
		{"", ""},
		{"ip-10-0-1-2", ""},
		{"host-10-0-1-2.ec2.internal", ""},
	} {
		got, err := NodeHostname(cloud.InstanceData{ID: "i-1", PrivateDNSName: trial.dns})
		if trial.want == "" {
			var hnErr *InvalidHostnameError
			c.Check(errors.As(err, &hnErr), check.Equals, true, check.Commentf("%q", trial.dns))
		} else {
			c.Check(err, check.IsNil)
			c.Check(got, check.Equals, trial.want)
		}
	}
}

func (s *ClusterSuite) TestAnalyzePartitions(c *check.C) {
	activeInst, _ := s.addNode(typeLarge, NodeStateReady, AvailabilityActive, readyLabels(true, nil))
	s.provider.used["ip-10-0-0-1"] = fleet.Resources{VCPUs: 1, RAM: 1 << 30}
	s.addNode(typeHot, NodeStateReady, AvailabilityDrain, readyLabels(false, nil))
	s.addNode(typeHot, NodeStateReady, AvailabilityDrain, readyLabels(false, nil))
	s.addNode(typeLarge, NodeStateReady, AvailabilityDrain, TerminationLabels(readyLabels(false, nil), s.now))
	retiredInst, _ := s.addNode(typeLarge, NodeStateReady, AvailabilityActive, map[string]string{"other": "label"})
	pendingNodeInst, _ := s.addNode(typeLarge, NodeStateReady, AvailabilityActive, map[string]string{})
	downInst, downNode := s.addNode(typeLarge, NodeStateDown, AvailabilityActive, readyLabels(true, nil))
	// A ready node without an instance.
	s.provider.nodes = append(s.provider.nodes, Node{ID: "orphan", Hostname: "ip-9-9-9-9", State: NodeStateReady, Availability: AvailabilityActive})
	s.dir.Add(typeLarge.Name, cloud.StateTerminated, baseTags, s.now.Add(-2*time.Hour))

	retiredHost, _ := NodeHostname(retiredInst)
	s.provider.retired[retiredHost] = true

	pendingEC2 := s.dir.Add(typeLarge.Name, cloud.StatePending, baseTags, s.now.Add(-time.Minute))
	brokenEC2 := s.dir.Add(typeLarge.Name, cloud.StateRunning, baseTags, s.now.Add(-time.Hour))
	warm := s.dir.Add(typeHot.Name, cloud.StateStopped, tags.DeactivatedBufferTags(baseTags), s.now.Add(-time.Hour))
	s.dir.Add(typeHot.Name, cloud.StateRunning, cloud.InstanceTags{tags.KeyName: "someone-else"}, s.now)

	cl, err := s.analyzer.Analyze(context.Background(), []fleet.InstanceType{typeHot, typeLarge}, s.now)
	c.Assert(err, check.IsNil)
	c.Logf("%s", cl)

	c.Assert(cl.ActiveNodes, check.HasLen, 1)
	c.Check(cl.ActiveNodes[0].Instance.ID, check.Equals, activeInst.ID)
	c.Check(cl.HotBufferDrainedNodes, check.HasLen, 1)
	c.Check(cl.DrainedNodes, check.HasLen, 1)
	c.Check(cl.TerminatingNodes, check.HasLen, 1)
	c.Assert(cl.RetiredNodes, check.HasLen, 1)
	c.Check(cl.RetiredNodes[0].Instance.ID, check.Equals, retiredInst.ID)
	c.Assert(cl.PendingNodes, check.HasLen, 2)
	c.Check(cl.PendingNodes[0].Instance.ID, check.Equals, pendingNodeInst.ID)
	c.Check(cl.PendingNodes[1].Instance.ID, check.Equals, downInst.ID)
	c.Check(cl.WarmBufferEC2s, check.HasLen, 1)
	c.Check(cl.WarmBufferEC2s[0].Instance.ID, check.Equals, warm.ID)
	c.Check(cl.TerminatedInstances, check.HasLen, 1)
	c.Check(cl.DisconnectedNodes, check.HasLen, 2)
	c.Check(cl.DisconnectedNodes[0].ID, check.Equals, downNode.ID)

	// The late instance is broken, the young one is pending. The
	// instance of the down node is not broken.
	c.Assert(cl.PendingEC2s, check.HasLen, 1)
	c.Check(cl.PendingEC2s[0].Instance.ID, check.Equals, pendingEC2.ID)
	c.Assert(cl.BrokenEC2s, check.HasLen, 1)
	c.Check(cl.BrokenEC2s[0].Instance.ID, check.Equals, brokenEC2.ID)

	// Available resources of active nodes exclude the used
	// resources; generic resources were added by the provider.
	c.Check(cl.ActiveNodes[0].Available.VCPUs, check.Equals, 3.0)
	c.Check(cl.ActiveNodes[0].Available.Generic[fleet.GenericThreads], check.Equals, 4.0)
	c.Check(cl.PendingEC2s[0].Available, check.DeepEquals, cl.PendingEC2s[0].Instance.Resources)
	for _, ai := range append(cl.DrainedNodes, cl.HotBufferDrainedNodes...) {
		c.Check(ai.Available, check.DeepEquals, ai.Instance.Resources)
	}

	s.checkPartitionInvariant(c, cl)
	c.Check(cl.TotalMachines(), check.Equals, 1+2+1+1+1+1+1+1)
}

// checkPartitionInvariant checks that every instance known to the
// directory with the cluster's tags is in exactly one partition, that
// every node is joined at most once, and that nodes are listed as
// disconnected exactly when they are not ready or have no instance.
func (s *ClusterSuite) checkPartitionInvariant(c *check.C, cl *Cluster) {
	seenInst := map[cloud.InstanceID]int{}
	joined := map[string]int{}
	for _, ai := range cl.AssociatedInstances() {
		seenInst[ai.Instance.ID]++
		joined[ai.Node.ID]++
	}
	for _, part := range [][]*NonAssociatedInstance{cl.PendingEC2s, cl.BrokenEC2s, cl.WarmBufferEC2s, cl.TerminatedInstances} {
		for _, nai := range part {
			seenInst[nai.Instance.ID]++
		}
	}
	disconnected := map[string]int{}
	for _, n := range cl.DisconnectedNodes {
		disconnected[n.ID]++
	}
	for _, inst := range s.dir.All() {
		if !strings.HasPrefix(inst.Tags[tags.KeyName], "fleet") {
			continue
		}
		c.Check(seenInst[inst.ID], check.Equals, 1, check.Commentf("instance %s", inst.ID))
	}
	for _, n := range s.provider.nodes {
		c.Check(joined[n.ID] <= 1, check.Equals, true, check.Commentf("node %s", n.ID))
		want := 0
		if n.State != NodeStateReady || joined[n.ID] == 0 {
			want = 1
		}
		c.Check(disconnected[n.ID], check.Equals, want, check.Commentf("node %s", n.ID))
	}
}

func (s *ClusterSuite) TestDownNodeKeepsItsInstance(c *check.C) {
	// The instance is older than MaxStartTime, and its node went
	// down a moment ago.
	inst, _ := s.addNode(typeLarge, NodeStateReady, AvailabilityActive, readyLabels(true, nil))
	s.provider.nodes[0].State = NodeStateDown
	s.provider.nodes[0].UpdatedAt = s.now

	cl, err := s.analyzer.Analyze(context.Background(), []fleet.InstanceType{typeHot, typeLarge}, s.now)
	c.Assert(err, check.IsNil)
	c.Check(cl.BrokenEC2s, check.HasLen, 0)
	c.Check(cl.PendingEC2s, check.HasLen, 0)
	c.Check(cl.ActiveNodes, check.HasLen, 0)
	c.Assert(cl.PendingNodes, check.HasLen, 1)
	c.Check(cl.PendingNodes[0].Instance.ID, check.Equals, inst.ID)
	c.Assert(cl.DisconnectedNodes, check.HasLen, 1)
	c.Check(cl.DisconnectedNodes[0].ID, check.Equals, s.provider.nodes[0].ID)
	c.Check(cl.TotalMachines(), check.Equals, 1)
	s.checkPartitionInvariant(c, cl)
}

func (s *ClusterSuite) TestRejoinedNodeWinsOverStaleTwin(c *check.C) {
	inst, n := s.addNode(typeLarge, NodeStateReady, AvailabilityActive, readyLabels(true, nil))
	stale := n
	stale.ID = "stale-" + n.ID
	stale.State = NodeStateDown
	s.provider.nodes = append([]Node{stale}, s.provider.nodes...)

	cl, err := s.analyzer.Analyze(context.Background(), []fleet.InstanceType{typeHot, typeLarge}, s.now)
	c.Assert(err, check.IsNil)
	c.Assert(cl.ActiveNodes, check.HasLen, 1)
	c.Check(cl.ActiveNodes[0].Node.ID, check.Equals, n.ID)
	c.Check(cl.ActiveNodes[0].Instance.ID, check.Equals, inst.ID)
	c.Assert(cl.DisconnectedNodes, check.HasLen, 1)
	c.Check(cl.DisconnectedNodes[0].ID, check.Equals, stale.ID)
	s.checkPartitionInvariant(c, cl)
}

func (s *ClusterSuite) TestAnalyzeEmpty(c *check.C) {
	cl, err := s.analyzer.Analyze(context.Background(), []fleet.InstanceType{typeHot}, s.now)
	c.Assert(err, check.IsNil)
	c.Check(cl.TotalMachines(), check.Equals, 0)
	c.Check(cl.CanScaleDown(), check.Equals, false)
}

func (s *ClusterSuite) TestSortDrainedNodes(c *check.C) {
	mk := func(typ string, terminating bool) *AssociatedInstance {
		labels := readyLabels(false, nil)
		if terminating {
			labels = TerminationLabels(labels, s.now)
		}
		return &AssociatedInstance{
			Node:     Node{State: NodeStateReady, Labels: labels},
			Instance: cloud.InstanceData{Type: typ},
		}
	}
	all := []*AssociatedInstance{
		mk("hot", false), mk("other", false), mk("hot", true), mk("hot", false), mk("hot", false),
	}
	drained, hot, terminating := SortDrainedNodes(all, "hot", 2)
	c.Check(hot, check.DeepEquals, []*AssociatedInstance{all[0], all[3]})
	c.Check(drained, check.DeepEquals, []*AssociatedInstance{all[1], all[4]})
	c.Check(terminating, check.DeepEquals, []*AssociatedInstance{all[2]})

	drained, hot, _ = SortDrainedNodes(all, "hot", 0)
	c.Check(hot, check.HasLen, 0)
	c.Check(drained, check.HasLen, 4)
}

func (s *ClusterSuite) TestLabels(c *check.C) {
	n := Node{State: NodeStateReady, Availability: AvailabilityActive}
	n.Labels = AttachLabels(map[string]string{"keep": "1"}, map[string]string{"new": "2"}, s.now)
	c.Check(n.Labels["keep"], check.Equals, "1")
	c.Check(n.Labels["new"], check.Equals, "2")
	c.Check(IsNodeReady(n), check.Equals, false)
	c.Check(IsNodeDrained(n), check.Equals, true)
	changed, found, err := LastReadinessChange(n)
	c.Check(found, check.Equals, true)
	c.Check(err, check.IsNil)
	c.Check(changed.Equal(s.now), check.Equals, true)

	n.Labels = ReadyLabels(n.Labels, true, s.now.Add(time.Minute))
	c.Check(IsNodeReady(n), check.Equals, true)
	c.Check(IsNodeDrained(n), check.Equals, false)
	n.Availability = AvailabilityDrain
	c.Check(IsNodeReady(n), check.Equals, false)

	_, found, _ = EmptySince(n)
	c.Check(found, check.Equals, false)
	n.Labels = FoundEmptyLabels(n.Labels, true, s.now)
	since, found, err := EmptySince(n)
	c.Check(found, check.Equals, true)
	c.Check(err, check.IsNil)
	c.Check(since.Equal(s.now), check.Equals, true)
	n.Labels = FoundEmptyLabels(n.Labels, false, s.now)
	_, found, _ = EmptySince(n)
	c.Check(found, check.Equals, false)

	n.Labels[LabelNodeTerminationStarted] = "yesterday"
	_, found, err = TerminationStartedSince(n)
	c.Check(found, check.Equals, true)
	c.Check(err, check.NotNil)
}

func (s *ClusterSuite) TestSlot(c *check.C) {
	nai := NewNonAssociatedInstance(cloud.InstanceData{Resources: fleet.Resources{VCPUs: 2, RAM: 4 << 30}})
	req := fleet.Resources{VCPUs: 1.5, RAM: 1 << 30}
	c.Check(nai.HasResourcesFor(req), check.Equals, true)
	nai.Assign(fakeTask("t1"), req)
	c.Check(nai.HasAssignedTasks(), check.Equals, true)
	c.Check(nai.HasResourcesFor(req), check.Equals, false)
	c.Check(nai.Instance.Resources.VCPUs, check.Equals, 2.0)
}

type fakeTask string

func (t fakeTask) TaskID() string { return string(t) }
