// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package tags

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"git.arvados.org/fleetscaler.git/lib/cloud"
	"git.arvados.org/fleetscaler.git/sdk/go/fleet"
	check "gopkg.in/check.v1"
)

func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&TagsSuite{})

type TagsSuite struct{}

func (s *TagsSuite) TestChunking(c *check.C) {
	var images []string
	for i := 0; i < 40; i++ {
		images = append(images, fmt.Sprintf("registry.example.com/simcore/services/dynamic/image-%d:1.2.%d", i, i))
	}
	tags, err := PrePulledImagesTags(images)
	c.Assert(err, check.IsNil)
	c.Check(len(tags) > 1, check.Equals, true)
	for k, v := range tags {
		c.Check(strings.HasPrefix(k, KeyPrePulledImages+"_("), check.Equals, true)
		c.Check(len(v) <= ValueMaxLength, check.Equals, true)
	}
	c.Check(ListKeys(tags, KeyPrePulledImages), check.HasLen, len(tags))

	all := tags.Merge(cloud.InstanceTags{KeyPulling: "true", "other": "x"})
	got, err := PrePulledImages(all)
	c.Check(err, check.IsNil)
	c.Check(got, check.DeepEquals, images)
	c.Check(HasPrePulledImages(all), check.Equals, true)
}

func (s *TagsSuite) TestChunkKeysSortNumerically(c *check.C) {
	// More than 10 chunks: key_(10) sorts before key_(2) as a
	// string, so reassembly must use the chunk number.
	val := strings.Repeat("x", ValueMaxLength*11)
	tags, err := DumpJSON("k", val)
	c.Assert(err, check.IsNil)
	c.Check(len(tags), check.Equals, 12)
	var got string
	ok, err := LoadJSON(tags, "k", &got)
	c.Check(ok, check.Equals, true)
	c.Check(err, check.IsNil)
	c.Check(got, check.Equals, val)
}

func (s *TagsSuite) TestPlainKey(c *check.C) {
	got, err := PrePulledImages(cloud.InstanceTags{KeyPrePulledImages: `["a:1","b:2"]`})
	c.Check(err, check.IsNil)
	c.Check(got, check.DeepEquals, []string{"a:1", "b:2"})
}

func (s *TagsSuite) TestMissing(c *check.C) {
	got, err := PrePulledImages(cloud.InstanceTags{"foo": "bar"})
	c.Check(err, check.IsNil)
	c.Check(got, check.IsNil)
	c.Check(HasPrePulledImages(cloud.InstanceTags{}), check.Equals, false)

	labels, err := CustomPlacementLabels(nil)
	c.Check(err, check.IsNil)
	c.Check(labels, check.HasLen, 0)
}

func (s *TagsSuite) TestEmptyListIsRecorded(c *check.C) {
	tags, err := PrePulledImagesTags(nil)
	c.Assert(err, check.IsNil)
	c.Check(HasPrePulledImages(tags), check.Equals, true)
	got, err := PrePulledImages(tags)
	c.Check(err, check.IsNil)
	c.Check(got, check.HasLen, 0)
}

func (s *TagsSuite) TestDeserializationError(c *check.C) {
	for _, tags := range []cloud.InstanceTags{
		{KeyCustomPlacementLabels: "{not json"},
		{KeyCustomPlacementLabels + "_(0)": `{"a":`, KeyCustomPlacementLabels + "_(2)": `"b"}`},
	} {
		_, err := CustomPlacementLabels(tags)
		var tdErr *TagDeserializationError
		c.Check(errors.As(err, &tdErr), check.Equals, true, check.Commentf("%v", tags))
	}
}

func (s *TagsSuite) TestCustomPlacementLabels(c *check.C) {
	tags, err := CustomPlacementLabelsTags(nil)
	c.Check(err, check.IsNil)
	c.Check(tags, check.HasLen, 0)

	tags, err = CustomPlacementLabelsTags(map[string]string{"gpu": "true"})
	c.Assert(err, check.IsNil)
	labels, err := CustomPlacementLabels(tags)
	c.Check(err, check.IsNil)
	c.Check(labels, check.DeepEquals, map[string]string{"gpu": "true"})
	c.Check(ListKeys(tags, KeyCustomPlacementLabels), check.DeepEquals, []string{KeyCustomPlacementLabels + "_(0)"})
}

func (s *TagsSuite) TestBufferTags(c *check.C) {
	base := cloud.InstanceTags{KeyName: "autoscaling", KeyVersion: Version}
	deactivated := DeactivatedBufferTags(base)
	c.Check(deactivated[KeyName], check.Equals, "autoscaling-buffer")
	c.Check(deactivated[KeyBufferMachine], check.Equals, "true")
	c.Check(base[KeyBufferMachine], check.Equals, "")
	c.Check(IsWarmBuffer(deactivated), check.Equals, true)
	c.Check(IsWarmBuffer(base), check.Equals, false)

	activated := ActivatedBufferTags(base)
	c.Check(activated[KeyName], check.Equals, "autoscaling")
	c.Check(activated[KeyBufferMachine], check.Equals, "false")
	c.Check(IsWarmBuffer(activated), check.Equals, true)
}

func (s *TagsSuite) TestPullingTags(c *check.C) {
	tags, err := PullingTags("cmd-1", []string{"a:1"})
	c.Assert(err, check.IsNil)
	c.Check(IsPulling(tags), check.Equals, true)
	c.Check(tags[KeyCommandID], check.Equals, "cmd-1")
	keys := AllPullingKeys(tags)
	c.Check(keys, check.DeepEquals, []string{KeyPulling, KeyCommandID, KeyPrePulledImages + "_(0)"})
}

func (s *TagsSuite) TestPoolTags(c *check.C) {
	tags := PoolTags(fleet.EC2InstancesConfig{
		NamePrefix: "osparc",
		CustomTags: map[string]string{"team": "sim", KeyName: "ignored"},
	})
	c.Check(tags, check.DeepEquals, cloud.InstanceTags{
		"team":     "sim",
		KeyName:    "osparc-worker",
		KeyVersion: Version,
	})
	c.Check(PoolTags(fleet.EC2InstancesConfig{})[KeyName], check.Equals, "fleetscaler-worker")
}
