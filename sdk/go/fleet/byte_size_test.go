// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package fleet

import (
	"encoding/json"
	"time"

	"github.com/ghodss/yaml"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ByteSizeSuite{})

type ByteSizeSuite struct{}

func (s *ByteSizeSuite) TestUnmarshal(c *check.C) {
	for _, testcase := range []struct {
		in  string
		out int64
	}{
		{"0", 0},
		{"5", 5},
		{"\"5\"", 5},
		{"5B", 5},
		{" 4 KiB ", 4096},
		{"0Ki", 0},
		{"4K", 4000},
		{"4Ki", 4096},
		{"512M", 512000000},
		{"4MiB", 4194304},
		{"4 GiB", 4294967296},
		{"1.5GiB", 1610612736},
		{"4TiB", 4398046511104},
		{"4EiB", 4611686018427387904},
		{"4mB", 4000000},
		{"4KIB", 4096},
	} {
		var n ByteSize
		err := yaml.Unmarshal([]byte(testcase.in+"\n"), &n)
		c.Check(err, check.IsNil, check.Commentf("%q", testcase.in))
		c.Check(int64(n), check.Equals, testcase.out, check.Commentf("%q", testcase.in))
	}
	for _, testcase := range []string{
		"B", "K", "KiB", "4BK", "4iB", "4A", "BB", "-4KiB",
		"400000 EB", // overflows uint64
		"10EiB",     // overflows int64
	} {
		var n ByteSize
		err := yaml.Unmarshal([]byte(testcase+"\n"), &n)
		c.Check(err, check.NotNil, check.Commentf("%q", testcase))
	}
}

func (s *ByteSizeSuite) TestReservedRAMInConfig(c *check.C) {
	var cfg EC2InstancesConfig
	c.Assert(yaml.Unmarshal([]byte("ReservedRAM: 1.5GiB\n"), &cfg), check.IsNil)
	c.Check(cfg.ReservedRAM, check.Equals, ByteSize(3<<29))
	c.Assert(yaml.Unmarshal([]byte("ReservedRAM:\n"), &cfg), check.IsNil)
	c.Check(cfg.ReservedRAM, check.Equals, ByteSize(3<<29))
	err := yaml.Unmarshal([]byte("ReservedRAM: lots\n"), &cfg)
	c.Check(err, check.ErrorMatches, `.*invalid memory size "lots".*`)
}

func (s *ByteSizeSuite) TestString(c *check.C) {
	c.Check(ByteSize(4<<30).String(), check.Equals, "4.0 GiB")
	c.Check(ByteSize(0).String(), check.Equals, "0 B")
}

var _ = check.Suite(&DurationSuite{})

type DurationSuite struct{}

func (s *DurationSuite) TestUnmarshal(c *check.C) {
	var d struct{ D Duration }
	err := yaml.Unmarshal([]byte("D: 1h30m\n"), &d)
	c.Assert(err, check.IsNil)
	c.Check(d.D.String(), check.Equals, "1h30m0s")
	err = yaml.Unmarshal([]byte("D: 90\n"), &d)
	c.Check(err, check.ErrorMatches, `.*duration must be given as a string.*`)
}

func (s *DurationSuite) TestUnmarshalNullKeepsValue(c *check.C) {
	d := struct{ D Duration }{D: Duration(10 * time.Second)}
	c.Check(yaml.Unmarshal([]byte("D:\n"), &d), check.IsNil)
	c.Check(d.D.Duration(), check.Equals, 10*time.Second)
	c.Check(json.Unmarshal([]byte(`{"D":null}`), &d), check.IsNil)
	c.Check(d.D.Duration(), check.Equals, 10*time.Second)
}
