// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package fleet

import (
	"math/rand"

	check "gopkg.in/check.v1"
)

var _ = check.Suite(&ResourcesSuite{})

type ResourcesSuite struct{}

const GiB = ByteSize(1 << 30)

func (s *ResourcesSuite) TestAddSub(c *check.C) {
	a := Resources{VCPUs: 4, RAM: 8 * GiB}
	b := Resources{VCPUs: 1.5, RAM: 2 * GiB}
	c.Check(a.Add(b), check.DeepEquals, Resources{VCPUs: 5.5, RAM: 10 * GiB})
	c.Check(a.Sub(b), check.DeepEquals, Resources{VCPUs: 2.5, RAM: 6 * GiB})
	// operands are unchanged
	c.Check(a, check.DeepEquals, Resources{VCPUs: 4, RAM: 8 * GiB})
}

func (s *ResourcesSuite) TestSubSaturates(c *check.C) {
	a := Resources{VCPUs: 1, RAM: GiB, Generic: map[string]float64{"gpu": 1}}
	b := Resources{VCPUs: 2, RAM: 2 * GiB, Generic: map[string]float64{"gpu": 2, "vram": 1}}
	got := a.Sub(b)
	c.Check(got.VCPUs, check.Equals, 0.0)
	c.Check(got.RAM, check.Equals, ByteSize(0))
	c.Check(got.Generic, check.DeepEquals, map[string]float64{"gpu": 0, "vram": 0})
	c.Check(got.IsZero(), check.Equals, true)
}

func (s *ResourcesSuite) TestComparison(c *check.C) {
	big := Resources{VCPUs: 4, RAM: 8 * GiB}
	small := Resources{VCPUs: 2, RAM: 4 * GiB}
	c.Check(big.GreaterOrEqual(small), check.Equals, true)
	c.Check(big.GreaterOrEqual(big), check.Equals, true)
	c.Check(big.Greater(small), check.Equals, true)
	c.Check(big.Greater(big), check.Equals, false)
	c.Check(small.GreaterOrEqual(big), check.Equals, false)

	// both dimensions must satisfy
	mixed := Resources{VCPUs: 8, RAM: 2 * GiB}
	c.Check(mixed.GreaterOrEqual(small), check.Equals, false)
	c.Check(small.GreaterOrEqual(mixed), check.Equals, false)

	gpu := small.WithGeneric("gpu", 1)
	c.Check(big.GreaterOrEqual(gpu), check.Equals, false)
	c.Check(big.WithGeneric("gpu", 2).GreaterOrEqual(gpu), check.Equals, true)
	c.Check(gpu.GreaterOrEqual(small), check.Equals, true)
}

func (s *ResourcesSuite) TestEmptyIsIdentity(c *check.C) {
	for _, x := range []Resources{
		{},
		{VCPUs: 3, RAM: 5 * GiB},
		{VCPUs: 0.5, RAM: 1, Generic: map[string]float64{"threads": 4}},
	} {
		c.Check(Resources{}.Add(x), check.DeepEquals, x)
	}
}

func (s *ResourcesSuite) TestSubThenAdd(c *check.C) {
	rnd := rand.New(rand.NewSource(1))
	for i := 0; i < 1000; i++ {
		// integer and half-integer values are exact in float64
		b := Resources{VCPUs: float64(rnd.Intn(32)) / 2, RAM: ByteSize(rnd.Int63n(1 << 40))}
		a := b.Add(Resources{VCPUs: float64(rnd.Intn(32)) / 2, RAM: ByteSize(rnd.Int63n(1 << 40))})
		c.Assert(a.GreaterOrEqual(b), check.Equals, true)
		c.Check(a.Sub(b).Add(b), check.DeepEquals, a)
	}
}

func (s *ResourcesSuite) TestString(c *check.C) {
	r := Resources{VCPUs: 2, RAM: 4 * GiB, Generic: map[string]float64{"vram": 16, "gpu": 1}}
	c.Check(r.String(), check.Equals, "cpus=2, ram=4.0 GiB, gpu=1, vram=16")
}
