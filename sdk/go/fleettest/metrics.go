// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package fleettest provides helpers for tests that inspect
// fleetscaler metrics.
package fleettest

import (
	"bytes"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"gopkg.in/check.v1"
)

// GatherMetricsAsString returns the registry contents in the text
// exposition format.
func GatherMetricsAsString(reg *prometheus.Registry) string {
	buf := bytes.NewBuffer(nil)
	enc := expfmt.NewEncoder(buf, expfmt.NewFormat(expfmt.TypeTextPlain))
	got, _ := reg.Gather()
	for _, mf := range got {
		enc.Encode(mf)
	}
	return buf.String()
}

// GetMetricValue returns the current value of the indicated metric.
// Label names and values are given in pairs, in the order the
// registry reports them (sorted by name), as in:
//
//	GetMetricValue(c, reg, "fleetscaler_ec2_instance_starts_total", "subnet_id", "subnet-1", "success", "1")
//
// For histograms, the sample count is returned.
func GetMetricValue(c *check.C, reg *prometheus.Registry, name string, labels ...string) float64 {
	gather, _ := reg.Gather()
	for _, mf := range gather {
		if mf.Name == nil || *mf.Name != name {
			continue
		}
	metric:
		for _, m := range mf.Metric {
			if 2*len(m.Label) != len(labels) {
				continue metric
			}
			for i, lp := range m.Label {
				if lp.GetName() != labels[i*2] || lp.GetValue() != labels[i*2+1] {
					continue metric
				}
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				return float64(m.GetHistogram().GetSampleCount())
			case m.GetUntyped() != nil:
				return m.GetUntyped().GetValue()
			}
			c.Fatalf("GetMetricValue: unsupported metric type: %s", m)
			return -1
		}
	}
	c.Fatalf("metric not found: %s %v", name, labels)
	return -1
}
