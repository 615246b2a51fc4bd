// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package notify

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ClusterMetrics exports the state of the cluster after each tick.
type ClusterMetrics struct {
	mInstances *prometheus.GaugeVec
	mResources *prometheus.GaugeVec
	mMachines  prometheus.Gauge
}

func NewClusterMetrics(reg *prometheus.Registry) *ClusterMetrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &ClusterMetrics{}
	m.mInstances = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fleetscaler",
		Subsystem: "autoscaler",
		Name:      "instances",
		Help:      "Number of instances in each partition of the cluster.",
	}, []string{"partition"})
	reg.MustRegister(m.mInstances)
	m.mResources = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fleetscaler",
		Subsystem: "autoscaler",
		Name:      "resources",
		Help:      "Total and used resources of the monitored nodes (cpus, ram bytes).",
	}, []string{"kind", "resource"})
	reg.MustRegister(m.mResources)
	m.mMachines = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fleetscaler",
		Subsystem: "autoscaler",
		Name:      "machines",
		Help:      "Number of instances counted against the maximum.",
	})
	reg.MustRegister(m.mMachines)
	return m
}

func (m *ClusterMetrics) Update(st Status) {
	for partition, n := range st.Instances {
		m.mInstances.WithLabelValues(partition).Set(float64(n))
	}
	m.mResources.WithLabelValues("total", "cpus").Set(st.Total.VCPUs)
	m.mResources.WithLabelValues("total", "ram").Set(float64(st.Total.RAM))
	m.mResources.WithLabelValues("used", "cpus").Set(st.Used.VCPUs)
	m.mResources.WithLabelValues("used", "ram").Set(float64(st.Used.RAM))
	m.mMachines.Set(float64(st.Machines))
}

// BufferMetrics exports the state of the warm buffer pools.
type BufferMetrics struct {
	mPools        *prometheus.GaugeVec
	mReadyToPull  *prometheus.HistogramVec
	mPullDuration *prometheus.HistogramVec
}

var bufferBuckets = []float64{10, 30, 60, 120, 180, 300, 600, 900, 1200, 1800, 3600}

func NewBufferMetrics(reg *prometheus.Registry) *BufferMetrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &BufferMetrics{}
	m.mPools = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fleetscaler",
		Subsystem: "buffer",
		Name:      "instances",
		Help:      "Number of warm buffer instances per instance type and phase.",
	}, []string{"instance_type", "phase"})
	reg.MustRegister(m.mPools)
	m.mReadyToPull = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fleetscaler",
		Subsystem: "buffer",
		Name:      "instances_ready_to_pull_seconds",
		Help:      "Time from launch until a warm buffer instance is ready to pull images.",
		Buckets:   bufferBuckets,
	}, []string{"instance_type"})
	reg.MustRegister(m.mReadyToPull)
	m.mPullDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fleetscaler",
		Subsystem: "buffer",
		Name:      "instances_completed_pulling_seconds",
		Help:      "Duration of the image pull command on warm buffer instances.",
		Buckets:   bufferBuckets,
	}, []string{"instance_type"})
	reg.MustRegister(m.mPullDuration)
	return m
}

// UpdatePools sets the pool gauges. counts maps instance type to
// phase to number of instances. Types missing from counts are reset
// to zero.
func (m *BufferMetrics) UpdatePools(counts map[string]map[string]int) {
	m.mPools.Reset()
	for it, phases := range counts {
		for phase, n := range phases {
			m.mPools.WithLabelValues(it, phase).Set(float64(n))
		}
	}
}

func (m *BufferMetrics) ObserveReadyToPull(instanceType string, d time.Duration) {
	m.mReadyToPull.WithLabelValues(instanceType).Observe(d.Seconds())
}

func (m *BufferMetrics) ObservePullDuration(instanceType string, d time.Duration) {
	m.mPullDuration.WithLabelValues(instanceType).Observe(d.Seconds())
}
