// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Instrument returns a handler that passes requests through to next
// and tracks their duration by status code and method in reg.
func Instrument(reg *prometheus.Registry, next http.Handler) http.Handler {
	reqDuration := prometheus.NewSummaryVec(prometheus.SummaryOpts{
		Namespace: "fleetscaler",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Summary of request duration.",
	}, []string{"code", "method"})
	reg.MustRegister(reqDuration)
	return promhttp.InstrumentHandlerDuration(reqDuration, next)
}

// MetricsHandler returns a handler exporting the metrics of reg in
// the prometheus text format.
func MetricsHandler(reg *prometheus.Registry, logger logrus.FieldLogger) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		ErrorLog: promLogger{logger},
	})
}

// promLogger sends promhttp errors to logrus.
type promLogger struct {
	logrus.FieldLogger
}

func (l promLogger) Println(v ...interface{}) {
	l.FieldLogger.Error(v...)
}
