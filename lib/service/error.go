// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package service

import (
	"context"
	"net/http"

	"git.arvados.org/fleetscaler.git/sdk/go/ctxlog"
	"git.arvados.org/fleetscaler.git/sdk/go/health"
	"git.arvados.org/fleetscaler.git/sdk/go/httpserver"
	"github.com/sirupsen/logrus"
)

// ErrorHandler returns the Handler of a service whose setup failed
// with err (e.g., the EC2 client or the lock driver could not be
// initialized). Its "startup" health check reports err, and it
// answers every other request with a JSON 503. It is done from the
// start, so Command exits instead of serving it.
func ErrorHandler(ctx context.Context, err error) Handler {
	logger := ctxlog.FromContext(ctx).WithField("Component", "startup")
	logger.WithError(err).Error("service setup failed")
	done := make(chan struct{})
	close(done)
	return &setupFailedHandler{err: err, logger: logger, done: done}
}

type setupFailedHandler struct {
	err    error
	logger logrus.FieldLogger
	done   chan struct{}
}

func (h *setupFailedHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.logger.WithError(h.err).WithField("RequestPath", r.URL.Path).Warn("request refused, service setup failed")
	httpserver.Error(w, "service setup failed: "+h.err.Error(), http.StatusServiceUnavailable)
}

func (h *setupFailedHandler) CheckHealth() error {
	return h.err
}

func (h *setupFailedHandler) HealthChecks() health.Checks {
	return health.Checks{"startup": h.CheckHealth}
}

func (h *setupFailedHandler) Done() <-chan struct{} {
	return h.done
}
