// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package health reports the health of the components of a service
// (its periodic tasks, its lock driver) on the management API.
package health

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"sort"
	"strings"

	"git.arvados.org/fleetscaler.git/sdk/go/auth"
	"github.com/julienschmidt/httprouter"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
)

// Ping is the name of the check that runs all the others.
const Ping = "ping"

const (
	StatusOK    = "OK"
	StatusError = "ERROR"
)

// A Check returns nil when the component it checks is healthy.
type Check func() error

// Checks maps component names to their checks.
type Checks map[string]Check

// Report is the response body of a health request.
type Report struct {
	Health string `json:"health"`
	Error  string `json:"error,omitempty"`

	// Outcome of each component check, for ping.
	Components map[string]string `json:"components,omitempty"`
}

// Healthy reports whether the check passed.
func (r Report) Healthy() bool {
	return r.Health == StatusOK
}

// Run runs the named check and reports its outcome. Ping runs every
// check and fails if any of them fails. ok is false if there is no
// such check.
func (cs Checks) Run(name string) (rpt Report, ok bool) {
	if name != Ping {
		fn, ok := cs[name]
		if !ok {
			return Report{}, false
		}
		if err := fn(); err != nil {
			return Report{Health: StatusError, Error: err.Error()}, true
		}
		return Report{Health: StatusOK}, true
	}
	rpt = Report{Health: StatusOK, Components: map[string]string{}}
	names := lo.Keys(cs)
	sort.Strings(names)
	var failed []string
	for _, name := range names {
		if err := cs[name](); err != nil {
			rpt.Components[name] = StatusError
			failed = append(failed, fmt.Sprintf("%s: %s", name, err))
		} else {
			rpt.Components[name] = StatusOK
		}
	}
	if len(failed) > 0 {
		rpt.Health = StatusError
		rpt.Error = strings.Join(failed, "; ")
	}
	return rpt, true
}

// Handler answers authenticated GET requests for a health check with
// a JSON Report, status 200 if healthy and 503 if not.
//
// The check name is the "check" route parameter when the Handler is
// routed by httprouter (e.g., "/_health/:check"), otherwise the last
// element of the request path.
type Handler struct {
	// Management token. If empty, all requests get 404.
	Token  string
	Checks Checks

	// If not nil, failed checks and refused requests are logged
	// here.
	Logger logrus.FieldLogger
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := httprouter.ParamsFromContext(r.Context()).ByName("check")
	if name == "" {
		name = path.Base(r.URL.Path)
	}
	if h.Token == "" {
		http.Error(w, "management token is not configured", http.StatusNotFound)
		return
	}
	if tok := auth.TokenFromRequest(r); tok == "" {
		h.refuse(w, r, "authorization required", http.StatusUnauthorized)
		return
	} else if tok != h.Token {
		h.refuse(w, r, "authorization error", http.StatusForbidden)
		return
	}
	rpt, ok := h.Checks.Run(name)
	if !ok {
		http.Error(w, "unknown health check "+name, http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if !rpt.Healthy() {
		if h.Logger != nil {
			h.Logger.WithFields(logrus.Fields{
				"Check": name,
				"Error": rpt.Error,
			}).Warn("health check failed")
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(rpt)
}

func (h *Handler) refuse(w http.ResponseWriter, r *http.Request, msg string, code int) {
	if h.Logger != nil {
		h.Logger.WithField("RemoteAddr", r.RemoteAddr).Info("health request refused: " + msg)
	}
	http.Error(w, msg, code)
}
