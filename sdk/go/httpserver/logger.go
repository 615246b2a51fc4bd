// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"git.arvados.org/fleetscaler.git/sdk/go/ctxlog"
	"github.com/sirupsen/logrus"
)

const HeaderRequestID = "X-Request-Id"

// IDGenerator generates unique request IDs.
type IDGenerator struct {
	// Prefix is prepended to each returned ID.
	Prefix string

	lastID int64
	mtx    sync.Mutex
}

// Next returns a new ID. It is safe to call from multiple goroutines.
func (g *IDGenerator) Next() string {
	id := time.Now().UnixNano()
	g.mtx.Lock()
	if id <= g.lastID {
		id = g.lastID + 1
	}
	g.lastID = id
	g.mtx.Unlock()
	return g.Prefix + strconv.FormatInt(id, 36)
}

// AddRequestIDs wraps an http.Handler, adding an X-Request-Id header
// to each request that doesn't already have one, and echoing it in
// the response.
func AddRequestIDs(h http.Handler) http.Handler {
	gen := &IDGenerator{Prefix: "req-"}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Header.Get(HeaderRequestID) == "" {
			req.Header.Set(HeaderRequestID, gen.Next())
		}
		w.Header().Set(HeaderRequestID, req.Header.Get(HeaderRequestID))
		h.ServeHTTP(w, req)
	})
}

// LogRequests wraps an http.Handler, logging each request and
// response. The request logger is available to the handler through
// ctxlog.FromContext(req.Context()).
func LogRequests(logger logrus.FieldLogger, h http.Handler) http.Handler {
	return http.HandlerFunc(func(wrapped http.ResponseWriter, req *http.Request) {
		w := &responseWriter{ResponseWriter: wrapped}
		lgr := logger.WithFields(logrus.Fields{
			"RequestID":       req.Header.Get(HeaderRequestID),
			"remoteAddr":      req.RemoteAddr,
			"reqForwardedFor": req.Header.Get("X-Forwarded-For"),
			"reqMethod":       req.Method,
			"reqPath":         req.URL.Path,
			"reqBytes":        req.ContentLength,
		})
		req = req.WithContext(ctxlog.Context(req.Context(), lgr))
		tStart := time.Now()
		lgr.Debug("request")
		defer func() {
			tDone := time.Now()
			status := w.status
			if status == 0 {
				status = http.StatusOK
			}
			entry := lgr.WithFields(logrus.Fields{
				"timeTotal":      tDone.Sub(tStart).Seconds(),
				"respStatusCode": status,
				"respStatus":     http.StatusText(status),
				"respBytes":      w.bytes,
			})
			if !w.writeTime.IsZero() {
				entry = entry.WithFields(logrus.Fields{
					"timeToStatus":  w.writeTime.Sub(tStart).Seconds(),
					"timeWriteBody": tDone.Sub(w.writeTime).Seconds(),
				})
			}
			if status >= 500 {
				entry.Warn("response")
			} else {
				entry.Info("response")
			}
		}()
		h.ServeHTTP(w, req)
	})
}

// responseWriter records the status, the time the status was sent,
// and the number of body bytes written.
type responseWriter struct {
	http.ResponseWriter
	status    int
	bytes     int
	writeTime time.Time
}

func (w *responseWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
		w.writeTime = time.Now()
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.WriteHeader(http.StatusOK)
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += n
	return n, err
}

func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
