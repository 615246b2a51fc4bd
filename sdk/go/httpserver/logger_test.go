// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"git.arvados.org/fleetscaler.git/sdk/go/ctxlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	check "gopkg.in/check.v1"
)

func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&Suite{})

type Suite struct{}

func (s *Suite) TestLogRequests(c *check.C) {
	captured := &bytes.Buffer{}
	log := ctxlog.New(captured, "json", "debug")

	h := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ctxlog.FromContext(req.Context()).Info("handling")
		w.Write([]byte("hello world"))
	})
	req := httptest.NewRequest("GET", "https://foo.example/bar", nil)
	req.Header.Set("X-Forwarded-For", "1.2.3.4:12345")
	resp := httptest.NewRecorder()
	AddRequestIDs(LogRequests(log, h)).ServeHTTP(resp, req)
	c.Check(resp.Body.String(), check.Equals, "hello world")

	dec := json.NewDecoder(captured)
	var entries []map[string]interface{}
	for {
		ent := map[string]interface{}{}
		if err := dec.Decode(&ent); err == io.EOF {
			break
		} else {
			c.Assert(err, check.IsNil)
		}
		entries = append(entries, ent)
	}
	c.Assert(entries, check.HasLen, 3)
	c.Check(entries[0]["msg"], check.Equals, "request")
	c.Check(entries[0]["RequestID"], check.Matches, "req-[a-z0-9]+")
	c.Check(entries[0]["reqForwardedFor"], check.Equals, "1.2.3.4:12345")
	c.Check(entries[1]["msg"], check.Equals, "handling")
	c.Check(entries[1]["RequestID"], check.Equals, entries[0]["RequestID"])

	gotResp := entries[2]
	c.Check(gotResp["msg"], check.Equals, "response")
	c.Check(gotResp["RequestID"], check.Equals, entries[0]["RequestID"])
	c.Check(gotResp["respStatusCode"], check.Equals, float64(200))
	c.Check(gotResp["respBytes"], check.Equals, float64(11))
	_, err := time.Parse(time.RFC3339Nano, gotResp["time"].(string))
	c.Check(err, check.IsNil)
	for _, key := range []string{"timeToStatus", "timeWriteBody", "timeTotal"} {
		c.Check(gotResp[key], check.FitsTypeOf, float64(0))
	}
}

func (s *Suite) TestKeepRequestID(c *check.C) {
	var got string
	h := AddRequestIDs(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		got = req.Header.Get(HeaderRequestID)
	}))
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(HeaderRequestID, "req-given")
	h.ServeHTTP(httptest.NewRecorder(), req)
	c.Check(got, check.Equals, "req-given")
}

func (s *Suite) TestIDGenerator(c *check.C) {
	gen := &IDGenerator{Prefix: "x-"}
	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		id := gen.Next()
		c.Assert(seen[id], check.Equals, false)
		c.Assert(strings.HasPrefix(id, "x-"), check.Equals, true)
		seen[id] = true
	}
}

func (s *Suite) TestInstrumentAndMetrics(c *check.C) {
	reg := prometheus.NewRegistry()
	h := Instrument(reg, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		Error(w, "nope", http.StatusTeapot)
	}))
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, httptest.NewRequest("GET", "/x", nil))
	c.Check(resp.Code, check.Equals, http.StatusTeapot)
	c.Check(resp.Body.String(), check.Equals, `{"errors":["nope"]}`+"\n")

	resp = httptest.NewRecorder()
	MetricsHandler(reg, logrus.New()).ServeHTTP(resp, httptest.NewRequest("GET", "/metrics", nil))
	c.Check(resp.Body.String(), check.Matches, `(?ms).*fleetscaler_http_request_duration_seconds_count{code="418",method="get"} 1.*`)
}

func (s *Suite) TestServer(c *check.C) {
	srv := &Server{
		Server: http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Write([]byte("ok"))
		})},
		Addr: "127.0.0.1:0",
	}
	c.Assert(srv.Start(), check.IsNil)
	c.Check(srv.Addr, check.Not(check.Equals), "127.0.0.1:0")
	resp, err := http.Get("http://" + srv.Addr + "/")
	c.Assert(err, check.IsNil)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	c.Check(string(body), check.Equals, "ok")
	c.Check(srv.Close(), check.IsNil)
}
