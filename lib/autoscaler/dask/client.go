// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package dask adapts a dask scheduler to the autoscaler: the
// scheduler's workers run on the swarm worker nodes, and its
// unrunnable tasks are the tasks to make room for.
//
// The scheduler is reached through its HTTP API at
// Backend.Dask.SchedulerURL:
//
//	GET  /api/v1/get_workers       connected workers and their resources
//	GET  /api/v1/unrunnable_tasks  tasks waiting for resources, oldest first
//	POST /api/v1/retire_workers    retire idle workers
package dask

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

// Worker is a worker connected to the scheduler.
type Worker struct {
	Address     string             `json:"address"`
	Name        string             `json:"name"`
	Status      string             `json:"status"`
	NThreads    int                `json:"nthreads"`
	MemoryLimit int64              `json:"memory_limit"`
	Resources   map[string]float64 `json:"resources"`
	// Resources of the tasks processing on the worker.
	UsedResources map[string]float64 `json:"used_resources"`
}

const workerStatusClosingGracefully = "closing_gracefully"

// Host returns the IP address or hostname of the worker.
func (w Worker) Host() string {
	u, err := url.Parse(w.Address)
	if err != nil || u.Host == "" {
		return strings.Split(w.Address, ":")[0]
	}
	return u.Hostname()
}

// Task is a task waiting for resources.
type Task struct {
	Key       string             `json:"key"`
	Resources map[string]float64 `json:"resources"`
}

func (t *Task) TaskID() string { return t.Key }

// Client talks to the HTTP API of a dask scheduler. Requests are
// retried on connection errors and 5xx responses.
type Client struct {
	baseURL   string
	authToken string
	http      *retryablehttp.Client
}

// NewClient returns a Client for the scheduler at baseURL.
func NewClient(baseURL, authToken string, logger logrus.FieldLogger) *Client {
	hc := retryablehttp.NewClient()
	hc.RetryMax = 3
	hc.RetryWaitMin = 500 * time.Millisecond
	hc.RetryWaitMax = 5 * time.Second
	hc.HTTPClient.Timeout = 30 * time.Second
	hc.Logger = leveledLogger{logger}
	return &Client{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		authToken: authToken,
		http:      hc,
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, resp interface{}) error {
	var rawBody interface{}
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rawBody = bytes.NewReader(buf)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, rawBody)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	httpResp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(httpResp.Body, 1024))
		return fmt.Errorf("%s %s: %s: %s", method, path, httpResp.Status, bytes.TrimSpace(msg))
	}
	if resp == nil {
		return nil
	}
	if err := json.NewDecoder(httpResp.Body).Decode(resp); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}

func (c *Client) Workers(ctx context.Context) ([]Worker, error) {
	var resp struct {
		Workers []Worker `json:"workers"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/get_workers", nil, &resp)
	return resp.Workers, err
}

func (c *Client) UnrunnableTasks(ctx context.Context) ([]*Task, error) {
	var resp struct {
		Tasks []*Task `json:"tasks"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/unrunnable_tasks", nil, &resp)
	return resp.Tasks, err
}

// RetireIdleWorkers asks the scheduler to retire the workers
// without tasks. The workers stay connected until their node is
// removed.
func (c *Client) RetireIdleWorkers(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/v1/retire_workers", map[string]bool{
		"close_workers": false,
		"remove":        false,
	}, nil)
}

// leveledLogger sends retryablehttp logs to logrus.
type leveledLogger struct {
	logrus.FieldLogger
}

func (l leveledLogger) with(kv []interface{}) logrus.FieldLogger {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		fields[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return l.FieldLogger.WithFields(fields)
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.with(kv).Error(msg) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.with(kv).Warn(msg) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.with(kv).Debug(msg) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.with(kv).Debug(msg) }
