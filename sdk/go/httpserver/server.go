// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package httpserver provides the HTTP server and middleware of the
// management API.
package httpserver

import (
	"net"
	"net/http"
	"sync"
)

// Server is an http.Server that reports the address it listens on
// and can be stopped without stopping the process.
type Server struct {
	http.Server
	// Address to listen on. After Start returns, it is the
	// actual host:port, which makes ":0" usable in tests.
	Addr string

	listener net.Listener
	mtx      sync.Mutex
	done     chan struct{}
	err      error
	wantDown bool
}

// Start listens on Addr and serves requests in a goroutine.
func (srv *Server) Start() error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}
	srv.listener = ln
	srv.Addr = ln.Addr().String()
	srv.done = make(chan struct{})
	go func() {
		defer close(srv.done)
		err := srv.Serve(ln)
		srv.mtx.Lock()
		defer srv.mtx.Unlock()
		if !srv.wantDown {
			srv.err = err
		}
	}()
	return nil
}

// Close stops the server and waits for it to shut down.
func (srv *Server) Close() error {
	srv.mtx.Lock()
	srv.wantDown = true
	srv.mtx.Unlock()
	srv.Server.Close()
	return srv.Wait()
}

// Wait returns when the server has shut down, with the error that
// stopped it, if any.
func (srv *Server) Wait() error {
	if srv.done == nil {
		return nil
	}
	<-srv.done
	srv.mtx.Lock()
	defer srv.mtx.Unlock()
	return srv.err
}
