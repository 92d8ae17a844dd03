// Copyright The Nachos VM Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package http provides a restartable HTTP server for instrumentation
// endpoints.
package http

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	logger "github.com/nachosvm/nachos/pkg/log"
)

// ServeMux is the request multiplexer of a Server.
type ServeMux = http.ServeMux

// Server is an HTTP server which can be stopped and started again on a
// different address. Every start gets a fresh request multiplexer.
type Server struct {
	sync.Mutex
	server   *http.Server
	listener net.Listener
	mux      *ServeMux
	done     chan struct{}
}

var (
	log = logger.Get("http")
)

const (
	stopTimeout = 5 * time.Second
)

// NewServer creates a stopped server.
func NewServer() *Server {
	return &Server{
		mux: http.NewServeMux(),
	}
}

// Start starts serving on the given address. An empty address leaves the
// server stopped.
func (s *Server) Start(addr string) error {
	s.Lock()
	defer s.Unlock()

	s.stop()
	s.mux = http.NewServeMux()

	if addr == "" {
		log.Info("HTTP server disabled")
		return nil
	}

	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http: failed to listen on %s: %w", addr, err)
	}

	s.listener = l
	s.server = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.done = make(chan struct{})

	go func(srv *http.Server, done chan struct{}) {
		defer close(done)
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server on %s failed: %v", l.Addr(), err)
		}
	}(s.server, s.done)

	log.Info("HTTP server listening on %s", l.Addr())

	return nil
}

// Stop stops the server.
func (s *Server) Stop() {
	s.Lock()
	defer s.Unlock()
	s.stop()
}

// GetAddress returns the address the server listens on, or an empty
// string if it is stopped.
func (s *Server) GetAddress() string {
	s.Lock()
	defer s.Unlock()

	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// GetMux returns the request multiplexer of the server.
func (s *Server) GetMux() *ServeMux {
	s.Lock()
	defer s.Unlock()
	return s.mux
}

func (s *Server) stop() {
	if s.server == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		log.Warn("failed to shut down HTTP server: %v", err)
		s.server.Close()
	}
	<-s.done

	log.Info("HTTP server on %s stopped", s.listener.Addr())

	s.server = nil
	s.listener = nil
	s.done = nil
}
