// Copyright (c) 2022 The rcproxy Authors
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

package server

import (
	"context"
	"net/http"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HttpServer is the admin surface every process carries alongside its game
// listeners: pprof introspection and a Prometheus scrape endpoint. It is
// deliberately not a generic static file server.
type HttpServer struct {
	srv *http.Server
}

// NewHttpServer builds the admin gin engine bound to addr (":9090" style).
// Call Start to begin serving; Close shuts it down gracefully.
func NewHttpServer(addr string, register func(*gin.Engine)) *HttpServer {
	gin.SetMode(gin.ReleaseMode)
	eng := gin.New()
	pprof.Register(eng)
	eng.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if register != nil {
		register(eng)
	}
	return &HttpServer{srv: &http.Server{Handler: eng, Addr: addr}}
}

// Start runs ListenAndServe in its own goroutine; errFn, if non-nil, is
// called with any error other than http.ErrServerClosed.
func (h *HttpServer) Start(errFn func(error)) {
	go func() {
		if err := h.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if errFn != nil {
				errFn(err)
			}
		}
	}()
}

// Close gracefully shuts the admin server down.
func (h *HttpServer) Close(ctx context.Context) error {
	return h.srv.Shutdown(ctx)
}
