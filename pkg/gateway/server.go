/*
Copyright The Volcano Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"k8s.io/klog/v2"

	"github.com/volcano-sh/usersandbox/pkg/agent"
	"github.com/volcano-sh/usersandbox/pkg/metrics"
	"github.com/volcano-sh/usersandbox/pkg/provisioner"
	"github.com/volcano-sh/usersandbox/pkg/router"
	"github.com/volcano-sh/usersandbox/pkg/store"
)

// Dispatcher routes typed requests to user sandboxes
type Dispatcher interface {
	Dispatch(ctx context.Context, req router.RoutedRequest) (*router.Result, error)
}

// Server is the main structure for the gateway
type Server struct {
	config      *Config
	engine      *gin.Engine
	httpServer  *http.Server
	provisioner *provisioner.Provisioner
	dispatcher  Dispatcher
	agent       *agent.Agent
	storeClient store.Store
}

// NewServer creates a new gateway instance. agent may be nil, which disables /gpt.
func NewServer(config *Config, prov *provisioner.Provisioner, dispatcher Dispatcher, ag *agent.Agent, storeClient store.Store) (*Server, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if prov == nil || dispatcher == nil {
		return nil, fmt.Errorf("provisioner and dispatcher are required")
	}

	// Set default values for concurrency settings
	if config.MaxConcurrentRequests <= 0 {
		config.MaxConcurrentRequests = 1000
	}
	if storeClient == nil {
		storeClient = store.NewNoneStore()
	}

	// Set Gin mode based on environment
	if config.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	server := &Server{
		config:      config,
		provisioner: prov,
		dispatcher:  dispatcher,
		agent:       ag,
		storeClient: storeClient,
	}
	server.setupRoutes()
	return server, nil
}

// concurrencyLimitMiddleware limits the number of concurrent requests
func (s *Server) concurrencyLimitMiddleware() gin.HandlerFunc {
	concurrency := make(chan struct{}, s.config.MaxConcurrentRequests)
	return func(c *gin.Context) {
		select {
		case concurrency <- struct{}{}:
			defer func() {
				<-concurrency
			}()
			c.Next()
		default:
			metrics.RejectedTotal.Inc()
			respondError(c, http.StatusTooManyRequests, "SERVER_OVERLOADED", "server overloaded, please try again later")
			c.Abort()
		}
	}
}

// setupRoutes configures HTTP routes using Gin
func (s *Server) setupRoutes() {
	s.engine = gin.New()

	// Health check endpoints (no concurrency limit)
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/health/live", s.handleHealthLive)
	s.engine.GET("/health/ready", s.handleHealthReady)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.engine.Group("/")
	api.Use(gin.Logger())
	api.Use(gin.Recovery())
	api.Use(requestIDMiddleware())
	api.Use(metrics.GinMiddleware())
	api.Use(s.concurrencyLimitMiddleware())

	// Sandbox lifecycle
	api.POST("/create", s.handleCreate)
	api.POST("/create-with-sql", s.handleCreateWithSQL)
	api.GET("/sandboxes/:userId", s.handleSandboxStatus)
	api.POST("/sandboxes/:userId/address", s.handleEnsureAddress)
	api.DELETE("/sandboxes/:userId", s.handleTeardown)

	// Routed execution
	api.POST("/python", s.handlePython)
	api.POST("/shell", s.handleShell)
	api.POST("/sql", s.handleSQL)
	api.POST("/upload/:userId", s.handleUpload)

	api.POST("/gpt", s.handleGPT)
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start starts the gateway and blocks until ctx is cancelled or the listener fails
func (s *Server) Start(ctx context.Context) error {
	if err := s.storeClient.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping store: %w", err)
	}

	addr := ":" + s.config.Port

	// Wrap handler with h2c for HTTP/2 cleartext support
	h2cHandler := h2c.NewHandler(s.engine, &http2.Server{})

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           h2cHandler,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       90 * time.Second, // golang http default transport's idletimeout is 90s
	}

	// Listen for shutdown signal in goroutine
	go func() {
		<-ctx.Done()
		klog.Info("Shutting down gateway...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			klog.Errorf("Server shutdown error: %v", err)
		}
	}()

	if store.Enabled(s.storeClient) {
		gc := newGarbageCollector(s.provisioner, s.storeClient, s.config.GCInterval, s.config.IdleTimeout)
		go gc.run(ctx.Done())
	} else {
		klog.Info("lease store disabled, sandbox garbage collection is off")
	}

	klog.Infof("Gateway listening on %s", addr)

	var err error
	if s.config.EnableTLS {
		if s.config.TLSCert == "" || s.config.TLSKey == "" {
			return fmt.Errorf("TLS enabled but cert/key not provided")
		}
		err = s.httpServer.ListenAndServeTLS(s.config.TLSCert, s.config.TLSKey)
	} else {
		err = s.httpServer.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
