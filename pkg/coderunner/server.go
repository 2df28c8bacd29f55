package coderunner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"k8s.io/klog/v2"
)

var startTime = time.Now()

// Server defines the coderunner HTTP server
type Server struct {
	engine     *gin.Engine
	config     Config
	httpServer *http.Server
	db         *dbPool
}

// NewServer creates a new coderunner server instance
func NewServer(config Config) (*Server, error) {
	if config.DataDir == "" {
		config.DataDir = DefaultDataDir
	}
	if config.PythonBin == "" {
		config.PythonBin = "python3"
	}
	if config.PythonTimeout <= 0 {
		config.PythonTimeout = DefaultPythonTimeout
	}
	if config.ShellTimeout <= 0 {
		config.ShellTimeout = DefaultShellTimeout
	}
	if err := os.MkdirAll(config.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir %s: %w", config.DataDir, err)
	}

	// Disable Gin debug output in production mode
	gin.SetMode(gin.ReleaseMode)

	engine := gin.New()
	engine.Use(gin.Logger())   // Request logging
	engine.Use(gin.Recovery()) // Crash recovery

	s := &Server{
		engine: engine,
		config: config,
		db:     newDBPool(config.SQL),
	}

	// Health check (no authentication required)
	engine.GET("/health", s.HealthCheckHandler)

	api := engine.Group("/")
	if len(config.TokenKey) > 0 {
		api.Use(NewTokenVerifier(config.TokenKey).Middleware())
	} else {
		klog.Warning("request token verification disabled: no signing key configured")
	}
	api.POST("/python", s.PythonHandler)
	api.POST("/shell", s.ShellHandler)
	api.POST("/sql", s.SQLHandler)
	api.POST("/upload", s.UploadHandler)

	return s, nil
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run starts the server and blocks until ctx is cancelled
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		klog.Infof("coderunner listening on %s, data dir %s", s.httpServer.Addr, s.config.DataDir)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		err := s.httpServer.Shutdown(shutdownCtx)
		s.db.Close()
		return err
	case err := <-errCh:
		s.db.Close()
		return err
	}
}

// HealthCheckHandler handles health check requests
func (s *Server) HealthCheckHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "coderunner",
		"uptime":  time.Since(startTime).String(),
	})
}

func errorResult(msg string) gin.H {
	return gin.H{"error": msg}
}
