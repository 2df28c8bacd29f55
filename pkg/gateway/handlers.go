package gateway

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"k8s.io/klog/v2"

	"github.com/volcano-sh/usersandbox/pkg/agent"
	"github.com/volcano-sh/usersandbox/pkg/common/types"
	"github.com/volcano-sh/usersandbox/pkg/metrics"
	"github.com/volcano-sh/usersandbox/pkg/provisioner"
	"github.com/volcano-sh/usersandbox/pkg/router"
)

const maxUploadSize = 32 << 20

// handleHealth handles health check requests
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
	})
}

// handleHealthLive handles liveness probe
func (s *Server) handleHealthLive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "alive",
	})
}

// handleHealthReady handles readiness probe
func (s *Server) handleHealthReady(c *gin.Context) {
	if err := s.storeClient.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"error":  fmt.Sprintf("store not available: %v", err),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
	})
}

func (s *Server) handleCreate(c *gin.Context) {
	var req types.CreateSandboxRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_USER_ID", err.Error())
		return
	}

	id, err := s.provisioner.Provision(c.Request.Context(), req.UserID, nil)
	if err != nil {
		s.respondProvisionError(c, "Failed to create environment", err)
		return
	}
	respondJSON(c, http.StatusOK, types.CreateSandboxResponse{
		Message: "User environment created",
		Pod:     id.UnitName,
		Service: id.AddressName,
	})
}

func (s *Server) handleCreateWithSQL(c *gin.Context) {
	var req types.CreateWithSQLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		code := "BAD_REQUEST"
		if errors.Is(err, types.ErrInvalidUserID) {
			code = "INVALID_USER_ID"
		}
		respondError(c, http.StatusBadRequest, code, err.Error())
		return
	}

	id, err := s.provisioner.Provision(c.Request.Context(), req.UserID, req.EnvConfig())
	if err != nil {
		s.respondProvisionError(c, "Failed to create environment with SQL config", err)
		return
	}
	respondJSON(c, http.StatusOK, types.CreateSandboxResponse{
		Message: "User environment with SQL config created",
		Pod:     id.UnitName,
		Service: id.AddressName,
	})
}

func (s *Server) handleSandboxStatus(c *gin.Context) {
	status, err := s.provisioner.Status(c.Request.Context(), c.Param("userId"))
	if err != nil {
		s.respondProvisionError(c, "Failed to get sandbox status", err)
		return
	}
	respondJSON(c, http.StatusOK, types.SandboxStatusResponse{
		State:   status.State,
		Pod:     status.Identity.UnitName,
		Service: status.Identity.AddressName,
		IP:      status.IP,
		Phase:   status.Phase,
	})
}

func (s *Server) handleEnsureAddress(c *gin.Context) {
	id, err := s.provisioner.EnsureAddress(c.Request.Context(), c.Param("userId"))
	if err != nil {
		s.respondProvisionError(c, "Failed to create service", err)
		return
	}
	respondJSON(c, http.StatusOK, gin.H{
		"message": "Service ensured",
		"service": id.AddressName,
	})
}

func (s *Server) handleTeardown(c *gin.Context) {
	userID := c.Param("userId")
	if err := s.provisioner.Teardown(c.Request.Context(), userID); err != nil {
		s.respondProvisionError(c, "Failed to delete environment", err)
		return
	}
	metrics.TeardownTotal.WithLabelValues(metrics.TeardownRequested).Inc()
	respondJSON(c, http.StatusOK, gin.H{
		"message": "User environment deleted",
	})
}

// respondProvisionError maps lifecycle errors to 400 for bad ids and 500 otherwise
func (s *Server) respondProvisionError(c *gin.Context, prefix string, err error) {
	if errors.Is(err, types.ErrInvalidUserID) {
		respondError(c, http.StatusBadRequest, "INVALID_USER_ID", err.Error())
		return
	}

	message := fmt.Sprintf("%s: %v", prefix, err)
	var pe *provisioner.ProvisionError
	if errors.As(err, &pe) {
		respondErrorWithDetails(c, http.StatusInternalServerError, "PROVISION_FAILED", message, map[string]interface{}{
			"stage":       pe.Stage,
			"unitCreated": pe.UnitCreated,
			"reason":      pe.Reason,
		})
		return
	}
	klog.Errorf("%s: %v", prefix, err)
	respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", message)
}

func (s *Server) handlePython(c *gin.Context) {
	var req types.PythonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	s.dispatch(c, router.PythonExec{UserID: req.UserID, Code: req.Code})
}

func (s *Server) handleShell(c *gin.Context) {
	var req types.ShellRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	s.dispatch(c, router.ShellExec{UserID: req.UserID, Command: req.Command})
}

func (s *Server) handleSQL(c *gin.Context) {
	var req types.SQLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	s.dispatch(c, router.SQLExec{UserID: req.UserID, SQL: req.SQL})
}

func (s *Server) handleUpload(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadSize)
	fileHeader, err := c.FormFile("file")
	if err != nil {
		respondError(c, http.StatusBadRequest, "BAD_REQUEST", fmt.Sprintf("Failed to get file: %v", err))
		return
	}
	f, err := fileHeader.Open()
	if err != nil {
		respondError(c, http.StatusBadRequest, "BAD_REQUEST", fmt.Sprintf("Failed to open file: %v", err))
		return
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		respondError(c, http.StatusBadRequest, "BAD_REQUEST", fmt.Sprintf("Failed to read file: %v", err))
		return
	}

	// the name is forwarded as sent so the sandbox can reject traversal attempts
	s.dispatch(c, router.FileUpload{
		UserID:      c.Param("userId"),
		FileName:    types.RawFileName(fileHeader.Header.Get("Content-Disposition"), fileHeader.Filename),
		ContentType: fileHeader.Header.Get("Content-Type"),
		Content:     content,
	})
}

// dispatch forwards req and writes the sandbox body unchanged
func (s *Server) dispatch(c *gin.Context, req router.RoutedRequest) {
	res, err := s.dispatcher.Dispatch(c.Request.Context(), req)
	if err != nil {
		var de *router.DispatchError
		if errors.As(err, &de) {
			respondError(c, de.StatusCode(), string(de.Kind), de.Message)
			return
		}
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", res.Body)
}

func (s *Server) handleGPT(c *gin.Context) {
	var req types.GPTRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	if s.agent == nil {
		respondError(c, http.StatusServiceUnavailable, "LLM_NOT_CONFIGURED", agent.ErrNotConfigured.Error())
		return
	}

	reply, err := s.agent.Handle(c.Request.Context(), req.UserID, req.Instruction)
	if err != nil {
		if errors.Is(err, agent.ErrNotConfigured) {
			respondError(c, http.StatusServiceUnavailable, "LLM_NOT_CONFIGURED", err.Error())
			return
		}
		klog.Errorf("gpt request of %s failed: %v", req.UserID, err)
		respondError(c, http.StatusInternalServerError, "GPT_FAILED", err.Error())
		return
	}
	respondJSON(c, http.StatusOK, types.GPTResponse{Response: reply})
}
