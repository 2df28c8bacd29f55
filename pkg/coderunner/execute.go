package coderunner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/exec"
	"time"

	"github.com/gin-gonic/gin"
	"k8s.io/klog/v2"

	"github.com/volcano-sh/usersandbox/pkg/common/types"
)

// PythonHandler runs the submitted code with python3 -c
func (s *Server) PythonHandler(c *gin.Context) {
	var req types.CodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResult(err.Error()))
		return
	}
	c.JSON(http.StatusOK, s.run(c.Request.Context(), s.config.PythonTimeout, s.config.PythonBin, "-c", req.Code))
}

// ShellHandler runs the submitted command with sh -c
func (s *Server) ShellHandler(c *gin.Context) {
	var req types.CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResult(err.Error()))
		return
	}
	c.JSON(http.StatusOK, s.run(c.Request.Context(), s.config.ShellTimeout, "sh", "-c", req.Command))
}

// run executes the command in the data dir with stderr merged into stdout.
// A zero exit yields output, anything else yields error.
func (s *Server) run(parent context.Context, timeout time.Duration, name string, args ...string) types.ExecResult {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = s.config.DataDir
	// children of sh may keep the pipe open after the kill
	cmd.WaitDelay = time.Second

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	if err == nil {
		output := out.String()
		return types.ExecResult{Output: &output}
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		out.WriteString(fmt.Sprintf("Command timed out after %.0f seconds", timeout.Seconds()))
	} else {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) && out.Len() == 0 {
			// the process never started
			out.WriteString(err.Error())
		}
	}
	klog.V(2).Infof("%s exited with error: %v", name, err)
	msg := out.String()
	return types.ExecResult{Error: &msg}
}
