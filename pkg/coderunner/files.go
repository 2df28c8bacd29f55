package coderunner

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"k8s.io/klog/v2"

	"github.com/volcano-sh/usersandbox/pkg/common/types"
)

// UploadHandler stores the multipart field "file" in the data dir, overwriting any file of the same name
func (s *Server) UploadHandler(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxBodySize)

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResult(fmt.Sprintf("Failed to get file: %v", err)))
		return
	}

	// multipart already reduces the name to its base; check what the client actually sent
	name, err := sanitizeFileName(types.RawFileName(fileHeader.Header.Get("Content-Disposition"), fileHeader.Filename))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResult(err.Error()))
		return
	}

	src, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResult(fmt.Sprintf("Failed to open file: %v", err)))
		return
	}
	defer src.Close()

	dst := filepath.Join(s.config.DataDir, name)
	if err := writeFile(dst, src); err != nil {
		klog.Errorf("upload %s failed: %v", name, err)
		c.JSON(http.StatusInternalServerError, errorResult(err.Error()))
		return
	}

	msg := fmt.Sprintf("File %s uploaded successfully", name)
	c.JSON(http.StatusOK, types.ExecResult{Message: &msg})
}

func writeFile(dst string, src io.Reader) error {
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create file: %v", err)
	}
	if _, err := io.Copy(f, src); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write file: %v", err)
	}
	return f.Close()
}

// sanitizeFileName accepts plain file names only, preventing directory traversal
func sanitizeFileName(name string) (string, error) {
	name = strings.TrimSpace(name)
	switch {
	case name == "", name == ".", name == "..":
		return "", fmt.Errorf("invalid file name %q", name)
	case strings.ContainsAny(name, "/\\\x00"):
		return "", fmt.Errorf("invalid file name %q: path separators are not allowed", name)
	}
	return filepath.Base(name), nil
}
