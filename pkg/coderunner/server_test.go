package coderunner

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, mutate func(*Config)) *Server {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DataDir = filepath.Join(t.TempDir(), "data")
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := NewServer(cfg)
	require.NoError(t, err)
	t.Cleanup(s.db.Close)
	return s
}

func postJSON(t *testing.T, s *Server, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return w, out
}

func TestHealthCheck(t *testing.T) {
	s := newTestServer(t, nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestShellHandler(t *testing.T) {
	s := newTestServer(t, nil)

	t.Run("success", func(t *testing.T) {
		w, out := postJSON(t, s, "/shell", map[string]string{"command": "echo hello"})
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "hello\n", out["output"])
		assert.NotContains(t, out, "error")
	})

	t.Run("runs in data dir", func(t *testing.T) {
		_, out := postJSON(t, s, "/shell", map[string]string{"command": "pwd"})
		dir, err := filepath.EvalSymlinks(s.config.DataDir)
		require.NoError(t, err)
		got, err := filepath.EvalSymlinks(strings.TrimSpace(out["output"].(string)))
		require.NoError(t, err)
		assert.Equal(t, dir, got)
	})

	t.Run("non zero exit merges stderr", func(t *testing.T) {
		w, out := postJSON(t, s, "/shell", map[string]string{"command": "echo out; echo err >&2; exit 3"})
		assert.Equal(t, http.StatusOK, w.Code)
		assert.NotContains(t, out, "output")
		assert.Contains(t, out["error"], "out")
		assert.Contains(t, out["error"], "err")
	})

	t.Run("bad body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/shell", bytes.NewReader([]byte("{")))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestShellHandler_Timeout(t *testing.T) {
	s := newTestServer(t, func(c *Config) { c.ShellTimeout = 200 * time.Millisecond })

	start := time.Now()
	w, out := postJSON(t, s, "/shell", map[string]string{"command": "echo started; sleep 5"})
	assert.Less(t, time.Since(start), 4*time.Second)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, out["error"], "timed out")
}

func TestPythonHandler(t *testing.T) {
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}
	s := newTestServer(t, nil)

	_, out := postJSON(t, s, "/python", map[string]string{"code": "print(2 + 2)"})
	assert.Equal(t, "4\n", out["output"])

	_, out = postJSON(t, s, "/python", map[string]string{"code": "raise ValueError('boom')"})
	assert.Contains(t, out["error"], "ValueError: boom")
}

func TestPythonHandler_Timeout(t *testing.T) {
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}
	s := newTestServer(t, func(c *Config) { c.PythonTimeout = 200 * time.Millisecond })

	start := time.Now()
	w, out := postJSON(t, s, "/python", map[string]string{"code": "import time\ntime.sleep(5)"})
	assert.Less(t, time.Since(start), 4*time.Second)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, out["error"], "timed out")
}

func TestPythonHandler_MissingInterpreter(t *testing.T) {
	s := newTestServer(t, func(c *Config) { c.PythonBin = "definitely-not-a-python" })

	w, out := postJSON(t, s, "/python", map[string]string{"code": "print(1)"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, out["error"])
}
