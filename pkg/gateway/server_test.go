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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/volcano-sh/usersandbox/pkg/agent"
	"github.com/volcano-sh/usersandbox/pkg/cluster"
	"github.com/volcano-sh/usersandbox/pkg/common/types"
	"github.com/volcano-sh/usersandbox/pkg/provisioner"
	"github.com/volcano-sh/usersandbox/pkg/router"
)

const testNamespace = "sandboxes"

type fakeDispatcher struct {
	mu      sync.Mutex
	reqs    []router.RoutedRequest
	body    string
	err     error
	entered chan struct{}
	release chan struct{}
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, req router.RoutedRequest) (*router.Result, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.entered != nil {
		f.entered <- struct{}{}
		<-f.release
	}
	if f.err != nil {
		return nil, f.err
	}
	return &router.Result{Kind: req.Kind(), StatusCode: http.StatusOK, Body: json.RawMessage(f.body)}, nil
}

func (f *fakeDispatcher) last() router.RoutedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.reqs) == 0 {
		return nil
	}
	return f.reqs[len(f.reqs)-1]
}

type fakeLLM struct{ replies []string }

func (f *fakeLLM) Complete(ctx context.Context, messages []agent.Message) (string, error) {
	if len(f.replies) == 0 {
		return "", errors.New("no reply")
	}
	r := f.replies[0]
	f.replies = f.replies[1:]
	return r, nil
}

type testEnv struct {
	server     *Server
	clientset  *fake.Clientset
	dispatcher *fakeDispatcher
}

func newTestEnv(t *testing.T, mutate func(*Config), ag *agent.Agent) *testEnv {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Sandbox.Namespace = testNamespace
	cfg.Sandbox.MutationQPS = 0
	if mutate != nil {
		mutate(cfg)
	}

	clientset := fake.NewSimpleClientset()
	prov := provisioner.New(cluster.NewK8sClientForClientset(clientset, testNamespace), nil, cfg.Sandbox)
	dispatcher := &fakeDispatcher{body: `{"output":"ok\n"}`}

	s, err := NewServer(cfg, prov, dispatcher, ag, nil)
	require.NoError(t, err)
	return &testEnv{server: s, clientset: clientset, dispatcher: dispatcher}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

func TestNewServer_Validation(t *testing.T) {
	_, err := NewServer(nil, nil, nil, nil, nil)
	assert.Error(t, err)
	_, err = NewServer(DefaultConfig(), nil, &fakeDispatcher{}, nil, nil)
	assert.Error(t, err)
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	for path, status := range map[string]string{"/health": "healthy", "/health/live": "alive", "/health/ready": "ready"} {
		w := env.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusOK, w.Code, path)
		assert.Contains(t, w.Body.String(), status)
	}

	w := env.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "usersandbox_")
}

func TestCreate(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	w := env.do(t, http.MethodPost, "/create", types.CreateSandboxRequest{UserID: "alice"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp types.CreateSandboxResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, types.CreateSandboxResponse{Message: "User environment created", Pod: "userpod-alice", Service: "usersvc-alice"}, resp)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	_, err := env.clientset.CoreV1().Pods(testNamespace).Get(context.Background(), "userpod-alice", metav1.GetOptions{})
	assert.NoError(t, err)
	_, err = env.clientset.CoreV1().Services(testNamespace).Get(context.Background(), "usersvc-alice", metav1.GetOptions{})
	assert.NoError(t, err)
}

func TestCreate_InvalidUserID(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	for _, id := range []string{"", "Bad_ID", "has space"} {
		w := env.do(t, http.MethodPost, "/create", types.CreateSandboxRequest{UserID: id})
		assert.Equal(t, http.StatusBadRequest, w.Code, id)
		assert.Equal(t, "INVALID_USER_ID", decodeError(t, w).Error)
	}
	assert.Empty(t, env.clientset.Actions())
}

func TestCreate_AlreadyExists(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/create", types.CreateSandboxRequest{UserID: "alice"}).Code)

	w := env.do(t, http.MethodPost, "/create", types.CreateSandboxRequest{UserID: "alice"})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	resp := decodeError(t, w)
	assert.Equal(t, "PROVISION_FAILED", resp.Error)
	assert.Contains(t, resp.Message, "Failed to create environment")
	assert.Equal(t, "unit", resp.Details["stage"])
	assert.Equal(t, false, resp.Details["unitCreated"])
	assert.Equal(t, string(cluster.ReasonAlreadyExists), resp.Details["reason"])
	assert.NotEmpty(t, resp.RequestID)
}

func TestCreateWithSQL(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	w := env.do(t, http.MethodPost, "/create-with-sql", types.CreateWithSQLRequest{UserID: "bob", SQLServer: "db"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "BAD_REQUEST", decodeError(t, w).Error)

	w = env.do(t, http.MethodPost, "/create-with-sql", types.CreateWithSQLRequest{
		UserID: "bob", SQLServer: "db", SQLDatabase: "sales", SQLUsername: "u", SQLPassword: "p",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "User environment with SQL config created")

	pod, err := env.clientset.CoreV1().Pods(testNamespace).Get(context.Background(), "userpod-bob", metav1.GetOptions{})
	require.NoError(t, err)
	env1 := map[string]string{}
	for _, e := range pod.Spec.Containers[0].Env {
		env1[e.Name] = e.Value
	}
	assert.Equal(t, "db", env1[types.EnvSQLServer])
	assert.Equal(t, types.DefaultSQLDriver, env1[types.EnvSQLDriver])
}

func TestSandboxLifecycleRoutes(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ctx := context.Background()

	w := env.do(t, http.MethodGet, "/sandboxes/carol", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"state":"Unprovisioned"`)

	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/create", types.CreateSandboxRequest{UserID: "carol"}).Code)
	svc, err := env.clientset.CoreV1().Services(testNamespace).Get(ctx, "usersvc-carol", metav1.GetOptions{})
	require.NoError(t, err)
	svc.Spec.ClusterIP = "10.0.0.9"
	_, err = env.clientset.CoreV1().Services(testNamespace).Update(ctx, svc, metav1.UpdateOptions{})
	require.NoError(t, err)

	w = env.do(t, http.MethodGet, "/sandboxes/carol", nil)
	var status types.SandboxStatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, types.StateReady, status.State)
	assert.Equal(t, "10.0.0.9", status.IP)

	// address already exists: still succeeds
	w = env.do(t, http.MethodPost, "/sandboxes/carol/address", nil)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "usersvc-carol")

	w = env.do(t, http.MethodDelete, "/sandboxes/carol", nil)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
	pods, err := env.clientset.CoreV1().Pods(testNamespace).List(ctx, metav1.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, pods.Items)

	// teardown of a never provisioned user succeeds
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodDelete, "/sandboxes/nobody", nil).Code)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/sandboxes/Bad_ID", nil).Code)
}

func TestEnsureAddress_RepairsHalfProvisioned(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	_, err := env.clientset.CoreV1().Pods(testNamespace).Create(context.Background(), &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "userpod-dave", Namespace: testNamespace},
	}, metav1.CreateOptions{})
	require.NoError(t, err)

	w := env.do(t, http.MethodPost, "/sandboxes/dave/address", nil)
	require.Equal(t, http.StatusOK, w.Code)
	svc, err := env.clientset.CoreV1().Services(testNamespace).Get(context.Background(), "usersvc-dave", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "userpod-dave", svc.Spec.Selector["app"])
}

func TestRoutedRequests(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	w := env.do(t, http.MethodPost, "/python", types.PythonRequest{UserID: "alice", Code: "print(1)"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `{"output":"ok\n"}`, w.Body.String())
	assert.Equal(t, router.PythonExec{UserID: "alice", Code: "print(1)"}, env.dispatcher.last())

	env.do(t, http.MethodPost, "/shell", types.ShellRequest{UserID: "alice", Command: "ls"})
	assert.Equal(t, router.ShellExec{UserID: "alice", Command: "ls"}, env.dispatcher.last())

	env.do(t, http.MethodPost, "/sql", types.SQLRequest{UserID: "alice", SQL: "SELECT 1"})
	assert.Equal(t, router.SQLExec{UserID: "alice", SQL: "SELECT 1"}, env.dispatcher.last())
}

func TestRoutedRequests_Errors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantErr  string
	}{
		{
			name:     "unavailable",
			err:      &router.DispatchError{Kind: router.SandboxUnavailable, Message: "Pod not found", Err: router.ErrNeverProvisioned},
			wantCode: http.StatusNotFound,
			wantErr:  "SandboxUnavailable",
		},
		{
			name:     "upstream",
			err:      &router.DispatchError{Kind: router.Upstream, Message: "sandbox unreachable"},
			wantCode: http.StatusInternalServerError,
			wantErr:  "Upstream",
		},
		{
			name:     "other",
			err:      errors.New("boom"),
			wantCode: http.StatusInternalServerError,
			wantErr:  "INTERNAL_ERROR",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil, nil)
			env.dispatcher.err = tt.err
			w := env.do(t, http.MethodPost, "/shell", types.ShellRequest{UserID: "alice", Command: "ls"})
			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, tt.wantErr, decodeError(t, w).Error)
		})
	}
}

func TestUpload(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.dispatcher.body = `{"message":"File notes.txt uploaded successfully"}`

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "notes.txt")
	require.NoError(t, err)
	_, err = part.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload/alice", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	upload, ok := env.dispatcher.last().(router.FileUpload)
	require.True(t, ok)
	assert.Equal(t, "alice", upload.UserID)
	assert.Equal(t, "notes.txt", upload.FileName)
	assert.Equal(t, "application/octet-stream", upload.ContentType)
	assert.Equal(t, []byte("hello"), upload.Content)

	w = env.do(t, http.MethodPost, "/upload/alice", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUpload_ForwardsRawFileName(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.dispatcher.body = `{"error":"invalid file name"}`

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="../x.txt"`)
	h.Set("Content-Type", "text/plain")
	part, err := mw.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write([]byte("escape"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload/alice", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)

	upload, ok := env.dispatcher.last().(router.FileUpload)
	require.True(t, ok)
	assert.Equal(t, "../x.txt", upload.FileName)
	assert.Equal(t, "text/plain", upload.ContentType)
	assert.JSONEq(t, `{"error":"invalid file name"}`, w.Body.String())
}

func TestGPT(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	w := env.do(t, http.MethodPost, "/gpt", types.GPTRequest{UserID: "alice", Instruction: "hi"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	ag := agent.New(&fakeLLM{replies: []string{"chat", "hello!"}}, nil)
	env = newTestEnv(t, nil, ag)
	w = env.do(t, http.MethodPost, "/gpt", types.GPTRequest{UserID: "alice", Instruction: "hi"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"response":"hello!"}`, w.Body.String())

	ag = agent.New(&fakeLLM{}, nil)
	env = newTestEnv(t, nil, ag)
	w = env.do(t, http.MethodPost, "/gpt", types.GPTRequest{UserID: "alice", Instruction: "hi"})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "GPT_FAILED", decodeError(t, w).Error)
}

func TestConcurrencyLimit(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.MaxConcurrentRequests = 1 }, nil)
	env.dispatcher.entered = make(chan struct{})
	env.dispatcher.release = make(chan struct{})

	done := make(chan int)
	go func() {
		done <- env.do(t, http.MethodPost, "/shell", types.ShellRequest{UserID: "alice", Command: "sleep"}).Code
	}()

	select {
	case <-env.dispatcher.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first request never reached the dispatcher")
	}

	w := env.do(t, http.MethodPost, "/shell", types.ShellRequest{UserID: "bob", Command: "ls"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "SERVER_OVERLOADED", decodeError(t, w).Error)

	// health checks bypass the limit
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/health/live", nil).Code)

	close(env.dispatcher.release)
	assert.Equal(t, http.StatusOK, <-done)
}

func TestRequestIDIsKept(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	req := httptest.NewRequest(http.MethodPost, "/create", bytes.NewReader([]byte(`{"user_id":"Bad_ID"}`)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", "req-123")
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)

	assert.Equal(t, "req-123", w.Header().Get("X-Request-ID"))
	assert.Equal(t, "req-123", decodeError(t, w).RequestID)
}
