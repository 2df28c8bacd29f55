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

package main

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/volcano-sh/usersandbox/pkg/agent"
	"github.com/volcano-sh/usersandbox/pkg/gateway"
	"github.com/volcano-sh/usersandbox/pkg/router"
)

func TestParseConfig(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		wantPort string
		wantDbg  bool
		wantGC   time.Duration
	}{
		{"defaults", []string{}, "8080", false, gateway.DefaultGCInterval},
		{"custom", []string{"-port", "9090", "-debug", "-gc-interval", "1m"}, "9090", true, time.Minute},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := parseConfig(flag.NewFlagSet(tc.name, flag.ContinueOnError), tc.args)
			require.NoError(t, err)
			assert.Equal(t, tc.wantPort, cfg.Port)
			assert.Equal(t, tc.wantDbg, cfg.Debug)
			assert.Equal(t, tc.wantGC, cfg.GCInterval)
		})
	}
}

func TestParseConfig_FileThenFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sandbox:\n  namespace: from-file\n  image: file/image:v1\ngcInterval: 45s\n"), 0o600))

	cfg, err := parseConfig(flag.NewFlagSet("file", flag.ContinueOnError),
		[]string{"-config", path, "-namespace", "from-flag"})
	require.NoError(t, err)
	assert.Equal(t, "from-flag", cfg.Sandbox.Namespace)
	assert.Equal(t, "file/image:v1", cfg.Sandbox.Image)
	assert.Equal(t, 45*time.Second, cfg.GCInterval)
}

func TestParseConfig_Invalid(t *testing.T) {
	_, err := parseConfig(flag.NewFlagSet("tls", flag.ContinueOnError), []string{"-enable-tls"})
	assert.Error(t, err)

	_, err = parseConfig(flag.NewFlagSet("gc", flag.ContinueOnError), []string{"-gc-interval", "0s"})
	assert.Error(t, err)
}

func TestNewAgent_NotConfigured(t *testing.T) {
	t.Setenv(agent.EnvEndpoint, "")
	t.Setenv(agent.EnvAPIKey, "")

	ag, err := newAgent(router.NewDispatcher(nil, nil, nil, router.Config{}))
	require.NoError(t, err)
	assert.Nil(t, ag)
}
