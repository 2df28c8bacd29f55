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

package provisioner

import (
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/volcano-sh/usersandbox/pkg/common/types"
)

const (
	DefaultImage          = "container7.azurecr.io/code-runner:latest"
	DefaultPullSecret     = "acr-pull-secret"
	DefaultServiceAccount = "pod-manager"
	DefaultNamespace      = "default"
	DefaultSandboxTTL     = 8 * time.Hour
	DefaultMutationQPS    = 20
	DefaultMutationBurst  = 40
)

// Config is the deployment template shared by every sandbox.
type Config struct {
	Namespace      string `yaml:"namespace"`
	Image          string `yaml:"image"`
	PullSecret     string `yaml:"pullSecret"`
	ServiceAccount string `yaml:"serviceAccount"`
	Port           int32  `yaml:"port"`

	// TokenSecretName and TokenSecretKey locate the request signing key.
	// When set, the key is injected into every sandbox as SANDBOX_TOKEN_KEY.
	TokenSecretName string `yaml:"tokenSecretName"`
	TokenSecretKey  string `yaml:"tokenSecretKey"`

	// SandboxTTL bounds the lifetime of a lease recorded for garbage collection.
	SandboxTTL time.Duration `yaml:"sandboxTTL"`

	// MutationQPS and MutationBurst bound cluster create/delete calls of one process.
	MutationQPS   float64 `yaml:"mutationQPS"`
	MutationBurst int     `yaml:"mutationBurst"`
}

// DefaultConfig returns the template used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Namespace:      DefaultNamespace,
		Image:          DefaultImage,
		PullSecret:     DefaultPullSecret,
		ServiceAccount: DefaultServiceAccount,
		Port:           types.SandboxPort,
		SandboxTTL:     DefaultSandboxTTL,
		MutationQPS:    DefaultMutationQPS,
		MutationBurst:  DefaultMutationBurst,
	}
}

// Validate checks the template before any sandbox is created from it.
func (c *Config) Validate() error {
	if c.Image == "" {
		return fmt.Errorf("sandbox image is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid sandbox port %d", c.Port)
	}
	if (c.TokenSecretName == "") != (c.TokenSecretKey == "") {
		return fmt.Errorf("tokenSecretName and tokenSecretKey must be set together")
	}
	if c.SandboxTTL <= 0 {
		return fmt.Errorf("sandboxTTL must be positive")
	}
	if c.MutationQPS < 0 || c.MutationBurst < 0 {
		return fmt.Errorf("mutation rate limits must not be negative")
	}
	return nil
}

// newLimiter returns an unlimited limiter when MutationQPS is zero.
func (c *Config) newLimiter() *rate.Limiter {
	if c.MutationQPS == 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := c.MutationBurst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(c.MutationQPS), burst)
}
