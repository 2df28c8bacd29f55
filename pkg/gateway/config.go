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
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/volcano-sh/usersandbox/pkg/provisioner"
	"github.com/volcano-sh/usersandbox/pkg/router"
)

const (
	DefaultGCInterval  = 15 * time.Second
	DefaultIdleTimeout = time.Hour
)

// Config contains configuration parameters for the gateway
type Config struct {
	// Port is the port the gateway listens on
	Port string

	// Debug enables debug mode
	Debug bool

	// EnableTLS enables HTTPS
	EnableTLS bool

	// TLSCert is the path to the TLS certificate file
	TLSCert string

	// TLSKey is the path to the TLS private key file
	TLSKey string

	// MaxConcurrentRequests limits the number of concurrent requests
	MaxConcurrentRequests int

	// SandboxTimeout bounds one round trip to a sandbox
	SandboxTimeout time.Duration

	// MaxIdleConns sets the maximum number of idle connections in the connection pool
	MaxIdleConns int

	// MaxConnsPerHost sets the maximum number of connections per sandbox host (0 = unlimited)
	MaxConnsPerHost int

	// SigningKeyFile holds the HMAC key used to sign requests to sandboxes
	SigningKeyFile string

	// GCInterval is the period of the lease garbage collector
	GCInterval time.Duration

	// IdleTimeout tears down sandboxes without requests for this long
	IdleTimeout time.Duration

	// Sandbox is the deployment template of every sandbox
	Sandbox provisioner.Config
}

// DefaultConfig returns the gateway defaults
func DefaultConfig() *Config {
	return &Config{
		Port:                  "8080",
		MaxConcurrentRequests: 1000,
		SandboxTimeout:        router.DefaultTransportTimeout,
		MaxIdleConns:          100,
		MaxConnsPerHost:       0,
		GCInterval:            DefaultGCInterval,
		IdleTimeout:           DefaultIdleTimeout,
		Sandbox:               provisioner.DefaultConfig(),
	}
}

// FileConfig is the optional YAML configuration file
type FileConfig struct {
	Sandbox     provisioner.Config `yaml:"sandbox"`
	GCInterval  time.Duration      `yaml:"gcInterval"`
	IdleTimeout time.Duration      `yaml:"idleTimeout"`
}

// LoadConfigFile overlays the values of the YAML file at path onto cfg.
// Keys absent from the file keep their current value.
func LoadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	fc := FileConfig{
		Sandbox:     cfg.Sandbox,
		GCInterval:  cfg.GCInterval,
		IdleTimeout: cfg.IdleTimeout,
	}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg.Sandbox = fc.Sandbox
	cfg.GCInterval = fc.GCInterval
	cfg.IdleTimeout = fc.IdleTimeout
	return nil
}

// Validate checks the configuration before the server is built
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("port is required")
	}
	if c.EnableTLS && (c.TLSCert == "" || c.TLSKey == "") {
		return fmt.Errorf("TLS enabled but cert/key not provided")
	}
	if c.GCInterval <= 0 {
		return fmt.Errorf("gc interval must be positive")
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("idle timeout must be positive")
	}
	if err := c.Sandbox.Validate(); err != nil {
		return fmt.Errorf("invalid sandbox template: %w", err)
	}
	return nil
}

// DispatcherConfig returns the router settings derived from this configuration
func (c *Config) DispatcherConfig() router.Config {
	return router.Config{
		SandboxPort:     c.Sandbox.Port,
		Timeout:         c.SandboxTimeout,
		MaxIdleConns:    c.MaxIdleConns,
		MaxConnsPerHost: c.MaxConnsPerHost,
	}
}
