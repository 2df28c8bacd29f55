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
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"k8s.io/klog/v2"

	"github.com/volcano-sh/usersandbox/pkg/agent"
	"github.com/volcano-sh/usersandbox/pkg/cluster"
	"github.com/volcano-sh/usersandbox/pkg/gateway"
	"github.com/volcano-sh/usersandbox/pkg/provisioner"
	"github.com/volcano-sh/usersandbox/pkg/router"
	"github.com/volcano-sh/usersandbox/pkg/store"
)

// parseConfig builds the gateway configuration from defaults, the optional
// YAML file and command line flags, in that order of precedence.
func parseConfig(fs *flag.FlagSet, args []string) (*gateway.Config, error) {
	cfg := gateway.DefaultConfig()

	var (
		configFile            = fs.String("config", "", "Path to a YAML file with the sandbox template and GC settings")
		port                  = fs.String("port", cfg.Port, "Gateway API server port")
		enableTLS             = fs.Bool("enable-tls", false, "Enable TLS (HTTPS)")
		tlsCert               = fs.String("tls-cert", "", "Path to TLS certificate file")
		tlsKey                = fs.String("tls-key", "", "Path to TLS key file")
		debug                 = fs.Bool("debug", false, "Enable debug mode")
		maxConcurrentRequests = fs.Int("max-concurrent-requests", cfg.MaxConcurrentRequests, "Maximum number of concurrent requests")
		sandboxTimeout        = fs.Duration("sandbox-timeout", cfg.SandboxTimeout, "Timeout of one request to a sandbox")
		maxIdleConns          = fs.Int("max-idle-conns", cfg.MaxIdleConns, "Maximum number of idle connections")
		maxConnsPerHost       = fs.Int("max-conns-per-host", cfg.MaxConnsPerHost, "Maximum number of connections per host")
		signingKeyFile        = fs.String("signing-key-file", "", "Path to the HMAC key used to sign requests to sandboxes")
		gcInterval            = fs.Duration("gc-interval", cfg.GCInterval, "Period of the sandbox garbage collector")
		idleTimeout           = fs.Duration("idle-timeout", cfg.IdleTimeout, "Tear down sandboxes idle for this long")
		namespace             = fs.String("namespace", "", "Namespace of sandbox pods and services")
		image                 = fs.String("sandbox-image", "", "Container image of sandbox pods")
	)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *configFile != "" {
		if err := gateway.LoadConfigFile(*configFile, cfg); err != nil {
			return nil, err
		}
	}

	// explicit flags win over the file
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	cfg.Port = *port
	cfg.EnableTLS = *enableTLS
	cfg.TLSCert = *tlsCert
	cfg.TLSKey = *tlsKey
	cfg.Debug = *debug
	cfg.MaxConcurrentRequests = *maxConcurrentRequests
	cfg.SandboxTimeout = *sandboxTimeout
	cfg.MaxIdleConns = *maxIdleConns
	cfg.MaxConnsPerHost = *maxConnsPerHost
	cfg.SigningKeyFile = *signingKeyFile
	if set["gc-interval"] {
		cfg.GCInterval = *gcInterval
	}
	if set["idle-timeout"] {
		cfg.IdleTimeout = *idleTimeout
	}
	if *namespace != "" {
		cfg.Sandbox.Namespace = *namespace
	}
	if *image != "" {
		cfg.Sandbox.Image = *image
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newAgent returns nil when no language model is configured
func newAgent(dispatcher *router.Dispatcher) (*agent.Agent, error) {
	llmConfig := agent.ClientConfigFromEnv()
	if !llmConfig.Configured() {
		klog.Info("language model not configured, /gpt is disabled")
		return nil, nil
	}
	llm, err := agent.NewAzureClient(llmConfig)
	if err != nil {
		return nil, err
	}

	sql := agent.SQLExecutorFunc(func(ctx context.Context, userID, statement string) (json.RawMessage, error) {
		res, err := dispatcher.Dispatch(ctx, router.SQLExec{UserID: userID, SQL: statement})
		if err != nil {
			return nil, err
		}
		return res.Body, nil
	})
	return agent.New(llm, sql), nil
}

func main() {
	// Initialize klog flags
	klog.InitFlags(nil)

	config, err := parseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	clusterClient, err := cluster.NewK8sClient(config.Sandbox.Namespace)
	if err != nil {
		klog.Fatalf("Failed to create cluster client: %v", err)
	}

	leases, err := store.Storage()
	if err != nil {
		klog.Fatalf("Failed to initialize store: %v", err)
	}
	defer leases.Close()

	var signer *router.RequestSigner
	if config.SigningKeyFile != "" {
		signer, err = router.LoadRequestSigner(config.SigningKeyFile)
		if err != nil {
			klog.Fatalf("Failed to load signing key: %v", err)
		}
	} else {
		klog.Warning("no signing key configured, requests to sandboxes are not signed")
	}

	prov := provisioner.New(clusterClient, leases, config.Sandbox)
	dispatcher := router.NewDispatcher(router.NewResolver(clusterClient), leases, signer, config.DispatcherConfig())

	ag, err := newAgent(dispatcher)
	if err != nil {
		klog.Fatalf("Failed to create language model client: %v", err)
	}

	server, err := gateway.NewServer(config, prov, dispatcher, ag, leases)
	if err != nil {
		klog.Fatalf("Failed to create gateway: %v", err)
	}

	// Setup signal handling with context cancellation
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	klog.Infof("Starting usersandbox gateway on port %s", config.Port)
	if err := server.Start(ctx); err != nil {
		klog.Fatalf("Server error: %v", err)
	}

	klog.Info("Gateway stopped")
}
