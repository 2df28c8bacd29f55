package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"k8s.io/klog/v2"

	"github.com/volcano-sh/usersandbox/pkg/coderunner"
	"github.com/volcano-sh/usersandbox/pkg/common/types"
)

func parseConfig(fs *flag.FlagSet, args []string) (coderunner.Config, error) {
	cfg := coderunner.DefaultConfig()

	fs.IntVar(&cfg.Port, "port", cfg.Port, "Port for the coderunner server to listen on")
	fs.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "Directory where code runs and uploads are stored")
	fs.StringVar(&cfg.PythonBin, "python", cfg.PythonBin, "Python interpreter")
	fs.DurationVar(&cfg.PythonTimeout, "python-timeout", cfg.PythonTimeout, "Time limit of one python execution")
	fs.DurationVar(&cfg.ShellTimeout, "shell-timeout", cfg.ShellTimeout, "Time limit of one shell command")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if cfg.PythonTimeout <= 0 || cfg.ShellTimeout <= 0 {
		return cfg, fmt.Errorf("execution timeouts must be positive")
	}

	cfg.SQL = coderunner.SQLConfigFromEnv()
	if key := strings.TrimSpace(os.Getenv(types.EnvSandboxTokenKey)); key != "" {
		cfg.TokenKey = []byte(key)
	}
	return cfg, nil
}

func main() {
	klog.InitFlags(nil)

	config, err := parseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if config.TokenKey == nil {
		klog.Warningf("%s not set, requests are not authenticated", types.EnvSandboxTokenKey)
	}

	server, err := coderunner.NewServer(config)
	if err != nil {
		klog.Fatalf("Failed to create coderunner: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := server.Run(ctx); err != nil {
		klog.Fatalf("Failed to run server: %v", err)
	}
	klog.Info("coderunner stopped")
}
