package coderunner

import (
	"os"
	"time"

	"github.com/volcano-sh/usersandbox/pkg/common/types"
)

const (
	DefaultPort          = types.SandboxPort
	DefaultDataDir       = "/data"
	DefaultPythonTimeout = 5 * time.Second
	DefaultShellTimeout  = 10 * time.Second
	// MaxBodySize limits request bodies, uploads included
	MaxBodySize = 32 << 20
)

// Config defines the coderunner configuration
type Config struct {
	Port          int
	DataDir       string
	PythonBin     string
	PythonTimeout time.Duration
	ShellTimeout  time.Duration
	// TokenKey enables request token verification when set
	TokenKey []byte
	SQL      SQLConfig
}

// DefaultConfig returns the configuration used inside sandbox pods
func DefaultConfig() Config {
	return Config{
		Port:          DefaultPort,
		DataDir:       DefaultDataDir,
		PythonBin:     "python3",
		PythonTimeout: DefaultPythonTimeout,
		ShellTimeout:  DefaultShellTimeout,
	}
}

// SQLConfig holds the database connection injected at sandbox creation
type SQLConfig struct {
	Server   string
	Database string
	Username string
	Password string
	Driver   string
}

// SQLConfigFromEnv reads the AZURE_SQL_* variables
func SQLConfigFromEnv() SQLConfig {
	driver := os.Getenv(types.EnvSQLDriver)
	if driver == "" {
		driver = types.DefaultSQLDriver
	}
	return SQLConfig{
		Server:   os.Getenv(types.EnvSQLServer),
		Database: os.Getenv(types.EnvSQLDatabase),
		Username: os.Getenv(types.EnvSQLUsername),
		Password: os.Getenv(types.EnvSQLPassword),
		Driver:   driver,
	}
}
