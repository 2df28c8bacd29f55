package types

import (
	"encoding/json"
	"fmt"
)

type CreateSandboxRequest struct {
	UserID string `json:"user_id"`
}

func (r *CreateSandboxRequest) Validate() error {
	return ValidateUserID(r.UserID)
}

// CreateWithSQLRequest provisions a sandbox with database credentials injected.
type CreateWithSQLRequest struct {
	UserID      string `json:"user_id"`
	SQLServer   string `json:"sql_server"`
	SQLDatabase string `json:"sql_database"`
	SQLUsername string `json:"sql_username"`
	SQLPassword string `json:"sql_password"`
	SQLDriver   string `json:"sql_driver"`
}

func (r *CreateWithSQLRequest) Validate() error {
	if err := ValidateUserID(r.UserID); err != nil {
		return err
	}
	if r.SQLServer == "" {
		return fmt.Errorf("sql_server is required")
	}
	if r.SQLDatabase == "" {
		return fmt.Errorf("sql_database is required")
	}
	if r.SQLUsername == "" {
		return fmt.Errorf("sql_username is required")
	}
	if r.SQLPassword == "" {
		return fmt.Errorf("sql_password is required")
	}
	return nil
}

// EnvConfig returns the environment pairs consumed by the sandbox SQL endpoint.
func (r *CreateWithSQLRequest) EnvConfig() []EnvVar {
	driver := r.SQLDriver
	if driver == "" {
		driver = DefaultSQLDriver
	}
	return []EnvVar{
		{Name: EnvSQLServer, Value: r.SQLServer},
		{Name: EnvSQLDatabase, Value: r.SQLDatabase},
		{Name: EnvSQLUsername, Value: r.SQLUsername},
		{Name: EnvSQLPassword, Value: r.SQLPassword},
		{Name: EnvSQLDriver, Value: driver},
	}
}

type CreateSandboxResponse struct {
	Message string `json:"message"`
	Pod     string `json:"pod"`
	Service string `json:"service"`
}

type SandboxStatusResponse struct {
	State   ProvisionState `json:"state"`
	Pod     string         `json:"pod"`
	Service string         `json:"service"`
	IP      string         `json:"ip,omitempty"`
	Phase   string         `json:"phase,omitempty"`
}

type PythonRequest struct {
	UserID string `json:"user_id"`
	Code   string `json:"code"`
}

type ShellRequest struct {
	UserID  string `json:"user_id"`
	Command string `json:"command"`
}

type SQLRequest struct {
	UserID string `json:"user_id"`
	SQL    string `json:"sql"`
}

type GPTRequest struct {
	UserID      string `json:"user_id"`
	Instruction string `json:"instruction"`
}

type GPTResponse struct {
	Response string `json:"response"`
}

// Bodies of the sandbox execution contract.

type CodeRequest struct {
	Code string `json:"code"`
}

type CommandRequest struct {
	Command string `json:"command"`
}

type StatementRequest struct {
	SQL string `json:"sql"`
}

// ExecResult is the python/shell/upload result shape. Exactly one field is set.
type ExecResult struct {
	Output  *string `json:"output,omitempty"`
	Message *string `json:"message,omitempty"`
	Error   *string `json:"error,omitempty"`
}

const (
	SQLResultSelect  = "select"
	SQLResultCommand = "command"
)

// SQLResult is the sql result shape. Rows are kept raw to preserve column order.
type SQLResult struct {
	Type    string            `json:"type"`
	Rows    []json.RawMessage `json:"rows,omitempty"`
	Message *string           `json:"message,omitempty"`
	Error   *string           `json:"error,omitempty"`
	Detail  *string           `json:"detail,omitempty"`
}
