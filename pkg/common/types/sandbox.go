package types

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"k8s.io/apimachinery/pkg/util/validation"
)

const (
	// UnitNamePrefix prefixes the compute unit (pod) name of every sandbox
	UnitNamePrefix = "userpod-"
	// AddressNamePrefix prefixes the service address name of every sandbox
	AddressNamePrefix = "usersvc-"
	// SandboxPort is the port of the execution contract inside every sandbox
	SandboxPort = 5000
)

// ErrInvalidUserID indicates that a user id cannot be turned into valid resource names.
var ErrInvalidUserID = errors.New("invalid user id")

// SandboxIdentity holds the resource names of one user's sandbox.
// It is always derived, never stored.
type SandboxIdentity struct {
	UnitName    string `json:"pod"`
	AddressName string `json:"service"`
}

// DeriveIdentity maps a user id to its sandbox resource names.
func DeriveIdentity(userID string) SandboxIdentity {
	return SandboxIdentity{
		UnitName:    UnitNamePrefix + userID,
		AddressName: AddressNamePrefix + userID,
	}
}

// ValidateUserID checks that both derived names are valid DNS-1123 labels,
// so a bad id is rejected before any cluster call is made.
func ValidateUserID(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidUserID)
	}
	id := DeriveIdentity(userID)
	for _, name := range []string{id.UnitName, id.AddressName} {
		if errs := validation.IsDNS1123Label(name); len(errs) > 0 {
			return fmt.Errorf("%w: %q: %s", ErrInvalidUserID, userID, strings.Join(errs, "; "))
		}
	}
	return nil
}

// EnvVar is a single name/value pair injected into a sandbox at creation time.
type EnvVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// ProvisionState is the lifecycle state of a sandbox as observed in the cluster.
type ProvisionState string

const (
	StateUnprovisioned ProvisionState = "Unprovisioned"
	StateUnitCreated   ProvisionState = "UnitCreated"
	StateReady         ProvisionState = "Ready"
)

// SandboxLease is the lifecycle record kept in the lease store.
// Last activity is tracked in a sorted set index, not in this struct.
type SandboxLease struct {
	UserID      string         `json:"userId"`
	UnitName    string         `json:"unitName"`
	AddressName string         `json:"addressName"`
	Namespace   string         `json:"namespace"`
	State       ProvisionState `json:"state"`
	CreatedAt   time.Time      `json:"createdAt"`
	ExpiresAt   time.Time      `json:"expiresAt"`
}

// Kind names one operation of the sandbox execution contract.
type Kind string

const (
	KindPython Kind = "python"
	KindShell  Kind = "shell"
	KindSQL    Kind = "sql"
	KindUpload Kind = "upload"
)

// Path returns the URL path of the operation on the sandbox.
func (k Kind) Path() string {
	return "/" + string(k)
}

const (
	EnvSQLServer   = "AZURE_SQL_SERVER"
	EnvSQLDatabase = "AZURE_SQL_DATABASE"
	EnvSQLUsername = "AZURE_SQL_USERNAME"
	EnvSQLPassword = "AZURE_SQL_PASSWORD"
	EnvSQLDriver   = "AZURE_SQL_DRIVER"

	// DefaultSQLDriver is the driver string used when none is supplied
	DefaultSQLDriver = "{ODBC Driver 17 for SQL Server}"

	// EnvSandboxTokenKey carries the request signing key into the sandbox
	EnvSandboxTokenKey = "SANDBOX_TOKEN_KEY"
	// TokenIssuer is the issuer of request tokens minted by the gateway
	TokenIssuer = "usersandbox-gateway"
)
