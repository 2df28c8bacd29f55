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

package store

import (
	"context"
	"errors"
	"time"

	"github.com/volcano-sh/usersandbox/pkg/common/types"
)

// ErrNotFound is returned when no lease is recorded for a user.
var ErrNotFound = errors.New("store: lease not found")

// Store keeps sandbox leases for lifecycle garbage collection.
// It is never the source of truth for whether a sandbox exists; the cluster is.
type Store interface {
	// Ping check store provider available or not
	Ping(ctx context.Context) error
	// GetLease get the lease by user ID
	GetLease(ctx context.Context, userID string) (*types.SandboxLease, error)
	// StoreLease store lease into storage, replacing any previous lease of the user
	StoreLease(ctx context.Context, lease *types.SandboxLease) error
	// UpdateLease update lease of storage, indexes are left unchanged
	UpdateLease(ctx context.Context, lease *types.SandboxLease) error
	// DeleteLease delete lease by user ID
	DeleteLease(ctx context.Context, userID string) error
	// ListExpiredLeases returns up to limit leases with ExpiresAt before the given time
	ListExpiredLeases(ctx context.Context, before time.Time, limit int64) ([]*types.SandboxLease, error)
	// ListInactiveLeases returns up to limit leases with last-activity time before the given time
	ListInactiveLeases(ctx context.Context, before time.Time, limit int64) ([]*types.SandboxLease, error)
	// UpdateLastActivity updates the last-activity index for the given user
	UpdateLastActivity(ctx context.Context, userID string, at time.Time) error
	// Close releases all resources held by the store (e.g. connection pools)
	Close() error
}
