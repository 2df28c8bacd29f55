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
	"time"

	"github.com/volcano-sh/usersandbox/pkg/common/types"
)

// noneStore records nothing. Reads report ErrNotFound, writes succeed.
type noneStore struct{}

// NewNoneStore returns a Store that records nothing.
func NewNoneStore() Store {
	return noneStore{}
}

func (noneStore) Ping(context.Context) error { return nil }

func (noneStore) GetLease(context.Context, string) (*types.SandboxLease, error) {
	return nil, ErrNotFound
}

func (noneStore) StoreLease(context.Context, *types.SandboxLease) error { return nil }

func (noneStore) UpdateLease(context.Context, *types.SandboxLease) error { return nil }

func (noneStore) DeleteLease(context.Context, string) error { return nil }

func (noneStore) ListExpiredLeases(context.Context, time.Time, int64) ([]*types.SandboxLease, error) {
	return nil, nil
}

func (noneStore) ListInactiveLeases(context.Context, time.Time, int64) ([]*types.SandboxLease, error) {
	return nil, nil
}

func (noneStore) UpdateLastActivity(context.Context, string, time.Time) error { return nil }

func (noneStore) Close() error { return nil }
