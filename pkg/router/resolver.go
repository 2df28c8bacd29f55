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

package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/volcano-sh/usersandbox/pkg/cluster"
	"github.com/volcano-sh/usersandbox/pkg/common/types"
)

// EndpointResolver maps a user id to the routable IP of its sandbox.
type EndpointResolver interface {
	Resolve(ctx context.Context, userID string) (string, error)
}

// Resolver resolves sandboxes through their service address.
type Resolver struct {
	client cluster.Client
}

var _ EndpointResolver = (*Resolver)(nil)

func NewResolver(client cluster.Client) *Resolver {
	return &Resolver{client: client}
}

// Resolve returns the cluster IP of the user's service address.
// It fails with ErrNeverProvisioned or ErrNotReady, or with the cluster error otherwise.
func (r *Resolver) Resolve(ctx context.Context, userID string) (string, error) {
	if err := types.ValidateUserID(userID); err != nil {
		// no resource can carry a name derived from an invalid id
		return "", fmt.Errorf("%w: %v", ErrNeverProvisioned, err)
	}
	name := types.DeriveIdentity(userID).AddressName

	addr, err := r.client.ResolveAddress(ctx, name)
	if errors.Is(err, cluster.ErrNotFound) {
		return "", fmt.Errorf("%w: service %s", ErrNeverProvisioned, name)
	}
	if err != nil {
		return "", fmt.Errorf("resolve service %s: %w", name, err)
	}
	if addr.IP == "" {
		return "", fmt.Errorf("%w: service %s", ErrNotReady, name)
	}
	return addr.IP, nil
}
