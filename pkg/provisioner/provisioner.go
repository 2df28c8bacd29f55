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
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"
	"k8s.io/klog/v2"

	"github.com/volcano-sh/usersandbox/pkg/cluster"
	"github.com/volcano-sh/usersandbox/pkg/common/types"
	"github.com/volcano-sh/usersandbox/pkg/metrics"
	"github.com/volcano-sh/usersandbox/pkg/store"
)

// Provisioner creates, inspects and removes per-user sandboxes.
// It holds no per-user state; every call derives the sandbox identity from the user id.
type Provisioner struct {
	client  cluster.Client
	leases  store.Store
	cfg     Config
	limiter *rate.Limiter
	now     func() time.Time
}

// Status is the observed state of one user's sandbox.
type Status struct {
	State    types.ProvisionState
	Identity types.SandboxIdentity
	IP       string
	Phase    string
}

// New creates a Provisioner. A nil leases store disables lease recording.
func New(client cluster.Client, leases store.Store, cfg Config) *Provisioner {
	if leases == nil {
		leases = store.NewNoneStore()
	}
	return &Provisioner{
		client:  client,
		leases:  leases,
		cfg:     cfg,
		limiter: cfg.newLimiter(),
		now:     time.Now,
	}
}

// Provision creates the compute unit and then the address of the user's sandbox.
// Nothing is retried and nothing is rolled back: a failure at the address stage
// leaves the unit in place, which EnsureAddress or Teardown can repair.
func (p *Provisioner) Provision(ctx context.Context, userID string, env []types.EnvVar) (types.SandboxIdentity, error) {
	if err := types.ValidateUserID(userID); err != nil {
		return types.SandboxIdentity{}, err
	}
	id := types.DeriveIdentity(userID)

	// the caller's slice must not be observed after this point
	envCopy := make([]types.EnvVar, len(env))
	copy(envCopy, env)

	if err := p.wait(ctx); err != nil {
		metrics.ProvisionTotal.WithLabelValues(metrics.ProvisionUnitFailed).Inc()
		return id, newProvisionError(StageUnit, false, err)
	}
	if err := p.client.CreateComputeUnit(ctx, p.unitSpec(id, envCopy)); err != nil {
		klog.Errorf("provision %s: create unit %s failed: %v", userID, id.UnitName, err)
		metrics.ProvisionTotal.WithLabelValues(metrics.ProvisionUnitFailed).Inc()
		return id, newProvisionError(StageUnit, false, err)
	}

	if err := p.wait(ctx); err != nil {
		p.recordLease(ctx, userID, id, types.StateUnitCreated)
		metrics.ProvisionTotal.WithLabelValues(metrics.ProvisionAddressFailed).Inc()
		return id, newProvisionError(StageAddress, true, err)
	}
	if err := p.client.CreateAddress(ctx, id.AddressName, p.selector(id), p.cfg.Port); err != nil {
		klog.Errorf("provision %s: create address %s failed, unit %s left in place: %v", userID, id.AddressName, id.UnitName, err)
		p.recordLease(ctx, userID, id, types.StateUnitCreated)
		metrics.ProvisionTotal.WithLabelValues(metrics.ProvisionAddressFailed).Inc()
		return id, newProvisionError(StageAddress, true, err)
	}

	p.recordLease(ctx, userID, id, types.StateReady)
	metrics.ProvisionTotal.WithLabelValues(metrics.ProvisionSuccess).Inc()
	klog.Infof("provisioned sandbox for %s: pod %s, service %s", userID, id.UnitName, id.AddressName)
	return id, nil
}

// EnsureAddress creates the address of the user's sandbox if it does not exist yet.
func (p *Provisioner) EnsureAddress(ctx context.Context, userID string) (types.SandboxIdentity, error) {
	if err := types.ValidateUserID(userID); err != nil {
		return types.SandboxIdentity{}, err
	}
	id := types.DeriveIdentity(userID)

	if err := p.wait(ctx); err != nil {
		return id, newProvisionError(StageAddress, false, err)
	}
	err := p.client.CreateAddress(ctx, id.AddressName, p.selector(id), p.cfg.Port)
	if err != nil && !errors.Is(err, cluster.ErrAlreadyExists) {
		return id, newProvisionError(StageAddress, false, err)
	}
	return id, nil
}

// Status derives the lifecycle state of the user's sandbox from the cluster.
func (p *Provisioner) Status(ctx context.Context, userID string) (*Status, error) {
	if err := types.ValidateUserID(userID); err != nil {
		return nil, err
	}
	id := types.DeriveIdentity(userID)
	status := &Status{State: types.StateUnprovisioned, Identity: id}

	unit, err := p.client.GetComputeUnit(ctx, id.UnitName)
	if errors.Is(err, cluster.ErrNotFound) {
		return status, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get unit %s: %w", id.UnitName, err)
	}
	status.State = types.StateUnitCreated
	status.Phase = unit.Phase

	addr, err := p.client.ResolveAddress(ctx, id.AddressName)
	if errors.Is(err, cluster.ErrNotFound) {
		return status, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve address %s: %w", id.AddressName, err)
	}
	if addr.IP != "" {
		status.State = types.StateReady
		status.IP = addr.IP
	}
	return status, nil
}

// Teardown deletes the address and then the unit of the user's sandbox and
// forgets its lease. Missing resources are not an error.
func (p *Provisioner) Teardown(ctx context.Context, userID string) error {
	if err := types.ValidateUserID(userID); err != nil {
		return err
	}
	id := types.DeriveIdentity(userID)

	if err := p.wait(ctx); err != nil {
		return err
	}
	if err := p.client.DeleteAddress(ctx, id.AddressName); err != nil {
		return fmt.Errorf("teardown %s: %w", userID, err)
	}
	if err := p.wait(ctx); err != nil {
		return err
	}
	if err := p.client.DeleteComputeUnit(ctx, id.UnitName); err != nil {
		return fmt.Errorf("teardown %s: %w", userID, err)
	}

	if err := p.leases.DeleteLease(ctx, userID); err != nil {
		klog.Warningf("teardown %s: delete lease failed: %v", userID, err)
	}
	klog.Infof("tore down sandbox for %s", userID)
	return nil
}

func (p *Provisioner) unitSpec(id types.SandboxIdentity, env []types.EnvVar) cluster.ComputeUnitSpec {
	spec := cluster.ComputeUnitSpec{
		Name:           id.UnitName,
		Image:          p.cfg.Image,
		Port:           p.cfg.Port,
		Env:            env,
		PullSecret:     p.cfg.PullSecret,
		ServiceAccount: p.cfg.ServiceAccount,
	}
	if p.cfg.TokenSecretName != "" {
		spec.SecretEnv = []cluster.SecretEnvVar{{
			Name:       types.EnvSandboxTokenKey,
			SecretName: p.cfg.TokenSecretName,
			Key:        p.cfg.TokenSecretKey,
		}}
	}
	return spec
}

func (p *Provisioner) selector(id types.SandboxIdentity) map[string]string {
	return map[string]string{cluster.AppLabelKey: id.UnitName}
}

// recordLease is best effort: the cluster, not the store, says whether a sandbox exists.
func (p *Provisioner) recordLease(ctx context.Context, userID string, id types.SandboxIdentity, state types.ProvisionState) {
	if !store.Enabled(p.leases) {
		return
	}
	now := p.now()
	lease := &types.SandboxLease{
		UserID:      userID,
		UnitName:    id.UnitName,
		AddressName: id.AddressName,
		Namespace:   p.cfg.Namespace,
		State:       state,
		CreatedAt:   now,
		ExpiresAt:   now.Add(p.cfg.SandboxTTL),
	}
	if err := p.leases.StoreLease(ctx, lease); err != nil {
		klog.Warningf("record lease for %s failed: %v", userID, err)
	}
}

// wait takes one mutation token. A wait that cannot finish before the deadline
// reports context.DeadlineExceeded.
func (p *Provisioner) wait(ctx context.Context) error {
	if err := p.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("mutation rate limit: %v: %w", err, context.DeadlineExceeded)
	}
	return nil
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
