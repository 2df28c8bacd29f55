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
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"k8s.io/klog/v2"

	"github.com/valkey-io/valkey-go"

	"github.com/volcano-sh/usersandbox/pkg/common/types"
)

type valkeyStore struct {
	cli                  valkey.Client
	leasePrefix          string
	expiryIndexKey       string
	lastActivityIndexKey string
}

// initValkeyStore init valkey store client
func initValkeyStore() (*valkeyStore, error) {
	clientOpts, err := makeValkeyOptions()
	if err != nil {
		return nil, fmt.Errorf("make valkey client options failed: %w", err)
	}

	client, err := valkey.NewClient(*clientOpts)
	if err != nil {
		return nil, fmt.Errorf("create valkey client failed: %w", err)
	}
	return newValkeyStore(client), nil
}

func newValkeyStore(cli valkey.Client) *valkeyStore {
	return &valkeyStore{
		cli:                  cli,
		leasePrefix:          leasePrefix,
		expiryIndexKey:       expiryIndexKey,
		lastActivityIndexKey: lastActivityIndexKey,
	}
}

// makeValkeyOptions creates valkey ClientOption from environment variables
func makeValkeyOptions() (*valkey.ClientOption, error) {
	valkeyAddr := os.Getenv("VALKEY_ADDR")
	if valkeyAddr == "" {
		return nil, fmt.Errorf("missing env var VALKEY_ADDR")
	}

	valkeyPassword := os.Getenv("VALKEY_PASSWORD")
	// require non-empty password unless explicitly disabled via VALKEY_PASSWORD_REQUIRED=false
	if strings.ToLower(os.Getenv("VALKEY_PASSWORD_REQUIRED")) != "false" && valkeyPassword == "" {
		return nil, fmt.Errorf("missing env var VALKEY_PASSWORD")
	}

	valkeyClientOptions := &valkey.ClientOption{
		InitAddress: strings.Split(valkeyAddr, ","),
		Password:    valkeyPassword,
	}
	if v := os.Getenv("VALKEY_DISABLE_CACHE"); v != "" {
		disableCache, err := strconv.ParseBool(v)
		if err == nil && disableCache {
			valkeyClientOptions.DisableCache = true
			klog.Info("valkeyClientOptions DisableCache is set to true")
		}
	}
	if v := os.Getenv("VALKEY_FORCE_SINGLE"); v != "" {
		forceSingle, err := strconv.ParseBool(v)
		if err == nil && forceSingle {
			valkeyClientOptions.ForceSingleClient = true
			klog.Info("valkeyClientOptions ForceSingleClient is set to true")
		}
	}
	return valkeyClientOptions, nil
}

func (vs *valkeyStore) leaseKey(userID string) string {
	return vs.leasePrefix + userID
}

// loadLeasesByUserIDs loads lease objects for the given user IDs.
func (vs *valkeyStore) loadLeasesByUserIDs(ctx context.Context, userIDs []string) ([]*types.SandboxLease, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(userIDs))
	for _, userID := range userIDs {
		keys = append(keys, vs.leaseKey(userID))
	}
	// MGet should in same slot
	values, err := vs.cli.Do(ctx, vs.cli.B().Mget().Key(keys...).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("loadLeasesByUserIDs: valkey MGet leases failed: %w", err)
	}
	if len(values) > len(keys) {
		return nil, fmt.Errorf("unexpected MGet result size: %d, param size: %d", len(values), len(keys))
	}

	leases := make([]*types.SandboxLease, 0, len(values))
	for i, raw := range values {
		if len(raw) == 0 {
			// raw is empty while the lease key does not exist, ignore
			continue
		}
		var lease types.SandboxLease
		if err = json.Unmarshal([]byte(raw), &lease); err != nil {
			return nil, fmt.Errorf("unmarshal lease failed: %w, index: %v, userID: %v", err, i, userIDs[i])
		}
		leases = append(leases, &lease)
	}
	return leases, nil
}

// Ping check valkey store available or not
func (vs *valkeyStore) Ping(ctx context.Context) error {
	resp, err := vs.cli.Do(ctx, vs.cli.B().Ping().Build()).ToString()
	if err != nil {
		return fmt.Errorf("ping error: %w", err)
	}
	if resp != "PONG" {
		return fmt.Errorf("unexpected ping response: %s", resp)
	}
	return nil
}

// GetLease get the lease by user ID
func (vs *valkeyStore) GetLease(ctx context.Context, userID string) (*types.SandboxLease, error) {
	key := vs.leaseKey(userID)

	b, err := vs.cli.Do(ctx, vs.cli.B().Get().Key(key).Build()).AsBytes()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("GetLease: valkey GET %s: %w", key, err)
	}

	var lease types.SandboxLease
	if err := json.Unmarshal(b, &lease); err != nil {
		return nil, fmt.Errorf("GetLease: unmarshal lease failed: %w", err)
	}
	return &lease, nil
}

// StoreLease store lease into storage
func (vs *valkeyStore) StoreLease(ctx context.Context, lease *types.SandboxLease) error {
	if lease == nil {
		return errors.New("StoreLease: lease is nil")
	}
	if lease.ExpiresAt.IsZero() {
		return fmt.Errorf("StoreLease: lease expires time is zero")
	}

	b, err := json.Marshal(lease)
	if err != nil {
		return fmt.Errorf("StoreLease: marshal lease: %w", err)
	}

	commands := make(valkey.Commands, 0, 3)
	commands = append(commands, vs.cli.B().Set().Key(vs.leaseKey(lease.UserID)).Value(string(b)).Build())
	commands = append(commands, vs.cli.B().Zadd().Key(vs.expiryIndexKey).ScoreMember().
		ScoreMember(float64(lease.ExpiresAt.Unix()), lease.UserID).Build())
	commands = append(commands, vs.cli.B().Zadd().Key(vs.lastActivityIndexKey).ScoreMember().
		ScoreMember(float64(time.Now().Unix()), lease.UserID).Build())

	for i, resp := range vs.cli.DoMulti(ctx, commands...) {
		if err = resp.Error(); err != nil {
			return fmt.Errorf("StoreLease: DoMulti failed: %w, command index: %v", err, i)
		}
	}
	return nil
}

// UpdateLease update lease obj in valkey
// update lease object only, do not update expiry and lastActivity ZSet
func (vs *valkeyStore) UpdateLease(ctx context.Context, lease *types.SandboxLease) error {
	if lease == nil {
		return errors.New("UpdateLease: lease is nil")
	}

	key := vs.leaseKey(lease.UserID)

	b, err := json.Marshal(lease)
	if err != nil {
		return fmt.Errorf("UpdateLease: marshal lease failed: %w", err)
	}

	msg, err := vs.cli.Do(ctx, vs.cli.B().Set().Key(key).Value(string(b)).Xx().Build()).ToString()
	if err != nil && !valkey.IsValkeyNil(err) {
		return fmt.Errorf("UpdateLease: valkey SETXX %s failed: %w", key, err)
	}
	if msg != "OK" {
		return fmt.Errorf("UpdateLease: valkey SETXX %s, key not exists: %w", key, ErrNotFound)
	}
	return nil
}

// DeleteLease delete lease by user ID
func (vs *valkeyStore) DeleteLease(ctx context.Context, userID string) error {
	commands := make(valkey.Commands, 0, 3)
	commands = append(commands, vs.cli.B().Del().Key(vs.leaseKey(userID)).Build())
	commands = append(commands, vs.cli.B().Zrem().Key(vs.expiryIndexKey).Member(userID).Build())
	commands = append(commands, vs.cli.B().Zrem().Key(vs.lastActivityIndexKey).Member(userID).Build())

	for i, resp := range vs.cli.DoMulti(ctx, commands...) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("DeleteLease: DoMulti failed: %w, command index: %v", err, i)
		}
	}
	return nil
}

// ListExpiredLeases returns up to limit leases with ExpiresAt before the given time
func (vs *valkeyStore) ListExpiredLeases(ctx context.Context, before time.Time, limit int64) ([]*types.SandboxLease, error) {
	ids, err := vs.rangeByScore(ctx, vs.expiryIndexKey, before, limit)
	if err != nil {
		return nil, fmt.Errorf("ListExpiredLeases: %w", err)
	}
	return vs.loadLeasesByUserIDs(ctx, ids)
}

// ListInactiveLeases returns up to limit leases with last-activity time before the given time
func (vs *valkeyStore) ListInactiveLeases(ctx context.Context, before time.Time, limit int64) ([]*types.SandboxLease, error) {
	ids, err := vs.rangeByScore(ctx, vs.lastActivityIndexKey, before, limit)
	if err != nil {
		return nil, fmt.Errorf("ListInactiveLeases: %w", err)
	}
	return vs.loadLeasesByUserIDs(ctx, ids)
}

func (vs *valkeyStore) rangeByScore(ctx context.Context, key string, before time.Time, limit int64) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	cmd := vs.cli.B().Zrangebyscore().Key(key).Min("-inf").Max(fmt.Sprintf("%d", before.Unix())).Limit(0, limit).Build()
	ids, err := vs.cli.Do(ctx, cmd).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("ZRangeByScore %s failed: %w", key, err)
	}
	return ids, nil
}

// UpdateLastActivity updates the last-activity index for the given user
func (vs *valkeyStore) UpdateLastActivity(ctx context.Context, userID string, at time.Time) error {
	if userID == "" {
		return errors.New("UpdateLastActivity: userID is empty")
	}
	if at.IsZero() {
		at = time.Now()
	}
	exists, err := vs.cli.Do(ctx, vs.cli.B().Exists().Key(vs.leaseKey(userID)).Build()).AsInt64()
	if err != nil {
		return fmt.Errorf("UpdateLastActivity: valkey Exists failed: %w", err)
	}
	if exists != 1 {
		return ErrNotFound
	}

	zadd := vs.cli.B().Zadd().Key(vs.lastActivityIndexKey).ScoreMember().
		ScoreMember(float64(at.Unix()), userID).Build()
	if err = vs.cli.Do(ctx, zadd).Error(); err != nil {
		return fmt.Errorf("UpdateLastActivity: ZADD failed: %w", err)
	}
	return nil
}

func (vs *valkeyStore) Close() error {
	vs.cli.Close()
	return nil
}
