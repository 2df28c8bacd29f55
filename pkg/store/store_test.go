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
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/volcano-sh/usersandbox/pkg/common/types"
)

func newTestLease(userID string, expiresAt time.Time) *types.SandboxLease {
	id := types.DeriveIdentity(userID)
	return &types.SandboxLease{
		UserID:      userID,
		UnitName:    id.UnitName,
		AddressName: id.AddressName,
		Namespace:   "default",
		State:       types.StateReady,
		CreatedAt:   time.Now().UTC().Truncate(time.Second),
		ExpiresAt:   expiresAt.UTC().Truncate(time.Second),
	}
}

func userIDs(leases []*types.SandboxLease) []string {
	ids := make([]string, 0, len(leases))
	for _, l := range leases {
		ids = append(ids, l.UserID)
	}
	sort.Strings(ids)
	return ids
}

// exerciseLeaseStore runs the behaviour shared by every backend.
func exerciseLeaseStore(t *testing.T, s Store, mr *miniredis.Miniredis) {
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.Ping(ctx))

	t.Run("get missing", func(t *testing.T) {
		_, err := s.GetLease(ctx, "nobody")
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("store get update delete", func(t *testing.T) {
		lease := newTestLease("alice", now.Add(time.Hour))
		require.NoError(t, s.StoreLease(ctx, lease))

		got, err := s.GetLease(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, lease.UnitName, got.UnitName)
		assert.Equal(t, lease.AddressName, got.AddressName)
		assert.True(t, lease.ExpiresAt.Equal(got.ExpiresAt))

		_, err = mr.ZScore(expiryIndexKey, "alice")
		assert.NoError(t, err)
		_, err = mr.ZScore(lastActivityIndexKey, "alice")
		assert.NoError(t, err)

		lease.State = types.StateUnitCreated
		require.NoError(t, s.UpdateLease(ctx, lease))
		got, err = s.GetLease(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, types.StateUnitCreated, got.State)

		require.NoError(t, s.DeleteLease(ctx, "alice"))
		_, err = s.GetLease(ctx, "alice")
		assert.True(t, errors.Is(err, ErrNotFound))
		_, err = mr.ZScore(expiryIndexKey, "alice")
		assert.True(t, errors.Is(err, miniredis.ErrKeyNotFound))

		// deleting again is fine
		assert.NoError(t, s.DeleteLease(ctx, "alice"))
	})

	t.Run("store rejects bad input", func(t *testing.T) {
		assert.Error(t, s.StoreLease(ctx, nil))
		assert.Error(t, s.StoreLease(ctx, &types.SandboxLease{UserID: "zero"}))
	})

	t.Run("update missing", func(t *testing.T) {
		err := s.UpdateLease(ctx, newTestLease("ghost", now))
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrNotFound))
		assert.Contains(t, err.Error(), "key not exists")
	})

	t.Run("list expired and inactive", func(t *testing.T) {
		require.NoError(t, s.StoreLease(ctx, newTestLease("old", now.Add(-time.Hour))))
		require.NoError(t, s.StoreLease(ctx, newTestLease("fresh", now.Add(time.Hour))))
		require.NoError(t, s.StoreLease(ctx, newTestLease("idle", now.Add(time.Hour))))
		t.Cleanup(func() {
			for _, id := range []string{"old", "fresh", "idle"} {
				_ = s.DeleteLease(ctx, id)
			}
		})

		expired, err := s.ListExpiredLeases(ctx, now, 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"old"}, userIDs(expired))

		require.NoError(t, s.UpdateLastActivity(ctx, "idle", now.Add(-2*time.Hour)))
		inactive, err := s.ListInactiveLeases(ctx, now.Add(-time.Hour), 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"idle"}, userIDs(inactive))

		none, err := s.ListExpiredLeases(ctx, now, 0)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("list skips dangling index entries", func(t *testing.T) {
		_, err := mr.ZAdd(expiryIndexKey, float64(now.Add(-time.Minute).Unix()), "dangling")
		require.NoError(t, err)
		t.Cleanup(func() { _, _ = mr.ZRem(expiryIndexKey, "dangling") })

		expired, err := s.ListExpiredLeases(ctx, now, 10)
		require.NoError(t, err)
		assert.Empty(t, expired)
	})

	t.Run("last activity requires lease", func(t *testing.T) {
		assert.True(t, errors.Is(s.UpdateLastActivity(ctx, "nobody", now), ErrNotFound))
		assert.Error(t, s.UpdateLastActivity(ctx, "", now))
	})
}
