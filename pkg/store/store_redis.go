package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	redisv9 "github.com/redis/go-redis/v9"

	"github.com/volcano-sh/usersandbox/pkg/common/types"
)

const (
	leasePrefix          = "lease:"
	expiryIndexKey       = "lease:expiry"
	lastActivityIndexKey = "lease:last_activity"
)

type redisStore struct {
	cli                  *redisv9.Client
	leasePrefix          string
	expiryIndexKey       string
	lastActivityIndexKey string
}

// initRedisStore init redis store client
func initRedisStore() (*redisStore, error) {
	redisOptions, err := makeRedisOptions()
	if err != nil {
		return nil, fmt.Errorf("make redis options failed: %w", err)
	}
	return newRedisStore(redisv9.NewClient(redisOptions)), nil
}

func newRedisStore(cli *redisv9.Client) *redisStore {
	return &redisStore{
		cli:                  cli,
		leasePrefix:          leasePrefix,
		expiryIndexKey:       expiryIndexKey,
		lastActivityIndexKey: lastActivityIndexKey,
	}
}

// makeRedisOptions creates redis options from environment variables
func makeRedisOptions() (*redisv9.Options, error) {
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		return nil, fmt.Errorf("missing env var REDIS_ADDR")
	}

	redisPassword := os.Getenv("REDIS_PASSWORD")
	if redisPassword == "" {
		return nil, fmt.Errorf("missing env var REDIS_PASSWORD")
	}

	redisOptions := &redisv9.Options{
		Addr:     redisAddr,
		Password: redisPassword,
	}
	return redisOptions, nil
}

func (rs *redisStore) leaseKey(userID string) string {
	return rs.leasePrefix + userID
}

// loadLeasesByUserIDs loads lease objects for the given user IDs.
func (rs *redisStore) loadLeasesByUserIDs(ctx context.Context, userIDs []string) ([]*types.SandboxLease, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}

	leaseCommands := make([]*redisv9.StringCmd, len(userIDs))
	pipe := rs.cli.Pipeline()
	for i, userID := range userIDs {
		leaseCommands[i] = pipe.Get(ctx, rs.leaseKey(userID))
	}
	// a missing key surfaces as redis.Nil on both Exec and the command; handled per command below
	if _, pipeErr := pipe.Exec(ctx); pipeErr != nil && !errors.Is(pipeErr, redisv9.Nil) {
		return nil, fmt.Errorf("redis pipeline exec failed: %w", pipeErr)
	}

	result := make([]*types.SandboxLease, 0, len(userIDs))
	for i, cmd := range leaseCommands {
		data, err := cmd.Bytes()
		if errors.Is(err, redisv9.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("loadLeasesByUserIDs: get lease JSON for user %s: %w", userIDs[i], err)
		}
		var lease types.SandboxLease
		if err := json.Unmarshal(data, &lease); err != nil {
			return nil, fmt.Errorf("loadLeasesByUserIDs: unmarshal lease for user %s: %w", userIDs[i], err)
		}
		result = append(result, &lease)
	}

	return result, nil
}

func (rs *redisStore) Ping(ctx context.Context) error {
	resp, err := rs.cli.Ping(ctx).Result()
	if err != nil {
		return fmt.Errorf("ping error: %w", err)
	}
	if resp != "PONG" {
		return fmt.Errorf("unexpected ping response: %s", resp)
	}
	return nil
}

// GetLease looks up the lease of the given user.
// Underlying Redis: GET lease:{userID} -> SandboxLease(JSON).
func (rs *redisStore) GetLease(ctx context.Context, userID string) (*types.SandboxLease, error) {
	key := rs.leaseKey(userID)

	b, err := rs.cli.Get(ctx, key).Bytes()
	if errors.Is(err, redisv9.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetLease: redis GET %s failed: %w", key, err)
	}

	var lease types.SandboxLease
	if err := json.Unmarshal(b, &lease); err != nil {
		return nil, fmt.Errorf("GetLease: unmarshal lease failed: %w", err)
	}
	return &lease, nil
}

func (rs *redisStore) StoreLease(ctx context.Context, lease *types.SandboxLease) error {
	if lease == nil {
		return errors.New("StoreLease: lease is nil")
	}
	if lease.ExpiresAt.IsZero() {
		return fmt.Errorf("StoreLease: lease expires at is zero")
	}

	b, err := json.Marshal(lease)
	if err != nil {
		return fmt.Errorf("StoreLease: marshal lease failed: %w", err)
	}

	pipe := rs.cli.Pipeline()
	pipe.Set(ctx, rs.leaseKey(lease.UserID), b, 0)
	pipe.ZAdd(ctx, rs.expiryIndexKey, redisv9.Z{
		Score:  float64(lease.ExpiresAt.Unix()),
		Member: lease.UserID,
	})
	pipe.ZAdd(ctx, rs.lastActivityIndexKey, redisv9.Z{
		Score:  float64(time.Now().Unix()),
		Member: lease.UserID,
	})

	cmder, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("StoreLease: redis Pipeline EXEC: %w", err)
	}
	for i, cmd := range cmder {
		if err = cmd.Err(); err != nil {
			return fmt.Errorf("StoreLease: EXEC pipeline failed: %w, cmder index: %v", err, i)
		}
	}
	return nil
}

// UpdateLease update lease obj in redis
// update lease object only, do not update expiry and lastActivity ZSet
func (rs *redisStore) UpdateLease(ctx context.Context, lease *types.SandboxLease) error {
	if lease == nil {
		return errors.New("UpdateLease: lease is nil")
	}

	key := rs.leaseKey(lease.UserID)

	b, err := json.Marshal(lease)
	if err != nil {
		return fmt.Errorf("UpdateLease: marshal lease: %w", err)
	}

	ok, err := rs.cli.SetXX(ctx, key, b, 0).Result()
	if err != nil {
		return fmt.Errorf("UpdateLease: redis SETXX %s: %w", key, err)
	}
	if !ok {
		return fmt.Errorf("UpdateLease: redis SETXX %s, key not exists: %w", key, ErrNotFound)
	}
	return nil
}

func (rs *redisStore) DeleteLease(ctx context.Context, userID string) error {
	pipe := rs.cli.Pipeline()
	pipe.Del(ctx, rs.leaseKey(userID))
	pipe.ZRem(ctx, rs.expiryIndexKey, userID)
	pipe.ZRem(ctx, rs.lastActivityIndexKey, userID)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("DeleteLease: pipeline EXEC: %w", err)
	}
	return nil
}

// ListExpiredLeases returns up to limit leases whose ExpiresAt is before.
func (rs *redisStore) ListExpiredLeases(ctx context.Context, before time.Time, limit int64) ([]*types.SandboxLease, error) {
	ids, err := rs.rangeByScore(ctx, rs.expiryIndexKey, before, limit)
	if err != nil {
		return nil, fmt.Errorf("ListExpiredLeases: %w", err)
	}
	return rs.loadLeasesByUserIDs(ctx, ids)
}

// ListInactiveLeases returns up to limit leases whose last activity
// time is before, using the last-activity sorted-set index.
func (rs *redisStore) ListInactiveLeases(ctx context.Context, before time.Time, limit int64) ([]*types.SandboxLease, error) {
	ids, err := rs.rangeByScore(ctx, rs.lastActivityIndexKey, before, limit)
	if err != nil {
		return nil, fmt.Errorf("ListInactiveLeases: %w", err)
	}
	return rs.loadLeasesByUserIDs(ctx, ids)
}

func (rs *redisStore) rangeByScore(ctx context.Context, key string, before time.Time, limit int64) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	ids, err := rs.cli.ZRangeByScore(ctx, key, &redisv9.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", before.Unix()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("ZRangeByScore %s failed: %w", key, err)
	}
	return ids, nil
}

// UpdateLastActivity updates the last-activity index for the given user.
func (rs *redisStore) UpdateLastActivity(ctx context.Context, userID string, at time.Time) error {
	if userID == "" {
		return errors.New("UpdateLastActivity: userID is empty")
	}
	if at.IsZero() {
		at = time.Now()
	}

	// Ensure the lease exists; otherwise treat as not found.
	n, err := rs.cli.Exists(ctx, rs.leaseKey(userID)).Result()
	if err != nil {
		return fmt.Errorf("UpdateLastActivity: exists for user %s: %w", userID, err)
	}
	if n == 0 {
		return ErrNotFound
	}

	if err := rs.cli.ZAdd(ctx, rs.lastActivityIndexKey, redisv9.Z{
		Score:  float64(at.Unix()),
		Member: userID,
	}).Err(); err != nil {
		return fmt.Errorf("UpdateLastActivity: ZAdd: %w", err)
	}
	return nil
}

func (rs *redisStore) Close() error {
	return rs.cli.Close()
}
