package store

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"k8s.io/klog/v2"
)

const (
	NoneStoreType   string = "none"
	RedisStoreType  string = "redis"
	ValkeyStoreType string = "valkey"
)

var (
	initStoreOnce       = &sync.Once{}
	provider      Store = nil
	initErr       error
)

// Storage get store singleton
// support None, Redis, Valkey, None as default, can be setting by env STORE_TYPE
// --- redis STORE_TYPE environments ---
// REDIS_ADDR:     redis address, required
// REDIS_PASSWORD: redis password, required
// --- valkey STORE_TYPE environments ---
// VALKEY_ADDR:          valkey address, required
// VALKEY_PASSWORD:      valkey password, required
// VALKEY_DISABLE_CACHE: disable valkey client cache, optional
// VALKEY_FORCE_SINGLE:  force setting valkey single mode, optional
func Storage() (Store, error) {
	initStoreOnce.Do(func() {
		initErr = initStore()
	})
	return provider, initErr
}

// Type returns the configured store type, lowercased.
func Type() string {
	providerType, exists := os.LookupEnv("STORE_TYPE")
	if !exists || providerType == "" {
		return NoneStoreType
	}
	// case-insensitive
	return strings.ToLower(providerType)
}

func initStore() error {
	switch providerType := Type(); providerType {
	case NoneStoreType:
		provider = noneStore{}
		klog.Info("lease store disabled")
	case RedisStoreType:
		redisProvider, err := initRedisStore()
		if err != nil {
			return fmt.Errorf("init redis store failed: %w", err)
		}
		provider = redisProvider
		klog.Info("init redis store successfully")
	case ValkeyStoreType:
		valkeyProvider, err := initValkeyStore()
		if err != nil {
			return fmt.Errorf("init valkey store failed: %w", err)
		}
		provider = valkeyProvider
		klog.Info("init valkey store successfully")
	default:
		return fmt.Errorf("unsupported provider type: %v", providerType)
	}
	return nil
}

// Enabled reports whether s records anything.
func Enabled(s Store) bool {
	if s == nil {
		return false
	}
	_, none := s.(noneStore)
	return !none
}
