package gateway

import (
	"context"
	"fmt"
	"time"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/klog/v2"

	"github.com/volcano-sh/usersandbox/pkg/common/types"
	"github.com/volcano-sh/usersandbox/pkg/metrics"
	"github.com/volcano-sh/usersandbox/pkg/store"
)

// gcBatchSize bounds the leases handled per list call
const gcBatchSize = 100

// sandboxRemover tears down one user's sandbox
type sandboxRemover interface {
	Teardown(ctx context.Context, userID string) error
}

type garbageCollector struct {
	remover     sandboxRemover
	storeClient store.Store
	interval    time.Duration
	idleTimeout time.Duration
	now         func() time.Time
}

func newGarbageCollector(remover sandboxRemover, storeClient store.Store, interval, idleTimeout time.Duration) *garbageCollector {
	return &garbageCollector{
		remover:     remover,
		storeClient: storeClient,
		interval:    interval,
		idleTimeout: idleTimeout,
		now:         time.Now,
	}
}

func (gc *garbageCollector) run(stopCh <-chan struct{}) {
	ticker := time.NewTicker(gc.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			klog.Info("garbage collector stopped")
			return
		case <-ticker.C:
			gc.once()
		}
	}
}

func (gc *garbageCollector) once() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	now := gc.now()
	errs := make([]error, 0)

	// Lease reached its deadline
	expired, err := gc.storeClient.ListExpiredLeases(ctx, now, gcBatchSize)
	if err != nil {
		errs = append(errs, fmt.Errorf("list expired leases: %w", err))
	}
	errs = append(errs, gc.collect(ctx, expired, metrics.TeardownExpired)...)

	// No request within the idle timeout
	inactive, err := gc.storeClient.ListInactiveLeases(ctx, now.Add(-gc.idleTimeout), gcBatchSize)
	if err != nil {
		errs = append(errs, fmt.Errorf("list inactive leases: %w", err))
	}
	errs = append(errs, gc.collect(ctx, inactive, metrics.TeardownInactive)...)

	if err := utilerrors.NewAggregate(errs); err != nil {
		klog.Errorf("garbage collector failed with error: %v", err)
	}
}

// collect tears down the sandbox of every lease. Teardown also deletes the lease,
// so a lease both expired and inactive is only handled once.
func (gc *garbageCollector) collect(ctx context.Context, leases []*types.SandboxLease, trigger string) []error {
	var errs []error
	for _, lease := range leases {
		if err := gc.remover.Teardown(ctx, lease.UserID); err != nil {
			errs = append(errs, fmt.Errorf("teardown %s (%s): %w", lease.UserID, trigger, err))
			continue
		}
		metrics.TeardownTotal.WithLabelValues(trigger).Inc()
		klog.Infof("garbage collected sandbox of %s (%s)", lease.UserID, trigger)
	}
	return errs
}
