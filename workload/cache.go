package workload

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/flowsmith/taskflow/internal/metrickeys"
	"github.com/flowsmith/taskflow/metrics"
)

// metricsCache holds recently computed per-user metrics so repeated
// selections over the same candidate pool do not requery the store.
type metricsCache struct {
	mc metrics.Client
	c  *ttlcache.Cache[string, Metrics]
}

func newMetricsCache(mc metrics.Client, size int, ttl time.Duration) *metricsCache {
	c := ttlcache.New(
		ttlcache.WithCapacity[string, Metrics](uint64(size)),
		ttlcache.WithTTL[string, Metrics](ttl),
	)

	c.OnEviction(func(ctx context.Context, er ttlcache.EvictionReason, i *ttlcache.Item[string, Metrics]) {
		reason := ""
		switch er {
		case ttlcache.EvictionReasonExpired:
			reason = "expired"
		case ttlcache.EvictionReasonCapacityReached:
			reason = "capacity"
		case ttlcache.EvictionReasonDeleted:
			reason = "invalidated"
		}

		mc.Counter(metrickeys.WorkloadCacheEviction, metrics.Tags{metrickeys.EvictionReason: reason}, 1)
	})

	return &metricsCache{
		mc: mc,
		c:  c,
	}
}

func (mc *metricsCache) get(userID string) (*Metrics, bool) {
	item := mc.c.Get(userID)
	if item == nil {
		mc.mc.Counter(metrickeys.WorkloadCacheMiss, metrics.Tags{}, 1)
		return nil, false
	}

	mc.mc.Counter(metrickeys.WorkloadCacheHit, metrics.Tags{}, 1)

	m := item.Value()

	return &m, true
}

func (mc *metricsCache) store(userID string, m *Metrics) {
	mc.c.Set(userID, *m, ttlcache.DefaultTTL)

	mc.mc.Gauge(metrickeys.WorkloadCacheSize, metrics.Tags{}, float64(mc.c.Len()))
}

func (mc *metricsCache) evict(userID string) {
	mc.c.Delete(userID)

	mc.mc.Gauge(metrickeys.WorkloadCacheSize, metrics.Tags{}, float64(mc.c.Len()))
}

// startEviction runs the cache's expiration loop until ctx is done.
func (mc *metricsCache) startEviction(ctx context.Context) {
	go mc.c.Start()

	<-ctx.Done()

	mc.c.Stop()
}
