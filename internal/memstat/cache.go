package memstat

import (
	"time"

	"github.com/dgraph-io/ristretto"
)

const reportCacheKey = "cluster-report"

// reportCache holds the most recent report for a short TTL so bursts of
// requests (gateway polling, TUI refresh) do not re-run collection.
type reportCache struct {
	cache *ristretto.Cache
	ttl   time.Duration
}

func newReportCache(ttl time.Duration) (*reportCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 64,
		MaxCost:     8,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &reportCache{cache: c, ttl: ttl}, nil
}

func (c *reportCache) get() (*ClusterReport, bool) {
	if c == nil {
		return nil, false
	}
	v, ok := c.cache.Get(reportCacheKey)
	if !ok {
		return nil, false
	}
	r, ok := v.(*ClusterReport)
	return r, ok
}

func (c *reportCache) set(r *ClusterReport) {
	if c == nil {
		return
	}
	c.cache.SetWithTTL(reportCacheKey, r, 1, c.ttl)
	// Flush the write buffer so the report is visible to the next caller.
	c.cache.Wait()
}
