package conda

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// partitionKey is the object key of one day of hourly data.
func partitionKey(day time.Time) string {
	return fmt.Sprintf("%s%s.parquet", monthPrefix(day), day.UTC().Format(time.DateOnly))
}

func monthPrefix(day time.Time) string {
	return fmt.Sprintf("conda/hourly/%04d/%02d/", day.UTC().Year(), int(day.UTC().Month()))
}

// ListingCache memoizes the partition listing of each month so a window
// spanning many days lists the bucket once per month. It is owned by one
// Source and must be invalidated to observe newly published partitions.
type ListingCache struct {
	bucket Bucket

	mu     sync.Mutex
	months map[string]map[string]struct{}
}

// NewListingCache creates an empty cache over bucket.
func NewListingCache(bucket Bucket) *ListingCache {
	return &ListingCache{bucket: bucket, months: make(map[string]map[string]struct{})}
}

// Published reports whether the partition for day exists.
func (c *ListingCache) Published(ctx context.Context, day time.Time) (bool, error) {
	prefix := monthPrefix(day)

	c.mu.Lock()
	defer c.mu.Unlock()

	keys, ok := c.months[prefix]
	if !ok {
		listed, err := c.bucket.List(ctx, prefix)
		if err != nil {
			return false, err
		}
		keys = make(map[string]struct{}, len(listed))
		for _, k := range listed {
			keys[k] = struct{}{}
		}
		c.months[prefix] = keys
	}
	_, found := keys[partitionKey(day)]
	return found, nil
}

// Invalidate drops every memoized listing.
func (c *ListingCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.months = make(map[string]map[string]struct{})
}
