package executor

import (
	"time"

	"github.com/patrickmn/go-cache"
)

// Dedup prevents the same trade signal from being handled more than once
// within a TTL window. It only covers this process; cross-process
// exclusion is the Gate's job. It is safe for concurrent use.
type Dedup struct {
	seen *cache.Cache
	ttl  time.Duration
}

// NewDedup creates a Dedup that considers a signal a duplicate if it has
// been seen within ttl. Expired entries are swept every 2×ttl.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{
		seen: cache.New(ttl, ttl*2),
		ttl:  ttl,
	}
}

// IsDuplicate returns true if key has been seen within the TTL window.
// Otherwise it records key and returns false. Check and record are atomic.
func (d *Dedup) IsDuplicate(key string) bool {
	return d.seen.Add(key, time.Now(), cache.DefaultExpiration) != nil
}

// Len returns the number of unexpired keys.
func (d *Dedup) Len() int {
	return d.seen.ItemCount()
}
