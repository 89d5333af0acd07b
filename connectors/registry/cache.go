// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package registry

import (
	"context"
	"sync"
	"time"

	"dataverse/platform/shared/logger"
)

// DefaultConnectionTTL is how long a cached connection stays reusable after
// it was last stored.
const DefaultConnectionTTL = 5 * time.Minute

// CacheEntry represents a cached value with expiration
type CacheEntry[T any] struct {
	Value      T
	ExpiresAt  time.Time
	LastUpdate time.Time
}

// IsExpired checks if the entry has expired at now
func (e *CacheEntry[T]) IsExpired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// CacheStats tracks cache performance
type CacheStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
}

// ConnectionCache lets call sites in one process reuse an authenticated
// connection by name. One entry exists per key (last write wins) and an entry
// expires TTL after it was last set. Construct one at process start and pass
// it to whatever creates connections.
type ConnectionCache[T comparable] struct {
	entries map[string]*CacheEntry[T]
	ttl     time.Duration
	now     func() time.Time
	sink    logger.TraceSink
	stats   CacheStats
	mu      sync.Mutex
}

// NewConnectionCache creates a cache; ttl <= 0 selects DefaultConnectionTTL
func NewConnectionCache[T comparable](ttl time.Duration) *ConnectionCache[T] {
	if ttl <= 0 {
		ttl = DefaultConnectionTTL
	}
	return &ConnectionCache[T]{
		entries: make(map[string]*CacheEntry[T]),
		ttl:     ttl,
		now:     time.Now,
		sink:    logger.Discard,
	}
}

// WithClock replaces the time source, for tests
func (c *ConnectionCache[T]) WithClock(now func() time.Time) *ConnectionCache[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
	return c
}

// WithSink sets the trace sink
func (c *ConnectionCache[T]) WithSink(sink logger.TraceSink) *ConnectionCache[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = logger.OrDiscard(sink)
	return c
}

// TTL returns the configured time to live
func (c *ConnectionCache[T]) TTL() time.Duration {
	return c.ttl
}

// Set stores value under key, replacing any previous entry and restarting the
// TTL.
func (c *ConnectionCache[T]) Set(key string, value T) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.entries[key] = &CacheEntry[T]{
		Value:      value,
		ExpiresAt:  now.Add(c.ttl),
		LastUpdate: now,
	}
}

// Get returns the live value for key. Expired entries are evicted on read.
func (c *ConnectionCache[T]) Get(key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero T
	entry, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		return zero, false
	}
	if entry.IsExpired(c.now()) {
		delete(c.entries, key)
		c.stats.Misses++
		c.stats.Evictions++
		return zero, false
	}
	c.stats.Hits++
	return entry.Value, true
}

// Remove deletes key only while it still maps to value, so a disposed
// connection never evicts a newer one stored under the same key.
func (c *ConnectionCache[T]) Remove(key string, value T) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok || entry.Value != value {
		return false
	}
	delete(c.entries, key)
	return true
}

// Delete removes key unconditionally
func (c *ConnectionCache[T]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Clear removes every entry
func (c *ConnectionCache[T]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*CacheEntry[T])
}

// Len returns the number of stored entries, expired ones included
func (c *ConnectionCache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Cleanup evicts every expired entry and returns how many were removed
func (c *ConnectionCache[T]) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for key, entry := range c.entries {
		if entry.IsExpired(now) {
			delete(c.entries, key)
			removed++
		}
	}
	c.stats.Evictions += int64(removed)
	return removed
}

// Stats returns a copy of the cache counters
func (c *ConnectionCache[T]) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// StartPeriodicCleanup evicts expired entries every interval until ctx is
// done.
func (c *ConnectionCache[T]) StartPeriodicCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = c.ttl
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed := c.Cleanup(); removed > 0 {
					c.mu.Lock()
					sink := c.sink
					c.mu.Unlock()
					sink.Trace(logger.DEBUG, "connection cache cleanup", nil, map[string]interface{}{"evicted": removed})
				}
			}
		}
	}()
}
