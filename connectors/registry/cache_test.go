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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct{ id int }

func TestConnectionCache_SetGet(t *testing.T) {
	cache := NewConnectionCache[*fakeSession](0)
	assert.Equal(t, DefaultConnectionTTL, cache.TTL())

	s := &fakeSession{id: 1}
	cache.Set("prod", s)

	got, ok := cache.Get("prod")
	require.True(t, ok)
	assert.Same(t, s, got)

	_, ok = cache.Get("missing")
	assert.False(t, ok)

	stats := cache.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestConnectionCache_TTLFromLastSet(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cache := NewConnectionCache[*fakeSession](5 * time.Minute).WithClock(func() time.Time { return now })

	first := &fakeSession{id: 1}
	cache.Set("k", first)

	now = now.Add(4 * time.Minute)
	second := &fakeSession{id: 2}
	cache.Set("k", second)

	now = now.Add(4 * time.Minute)
	got, ok := cache.Get("k")
	require.True(t, ok, "TTL restarts on every set")
	assert.Same(t, second, got, "last write wins")

	now = now.Add(time.Minute)
	_, ok = cache.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, cache.Len())
	assert.Equal(t, int64(1), cache.Stats().Evictions)
}

func TestConnectionCache_RemoveOnlyMatchingValue(t *testing.T) {
	cache := NewConnectionCache[*fakeSession](time.Minute)
	old := &fakeSession{id: 1}
	fresh := &fakeSession{id: 2}

	cache.Set("k", old)
	cache.Set("k", fresh)

	assert.False(t, cache.Remove("k", old), "stale value must not evict the newer entry")
	got, ok := cache.Get("k")
	require.True(t, ok)
	assert.Same(t, fresh, got)

	assert.True(t, cache.Remove("k", fresh))
	assert.False(t, cache.Remove("k", fresh))

	cache.Set("x", old)
	cache.Delete("x")
	assert.Equal(t, 0, cache.Len())
}

func TestConnectionCache_Cleanup(t *testing.T) {
	now := time.Unix(0, 0)
	cache := NewConnectionCache[*fakeSession](time.Minute).WithClock(func() time.Time { return now })

	cache.Set("a", &fakeSession{id: 1})
	now = now.Add(30 * time.Second)
	cache.Set("b", &fakeSession{id: 2})
	now = now.Add(45 * time.Second)

	assert.Equal(t, 1, cache.Cleanup())
	assert.Equal(t, 1, cache.Len())
	_, ok := cache.Get("b")
	assert.True(t, ok)
}

func TestConnectionCache_StartPeriodicCleanup(t *testing.T) {
	var mu sync.Mutex
	now := time.Unix(0, 0)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	cache := NewConnectionCache[*fakeSession](time.Minute).WithClock(clock)
	cache.Set("a", &fakeSession{id: 1})

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cache.StartPeriodicCleanup(ctx, 5*time.Millisecond)

	assert.Eventually(t, func() bool { return cache.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestConnectionCache_Concurrent(t *testing.T) {
	cache := NewConnectionCache[*fakeSession](time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := &fakeSession{id: i}
			cache.Set("shared", s)
			cache.Get("shared")
			cache.Remove("shared", s)
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, cache.Len(), 1)
}
