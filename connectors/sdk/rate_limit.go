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

package sdk

import (
	"context"
	"sync"
	"time"
)

// RateLimiter implements a token bucket rate limiter
type RateLimiter struct {
	rate       float64   // tokens per second
	burst      int       // maximum burst size
	tokens     float64   // current tokens available
	lastUpdate time.Time // last time tokens were updated
	mu         sync.Mutex
}

// NewRateLimiter creates a new rate limiter
// rate: number of requests allowed per second
// burst: maximum number of requests allowed in a burst
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		rate:       rate,
		burst:      burst,
		tokens:     float64(burst),
		lastUpdate: time.Now(),
	}
}

func (r *RateLimiter) refill(now time.Time) {
	elapsed := now.Sub(r.lastUpdate).Seconds()
	r.tokens = min(float64(r.burst), r.tokens+elapsed*r.rate)
	r.lastUpdate = now
}

// Wait blocks until a token is available or the context is cancelled
func (r *RateLimiter) Wait(ctx context.Context) error {
	for {
		r.mu.Lock()
		r.refill(time.Now())

		if r.tokens >= 1 {
			r.tokens--
			r.mu.Unlock()
			return nil
		}

		waitTime := time.Duration((1-r.tokens)/r.rate*1000) * time.Millisecond
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(waitTime):
		}
	}
}

// TryAcquire attempts to acquire a token without blocking
// Returns true if a token was acquired, false otherwise
func (r *RateLimiter) TryAcquire() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refill(time.Now())
	if r.tokens >= 1 {
		r.tokens--
		return true
	}
	return false
}

// Available returns the number of tokens currently available
func (r *RateLimiter) Available() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refill(time.Now())
	return int(r.tokens)
}

// Reset resets the rate limiter to full capacity
func (r *RateLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens = float64(r.burst)
	r.lastUpdate = time.Now()
}

// SetRate updates the rate limit dynamically
func (r *RateLimiter) SetRate(rate float64, burst int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rate = rate
	r.burst = burst
	if r.tokens > float64(burst) {
		r.tokens = float64(burst)
	}
}

// AdaptiveRateLimiter slows down when the platform throttles and recovers
// gradually while requests succeed.
type AdaptiveRateLimiter struct {
	*RateLimiter
	minRate      float64
	maxRate      float64
	targetRate   float64
	windowSize   int
	errorCount   int
	successCount int
	mu           sync.Mutex
}

// NewAdaptiveRateLimiter creates a rate limiter that adapts to server responses
func NewAdaptiveRateLimiter(minRate, maxRate float64, burst int) *AdaptiveRateLimiter {
	if minRate <= 0 || minRate > maxRate {
		minRate = maxRate / 10
	}
	return &AdaptiveRateLimiter{
		RateLimiter: NewRateLimiter(maxRate, burst),
		minRate:     minRate,
		maxRate:     maxRate,
		targetRate:  maxRate,
		windowSize:  100,
	}
}

// RecordSuccess records a successful request
func (a *AdaptiveRateLimiter) RecordSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.successCount++
	a.checkAndAdjust()
}

// RecordError records a failed, non-throttled request
func (a *AdaptiveRateLimiter) RecordError() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.errorCount++
	a.checkAndAdjust()
}

// RecordThrottled halves the rate immediately
func (a *AdaptiveRateLimiter) RecordThrottled() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.targetRate = max(a.minRate, a.targetRate*0.5)
	a.SetRate(a.targetRate, a.burst)
	a.errorCount = 0
	a.successCount = 0
}

func (a *AdaptiveRateLimiter) checkAndAdjust() {
	total := a.errorCount + a.successCount
	if total < a.windowSize {
		return
	}

	errorRate := float64(a.errorCount) / float64(total)

	if errorRate > 0.1 {
		a.targetRate = max(a.minRate, a.targetRate*0.8)
	} else if errorRate < 0.01 && a.targetRate < a.maxRate {
		a.targetRate = min(a.maxRate, a.targetRate*1.1)
	}

	a.SetRate(a.targetRate, a.burst)
	a.errorCount = 0
	a.successCount = 0
}

// GetCurrentRate returns the current rate limit
func (a *AdaptiveRateLimiter) GetCurrentRate() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.targetRate
}
