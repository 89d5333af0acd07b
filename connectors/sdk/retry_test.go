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
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRetryConfig(t *testing.T) {
	config := DefaultRetryConfig()

	assert.Equal(t, 3, config.MaxRetries)
	assert.Equal(t, 100*time.Millisecond, config.InitialInterval)
	assert.Equal(t, 30*time.Second, config.MaxInterval)
	assert.Equal(t, 2.0, config.Multiplier)
}

func TestDefaultRetryCondition(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"context canceled", context.Canceled, false},
		{"context deadline", context.DeadlineExceeded, false},
		{"connection refused", fmt.Errorf("connection refused"), true},
		{"connection reset", fmt.Errorf("connection reset by peer"), true},
		{"service unavailable", fmt.Errorf("service unavailable"), true},
		{"502 status", fmt.Errorf("got status 502"), true},
		{"random error", fmt.Errorf("some random error"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, DefaultRetryCondition(tt.err))
		})
	}
}

func TestRetryableErrors(t *testing.T) {
	original := errors.New("original")

	retryable := &RetryableError{Err: original, RetryAfter: 5 * time.Second}
	assert.Equal(t, "original", retryable.Error())
	assert.True(t, IsRetryable(retryable))
	assert.Equal(t, 5*time.Second, GetRetryAfter(fmt.Errorf("wrapped: %w", retryable)))
	assert.ErrorIs(t, retryable, original)

	nonRetryable := &NonRetryableError{Err: original}
	assert.True(t, IsNonRetryable(nonRetryable))
	assert.False(t, IsRetryable(nonRetryable))
	assert.Zero(t, GetRetryAfter(original))
}

func TestRetryWithBackoff_SucceedsAfterRetries(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	config := &RetryConfig{
		MaxRetries:      3,
		InitialInterval: time.Second,
		MaxInterval:     10 * time.Second,
		Multiplier:      2,
		RetryIf:         func(error) bool { return true },
		Clock:           clock,
	}

	calls := 0
	result, err := RetryWithBackoff(context.Background(), config, func() (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, clock.Sleeps())
}

func TestRetryWithBackoff_Exhausted(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	config := &RetryConfig{
		MaxRetries:      2,
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Second,
		Multiplier:      2,
		RetryIf:         func(error) bool { return true },
		Clock:           clock,
	}

	base := errors.New("always")
	calls := 0
	err := RetryVoid(context.Background(), config, func() error {
		calls++
		return base
	})

	var retryErr *RetryError
	require.ErrorAs(t, err, &retryErr)
	assert.Equal(t, 3, retryErr.Attempts)
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, base)
}

func TestRetryWithBackoff_NonRetryableStops(t *testing.T) {
	calls := 0
	config := &RetryConfig{MaxRetries: 5, Clock: NewFakeClock(time.Unix(0, 0))}
	err := RetryVoid(context.Background(), config, func() error {
		calls++
		return &NonRetryableError{Err: errors.New("fatal")}
	})

	assert.True(t, IsNonRetryable(err))
	assert.Equal(t, 1, calls)
}

func TestRetryWithBackoff_RetryAfterOverridesInterval(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	config := &RetryConfig{MaxRetries: 1, InitialInterval: time.Millisecond, MaxInterval: time.Minute, Multiplier: 2, Clock: clock}

	calls := 0
	_ = RetryVoid(context.Background(), config, func() error {
		calls++
		if calls == 1 {
			return &RetryableError{Err: errors.New("slow down"), RetryAfter: 7 * time.Second}
		}
		return nil
	})

	assert.Equal(t, []time.Duration{7 * time.Second}, clock.Sleeps())
}

func TestRetryWithBackoff_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := RetryVoid(ctx, &RetryConfig{MaxRetries: 3}, func() error {
		calls++
		return nil
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls)
}

func TestExponentialThrottleBackoff(t *testing.T) {
	base := 5 * time.Second
	assert.Equal(t, 6*time.Second, ExponentialThrottleBackoff(base, 0))
	assert.Equal(t, 7*time.Second, ExponentialThrottleBackoff(base, 1))
	assert.Equal(t, 13*time.Second, ExponentialThrottleBackoff(base, 3))
	assert.Equal(t, 6*time.Second, ExponentialThrottleBackoff(base, -2))
	assert.Positive(t, ExponentialThrottleBackoff(base, 1000))
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		value  string
		want   time.Duration
		wantOK bool
	}{
		{"integer seconds", "5", 5 * time.Second, true},
		{"fractional seconds", "1.5", 1500 * time.Millisecond, true},
		{"time span", "00:00:05", 5 * time.Second, true},
		{"time span with minutes", "00:02:30", 150 * time.Second, true},
		{"time span with days", "1.00:00:00", 24 * time.Hour, true},
		{"http date", now.Add(30 * time.Second).Format(http.TimeFormat), 30 * time.Second, true},
		{"http date in past", now.Add(-time.Minute).Format(http.TimeFormat), 0, false},
		{"empty", "", 0, false},
		{"zero", "0", 0, false},
		{"negative", "-3", 0, false},
		{"garbage", "soon", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseRetryAfter(tt.value, now)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}
