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

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()

	assert.Equal(t, 10, opts.MaxRetryCount)
	assert.Equal(t, 5*time.Second, opts.RetryPauseTime)
	assert.True(t, opts.EnableAffinityCookie)
	assert.True(t, opts.EnableCrossThreadSafety)
	assert.True(t, opts.LoadOrgDetailsOnConnect)
	assert.False(t, opts.UseWebAPI)
	assert.Equal(t, 4*time.Minute, opts.MaxConnectionTimeout)
	assert.Equal(t, "9.2", opts.WebAPIVersion)
}

func TestOptionsNormalize(t *testing.T) {
	tests := []struct {
		name      string
		in        Options
		wantRetry int
	}{
		{"zero retries default", Options{MaxRetryCount: 0}, DefaultMaxRetryCount},
		{"negative retries default", Options{MaxRetryCount: -4}, DefaultMaxRetryCount},
		{"explicit retries kept", Options{MaxRetryCount: 3}, 3},
		{"clamped", Options{MaxRetryCount: 5000}, MaxAllowedRetryCount},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.in.Normalize()
			assert.Equal(t, tt.wantRetry, got.MaxRetryCount)
			assert.Equal(t, DefaultRetryPauseTime, got.RetryPauseTime)
			assert.Equal(t, DefaultWebAPIVersion, got.WebAPIVersion)
		})
	}

	got := Options{WebAPIVersion: "v9.1", RequestsPerSecond: -1}.Normalize()
	assert.Equal(t, "9.1", got.WebAPIVersion)
	assert.Zero(t, got.RequestsPerSecond)
}

func TestLoadOptionsFromEnv(t *testing.T) {
	t.Setenv("DV_MAX_RETRIES", "4")
	t.Setenv("DV_RETRY_PAUSE", "2s")
	t.Setenv("DV_TIMEOUT", "90")
	t.Setenv("DV_USE_WEB_API", "true")
	t.Setenv("DV_ENABLE_AFFINITY_COOKIE", "false")
	t.Setenv("DV_REQUESTS_PER_SECOND", "12.5")
	t.Setenv("DV_SESSION_TRACKING_ID", "sess-1")

	opts, err := LoadOptionsFromEnv("DV")
	require.NoError(t, err)

	assert.Equal(t, 4, opts.MaxRetryCount)
	assert.Equal(t, 2*time.Second, opts.RetryPauseTime)
	assert.Equal(t, 90*time.Second, opts.MaxConnectionTimeout)
	assert.True(t, opts.UseWebAPI)
	assert.False(t, opts.EnableAffinityCookie)
	assert.True(t, opts.EnableCrossThreadSafety)
	assert.Equal(t, 12.5, opts.RequestsPerSecond)
	assert.Equal(t, "sess-1", opts.SessionTrackingID)
}

func TestLoadOptionsFromEnv_Invalid(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"DVX_MAX_RETRIES", "many"},
		{"DVX_RETRY_PAUSE", "soon"},
		{"DVX_USE_WEB_API", "maybe"},
		{"DVX_REQUESTS_PER_SECOND", "fast"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := LoadOptionsFromEnv("DVX_")
			assert.Error(t, err)
		})
	}
}

func TestOptionsFromMap(t *testing.T) {
	opts, err := OptionsFromMap(map[string]interface{}{
		"max_retries":             3,
		"retry_pause":             "1500ms",
		"use_web_api":             true,
		"use_web_api_login_flow":  "true",
		"force_cache_consistency": true,
		"cross_thread_safety":     false,
		"requests_per_second":     float64(8),
		"web_api_version":         "9.1",
		"unknown_key":             "ignored",
	})
	require.NoError(t, err)

	assert.Equal(t, 3, opts.MaxRetryCount)
	assert.Equal(t, 1500*time.Millisecond, opts.RetryPauseTime)
	assert.True(t, opts.UseWebAPI)
	assert.True(t, opts.UseWebAPILoginFlow)
	assert.True(t, opts.ForceServerCacheConsistency)
	assert.False(t, opts.EnableCrossThreadSafety)
	assert.Equal(t, 8.0, opts.RequestsPerSecond)
	assert.Equal(t, "9.1", opts.WebAPIVersion)

	_, err = OptionsFromMap(map[string]interface{}{"max_retries": []string{"x"}})
	assert.Error(t, err)

	opts, err = OptionsFromMap(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultOptions().Normalize(), opts)
}
