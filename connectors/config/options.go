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
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Defaults applied by Normalize.
const (
	DefaultMaxRetryCount        = 10
	MaxAllowedRetryCount        = 100
	DefaultRetryPauseTime       = 5 * time.Second
	DefaultMaxConnectionTimeout = 4 * time.Minute
	DefaultWebAPIVersion        = "9.2"
)

// Options is the validated configuration handed to a session. Build it with
// DefaultOptions, LoadOptionsFromEnv or OptionsFromMap; every constructor
// returns normalized values.
type Options struct {
	MaxRetryCount               int           `yaml:"max_retries" json:"max_retries"`
	RetryPauseTime              time.Duration `yaml:"retry_pause" json:"retry_pause"`
	UseWebAPI                   bool          `yaml:"use_web_api" json:"use_web_api"`
	UseWebAPILoginFlow          bool          `yaml:"use_web_api_login_flow" json:"use_web_api_login_flow"`
	EnableAffinityCookie        bool          `yaml:"enable_affinity_cookie" json:"enable_affinity_cookie"`
	ForceServerCacheConsistency bool          `yaml:"force_cache_consistency" json:"force_cache_consistency"`
	MaxConnectionTimeout        time.Duration `yaml:"max_connection_timeout" json:"max_connection_timeout"`
	EnableCrossThreadSafety     bool          `yaml:"cross_thread_safety" json:"cross_thread_safety"`
	LoadOrgDetailsOnConnect     bool          `yaml:"load_org_details" json:"load_org_details"`
	RequestsPerSecond           float64       `yaml:"requests_per_second" json:"requests_per_second"`
	WebAPIVersion               string        `yaml:"web_api_version" json:"web_api_version"`
	UserAgent                   string        `yaml:"user_agent" json:"user_agent"`
	SessionTrackingID           string        `yaml:"session_tracking_id" json:"session_tracking_id"`
	CacheKey                    string        `yaml:"cache_key" json:"cache_key"`
}

// DefaultOptions returns options with every default applied
func DefaultOptions() Options {
	return Options{
		MaxRetryCount:           DefaultMaxRetryCount,
		RetryPauseTime:          DefaultRetryPauseTime,
		EnableAffinityCookie:    true,
		MaxConnectionTimeout:    DefaultMaxConnectionTimeout,
		EnableCrossThreadSafety: true,
		LoadOrgDetailsOnConnect: true,
		WebAPIVersion:           DefaultWebAPIVersion,
	}
}

// Normalize fills unset values with defaults. The retry ceiling is never zero
// and never unbounded.
func (o Options) Normalize() Options {
	if o.MaxRetryCount <= 0 {
		o.MaxRetryCount = DefaultMaxRetryCount
	}
	if o.MaxRetryCount > MaxAllowedRetryCount {
		o.MaxRetryCount = MaxAllowedRetryCount
	}
	if o.RetryPauseTime <= 0 {
		o.RetryPauseTime = DefaultRetryPauseTime
	}
	if o.MaxConnectionTimeout <= 0 {
		o.MaxConnectionTimeout = DefaultMaxConnectionTimeout
	}
	if o.RequestsPerSecond < 0 {
		o.RequestsPerSecond = 0
	}
	o.WebAPIVersion = strings.TrimPrefix(strings.TrimSpace(o.WebAPIVersion), "v")
	if o.WebAPIVersion == "" {
		o.WebAPIVersion = DefaultWebAPIVersion
	}
	return o
}

// LoadOptionsFromEnv reads options from <PREFIX>_* environment variables on
// top of the defaults. Example: DATAVERSE_MAX_RETRIES, DATAVERSE_USE_WEB_API.
func LoadOptionsFromEnv(prefix string) (Options, error) {
	opts := DefaultOptions()
	if prefix != "" && !strings.HasSuffix(prefix, "_") {
		prefix += "_"
	}

	if v := os.Getenv(prefix + "MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Options{}, fmt.Errorf("invalid max_retries format: %s", v)
		}
		opts.MaxRetryCount = n
	}
	if v := os.Getenv(prefix + "RETRY_PAUSE"); v != "" {
		d, err := parseDuration(v)
		if err != nil {
			return Options{}, fmt.Errorf("invalid retry_pause format: %s", v)
		}
		opts.RetryPauseTime = d
	}
	if v := os.Getenv(prefix + "TIMEOUT"); v != "" {
		d, err := parseDuration(v)
		if err != nil {
			return Options{}, fmt.Errorf("invalid timeout format: %s", v)
		}
		opts.MaxConnectionTimeout = d
	}
	if v := os.Getenv(prefix + "REQUESTS_PER_SECOND"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Options{}, fmt.Errorf("invalid requests_per_second format: %s", v)
		}
		opts.RequestsPerSecond = f
	}

	bools := []struct {
		key  string
		dest *bool
	}{
		{"USE_WEB_API", &opts.UseWebAPI},
		{"USE_WEB_API_LOGIN_FLOW", &opts.UseWebAPILoginFlow},
		{"ENABLE_AFFINITY_COOKIE", &opts.EnableAffinityCookie},
		{"FORCE_CACHE_CONSISTENCY", &opts.ForceServerCacheConsistency},
		{"CROSS_THREAD_SAFETY", &opts.EnableCrossThreadSafety},
		{"LOAD_ORG_DETAILS", &opts.LoadOrgDetailsOnConnect},
	}
	for _, b := range bools {
		v := os.Getenv(prefix + b.key)
		if v == "" {
			continue
		}
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return Options{}, fmt.Errorf("invalid %s format: %s", strings.ToLower(b.key), v)
		}
		*b.dest = parsed
	}

	opts.WebAPIVersion = getEnvOrDefault(prefix+"WEB_API_VERSION", opts.WebAPIVersion)
	opts.UserAgent = os.Getenv(prefix + "USER_AGENT")
	opts.SessionTrackingID = os.Getenv(prefix + "SESSION_TRACKING_ID")
	opts.CacheKey = os.Getenv(prefix + "CACHE_KEY")

	return opts.Normalize(), nil
}

// OptionsFromMap reads options from a loosely typed map, as found in the
// options block of a connection profile. Unknown keys are ignored.
func OptionsFromMap(m map[string]interface{}) (Options, error) {
	opts := DefaultOptions()

	for key, raw := range m {
		var err error
		switch key {
		case "max_retries":
			opts.MaxRetryCount, err = toInt(raw)
		case "retry_pause":
			opts.RetryPauseTime, err = toDuration(raw)
		case "max_connection_timeout", "timeout":
			opts.MaxConnectionTimeout, err = toDuration(raw)
		case "requests_per_second":
			opts.RequestsPerSecond, err = toFloat(raw)
		case "use_web_api":
			opts.UseWebAPI, err = toBool(raw)
		case "use_web_api_login_flow":
			opts.UseWebAPILoginFlow, err = toBool(raw)
		case "enable_affinity_cookie":
			opts.EnableAffinityCookie, err = toBool(raw)
		case "force_cache_consistency":
			opts.ForceServerCacheConsistency, err = toBool(raw)
		case "cross_thread_safety":
			opts.EnableCrossThreadSafety, err = toBool(raw)
		case "load_org_details":
			opts.LoadOrgDetailsOnConnect, err = toBool(raw)
		case "web_api_version":
			opts.WebAPIVersion = fmt.Sprint(raw)
		case "user_agent":
			opts.UserAgent = fmt.Sprint(raw)
		case "session_tracking_id":
			opts.SessionTrackingID = fmt.Sprint(raw)
		case "cache_key":
			opts.CacheKey = fmt.Sprint(raw)
		}
		if err != nil {
			return Options{}, fmt.Errorf("option %s: %w", key, err)
		}
	}

	return opts.Normalize(), nil
}

// parseDuration accepts Go durations ("5s") and bare seconds ("5").
func parseDuration(s string) (time.Duration, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	return time.Duration(secs * float64(time.Second)), nil
}

func toInt(v interface{}) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	case string:
		return strconv.Atoi(n)
	}
	return 0, fmt.Errorf("expected integer, got %T", v)
}

func toFloat(v interface{}) (float64, error) {
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case float64:
		return n, nil
	case string:
		return strconv.ParseFloat(n, 64)
	}
	return 0, fmt.Errorf("expected number, got %T", v)
}

func toBool(v interface{}) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		return strconv.ParseBool(b)
	}
	return false, fmt.Errorf("expected boolean, got %T", v)
}

func toDuration(v interface{}) (time.Duration, error) {
	switch d := v.(type) {
	case time.Duration:
		return d, nil
	case int:
		return time.Duration(d) * time.Second, nil
	case int64:
		return time.Duration(d) * time.Second, nil
	case float64:
		return time.Duration(d * float64(time.Second)), nil
	case string:
		return parseDuration(d)
	}
	return 0, fmt.Errorf("expected duration, got %T", v)
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
