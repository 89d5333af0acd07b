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

package xrm

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// Platform error codes the executor reacts to.
const (
	// ErrorCodeSQLTimeout is a transient SQL timeout on the platform side.
	ErrorCodeSQLTimeout int32 = -2147204784
	// ErrorCodeSQLError is a generic SQL error; only transient when the
	// message mentions SQL.
	ErrorCodeSQLError int32 = -2147204783

	ErrorCodeThrottlingBurst       int32 = -2147015902
	ErrorCodeThrottlingTime        int32 = -2147015903
	ErrorCodeThrottlingConcurrency int32 = -2147015898

	// ErrorCodeObjectDoesNotExist is returned for unknown record ids
	ErrorCodeObjectDoesNotExist int32 = -2147220969
	// ErrorCodeConcurrencyMismatch is returned when a row version check fails
	ErrorCodeConcurrencyMismatch int32 = -2147088254
)

// IsThrottlingCode reports whether code is one of the service protection
// limit codes.
func IsThrottlingCode(code int32) bool {
	switch code {
	case ErrorCodeThrottlingBurst, ErrorCodeThrottlingTime, ErrorCodeThrottlingConcurrency:
		return true
	}
	return false
}

// FormatErrorCode renders a code as the web API does ("0x80072322")
func FormatErrorCode(code int32) string {
	return fmt.Sprintf("0x%08x", uint32(code))
}

// ParseErrorCode parses a web API error code. Hex ("0x80072322") and decimal
// encodings are accepted.
func ParseErrorCode(s string) (int32, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if strings.HasPrefix(strings.ToLower(s), "0x") {
		v, err := strconv.ParseUint(s[2:], 16, 32)
		if err != nil {
			return 0, false
		}
		return int32(uint32(v)), true
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v < -1<<31 || v > 1<<32-1 {
		return 0, false
	}
	return int32(v), true
}

// WebAPIError is a non-2xx response of the web API. The JSON envelope
// {error:{code,message}} is decoded into Code, ErrorCode and Message.
type WebAPIError struct {
	StatusCode int
	Code       string
	ErrorCode  int32
	Message    string
	// RetryAfter is the raw Retry-After response header
	RetryAfter string
	Header     http.Header
}

func (e *WebAPIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("web api error %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("web api error %d: %s", e.StatusCode, e.Message)
}

// RemoteCode implements base.RemoteError
func (e *WebAPIError) RemoteCode() string {
	if e.Code != "" {
		return e.Code
	}
	return strconv.Itoa(e.StatusCode)
}

// RemoteMessage implements base.RemoteError
func (e *WebAPIError) RemoteMessage() string { return e.Message }

// Throttled implements base.Throttler
func (e *WebAPIError) Throttled() bool {
	return e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode == http.StatusServiceUnavailable ||
		IsThrottlingCode(e.ErrorCode)
}

// OrganizationServiceFault is a fault returned by the legacy protocol. Plain
// HTTP failures of the legacy endpoint are reported with HTTPStatus set and
// no ErrorCode.
type OrganizationServiceFault struct {
	ErrorCode    int32
	Message      string
	ErrorDetails map[string]string
	InnerFault   *OrganizationServiceFault
	HTTPStatus   int
	// RetryAfter is the raw Retry-After value from the fault details or
	// the HTTP response
	RetryAfter string
}

func (f *OrganizationServiceFault) Error() string {
	if f.ErrorCode != 0 {
		return fmt.Sprintf("organization service fault %d (%s): %s", f.ErrorCode, FormatErrorCode(f.ErrorCode), f.Message)
	}
	if f.HTTPStatus != 0 {
		return fmt.Sprintf("organization service http %d: %s", f.HTTPStatus, f.Message)
	}
	return "organization service fault: " + f.Message
}

// Unwrap exposes the inner fault
func (f *OrganizationServiceFault) Unwrap() error {
	if f.InnerFault == nil {
		return nil
	}
	return f.InnerFault
}

// RemoteCode implements base.RemoteError
func (f *OrganizationServiceFault) RemoteCode() string {
	if f.ErrorCode == 0 && f.HTTPStatus != 0 {
		return strconv.Itoa(f.HTTPStatus)
	}
	return strconv.Itoa(int(f.ErrorCode))
}

// RemoteMessage implements base.RemoteError
func (f *OrganizationServiceFault) RemoteMessage() string { return f.Message }

// Throttled implements base.Throttler
func (f *OrganizationServiceFault) Throttled() bool {
	return IsThrottlingCode(f.ErrorCode) ||
		f.HTTPStatus == http.StatusTooManyRequests ||
		f.HTTPStatus == http.StatusServiceUnavailable
}
