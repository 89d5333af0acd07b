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

package session

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"dataverse/platform/connectors/dataverse/xrm"
	"dataverse/platform/connectors/sdk"
)

// Class is the retry classification of a failed attempt.
type Class int

const (
	ClassFatal Class = iota
	ClassRetryable
	ClassThrottled
)

func (c Class) String() string {
	switch c {
	case ClassRetryable:
		return "retryable"
	case ClassThrottled:
		return "throttled"
	default:
		return "fatal"
	}
}

// Failure is what the classifier needs to know about a failed attempt.
type Failure struct {
	Cancelled bool
	// Metadata marks a failed schema lookup on the translation path
	Metadata bool
	// StatusCode is the HTTP status, 0 when the attempt never got one
	StatusCode int
	ErrorCode  int32
	Message    string
	// RetryAfter is the raw Retry-After value sent with the failure
	RetryAfter string
	Operation  string
	EntityName string
}

// Decision is the outcome of Classify.
type Decision struct {
	Class   Class
	Backoff time.Duration
}

// Retry reports whether the attempt may be repeated
func (d Decision) Retry() bool { return d.Class != ClassFatal }

// Throttled reports whether the failure was a service protection limit
func (d Decision) Throttled() bool { return d.Class == ClassThrottled }

// Tables whose records are written asynchronously by the platform. Reads of
// them are retried whatever the failure, since a missing row usually shows
// up a moment later.
var eventuallyConsistentTables = map[string]bool{
	"asyncoperation":      true,
	"importjob":           true,
	"bulkdeleteoperation": true,
}

// Classify decides whether a failed attempt is retried and how long to wait
// first. pause is the configured retry pause and retryCount the number of
// retries already made. The first matching rule wins.
func Classify(f Failure, pause time.Duration, retryCount int, now time.Time) Decision {
	switch {
	case f.Cancelled, f.Metadata:
		return Decision{Class: ClassFatal}

	case f.StatusCode == http.StatusUnauthorized:
		return Decision{Class: ClassFatal}

	case f.ErrorCode == xrm.ErrorCodeSQLTimeout,
		f.ErrorCode == xrm.ErrorCodeSQLError && strings.Contains(f.Message, "SQL"):
		return Decision{Class: ClassRetryable, Backoff: pause}

	case f.StatusCode == http.StatusBadGateway:
		return Decision{Class: ClassRetryable, Backoff: pause}

	case f.StatusCode == http.StatusServiceUnavailable:
		return Decision{Class: ClassThrottled, Backoff: pause}

	case f.StatusCode == http.StatusTooManyRequests || xrm.IsThrottlingCode(f.ErrorCode):
		if d, ok := sdk.ParseRetryAfter(f.RetryAfter, now); ok {
			return Decision{Class: ClassThrottled, Backoff: d}
		}
		return Decision{Class: ClassThrottled, Backoff: sdk.ExponentialThrottleBackoff(pause, retryCount)}

	case (f.Operation == xrm.RequestRetrieve || f.Operation == xrm.RequestRetrieveMultiple) &&
		eventuallyConsistentTables[strings.ToLower(f.EntityName)]:
		return Decision{Class: ClassRetryable, Backoff: pause}
	}
	return Decision{Class: ClassFatal}
}

// FailureFromError extracts the classifier input from an attempt error.
// Errors that carry no platform information classify as fatal.
func FailureFromError(err error, req *xrm.OrganizationRequest) Failure {
	f := Failure{}
	if req != nil {
		f.Operation = req.RequestName
		f.EntityName = req.TargetEntityName()
	}
	if err == nil {
		return f
	}
	f.Message = err.Error()

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		f.Cancelled = true
		return f
	}

	var metaErr *xrm.MetadataUnavailableError
	var notFound *xrm.MetadataNotFoundError
	if errors.As(err, &metaErr) || errors.As(err, &notFound) {
		f.Metadata = true
		return f
	}

	var webErr *xrm.WebAPIError
	if errors.As(err, &webErr) {
		f.StatusCode = webErr.StatusCode
		f.ErrorCode = webErr.ErrorCode
		f.Message = webErr.Message
		f.RetryAfter = webErr.RetryAfter
		return f
	}

	var fault *xrm.OrganizationServiceFault
	if errors.As(err, &fault) {
		f.StatusCode = fault.HTTPStatus
		f.ErrorCode = fault.ErrorCode
		f.Message = fault.Message
		f.RetryAfter = fault.RetryAfter
		if f.ErrorCode == 0 && fault.InnerFault != nil {
			f.ErrorCode = fault.InnerFault.ErrorCode
		}
	}
	return f
}
