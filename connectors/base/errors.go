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

package base

import (
	"errors"
	"fmt"
)

// ArgumentError reports a missing or invalid caller-supplied parameter. It is
// always raised before any network activity.
type ArgumentError struct {
	Argument string
	Message  string
}

func (e *ArgumentError) Error() string {
	if e.Argument == "" {
		return "invalid argument: " + e.Message
	}
	return fmt.Sprintf("invalid argument %s: %s", e.Argument, e.Message)
}

// NewArgumentError creates a new ArgumentError
func NewArgumentError(argument, message string) *ArgumentError {
	return &ArgumentError{Argument: argument, Message: message}
}

// AuthConfigurationError reports that a collaborator an auth mode depends on
// (token provider, certificate, credential) was not supplied.
type AuthConfigurationError struct {
	Mode    AuthMode
	Message string
}

func (e *AuthConfigurationError) Error() string {
	return fmt.Sprintf("auth configuration (%s): %s", e.Mode, e.Message)
}

// AuthenticationFailure reports that the identity provider rejected the
// credentials or the handshake failed. It is never retried.
type AuthenticationFailure struct {
	Mode      AuthMode
	Authority string
	Cause     error
}

func (e *AuthenticationFailure) Error() string {
	msg := fmt.Sprintf("authentication failed (%s)", e.Mode)
	if e.Authority != "" {
		msg += " against " + e.Authority
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *AuthenticationFailure) Unwrap() error { return e.Cause }

// CertificateNotFoundError reports that no valid certificate matched the
// configured thumbprint.
type CertificateNotFoundError struct {
	Thumbprint string
	Reason     string
}

func (e *CertificateNotFoundError) Error() string {
	return fmt.Sprintf("certificate %s not found: %s", e.Thumbprint, e.Reason)
}

// DiscoveryFailure reports that the organization could not be resolved. The
// core never retries it.
type DiscoveryFailure struct {
	OrgName string
	Message string
	Cause   error
}

func (e *DiscoveryFailure) Error() string {
	msg := "discovery failed"
	if e.OrgName != "" {
		msg += " for organization " + e.OrgName
	}
	msg += ": " + e.Message
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *DiscoveryFailure) Unwrap() error { return e.Cause }

// ConnectionFailure wraps any failure of the connect sequence, whichever auth
// mode produced it. Cause is always set.
type ConnectionFailure struct {
	Mode  AuthMode
	Stage string
	Cause error
}

func (e *ConnectionFailure) Error() string {
	return fmt.Sprintf("unable to connect (%s, %s): %v", e.Mode, e.Stage, e.Cause)
}

func (e *ConnectionFailure) Unwrap() error { return e.Cause }

// OperationFailure reports a business-logic or validation error returned by
// the platform for a request that otherwise executed.
type OperationFailure struct {
	Operation string
	Code      string
	Message   string
	Cause     error
}

func (e *OperationFailure) Error() string {
	return fmt.Sprintf("%s failed: %s (%s)", e.Operation, e.Message, e.Code)
}

func (e *OperationFailure) Unwrap() error { return e.Cause }

// ObjectDisposedError is returned by any operation attempted after disposal.
type ObjectDisposedError struct {
	Object string
}

func (e *ObjectDisposedError) Error() string {
	return e.Object + " has been disposed"
}

// NotConnectedError is returned when a session is used outside the Connected
// state, typically after a failed connect.
type NotConnectedError struct {
	State string
	Cause error
}

func (e *NotConnectedError) Error() string {
	msg := "session is not connected (state " + e.State + ")"
	if e.Cause != nil {
		msg += ": last connect error: " + e.Cause.Error()
	}
	return msg
}

func (e *NotConnectedError) Unwrap() error { return e.Cause }

// UnsupportedOperationError reports an operation the current auth mode or
// transport cannot perform.
type UnsupportedOperationError struct {
	Operation string
	Reason    string
}

func (e *UnsupportedOperationError) Error() string {
	return e.Operation + " is not supported: " + e.Reason
}

// RemoteError is implemented by failures that carry a platform error code.
type RemoteError interface {
	error
	RemoteCode() string
	RemoteMessage() string
}

// Throttler is implemented by failures that can report whether the platform
// throttled the request.
type Throttler interface {
	Throttled() bool
}

// IsThrottled reports whether err, or anything it wraps, is a throttling
// failure.
func IsThrottled(err error) bool {
	var t Throttler
	return errors.As(err, &t) && t.Throttled()
}

// IsAuthenticationFailure reports whether err is an AuthenticationFailure
func IsAuthenticationFailure(err error) bool {
	var af *AuthenticationFailure
	return errors.As(err, &af)
}

// IsDisposed reports whether err is an ObjectDisposedError
func IsDisposed(err error) bool {
	var de *ObjectDisposedError
	return errors.As(err, &de)
}
