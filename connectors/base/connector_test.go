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
	"testing"
)

func TestConnectorError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *ConnectorError
		wantMsg string
	}{
		{
			name: "with cause",
			err: &ConnectorError{
				ConnectorName: "contoso",
				Operation:     "Query",
				Message:       "not connected",
				Cause:         errors.New("network timeout"),
			},
			wantMsg: "contoso.Query: not connected (cause: network timeout)",
		},
		{
			name:    "without cause",
			err:     &ConnectorError{ConnectorName: "contoso", Operation: "Execute", Message: "write failed"},
			wantMsg: "contoso.Execute: write failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestConnectorError_Unwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := NewConnectorError("contoso", "Connect", "failed", cause)
	if !errors.Is(err, cause) {
		t.Errorf("expected errors.Is to find the cause")
	}
}

type throttledErr struct{ throttled bool }

func (e *throttledErr) Error() string   { return "remote" }
func (e *throttledErr) Throttled() bool { return e.throttled }

func TestIsThrottled(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("x"), false},
		{"throttled", &throttledErr{throttled: true}, true},
		{"not throttled", &throttledErr{throttled: false}, false},
		{"wrapped throttled", fmt.Errorf("outer: %w", &throttledErr{throttled: true}), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsThrottled(tt.err); got != tt.want {
				t.Errorf("IsThrottled() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConnectionFailureUnwrap(t *testing.T) {
	inner := &AuthenticationFailure{Mode: AuthModeClientCredential, Cause: errors.New("bad secret")}
	err := &ConnectionFailure{Mode: AuthModeClientCredential, Stage: "authenticate", Cause: inner}

	if !IsAuthenticationFailure(err) {
		t.Error("expected authentication failure to be found through ConnectionFailure")
	}
	if got := err.Error(); got != "unable to connect (client_secret, authenticate): authentication failed (client_secret): bad secret" {
		t.Errorf("unexpected message %q", got)
	}
}

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{NewArgumentError("ClientID", "required"), "invalid argument ClientID: required"},
		{&ArgumentError{Message: "bad"}, "invalid argument: bad"},
		{&AuthConfigurationError{Mode: AuthModeExternalToken, Message: "no token provider"}, "auth configuration (external_token): no token provider"},
		{&CertificateNotFoundError{Thumbprint: "AB12", Reason: "expired"}, "certificate AB12 not found: expired"},
		{&DiscoveryFailure{OrgName: "contoso", Message: "not found"}, "discovery failed for organization contoso: not found"},
		{&ObjectDisposedError{Object: "session"}, "session has been disposed"},
		{&NotConnectedError{State: "failed"}, "session is not connected (state failed)"},
		{&UnsupportedOperationError{Operation: "Clone", Reason: "windows"}, "Clone is not supported: windows"},
		{&OperationFailure{Operation: "Create", Code: "0x80040217", Message: "missing"}, "Create failed: missing (0x80040217)"},
	}

	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}
}

func TestParseAuthMode(t *testing.T) {
	tests := map[string]AuthMode{
		"oauth":          AuthModeInteractiveOAuth,
		"ClientSecret":   AuthModeClientCredential,
		"certificate":    AuthModeCertificate,
		"external_token": AuthModeExternalToken,
		" AD ":           AuthModeWindowsIntegrated,
		"bogus":          AuthModeInvalid,
	}
	for in, want := range tests {
		if got := ParseAuthMode(in); got != want {
			t.Errorf("ParseAuthMode(%q) = %v, want %v", in, got, want)
		}
	}

	if AuthModeWindowsIntegrated.IsTokenBased() {
		t.Error("windows mode is not token based")
	}
	if !AuthModeExternalToken.IsTokenBased() {
		t.Error("external token mode is token based")
	}
}
