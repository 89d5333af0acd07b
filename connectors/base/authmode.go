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

import "strings"

// AuthMode identifies how a session authenticates. It is fixed for the
// lifetime of a session.
type AuthMode int

const (
	AuthModeInvalid AuthMode = iota
	AuthModeWindowsIntegrated
	AuthModeInteractiveOAuth
	AuthModeCertificate
	AuthModeClientCredential
	AuthModeExternalToken
)

func (m AuthMode) String() string {
	switch m {
	case AuthModeWindowsIntegrated:
		return "windows"
	case AuthModeInteractiveOAuth:
		return "oauth"
	case AuthModeCertificate:
		return "certificate"
	case AuthModeClientCredential:
		return "client_secret"
	case AuthModeExternalToken:
		return "external_token"
	default:
		return "invalid"
	}
}

// IsTokenBased reports whether the mode authenticates with bearer tokens.
func (m AuthMode) IsTokenBased() bool {
	switch m {
	case AuthModeInteractiveOAuth, AuthModeCertificate, AuthModeClientCredential, AuthModeExternalToken:
		return true
	}
	return false
}

// ParseAuthMode maps a profile auth_type value onto an AuthMode. Unknown
// values yield AuthModeInvalid.
func ParseAuthMode(s string) AuthMode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "windows", "ad", "integrated":
		return AuthModeWindowsIntegrated
	case "oauth", "interactive":
		return AuthModeInteractiveOAuth
	case "certificate", "cert":
		return AuthModeCertificate
	case "client_secret", "clientsecret", "client_credential":
		return AuthModeClientCredential
	case "external_token", "external", "token":
		return AuthModeExternalToken
	}
	return AuthModeInvalid
}
