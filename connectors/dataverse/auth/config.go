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

// Package auth performs the authentication handshake of every session auth
// mode and returns bearer tokens (or network credentials for Windows
// integrated auth). It caches nothing itself beyond the optional token cache
// store configured by the caller.
package auth

import (
	"context"
	"crypto"
	"crypto/x509"
	"net/http"
	"net/url"
	"strings"

	"dataverse/platform/connectors/base"
	"dataverse/platform/connectors/sdk"
)

// TokenProvider is the host-supplied function used by external token mode.
// It receives the instance URL the token is for.
type TokenProvider func(ctx context.Context, targetURL string) (string, error)

// PromptBehavior controls user interaction of interactive OAuth
type PromptBehavior int

const (
	// PromptAuto uses a cached token when possible and prompts otherwise
	PromptAuto PromptBehavior = iota
	// PromptAlways ignores cached tokens
	PromptAlways
	// PromptNever fails instead of prompting
	PromptNever
)

// Config is the auth-mode specific configuration of a session. Exactly one
// of WindowsIntegrated, InteractiveOAuth, Certificate, ClientCredential or
// ExternalToken.
type Config interface {
	Mode() base.AuthMode
	validate() error
}

// WindowsIntegrated authenticates with network credentials. Leaving Username
// empty uses whatever the HTTP client negotiates for the current user.
type WindowsIntegrated struct {
	Domain   string
	Username string
	Password string
	// HTTPClient is used for negotiate-capable transports
	HTTPClient *http.Client
}

// InteractiveOAuth signs a user in through the identity provider
type InteractiveOAuth struct {
	ClientID    string
	RedirectURI string
	TenantID    string
	Username    string
	Password    string
	LoginHint   string
	Prompt      PromptBehavior
	// TokenCachePath selects a FileTokenCache when no cache is injected
	TokenCachePath string
}

// Certificate authenticates an application with a client certificate,
// either given directly or looked up by thumbprint in Store. The client id
// and redirect URI are the application registration pair, as for
// InteractiveOAuth.
type Certificate struct {
	ClientID       string
	RedirectURI    string
	TenantID       string
	Thumbprint     string
	Store          CertificateStore
	Certificates   []*x509.Certificate
	PrivateKey     crypto.PrivateKey
	TokenCachePath string
}

// ClientCredential authenticates an application with a client secret
type ClientCredential struct {
	ClientID       string
	ClientSecret   string
	TenantID       string
	TokenCachePath string
}

// ExternalToken delegates token acquisition to the host application
type ExternalToken struct {
	Provider TokenProvider
}

func (WindowsIntegrated) Mode() base.AuthMode { return base.AuthModeWindowsIntegrated }
func (InteractiveOAuth) Mode() base.AuthMode  { return base.AuthModeInteractiveOAuth }
func (Certificate) Mode() base.AuthMode       { return base.AuthModeCertificate }
func (ClientCredential) Mode() base.AuthMode  { return base.AuthModeClientCredential }
func (ExternalToken) Mode() base.AuthMode     { return base.AuthModeExternalToken }

func (c WindowsIntegrated) validate() error {
	if c.Username == "" && c.Password != "" {
		return base.NewArgumentError("username", "password supplied without a username")
	}
	return nil
}

func (c InteractiveOAuth) validate() error {
	if c.ClientID == "" {
		return base.NewArgumentError("client_id", "required for oauth")
	}
	if err := validateRedirect(c.RedirectURI, "oauth"); err != nil {
		return err
	}
	if c.Password != "" && c.Username == "" {
		return base.NewArgumentError("username", "password supplied without a username")
	}
	return nil
}

func (c Certificate) validate() error {
	if c.ClientID == "" {
		return base.NewArgumentError("client_id", "required for certificate auth")
	}
	if err := validateRedirect(c.RedirectURI, "certificate auth"); err != nil {
		return err
	}
	if len(c.Certificates) > 0 {
		if c.PrivateKey == nil {
			return base.NewArgumentError("private_key", "required with explicit certificates")
		}
		return nil
	}
	if c.Thumbprint == "" {
		return base.NewArgumentError("thumbprint", "required when no certificate is supplied")
	}
	if c.Store == nil {
		return &base.AuthConfigurationError{Mode: c.Mode(), Message: "no certificate store to look up thumbprint " + c.Thumbprint}
	}
	return nil
}

func validateRedirect(redirectURI, mode string) error {
	if redirectURI == "" {
		return base.NewArgumentError("redirect_uri", "required for "+mode)
	}
	if u, err := url.Parse(redirectURI); err != nil || u.Scheme == "" {
		return base.NewArgumentError("redirect_uri", "must be an absolute URI")
	}
	return nil
}

func (c ClientCredential) validate() error {
	if c.ClientID == "" {
		return base.NewArgumentError("client_id", "required for client credential auth")
	}
	if c.ClientSecret == "" {
		return base.NewArgumentError("client_secret", "required for client credential auth")
	}
	return nil
}

func (c ExternalToken) validate() error {
	if c.Provider == nil {
		return &base.AuthConfigurationError{Mode: c.Mode(), Message: "no token provider function registered"}
	}
	return nil
}

// Validate checks that cfg carries everything its mode needs. It performs no
// I/O, so callers can fail before any network activity.
func Validate(cfg Config) error {
	if cfg == nil {
		return base.NewArgumentError("auth", "no auth configuration")
	}
	return cfg.validate()
}

// NetworkCredential returns the basic credential of a WindowsIntegrated
// config, or nil for the current user.
func (c WindowsIntegrated) NetworkCredential() *sdk.BasicAuth {
	if c.Username == "" {
		return nil
	}
	return sdk.NewNetworkCredential(c.Domain, c.Username, c.Password)
}

// clientID returns the application id of token-based configs
func clientID(cfg Config) string {
	switch c := cfg.(type) {
	case InteractiveOAuth:
		return c.ClientID
	case Certificate:
		return c.ClientID
	case ClientCredential:
		return c.ClientID
	}
	return ""
}

func tenantID(cfg Config) string {
	switch c := cfg.(type) {
	case InteractiveOAuth:
		return c.TenantID
	case Certificate:
		return c.TenantID
	case ClientCredential:
		return c.TenantID
	}
	return ""
}

func tokenCachePath(cfg Config) string {
	switch c := cfg.(type) {
	case InteractiveOAuth:
		return c.TokenCachePath
	case Certificate:
		return c.TokenCachePath
	case ClientCredential:
		return c.TokenCachePath
	}
	return ""
}

// ResourceFromURL returns the scheme://host resource of an instance URL
func ResourceFromURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return strings.TrimRight(raw, "/")
	}
	return u.Scheme + "://" + u.Host
}
