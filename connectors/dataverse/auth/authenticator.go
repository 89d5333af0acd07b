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

package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/cloud"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"

	"dataverse/platform/connectors/base"
	"dataverse/platform/connectors/sdk"
	"dataverse/platform/shared/logger"
)

// DefaultAuthorityHost is the public cloud identity provider
const DefaultAuthorityHost = "https://login.microsoftonline.com/"

// defaultPublicTenant is used for user sign-in when no tenant is known
const defaultPublicTenant = "organizations"

// Authority identifies where tokens are requested
type Authority struct {
	Host     string
	TenantID string
}

func (a Authority) String() string {
	return strings.TrimRight(a.Host, "/") + "/" + a.TenantID
}

// CredentialFactory builds the token credential of a token-based config. A
// nil credential with a nil error means tokens can only come from the cache.
type CredentialFactory interface {
	NewCredential(cfg Config, authority Authority) (azcore.TokenCredential, error)
}

// AzureCredentialFactory builds azidentity credentials
type AzureCredentialFactory struct {
	// HTTPClient carries identity provider traffic; nil uses the default
	HTTPClient *http.Client
	// DisableInstanceDiscovery skips authority metadata lookups, for
	// private clouds and on-premises identity providers
	DisableInstanceDiscovery bool
}

// NewCredential implements CredentialFactory
func (f AzureCredentialFactory) NewCredential(cfg Config, authority Authority) (azcore.TokenCredential, error) {
	opts := azcore.ClientOptions{Cloud: cloud.Configuration{ActiveDirectoryAuthorityHost: authority.Host}}
	if f.HTTPClient != nil {
		opts.Transport = f.HTTPClient
	}

	switch c := cfg.(type) {
	case ClientCredential:
		return azidentity.NewClientSecretCredential(authority.TenantID, c.ClientID, c.ClientSecret,
			&azidentity.ClientSecretCredentialOptions{ClientOptions: opts, DisableInstanceDiscovery: f.DisableInstanceDiscovery})

	case Certificate:
		certs, key := c.Certificates, c.PrivateKey
		if len(certs) == 0 {
			var err error
			if certs, key, err = c.Store.Find(c.Thumbprint); err != nil {
				return nil, err
			}
		}
		return azidentity.NewClientCertificateCredential(authority.TenantID, c.ClientID, certs, key,
			&azidentity.ClientCertificateCredentialOptions{
				ClientOptions:            opts,
				SendCertificateChain:     true,
				DisableInstanceDiscovery: f.DisableInstanceDiscovery,
			})

	case InteractiveOAuth:
		if c.Username != "" && c.Password != "" {
			return azidentity.NewUsernamePasswordCredential(authority.TenantID, c.ClientID, c.Username, c.Password,
				&azidentity.UsernamePasswordCredentialOptions{ClientOptions: opts, DisableInstanceDiscovery: f.DisableInstanceDiscovery})
		}
		if c.Prompt == PromptNever {
			return nil, nil
		}
		return azidentity.NewInteractiveBrowserCredential(&azidentity.InteractiveBrowserCredentialOptions{
			ClientOptions:            opts,
			ClientID:                 c.ClientID,
			TenantID:                 authority.TenantID,
			RedirectURL:              c.RedirectURI,
			LoginHint:                c.LoginHint,
			DisableInstanceDiscovery: f.DisableInstanceDiscovery,
		})
	}
	return nil, fmt.Errorf("no credential for auth mode %s", cfg.Mode())
}

// Result is the outcome of a successful authentication
type Result struct {
	// Token is nil for Windows integrated auth
	Token *Token
	// ResolvedURL is the instance URL the authority is authoritative for. It
	// may differ from the hint and is used from then on.
	ResolvedURL string
	// Handle re-acquires tokens; nil for Windows integrated auth
	Handle *Handle
	// NetworkCredential is set for Windows integrated auth with explicit
	// credentials
	NetworkCredential *sdk.BasicAuth
}

// Authenticator performs the authentication handshake of every auth mode.
type Authenticator struct {
	factory          CredentialFactory
	cache            TokenCache
	httpClient       *http.Client
	clock            sdk.Clock
	sink             logger.TraceSink
	apiVersion       string
	authorityHost    string
	disableChallenge bool
}

// Option configures an Authenticator
type Option func(*Authenticator)

// WithCredentialFactory replaces the azidentity credential factory
func WithCredentialFactory(f CredentialFactory) Option {
	return func(a *Authenticator) { a.factory = f }
}

// WithTokenCache sets the token cache store used by every mode
func WithTokenCache(c TokenCache) Option {
	return func(a *Authenticator) { a.cache = c }
}

// WithHTTPClient sets the client used for the authority challenge
func WithHTTPClient(c *http.Client) Option {
	return func(a *Authenticator) { a.httpClient = c }
}

// WithClock sets the clock used for expiry checks
func WithClock(c sdk.Clock) Option {
	return func(a *Authenticator) { a.clock = c }
}

// WithSink sets the trace sink
func WithSink(s logger.TraceSink) Option {
	return func(a *Authenticator) { a.sink = logger.OrDiscard(s) }
}

// WithAPIVersion sets the web API version used by the authority challenge
func WithAPIVersion(v string) Option {
	return func(a *Authenticator) { a.apiVersion = v }
}

// WithAuthorityHost overrides the identity provider host
func WithAuthorityHost(host string) Option {
	return func(a *Authenticator) { a.authorityHost = host }
}

// WithoutAuthorityChallenge disables the unauthenticated probe used to learn
// the tenant of an instance.
func WithoutAuthorityChallenge() Option {
	return func(a *Authenticator) { a.disableChallenge = true }
}

// NewAuthenticator creates an authenticator
func NewAuthenticator(opts ...Option) *Authenticator {
	a := &Authenticator{
		factory:       AzureCredentialFactory{},
		clock:         sdk.RealClock(),
		sink:          logger.Discard,
		apiVersion:    "9.2",
		authorityHost: DefaultAuthorityHost,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.httpClient == nil {
		a.httpClient = http.DefaultClient
	}
	return a
}

// Authenticate acquires credentials for endpointHint according to cfg.
// Configuration problems are reported before any network call.
func (a *Authenticator) Authenticate(ctx context.Context, endpointHint string, cfg Config) (*Result, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}

	switch c := cfg.(type) {
	case WindowsIntegrated:
		return &Result{ResolvedURL: endpointHint, NetworkCredential: c.NetworkCredential()}, nil

	case ExternalToken:
		h := &Handle{
			mode:     base.AuthModeExternalToken,
			provider: c.Provider,
			resource: ResourceFromURL(endpointHint),
			target:   endpointHint,
			clock:    a.clock,
			sink:     a.sink,
		}
		tok, err := h.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		return &Result{Token: tok, ResolvedURL: endpointHint, Handle: h}, nil
	}

	resolved := strings.TrimRight(endpointHint, "/")
	resource := ResourceFromURL(endpointHint)
	authority := Authority{Host: a.authorityHost, TenantID: tenantID(cfg)}

	if authority.TenantID == "" && !a.disableChallenge {
		challenge, err := DiscoverAuthority(ctx, a.httpClient, endpointHint, a.apiVersion)
		if err != nil {
			a.sink.Trace(logger.WARN, "authority challenge failed", err, map[string]interface{}{"url": endpointHint})
		} else {
			authority = Authority{Host: challenge.AuthorityHost, TenantID: challenge.TenantID}
			if challenge.Resource != "" {
				resolved = challenge.Resource
				resource = ResourceFromURL(challenge.Resource)
			}
		}
	}
	if authority.TenantID == "" {
		if cfg.Mode() != base.AuthModeInteractiveOAuth {
			return nil, &base.AuthenticationFailure{Mode: cfg.Mode(), Cause: fmt.Errorf("tenant could not be determined for %s", endpointHint)}
		}
		authority.TenantID = defaultPublicTenant
	}

	h, err := a.newHandle(cfg, resource, resolved, authority)
	if err != nil {
		return nil, err
	}
	tok, err := h.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	a.sink.Trace(logger.INFO, "authenticated", nil, map[string]interface{}{
		"mode":      cfg.Mode().String(),
		"authority": authority.String(),
		"account":   tok.Account,
		"resource":  resource,
	})
	return &Result{Token: tok, ResolvedURL: resolved, Handle: h}, nil
}

// TokenSource returns a function acquiring tokens for arbitrary resources
// with cfg's identity, as needed by discovery services.
func (a *Authenticator) TokenSource(cfg Config) sdk.TokenSource {
	var mu sync.Mutex
	handles := map[string]*Handle{}

	return func(ctx context.Context, resource string) (string, error) {
		if err := Validate(cfg); err != nil {
			return "", err
		}
		if _, ok := cfg.(WindowsIntegrated); ok {
			return "", &base.UnsupportedOperationError{Operation: "token acquisition", Reason: "windows integrated auth does not use bearer tokens"}
		}

		mu.Lock()
		h, ok := handles[resource]
		if !ok {
			var err error
			if c, isExternal := cfg.(ExternalToken); isExternal {
				h = &Handle{mode: base.AuthModeExternalToken, provider: c.Provider, resource: resource, target: resource, clock: a.clock, sink: a.sink}
			} else {
				tenant := tenantID(cfg)
				if tenant == "" {
					tenant = defaultPublicTenant
				}
				h, err = a.newHandle(cfg, resource, resource, Authority{Host: a.authorityHost, TenantID: tenant})
			}
			if err != nil {
				mu.Unlock()
				return "", err
			}
			handles[resource] = h
		}
		mu.Unlock()

		tok, err := h.Acquire(ctx)
		if err != nil {
			return "", err
		}
		return tok.AccessToken, nil
	}
}

func (a *Authenticator) newHandle(cfg Config, resource, target string, authority Authority) (*Handle, error) {
	cred, err := a.factory.NewCredential(cfg, authority)
	if err != nil {
		var notFound *base.CertificateNotFoundError
		if errors.As(err, &notFound) {
			return nil, err
		}
		return nil, &base.AuthenticationFailure{Mode: cfg.Mode(), Authority: authority.String(), Cause: err}
	}

	cache := a.cache
	if cache == nil {
		if path := tokenCachePath(cfg); path != "" {
			cache = NewFileTokenCache(path)
		}
	}

	h := &Handle{
		mode:      cfg.Mode(),
		cred:      cred,
		resource:  resource,
		target:    target,
		authority: authority.String(),
		tenantID:  authority.TenantID,
		cache:     cache,
		cacheKey:  CacheKey(cfg, authority.TenantID, resource),
		clock:     a.clock,
		sink:      a.sink,
	}
	if c, ok := cfg.(InteractiveOAuth); ok && c.Prompt == PromptAlways {
		h.skipCache = true
	}
	return h, nil
}
