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
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dataverse/platform/connectors/base"
	"dataverse/platform/connectors/sdk"
	"dataverse/platform/shared/logger"
)

type fakeCredential struct {
	mu      sync.Mutex
	calls   int
	token   string
	expires time.Time
	err     error
	scopes  []string
}

func (f *fakeCredential) GetToken(ctx context.Context, opts policy.TokenRequestOptions) (azcore.AccessToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.scopes = opts.Scopes
	if f.err != nil {
		return azcore.AccessToken{}, f.err
	}
	return azcore.AccessToken{Token: f.token, ExpiresOn: f.expires}, nil
}

func (f *fakeCredential) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeFactory struct {
	cred        *fakeCredential
	err         error
	authorities []Authority
}

func (f *fakeFactory) NewCredential(cfg Config, authority Authority) (azcore.TokenCredential, error) {
	f.authorities = append(f.authorities, authority)
	if f.err != nil {
		return nil, f.err
	}
	if f.cred == nil {
		return nil, nil
	}
	return f.cred, nil
}

func signedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	require.NoError(t, err)
	return s
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name       string
		cfg        Config
		wantArg    bool
		wantConfig bool
	}{
		{name: "nil config", cfg: nil, wantArg: true},
		{name: "external without provider", cfg: ExternalToken{}, wantConfig: true},
		{name: "oauth without client id", cfg: InteractiveOAuth{RedirectURI: "http://localhost"}, wantArg: true},
		{name: "oauth without redirect", cfg: InteractiveOAuth{ClientID: "app"}, wantArg: true},
		{name: "oauth relative redirect", cfg: InteractiveOAuth{ClientID: "app", RedirectURI: "callback"}, wantArg: true},
		{name: "client secret missing", cfg: ClientCredential{ClientID: "app"}, wantArg: true},
		{name: "certificate without redirect", cfg: Certificate{ClientID: "app", Thumbprint: "AB"}, wantArg: true},
		{name: "certificate relative redirect", cfg: Certificate{ClientID: "app", RedirectURI: "callback", Thumbprint: "AB"}, wantArg: true},
		{name: "certificate without client id", cfg: Certificate{RedirectURI: "http://localhost", Thumbprint: "AB"}, wantArg: true},
		{name: "certificate without thumbprint", cfg: Certificate{ClientID: "app", RedirectURI: "http://localhost"}, wantArg: true},
		{name: "certificate without store", cfg: Certificate{ClientID: "app", RedirectURI: "http://localhost", Thumbprint: "AB"}, wantConfig: true},
		{name: "windows password only", cfg: WindowsIntegrated{Password: "x"}, wantArg: true},
		{name: "valid oauth", cfg: InteractiveOAuth{ClientID: "app", RedirectURI: "http://localhost"}},
		{name: "valid windows", cfg: WindowsIntegrated{}},
		{name: "valid external", cfg: ExternalToken{Provider: func(context.Context, string) (string, error) { return "t", nil }}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.cfg)
			var argErr *base.ArgumentError
			var cfgErr *base.AuthConfigurationError
			assert.Equal(t, tt.wantArg, errors.As(err, &argErr), "ArgumentError: %v", err)
			assert.Equal(t, tt.wantConfig, errors.As(err, &cfgErr), "AuthConfigurationError: %v", err)
			if !tt.wantArg && !tt.wantConfig {
				assert.NoError(t, err)
			}
		})
	}
}

func TestAuthenticate_ExternalToken(t *testing.T) {
	var targets []string
	provider := func(ctx context.Context, target string) (string, error) {
		targets = append(targets, target)
		return "external-token", nil
	}
	a := NewAuthenticator(WithCredentialFactory(&fakeFactory{}))

	res, err := a.Authenticate(context.Background(), "https://org.crm.dynamics.com", ExternalToken{Provider: provider})
	require.NoError(t, err)
	assert.Equal(t, "external-token", res.Token.AccessToken)
	assert.Equal(t, "https://org.crm.dynamics.com", res.ResolvedURL)
	require.NotNil(t, res.Handle)

	_, err = res.Handle.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"https://org.crm.dynamics.com", "https://org.crm.dynamics.com"}, targets)
}

func TestAuthenticate_ExternalTokenMissingProvider(t *testing.T) {
	a := NewAuthenticator()
	_, err := a.Authenticate(context.Background(), "https://org.crm.dynamics.com", ExternalToken{})
	var cfgErr *base.AuthConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, base.AuthModeExternalToken, cfgErr.Mode)
}

func TestAuthenticate_ExternalTokenProviderFailure(t *testing.T) {
	a := NewAuthenticator()
	provider := func(context.Context, string) (string, error) { return "", errors.New("host refused") }
	_, err := a.Authenticate(context.Background(), "https://org.crm.dynamics.com", ExternalToken{Provider: provider})
	assert.True(t, base.IsAuthenticationFailure(err))
}

func TestAuthenticate_Windows(t *testing.T) {
	a := NewAuthenticator()
	res, err := a.Authenticate(context.Background(), "https://crm.contoso.local/org1",
		WindowsIntegrated{Domain: "CONTOSO", Username: "ada", Password: "pw"})
	require.NoError(t, err)
	assert.Nil(t, res.Token)
	assert.Nil(t, res.Handle)
	require.NotNil(t, res.NetworkCredential)
	assert.Equal(t, `CONTOSO\ada`, res.NetworkCredential.Username())

	res, err = a.Authenticate(context.Background(), "https://crm.contoso.local/org1", WindowsIntegrated{})
	require.NoError(t, err)
	assert.Nil(t, res.NetworkCredential)
}

func TestAuthenticate_ClientCredentialWithChallenge(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/data/v9.2/", r.URL.Path)
		assert.Empty(t, r.Header.Get("Authorization"))
		w.Header().Set("WWW-Authenticate",
			`Bearer authorization_uri=https://login.example.com/tenant-1/oauth2/authorize, resource_id=`+srv.URL+`/`)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	cred := &fakeCredential{
		token: signedToken(t, jwt.MapClaims{
			"oid":   "0f4c7c1e-0000-0000-0000-000000000001",
			"appid": "app-1",
			"tid":   "tenant-1",
			"exp":   time.Now().Add(time.Hour).Unix(),
		}),
		expires: time.Now().Add(time.Hour),
	}
	factory := &fakeFactory{cred: cred}
	rec := logger.NewRecorder()
	a := NewAuthenticator(WithCredentialFactory(factory), WithHTTPClient(srv.Client()), WithSink(rec))

	res, err := a.Authenticate(context.Background(), srv.URL+"/", ClientCredential{ClientID: "app-1", ClientSecret: "s"})
	require.NoError(t, err)

	require.Len(t, factory.authorities, 1)
	assert.Equal(t, Authority{Host: "https://login.example.com/", TenantID: "tenant-1"}, factory.authorities[0])
	assert.Equal(t, srv.URL, res.ResolvedURL)
	assert.Equal(t, []string{srv.URL + "/.default"}, cred.scopes)
	assert.Equal(t, "0f4c7c1e-0000-0000-0000-000000000001", res.Token.ObjectID)
	assert.Equal(t, "app-1", res.Token.Account)
	assert.Equal(t, "https://login.example.com/tenant-1", res.Handle.Authority())
	assert.Equal(t, 1, rec.Count("authenticated"))
}

func TestAuthenticate_NoTenant(t *testing.T) {
	a := NewAuthenticator(WithCredentialFactory(&fakeFactory{cred: &fakeCredential{token: "t"}}), WithoutAuthorityChallenge())
	_, err := a.Authenticate(context.Background(), "https://org.crm.dynamics.com", ClientCredential{ClientID: "app", ClientSecret: "s"})
	assert.True(t, base.IsAuthenticationFailure(err))

	// user sign-in falls back to the multi-tenant authority
	factory := &fakeFactory{cred: &fakeCredential{token: "t"}}
	a = NewAuthenticator(WithCredentialFactory(factory), WithoutAuthorityChallenge())
	_, err = a.Authenticate(context.Background(), "https://org.crm.dynamics.com",
		InteractiveOAuth{ClientID: "app", RedirectURI: "http://localhost", Username: "u@contoso.com", Password: "p"})
	require.NoError(t, err)
	assert.Equal(t, "organizations", factory.authorities[0].TenantID)
}

func TestAuthenticate_CredentialFailure(t *testing.T) {
	a := NewAuthenticator(WithCredentialFactory(&fakeFactory{cred: &fakeCredential{err: errors.New("AADSTS7000215: invalid client secret")}}))
	_, err := a.Authenticate(context.Background(), "https://org.crm.dynamics.com",
		ClientCredential{ClientID: "app", ClientSecret: "bad", TenantID: "t1"})

	var af *base.AuthenticationFailure
	require.True(t, errors.As(err, &af))
	assert.Equal(t, base.AuthModeClientCredential, af.Mode)
	assert.Contains(t, af.Error(), "AADSTS7000215")

	a = NewAuthenticator(WithCredentialFactory(&fakeFactory{err: errors.New("bad options")}))
	_, err = a.Authenticate(context.Background(), "https://org.crm.dynamics.com",
		ClientCredential{ClientID: "app", ClientSecret: "bad", TenantID: "t1"})
	assert.True(t, base.IsAuthenticationFailure(err))
}

func TestAuthenticate_CertificateNotFound(t *testing.T) {
	store := NewPEMCertificateStore(t.TempDir(), nil)
	a := NewAuthenticator(WithCredentialFactory(AzureCredentialFactory{}))
	_, err := a.Authenticate(context.Background(), "https://org.crm.dynamics.com",
		Certificate{ClientID: "app", RedirectURI: "http://localhost", TenantID: "t1", Thumbprint: "ab:cd", Store: store})

	var nf *base.CertificateNotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "ABCD", nf.Thumbprint)
}

func TestAuthenticate_TokenCache(t *testing.T) {
	clock := sdk.NewFakeClock(time.Now())
	cred := &fakeCredential{token: "cached-token", expires: clock.Now().Add(time.Hour)}
	cache := NewFileTokenCache(filepath.Join(t.TempDir(), "tokens.json"))
	cfg := ClientCredential{ClientID: "app", ClientSecret: "s", TenantID: "t1"}

	a := NewAuthenticator(WithCredentialFactory(&fakeFactory{cred: cred}), WithTokenCache(cache), WithClock(clock))
	_, err := a.Authenticate(context.Background(), "https://org.crm.dynamics.com", cfg)
	require.NoError(t, err)
	res, err := a.Authenticate(context.Background(), "https://org.crm.dynamics.com", cfg)
	require.NoError(t, err)
	assert.Equal(t, "cached-token", res.Token.AccessToken)
	assert.Equal(t, 1, cred.Calls())

	// within the refresh window the cache is bypassed
	clock.Advance(59*time.Minute + 30*time.Second)
	_, err = res.Handle.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, cred.Calls())
}

func TestAuthenticate_PromptBehavior(t *testing.T) {
	cfg := InteractiveOAuth{ClientID: "app", RedirectURI: "http://localhost", TenantID: "t1", Prompt: PromptNever}
	a := NewAuthenticator(WithCredentialFactory(&fakeFactory{}))
	_, err := a.Authenticate(context.Background(), "https://org.crm.dynamics.com", cfg)
	assert.True(t, base.IsAuthenticationFailure(err))

	cache := NewFileTokenCache(filepath.Join(t.TempDir(), "tokens.json"))
	require.NoError(t, cache.Store(context.Background(), CacheKey(cfg, "t1", "https://org.crm.dynamics.com"),
		&Token{AccessToken: "from-cache", ExpiresOn: time.Now().Add(time.Hour)}))

	a = NewAuthenticator(WithCredentialFactory(&fakeFactory{}), WithTokenCache(cache))
	res, err := a.Authenticate(context.Background(), "https://org.crm.dynamics.com", cfg)
	require.NoError(t, err)
	assert.Equal(t, "from-cache", res.Token.AccessToken)

	cred := &fakeCredential{token: "fresh", expires: time.Now().Add(time.Hour)}
	cfg.Prompt = PromptAlways
	a = NewAuthenticator(WithCredentialFactory(&fakeFactory{cred: cred}), WithTokenCache(cache))
	res, err = a.Authenticate(context.Background(), "https://org.crm.dynamics.com", cfg)
	require.NoError(t, err)
	assert.Equal(t, "fresh", res.Token.AccessToken)
}

func TestTokenSource(t *testing.T) {
	factory := &fakeFactory{cred: &fakeCredential{token: "disco", expires: time.Now().Add(time.Hour)}}
	a := NewAuthenticator(WithCredentialFactory(factory))
	source := a.TokenSource(ClientCredential{ClientID: "app", ClientSecret: "s", TenantID: "t1"})

	for i := 0; i < 3; i++ {
		tok, err := source(context.Background(), "https://globaldisco.crm.dynamics.com")
		require.NoError(t, err)
		assert.Equal(t, "disco", tok)
	}
	assert.Len(t, factory.authorities, 1)

	_, err := a.TokenSource(WindowsIntegrated{})(context.Background(), "https://x")
	var unsupported *base.UnsupportedOperationError
	assert.True(t, errors.As(err, &unsupported))

	_, err = a.TokenSource(ExternalToken{})(context.Background(), "https://x")
	var cfgErr *base.AuthConfigurationError
	assert.True(t, errors.As(err, &cfgErr))
}

func TestParseChallenge(t *testing.T) {
	c, err := ParseChallenge(`Bearer authorization_uri="https://login.microsoftonline.com/abc/oauth2/authorize", resource_id="https://org.crm.dynamics.com/"`)
	require.NoError(t, err)
	assert.Equal(t, "https://login.microsoftonline.com/", c.AuthorityHost)
	assert.Equal(t, "abc", c.TenantID)
	assert.Equal(t, "https://login.microsoftonline.com/abc", c.Authority)
	assert.Equal(t, "https://org.crm.dynamics.com", c.Resource)

	for _, bad := range []string{"", "Basic realm=x", "Bearer resource_id=x", "Bearer authorization_uri=::"} {
		_, err := ParseChallenge(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseClaims(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	tok := signedToken(t, jwt.MapClaims{
		"upn": "ada@contoso.com", "oid": "oid-1", "tid": "tid-1",
		"aud": "https://org.crm.dynamics.com", "exp": exp.Unix(),
	})
	c, err := ParseClaims(tok)
	require.NoError(t, err)
	assert.Equal(t, "ada@contoso.com", c.Account())
	assert.Equal(t, "oid-1", c.ObjectID)
	assert.Equal(t, "tid-1", c.TenantID)
	assert.Equal(t, "https://org.crm.dynamics.com", c.Audience)
	assert.True(t, exp.Equal(c.ExpiresAt))

	_, err = ParseClaims("opaque")
	assert.Error(t, err)
}

func TestToken_ExpiresWithin(t *testing.T) {
	now := time.Now()
	assert.True(t, (*Token)(nil).ExpiresWithin(RefreshWindow, now))
	assert.False(t, (&Token{AccessToken: "x"}).ExpiresWithin(RefreshWindow, now))
	assert.True(t, (&Token{AccessToken: "x", ExpiresOn: now.Add(30 * time.Second)}).ExpiresWithin(RefreshWindow, now))
	assert.False(t, (&Token{AccessToken: "x", ExpiresOn: now.Add(2 * time.Minute)}).ExpiresWithin(RefreshWindow, now))
}
