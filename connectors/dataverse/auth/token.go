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
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/golang-jwt/jwt/v5"

	"dataverse/platform/connectors/base"
	"dataverse/platform/connectors/sdk"
	"dataverse/platform/shared/logger"
)

// RefreshWindow is how close to expiry a token is silently re-acquired
const RefreshWindow = time.Minute

// Token is an access token plus the metadata a session keeps about it.
type Token struct {
	AccessToken string    `json:"access_token"`
	ExpiresOn   time.Time `json:"expires_on"`
	Account     string    `json:"account,omitempty"`
	Authority   string    `json:"authority,omitempty"`
	TenantID    string    `json:"tenant_id,omitempty"`
	ObjectID    string    `json:"object_id,omitempty"`
	Resource    string    `json:"resource,omitempty"`
}

// ExpiresWithin reports whether the token expires within d of now. A zero
// expiry is treated as unknown and never expiring.
func (t *Token) ExpiresWithin(d time.Duration, now time.Time) bool {
	if t == nil || t.AccessToken == "" {
		return true
	}
	if t.ExpiresOn.IsZero() {
		return false
	}
	return !now.Add(d).Before(t.ExpiresOn)
}

// Claims is the subset of access token claims sessions care about
type Claims struct {
	TenantID          string
	ObjectID          string
	UPN               string
	PreferredUsername string
	AppID             string
	Audience          string
	ExpiresAt         time.Time
}

// Account returns the best user-facing name for the principal
func (c Claims) Account() string {
	switch {
	case c.UPN != "":
		return c.UPN
	case c.PreferredUsername != "":
		return c.PreferredUsername
	default:
		return c.AppID
	}
}

// ParseClaims reads the claims of a JWT access token without verifying its
// signature. The platform validates tokens; this is only used to learn who
// the token was issued to.
func ParseClaims(accessToken string) (Claims, error) {
	token, _, err := jwt.NewParser().ParseUnverified(accessToken, jwt.MapClaims{})
	if err != nil {
		return Claims{}, fmt.Errorf("failed to parse access token: %w", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, fmt.Errorf("invalid token claims")
	}

	c := Claims{
		TenantID:          getClaimString(claims, "tid"),
		ObjectID:          getClaimString(claims, "oid"),
		UPN:               getClaimString(claims, "upn"),
		PreferredUsername: getClaimString(claims, "preferred_username"),
		AppID:             getClaimString(claims, "appid"),
	}
	if aud, err := claims.GetAudience(); err == nil && len(aud) > 0 {
		c.Audience = aud[0]
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		c.ExpiresAt = exp.Time
	}
	return c, nil
}

func getClaimString(claims jwt.MapClaims, key string) string {
	if val, ok := claims[key].(string); ok {
		return val
	}
	return ""
}

// enrich fills account, tenant and object id from the token's claims when
// it is a JWT. Opaque tokens are left as they are.
func (t *Token) enrich() {
	c, err := ParseClaims(t.AccessToken)
	if err != nil {
		return
	}
	if t.Account == "" {
		t.Account = c.Account()
	}
	if t.TenantID == "" {
		t.TenantID = c.TenantID
	}
	if t.ObjectID == "" {
		t.ObjectID = c.ObjectID
	}
	if t.ExpiresOn.IsZero() {
		t.ExpiresOn = c.ExpiresAt
	}
}

// Handle re-acquires tokens for one authenticated identity. Sessions and
// their clones share a Handle; acquisition is serialized because the
// underlying credential client is not safe for concurrent use.
type Handle struct {
	mode      base.AuthMode
	cred      azcore.TokenCredential
	provider  TokenProvider
	resource  string
	target    string
	authority string
	tenantID  string
	cache     TokenCache
	cacheKey  string
	skipCache bool
	clock     sdk.Clock
	sink      logger.TraceSink

	mu sync.Mutex
}

// Mode returns the auth mode the handle acquires tokens for
func (h *Handle) Mode() base.AuthMode { return h.mode }

// Authority returns the authority tokens are requested from
func (h *Handle) Authority() string { return h.authority }

// Resource returns the resource tokens are scoped to
func (h *Handle) Resource() string { return h.resource }

// Acquire returns a token valid for at least RefreshWindow. External token
// mode always invokes the provider; other modes consult the token cache
// before the credential.
func (h *Handle) Acquire(ctx context.Context) (*Token, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.mode == base.AuthModeExternalToken {
		return h.acquireExternal(ctx)
	}

	if h.cache != nil && !h.skipCache {
		cached, err := h.cache.Load(ctx, h.cacheKey)
		if err != nil {
			h.sink.Trace(logger.WARN, "token cache read failed", err, map[string]interface{}{"mode": h.mode.String()})
		} else if cached != nil && !cached.ExpiresWithin(RefreshWindow, h.clock.Now()) {
			return cached, nil
		}
	}
	// A forced prompt applies to the first acquisition only.
	h.skipCache = false

	if h.cred == nil {
		return nil, &base.AuthenticationFailure{Mode: h.mode, Authority: h.authority,
			Cause: fmt.Errorf("no cached token and interactive sign-in is disabled")}
	}

	at, err := h.cred.GetToken(ctx, policy.TokenRequestOptions{Scopes: []string{scopeFor(h.resource)}, TenantID: h.tenantID})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &base.AuthenticationFailure{Mode: h.mode, Authority: h.authority, Cause: err}
	}

	tok := &Token{
		AccessToken: at.Token,
		ExpiresOn:   at.ExpiresOn,
		Authority:   h.authority,
		TenantID:    h.tenantID,
		Resource:    h.resource,
	}
	tok.enrich()

	if h.cache != nil {
		if err := h.cache.Store(ctx, h.cacheKey, tok); err != nil {
			h.sink.Trace(logger.WARN, "token cache write failed", err, map[string]interface{}{"mode": h.mode.String()})
		}
	}
	return tok, nil
}

func (h *Handle) acquireExternal(ctx context.Context) (*Token, error) {
	if h.provider == nil {
		return nil, &base.AuthConfigurationError{Mode: h.mode, Message: "no token provider function registered"}
	}
	raw, err := h.provider(ctx, h.target)
	if err != nil {
		return nil, &base.AuthenticationFailure{Mode: h.mode, Cause: err}
	}
	if strings.TrimSpace(raw) == "" {
		return nil, &base.AuthenticationFailure{Mode: h.mode, Cause: fmt.Errorf("token provider returned an empty token")}
	}
	tok := &Token{AccessToken: raw, Resource: h.resource}
	tok.enrich()
	return tok, nil
}

func scopeFor(resource string) string {
	return strings.TrimRight(resource, "/") + "/.default"
}
