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

package sdk

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// AuthProvider applies credentials to outbound HTTP requests
type AuthProvider interface {
	// Authenticate adds authentication to the request
	Authenticate(ctx context.Context, req *http.Request) error

	// IsExpired checks if the credentials need refreshing
	IsExpired() bool

	// Refresh refreshes the credentials
	Refresh(ctx context.Context) error

	// Type returns the authentication type
	Type() string
}

// BasicAuth provides HTTP Basic authentication. It carries network
// credentials (DOMAIN\user) for integrated on-premises deployments.
type BasicAuth struct {
	username string
	password string
	mu       sync.RWMutex
}

// NewBasicAuth creates a new Basic authentication provider
func NewBasicAuth(username, password string) *BasicAuth {
	return &BasicAuth{
		username: username,
		password: password,
	}
}

// NewNetworkCredential builds Basic credentials from a domain account. An
// empty domain yields the bare user name.
func NewNetworkCredential(domain, username, password string) *BasicAuth {
	if domain != "" {
		username = domain + `\` + username
	}
	return NewBasicAuth(username, password)
}

// Authenticate applies Basic auth to the request
func (b *BasicAuth) Authenticate(ctx context.Context, req *http.Request) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.username == "" {
		return fmt.Errorf("username is not set")
	}

	req.SetBasicAuth(b.username, b.password)
	return nil
}

// IsExpired returns false for Basic auth
func (b *BasicAuth) IsExpired() bool {
	return false
}

// Refresh is a no-op for Basic auth
func (b *BasicAuth) Refresh(ctx context.Context) error {
	return nil
}

// Type returns the authentication type
func (b *BasicAuth) Type() string {
	return "basic"
}

// Username returns the configured user name
func (b *BasicAuth) Username() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.username
}

// BearerTokenAuth provides Bearer token authentication
type BearerTokenAuth struct {
	token     string
	expiresAt time.Time
	mu        sync.RWMutex
}

// NewBearerTokenAuth creates a new Bearer token authentication provider
func NewBearerTokenAuth(token string, expiresAt time.Time) *BearerTokenAuth {
	return &BearerTokenAuth{
		token:     token,
		expiresAt: expiresAt,
	}
}

// Authenticate applies the Bearer token to the request
func (b *BearerTokenAuth) Authenticate(ctx context.Context, req *http.Request) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.token == "" {
		return fmt.Errorf("bearer token is not set")
	}

	req.Header.Set("Authorization", "Bearer "+b.token)
	return nil
}

// IsExpired checks if the token has expired
func (b *BearerTokenAuth) IsExpired() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.expiresAt.IsZero() {
		return false
	}
	return time.Now().After(b.expiresAt)
}

// Refresh is a no-op for static Bearer tokens
func (b *BearerTokenAuth) Refresh(ctx context.Context) error {
	return nil
}

// Type returns the authentication type
func (b *BearerTokenAuth) Type() string {
	return "bearer"
}

// SetToken updates the bearer token
func (b *BearerTokenAuth) SetToken(token string, expiresAt time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.token = token
	b.expiresAt = expiresAt
}

// GetToken returns the current token
func (b *BearerTokenAuth) GetToken() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.token
}

// ExpiresAt returns the token expiry; zero means unknown.
func (b *BearerTokenAuth) ExpiresAt() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.expiresAt
}

// TokenSource produces a bearer token for a target resource URL.
type TokenSource func(ctx context.Context, resource string) (string, error)

// TokenSourceAuth asks a TokenSource for a token on every request. Discovery
// uses it so that each directory server gets a token for its own audience.
type TokenSourceAuth struct {
	source   TokenSource
	resource string
}

// NewTokenSourceAuth creates a provider that requests tokens for resource
func NewTokenSourceAuth(source TokenSource, resource string) *TokenSourceAuth {
	return &TokenSourceAuth{source: source, resource: resource}
}

// Authenticate fetches a token and applies it to the request
func (t *TokenSourceAuth) Authenticate(ctx context.Context, req *http.Request) error {
	if t.source == nil {
		return fmt.Errorf("token source is not set")
	}
	resource := t.resource
	if resource == "" {
		resource = req.URL.Scheme + "://" + req.URL.Host
	}
	token, err := t.source(ctx, resource)
	if err != nil {
		return fmt.Errorf("acquire token for %s: %w", resource, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

// IsExpired is always false; the source owns expiry.
func (t *TokenSourceAuth) IsExpired() bool {
	return false
}

// Refresh is a no-op; every Authenticate call asks the source.
func (t *TokenSourceAuth) Refresh(ctx context.Context) error {
	return nil
}

// Type returns the authentication type
func (t *TokenSourceAuth) Type() string {
	return "token_source"
}
