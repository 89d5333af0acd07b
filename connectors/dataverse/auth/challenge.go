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
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Challenge is what an instance advertises about its identity provider in
// the WWW-Authenticate header of an unauthenticated request.
type Challenge struct {
	// AuthorityHost is the identity provider root, e.g. https://login.microsoftonline.com/
	AuthorityHost string
	TenantID      string
	// Authority is AuthorityHost plus tenant
	Authority string
	// Resource is the authoritative instance URL tokens must be issued for
	Resource string
}

// DiscoverAuthority sends an unauthenticated request to the instance's web
// API root and parses the bearer challenge.
func DiscoverAuthority(ctx context.Context, client *http.Client, instanceURL, apiVersion string) (*Challenge, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if apiVersion == "" {
		apiVersion = "9.2"
	}
	probe := strings.TrimRight(instanceURL, "/") + "/api/data/v" + apiVersion + "/"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probe, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create authority probe: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("authority probe failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	header := resp.Header.Get("WWW-Authenticate")
	if header == "" {
		return nil, fmt.Errorf("authority probe returned %d without a bearer challenge", resp.StatusCode)
	}
	return ParseChallenge(header)
}

// ParseChallenge parses a "Bearer authorization_uri=..., resource_id=..."
// header value.
func ParseChallenge(header string) (*Challenge, error) {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return nil, fmt.Errorf("not a bearer challenge: %q", header)
	}

	params := map[string]string{}
	for _, part := range strings.Split(header[7:], ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		params[strings.ToLower(strings.TrimSpace(k))] = strings.Trim(strings.TrimSpace(v), `"`)
	}

	authURI := params["authorization_uri"]
	if authURI == "" {
		return nil, fmt.Errorf("bearer challenge has no authorization_uri")
	}
	u, err := url.Parse(authURI)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid authorization_uri %q", authURI)
	}

	c := &Challenge{AuthorityHost: u.Scheme + "://" + u.Host + "/"}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segments) > 0 && segments[0] != "" {
		c.TenantID = segments[0]
		c.Authority = c.AuthorityHost + c.TenantID
	} else {
		c.Authority = c.AuthorityHost + "common"
	}
	if res := params["resource_id"]; res != "" {
		c.Resource = strings.TrimRight(res, "/")
	}
	return c, nil
}
