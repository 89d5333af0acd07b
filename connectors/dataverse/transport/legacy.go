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

package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"

	"dataverse/platform/connectors/dataverse/soap"
	"dataverse/platform/connectors/dataverse/xrm"
	"dataverse/platform/connectors/sdk"
)

// LegacyPath is the SOAP endpoint below the instance URL
const LegacyPath = xrm.OrganizationServicePath + "/web"

// LegacyConfig configures a LegacyClient
type LegacyConfig struct {
	// BaseURL is the instance URL or the organization service URL
	BaseURL    string
	HTTPClient *http.Client
	Auth       sdk.AuthProvider
	UserAgent  string
}

// LegacyClient executes organization requests against the SOAP endpoint.
type LegacyClient struct {
	endpoint   string
	client     *http.Client
	ownsClient bool
	auth       sdk.AuthProvider
	userAgent  string
	closeOnce  sync.Once
}

// NewLegacyClient creates a client for cfg.BaseURL
func NewLegacyClient(cfg LegacyConfig) (*LegacyClient, error) {
	endpoint, err := LegacyEndpoint(cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	c := &LegacyClient{
		endpoint:  endpoint,
		client:    cfg.HTTPClient,
		auth:      cfg.Auth,
		userAgent: cfg.UserAgent,
	}
	if c.client == nil {
		c.client = NewHTTPClient(0)
		c.ownsClient = true
	}
	return c, nil
}

// LegacyEndpoint derives the SOAP endpoint from an instance or service URL
func LegacyEndpoint(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("invalid organization url %q", raw)
	}
	u.RawQuery = ""
	u.Fragment = ""
	path := strings.TrimRight(u.Path, "/")
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, strings.ToLower(LegacyPath)):
	case strings.HasSuffix(lower, strings.ToLower(xrm.OrganizationServicePath)):
		path += "/web"
	default:
		if i := strings.Index(lower, "/xrmservices/"); i >= 0 {
			path = path[:i]
		}
		path += LegacyPath
	}
	u.Path = path
	return u.String(), nil
}

// Endpoint returns the SOAP endpoint URL
func (c *LegacyClient) Endpoint() string {
	return c.endpoint
}

// Send implements Transport
func (c *LegacyClient) Send(ctx context.Context, call *Call) (*Reply, error) {
	hdr := soap.Header{Action: soap.ActionExecute, SDKClientVersion: soap.SDKClientVersion}
	if id, err := uuid.Parse(call.Header.Get(HeaderCallerID)); err == nil {
		hdr.CallerID = id
	}
	payload, err := soap.EncodeRequest(call.Request, hdr)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", soap.ContentType)
	req.Header.Set("SOAPAction", soap.ActionExecute)
	if c.userAgent != "" {
		req.Header.Set(HeaderUserAgent, c.userAgent)
	}
	applyHeaders(req, call.Header)
	if c.auth != nil {
		if err := c.auth.Authenticate(ctx, req); err != nil {
			return nil, err
		}
	}

	res, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}

	if fault := soap.DecodeFault(body); fault != nil {
		fault.HTTPStatus = res.StatusCode
		if fault.RetryAfter == "" {
			fault.RetryAfter = res.Header.Get("Retry-After")
		}
		return nil, fault
	}
	if res.StatusCode >= 300 {
		msg := truncateBody(body)
		if msg == "" {
			msg = http.StatusText(res.StatusCode)
		}
		return nil, &xrm.OrganizationServiceFault{
			HTTPStatus: res.StatusCode,
			Message:    msg,
			RetryAfter: res.Header.Get("Retry-After"),
		}
	}

	resp, err := soap.DecodeResponse(body)
	if err != nil {
		return nil, err
	}
	return &Reply{Response: resp, StatusCode: res.StatusCode, Header: res.Header}, nil
}

// Close releases idle connections of a client the transport created itself
func (c *LegacyClient) Close() error {
	c.closeOnce.Do(func() {
		if c.ownsClient {
			c.client.CloseIdleConnections()
		}
	})
	return nil
}
