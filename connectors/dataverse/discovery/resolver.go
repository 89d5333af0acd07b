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

package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"dataverse/platform/connectors/base"
	"dataverse/platform/connectors/dataverse/soap"
	"dataverse/platform/connectors/dataverse/xrm"
	"dataverse/platform/connectors/sdk"
	"dataverse/platform/shared/logger"
)

const maxErrorBody = 4096

// Resolver queries organization directories. It is safe for concurrent use.
type Resolver struct {
	httpClient *http.Client
	sink       logger.TraceSink
	retry      *sdk.RetryConfig
	isOnline   func(host string) bool
}

// Option configures a Resolver
type Option func(*Resolver)

// WithHTTPClient sets the HTTP client used for directory calls
func WithHTTPClient(c *http.Client) Option {
	return func(r *Resolver) { r.httpClient = c }
}

// WithSink sets the diagnostics sink
func WithSink(s logger.TraceSink) Option {
	return func(r *Resolver) { r.sink = logger.OrDiscard(s) }
}

// WithRetryConfig overrides the retry policy of directory calls
func WithRetryConfig(c *sdk.RetryConfig) Option {
	return func(r *Resolver) { r.retry = c }
}

// WithHostValidator replaces IsOnlineHost when filtering directory entries.
// Tests pointing discovery at a local server use it.
func WithHostValidator(fn func(host string) bool) Option {
	return func(r *Resolver) { r.isOnline = fn }
}

// NewResolver creates a Resolver
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		httpClient: &http.Client{Timeout: 2 * time.Minute},
		sink:       logger.Discard,
		retry: &sdk.RetryConfig{
			MaxRetries:      2,
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     10 * time.Second,
			Multiplier:      2.0,
			RetryIf:         sdk.DefaultRetryCondition,
		},
		isOnline: IsOnlineHost,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// instance is one row of the JSON instance directory
type instance struct {
	ID            string `json:"Id"`
	UniqueName    string `json:"UniqueName"`
	URLName       string `json:"UrlName"`
	FriendlyName  string `json:"FriendlyName"`
	State         int    `json:"State"`
	Version       string `json:"Version"`
	URL           string `json:"Url"`
	APIURL        string `json:"ApiUrl"`
	Region        string `json:"Region"`
	TenantID      string `json:"TenantId"`
	EnvironmentID string `json:"EnvironmentId"`
}

type instanceList struct {
	Value []instance `json:"value"`
}

// statusError is a non-2xx directory response
type statusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("discovery request to %s returned %d: %s", e.URL, e.StatusCode, e.Body)
}

// ResolveGlobalOrganizations lists every instance visible to the identity
// behind tokens from the global directory at directoryURL (GlobalDiscoveryURL
// when empty). Entries whose URL is malformed or off the online clouds are
// dropped.
func (r *Resolver) ResolveGlobalOrganizations(ctx context.Context, tokens sdk.TokenSource, directoryURL string) ([]xrm.OrgDirectoryEntry, error) {
	if directoryURL == "" {
		directoryURL = GlobalDiscoveryURL
	}
	list, err := r.fetchInstances(ctx, tokens, directoryURL)
	if err != nil {
		return nil, &base.DiscoveryFailure{Message: "global discovery failed", Cause: err}
	}
	return r.toEntries(list, directoryURL), nil
}

// ResolveOrganizations lists instances from one regional directory. An
// identity without access to the region gets an empty list rather than an
// error.
func (r *Resolver) ResolveOrganizations(ctx context.Context, tokens sdk.TokenSource, server KnownServer) ([]xrm.OrgDirectoryEntry, error) {
	u := server.InstancesURL()
	list, err := r.fetchInstances(ctx, tokens, u)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && (se.StatusCode == http.StatusUnauthorized || se.StatusCode == http.StatusForbidden) {
			r.sink.Trace(logger.INFO, "no access to discovery region", nil, map[string]interface{}{
				"server": server.ShortName,
				"status": se.StatusCode,
			})
			return []xrm.OrgDirectoryEntry{}, nil
		}
		return nil, &base.DiscoveryFailure{Message: "regional discovery failed on " + server.ShortName, Cause: err}
	}
	return r.toEntries(list, u), nil
}

// ScanServers queries each regional server in turn and concatenates the
// results. Servers that fail are skipped; the scan fails only when every
// server failed.
func (r *Resolver) ScanServers(ctx context.Context, tokens sdk.TokenSource, servers []KnownServer) ([]xrm.OrgDirectoryEntry, error) {
	if len(servers) == 0 {
		servers = knownServers
	}
	var (
		all     []xrm.OrgDirectoryEntry
		lastErr error
		failed  int
	)
	for _, s := range servers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entries, err := r.ResolveOrganizations(ctx, tokens, s)
		if err != nil {
			failed++
			lastErr = err
			r.sink.Trace(logger.WARN, "discovery server skipped", err, map[string]interface{}{"server": s.ShortName})
			continue
		}
		all = append(all, entries...)
	}
	if failed == len(servers) {
		return nil, &base.DiscoveryFailure{Message: "every discovery server failed", Cause: lastErr}
	}
	return all, nil
}

// ResolveLegacyOrganizations calls RetrieveOrganizations on a SOAP discovery
// service. serviceURL may be the server root or the full Discovery.svc/web
// address. auth is applied to the request as is.
func (r *Resolver) ResolveLegacyOrganizations(ctx context.Context, auth sdk.AuthProvider, serviceURL string) ([]xrm.OrgDirectoryEntry, error) {
	endpoint := strings.TrimRight(serviceURL, "/")
	if !strings.HasSuffix(strings.ToLower(endpoint), strings.ToLower(LegacyDiscoveryPath)) {
		endpoint += LegacyDiscoveryPath
	}

	payload, err := soap.EncodeRequest(xrm.NewOrganizationRequest(xrm.RequestRetrieveOrganizations), soap.Header{
		Action:           soap.ActionDiscoveryExecute,
		SDKClientVersion: soap.SDKClientVersion,
	})
	if err != nil {
		return nil, err
	}

	resp, err := sdk.RetryWithBackoff(ctx, r.retry, func() (*xrm.OrganizationResponse, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, &sdk.NonRetryableError{Err: err}
		}
		req.Header.Set("Content-Type", soap.ContentType)
		req.Header.Set("SOAPAction", soap.ActionDiscoveryExecute)
		if auth != nil {
			if err := auth.Authenticate(ctx, req); err != nil {
				return nil, &sdk.NonRetryableError{Err: err}
			}
		}
		res, err := r.httpClient.Do(req)
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
			return nil, &sdk.NonRetryableError{Err: fault}
		}
		if res.StatusCode >= 300 {
			return nil, classifyStatus(&statusError{URL: endpoint, StatusCode: res.StatusCode, Body: truncate(body)})
		}
		out, err := soap.DecodeResponse(body)
		if err != nil {
			return nil, &sdk.NonRetryableError{Err: err}
		}
		return out, nil
	})
	if err != nil {
		return nil, &base.DiscoveryFailure{Message: "legacy discovery failed", Cause: unwrapRetry(err)}
	}

	entries, _ := resp.Results[xrm.ResultDetails].([]xrm.OrgDirectoryEntry)
	r.sink.Trace(logger.DEBUG, "legacy discovery complete", nil, map[string]interface{}{
		"url":   endpoint,
		"count": len(entries),
	})
	return entries, nil
}

func (r *Resolver) fetchInstances(ctx context.Context, tokens sdk.TokenSource, directoryURL string) (*instanceList, error) {
	if tokens == nil {
		return nil, fmt.Errorf("no token source for %s", directoryURL)
	}
	auth := sdk.NewTokenSourceAuth(tokens, "")
	started := time.Now()

	list, err := sdk.RetryWithBackoff(ctx, r.retry, func() (*instanceList, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, directoryURL, nil)
		if err != nil {
			return nil, &sdk.NonRetryableError{Err: err}
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("OData-MaxVersion", "4.0")
		req.Header.Set("OData-Version", "4.0")
		if err := auth.Authenticate(ctx, req); err != nil {
			return nil, &sdk.NonRetryableError{Err: err}
		}

		res, err := r.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer res.Body.Close()
		body, err := io.ReadAll(res.Body)
		if err != nil {
			return nil, err
		}
		if res.StatusCode >= 300 {
			return nil, classifyStatus(&statusError{URL: directoryURL, StatusCode: res.StatusCode, Body: truncate(body)})
		}
		var out instanceList
		if err := json.Unmarshal(body, &out); err != nil {
			return nil, &sdk.NonRetryableError{Err: fmt.Errorf("decode instance list: %w", err)}
		}
		return &out, nil
	})
	if err != nil {
		r.sink.Trace(logger.WARN, "discovery request failed", err, map[string]interface{}{"url": directoryURL})
		return nil, unwrapRetry(err)
	}

	r.sink.Trace(logger.DEBUG, "discovery request complete", nil, map[string]interface{}{
		"url":         directoryURL,
		"count":       len(list.Value),
		"duration_ms": float64(time.Since(started).Microseconds()) / 1000,
	})
	return list, nil
}

func (r *Resolver) toEntries(list *instanceList, source string) []xrm.OrgDirectoryEntry {
	entries := make([]xrm.OrgDirectoryEntry, 0, len(list.Value))
	for _, in := range list.Value {
		e, err := r.toEntry(in)
		if err != nil {
			r.sink.Trace(logger.WARN, "discovery entry dropped", err, map[string]interface{}{
				"unique_name": in.UniqueName,
				"url":         in.URL,
				"source":      source,
			})
			continue
		}
		entries = append(entries, e)
	}
	return entries
}

func (r *Resolver) toEntry(in instance) (xrm.OrgDirectoryEntry, error) {
	u, err := url.Parse(in.URL)
	if err != nil || u.Host == "" {
		return xrm.OrgDirectoryEntry{}, fmt.Errorf("malformed instance url %q", in.URL)
	}
	if !r.isOnline(u.Host) {
		return xrm.OrgDirectoryEntry{}, fmt.Errorf("instance host %s is not an online host", u.Host)
	}

	var orgID uuid.UUID
	if in.ID != "" {
		if orgID, err = uuid.Parse(in.ID); err != nil {
			return xrm.OrgDirectoryEntry{}, fmt.Errorf("malformed instance id %q", in.ID)
		}
	}

	state := "Enabled"
	if in.State != 0 {
		state = "Disabled"
	}
	return xrm.OrgDirectoryEntry{
		UniqueName:     in.UniqueName,
		FriendlyName:   in.FriendlyName,
		URLName:        in.URLName,
		OrganizationID: orgID,
		EnvironmentID:  in.EnvironmentID,
		TenantID:       in.TenantID,
		Version:        in.Version,
		State:          state,
		Region:         in.Region,
		Endpoints:      xrm.EndpointsFromInstanceURL(in.URL),
	}, nil
}

// classifyStatus marks 429 and 5xx as retryable and everything else as final
func classifyStatus(se *statusError) error {
	if se.StatusCode == http.StatusTooManyRequests || se.StatusCode >= 500 {
		return &sdk.RetryableError{Err: se}
	}
	return &sdk.NonRetryableError{Err: se}
}

func unwrapRetry(err error) error {
	var re *sdk.RetryError
	if errors.As(err, &re) {
		err = re.Err
	}
	var rt *sdk.RetryableError
	if errors.As(err, &rt) {
		return rt.Err
	}
	var nr *sdk.NonRetryableError
	if errors.As(err, &nr) {
		return nr.Err
	}
	return err
}

func truncate(body []byte) string {
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return strings.TrimSpace(string(body))
}
