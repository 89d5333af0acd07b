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

// Package transport sends organization requests to an instance over either
// the legacy SOAP endpoint or the web API.
//
// A session holds a single Transport, normally a Router over one client per
// protocol, and never inspects the concrete type afterwards. Correlation
// headers are built per attempt by BuildHeaders and travel on the Call.
package transport

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"dataverse/platform/connectors/base"
	"dataverse/platform/connectors/dataverse/xrm"
)

const maxErrorBody = 4096

// Protocol is the wire protocol of one request
type Protocol int

const (
	ProtocolLegacy Protocol = iota
	ProtocolWebAPI
)

func (p Protocol) String() string {
	if p == ProtocolWebAPI {
		return "webapi"
	}
	return "legacy"
}

// Call is the input of one attempt
type Call struct {
	Request  *xrm.OrganizationRequest
	Protocol Protocol
	// Header carries the correlation headers of the attempt
	Header http.Header
}

// Reply is the result of a successful attempt
type Reply struct {
	Response   *xrm.OrganizationResponse
	StatusCode int
	// Header is the raw response header, used for cookies and hints
	Header http.Header
}

// Transport sends calls to one instance. Implementations must be safe for
// concurrent use; Close releases idle network resources and is idempotent.
type Transport interface {
	Send(ctx context.Context, call *Call) (*Reply, error)
	Close() error
}

// Router dispatches each call to the transport of its protocol.
type Router struct {
	legacy    Transport
	webAPI    Transport
	closeOnce sync.Once
	closeErr  error
}

// NewRouter creates a router. Either transport may be nil; calls for a
// missing protocol fail with UnsupportedOperationError.
func NewRouter(legacy, webAPI Transport) *Router {
	return &Router{legacy: legacy, webAPI: webAPI}
}

// Send implements Transport
func (r *Router) Send(ctx context.Context, call *Call) (*Reply, error) {
	if call == nil || call.Request == nil {
		return nil, base.NewArgumentError("request", "request is nil")
	}
	t := r.legacy
	if call.Protocol == ProtocolWebAPI {
		t = r.webAPI
	}
	if t == nil {
		return nil, &base.UnsupportedOperationError{
			Operation: call.Request.RequestName,
			Reason:    "no " + call.Protocol.String() + " transport is configured",
		}
	}
	return t.Send(ctx, call)
}

// Close closes both transports once
func (r *Router) Close() error {
	r.closeOnce.Do(func() {
		var errs []error
		for _, t := range []Transport{r.legacy, r.webAPI} {
			if t != nil {
				if err := t.Close(); err != nil {
					errs = append(errs, err)
				}
			}
		}
		r.closeErr = errors.Join(errs...)
	})
	return r.closeErr
}

// NewHTTPClient returns a client with its own connection pool and the given
// overall timeout.
func NewHTTPClient(timeout time.Duration) *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.MaxIdleConns = 100
	tr.MaxIdleConnsPerHost = 20
	tr.IdleConnTimeout = 90 * time.Second
	return &http.Client{Transport: tr, Timeout: timeout}
}

func truncateBody(body []byte) string {
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return strings.TrimSpace(string(body))
}
