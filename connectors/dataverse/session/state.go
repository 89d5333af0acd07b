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

// Package session owns the lifecycle of one authenticated connection to an
// instance: connecting, token refresh, request execution with retry and
// throttling, cloning and disposal.
package session

import (
	"net/http"
	"time"

	"dataverse/platform/connectors/dataverse/auth"
	"dataverse/platform/connectors/dataverse/discovery"
	"dataverse/platform/connectors/dataverse/transport"
	"dataverse/platform/connectors/dataverse/xrm"
	"dataverse/platform/connectors/registry"
	"dataverse/platform/connectors/sdk"
	"dataverse/platform/shared/logger"
)

// State is the lifecycle state of a Session.
type State int

const (
	StateUninitialized State = iota
	StateAuthenticating
	StateResolving
	StateConnected
	StateReconnecting
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateAuthenticating:
		return "authenticating"
	case StateResolving:
		return "resolving"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDisposed:
		return "disposed"
	default:
		return "uninitialized"
	}
}

// Target says where a session connects to. URL addresses an instance
// directly; otherwise OrgName is looked up through discovery.
type Target struct {
	URL     string
	OrgName string

	// Region limits OAuth discovery to one known server, e.g. "EMEA".
	// Empty uses the global discovery service and RegionAll scans every
	// known regional server.
	Region string
	// DiscoveryURL overrides the discovery service address. For Windows
	// integrated auth it is the on-premises server root.
	DiscoveryURL string

	// Host and Port replace the host of a discovered endpoint when it is
	// not an online host. On-premises deployments behind NAT use them.
	Host string
	Port int
}

// RegionAll as Target.Region queries every known regional discovery server
const RegionAll = "*"

// TransportParams is the input of a TransportFactory.
type TransportParams struct {
	InstanceURL string
	Mode        string
	// Auth signs outgoing requests; nil sends them unauthenticated
	Auth          sdk.AuthProvider
	HTTPClient    *http.Client
	Metadata      xrm.MetadataProvider
	MetadataTTL   time.Duration
	APIVersion    string
	UserAgent     string
	LegacyOnly    bool
	ClientTimeout time.Duration
}

// TransportFactory builds the transport of a session and reports the
// metadata provider the web API side uses.
type TransportFactory func(p TransportParams) (transport.Transport, xrm.MetadataProvider, error)

// DefaultTransportFactory routes legacy calls to the SOAP endpoint and web
// API calls to the OData endpoint of p.InstanceURL.
func DefaultTransportFactory(p TransportParams) (transport.Transport, xrm.MetadataProvider, error) {
	client := p.HTTPClient
	if client == nil {
		client = transport.NewHTTPClient(p.ClientTimeout)
	}

	legacy, err := transport.NewLegacyClient(transport.LegacyConfig{
		BaseURL:    p.InstanceURL,
		HTTPClient: client,
		Auth:       p.Auth,
		UserAgent:  p.UserAgent,
	})
	if err != nil {
		return nil, nil, err
	}
	if p.LegacyOnly {
		return transport.NewRouter(legacy, nil), p.Metadata, nil
	}

	web, err := transport.NewWebAPIClient(transport.WebAPIConfig{
		BaseURL:     p.InstanceURL,
		APIVersion:  p.APIVersion,
		HTTPClient:  client,
		Auth:        p.Auth,
		Metadata:    p.Metadata,
		MetadataTTL: p.MetadataTTL,
		UserAgent:   p.UserAgent,
	})
	if err != nil {
		return nil, nil, err
	}
	return transport.NewRouter(legacy, web), web.Metadata(), nil
}

// Dependencies are the collaborators of a session. Zero values get working
// defaults, so tests only set what they replace.
type Dependencies struct {
	Authenticator *auth.Authenticator
	Resolver      *discovery.Resolver
	HTTPClient    *http.Client
	// Metadata overrides the instance metadata reader of the web API
	Metadata    xrm.MetadataProvider
	MetadataTTL time.Duration
	Sink        logger.TraceSink
	Clock       sdk.Clock
	Metrics     *sdk.ExecutionMetrics
	// Cache holds connected sessions by Options.CacheKey
	Cache *registry.ConnectionCache[*Session]
	// AdditionalHeaders is consulted before every attempt. Errors are
	// logged and the attempt proceeds without the extra headers.
	AdditionalHeaders AdditionalHeadersFunc
	NewTransport      TransportFactory
}

func (d Dependencies) withDefaults() Dependencies {
	d.Sink = logger.OrDiscard(d.Sink)
	if d.Clock == nil {
		d.Clock = sdk.RealClock()
	}
	if d.Authenticator == nil {
		d.Authenticator = auth.NewAuthenticator(auth.WithSink(d.Sink), auth.WithClock(d.Clock), auth.WithHTTPClient(d.HTTPClient))
	}
	if d.Resolver == nil {
		opts := []discovery.Option{discovery.WithSink(d.Sink)}
		if d.HTTPClient != nil {
			opts = append(opts, discovery.WithHTTPClient(d.HTTPClient))
		}
		d.Resolver = discovery.NewResolver(opts...)
	}
	if d.MetadataTTL <= 0 {
		d.MetadataTTL = transport.DefaultMetadataTTL
	}
	if d.NewTransport == nil {
		d.NewTransport = DefaultTransportFactory
	}
	return d
}
