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
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dataverse/platform/connectors/base"
	"dataverse/platform/connectors/dataverse/soap"
	"dataverse/platform/connectors/dataverse/xrm"
	"dataverse/platform/connectors/sdk"
	"dataverse/platform/shared/logger"
)

func staticTokens(token string) sdk.TokenSource {
	return func(ctx context.Context, resource string) (string, error) {
		return token, nil
	}
}

func fastRetry() *sdk.RetryConfig {
	return &sdk.RetryConfig{
		MaxRetries:      2,
		InitialInterval: time.Second,
		Multiplier:      2,
		RetryIf:         sdk.DefaultRetryCondition,
		Clock:           sdk.NewFakeClock(time.Now()),
	}
}

func writeInstances(t *testing.T, w http.ResponseWriter, rows ...instance) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(instanceList{Value: rows}))
}

func TestLookupServer(t *testing.T) {
	s, ok := LookupServer("emea")
	require.True(t, ok)
	assert.Equal(t, "disco.crm4.dynamics.com", s.Host)
	assert.Equal(t, "https://disco.crm4.dynamics.com/api/discovery/v9.2/Instances", s.InstancesURL())

	s, ok = LookupServer("JPN")
	require.True(t, ok)
	assert.Equal(t, "Japan", s.ShortName)

	_, ok = LookupServer("atlantis")
	assert.False(t, ok)

	assert.Contains(t, ServerNames(), "NorthAmerica")
	assert.Len(t, KnownServers(), len(knownServers))
}

func TestIsOnlineHost(t *testing.T) {
	tests := []struct {
		host string
		want bool
	}{
		{"contoso.crm.dynamics.com", true},
		{"CONTOSO.CRM4.DYNAMICS.COM", true},
		{"contoso.crm.dynamics.com:443", true},
		{"contoso.crm.microsoftdynamics.us", true},
		{"contoso.crm.appsplatform.us", true},
		{"contoso.crm.dynamics.cn", true},
		{"crm.contoso.local", false},
		{"dynamics.com.evil.example", false},
	}
	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			assert.Equal(t, tt.want, IsOnlineHost(tt.host))
		})
	}

	assert.True(t, IsOnlineURL("https://contoso.crm.dynamics.com/"))
	assert.False(t, IsOnlineURL("http://contoso.crm.dynamics.com/"))
	assert.False(t, IsOnlineURL("://bad"))
}

func directory() []xrm.OrgDirectoryEntry {
	return []xrm.OrgDirectoryEntry{
		{UniqueName: "org1a2b", FriendlyName: "Contoso", Endpoints: xrm.EndpointsFromInstanceURL("https://contoso.crm.dynamics.com")},
		{UniqueName: "org9z8y", FriendlyName: "Fabrikam", Endpoints: xrm.EndpointsFromInstanceURL("https://fabrikam-dev.crm4.dynamics.com")},
		{UniqueName: "contoso", FriendlyName: "Shadow", Endpoints: xrm.EndpointsFromInstanceURL("https://shadow.crm.dynamics.com")},
	}
}

func TestSelectOrganization(t *testing.T) {
	entries := directory()

	t.Run("unique name wins over friendly name", func(t *testing.T) {
		e, err := SelectOrganization(entries, "CONTOSO")
		require.NoError(t, err)
		assert.Equal(t, "Shadow", e.FriendlyName)
	})

	t.Run("friendly name", func(t *testing.T) {
		e, err := SelectOrganization(entries, "fabrikam")
		require.NoError(t, err)
		assert.Equal(t, "org9z8y", e.UniqueName)
	})

	t.Run("url host prefix", func(t *testing.T) {
		e, err := SelectOrganization(entries, "fabrikam-dev")
		require.NoError(t, err)
		assert.Equal(t, "org9z8y", e.UniqueName)
	})

	t.Run("not found", func(t *testing.T) {
		_, err := SelectOrganization(entries, "northwind")
		var df *base.DiscoveryFailure
		require.ErrorAs(t, err, &df)
		assert.Equal(t, "northwind", df.OrgName)
	})

	t.Run("single entry without name", func(t *testing.T) {
		e, err := SelectOrganization(entries[:1], "")
		require.NoError(t, err)
		assert.Equal(t, "org1a2b", e.UniqueName)
	})

	t.Run("ambiguous without name", func(t *testing.T) {
		_, err := SelectOrganization(entries, " ")
		var df *base.DiscoveryFailure
		assert.ErrorAs(t, err, &df)
	})

	t.Run("empty directory", func(t *testing.T) {
		_, err := SelectOrganization(nil, "")
		var df *base.DiscoveryFailure
		assert.ErrorAs(t, err, &df)
	})
}

func TestResolveGlobalOrganizations(t *testing.T) {
	orgID := uuid.New()
	var gotAuth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		assert.Equal(t, "4.0", r.Header.Get("OData-Version"))
		writeInstances(t, w,
			instance{ID: orgID.String(), UniqueName: "org1a2b", FriendlyName: "Contoso", URL: "https://contoso.crm.dynamics.com", Version: "9.2.24034.00200", Region: "NAM", TenantID: "tenant-1"},
			instance{UniqueName: "onprem", URL: "https://crm.contoso.local"},
			instance{UniqueName: "broken", URL: "::::"},
			instance{UniqueName: "disabled", URL: "https://old.crm4.dynamics.com", State: 1},
		)
	}))
	defer srv.Close()

	rec := logger.NewRecorder()
	r := NewResolver(WithSink(rec), WithRetryConfig(fastRetry()))
	var resources []string
	tokens := func(ctx context.Context, resource string) (string, error) {
		resources = append(resources, resource)
		return "tok", nil
	}

	entries, err := r.ResolveGlobalOrganizations(context.Background(), tokens, srv.URL+"/api/discovery/v2.0/Instances")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "Bearer tok", gotAuth.Load())
	assert.Equal(t, []string{srv.URL}, resources)

	e := entries[0]
	assert.Equal(t, orgID, e.OrganizationID)
	assert.Equal(t, "Enabled", e.State)
	assert.Equal(t, "9.2.24034.00200", e.Version)
	assert.Equal(t, "https://contoso.crm.dynamics.com/", e.Endpoint(xrm.EndpointWebApplication))
	assert.Equal(t, "https://contoso.crm.dynamics.com/XRMServices/2011/Organization.svc", e.Endpoint(xrm.EndpointOrganizationService))
	assert.Equal(t, "Disabled", entries[1].State)

	assert.Equal(t, 2, rec.Count("discovery entry dropped"))
}

func TestResolveGlobalOrganizations_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeInstances(t, w, instance{UniqueName: "org1", URL: "https://org1.crm.dynamics.com"})
	}))
	defer srv.Close()

	r := NewResolver(WithRetryConfig(fastRetry()))
	entries, err := r.ResolveGlobalOrganizations(context.Background(), staticTokens("t"), srv.URL)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestResolveGlobalOrganizations_Failures(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	r := NewResolver(WithRetryConfig(fastRetry()))
	_, err := r.ResolveGlobalOrganizations(context.Background(), staticTokens("t"), srv.URL)
	var df *base.DiscoveryFailure
	require.ErrorAs(t, err, &df)
	var se *statusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnauthorized, se.StatusCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "4xx must not be retried")

	_, err = r.ResolveGlobalOrganizations(context.Background(), nil, srv.URL)
	assert.Error(t, err)

	failing := func(ctx context.Context, resource string) (string, error) {
		return "", errors.New("no token")
	}
	_, err = r.ResolveGlobalOrganizations(context.Background(), failing, srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no token")
}

func tlsServer(t *testing.T, h http.HandlerFunc) (*httptest.Server, KnownServer) {
	srv := httptest.NewTLSServer(h)
	t.Cleanup(srv.Close)
	return srv, KnownServer{ShortName: "Local", Host: strings.TrimPrefix(srv.URL, "https://")}
}

func TestResolveOrganizations_Regional(t *testing.T) {
	srv, server := tlsServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, RegionalInstancesPath, r.URL.Path)
		writeInstances(t, w, instance{UniqueName: "org1", URL: "https://org1.crm4.dynamics.com"})
	})
	r := NewResolver(WithHTTPClient(srv.Client()), WithRetryConfig(fastRetry()))

	entries, err := r.ResolveOrganizations(context.Background(), staticTokens("t"), server)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "org1", entries[0].UniqueName)
}

func TestResolveOrganizations_ForbiddenIsEmpty(t *testing.T) {
	srv, server := tlsServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	r := NewResolver(WithHTTPClient(srv.Client()), WithRetryConfig(fastRetry()))

	entries, err := r.ResolveOrganizations(context.Background(), staticTokens("t"), server)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestScanServers(t *testing.T) {
	good, goodServer := tlsServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeInstances(t, w, instance{UniqueName: "org1", URL: "https://org1.crm.dynamics.com"})
	})
	_, badServer := tlsServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})
	// httptest TLS servers share one certificate, so either client trusts both
	rec := logger.NewRecorder()
	r := NewResolver(WithHTTPClient(good.Client()), WithRetryConfig(fastRetry()), WithSink(rec))

	entries, err := r.ScanServers(context.Background(), staticTokens("t"), []KnownServer{badServer, goodServer})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, 1, rec.Count("discovery server skipped"))

	_, err = r.ScanServers(context.Background(), staticTokens("t"), []KnownServer{badServer})
	var df *base.DiscoveryFailure
	assert.ErrorAs(t, err, &df)
}

func TestResolveLegacyOrganizations(t *testing.T) {
	orgID := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, LegacyDiscoveryPath, r.URL.Path)
		assert.Equal(t, soap.ActionDiscoveryExecute, r.Header.Get("SOAPAction"))
		assert.Equal(t, "Basic "+"dXNlcjpwdw==", r.Header.Get("Authorization"))

		body, _ := io.ReadAll(r.Body)
		req, _, err := soap.DecodeRequest(body)
		require.NoError(t, err)
		assert.Equal(t, xrm.RequestRetrieveOrganizations, req.RequestName)

		resp := xrm.NewOrganizationResponse(xrm.RequestRetrieveOrganizations).Set(xrm.ResultDetails, []xrm.OrgDirectoryEntry{{
			UniqueName:     "onprem",
			FriendlyName:   "On Premises",
			OrganizationID: orgID,
			Version:        "9.1.0.0",
			State:          "Enabled",
			Endpoints:      xrm.EndpointsFromInstanceURL("https://crm.contoso.local/onprem"),
		}})
		out, err := soap.EncodeResponse(resp)
		require.NoError(t, err)
		w.Header().Set("Content-Type", soap.ContentType)
		_, _ = w.Write(out)
	}))
	defer srv.Close()

	r := NewResolver(WithRetryConfig(fastRetry()))
	entries, err := r.ResolveLegacyOrganizations(context.Background(), sdk.NewBasicAuth("user", "pw"), srv.URL)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "onprem", entries[0].UniqueName)
	assert.Equal(t, orgID, entries[0].OrganizationID)
}

func TestResolveLegacyOrganizations_Fault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		out, _ := soap.EncodeFault(&xrm.OrganizationServiceFault{ErrorCode: -2147220970, Message: "access denied"})
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write(out)
	}))
	defer srv.Close()

	r := NewResolver(WithRetryConfig(fastRetry()))
	_, err := r.ResolveLegacyOrganizations(context.Background(), nil, srv.URL+LegacyDiscoveryPath)
	var fault *xrm.OrganizationServiceFault
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, "access denied", fault.Message)
	assert.Equal(t, http.StatusInternalServerError, fault.HTTPStatus)
}
