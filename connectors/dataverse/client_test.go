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

package dataverse

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dataverse/platform/connectors/base"
	"dataverse/platform/connectors/config"
	"dataverse/platform/connectors/dataverse/auth"
	"dataverse/platform/connectors/dataverse/discovery"
	"dataverse/platform/connectors/dataverse/dvtest"
	"dataverse/platform/connectors/dataverse/session"
	"dataverse/platform/connectors/dataverse/xrm"
)

const testToken = "test-token"

func testOptions(webAPI bool) config.Options {
	opts := config.DefaultOptions()
	opts.UseWebAPI = webAPI
	opts.MaxRetryCount = 2
	opts.RetryPauseTime = time.Millisecond
	opts.MaxConnectionTimeout = 10 * time.Second
	return opts
}

func newServer(t *testing.T, opts ...dvtest.Option) *dvtest.Server {
	t.Helper()
	opts = append([]dvtest.Option{
		dvtest.WithToken(testToken),
		dvtest.WithTables(dvtest.AccountTable(), dvtest.ContactTable()),
	}, opts...)
	return dvtest.NewServer(t, opts...)
}

func connectClient(t *testing.T, srv *dvtest.Server, opts config.Options) *Client {
	t.Helper()
	c, err := Connect(context.Background(),
		auth.ExternalToken{Provider: dvtest.StaticToken(testToken)},
		session.Target{URL: srv.URL},
		opts,
		session.Dependencies{HTTPClient: srv.Client()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Dispose() })
	return c
}

func TestClient_ConnectLoadsOrganization(t *testing.T) {
	srv := newServer(t)
	c := connectClient(t, srv, testOptions(false))
	ctx := context.Background()

	assert.Equal(t, session.StateConnected, c.Session().State())

	version, err := c.ConnectedOrgVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, dvtest.DefaultVersion, version)

	detail, err := c.OrganizationDetail(ctx)
	require.NoError(t, err)
	assert.Equal(t, dvtest.DefaultOrgName, detail.UniqueName)
	assert.Equal(t, dvtest.DefaultFriendly, detail.FriendlyName)
	assert.Equal(t, srv.OrganizationID, detail.OrganizationID)

	who, err := c.WhoAmI(ctx)
	require.NoError(t, err)
	assert.Equal(t, srv.UserID, who.UserID)
	assert.Equal(t, srv.BusinessUnitID, who.BusinessUnitID)
	assert.Equal(t, srv.OrganizationID, who.OrganizationID)
}

func TestClient_WrongTokenFailsConnect(t *testing.T) {
	srv := newServer(t)
	_, err := Connect(context.Background(),
		auth.ExternalToken{Provider: dvtest.StaticToken("stale")},
		session.Target{URL: srv.URL},
		testOptions(false),
		session.Dependencies{HTTPClient: srv.Client()})
	require.Error(t, err)

	var failure *base.ConnectionFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "organization", failure.Stage)
	assert.Equal(t, base.AuthModeExternalToken, failure.Mode)
}

func TestClient_CRUDOverWebAPI(t *testing.T) {
	srv := newServer(t)
	c := connectClient(t, srv, testOptions(true))
	ctx := context.Background()

	account := xrm.NewEntity("account").
		Set("name", "Fourth Coffee").
		Set("accountnumber", "FC-001")
	id, err := c.Create(ctx, account)
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, id)

	creates := srv.Calls(xrm.RequestCreate)
	require.Len(t, creates, 1)
	assert.Equal(t, "webapi", creates[0].Protocol)
	assert.NotEqual(t, uuid.Nil, creates[0].TrackingID())

	stored, ok := srv.Record("account", id)
	require.True(t, ok)
	assert.Equal(t, "Fourth Coffee", stored.GetString("name"))

	got, err := c.Retrieve(ctx, "account", id, xrm.NewColumnSet("name", "accountnumber"))
	require.NoError(t, err)
	assert.Equal(t, "Fourth Coffee", got.GetString("name"))
	assert.Equal(t, "FC-001", got.GetString("accountnumber"))
	require.NotEmpty(t, got.RowVersion)

	update := xrm.NewEntity("account").Set("name", "Fourth Coffee Ltd")
	update.ID = id
	update.RowVersion = got.RowVersion
	require.NoError(t, c.Update(ctx, update))

	stored, _ = srv.Record("account", id)
	assert.Equal(t, "Fourth Coffee Ltd", stored.GetString("name"))

	// the row version moved on with the first update
	err = c.Update(ctx, update)
	require.Error(t, err)
	var apiErr *xrm.WebAPIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusPreconditionFailed, apiErr.StatusCode)
	assert.Equal(t, xrm.ErrorCodeConcurrencyMismatch, apiErr.ErrorCode)
	assert.Len(t, srv.Calls(xrm.RequestUpdate), 2)

	require.NoError(t, c.Delete(ctx, xrm.NewEntityReference("account", id), ""))
	assert.Equal(t, 0, srv.Count("account"))
}

func TestClient_CRUDOverLegacyProtocol(t *testing.T) {
	srv := newServer(t)
	c := connectClient(t, srv, testOptions(false))
	ctx := context.Background()

	id, err := c.Create(ctx, xrm.NewEntity("account").Set("name", "Litware"))
	require.NoError(t, err)
	creates := srv.Calls(xrm.RequestCreate)
	require.Len(t, creates, 1)
	assert.Equal(t, "soap", creates[0].Protocol)

	upsert := xrm.NewEntity("account").Set("name", "Adventure Works")
	upsert.ID = uuid.New()
	created, err := c.Upsert(ctx, upsert)
	require.NoError(t, err)
	assert.True(t, created)

	upsert.Set("name", "Adventure Works Cycles")
	created, err = c.Upsert(ctx, upsert)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, 2, srv.Count("account"))

	q := xrm.NewQueryExpression("account").Where("name", xrm.ConditionEqual, "Litware")
	coll, err := c.RetrieveMultiple(ctx, q)
	require.NoError(t, err)
	require.Len(t, coll.Entities, 1)
	assert.Equal(t, id, coll.Entities[0].ID)

	require.NoError(t, c.Delete(ctx, xrm.NewEntityReference("account", id), ""))
	_, err = c.Retrieve(ctx, "account", id, xrm.AllColumns())
	var fault *xrm.OrganizationServiceFault
	require.True(t, errors.As(err, &fault))
	assert.Equal(t, xrm.ErrorCodeObjectDoesNotExist, fault.ErrorCode)
}

func TestClient_RetriesTransientFailures(t *testing.T) {
	srv := newServer(t)
	c := connectClient(t, srv, testOptions(false))

	srv.InjectFault(dvtest.Fault{Operation: xrm.RequestCreate, Status: http.StatusBadGateway, Message: "bad gateway"})
	_, err := c.Create(context.Background(), xrm.NewEntity("account").Set("name", "Northwind"))
	require.NoError(t, err)

	creates := srv.Calls(xrm.RequestCreate)
	require.Len(t, creates, 2)
	assert.Equal(t, 1, srv.Count("account"))
}

func TestClient_GivesUpAfterMaxRetries(t *testing.T) {
	srv := newServer(t)
	c := connectClient(t, srv, testOptions(false))

	srv.InjectFault(dvtest.Fault{Operation: xrm.RequestWhoAmI, Status: http.StatusBadGateway, Times: 10})
	_, err := c.WhoAmI(context.Background())
	require.Error(t, err)
	assert.Len(t, srv.Calls(xrm.RequestWhoAmI), 3)
	assert.Equal(t, session.StateConnected, c.Session().State())
}

func TestClient_ArgumentErrorsSendNothing(t *testing.T) {
	srv := newServer(t)
	c := connectClient(t, srv, testOptions(false))
	ctx := context.Background()
	srv.ResetLog()

	var argErr *base.ArgumentError
	_, err := c.Create(ctx, nil)
	assert.ErrorAs(t, err, &argErr)
	_, err = c.Retrieve(ctx, "account", uuid.Nil, xrm.AllColumns())
	assert.ErrorAs(t, err, &argErr)
	err = c.Update(ctx, xrm.NewEntity("account"))
	assert.ErrorAs(t, err, &argErr)
	_, err = c.RetrieveMultiple(ctx, nil)
	assert.ErrorAs(t, err, &argErr)
	err = c.Delete(ctx, xrm.EntityReference{LogicalName: "account"}, "")
	assert.ErrorAs(t, err, &argErr)

	assert.Empty(t, srv.Requests())
}

func TestClient_Solutions(t *testing.T) {
	srv := newServer(t)
	c := connectClient(t, srv, testOptions(true))
	ctx := context.Background()

	file, err := c.ExportSolution(ctx, "contoso_core", false)
	require.NoError(t, err)
	assert.NotEmpty(t, file)
	require.NoError(t, c.ImportSolution(ctx, file, true))

	assert.Len(t, srv.Calls(xrm.RequestExportSolution), 1)
	assert.Len(t, srv.Calls(xrm.RequestImportSolution), 1)
}

func TestClient_Clone(t *testing.T) {
	srv := newServer(t)
	c := connectClient(t, srv, testOptions(false))

	clone, err := c.Clone()
	require.NoError(t, err)
	defer clone.Dispose()

	assert.True(t, clone.Session().IsClone())
	assert.NotEqual(t, c.Session().ID(), clone.Session().ID())

	who, err := clone.WhoAmI(context.Background())
	require.NoError(t, err)
	assert.Equal(t, srv.UserID, who.UserID)

	// disposing the clone leaves the parent usable
	require.NoError(t, clone.Dispose())
	_, err = c.WhoAmI(context.Background())
	assert.NoError(t, err)
}

func TestClient_DiscoversOrganizationByName(t *testing.T) {
	srv := newServer(t, dvtest.WithBasicAuth(`CONTOSO\jdoe`, "secret"))
	srv.AddOrganization(xrm.OrgDirectoryEntry{
		UniqueName:   "fabrikam",
		FriendlyName: "Contoso",
		Endpoints:    xrm.EndpointsFromInstanceURL(srv.URL),
	})
	srv.AddOrganization(xrm.OrgDirectoryEntry{
		UniqueName:   "other",
		FriendlyName: "fabrikam",
		Endpoints:    xrm.EndpointsFromInstanceURL("http://other.invalid"),
	})

	cfg := auth.WindowsIntegrated{Domain: "CONTOSO", Username: "jdoe", Password: "secret"}
	target := session.Target{DiscoveryURL: srv.URL, OrgName: "fabrikam"}
	deps := session.Dependencies{
		HTTPClient: srv.Client(),
		Resolver:   discovery.NewResolver(discovery.WithHTTPClient(srv.Client())),
	}

	orgs, err := session.ListOrganizations(context.Background(), cfg, target, deps)
	require.NoError(t, err)
	require.Len(t, orgs, 3)

	c, err := Connect(context.Background(), cfg, target, testOptions(false), deps)
	require.NoError(t, err)
	defer c.Dispose()
	assert.Equal(t, srv.URL, c.Session().InstanceURL())
	assert.Equal(t, base.AuthModeWindowsIntegrated, c.Session().AuthMode())
}
