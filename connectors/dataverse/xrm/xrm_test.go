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

package xrm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dataverse/platform/connectors/base"
)

func TestParseErrorCode(t *testing.T) {
	tests := []struct {
		in   string
		want int32
		ok   bool
	}{
		{"0x80072322", ErrorCodeThrottlingBurst, true},
		{"0x80072321", ErrorCodeThrottlingTime, true},
		{"0x80072326", ErrorCodeThrottlingConcurrency, true},
		{"0X80044150", ErrorCodeSQLTimeout, true},
		{"-2147204783", ErrorCodeSQLError, true},
		{"", 0, false},
		{"0xZZ", 0, false},
		{"nope", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseErrorCode(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
	assert.Equal(t, "0x80072322", FormatErrorCode(ErrorCodeThrottlingBurst))
}

func TestWebAPIError_ThrottledAndRemote(t *testing.T) {
	err := &WebAPIError{StatusCode: 429, Code: "0x80072322", ErrorCode: ErrorCodeThrottlingBurst, Message: "limit"}
	assert.True(t, err.Throttled())
	assert.True(t, base.IsThrottled(err))

	var remote base.RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, "0x80072322", remote.RemoteCode())
	assert.Equal(t, "limit", remote.RemoteMessage())

	plain := &WebAPIError{StatusCode: 400, Message: "bad"}
	assert.False(t, plain.Throttled())
	assert.Equal(t, "400", plain.RemoteCode())
}

func TestOrganizationServiceFault(t *testing.T) {
	inner := &OrganizationServiceFault{ErrorCode: ErrorCodeSQLTimeout, Message: "SQL timeout"}
	fault := &OrganizationServiceFault{ErrorCode: ErrorCodeThrottlingConcurrency, Message: "busy", InnerFault: inner}

	assert.True(t, base.IsThrottled(fault))
	assert.True(t, errors.Is(fault, inner))
	assert.Contains(t, fault.Error(), "0x80072326")

	httpFault := &OrganizationServiceFault{HTTPStatus: 503, Message: "Service Unavailable"}
	assert.True(t, httpFault.Throttled())
	assert.Equal(t, "503", httpFault.RemoteCode())
}

func TestOrganizationRequest_TargetEntityName(t *testing.T) {
	id := uuid.New()
	assert.Equal(t, "account", NewCreateRequest(NewEntity("Account")).TargetEntityName())
	assert.Equal(t, "asyncoperation", NewRetrieveRequest(NewEntityReference("asyncoperation", id), AllColumns()).TargetEntityName())
	assert.Equal(t, "importjob", NewRetrieveMultipleRequest(NewQueryExpression("importjob")).TargetEntityName())
	assert.Equal(t, "", NewWhoAmIRequest().TargetEntityName())

	del := NewDeleteRequest(NewEntityReference("contact", id), ConcurrencyIfRowVersionMatches, "123")
	target, ok := del.Target()
	require.True(t, ok)
	assert.Equal(t, "123", target.RowVersion)
	assert.Equal(t, ConcurrencyIfRowVersionMatches, del.Concurrency())
	assert.Equal(t, ConcurrencyDefault, NewCreateRequest(NewEntity("account")).Concurrency())
}

func TestOrganizationResponse_Accessors(t *testing.T) {
	id := uuid.New()
	resp := NewOrganizationResponse(RequestWhoAmI).
		Set(ResultUserID, id.String()).
		Set(ResultBusinessUnitID, id).
		Set(ResultVersion, "9.2.1.0")

	who := resp.WhoAmI()
	assert.Equal(t, id, who.UserID)
	assert.Equal(t, id, who.BusinessUnitID)
	assert.Equal(t, uuid.Nil, who.OrganizationID)
	assert.Equal(t, "9.2.1.0", resp.GetString(ResultVersion))
	assert.Nil(t, resp.Entity())
}

func TestStaticMetadataProvider(t *testing.T) {
	p := NewStaticMetadataProvider(&EntityMetadata{
		LogicalName:   "contact",
		EntitySetName: "contacts",
		Attributes: map[string]*AttributeMetadata{
			"ParentCustomerId": {LogicalName: "parentcustomerid", AttributeType: AttributeCustomer, Targets: []string{"account", "contact"}},
			"ownerid":          {LogicalName: "ownerid", SchemaName: "ownerid", AttributeType: AttributeOwner, Targets: []string{"systemuser"}},
		},
	})
	ctx := context.Background()

	attr, err := p.GetAttributeMetadata(ctx, "Contact", "parentcustomerid")
	require.NoError(t, err)
	assert.True(t, attr.AttributeType.IsLookup())
	assert.Equal(t, "parentcustomerid_account", attr.NavigationProperty("Account"))

	owner, err := p.GetAttributeMetadata(ctx, "contact", "ownerid")
	require.NoError(t, err)
	assert.Equal(t, "ownerid", owner.NavigationProperty("systemuser"))

	_, err = p.GetEntityMetadata(ctx, "missing")
	var nf *MetadataNotFoundError
	assert.True(t, errors.As(err, &nf))

	_, err = p.GetAttributeMetadata(ctx, "contact", "missing")
	assert.True(t, errors.As(err, &nf))
	assert.Equal(t, "missing", nf.Attribute)
}

func TestOrganizationDetail(t *testing.T) {
	d := NewOrganizationDetail()
	assert.False(t, d.VersionKnown())

	entry := OrgDirectoryEntry{
		UniqueName: "org1",
		Version:    "9.2.24.5",
		Endpoints:  EndpointsFromInstanceURL("https://org1.crm.dynamics.com/"),
	}
	d = DetailFromDirectoryEntry(entry)
	assert.True(t, d.VersionKnown())
	assert.Equal(t, "https://org1.crm.dynamics.com/XRMServices/2011/Organization.svc", d.Endpoints[EndpointOrganizationService])

	c := d.Clone()
	c.Endpoints[EndpointWebApplication] = "changed"
	assert.Equal(t, "https://org1.crm.dynamics.com/", d.Endpoints[EndpointWebApplication])
}

func TestCompareVersions(t *testing.T) {
	assert.Equal(t, 0, CompareVersions("9.2", "9.2.0.0"))
	assert.Equal(t, 1, CompareVersions("9.2.10", "9.2.9"))
	assert.Equal(t, -1, CompareVersions(UnknownVersion, "8.0"))
}

func TestFormattingHelpers(t *testing.T) {
	ts := time.Date(2025, 3, 4, 10, 30, 0, 0, time.UTC)
	assert.Equal(t, "2025-03-04", FormatDateTime(ts, DateTimeDateOnly))
	assert.Equal(t, "2025-03-04T10:30:00Z", FormatDateTime(ts, DateTimeUserLocal))
	assert.Equal(t, "1,3,5", OptionSetValueCollection{{1}, {3}, {5}}.Join())
}
