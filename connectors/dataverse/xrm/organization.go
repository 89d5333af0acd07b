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
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// UnknownVersion is the organization version reported until a real version
// has been retrieved. It means "unknown", not "old".
const UnknownVersion = "0.0.0.0"

// EndpointType names an organization endpoint
type EndpointType string

const (
	EndpointOrganizationService     EndpointType = "OrganizationService"
	EndpointOrganizationDataService EndpointType = "OrganizationDataService"
	EndpointWebApplication          EndpointType = "WebApplication"
)

// Relative paths of the organization service endpoints below the instance URL
const (
	OrganizationServicePath     = "/XRMServices/2011/Organization.svc"
	OrganizationDataServicePath = "/XRMServices/2011/OrganizationData.svc"
)

// OrgDirectoryEntry is one organization returned by discovery. Entries are
// immutable snapshots kept in server response order.
type OrgDirectoryEntry struct {
	UniqueName     string
	FriendlyName   string
	URLName        string
	OrganizationID uuid.UUID
	EnvironmentID  string
	TenantID       string
	Version        string
	State          string
	Region         string
	Endpoints      map[EndpointType]string
}

// Endpoint returns the URL of an endpoint type, or ""
func (e OrgDirectoryEntry) Endpoint(t EndpointType) string {
	return e.Endpoints[t]
}

// EndpointsFromInstanceURL derives the endpoint table of an instance from its
// web application URL.
func EndpointsFromInstanceURL(instanceURL string) map[EndpointType]string {
	base := strings.TrimRight(instanceURL, "/")
	return map[EndpointType]string{
		EndpointWebApplication:          base + "/",
		EndpointOrganizationService:     base + OrganizationServicePath,
		EndpointOrganizationDataService: base + OrganizationDataServicePath,
	}
}

// OrganizationDetail is the organization information cached by a session.
type OrganizationDetail struct {
	FriendlyName   string
	UniqueName     string
	URLName        string
	OrganizationID uuid.UUID
	TenantID       string
	EnvironmentID  string
	Version        string
	Geo            string
	Endpoints      map[EndpointType]string
}

// NewOrganizationDetail returns a detail whose version is UnknownVersion
func NewOrganizationDetail() OrganizationDetail {
	return OrganizationDetail{Version: UnknownVersion, Endpoints: map[EndpointType]string{}}
}

// DetailFromDirectoryEntry seeds organization details from discovery
func DetailFromDirectoryEntry(e OrgDirectoryEntry) OrganizationDetail {
	d := NewOrganizationDetail()
	d.FriendlyName = e.FriendlyName
	d.UniqueName = e.UniqueName
	d.URLName = e.URLName
	d.OrganizationID = e.OrganizationID
	d.TenantID = e.TenantID
	d.EnvironmentID = e.EnvironmentID
	d.Geo = e.Region
	if e.Version != "" {
		d.Version = e.Version
	}
	for k, v := range e.Endpoints {
		d.Endpoints[k] = v
	}
	return d
}

// VersionKnown reports whether a real version has been retrieved
func (d OrganizationDetail) VersionKnown() bool {
	return d.Version != "" && d.Version != UnknownVersion
}

// Clone returns a copy that shares no maps with d
func (d OrganizationDetail) Clone() OrganizationDetail {
	c := d
	c.Endpoints = make(map[EndpointType]string, len(d.Endpoints))
	for k, v := range d.Endpoints {
		c.Endpoints[k] = v
	}
	return c
}

// CompareVersions compares dotted version strings numerically. Missing
// components count as zero.
func CompareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		var x, y int
		if i < len(as) {
			x, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			y, _ = strconv.Atoi(bs[i])
		}
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
	}
	return 0
}
