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
	"net/url"
	"sort"
	"strings"
)

// GlobalDiscoveryURL is the instance directory aggregating every commercial
// region.
const GlobalDiscoveryURL = "https://globaldisco.crm.dynamics.com/api/discovery/v2.0/Instances"

// Paths of the regional discovery services below a discovery server
const (
	RegionalInstancesPath = "/api/discovery/v9.2/Instances"
	LegacyDiscoveryPath   = "/XRMServices/2011/Discovery.svc/web"
)

// KnownServer is a regional discovery server
type KnownServer struct {
	ShortName   string
	DisplayName string
	// Host is the discovery host, e.g. disco.crm4.dynamics.com
	Host string
	Geo  string
}

// InstancesURL returns the regional instances endpoint of the server
func (s KnownServer) InstancesURL() string {
	return "https://" + s.Host + RegionalInstancesPath
}

var knownServers = []KnownServer{
	{ShortName: "NorthAmerica", DisplayName: "North America", Host: "disco.crm.dynamics.com", Geo: "NAM"},
	{ShortName: "NorthAmerica2", DisplayName: "North America 2", Host: "disco.crm9.dynamics.com", Geo: "GCC"},
	{ShortName: "SouthAmerica", DisplayName: "South America", Host: "disco.crm2.dynamics.com", Geo: "SAM"},
	{ShortName: "Canada", DisplayName: "Canada", Host: "disco.crm3.dynamics.com", Geo: "CAN"},
	{ShortName: "EMEA", DisplayName: "Europe, Middle East and Africa", Host: "disco.crm4.dynamics.com", Geo: "EUR"},
	{ShortName: "APAC", DisplayName: "Asia Pacific", Host: "disco.crm5.dynamics.com", Geo: "APJ"},
	{ShortName: "Oceania", DisplayName: "Oceania", Host: "disco.crm6.dynamics.com", Geo: "OCE"},
	{ShortName: "Japan", DisplayName: "Japan", Host: "disco.crm7.dynamics.com", Geo: "JPN"},
	{ShortName: "India", DisplayName: "India", Host: "disco.crm8.dynamics.com", Geo: "IND"},
	{ShortName: "UK", DisplayName: "United Kingdom", Host: "disco.crm11.dynamics.com", Geo: "GBR"},
	{ShortName: "France", DisplayName: "France", Host: "disco.crm12.dynamics.com", Geo: "FRA"},
	{ShortName: "SouthAfrica", DisplayName: "South Africa", Host: "disco.crm14.dynamics.com", Geo: "ZAF"},
	{ShortName: "UAE", DisplayName: "United Arab Emirates", Host: "disco.crm15.dynamics.com", Geo: "UAE"},
	{ShortName: "Germany", DisplayName: "Germany", Host: "disco.crm16.dynamics.com", Geo: "DEU"},
	{ShortName: "Switzerland", DisplayName: "Switzerland", Host: "disco.crm17.dynamics.com", Geo: "CHE"},
	{ShortName: "Norway", DisplayName: "Norway", Host: "disco.crm19.dynamics.com", Geo: "NOR"},
	{ShortName: "Korea", DisplayName: "Korea", Host: "disco.crm21.dynamics.com", Geo: "KOR"},
	{ShortName: "USG", DisplayName: "US Government High", Host: "disco.crm.microsoftdynamics.us", Geo: "USG"},
	{ShortName: "DoD", DisplayName: "US Government DoD", Host: "disco.crm.appsplatform.us", Geo: "DOD"},
	{ShortName: "China", DisplayName: "China", Host: "disco.crm.dynamics.cn", Geo: "CHN"},
}

// onlineDomains are the host suffixes of hosted instances, across the
// commercial, government and sovereign clouds.
var onlineDomains = []string{
	".dynamics.com",
	".microsoftdynamics.us",
	".appsplatform.us",
	".dynamics.cn",
	".microsoftdynamics.de",
}

// KnownServers returns the regional discovery servers
func KnownServers() []KnownServer {
	out := make([]KnownServer, len(knownServers))
	copy(out, knownServers)
	return out
}

// LookupServer finds a known server by short name, display name or geo,
// case-insensitively.
func LookupServer(name string) (KnownServer, bool) {
	for _, s := range knownServers {
		if strings.EqualFold(s.ShortName, name) || strings.EqualFold(s.DisplayName, name) || strings.EqualFold(s.Geo, name) {
			return s, true
		}
	}
	return KnownServer{}, false
}

// ServerNames returns the short names of every known server, sorted
func ServerNames() []string {
	names := make([]string, len(knownServers))
	for i, s := range knownServers {
		names[i] = s.ShortName
	}
	sort.Strings(names)
	return names
}

// IsOnlineHost reports whether host belongs to a hosted cloud. On-premises
// hosts may be overridden by the caller; online hosts are always used as
// discovered.
func IsOnlineHost(host string) bool {
	host = strings.ToLower(host)
	if h, _, ok := strings.Cut(host, ":"); ok {
		host = h
	}
	for _, d := range onlineDomains {
		if strings.HasSuffix(host, d) {
			return true
		}
	}
	return false
}

// IsOnlineURL reports whether raw is an https URL on an online host
func IsOnlineURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "https" {
		return false
	}
	return IsOnlineHost(u.Host)
}
