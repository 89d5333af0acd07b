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
	"fmt"
	"strings"

	"dataverse/platform/connectors/base"
	"dataverse/platform/connectors/dataverse/xrm"
)

// SelectOrganization picks the entry named name from a directory listing.
// Matching order: unique name, then friendly name, then a web application
// URL containing "://name.", all case-insensitive. With no name, a single
// entry is selected and several are ambiguous. Failures are
// *base.DiscoveryFailure and must not be retried.
func SelectOrganization(entries []xrm.OrgDirectoryEntry, name string) (xrm.OrgDirectoryEntry, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		switch len(entries) {
		case 0:
			return xrm.OrgDirectoryEntry{}, &base.DiscoveryFailure{Message: "no organizations found"}
		case 1:
			return entries[0], nil
		default:
			return xrm.OrgDirectoryEntry{}, &base.DiscoveryFailure{
				Message: fmt.Sprintf("%d organizations found and no organization name given", len(entries)),
			}
		}
	}

	for _, e := range entries {
		if strings.EqualFold(e.UniqueName, name) {
			return e, nil
		}
	}
	for _, e := range entries {
		if strings.EqualFold(e.FriendlyName, name) {
			return e, nil
		}
	}
	needle := "://" + strings.ToLower(name) + "."
	for _, e := range entries {
		if strings.Contains(strings.ToLower(e.Endpoint(xrm.EndpointWebApplication)), needle) {
			return e, nil
		}
	}
	return xrm.OrgDirectoryEntry{}, &base.DiscoveryFailure{OrgName: name, Message: "organization not found"}
}
