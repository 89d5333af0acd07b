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

package session

import (
	"context"
	"errors"

	"dataverse/platform/connectors/base"
	"dataverse/platform/connectors/dataverse/xrm"
)

var errNoToken = errors.New("session holds no access token")

// ConnectedOrgVersion returns the organization version, retrieving it on
// first use. xrm.UnknownVersion is returned when it cannot be retrieved.
func (s *Session) ConnectedOrgVersion(ctx context.Context) (string, error) {
	if err := s.ready(); err != nil {
		return xrm.UnknownVersion, err
	}
	s.mu.RLock()
	known, v := s.org.VersionKnown(), s.org.Version
	s.mu.RUnlock()
	if known {
		return v, nil
	}
	return s.fetchVersion(ctx)
}

// OrganizationDetail returns the cached organization details, loading them
// on first use.
func (s *Session) OrganizationDetail(ctx context.Context) (xrm.OrganizationDetail, error) {
	if err := s.ready(); err != nil {
		return xrm.NewOrganizationDetail(), err
	}
	s.mu.RLock()
	loaded, d := s.orgLoaded, s.org.Clone()
	s.mu.RUnlock()
	if loaded {
		return d, nil
	}
	if err := s.fetchOrganization(ctx); err != nil {
		return d, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.org.Clone(), nil
}

// RefreshOrganizationInfo reloads the organization details
func (s *Session) RefreshOrganizationInfo(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.fetchOrganization(ctx)
}

func (s *Session) loadOrganization(ctx context.Context) error {
	if _, err := s.fetchVersion(ctx); err != nil {
		return err
	}
	return s.fetchOrganization(ctx)
}

func (s *Session) fetchVersion(ctx context.Context) (string, error) {
	resp, _, err := s.execute(ctx, xrm.NewRetrieveVersionRequest())
	if err != nil {
		return xrm.UnknownVersion, err
	}
	v := resp.GetString(xrm.ResultVersion)
	if v == "" {
		v = xrm.UnknownVersion
	}
	s.mu.Lock()
	s.org.Version = v
	s.mu.Unlock()
	return v, nil
}

func (s *Session) fetchOrganization(ctx context.Context) error {
	resp, _, err := s.execute(ctx, xrm.NewRetrieveCurrentOrganizationRequest())
	if err != nil {
		return err
	}
	d, ok := resp.Results[xrm.ResultDetail].(xrm.OrganizationDetail)
	if !ok {
		return &base.OperationFailure{
			Operation: xrm.RequestRetrieveCurrentOrganization,
			Message:   "response carries no organization detail",
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !d.VersionKnown() && s.org.VersionKnown() {
		d.Version = s.org.Version
	}
	if len(d.Endpoints) == 0 {
		d.Endpoints = s.org.Clone().Endpoints
	}
	s.org = d
	s.orgLoaded = true
	return nil
}
