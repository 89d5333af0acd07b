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
	"dataverse/platform/connectors/base"
	"dataverse/platform/connectors/dataverse/auth"
	"dataverse/platform/shared/logger"
)

// Clone creates an independent session for the same identity and instance.
// Discovery, authentication and the organization details load are not
// repeated: the clone starts from its source's token and cached details.
// The clone has its own transport, cookie jar and caller ids, and is never
// put in the connection cache.
func (s *Session) Clone() (*Session, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if s.mode == base.AuthModeWindowsIntegrated {
		return nil, &base.UnsupportedOperationError{
			Operation: "clone",
			Reason:    "windows integrated sessions cannot be cloned",
		}
	}

	s.cloneMu.Lock()
	s.mu.RLock()
	instanceURL := s.instanceURL
	handle := s.handle
	token := s.token
	org := s.org.Clone()
	orgLoaded := s.orgLoaded
	callerID, callerObjectID := s.callerID, s.callerObjectID
	trackingID := s.trackingID
	s.mu.RUnlock()
	s.cloneMu.Unlock()

	if token == nil || handle == nil {
		return nil, &base.NotConnectedError{State: StateConnected.String(), Cause: errNoToken}
	}

	c := New(s.cfg, s.target, s.opts, s.deps)
	c.isClone = true
	c.callerID = callerID
	c.callerObjectID = callerObjectID
	c.trackingID = trackingID
	c.org = org
	c.orgLoaded = orgLoaded

	res := &auth.Result{Token: token, ResolvedURL: instanceURL, Handle: handle}
	if err := c.bind(instanceURL, res); err != nil {
		return nil, s.connectFailure("clone", err)
	}
	c.state = StateConnected

	s.sink.Trace(logger.INFO, "session cloned", nil, map[string]interface{}{
		"source": s.id.String(),
		"clone":  c.id.String(),
	})
	return c, nil
}
