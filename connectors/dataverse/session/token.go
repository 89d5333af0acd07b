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

	"dataverse/platform/connectors/base"
	"dataverse/platform/connectors/dataverse/auth"
	"dataverse/platform/shared/logger"
)

// RefreshToken acquires a new access token when the current one expires
// within auth.RefreshWindow. External token sessions ask their provider on
// every call. Windows integrated sessions have no token and return nil.
func (s *Session) RefreshToken(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.refreshToken(ctx)
}

func (s *Session) refreshToken(ctx context.Context) error {
	s.mu.RLock()
	h, bearer := s.handle, s.bearer
	s.mu.RUnlock()
	if h == nil || bearer == nil {
		return nil
	}
	external := h.Mode() == base.AuthModeExternalToken
	if !external && !s.tokenExpiring() {
		return nil
	}

	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	// another caller may have refreshed while we waited
	if !external && !s.tokenExpiring() {
		return nil
	}

	tok, err := h.Acquire(ctx)
	if err != nil {
		s.sink.Trace(logger.WARN, "token refresh failed", err, map[string]interface{}{
			"mode":    s.mode.String(),
			"session": s.id.String(),
		})
		return err
	}

	s.cloneMu.Lock()
	s.mu.Lock()
	s.token = tok
	s.mu.Unlock()
	bearer.SetToken(tok.AccessToken, tok.ExpiresOn)
	s.cloneMu.Unlock()

	if !external {
		s.sink.Trace(logger.DEBUG, "token refreshed", nil, map[string]interface{}{
			"session":    s.id.String(),
			"expires_on": tok.ExpiresOn,
		})
	}
	return nil
}

func (s *Session) tokenExpiring() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token == nil || s.token.ExpiresWithin(auth.RefreshWindow, s.clock.Now())
}
