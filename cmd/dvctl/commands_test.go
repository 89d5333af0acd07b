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

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dataverse/platform/connectors/base"
	"dataverse/platform/connectors/dataverse/dvtest"
	"dataverse/platform/connectors/registry"
)

func writeProfiles(t *testing.T, url string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dataverse.yaml")
	content := fmt.Sprintf(`version: "1.0"
profiles:
  local:
    auth_type: external_token
    url: %s
    options:
      retry_pause: 1ms
      use_web_api: true
`, url)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestApp_ConnectsSelectedProfile(t *testing.T) {
	srv := dvtest.NewServer(t, dvtest.WithToken("cli-token"), dvtest.WithTables(dvtest.AccountTable()))
	a := &app{profilesPath: writeProfiles(t, srv.URL), profileName: "local", token: "cli-token"}

	conn, cleanup, err := a.connect(context.Background())
	require.NoError(t, err)
	defer cleanup()

	status, err := conn.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.True(t, status.Healthy)
	assert.Equal(t, srv.UserID.String(), status.Details["user_id"])
}

func TestApp_ExternalTokenNeedsToken(t *testing.T) {
	srv := dvtest.NewServer(t, dvtest.WithToken("cli-token"))
	a := &app{profilesPath: writeProfiles(t, srv.URL), profileName: "local"}

	_, _, err := a.connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATAVERSE_TOKEN")
}

func TestApp_UnknownProfile(t *testing.T) {
	a := &app{profilesPath: writeProfiles(t, "https://contoso.crm.dynamics.com"), profileName: "prod"}
	_, _, err := a.connect(context.Background())
	assert.ErrorContains(t, err, `profile "prod" not found`)
}

func TestQueryCmd_RejectsMalformedFilter(t *testing.T) {
	a := &app{profilesPath: writeProfiles(t, "https://contoso.crm.dynamics.com"), profileName: "local"}
	cmd := queryCmd(a)
	cmd.SetArgs([]string{"account", "--filter", "name"})
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true

	err := cmd.ExecuteContext(context.Background())
	assert.ErrorContains(t, err, "invalid filter")
}

func TestApp_DependenciesShareConnectionCache(t *testing.T) {
	a := &app{}
	deps, cleanup, err := a.dependencies(context.Background())
	require.NoError(t, err)
	defer cleanup()

	require.NotNil(t, deps.Cache)
	assert.Equal(t, registry.DefaultConnectionTTL, deps.Cache.TTL())
	assert.Nil(t, deps.Authenticator, "no redis url keeps the default authenticator")
}

func TestOrgsCmd_AllRegionsNeedsDiscoverableIdentity(t *testing.T) {
	a := &app{profilesPath: writeProfiles(t, "https://contoso.crm.dynamics.com"), profileName: "local", token: "t"}
	cmd := orgsCmd(a)
	require.NotNil(t, cmd.Flags().Lookup("all-regions"))
	cmd.SetArgs([]string{"--all-regions"})
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true

	// external tokens are bound to one instance and cannot scan the regions
	err := cmd.ExecuteContext(context.Background())
	var argErr *base.ArgumentError
	assert.ErrorAs(t, err, &argErr)
}
