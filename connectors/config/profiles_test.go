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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dataverse/platform/connectors/base"
)

func writeProfileFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestYAMLProfileLoader(t *testing.T) {
	t.Setenv("TEST_DV_URL", "https://contoso.crm.dynamics.com")
	t.Setenv("TEST_DV_CLIENT_ID", "client-123")

	path := writeProfileFile(t, `
version: "1.0"
profiles:
  prod:
    auth_type: client_secret
    url: ${TEST_DV_URL}
    tenant_id: tenant-1
    credentials:
      client_id: ${TEST_DV_CLIENT_ID}
      client_secret: secret://dv/prod#client_secret
    options:
      use_web_api: true
      retry_pause: 2s
    max_retries: 4
    timeout_ms: 60000
  onprem:
    auth_type: windows
    host: crm.contoso.local
    port: "5555"
    org_name: contoso
    domain: CONTOSO
    credentials:
      username: ${TEST_DV_MISSING:-svc}
`)

	loader, err := NewYAMLProfileLoader(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"onprem", "prod"}, loader.Names())

	prod, err := loader.Profile("prod")
	require.NoError(t, err)
	assert.Equal(t, "prod", prod.Name)
	assert.Equal(t, ConnectorType, prod.Type)
	assert.Equal(t, "https://contoso.crm.dynamics.com", prod.ConnectionURL)
	assert.Equal(t, "client-123", prod.Credentials["client_id"])
	assert.Equal(t, "client_secret", prod.Options[OptAuthType])
	assert.Equal(t, 4, prod.MaxRetries)
	assert.Equal(t, time.Minute, prod.Timeout)
	assert.Equal(t, "tenant-1", prod.TenantID)

	opts, err := OptionsFromConnectorConfig(prod)
	require.NoError(t, err)
	assert.True(t, opts.UseWebAPI)
	assert.Equal(t, 4, opts.MaxRetryCount)
	assert.Equal(t, 2*time.Second, opts.RetryPauseTime)
	assert.Equal(t, time.Minute, opts.MaxConnectionTimeout)
	assert.Equal(t, "prod", opts.CacheKey)

	onprem, err := loader.Profile("onprem")
	require.NoError(t, err)
	assert.Equal(t, "svc", onprem.Credentials["username"])
	assert.Equal(t, "CONTOSO", onprem.Options[OptDomain])
	assert.Equal(t, "5555", onprem.Options[OptPort])
	assert.Equal(t, DefaultMaxRetryCount, onprem.MaxRetries)
	assert.Equal(t, DefaultMaxConnectionTimeout, onprem.Timeout)

	_, err = loader.Profile("nope")
	assert.Error(t, err)

	assert.Len(t, loader.LoadProfiles(), 2)
}

func TestYAMLProfileLoader_Reload(t *testing.T) {
	path := writeProfileFile(t, "version: \"1\"\nprofiles:\n  a:\n    auth_type: oauth\n    org_name: a\n")
	loader, err := NewYAMLProfileLoader(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, loader.Names())

	require.NoError(t, os.WriteFile(path, []byte("version: \"1\"\nprofiles:\n  b:\n    auth_type: oauth\n    org_name: b\n"), 0o600))
	require.NoError(t, loader.Reload())
	assert.Equal(t, []string{"b"}, loader.Names())
}

func TestYAMLProfileLoader_Errors(t *testing.T) {
	_, err := NewYAMLProfileLoader(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := writeProfileFile(t, "version: [unterminated")
	_, err = NewYAMLProfileLoader(path)
	assert.Error(t, err)
}

func TestValidateProfileFile(t *testing.T) {
	tests := []struct {
		name    string
		file    ProfileFile
		wantErr bool
	}{
		{"missing version", ProfileFile{}, true},
		{"invalid auth", ProfileFile{Version: "1", Profiles: map[string]ProfileFileConfig{"x": {AuthType: "kerberos", URL: "https://x"}}}, true},
		{"no target", ProfileFile{Version: "1", Profiles: map[string]ProfileFileConfig{"x": {AuthType: "oauth"}}}, true},
		{"external token without url", ProfileFile{Version: "1", Profiles: map[string]ProfileFileConfig{"x": {AuthType: "external_token", OrgName: "x"}}}, true},
		{"valid", ProfileFile{Version: "1", Profiles: map[string]ProfileFileConfig{"x": {AuthType: "certificate", URL: "https://x"}}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateProfileFile(&tt.file)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestExampleProfileFileParses(t *testing.T) {
	file, err := ParseProfileFile([]byte(ExampleProfileFile()))
	require.NoError(t, err)
	assert.Len(t, file.Profiles, 4)
	assert.Equal(t, base.AuthModeWindowsIntegrated, base.ParseAuthMode(file.Profiles["onprem"].AuthType))
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("DV_EXPAND_A", "alpha")

	assert.Equal(t, "alpha", expandEnvVars("${DV_EXPAND_A}"))
	assert.Equal(t, "alpha", expandEnvVars("$DV_EXPAND_A"))
	assert.Equal(t, "fallback", expandEnvVars("${DV_EXPAND_UNSET:-fallback}"))
	assert.Equal(t, "", expandEnvVars("${DV_EXPAND_UNSET}"))
}
