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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dataverse/platform/connectors/base"
	"dataverse/platform/connectors/config"
	"dataverse/platform/connectors/dataverse/auth"
)

func profile(authType string) *base.ConnectorConfig {
	return &base.ConnectorConfig{
		Name:          "contoso",
		Type:          config.ConnectorType,
		ConnectionURL: "https://contoso.crm.dynamics.com",
		TenantID:      "72f988bf-86f1-41af-91ab-2d7cd011db47",
		Credentials: map[string]string{
			CredClientID:     "51f81489-12ee-4a9e-aaae-a2591f45987d",
			CredClientSecret: "s3cret",
			CredUsername:     "jdoe",
			CredPassword:     "p@ss",
			CredThumbprint:   "A1B2C3",
			CredRedirectURI:  "http://localhost",
		},
		Options: map[string]interface{}{
			config.OptAuthType:       authType,
			config.OptDomain:         "CONTOSO",
			config.OptTokenCachePath: "/tmp/tokens.json",
			OptLoginHint:             "jdoe@contoso.com",
			OptPrompt:                "always",
			OptCertificateStore:      "/etc/dataverse/certs",
		},
	}
}

func TestAuthConfigFromConnectorConfig(t *testing.T) {
	cfg, err := AuthConfigFromConnectorConfig(profile("windows"), nil)
	require.NoError(t, err)
	assert.Equal(t, auth.WindowsIntegrated{Domain: "CONTOSO", Username: "jdoe", Password: "p@ss"}, cfg)

	cfg, err = AuthConfigFromConnectorConfig(profile("oauth"), nil)
	require.NoError(t, err)
	oauth, ok := cfg.(auth.InteractiveOAuth)
	require.True(t, ok)
	assert.Equal(t, "51f81489-12ee-4a9e-aaae-a2591f45987d", oauth.ClientID)
	assert.Equal(t, "jdoe@contoso.com", oauth.LoginHint)
	assert.Equal(t, auth.PromptAlways, oauth.Prompt)
	assert.Equal(t, "/tmp/tokens.json", oauth.TokenCachePath)

	cfg, err = AuthConfigFromConnectorConfig(profile("certificate"), nil)
	require.NoError(t, err)
	cert, ok := cfg.(auth.Certificate)
	require.True(t, ok)
	assert.Equal(t, "A1B2C3", cert.Thumbprint)
	assert.Equal(t, "http://localhost", cert.RedirectURI)
	assert.NotNil(t, cert.Store)

	cfg, err = AuthConfigFromConnectorConfig(profile("client_secret"), nil)
	require.NoError(t, err)
	assert.Equal(t, auth.ClientCredential{
		ClientID:       "51f81489-12ee-4a9e-aaae-a2591f45987d",
		ClientSecret:   "s3cret",
		TenantID:       "72f988bf-86f1-41af-91ab-2d7cd011db47",
		TokenCachePath: "/tmp/tokens.json",
	}, cfg)

	called := false
	provider := func(ctx context.Context, targetURL string) (string, error) {
		called = true
		return "token", nil
	}
	cfg, err = AuthConfigFromConnectorConfig(profile("external_token"), provider)
	require.NoError(t, err)
	ext, ok := cfg.(auth.ExternalToken)
	require.True(t, ok)
	_, _ = ext.Provider(context.Background(), "https://contoso.crm.dynamics.com")
	assert.True(t, called)
}

func TestAuthConfigFromConnectorConfig_Invalid(t *testing.T) {
	_, err := AuthConfigFromConnectorConfig(profile("kerberos"), nil)
	var cfgErr *base.AuthConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, base.AuthModeInvalid, cfgErr.Mode)

	p := profile("oauth")
	p.Options[OptPrompt] = "sometimes"
	_, err = AuthConfigFromConnectorConfig(p, nil)
	var argErr *base.ArgumentError
	require.ErrorAs(t, err, &argErr)
	assert.Equal(t, OptPrompt, argErr.Argument)
}

func TestTargetFromConnectorConfig(t *testing.T) {
	target, err := TargetFromConnectorConfig(profile("client_secret"))
	require.NoError(t, err)
	assert.Equal(t, "https://contoso.crm.dynamics.com", target.URL)

	onPrem := &base.ConnectorConfig{Options: map[string]interface{}{
		config.OptHost:    "crm.contoso.local",
		config.OptPort:    8080,
		config.OptOrgName: "contoso",
	}}
	target, err = TargetFromConnectorConfig(onPrem)
	require.NoError(t, err)
	assert.Equal(t, "crm.contoso.local", target.Host)
	assert.Equal(t, 8080, target.Port)
	assert.Equal(t, "contoso", target.OrgName)

	onPrem.Options[config.OptPort] = "http"
	_, err = TargetFromConnectorConfig(onPrem)
	var argErr *base.ArgumentError
	require.ErrorAs(t, err, &argErr)
	assert.Equal(t, "port", argErr.Argument)

	_, err = TargetFromConnectorConfig(&base.ConnectorConfig{})
	require.ErrorAs(t, err, &argErr)
	assert.Equal(t, "url", argErr.Argument)
}
