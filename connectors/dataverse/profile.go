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
	"fmt"
	"strconv"
	"strings"

	"dataverse/platform/connectors/base"
	"dataverse/platform/connectors/config"
	"dataverse/platform/connectors/dataverse/auth"
	"dataverse/platform/connectors/dataverse/session"
)

// Credential keys of a connection profile
const (
	CredClientID            = "client_id"
	CredClientSecret        = "client_secret"
	CredUsername            = "username"
	CredPassword            = "password"
	CredThumbprint          = "thumbprint"
	CredRedirectURI         = "redirect_uri"
	CredCertificatePassword = "certificate_password"
)

// Option keys read by the facade in addition to the session options
const (
	OptCertificateStore = "certificate_store"
	OptDiscoveryURL     = "discovery_url"
	OptLoginHint        = "login_hint"
	OptPrompt           = "prompt"
)

// AuthConfigFromConnectorConfig builds the auth configuration a profile
// describes. External token profiles use provider; the host has to supply
// it because a profile cannot carry a function.
func AuthConfigFromConnectorConfig(cfg *base.ConnectorConfig, provider auth.TokenProvider) (auth.Config, error) {
	rawMode := stringOption(cfg, config.OptAuthType)
	mode := base.ParseAuthMode(rawMode)
	creds := cfg.Credentials
	cachePath := stringOption(cfg, config.OptTokenCachePath)

	switch mode {
	case base.AuthModeWindowsIntegrated:
		return auth.WindowsIntegrated{
			Domain:   stringOption(cfg, config.OptDomain),
			Username: creds[CredUsername],
			Password: creds[CredPassword],
		}, nil

	case base.AuthModeInteractiveOAuth:
		prompt, err := parsePrompt(stringOption(cfg, OptPrompt))
		if err != nil {
			return nil, err
		}
		return auth.InteractiveOAuth{
			ClientID:       creds[CredClientID],
			RedirectURI:    creds[CredRedirectURI],
			TenantID:       cfg.TenantID,
			Username:       creds[CredUsername],
			Password:       creds[CredPassword],
			LoginHint:      stringOption(cfg, OptLoginHint),
			Prompt:         prompt,
			TokenCachePath: cachePath,
		}, nil

	case base.AuthModeCertificate:
		c := auth.Certificate{
			ClientID:       creds[CredClientID],
			RedirectURI:    creds[CredRedirectURI],
			TenantID:       cfg.TenantID,
			Thumbprint:     creds[CredThumbprint],
			TokenCachePath: cachePath,
		}
		if dir := stringOption(cfg, OptCertificateStore); dir != "" {
			c.Store = auth.NewPEMCertificateStore(dir, []byte(creds[CredCertificatePassword]))
		}
		return c, nil

	case base.AuthModeClientCredential:
		return auth.ClientCredential{
			ClientID:       creds[CredClientID],
			ClientSecret:   creds[CredClientSecret],
			TenantID:       cfg.TenantID,
			TokenCachePath: cachePath,
		}, nil

	case base.AuthModeExternalToken:
		return auth.ExternalToken{Provider: provider}, nil
	}

	return nil, &base.AuthConfigurationError{
		Mode:    base.AuthModeInvalid,
		Message: fmt.Sprintf("unknown auth_type %q", rawMode),
	}
}

// TargetFromConnectorConfig reads where a profile connects to
func TargetFromConnectorConfig(cfg *base.ConnectorConfig) (session.Target, error) {
	t := session.Target{
		URL:          strings.TrimSpace(cfg.ConnectionURL),
		OrgName:      stringOption(cfg, config.OptOrgName),
		Region:       stringOption(cfg, config.OptRegion),
		DiscoveryURL: stringOption(cfg, OptDiscoveryURL),
		Host:         stringOption(cfg, config.OptHost),
	}
	if raw := stringOption(cfg, config.OptPort); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil {
			return session.Target{}, base.NewArgumentError("port", "port must be a number")
		}
		t.Port = port
	}
	if t.URL == "" && t.OrgName == "" && t.Host == "" {
		return session.Target{}, base.NewArgumentError("url", "profile needs a url, an org_name or a host")
	}
	return t, nil
}

func parsePrompt(s string) (auth.PromptBehavior, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return auth.PromptAuto, nil
	case "always":
		return auth.PromptAlways, nil
	case "never":
		return auth.PromptNever, nil
	}
	return auth.PromptAuto, base.NewArgumentError(OptPrompt, "prompt must be auto, always or never")
}

// stringOption reads an option as a string; YAML numbers are accepted
func stringOption(cfg *base.ConnectorConfig, key string) string {
	v, ok := cfg.Options[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return fmt.Sprint(v)
}
