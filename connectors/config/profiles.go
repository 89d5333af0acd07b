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
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"dataverse/platform/connectors/base"
)

// ConnectorType is the base.ConnectorConfig type of every profile.
const ConnectorType = "dataverse"

// ProfileFile is the root of a connection profile file
type ProfileFile struct {
	Version  string                       `yaml:"version"`
	Profiles map[string]ProfileFileConfig `yaml:"profiles"`
}

// ProfileFileConfig is one named connection profile
type ProfileFileConfig struct {
	AuthType       string                 `yaml:"auth_type"`
	URL            string                 `yaml:"url,omitempty"`
	OrgName        string                 `yaml:"org_name,omitempty"`
	Region         string                 `yaml:"region,omitempty"`
	Host           string                 `yaml:"host,omitempty"`
	Port           string                 `yaml:"port,omitempty"`
	Domain         string                 `yaml:"domain,omitempty"`
	TenantID       string                 `yaml:"tenant_id,omitempty"`
	TokenCachePath string                 `yaml:"token_cache_path,omitempty"`
	Credentials    map[string]string      `yaml:"credentials,omitempty"`
	Options        map[string]interface{} `yaml:"options,omitempty"`
	TimeoutMs      int                    `yaml:"timeout_ms,omitempty"`
	MaxRetries     int                    `yaml:"max_retries,omitempty"`
}

// Option keys under which profile connection fields travel in
// base.ConnectorConfig.Options.
const (
	OptAuthType       = "auth_type"
	OptOrgName        = "org_name"
	OptRegion         = "region"
	OptHost           = "host"
	OptPort           = "port"
	OptDomain         = "domain"
	OptTokenCachePath = "token_cache_path"
)

// YAMLProfileLoader loads connection profiles from a YAML file
type YAMLProfileLoader struct {
	filePath string
	file     *ProfileFile
	mu       sync.RWMutex
}

// NewYAMLProfileLoader reads and validates the profile file at filePath
func NewYAMLProfileLoader(filePath string) (*YAMLProfileLoader, error) {
	loader := &YAMLProfileLoader{filePath: filePath}
	if err := loader.Reload(); err != nil {
		return nil, err
	}
	return loader, nil
}

// Reload re-reads the profile file
func (l *YAMLProfileLoader) Reload() error {
	data, err := os.ReadFile(l.filePath)
	if err != nil {
		return fmt.Errorf("failed to read profile file %s: %w", l.filePath, err)
	}

	file, err := ParseProfileFile(data)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.file = file
	l.mu.Unlock()
	return nil
}

// ParseProfileFile expands environment references in data, then parses and
// validates it.
func ParseProfileFile(data []byte) (*ProfileFile, error) {
	var file ProfileFile
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), &file); err != nil {
		return nil, fmt.Errorf("failed to parse profile file: %w", err)
	}
	if err := ValidateProfileFile(&file); err != nil {
		return nil, err
	}
	return &file, nil
}

// Names returns the profile names in sorted order
func (l *YAMLProfileLoader) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	names := make([]string, 0, len(l.file.Profiles))
	for name := range l.file.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Profile returns the named profile as a connector config
func (l *YAMLProfileLoader) Profile(name string) (*base.ConnectorConfig, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	p, ok := l.file.Profiles[name]
	if !ok {
		return nil, fmt.Errorf("profile %q not found in %s", name, l.filePath)
	}
	return p.toConnectorConfig(name), nil
}

// LoadProfiles returns every profile as a connector config, sorted by name
func (l *YAMLProfileLoader) LoadProfiles() []*base.ConnectorConfig {
	names := l.Names()

	l.mu.RLock()
	defer l.mu.RUnlock()
	configs := make([]*base.ConnectorConfig, 0, len(names))
	for _, name := range names {
		configs = append(configs, l.file.Profiles[name].toConnectorConfig(name))
	}
	return configs
}

func (p ProfileFileConfig) toConnectorConfig(name string) *base.ConnectorConfig {
	options := make(map[string]interface{}, len(p.Options)+7)
	for k, v := range p.Options {
		options[k] = v
	}
	setIfNotEmpty(options, OptAuthType, p.AuthType)
	setIfNotEmpty(options, OptOrgName, p.OrgName)
	setIfNotEmpty(options, OptRegion, p.Region)
	setIfNotEmpty(options, OptHost, p.Host)
	setIfNotEmpty(options, OptPort, p.Port)
	setIfNotEmpty(options, OptDomain, p.Domain)
	setIfNotEmpty(options, OptTokenCachePath, p.TokenCachePath)

	credentials := make(map[string]string, len(p.Credentials))
	for k, v := range p.Credentials {
		credentials[k] = v
	}

	maxRetries := p.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetryCount
	}
	timeout := time.Duration(p.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = DefaultMaxConnectionTimeout
	}

	return &base.ConnectorConfig{
		Name:          name,
		Type:          ConnectorType,
		ConnectionURL: p.URL,
		Credentials:   credentials,
		Options:       options,
		Timeout:       timeout,
		MaxRetries:    maxRetries,
		TenantID:      p.TenantID,
	}
}

func setIfNotEmpty(m map[string]interface{}, key, value string) {
	if value != "" {
		m[key] = value
	}
}

// OptionsFromConnectorConfig builds session options from a connector config.
// The config's MaxRetries and Timeout win over the options block.
func OptionsFromConnectorConfig(cfg *base.ConnectorConfig) (Options, error) {
	opts, err := OptionsFromMap(cfg.Options)
	if err != nil {
		return Options{}, err
	}
	if cfg.MaxRetries > 0 {
		opts.MaxRetryCount = cfg.MaxRetries
	}
	if cfg.Timeout > 0 {
		opts.MaxConnectionTimeout = cfg.Timeout
	}
	if opts.CacheKey == "" {
		opts.CacheKey = cfg.Name
	}
	return opts.Normalize(), nil
}

// ValidateProfileFile validates the structure of a profile file
func ValidateProfileFile(file *ProfileFile) error {
	if file.Version == "" {
		return fmt.Errorf("profile file must specify a version")
	}

	for name, p := range file.Profiles {
		mode := base.ParseAuthMode(p.AuthType)
		if mode == base.AuthModeInvalid {
			return fmt.Errorf("profile '%s' has invalid auth_type '%s'", name, p.AuthType)
		}
		if p.URL == "" && p.OrgName == "" && p.Host == "" {
			return fmt.Errorf("profile '%s' must specify url, org_name or host", name)
		}
		if mode == base.AuthModeExternalToken && p.URL == "" {
			return fmt.Errorf("profile '%s' uses external_token and must specify url", name)
		}
	}
	return nil
}

// envVarRegex matches ${VAR_NAME} or $VAR_NAME patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars expands ${VAR}, ${VAR:-default} and $VAR references.
// Undefined variables without a default expand to the empty string.
func expandEnvVars(content string) string {
	return envVarRegex.ReplaceAllStringFunc(content, func(match string) string {
		var varName string
		if strings.HasPrefix(match, "${") {
			varName = match[2 : len(match)-1]
		} else {
			varName = match[1:]
		}

		defaultVal := ""
		if idx := strings.Index(varName, ":-"); idx != -1 {
			defaultVal = varName[idx+2:]
			varName = varName[:idx]
		}

		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultVal
	})
}

// ExampleProfileFile returns a documented example profile file
func ExampleProfileFile() string {
	return `# Dataverse connection profiles
# Environment variables can be referenced using ${VAR_NAME} or ${VAR_NAME:-default}
# Credential values may be secret references: secret://<secret-id>#<key>

version: "1.0"

profiles:
  # Service principal against a known instance
  prod:
    auth_type: client_secret
    url: ${DATAVERSE_URL:-https://contoso.crm.dynamics.com}
    tenant_id: ${AZURE_TENANT_ID}
    credentials:
      client_id: ${DATAVERSE_CLIENT_ID}
      client_secret: secret://dataverse/prod#client_secret
    options:
      use_web_api: true
      max_retries: 10
      retry_pause: 5s

  # Interactive sign-in, organization resolved by global discovery
  dev:
    auth_type: oauth
    org_name: contoso-dev
    credentials:
      client_id: 51f81489-12ee-4a9e-aaae-a2591f45987d
      redirect_uri: http://localhost
    token_cache_path: ${HOME}/.dvctl/tokens.json

  # Certificate credential
  batch:
    auth_type: certificate
    url: https://contoso.crm4.dynamics.com
    tenant_id: ${AZURE_TENANT_ID}
    credentials:
      client_id: ${BATCH_CLIENT_ID}
      redirect_uri: https://batch.contoso.com/signin
      thumbprint: ${BATCH_CERT_THUMBPRINT}
    options:
      certificate_store: ${HOME}/.dvctl/certs
      requests_per_second: 20

  # On-premises, integrated authentication
  onprem:
    auth_type: windows
    host: crm.contoso.local
    port: "443"
    org_name: contoso
    domain: CONTOSO
    credentials:
      username: ${CRM_USER}
      password: ${CRM_PASSWORD}
`
}
