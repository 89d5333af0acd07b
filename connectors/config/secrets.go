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
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"dataverse/platform/shared/logger"
)

// SecretRefPrefix marks a credential value that must be resolved through a
// SecretsManager: secret://<id>#<key>. Without #key the "value" key is used.
const SecretRefPrefix = "secret://"

// SecretsManager resolves a secret id to a set of key/value credentials
type SecretsManager interface {
	GetSecret(ctx context.Context, secretID string) (map[string]string, error)
}

// SecretsAPI is the subset of the AWS Secrets Manager client used here
type SecretsAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// AWSSecretsManager implements SecretsManager using AWS Secrets Manager
type AWSSecretsManager struct {
	client SecretsAPI
	cache  map[string]*secretCacheEntry
	mu     sync.RWMutex
	ttl    time.Duration
	sink   logger.TraceSink
	now    func() time.Time
}

type secretCacheEntry struct {
	value     map[string]string
	expiresAt time.Time
}

// AWSSecretsManagerOptions holds options for creating an AWSSecretsManager
type AWSSecretsManagerOptions struct {
	Region          string
	AccessKeyID     string // optional static credentials; default chain otherwise
	SecretAccessKey string
	SessionToken    string
	CacheTTL        time.Duration
	Sink            logger.TraceSink
}

// NewAWSSecretsManager creates a new AWS Secrets Manager client
func NewAWSSecretsManager(ctx context.Context, opts AWSSecretsManagerOptions) (*AWSSecretsManager, error) {
	cfgOpts := []func(*awsconfig.LoadOptions) error{}
	if opts.Region != "" {
		cfgOpts = append(cfgOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" {
		creds := credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, opts.SessionToken)
		cfgOpts = append(cfgOpts, awsconfig.WithCredentialsProvider(creds))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, cfgOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewAWSSecretsManagerWithClient(secretsmanager.NewFromConfig(cfg), opts.CacheTTL, opts.Sink), nil
}

// NewAWSSecretsManagerWithClient wraps an existing client
func NewAWSSecretsManagerWithClient(client SecretsAPI, ttl time.Duration, sink logger.TraceSink) *AWSSecretsManager {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &AWSSecretsManager{
		client: client,
		cache:  make(map[string]*secretCacheEntry),
		ttl:    ttl,
		sink:   logger.OrDiscard(sink),
		now:    time.Now,
	}
}

// GetSecret retrieves a secret. JSON object secrets are returned as is; any
// other string is returned under the "value" key.
func (s *AWSSecretsManager) GetSecret(ctx context.Context, secretID string) (map[string]string, error) {
	s.mu.RLock()
	entry, exists := s.cache[secretID]
	s.mu.RUnlock()

	if exists && s.now().Before(entry.expiresAt) {
		return entry.value, nil
	}

	result, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretID),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get secret %s: %w", MaskSecretID(secretID), err)
	}
	if result.SecretString == nil {
		return nil, fmt.Errorf("secret %s has no string value", MaskSecretID(secretID))
	}

	secretValue := aws.ToString(result.SecretString)
	var values map[string]string
	if err := json.Unmarshal([]byte(secretValue), &values); err != nil {
		values = map[string]string{"value": secretValue}
	}

	s.mu.Lock()
	s.cache[secretID] = &secretCacheEntry{value: values, expiresAt: s.now().Add(s.ttl)}
	s.mu.Unlock()

	s.sink.Trace(logger.DEBUG, "secret fetched", nil, map[string]interface{}{"secret": MaskSecretID(secretID)})
	return values, nil
}

// InvalidateSecret removes a secret from the cache
func (s *AWSSecretsManager) InvalidateSecret(secretID string) {
	s.mu.Lock()
	delete(s.cache, secretID)
	s.mu.Unlock()
}

// MaskSecretID masks a secret id for logging, keeping the last 8 characters
func MaskSecretID(id string) string {
	if len(id) <= 12 {
		return "***"
	}
	return "..." + id[len(id)-8:]
}

// LocalSecretsManager keeps secrets in memory, for development and tests
type LocalSecretsManager struct {
	secrets map[string]map[string]string
	mu      sync.RWMutex
}

// NewLocalSecretsManager creates an empty local secrets manager
func NewLocalSecretsManager() *LocalSecretsManager {
	return &LocalSecretsManager{secrets: make(map[string]map[string]string)}
}

// GetSecret retrieves a secret from local storage
func (s *LocalSecretsManager) GetSecret(ctx context.Context, secretID string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if secret, exists := s.secrets[secretID]; exists {
		return secret, nil
	}
	return nil, fmt.Errorf("secret %s not found in local secrets manager", secretID)
}

// SetSecret stores a secret locally
func (s *LocalSecretsManager) SetSecret(secretID string, value map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[secretID] = value
}

// EnvSecretsManager treats the secret id as an environment variable prefix:
// id "CRM" yields CRM_CLIENT_ID, CRM_CLIENT_SECRET, CRM_PASSWORD and so on.
type EnvSecretsManager struct{}

// NewEnvSecretsManager creates a secrets manager backed by the environment
func NewEnvSecretsManager() *EnvSecretsManager {
	return &EnvSecretsManager{}
}

var envSecretFields = []string{
	"USERNAME", "PASSWORD", "CLIENT_ID", "CLIENT_SECRET", "TOKEN",
	"CERTIFICATE_PASSWORD", "DOMAIN", "TENANT_ID",
}

// GetSecret retrieves credentials from environment variables
func (s *EnvSecretsManager) GetSecret(ctx context.Context, secretID string) (map[string]string, error) {
	values := make(map[string]string)
	for _, field := range envSecretFields {
		if value := os.Getenv(secretID + "_" + field); value != "" {
			values[strings.ToLower(field)] = value
		}
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("no credentials found for prefix %s", secretID)
	}
	return values, nil
}

// ParseSecretRef splits secret://id#key. ok is false for plain values.
func ParseSecretRef(value string) (id, key string, ok bool) {
	if !strings.HasPrefix(value, SecretRefPrefix) {
		return "", "", false
	}
	ref := strings.TrimPrefix(value, SecretRefPrefix)
	id, key, _ = strings.Cut(ref, "#")
	if key == "" {
		key = "value"
	}
	return id, key, id != ""
}

// ResolveCredentials returns a copy of creds with every secret reference
// replaced by its value. Plain values pass through untouched.
func ResolveCredentials(ctx context.Context, sm SecretsManager, creds map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(creds))
	for name, value := range creds {
		id, key, ok := ParseSecretRef(value)
		if !ok {
			out[name] = value
			continue
		}
		if sm == nil {
			return nil, fmt.Errorf("credential %s references a secret but no secrets manager is configured", name)
		}
		secret, err := sm.GetSecret(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("resolve credential %s: %w", name, err)
		}
		resolved, found := secret[key]
		if !found {
			return nil, fmt.Errorf("secret %s has no key %q", MaskSecretID(id), key)
		}
		out[name] = resolved
	}
	return out, nil
}
