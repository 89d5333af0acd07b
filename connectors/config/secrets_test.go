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
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSecretsAPI struct {
	values map[string]string
	calls  int
	err    error
}

func (f *fakeSecretsAPI) GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	v, ok := f.values[aws.ToString(params.SecretId)]
	if !ok {
		return &secretsmanager.GetSecretValueOutput{}, nil
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(v)}, nil
}

func TestAWSSecretsManager_GetSecret(t *testing.T) {
	api := &fakeSecretsAPI{values: map[string]string{
		"dataverse/prod": `{"client_secret":"s3cr3t"}`,
		"plain":          "just-a-value",
	}}
	sm := NewAWSSecretsManagerWithClient(api, time.Minute, nil)
	ctx := context.Background()

	secret, err := sm.GetSecret(ctx, "dataverse/prod")
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", secret["client_secret"])

	_, err = sm.GetSecret(ctx, "dataverse/prod")
	require.NoError(t, err)
	assert.Equal(t, 1, api.calls, "second read should hit the cache")

	sm.InvalidateSecret("dataverse/prod")
	_, err = sm.GetSecret(ctx, "dataverse/prod")
	require.NoError(t, err)
	assert.Equal(t, 2, api.calls)

	plain, err := sm.GetSecret(ctx, "plain")
	require.NoError(t, err)
	assert.Equal(t, "just-a-value", plain["value"])

	_, err = sm.GetSecret(ctx, "missing")
	assert.Error(t, err)
}

func TestAWSSecretsManager_CacheExpiry(t *testing.T) {
	api := &fakeSecretsAPI{values: map[string]string{"id": `{"k":"v"}`}}
	sm := NewAWSSecretsManagerWithClient(api, time.Minute, nil)
	now := time.Unix(1000, 0)
	sm.now = func() time.Time { return now }

	_, _ = sm.GetSecret(context.Background(), "id")
	now = now.Add(2 * time.Minute)
	_, _ = sm.GetSecret(context.Background(), "id")
	assert.Equal(t, 2, api.calls)
}

func TestAWSSecretsManager_Error(t *testing.T) {
	boom := errors.New("access denied")
	sm := NewAWSSecretsManagerWithClient(&fakeSecretsAPI{err: boom}, 0, nil)

	_, err := sm.GetSecret(context.Background(), "arn:aws:secretsmanager:eu-west-1:123:secret:crm")
	require.ErrorIs(t, err, boom)
	assert.NotContains(t, err.Error(), "arn:aws:secretsmanager")
}

func TestMaskSecretID(t *testing.T) {
	assert.Equal(t, "***", MaskSecretID("short"))
	assert.Equal(t, "...12345678", MaskSecretID("arn:aws:secret:12345678"))
}

func TestEnvSecretsManager(t *testing.T) {
	t.Setenv("CRM_CLIENT_ID", "id")
	t.Setenv("CRM_CLIENT_SECRET", "secret")

	secret, err := NewEnvSecretsManager().GetSecret(context.Background(), "CRM")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"client_id": "id", "client_secret": "secret"}, secret)

	_, err = NewEnvSecretsManager().GetSecret(context.Background(), "NOPE_NOT_SET")
	assert.Error(t, err)
}

func TestParseSecretRef(t *testing.T) {
	tests := []struct {
		in      string
		id, key string
		ok      bool
	}{
		{"secret://dataverse/prod#client_secret", "dataverse/prod", "client_secret", true},
		{"secret://token", "token", "value", true},
		{"secret://", "", "value", false},
		{"plain-value", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			id, key, ok := ParseSecretRef(tt.in)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.id, id)
				assert.Equal(t, tt.key, key)
			}
		})
	}
}

func TestResolveCredentials(t *testing.T) {
	local := NewLocalSecretsManager()
	local.SetSecret("dataverse/prod", map[string]string{"client_secret": "resolved"})
	ctx := context.Background()

	creds, err := ResolveCredentials(ctx, local, map[string]string{
		"client_id":     "plain-id",
		"client_secret": "secret://dataverse/prod#client_secret",
	})
	require.NoError(t, err)
	assert.Equal(t, "plain-id", creds["client_id"])
	assert.Equal(t, "resolved", creds["client_secret"])

	_, err = ResolveCredentials(ctx, local, map[string]string{"x": "secret://dataverse/prod#missing"})
	assert.Error(t, err)

	_, err = ResolveCredentials(ctx, local, map[string]string{"x": "secret://unknown#k"})
	assert.Error(t, err)

	_, err = ResolveCredentials(ctx, nil, map[string]string{"x": "secret://a#b"})
	assert.Error(t, err)

	creds, err = ResolveCredentials(ctx, nil, map[string]string{"x": "plain"})
	require.NoError(t, err)
	assert.Equal(t, "plain", creds["x"])
}
