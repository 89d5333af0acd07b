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

/*
Package config provides session options, connection profiles and secret
resolution for Dataverse connections.

# Options

Options controls retries, protocol selection, timeouts and connection
caching. DefaultOptions returns the values a session uses when nothing is
configured, and Normalize clamps the retry ceiling:

	opts := config.DefaultOptions()
	opts.UseWebAPI = true
	opts.MaxRetryCount = 5

OptionsFromMap reads the same fields from a profile's options block.
Durations accept Go syntax ("5s") or bare seconds.

# Profile Files

Named connection profiles live in a YAML file. Environment variables are
expanded with ${VAR} or ${VAR:-default} before parsing:

	version: "1.0"
	profiles:
	  prod:
	    auth_type: client_secret
	    url: https://contoso.crm.dynamics.com
	    tenant_id: ${AZURE_TENANT_ID}
	    credentials:
	      client_id: ${DATAVERSE_CLIENT_ID}
	      client_secret: secret://dataverse/prod#client_secret

Load them with YAMLProfileLoader and convert a profile into session
options with OptionsFromConnectorConfig:

	loader, err := config.NewYAMLProfileLoader("dataverse.yaml")
	if err != nil {
	    log.Fatal(err)
	}
	cfg, err := loader.Profile("prod")

ExampleProfileFile prints a documented template.

# Secret References

Credential values of the form secret://<id>#<key> are resolved by
ResolveCredentials through a SecretsManager:

  - AWSSecretsManager reads AWS Secrets Manager, caching values for a TTL
  - EnvSecretsManager reads <ID>_<KEY> environment variables
  - LocalSecretsManager holds values in memory, for tests

Plain credential values pass through untouched.
*/
package config
