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
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"dataverse/platform/connectors/base"
	"dataverse/platform/connectors/config"
	"dataverse/platform/connectors/dataverse"
	"dataverse/platform/connectors/dataverse/auth"
	"dataverse/platform/connectors/dataverse/session"
	"dataverse/platform/connectors/registry"
	"dataverse/platform/shared/logger"
)

// app holds the global flags and builds connectors from them
type app struct {
	profilesPath string
	profileName  string
	token        string
	redisURL     string
	awsRegion    string
	verbose      bool
}

func (a *app) bindFlags(cmd *cobra.Command) {
	defaultPath := os.Getenv("DVCTL_PROFILES")
	if defaultPath == "" {
		defaultPath = "dataverse.yaml"
	}
	flags := cmd.PersistentFlags()
	flags.StringVar(&a.profilesPath, "profiles", defaultPath, "Connection profile file (env DVCTL_PROFILES)")
	flags.StringVarP(&a.profileName, "profile", "p", "default", "Profile to connect with")
	flags.StringVar(&a.token, "token", os.Getenv("DATAVERSE_TOKEN"), "Access token for external_token profiles (env DATAVERSE_TOKEN)")
	flags.StringVar(&a.redisURL, "token-cache-redis", "", "Share tokens through this Redis URL")
	flags.StringVar(&a.awsRegion, "aws-region", "", "Resolve secret:// credentials from AWS Secrets Manager in this region")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "Write structured trace logs")
}

func (a *app) sink() logger.TraceSink {
	if a.verbose {
		return logger.New("dvctl")
	}
	return nil
}

func (a *app) loadProfile() (*base.ConnectorConfig, error) {
	loader, err := config.NewYAMLProfileLoader(a.profilesPath)
	if err != nil {
		return nil, err
	}
	return loader.Profile(a.profileName)
}

func (a *app) secrets(ctx context.Context) (config.SecretsManager, error) {
	if a.awsRegion == "" {
		return config.NewEnvSecretsManager(), nil
	}
	return config.NewAWSSecretsManager(ctx, config.AWSSecretsManagerOptions{
		Region:   a.awsRegion,
		CacheTTL: 5 * time.Minute,
		Sink:     a.sink(),
	})
}

func (a *app) tokenProvider() auth.TokenProvider {
	return func(ctx context.Context, targetURL string) (string, error) {
		if a.token == "" {
			return "", fmt.Errorf("profile uses external_token: pass --token or set DATAVERSE_TOKEN")
		}
		return a.token, nil
	}
}

// dependencies builds the session collaborators. Sessions are shared through
// a connection cache swept in the background; the returned cleanup stops the
// sweep and closes the Redis token cache when one is used.
func (a *app) dependencies(ctx context.Context) (session.Dependencies, func(), error) {
	cache := registry.NewConnectionCache[*session.Session](registry.DefaultConnectionTTL).WithSink(a.sink())
	sweepCtx, stopSweep := context.WithCancel(ctx)
	cache.StartPeriodicCleanup(sweepCtx, time.Minute)

	deps := session.Dependencies{Sink: a.sink(), Cache: cache}
	if a.redisURL == "" {
		return deps, stopSweep, nil
	}
	tokens, err := auth.NewRedisTokenCacheFromURL(ctx, a.redisURL, "dvctl:token:")
	if err != nil {
		stopSweep()
		return deps, nil, err
	}
	deps.Authenticator = auth.NewAuthenticator(auth.WithTokenCache(tokens), auth.WithSink(deps.Sink))
	return deps, func() {
		stopSweep()
		_ = tokens.Close()
	}, nil
}

// connect registers the selected profile and lazily connects it
func (a *app) connect(ctx context.Context) (*dataverse.Connector, func(), error) {
	cfg, err := a.loadProfile()
	if err != nil {
		return nil, nil, err
	}
	sm, err := a.secrets(ctx)
	if err != nil {
		return nil, nil, err
	}
	deps, closeDeps, err := a.dependencies(ctx)
	if err != nil {
		return nil, nil, err
	}

	reg := registry.NewRegistry(a.sink())
	reg.SetFactory(dataverse.Factory(
		dataverse.WithSecretsManager(sm),
		dataverse.WithTokenProvider(a.tokenProvider()),
		dataverse.WithDependencies(deps),
		dataverse.WithSink(a.sink()),
	))
	if err := reg.AddConfig(cfg); err != nil {
		closeDeps()
		return nil, nil, err
	}
	conn, err := reg.Get(ctx, cfg.Name)
	if err != nil {
		closeDeps()
		return nil, nil, err
	}
	cleanup := func() {
		reg.DisconnectAll(context.Background())
		closeDeps()
	}
	return conn.(*dataverse.Connector), cleanup, nil
}

func profilesCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profiles",
		Short: "List connection profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			loader, err := config.NewYAMLProfileLoader(a.profilesPath)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tAUTH\tTARGET")
			for _, p := range loader.LoadProfiles() {
				target := p.ConnectionURL
				if target == "" {
					target = fmt.Sprint(p.Options[config.OptOrgName])
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", p.Name, p.Options[config.OptAuthType], target)
			}
			return w.Flush()
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "example",
		Short: "Print an example profile file",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Print(config.ExampleProfileFile())
		},
	})
	return cmd
}

func whoamiCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the identity the profile connects as",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, cleanup, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			client, err := conn.Client()
			if err != nil {
				return err
			}
			who, err := client.WhoAmI(cmd.Context())
			if err != nil {
				return fmt.Errorf("whoami failed: %w", err)
			}
			fmt.Printf("Instance:      %s\n", client.Session().InstanceURL())
			fmt.Printf("User:          %s\n", who.UserID)
			fmt.Printf("Business unit: %s\n", who.BusinessUnitID)
			fmt.Printf("Organization:  %s\n", who.OrganizationID)
			return nil
		},
	}
}

func orgVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "org-version",
		Aliases: []string{"version"},
		Short:   "Show the organization name and version",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, cleanup, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			client, err := conn.Client()
			if err != nil {
				return err
			}
			detail, err := client.OrganizationDetail(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("%s (%s) %s\n", detail.FriendlyName, detail.UniqueName, detail.Version)
			return nil
		},
	}
}

func orgsCmd(a *app) *cobra.Command {
	var allRegions bool
	cmd := &cobra.Command{
		Use:   "orgs",
		Short: "List the organizations the profile can reach",
		Long: `List the organizations discovery returns for the profile's identity.
With --all-regions every known regional discovery server is queried in
turn instead of the global discovery service.

Examples:
  dvctl orgs -p dev
  dvctl orgs -p dev --all-regions
  dvctl orgs -p onprem`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := a.loadProfile()
			if err != nil {
				return err
			}
			sm, err := a.secrets(ctx)
			if err != nil {
				return err
			}
			if cfg.Credentials, err = config.ResolveCredentials(ctx, sm, cfg.Credentials); err != nil {
				return err
			}
			authCfg, err := dataverse.AuthConfigFromConnectorConfig(cfg, a.tokenProvider())
			if err != nil {
				return err
			}
			target, err := dataverse.TargetFromConnectorConfig(cfg)
			if err != nil {
				return err
			}
			if allRegions {
				target.URL = ""
				target.Region = session.RegionAll
			}
			deps, closeDeps, err := a.dependencies(ctx)
			if err != nil {
				return err
			}
			defer closeDeps()

			orgs, err := session.ListOrganizations(ctx, authCfg, target, deps)
			if err != nil {
				return err
			}
			if len(orgs) == 0 {
				fmt.Println("No organizations found.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "UNIQUE NAME\tFRIENDLY NAME\tVERSION\tSTATE\tREGION")
			for _, o := range orgs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", o.UniqueName, o.FriendlyName, o.Version, o.State, o.Region)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&allRegions, "all-regions", false, "Scan every known regional discovery server")
	return cmd
}

func healthCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check connectivity and latency",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, cleanup, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			status, err := conn.HealthCheck(cmd.Context())
			if err != nil {
				return err
			}
			if !status.Healthy {
				return fmt.Errorf("unhealthy: %s", status.Error)
			}
			fmt.Printf("healthy (%s)\n", status.Latency.Round(time.Millisecond))
			for _, k := range []string{"url", "org_version", "user_id"} {
				fmt.Printf("  %-12s %s\n", k, status.Details[k])
			}
			return nil
		},
	}
}

func queryCmd(a *app) *cobra.Command {
	var (
		id      string
		columns []string
		filters []string
		top     int
	)

	cmd := &cobra.Command{
		Use:   "query <table>",
		Short: "Read records of a table",
		Long: `Read one record by id or the records matching equality filters.

Examples:
  dvctl query account --filter accountnumber=FC-001 --columns name,revenue
  dvctl query contact --id 3f2a5b1e-0c4d-4e7a-9b8c-1d2e3f4a5b6c`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := &base.Query{Entity: args[0], ID: id, Columns: columns, Limit: top}
			if len(filters) > 0 {
				q.Filter = make(map[string]interface{}, len(filters))
				for _, f := range filters {
					k, v, ok := strings.Cut(f, "=")
					if !ok || k == "" {
						return fmt.Errorf("invalid filter %q, want attribute=value", f)
					}
					q.Filter[k] = v
				}
			}

			conn, cleanup, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()

			result, err := conn.Query(cmd.Context(), q)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(result.Rows)
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "Record id")
	cmd.Flags().StringSliceVar(&columns, "columns", nil, "Columns to return (default all)")
	cmd.Flags().StringArrayVarP(&filters, "filter", "f", nil, "Equality filter attribute=value, repeatable")
	cmd.Flags().IntVar(&top, "top", 50, "Maximum number of records")
	return cmd
}
