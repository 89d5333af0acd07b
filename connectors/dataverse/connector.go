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
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"dataverse/platform/connectors/base"
	"dataverse/platform/connectors/config"
	"dataverse/platform/connectors/dataverse/auth"
	"dataverse/platform/connectors/dataverse/session"
	"dataverse/platform/connectors/dataverse/xrm"
	"dataverse/platform/connectors/registry"
	"dataverse/platform/connectors/sdk"
	"dataverse/platform/shared/logger"
)

// Version is the connector version reported through base.Connector
const Version = "1.0.0"

// Connector adapts a session to base.Connector so that registries, health
// probes and the CLI can manage it like any other connection.
type Connector struct {
	*sdk.BaseConnector

	secrets  config.SecretsManager
	provider auth.TokenProvider
	deps     session.Dependencies

	mu     sync.RWMutex
	client *Client
}

// ConnectorOption configures a Connector
type ConnectorOption func(*Connector)

// WithSecretsManager resolves secret:// credential references on connect
func WithSecretsManager(sm config.SecretsManager) ConnectorOption {
	return func(c *Connector) { c.secrets = sm }
}

// WithTokenProvider supplies the token function of external token profiles
func WithTokenProvider(p auth.TokenProvider) ConnectorOption {
	return func(c *Connector) { c.provider = p }
}

// WithDependencies replaces the session collaborators, typically to share
// a connection cache, metrics or a test HTTP client between connectors.
func WithDependencies(deps session.Dependencies) ConnectorOption {
	return func(c *Connector) { c.deps = deps }
}

// WithSink sets the trace sink of the connector and its sessions
func WithSink(sink logger.TraceSink) ConnectorOption {
	return func(c *Connector) { c.SetSink(sink) }
}

// NewConnector creates an unconnected connector
func NewConnector(opts ...ConnectorOption) *Connector {
	c := &Connector{BaseConnector: sdk.NewBaseConnector(config.ConnectorType)}
	c.SetVersion(Version)
	c.SetCapabilities([]string{"query", "execute", "clone", "webapi"})
	c.SetValidator(sdk.NewDefaultConfigValidator([]string{config.OptAuthType}, nil))
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Factory returns a registry factory creating dataverse connectors with
// the given options.
func Factory(opts ...ConnectorOption) registry.ConnectorFactory {
	return func(connectorType string) (base.Connector, error) {
		if connectorType != config.ConnectorType {
			return nil, fmt.Errorf("unsupported connector type: %s", connectorType)
		}
		return NewConnector(opts...), nil
	}
}

// Connect resolves secrets, maps the profile onto an auth configuration and
// connects a session.
func (c *Connector) Connect(ctx context.Context, cfg *base.ConnectorConfig) error {
	if err := c.BaseConnector.Connect(ctx, cfg); err != nil {
		return err
	}

	resolved := *cfg
	if c.secrets != nil {
		creds, err := config.ResolveCredentials(ctx, c.secrets, cfg.Credentials)
		if err != nil {
			return base.NewConnectorError(cfg.Name, "Connect", "failed to resolve credentials", err)
		}
		resolved.Credentials = creds
	}

	authCfg, err := AuthConfigFromConnectorConfig(&resolved, c.provider)
	if err != nil {
		return base.NewConnectorError(cfg.Name, "Connect", "invalid auth configuration", err)
	}
	target, err := TargetFromConnectorConfig(&resolved)
	if err != nil {
		return base.NewConnectorError(cfg.Name, "Connect", "invalid connection target", err)
	}
	opts, err := config.OptionsFromConnectorConfig(&resolved)
	if err != nil {
		return base.NewConnectorError(cfg.Name, "Connect", "invalid options", err)
	}

	deps := c.deps
	if deps.Sink == nil {
		deps.Sink = c.Sink()
	}
	client, err := Connect(ctx, authCfg, target, opts, deps)
	if err != nil {
		return base.NewConnectorError(cfg.Name, "Connect", "failed to connect", err)
	}

	c.mu.Lock()
	previous := c.client
	c.client = client
	c.mu.Unlock()
	if previous != nil && previous.Session() != client.Session() {
		_ = previous.Dispose()
	}
	c.SetConnected(true)

	c.Sink().Trace(logger.INFO, "connector connected", nil, map[string]interface{}{
		"connector": cfg.Name,
		"mode":      authCfg.Mode().String(),
		"url":       client.Session().InstanceURL(),
	})
	return nil
}

// Client returns the typed client of a connected connector
func (c *Connector) Client() (*Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.client == nil {
		return nil, base.NewConnectorError(c.Name(), "Client", "not connected", nil)
	}
	return c.client, nil
}

// Disconnect disposes the session
func (c *Connector) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.mu.Unlock()

	var err error
	if client != nil {
		err = client.Dispose()
	}
	if derr := c.BaseConnector.Disconnect(ctx); derr != nil && err == nil {
		err = derr
	}
	return err
}

// HealthCheck runs WhoAmI and reports its latency
func (c *Connector) HealthCheck(ctx context.Context) (*base.HealthStatus, error) {
	status := &base.HealthStatus{
		Timestamp: time.Now(),
		Details:   map[string]string{"connector_type": c.Type(), "version": c.Version()},
	}
	client, err := c.Client()
	if err != nil {
		status.Error = "not connected"
		return status, nil
	}

	timer := sdk.NewTimer(c.deps.Clock)
	who, err := client.WhoAmI(ctx)
	status.Latency = timer.Duration()
	if err != nil {
		status.Error = err.Error()
		return status, nil
	}

	status.Healthy = true
	status.Details["url"] = client.Session().InstanceURL()
	status.Details["user_id"] = who.UserID.String()
	status.Details["organization_id"] = who.OrganizationID.String()
	if v, err := client.ConnectedOrgVersion(ctx); err == nil {
		status.Details["org_version"] = v
	}
	return status, nil
}

// Query reads one record by id or the records matching equality filters
func (c *Connector) Query(ctx context.Context, query *base.Query) (*base.QueryResult, error) {
	if query == nil || query.Entity == "" {
		return nil, base.NewConnectorError(c.Name(), "Query", "entity is required", nil)
	}
	client, err := c.Client()
	if err != nil {
		return nil, err
	}
	if query.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, query.Timeout)
		defer cancel()
	}

	columns := xrm.AllColumns()
	if len(query.Columns) > 0 {
		columns = xrm.NewColumnSet(query.Columns...)
	}
	timer := sdk.NewTimer(c.deps.Clock)

	var entities []*xrm.Entity
	if query.ID != "" {
		id, err := uuid.Parse(query.ID)
		if err != nil {
			return nil, base.NewConnectorError(c.Name(), "Query", "invalid record id", err)
		}
		e, err := client.Retrieve(ctx, query.Entity, id, columns)
		if err != nil {
			return nil, base.NewConnectorError(c.Name(), "Query", "retrieve failed", err)
		}
		entities = []*xrm.Entity{e}
	} else {
		q := xrm.NewQueryExpression(query.Entity)
		q.ColumnSet = columns
		q.TopCount = query.Limit
		keys := make([]string, 0, len(query.Filter))
		for k := range query.Filter {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			q.Where(k, xrm.ConditionEqual, query.Filter[k])
		}
		coll, err := client.RetrieveMultiple(ctx, q)
		if err != nil {
			return nil, base.NewConnectorError(c.Name(), "Query", "retrieve multiple failed", err)
		}
		entities = coll.Entities
	}

	rows := make([]map[string]interface{}, 0, len(entities))
	for _, e := range entities {
		rows = append(rows, rowFromEntity(e))
	}
	return &base.QueryResult{
		Rows:      rows,
		RowCount:  len(rows),
		Duration:  timer.Duration(),
		Connector: c.Name(),
		Metadata:  map[string]interface{}{"entity": query.Entity},
	}, nil
}

// Execute runs create, update, upsert, delete or a named request
func (c *Connector) Execute(ctx context.Context, cmd *base.Command) (*base.CommandResult, error) {
	if cmd == nil {
		return nil, base.NewConnectorError(c.Name(), "Execute", "command is required", nil)
	}
	client, err := c.Client()
	if err != nil {
		return nil, err
	}
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}
	timer := sdk.NewTimer(c.deps.Clock)
	result := &base.CommandResult{Connector: c.Name(), Metadata: map[string]interface{}{"action": cmd.Action}}

	var id uuid.UUID
	if cmd.ID != "" {
		if id, err = uuid.Parse(cmd.ID); err != nil {
			return nil, base.NewConnectorError(c.Name(), "Execute", "invalid record id", err)
		}
	}
	entity := func() *xrm.Entity {
		e := xrm.NewEntity(cmd.Entity)
		e.ID = id
		e.RowVersion = cmd.RowVersion
		for k, v := range cmd.Attributes {
			e.Set(k, v)
		}
		return e
	}

	switch cmd.Action {
	case "create":
		var created uuid.UUID
		created, err = client.Create(ctx, entity())
		if err == nil {
			result.ID = created.String()
			result.Message = "record created"
		}
	case "update":
		err = client.Update(ctx, entity())
		result.ID = cmd.ID
		result.Message = "record updated"
	case "upsert":
		var created bool
		created, err = client.Upsert(ctx, entity())
		result.ID = cmd.ID
		result.Metadata["created"] = created
		result.Message = "record upserted"
	case "delete":
		err = client.Delete(ctx, xrm.NewEntityReference(cmd.Entity, id), cmd.RowVersion)
		result.ID = cmd.ID
		result.Message = "record deleted"
	case "execute":
		if cmd.Request == "" {
			return nil, base.NewConnectorError(c.Name(), "Execute", "request name is required", nil)
		}
		req := xrm.NewOrganizationRequest(cmd.Request)
		for k, v := range cmd.Parameters {
			req.With(k, v)
		}
		var resp *xrm.OrganizationResponse
		resp, err = client.ExecuteRequest(ctx, req)
		if err == nil {
			for k, v := range resp.Results {
				result.Metadata[k] = v
			}
			result.Message = resp.ResponseName + " executed"
		}
	default:
		return nil, base.NewConnectorError(c.Name(), "Execute", "unsupported action: "+cmd.Action, nil)
	}

	result.Duration = timer.Duration()
	if err != nil {
		return nil, base.NewConnectorError(c.Name(), "Execute", cmd.Action+" failed", err)
	}
	result.Success = true
	return result, nil
}

// rowFromEntity flattens a record into plain values
func rowFromEntity(e *xrm.Entity) map[string]interface{} {
	row := make(map[string]interface{}, len(e.Attributes)+1)
	for k, v := range e.Attributes {
		switch x := v.(type) {
		case xrm.OptionSetValue:
			row[k] = x.Value
		case xrm.Money:
			row[k] = x.Value
		case xrm.OptionSetValueCollection:
			row[k] = x.Join()
		case uuid.UUID:
			row[k] = x.String()
		case xrm.EntityReference:
			row[k] = map[string]interface{}{"id": x.ID.String(), "logical_name": x.LogicalName, "name": x.Name}
		default:
			row[k] = v
		}
	}
	if e.RowVersion != "" {
		row["@row_version"] = e.RowVersion
	}
	return row
}
