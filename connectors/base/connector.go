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

package base

import (
	"context"
	"time"
)

// Connector is the lifecycle surface a platform connection exposes to hosts
// that manage many connections generically (registries, CLIs, health probes).
type Connector interface {
	// Lifecycle Management
	Connect(ctx context.Context, config *ConnectorConfig) error
	Disconnect(ctx context.Context) error
	HealthCheck(ctx context.Context) (*HealthStatus, error)

	// Data Operations (read-only)
	Query(ctx context.Context, query *Query) (*QueryResult, error)

	// Action Operations (writes and named requests)
	Execute(ctx context.Context, cmd *Command) (*CommandResult, error)

	// Metadata
	Name() string           // Unique connection name
	Type() string           // Connector type ("dataverse")
	Version() string        // Connector version
	Capabilities() []string // List of capabilities (query, execute, clone, webapi)
}

// ConnectorConfig holds the loosely typed configuration of a connection, as read
// from a profile file or environment. Connectors translate it into their own
// validated option structs.
type ConnectorConfig struct {
	Name          string                 `json:"name"`           // Unique name for this connection
	Type          string                 `json:"type"`           // Connector type
	ConnectionURL string                 `json:"connection_url"` // Direct instance URL (optional when discovering)
	Credentials   map[string]string      `json:"credentials"`    // client_id, client_secret, username, password, thumbprint
	Options       map[string]interface{} `json:"options"`        // auth_type, org_name, region, use_web_api, ...
	Timeout       time.Duration          `json:"timeout"`        // Transport timeout ceiling
	MaxRetries    int                    `json:"max_retries"`    // Retry ceiling for transient failures
	TenantID      string                 `json:"tenant_id"`      // Directory tenant, when known up front
}

// Query represents a read against a single table
type Query struct {
	Entity  string                 `json:"entity"`            // Logical name of the table
	ID      string                 `json:"id,omitempty"`      // Record id; empty for multi-record reads
	Columns []string               `json:"columns,omitempty"` // Columns to return; empty means all
	Filter  map[string]interface{} `json:"filter,omitempty"`  // Equality conditions (attribute -> value)
	Limit   int                    `json:"limit,omitempty"`   // Result limit (optional)
	Timeout time.Duration          `json:"timeout,omitempty"` // Override default timeout
}

// QueryResult contains the results of a Query operation
type QueryResult struct {
	Rows      []map[string]interface{} `json:"rows"`
	RowCount  int                      `json:"row_count"`
	Duration  time.Duration            `json:"duration"`
	Connector string                   `json:"connector"`
	Metadata  map[string]interface{}   `json:"metadata,omitempty"`
}

// Command represents a write or a named platform request
type Command struct {
	Action     string                 `json:"action"`                // create, update, upsert, delete, execute
	Entity     string                 `json:"entity,omitempty"`      // Logical name of the table
	ID         string                 `json:"id,omitempty"`          // Record id for update/upsert/delete
	Attributes map[string]interface{} `json:"attributes,omitempty"`  // Column values for create/update/upsert
	RowVersion string                 `json:"row_version,omitempty"` // Optimistic concurrency token
	Request    string                 `json:"request,omitempty"`     // Request name for action "execute"
	Parameters map[string]interface{} `json:"parameters,omitempty"`  // Request parameters for action "execute"
	Timeout    time.Duration          `json:"timeout,omitempty"`
}

// CommandResult contains the results of a Command execution
type CommandResult struct {
	Success   bool                   `json:"success"`
	ID        string                 `json:"id,omitempty"` // New record id for create
	Duration  time.Duration          `json:"duration"`
	Message   string                 `json:"message"`
	Connector string                 `json:"connector"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// HealthStatus represents the health of a connection
type HealthStatus struct {
	Healthy   bool              `json:"healthy"`
	Latency   time.Duration     `json:"latency"`
	Details   map[string]string `json:"details"`
	Timestamp time.Time         `json:"timestamp"`
	Error     string            `json:"error"`
}

// ConnectorError represents errors raised by the Connector adapter surface
type ConnectorError struct {
	ConnectorName string
	Operation     string
	Message       string
	Cause         error
}

func (e *ConnectorError) Error() string {
	if e.Cause != nil {
		return e.ConnectorName + "." + e.Operation + ": " + e.Message + " (cause: " + e.Cause.Error() + ")"
	}
	return e.ConnectorName + "." + e.Operation + ": " + e.Message
}

func (e *ConnectorError) Unwrap() error {
	return e.Cause
}

// NewConnectorError creates a new ConnectorError
func NewConnectorError(connectorName, operation, message string, cause error) *ConnectorError {
	return &ConnectorError{
		ConnectorName: connectorName,
		Operation:     operation,
		Message:       message,
		Cause:         cause,
	}
}
