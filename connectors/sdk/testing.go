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

package sdk

import (
	"context"
	"sync"
	"time"

	"dataverse/platform/connectors/base"
)

// MockConnector is a base.Connector test double that records its calls
type MockConnector struct {
	name      string
	connType  string
	connected bool

	connectError    error
	disconnectError error
	healthError     error
	onQuery         func(context.Context, *base.Query) (*base.QueryResult, error)
	onExecute       func(context.Context, *base.Command) (*base.CommandResult, error)

	connectCalls    []*base.ConnectorConfig
	disconnectCalls int
	queryCalls      []*base.Query
	executeCalls    []*base.Command

	mu sync.Mutex
}

// NewMockConnector creates a new mock connector
func NewMockConnector(name, connType string) *MockConnector {
	return &MockConnector{name: name, connType: connType}
}

// Connect implements base.Connector
func (m *MockConnector) Connect(ctx context.Context, config *base.ConnectorConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.connectCalls = append(m.connectCalls, config)
	if m.connectError != nil {
		return m.connectError
	}
	m.connected = true
	if config != nil && config.Name != "" {
		m.name = config.Name
	}
	return nil
}

// Disconnect implements base.Connector
func (m *MockConnector) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.disconnectCalls++
	if m.disconnectError != nil {
		return m.disconnectError
	}
	m.connected = false
	return nil
}

// HealthCheck implements base.Connector
func (m *MockConnector) HealthCheck(ctx context.Context) (*base.HealthStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.healthError != nil {
		return nil, m.healthError
	}
	return &base.HealthStatus{Healthy: m.connected, Timestamp: time.Now()}, nil
}

// Query implements base.Connector
func (m *MockConnector) Query(ctx context.Context, query *base.Query) (*base.QueryResult, error) {
	m.mu.Lock()
	m.queryCalls = append(m.queryCalls, query)
	fn := m.onQuery
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, query)
	}
	return &base.QueryResult{Rows: []map[string]interface{}{}, Connector: m.Name()}, nil
}

// Execute implements base.Connector
func (m *MockConnector) Execute(ctx context.Context, cmd *base.Command) (*base.CommandResult, error) {
	m.mu.Lock()
	m.executeCalls = append(m.executeCalls, cmd)
	fn := m.onExecute
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, cmd)
	}
	return &base.CommandResult{Success: true, Connector: m.Name()}, nil
}

// Name implements base.Connector
func (m *MockConnector) Name() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.name
}

// Type implements base.Connector
func (m *MockConnector) Type() string { return m.connType }

// Version implements base.Connector
func (m *MockConnector) Version() string { return "1.0.0-mock" }

// Capabilities implements base.Connector
func (m *MockConnector) Capabilities() []string { return []string{"query", "execute"} }

// SetConnectError makes Connect fail with err
func (m *MockConnector) SetConnectError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectError = err
}

// SetDisconnectError makes Disconnect fail with err
func (m *MockConnector) SetDisconnectError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnectError = err
}

// SetHealthError makes HealthCheck fail with err
func (m *MockConnector) SetHealthError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthError = err
}

// SetOnQuery installs a custom Query handler
func (m *MockConnector) SetOnQuery(fn func(context.Context, *base.Query) (*base.QueryResult, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onQuery = fn
}

// SetOnExecute installs a custom Execute handler
func (m *MockConnector) SetOnExecute(fn func(context.Context, *base.Command) (*base.CommandResult, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExecute = fn
}

// ConnectCalls returns the configs passed to Connect
func (m *MockConnector) ConnectCalls() []*base.ConnectorConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*base.ConnectorConfig(nil), m.connectCalls...)
}

// DisconnectCalls returns how many times Disconnect was called
func (m *MockConnector) DisconnectCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disconnectCalls
}

// QueryCalls returns the recorded queries
func (m *MockConnector) QueryCalls() []*base.Query {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*base.Query(nil), m.queryCalls...)
}

// ExecuteCalls returns the recorded commands
func (m *MockConnector) ExecuteCalls() []*base.Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*base.Command(nil), m.executeCalls...)
}

// IsConnected reports whether Connect succeeded more recently than Disconnect
func (m *MockConnector) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}
