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
	"fmt"
	"strconv"
	"sync"
	"time"

	"dataverse/platform/connectors/base"
	"dataverse/platform/shared/logger"
)

// BaseConnector keeps the bookkeeping every base.Connector needs: the stored
// configuration, connection flag, identity and option accessors. Embed it and
// override Connect, Query, Execute and HealthCheck.
type BaseConnector struct {
	name         string
	connType     string
	version      string
	capabilities []string
	config       *base.ConnectorConfig
	connected    bool
	sink         logger.TraceSink
	validator    ConfigValidator
	mu           sync.RWMutex
}

// NewBaseConnector creates a new base connector with the given type
func NewBaseConnector(connType string) *BaseConnector {
	return &BaseConnector{
		connType:     connType,
		version:      "1.0.0",
		capabilities: []string{"query", "execute"},
		sink:         logger.Discard,
	}
}

// Connect validates and stores config. Connectors call it first from their
// own Connect and then mark themselves connected with SetConnected.
func (c *BaseConnector) Connect(ctx context.Context, config *base.ConnectorConfig) error {
	if config == nil {
		return base.NewConnectorError(c.connType, "Connect", "configuration is required", nil)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.validator != nil {
		if err := c.validator.Validate(config); err != nil {
			return base.NewConnectorError(config.Name, "Connect", "configuration validation failed", err)
		}
		if defaultValidator, ok := c.validator.(*DefaultConfigValidator); ok {
			defaultValidator.ApplyDefaults(config)
		}
	}

	c.config = config
	c.name = config.Name
	return nil
}

// Disconnect clears the connected flag.
func (c *BaseConnector) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil
	}
	c.connected = false
	c.sink.Trace(logger.INFO, "disconnected", nil, map[string]interface{}{"connector": c.name})
	return nil
}

// HealthCheck reports the connected flag. Connectors override it with a real
// probe.
func (c *BaseConnector) HealthCheck(ctx context.Context) (*base.HealthStatus, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status := &base.HealthStatus{
		Healthy:   c.connected,
		Timestamp: time.Now(),
		Details:   map[string]string{"connector_type": c.connType, "version": c.version},
	}
	if !c.connected {
		status.Error = "not connected"
	}
	return status, nil
}

// Query is not implemented by the base connector
func (c *BaseConnector) Query(ctx context.Context, query *base.Query) (*base.QueryResult, error) {
	return nil, base.NewConnectorError(c.Name(), "Query", "not implemented", nil)
}

// Execute is not implemented by the base connector
func (c *BaseConnector) Execute(ctx context.Context, cmd *base.Command) (*base.CommandResult, error) {
	return nil, base.NewConnectorError(c.Name(), "Execute", "not implemented", nil)
}

// Name returns the connector instance name
func (c *BaseConnector) Name() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.name != "" {
		return c.name
	}
	return c.connType
}

// Type returns the connector type
func (c *BaseConnector) Type() string {
	return c.connType
}

// Version returns the connector version
func (c *BaseConnector) Version() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// Capabilities returns the list of supported capabilities
func (c *BaseConnector) Capabilities() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.capabilities))
	copy(out, c.capabilities)
	return out
}

// SetSink sets the trace sink; nil discards.
func (c *BaseConnector) SetSink(sink logger.TraceSink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = logger.OrDiscard(sink)
}

// Sink returns the trace sink
func (c *BaseConnector) Sink() logger.TraceSink {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sink
}

// SetValidator sets the config validator
func (c *BaseConnector) SetValidator(validator ConfigValidator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.validator = validator
}

// IsConnected reports the connected flag
func (c *BaseConnector) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// GetConfig returns the stored configuration
func (c *BaseConnector) GetConfig() *base.ConnectorConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.config
}

// SetCapabilities replaces the capability list
func (c *BaseConnector) SetCapabilities(caps []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.capabilities = caps
}

// SetVersion sets the reported version
func (c *BaseConnector) SetVersion(version string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.version = version
}

// SetConnected sets the connection status
func (c *BaseConnector) SetConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = connected
}

// GetTimeout returns the configured timeout or the default
func (c *BaseConnector) GetTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.config != nil && c.config.Timeout > 0 {
		return c.config.Timeout
	}
	return 4 * time.Minute
}

// GetOption retrieves an option value from config
func (c *BaseConnector) GetOption(key string, defaultValue interface{}) interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.config == nil || c.config.Options == nil {
		return defaultValue
	}
	if val, ok := c.config.Options[key]; ok {
		return val
	}
	return defaultValue
}

// GetStringOption retrieves a string option
func (c *BaseConnector) GetStringOption(key, defaultValue string) string {
	switch v := c.GetOption(key, defaultValue).(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	}
	return defaultValue
}

// GetIntOption retrieves an integer option
func (c *BaseConnector) GetIntOption(key string, defaultValue int) int {
	switch v := c.GetOption(key, defaultValue).(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

// GetBoolOption retrieves a boolean option
func (c *BaseConnector) GetBoolOption(key string, defaultValue bool) bool {
	switch v := c.GetOption(key, defaultValue).(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

// GetCredential retrieves a credential value
func (c *BaseConnector) GetCredential(key string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.config == nil || c.config.Credentials == nil {
		return ""
	}
	return c.config.Credentials[key]
}

// WithTimeout creates a context with the connector's configured timeout
func (c *BaseConnector) WithTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.GetTimeout())
}

// ConfigValidator validates connector configuration
type ConfigValidator interface {
	// Validate checks if the configuration is valid
	Validate(config *base.ConnectorConfig) error

	// RequiredFields returns the list of required configuration fields
	RequiredFields() []string

	// OptionalFields returns the list of optional fields with their defaults
	OptionalFields() map[string]interface{}
}

// DefaultConfigValidator checks required option or credential keys and fills
// optional ones with defaults.
type DefaultConfigValidator struct {
	required []string
	optional map[string]interface{}
}

// NewDefaultConfigValidator creates a new default config validator
func NewDefaultConfigValidator(required []string, optional map[string]interface{}) *DefaultConfigValidator {
	if optional == nil {
		optional = make(map[string]interface{})
	}
	return &DefaultConfigValidator{
		required: required,
		optional: optional,
	}
}

// Validate checks required fields are present
func (v *DefaultConfigValidator) Validate(config *base.ConnectorConfig) error {
	if config == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if config.Name == "" {
		return fmt.Errorf("connector name is required")
	}

	for _, field := range v.required {
		if _, ok := config.Options[field]; ok {
			continue
		}
		if _, ok := config.Credentials[field]; ok {
			continue
		}
		return fmt.Errorf("required field '%s' is missing", field)
	}
	return nil
}

// RequiredFields returns the required fields
func (v *DefaultConfigValidator) RequiredFields() []string {
	return v.required
}

// OptionalFields returns the optional fields with defaults
func (v *DefaultConfigValidator) OptionalFields() map[string]interface{} {
	return v.optional
}

// ApplyDefaults applies default values from OptionalFields to config
func (v *DefaultConfigValidator) ApplyDefaults(config *base.ConnectorConfig) {
	if config.Options == nil {
		config.Options = make(map[string]interface{})
	}
	for field, defaultValue := range v.optional {
		if _, exists := config.Options[field]; !exists {
			config.Options[field] = defaultValue
		}
	}
}
