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

package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"dataverse/platform/connectors/base"
	"dataverse/platform/shared/logger"
)

// ConnectorFactory creates a connector instance based on type
type ConnectorFactory func(connectorType string) (base.Connector, error)

// Registry manages named connections. Configurations can be added up front
// and are connected lazily on first Get. Thread-safe for concurrent access.
type Registry struct {
	connectors map[string]base.Connector
	configs    map[string]*base.ConnectorConfig
	factory    ConnectorFactory
	sink       logger.TraceSink
	mu         sync.RWMutex
}

// NewRegistry creates a new, empty registry
func NewRegistry(sink logger.TraceSink) *Registry {
	return &Registry{
		connectors: make(map[string]base.Connector),
		configs:    make(map[string]*base.ConnectorConfig),
		sink:       logger.OrDiscard(sink),
	}
}

// SetFactory sets the connector factory used for lazy loading
func (r *Registry) SetFactory(factory ConnectorFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factory = factory
}

// AddConfig stores a configuration to be connected on first use
func (r *Registry) AddConfig(config *base.ConnectorConfig) error {
	if config == nil || config.Name == "" {
		return fmt.Errorf("connector config must have a name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.connectors[config.Name]; exists {
		return fmt.Errorf("connector '%s' already registered", config.Name)
	}
	r.configs[config.Name] = config
	return nil
}

// Register connects connector with config and adds it under name
func (r *Registry) Register(ctx context.Context, name string, connector base.Connector, config *base.ConnectorConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.connectors[name]; exists {
		return fmt.Errorf("connector '%s' already registered", name)
	}

	ctx, cancel := withConfigTimeout(ctx, config)
	defer cancel()

	if err := connector.Connect(ctx, config); err != nil {
		r.sink.Trace(logger.ERROR, "connector connect failed", err, map[string]interface{}{"connector": name})
		return fmt.Errorf("failed to connect connector '%s': %w", name, err)
	}

	r.connectors[name] = connector
	r.configs[name] = config
	r.sink.Trace(logger.INFO, "connector registered", nil, map[string]interface{}{"connector": name, "type": config.Type})
	return nil
}

// Unregister removes a connector from the registry and disconnects it
func (r *Registry) Unregister(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	connector, exists := r.connectors[name]
	_, hasConfig := r.configs[name]
	if !exists && !hasConfig {
		return fmt.Errorf("connector '%s' not found", name)
	}

	if exists {
		if err := connector.Disconnect(ctx); err != nil {
			r.sink.Trace(logger.WARN, "connector disconnect failed", err, map[string]interface{}{"connector": name})
		}
	}

	delete(r.connectors, name)
	delete(r.configs, name)
	return nil
}

// Get retrieves a connector by name, lazy-loading it if only its
// configuration is known.
func (r *Registry) Get(ctx context.Context, name string) (base.Connector, error) {
	r.mu.RLock()
	connector, exists := r.connectors[name]
	config, hasConfig := r.configs[name]
	factory := r.factory
	r.mu.RUnlock()

	if exists {
		return connector, nil
	}
	if hasConfig && factory != nil {
		return r.lazyLoadConnector(ctx, name, config)
	}
	return nil, fmt.Errorf("connector '%s' not found", name)
}

func (r *Registry) lazyLoadConnector(ctx context.Context, name string, config *base.ConnectorConfig) (base.Connector, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if connector, exists := r.connectors[name]; exists {
		return connector, nil
	}

	connector, err := r.factory(config.Type)
	if err != nil {
		return nil, fmt.Errorf("failed to create connector '%s': %w", name, err)
	}

	ctx, cancel := withConfigTimeout(ctx, config)
	defer cancel()

	if err := connector.Connect(ctx, config); err != nil {
		r.sink.Trace(logger.ERROR, "lazy connect failed", err, map[string]interface{}{"connector": name})
		return nil, fmt.Errorf("failed to connect connector '%s': %w", name, err)
	}

	r.connectors[name] = connector
	return connector, nil
}

// GetConfig retrieves a connector's configuration by name
func (r *Registry) GetConfig(name string) (*base.ConnectorConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	config, exists := r.configs[name]
	if !exists {
		return nil, fmt.Errorf("config for connector '%s' not found", name)
	}
	return config, nil
}

// List returns every known connector name, connected or not, sorted
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.configs))
	for name := range r.configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HealthCheck checks every connected connector
func (r *Registry) HealthCheck(ctx context.Context) map[string]*base.HealthStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	results := make(map[string]*base.HealthStatus, len(r.connectors))
	for name, connector := range r.connectors {
		status, err := connector.HealthCheck(ctx)
		if err != nil {
			status = &base.HealthStatus{Healthy: false, Error: err.Error(), Timestamp: time.Now()}
		}
		results[name] = status
	}
	return results
}

// Count returns the number of connected connectors
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connectors)
}

// DisconnectAll disconnects every connector, keeping their configurations
// so they can be lazily reconnected.
func (r *Registry) DisconnectAll(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, connector := range r.connectors {
		if err := connector.Disconnect(ctx); err != nil {
			r.sink.Trace(logger.WARN, "connector disconnect failed", err, map[string]interface{}{"connector": name})
		}
		delete(r.connectors, name)
	}
}

func withConfigTimeout(ctx context.Context, config *base.ConnectorConfig) (context.Context, context.CancelFunc) {
	if config != nil && config.Timeout > 0 {
		return context.WithTimeout(ctx, config.Timeout)
	}
	return context.WithCancel(ctx)
}
