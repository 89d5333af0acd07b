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

package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"dataverse/platform/connectors/dataverse/xrm"
	"dataverse/platform/connectors/registry"
	"dataverse/platform/shared/logger"
)

// WebAPIMetadataProvider reads table definitions from the instance through
// EntityDefinitions. It does not cache; wrap it in a MetadataCache.
type WebAPIMetadataProvider struct {
	client *WebAPIClient
}

// NewWebAPIMetadataProvider creates a provider reading through client
func NewWebAPIMetadataProvider(client *WebAPIClient) *WebAPIMetadataProvider {
	return &WebAPIMetadataProvider{client: client}
}

type attributeDefinition struct {
	LogicalName   string `json:"LogicalName"`
	SchemaName    string `json:"SchemaName"`
	AttributeType string `json:"AttributeType"`
}

type entityDefinition struct {
	LogicalName          string                `json:"LogicalName"`
	EntitySetName        string                `json:"EntitySetName"`
	PrimaryIDAttribute   string                `json:"PrimaryIdAttribute"`
	PrimaryNameAttribute string                `json:"PrimaryNameAttribute"`
	Attributes           []attributeDefinition `json:"Attributes"`
}

// GetEntityMetadata implements xrm.MetadataProvider
func (p *WebAPIMetadataProvider) GetEntityMetadata(ctx context.Context, entityName string) (*xrm.EntityMetadata, error) {
	name := strings.ToLower(entityName)
	definition := "EntityDefinitions(LogicalName='" + strings.ReplaceAll(name, "'", "''") + "')"

	q := url.Values{}
	q.Set("$select", "LogicalName,EntitySetName,PrimaryIdAttribute,PrimaryNameAttribute")
	q.Set("$expand", "Attributes($select=LogicalName,SchemaName,AttributeType)")
	var def entityDefinition
	if err := p.client.GetJSON(ctx, definition, q, &def); err != nil {
		if isNotFound(err) {
			return nil, &xrm.MetadataNotFoundError{Entity: entityName}
		}
		return nil, err
	}

	meta := &xrm.EntityMetadata{
		LogicalName:          def.LogicalName,
		EntitySetName:        def.EntitySetName,
		PrimaryIDAttribute:   def.PrimaryIDAttribute,
		PrimaryNameAttribute: def.PrimaryNameAttribute,
		Attributes:           make(map[string]*xrm.AttributeMetadata, len(def.Attributes)),
	}
	for _, a := range def.Attributes {
		meta.Attributes[strings.ToLower(a.LogicalName)] = &xrm.AttributeMetadata{
			LogicalName:   a.LogicalName,
			SchemaName:    a.SchemaName,
			AttributeType: xrm.AttributeType(a.AttributeType),
		}
	}

	var lookups struct {
		Value []struct {
			LogicalName string   `json:"LogicalName"`
			Targets     []string `json:"Targets"`
		} `json:"value"`
	}
	lq := url.Values{}
	lq.Set("$select", "LogicalName,Targets")
	if err := p.client.GetJSON(ctx, definition+"/Attributes/Microsoft.Dynamics.CRM.LookupAttributeMetadata", lq, &lookups); err != nil {
		return nil, fmt.Errorf("lookup targets of %s: %w", name, err)
	}
	for _, l := range lookups.Value {
		if a := meta.Attribute(l.LogicalName); a != nil {
			a.Targets = l.Targets
		}
	}

	var dates struct {
		Value []struct {
			LogicalName      string `json:"LogicalName"`
			DateTimeBehavior struct {
				Value string `json:"Value"`
			} `json:"DateTimeBehavior"`
		} `json:"value"`
	}
	dq := url.Values{}
	dq.Set("$select", "LogicalName,DateTimeBehavior")
	if err := p.client.GetJSON(ctx, definition+"/Attributes/Microsoft.Dynamics.CRM.DateTimeAttributeMetadata", dq, &dates); err != nil {
		return nil, fmt.Errorf("date behaviors of %s: %w", name, err)
	}
	for _, d := range dates.Value {
		if a := meta.Attribute(d.LogicalName); a != nil {
			a.DateTimeBehavior = xrm.DateTimeBehavior(d.DateTimeBehavior.Value)
		}
	}
	return meta, nil
}

// GetAttributeMetadata implements xrm.MetadataProvider
func (p *WebAPIMetadataProvider) GetAttributeMetadata(ctx context.Context, entityName, attributeName string) (*xrm.AttributeMetadata, error) {
	meta, err := p.GetEntityMetadata(ctx, entityName)
	if err != nil {
		return nil, err
	}
	if a := meta.Attribute(attributeName); a != nil {
		return a, nil
	}
	return nil, &xrm.MetadataNotFoundError{Entity: entityName, Attribute: attributeName}
}

func isNotFound(err error) bool {
	var we *xrm.WebAPIError
	return errors.As(err, &we) && we.StatusCode == http.StatusNotFound
}

// DefaultMetadataTTL is how long table definitions stay cached
const DefaultMetadataTTL = 30 * time.Minute

// MetadataCache keeps table definitions from an inner provider for a fixed
// TTL. Failures are not cached.
type MetadataCache struct {
	inner xrm.MetadataProvider
	cache *registry.ConnectionCache[*xrm.EntityMetadata]
}

// NewMetadataCache wraps inner. A ttl of zero uses DefaultMetadataTTL.
func NewMetadataCache(inner xrm.MetadataProvider, ttl time.Duration, sink logger.TraceSink) *MetadataCache {
	if ttl <= 0 {
		ttl = DefaultMetadataTTL
	}
	return &MetadataCache{
		inner: inner,
		cache: registry.NewConnectionCache[*xrm.EntityMetadata](ttl).WithSink(sink),
	}
}

// WithClock overrides the time source of the cache
func (m *MetadataCache) WithClock(now func() time.Time) *MetadataCache {
	m.cache.WithClock(now)
	return m
}

// GetEntityMetadata implements xrm.MetadataProvider
func (m *MetadataCache) GetEntityMetadata(ctx context.Context, entityName string) (*xrm.EntityMetadata, error) {
	key := strings.ToLower(entityName)
	if meta, ok := m.cache.Get(key); ok {
		return meta, nil
	}
	meta, err := m.inner.GetEntityMetadata(ctx, key)
	if err != nil {
		return nil, err
	}
	m.cache.Set(key, meta)
	return meta, nil
}

// GetAttributeMetadata implements xrm.MetadataProvider
func (m *MetadataCache) GetAttributeMetadata(ctx context.Context, entityName, attributeName string) (*xrm.AttributeMetadata, error) {
	meta, err := m.GetEntityMetadata(ctx, entityName)
	if err != nil {
		return nil, err
	}
	if a := meta.Attribute(attributeName); a != nil {
		return a, nil
	}
	return nil, &xrm.MetadataNotFoundError{Entity: entityName, Attribute: attributeName}
}

// Invalidate drops a cached table, or every table when entityName is empty
func (m *MetadataCache) Invalidate(entityName string) {
	if entityName == "" {
		m.cache.Clear()
		return
	}
	m.cache.Delete(strings.ToLower(entityName))
}

// Len returns the number of cached tables
func (m *MetadataCache) Len() int {
	return m.cache.Len()
}
