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

package xrm

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// AttributeType is the column type of an attribute
type AttributeType string

const (
	AttributeString              AttributeType = "String"
	AttributeMemo                AttributeType = "Memo"
	AttributeInteger             AttributeType = "Integer"
	AttributeBigInt              AttributeType = "BigInt"
	AttributeDecimal             AttributeType = "Decimal"
	AttributeDouble              AttributeType = "Double"
	AttributeMoney               AttributeType = "Money"
	AttributeBoolean             AttributeType = "Boolean"
	AttributeDateTime            AttributeType = "DateTime"
	AttributeLookup              AttributeType = "Lookup"
	AttributeCustomer            AttributeType = "Customer"
	AttributeOwner               AttributeType = "Owner"
	AttributePicklist            AttributeType = "Picklist"
	AttributeMultiSelectPicklist AttributeType = "MultiSelectPicklist"
	AttributeState               AttributeType = "State"
	AttributeStatus              AttributeType = "Status"
	AttributeUniqueIdentifier    AttributeType = "Uniqueidentifier"
)

// IsLookup reports whether the attribute references another record
func (t AttributeType) IsLookup() bool {
	return t == AttributeLookup || t == AttributeCustomer || t == AttributeOwner
}

// AttributeMetadata describes one column
type AttributeMetadata struct {
	LogicalName      string
	SchemaName       string
	AttributeType    AttributeType
	DateTimeBehavior DateTimeBehavior
	// Targets lists the tables a lookup can point at
	Targets []string
}

// NavigationProperty returns the single-valued navigation property used to
// bind a lookup to a record of target.
func (a *AttributeMetadata) NavigationProperty(target string) string {
	name := a.SchemaName
	if name == "" {
		name = a.LogicalName
	}
	if len(a.Targets) > 1 && target != "" {
		return name + "_" + strings.ToLower(target)
	}
	return name
}

// EntityMetadata describes one table
type EntityMetadata struct {
	LogicalName          string
	EntitySetName        string
	PrimaryIDAttribute   string
	PrimaryNameAttribute string
	Attributes           map[string]*AttributeMetadata
}

// Attribute returns the metadata of a column, or nil
func (m *EntityMetadata) Attribute(name string) *AttributeMetadata {
	if m == nil || m.Attributes == nil {
		return nil
	}
	return m.Attributes[strings.ToLower(name)]
}

// MetadataProvider supplies table and column schema to the web API
// translation path. Failures are fatal for the request being translated.
type MetadataProvider interface {
	GetEntityMetadata(ctx context.Context, entityName string) (*EntityMetadata, error)
	GetAttributeMetadata(ctx context.Context, entityName, attributeName string) (*AttributeMetadata, error)
}

// MetadataNotFoundError is returned for unknown tables or columns
type MetadataNotFoundError struct {
	Entity    string
	Attribute string
}

func (e *MetadataNotFoundError) Error() string {
	if e.Attribute != "" {
		return fmt.Sprintf("no metadata for attribute %s.%s", e.Entity, e.Attribute)
	}
	return "no metadata for entity " + e.Entity
}

// MetadataUnavailableError reports that the schema needed to translate a
// request could not be obtained. It is fatal for that request and does not
// unwrap into the provider's error; Cause holds it.
type MetadataUnavailableError struct {
	Entity string
	Cause  error
}

func (e *MetadataUnavailableError) Error() string {
	if e.Cause == nil {
		return "metadata for " + e.Entity + " unavailable"
	}
	return fmt.Sprintf("metadata for %s: %v", e.Entity, e.Cause)
}

// StaticMetadataProvider serves metadata registered up front
type StaticMetadataProvider struct {
	entities map[string]*EntityMetadata
	mu       sync.RWMutex
}

// NewStaticMetadataProvider creates a provider holding the given tables
func NewStaticMetadataProvider(entities ...*EntityMetadata) *StaticMetadataProvider {
	p := &StaticMetadataProvider{entities: make(map[string]*EntityMetadata)}
	for _, e := range entities {
		p.Add(e)
	}
	return p
}

// Add registers or replaces a table. Attribute keys are lower-cased.
func (p *StaticMetadataProvider) Add(e *EntityMetadata) {
	if e == nil {
		return
	}
	attrs := make(map[string]*AttributeMetadata, len(e.Attributes))
	for k, v := range e.Attributes {
		attrs[strings.ToLower(k)] = v
	}
	e.Attributes = attrs

	p.mu.Lock()
	defer p.mu.Unlock()
	p.entities[strings.ToLower(e.LogicalName)] = e
}

// GetEntityMetadata implements MetadataProvider
func (p *StaticMetadataProvider) GetEntityMetadata(ctx context.Context, entityName string) (*EntityMetadata, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if e, ok := p.entities[strings.ToLower(entityName)]; ok {
		return e, nil
	}
	return nil, &MetadataNotFoundError{Entity: entityName}
}

// GetAttributeMetadata implements MetadataProvider
func (p *StaticMetadataProvider) GetAttributeMetadata(ctx context.Context, entityName, attributeName string) (*AttributeMetadata, error) {
	e, err := p.GetEntityMetadata(ctx, entityName)
	if err != nil {
		return nil, err
	}
	if a := e.Attribute(attributeName); a != nil {
		return a, nil
	}
	return nil, &MetadataNotFoundError{Entity: entityName, Attribute: attributeName}
}
