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

// Package xrm holds the value types exchanged with the platform: entities,
// references, requests and responses, faults, organization details and the
// metadata provider contract used by the web API translation layer.
package xrm

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Entity is a record of a table, addressed by logical name and id.
type Entity struct {
	LogicalName string
	ID          uuid.UUID
	Attributes  map[string]interface{}
	// RowVersion is the concurrency token returned by the platform
	RowVersion string
	// FormattedValues holds display strings keyed by attribute name
	FormattedValues map[string]string
}

// NewEntity creates an empty entity of the given table
func NewEntity(logicalName string) *Entity {
	return &Entity{
		LogicalName: logicalName,
		Attributes:  make(map[string]interface{}),
	}
}

// Set assigns an attribute value
func (e *Entity) Set(name string, value interface{}) *Entity {
	if e.Attributes == nil {
		e.Attributes = make(map[string]interface{})
	}
	e.Attributes[name] = value
	return e
}

// Get returns an attribute value
func (e *Entity) Get(name string) (interface{}, bool) {
	v, ok := e.Attributes[name]
	return v, ok
}

// GetString returns an attribute rendered as a string, or "" when absent
func (e *Entity) GetString(name string) string {
	v, ok := e.Attributes[name]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// ToEntityReference returns a reference to this record
func (e *Entity) ToEntityReference() EntityReference {
	return EntityReference{LogicalName: e.LogicalName, ID: e.ID}
}

// EntityReference points at a record of another table.
type EntityReference struct {
	LogicalName string
	ID          uuid.UUID
	Name        string
}

// NewEntityReference creates a reference
func NewEntityReference(logicalName string, id uuid.UUID) EntityReference {
	return EntityReference{LogicalName: logicalName, ID: id}
}

func (r EntityReference) String() string {
	return r.LogicalName + "(" + r.ID.String() + ")"
}

// OptionSetValue is a choice column value
type OptionSetValue struct {
	Value int
}

// OptionSetValueCollection is a multi-select choice column value
type OptionSetValueCollection []OptionSetValue

// Join renders the collection the way the web API expects it
func (c OptionSetValueCollection) Join() string {
	parts := make([]string, len(c))
	for i, v := range c {
		parts[i] = fmt.Sprint(v.Value)
	}
	return strings.Join(parts, ",")
}

// Money is a currency column value
type Money struct {
	Value float64
}

// ColumnSet selects the columns returned by a retrieve.
type ColumnSet struct {
	AllColumns bool
	Columns    []string
}

// NewColumnSet selects the named columns
func NewColumnSet(columns ...string) ColumnSet {
	return ColumnSet{Columns: columns}
}

// AllColumns selects every column
func AllColumns() ColumnSet {
	return ColumnSet{AllColumns: true}
}

// EntityCollection is the result of a multi-record query
type EntityCollection struct {
	EntityName       string
	Entities         []*Entity
	MoreRecords      bool
	PagingCookie     string
	TotalRecordCount int
}

// ConditionOperator compares an attribute with values in a query
type ConditionOperator string

const (
	ConditionEqual       ConditionOperator = "eq"
	ConditionNotEqual    ConditionOperator = "ne"
	ConditionGreaterThan ConditionOperator = "gt"
	ConditionLessThan    ConditionOperator = "lt"
	ConditionLike        ConditionOperator = "like"
	ConditionNull        ConditionOperator = "null"
	ConditionNotNull     ConditionOperator = "not-null"
)

// ConditionExpression is one filter condition. Conditions of a query are
// combined with AND.
type ConditionExpression struct {
	Attribute string
	Operator  ConditionOperator
	Values    []interface{}
}

// OrderExpression sorts query results
type OrderExpression struct {
	Attribute  string
	Descending bool
}

// QueryExpression describes a RetrieveMultiple query against one table.
type QueryExpression struct {
	EntityName string
	ColumnSet  ColumnSet
	Criteria   []ConditionExpression
	Orders     []OrderExpression
	TopCount   int
}

// NewQueryExpression creates a query returning all columns of a table
func NewQueryExpression(entityName string) *QueryExpression {
	return &QueryExpression{EntityName: entityName, ColumnSet: AllColumns()}
}

// Where appends a condition
func (q *QueryExpression) Where(attribute string, op ConditionOperator, values ...interface{}) *QueryExpression {
	q.Criteria = append(q.Criteria, ConditionExpression{Attribute: attribute, Operator: op, Values: values})
	return q
}

// DateTimeBehavior controls how a date column is serialized
type DateTimeBehavior string

const (
	DateTimeUserLocal           DateTimeBehavior = "UserLocal"
	DateTimeDateOnly            DateTimeBehavior = "DateOnly"
	DateTimeTimeZoneIndependent DateTimeBehavior = "TimeZoneIndependent"
)

// FormatDateTime renders t according to behavior
func FormatDateTime(t time.Time, behavior DateTimeBehavior) string {
	switch behavior {
	case DateTimeDateOnly:
		return t.Format("2006-01-02")
	case DateTimeTimeZoneIndependent:
		return t.Format("2006-01-02T15:04:05Z")
	default:
		return t.UTC().Format(time.RFC3339)
	}
}
