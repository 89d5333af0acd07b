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

package soap

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"dataverse/platform/connectors/dataverse/xrm"
)

// Value type names carried in the type attribute of a value element.
const (
	typeNull                  = "null"
	typeString                = "string"
	typeInt                   = "int"
	typeDecimal               = "decimal"
	typeBoolean               = "boolean"
	typeGUID                  = "guid"
	typeDateTime              = "dateTime"
	typeBase64                = "base64Binary"
	typeEntityReference       = "EntityReference"
	typeOptionSetValue        = "OptionSetValue"
	typeOptionSetCollection   = "OptionSetValueCollection"
	typeMoney                 = "Money"
	typeEntity                = "Entity"
	typeEntityCollection      = "EntityCollection"
	typeColumnSet             = "ColumnSet"
	typeQueryExpression       = "QueryExpression"
	typeConcurrencyBehavior   = "ConcurrencyBehavior"
	typeOrganizationDetail    = "OrganizationDetail"
	typeOrganizationDetailSet = "OrganizationDetailCollection"
)

type keyValuePair struct {
	Key   string `xml:"key"`
	Value value  `xml:"value"`
}

type value struct {
	Type          string             `xml:"type,attr"`
	Text          string             `xml:",chardata"`
	Reference     *referenceElement  `xml:"EntityReference,omitempty"`
	Entity        *entityElement     `xml:"Entity,omitempty"`
	Collection    *collectionElement `xml:"EntityCollection,omitempty"`
	Options       []int              `xml:"OptionSetValue,omitempty"`
	Columns       *columnSetElement  `xml:"ColumnSet,omitempty"`
	Query         *queryElement      `xml:"QueryExpression,omitempty"`
	Organizations []orgDetailElement `xml:"OrganizationDetail,omitempty"`
}

type referenceElement struct {
	LogicalName string `xml:"LogicalName"`
	ID          string `xml:"Id"`
	Name        string `xml:"Name,omitempty"`
}

type entityElement struct {
	LogicalName     string         `xml:"LogicalName"`
	ID              string         `xml:"Id"`
	RowVersion      string         `xml:"RowVersion,omitempty"`
	Attributes      []keyValuePair `xml:"Attributes>KeyValuePairOfstringanyType"`
	FormattedValues []stringPair   `xml:"FormattedValues>KeyValuePairOfstringstring,omitempty"`
}

type collectionElement struct {
	EntityName       string          `xml:"EntityName"`
	MoreRecords      bool            `xml:"MoreRecords"`
	PagingCookie     string          `xml:"PagingCookie,omitempty"`
	TotalRecordCount int             `xml:"TotalRecordCount"`
	Entities         []entityElement `xml:"Entities>Entity"`
}

type columnSetElement struct {
	AllColumns bool     `xml:"AllColumns"`
	Columns    []string `xml:"Columns>string"`
}

type conditionElement struct {
	Attribute string  `xml:"AttributeName"`
	Operator  string  `xml:"Operator"`
	Values    []value `xml:"Values>Value"`
}

type orderElement struct {
	Attribute  string `xml:"AttributeName"`
	Descending bool   `xml:"Descending"`
}

type queryElement struct {
	EntityName string             `xml:"EntityName"`
	ColumnSet  columnSetElement   `xml:"ColumnSet"`
	Conditions []conditionElement `xml:"Criteria>Conditions>ConditionExpression"`
	Orders     []orderElement     `xml:"Orders>OrderExpression"`
	TopCount   int                `xml:"TopCount,omitempty"`
}

type orgDetailElement struct {
	OrganizationID string       `xml:"OrganizationId"`
	UniqueName     string       `xml:"UniqueName"`
	FriendlyName   string       `xml:"FriendlyName"`
	URLName        string       `xml:"UrlName"`
	Version        string       `xml:"OrganizationVersion"`
	State          string       `xml:"State"`
	EnvironmentID  string       `xml:"EnvironmentId,omitempty"`
	TenantID       string       `xml:"TenantId,omitempty"`
	Geo            string       `xml:"Geo,omitempty"`
	Endpoints      []stringPair `xml:"Endpoints>KeyValuePair"`
}

func encodePairs(m map[string]interface{}) ([]keyValuePair, error) {
	pairs := make([]keyValuePair, 0, len(m))
	for _, k := range sortedKeys(m) {
		v, err := encodeValue(m[k])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		pairs = append(pairs, keyValuePair{Key: k, Value: v})
	}
	return pairs, nil
}

func decodePairs(pairs []keyValuePair) (map[string]interface{}, error) {
	m := make(map[string]interface{}, len(pairs))
	for _, p := range pairs {
		v, err := decodeValue(p.Value)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p.Key, err)
		}
		m[p.Key] = v
	}
	return m, nil
}

func encodeValue(v interface{}) (value, error) {
	switch x := v.(type) {
	case nil:
		return value{Type: typeNull}, nil
	case string:
		return value{Type: typeString, Text: x}, nil
	case int:
		return value{Type: typeInt, Text: strconv.Itoa(x)}, nil
	case int32:
		return value{Type: typeInt, Text: strconv.Itoa(int(x))}, nil
	case int64:
		return value{Type: typeInt, Text: strconv.FormatInt(x, 10)}, nil
	case float64:
		return value{Type: typeDecimal, Text: strconv.FormatFloat(x, 'f', -1, 64)}, nil
	case bool:
		return value{Type: typeBoolean, Text: strconv.FormatBool(x)}, nil
	case uuid.UUID:
		return value{Type: typeGUID, Text: x.String()}, nil
	case time.Time:
		return value{Type: typeDateTime, Text: x.UTC().Format(time.RFC3339Nano)}, nil
	case []byte:
		return value{Type: typeBase64, Text: base64.StdEncoding.EncodeToString(x)}, nil
	case xrm.EntityReference:
		return value{Type: typeEntityReference, Reference: encodeReference(x)}, nil
	case *xrm.EntityReference:
		if x == nil {
			return value{Type: typeNull}, nil
		}
		return value{Type: typeEntityReference, Reference: encodeReference(*x)}, nil
	case xrm.OptionSetValue:
		return value{Type: typeOptionSetValue, Text: strconv.Itoa(x.Value)}, nil
	case xrm.OptionSetValueCollection:
		opts := make([]int, len(x))
		for i, o := range x {
			opts[i] = o.Value
		}
		return value{Type: typeOptionSetCollection, Options: opts}, nil
	case xrm.Money:
		return value{Type: typeMoney, Text: strconv.FormatFloat(x.Value, 'f', -1, 64)}, nil
	case xrm.ConcurrencyBehavior:
		return value{Type: typeConcurrencyBehavior, Text: strconv.Itoa(int(x))}, nil
	case *xrm.Entity:
		if x == nil {
			return value{Type: typeNull}, nil
		}
		e, err := encodeEntity(x)
		if err != nil {
			return value{}, err
		}
		return value{Type: typeEntity, Entity: e}, nil
	case *xrm.EntityCollection:
		if x == nil {
			return value{Type: typeNull}, nil
		}
		c := &collectionElement{
			EntityName:       x.EntityName,
			MoreRecords:      x.MoreRecords,
			PagingCookie:     x.PagingCookie,
			TotalRecordCount: x.TotalRecordCount,
		}
		for _, ent := range x.Entities {
			e, err := encodeEntity(ent)
			if err != nil {
				return value{}, err
			}
			c.Entities = append(c.Entities, *e)
		}
		return value{Type: typeEntityCollection, Collection: c}, nil
	case xrm.ColumnSet:
		cs := encodeColumnSet(x)
		return value{Type: typeColumnSet, Columns: &cs}, nil
	case *xrm.QueryExpression:
		if x == nil {
			return value{Type: typeNull}, nil
		}
		q, err := encodeQuery(x)
		if err != nil {
			return value{}, err
		}
		return value{Type: typeQueryExpression, Query: q}, nil
	case xrm.OrganizationDetail:
		return value{Type: typeOrganizationDetail, Organizations: []orgDetailElement{encodeDetail(x)}}, nil
	case []xrm.OrgDirectoryEntry:
		orgs := make([]orgDetailElement, len(x))
		for i, e := range x {
			orgs[i] = encodeDetail(xrm.DetailFromDirectoryEntry(e))
			orgs[i].State = e.State
		}
		return value{Type: typeOrganizationDetailSet, Organizations: orgs}, nil
	}
	return value{}, fmt.Errorf("unsupported value type %T", v)
}

func decodeValue(v value) (interface{}, error) {
	switch v.Type {
	case typeNull, "":
		return nil, nil
	case typeString:
		return v.Text, nil
	case typeInt:
		return strconv.Atoi(v.Text)
	case typeDecimal:
		return strconv.ParseFloat(v.Text, 64)
	case typeBoolean:
		return strconv.ParseBool(v.Text)
	case typeGUID:
		return uuid.Parse(v.Text)
	case typeDateTime:
		return time.Parse(time.RFC3339Nano, v.Text)
	case typeBase64:
		return base64.StdEncoding.DecodeString(v.Text)
	case typeEntityReference:
		if v.Reference == nil {
			return nil, fmt.Errorf("EntityReference value without element")
		}
		return decodeReference(*v.Reference)
	case typeOptionSetValue:
		n, err := strconv.Atoi(v.Text)
		if err != nil {
			return nil, err
		}
		return xrm.OptionSetValue{Value: n}, nil
	case typeOptionSetCollection:
		c := make(xrm.OptionSetValueCollection, len(v.Options))
		for i, o := range v.Options {
			c[i] = xrm.OptionSetValue{Value: o}
		}
		return c, nil
	case typeMoney:
		f, err := strconv.ParseFloat(v.Text, 64)
		if err != nil {
			return nil, err
		}
		return xrm.Money{Value: f}, nil
	case typeConcurrencyBehavior:
		n, err := strconv.Atoi(v.Text)
		if err != nil {
			return nil, err
		}
		return xrm.ConcurrencyBehavior(n), nil
	case typeEntity:
		if v.Entity == nil {
			return nil, fmt.Errorf("Entity value without element")
		}
		return decodeEntity(*v.Entity)
	case typeEntityCollection:
		if v.Collection == nil {
			return nil, fmt.Errorf("EntityCollection value without element")
		}
		c := &xrm.EntityCollection{
			EntityName:       v.Collection.EntityName,
			MoreRecords:      v.Collection.MoreRecords,
			PagingCookie:     v.Collection.PagingCookie,
			TotalRecordCount: v.Collection.TotalRecordCount,
		}
		for _, el := range v.Collection.Entities {
			e, err := decodeEntity(el)
			if err != nil {
				return nil, err
			}
			c.Entities = append(c.Entities, e)
		}
		return c, nil
	case typeColumnSet:
		if v.Columns == nil {
			return xrm.ColumnSet{}, nil
		}
		return decodeColumnSet(*v.Columns), nil
	case typeQueryExpression:
		if v.Query == nil {
			return nil, fmt.Errorf("QueryExpression value without element")
		}
		return decodeQuery(*v.Query)
	case typeOrganizationDetail:
		if len(v.Organizations) == 0 {
			return xrm.NewOrganizationDetail(), nil
		}
		return decodeDetail(v.Organizations[0]), nil
	case typeOrganizationDetailSet:
		entries := make([]xrm.OrgDirectoryEntry, 0, len(v.Organizations))
		for _, o := range v.Organizations {
			d := decodeDetail(o)
			entries = append(entries, xrm.OrgDirectoryEntry{
				UniqueName:     d.UniqueName,
				FriendlyName:   d.FriendlyName,
				URLName:        d.URLName,
				OrganizationID: d.OrganizationID,
				EnvironmentID:  d.EnvironmentID,
				TenantID:       d.TenantID,
				Version:        o.Version,
				State:          o.State,
				Region:         d.Geo,
				Endpoints:      d.Endpoints,
			})
		}
		return entries, nil
	}
	return nil, fmt.Errorf("unsupported value type %q", v.Type)
}

func encodeReference(r xrm.EntityReference) *referenceElement {
	return &referenceElement{LogicalName: r.LogicalName, ID: r.ID.String(), Name: r.Name}
}

func decodeReference(r referenceElement) (xrm.EntityReference, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return xrm.EntityReference{}, fmt.Errorf("reference id: %w", err)
	}
	return xrm.EntityReference{LogicalName: r.LogicalName, ID: id, Name: r.Name}, nil
}

func encodeEntity(e *xrm.Entity) (*entityElement, error) {
	attrs, err := encodePairs(e.Attributes)
	if err != nil {
		return nil, err
	}
	out := &entityElement{LogicalName: e.LogicalName, ID: e.ID.String(), RowVersion: e.RowVersion, Attributes: attrs}
	for _, k := range sortedKeys(e.FormattedValues) {
		out.FormattedValues = append(out.FormattedValues, stringPair{Key: k, Value: e.FormattedValues[k]})
	}
	return out, nil
}

func decodeEntity(el entityElement) (*xrm.Entity, error) {
	attrs, err := decodePairs(el.Attributes)
	if err != nil {
		return nil, err
	}
	e := &xrm.Entity{LogicalName: el.LogicalName, Attributes: attrs, RowVersion: el.RowVersion}
	if el.ID != "" {
		if e.ID, err = uuid.Parse(el.ID); err != nil {
			return nil, fmt.Errorf("entity id: %w", err)
		}
	}
	if len(el.FormattedValues) > 0 {
		e.FormattedValues = make(map[string]string, len(el.FormattedValues))
		for _, p := range el.FormattedValues {
			e.FormattedValues[p.Key] = p.Value
		}
	}
	return e, nil
}

func encodeColumnSet(cs xrm.ColumnSet) columnSetElement {
	return columnSetElement{AllColumns: cs.AllColumns, Columns: cs.Columns}
}

func decodeColumnSet(el columnSetElement) xrm.ColumnSet {
	return xrm.ColumnSet{AllColumns: el.AllColumns, Columns: el.Columns}
}

func encodeQuery(q *xrm.QueryExpression) (*queryElement, error) {
	out := &queryElement{EntityName: q.EntityName, ColumnSet: encodeColumnSet(q.ColumnSet), TopCount: q.TopCount}
	for _, c := range q.Criteria {
		ce := conditionElement{Attribute: c.Attribute, Operator: string(c.Operator)}
		for _, v := range c.Values {
			ev, err := encodeValue(v)
			if err != nil {
				return nil, fmt.Errorf("condition %s: %w", c.Attribute, err)
			}
			ce.Values = append(ce.Values, ev)
		}
		out.Conditions = append(out.Conditions, ce)
	}
	for _, o := range q.Orders {
		out.Orders = append(out.Orders, orderElement{Attribute: o.Attribute, Descending: o.Descending})
	}
	return out, nil
}

func decodeQuery(el queryElement) (*xrm.QueryExpression, error) {
	q := &xrm.QueryExpression{EntityName: el.EntityName, ColumnSet: decodeColumnSet(el.ColumnSet), TopCount: el.TopCount}
	for _, c := range el.Conditions {
		cond := xrm.ConditionExpression{Attribute: c.Attribute, Operator: xrm.ConditionOperator(c.Operator)}
		for _, v := range c.Values {
			dv, err := decodeValue(v)
			if err != nil {
				return nil, fmt.Errorf("condition %s: %w", c.Attribute, err)
			}
			cond.Values = append(cond.Values, dv)
		}
		q.Criteria = append(q.Criteria, cond)
	}
	for _, o := range el.Orders {
		q.Orders = append(q.Orders, xrm.OrderExpression{Attribute: o.Attribute, Descending: o.Descending})
	}
	return q, nil
}

func encodeDetail(d xrm.OrganizationDetail) orgDetailElement {
	out := orgDetailElement{
		OrganizationID: d.OrganizationID.String(),
		UniqueName:     d.UniqueName,
		FriendlyName:   d.FriendlyName,
		URLName:        d.URLName,
		Version:        d.Version,
		EnvironmentID:  d.EnvironmentID,
		TenantID:       d.TenantID,
		Geo:            d.Geo,
	}
	keys := make([]string, 0, len(d.Endpoints))
	for k := range d.Endpoints {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	for _, k := range keys {
		out.Endpoints = append(out.Endpoints, stringPair{Key: k, Value: d.Endpoints[xrm.EndpointType(k)]})
	}
	return out
}

func decodeDetail(el orgDetailElement) xrm.OrganizationDetail {
	d := xrm.NewOrganizationDetail()
	d.OrganizationID, _ = uuid.Parse(el.OrganizationID)
	d.UniqueName = el.UniqueName
	d.FriendlyName = el.FriendlyName
	d.URLName = el.URLName
	d.EnvironmentID = el.EnvironmentID
	d.TenantID = el.TenantID
	d.Geo = el.Geo
	if el.Version != "" {
		d.Version = el.Version
	}
	for _, p := range el.Endpoints {
		d.Endpoints[xrm.EndpointType(p.Key)] = p.Value
	}
	return d
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
