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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"dataverse/platform/connectors/base"
	"dataverse/platform/connectors/dataverse/xrm"
)

// serialize renders the attributes of e as a web API payload. Every
// attribute needs metadata; guessing a wire shape is not attempted.
func (c *WebAPIClient) serialize(ctx context.Context, meta *xrm.EntityMetadata, e *xrm.Entity) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(e.Attributes))
	for name, v := range e.Attributes {
		attr := meta.Attribute(name)
		if attr == nil {
			return nil, &xrm.MetadataNotFoundError{Entity: meta.LogicalName, Attribute: name}
		}
		key := strings.ToLower(name)

		switch x := v.(type) {
		case nil:
			if attr.AttributeType.IsLookup() {
				out[attr.NavigationProperty("")+"@odata.bind"] = nil
			} else {
				out[key] = nil
			}
		case xrm.EntityReference:
			bind, err := c.bindValue(ctx, x)
			if err != nil {
				return nil, err
			}
			out[attr.NavigationProperty(x.LogicalName)+"@odata.bind"] = bind
		case *xrm.EntityReference:
			if x == nil {
				out[attr.NavigationProperty("")+"@odata.bind"] = nil
				continue
			}
			bind, err := c.bindValue(ctx, *x)
			if err != nil {
				return nil, err
			}
			out[attr.NavigationProperty(x.LogicalName)+"@odata.bind"] = bind
		case xrm.OptionSetValue:
			out[key] = x.Value
		case *xrm.OptionSetValue:
			out[key] = x.Value
		case xrm.OptionSetValueCollection:
			out[key] = x.Join()
		case xrm.Money:
			out[key] = x.Value
		case *xrm.Money:
			out[key] = x.Value
		case time.Time:
			out[key] = xrm.FormatDateTime(x, attr.DateTimeBehavior)
		case uuid.UUID:
			out[key] = x.String()
		default:
			out[key] = v
		}
	}
	return out, nil
}

func (c *WebAPIClient) bindValue(ctx context.Context, ref xrm.EntityReference) (string, error) {
	if ref.LogicalName == "" || ref.ID == uuid.Nil {
		return "", base.NewArgumentError("EntityReference", "reference needs a logical name and an id")
	}
	target, err := c.entityMetadata(ctx, ref.LogicalName)
	if err != nil {
		return "", err
	}
	return "/" + recordPath(target.EntitySetName, ref.ID), nil
}

func decodeObject(body []byte) (map[string]interface{}, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return map[string]interface{}{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var out map[string]interface{}
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode web api response: %w", err)
	}
	return out, nil
}

// parseEntity converts one JSON record into an entity, typing values with
// the attribute metadata where it is known.
func parseEntity(meta *xrm.EntityMetadata, raw map[string]interface{}) *xrm.Entity {
	e := xrm.NewEntity(meta.LogicalName)

	for key, v := range raw {
		switch {
		case key == annotationETag:
			if s, ok := v.(string); ok {
				e.RowVersion = rowVersionFromETag(s)
			}
			continue
		case strings.HasSuffix(key, annotationFormatted):
			name := strings.TrimSuffix(key, annotationFormatted)
			if lookup, ok := lookupAttribute(name); ok {
				name = lookup
			}
			if s, ok := v.(string); ok {
				if e.FormattedValues == nil {
					e.FormattedValues = make(map[string]string)
				}
				e.FormattedValues[name] = s
			}
			continue
		case strings.Contains(key, "@"):
			continue
		}

		if name, ok := lookupAttribute(key); ok {
			if v == nil {
				e.Set(name, nil)
				continue
			}
			s, _ := v.(string)
			id, err := uuid.Parse(s)
			if err != nil {
				continue
			}
			ref := xrm.EntityReference{ID: id}
			ref.LogicalName, _ = raw[key+annotationLookupName].(string)
			ref.Name, _ = raw[key+annotationFormatted].(string)
			e.Set(name, ref)
			continue
		}

		value := convertValue(meta.Attribute(key), v)
		e.Set(key, value)
		if strings.EqualFold(key, meta.PrimaryIDAttribute) {
			if id, ok := value.(uuid.UUID); ok {
				e.ID = id
			} else if s, ok := v.(string); ok {
				if id, err := uuid.Parse(s); err == nil {
					e.ID = id
					e.Set(key, id)
				}
			}
		}
	}
	return e
}

// lookupAttribute maps _name_value to name
func lookupAttribute(key string) (string, bool) {
	if strings.HasPrefix(key, "_") && strings.HasSuffix(key, "_value") && len(key) > len("__value") {
		return key[1 : len(key)-len("_value")], true
	}
	return "", false
}

func rowVersionFromETag(etag string) string {
	etag = strings.TrimPrefix(etag, "W/")
	return strings.Trim(etag, `"`)
}

func convertValue(attr *xrm.AttributeMetadata, v interface{}) interface{} {
	if v == nil {
		return nil
	}
	n, isNumber := v.(json.Number)
	s, isString := v.(string)

	if attr == nil {
		if isNumber {
			if i, err := n.Int64(); err == nil {
				return int(i)
			}
			f, _ := n.Float64()
			return f
		}
		return v
	}

	switch attr.AttributeType {
	case xrm.AttributeInteger:
		if isNumber {
			i, _ := n.Int64()
			return int(i)
		}
	case xrm.AttributeBigInt:
		if isNumber {
			i, _ := n.Int64()
			return i
		}
	case xrm.AttributeDecimal, xrm.AttributeDouble:
		if isNumber {
			f, _ := n.Float64()
			return f
		}
	case xrm.AttributeMoney:
		if isNumber {
			f, _ := n.Float64()
			return xrm.Money{Value: f}
		}
	case xrm.AttributePicklist, xrm.AttributeState, xrm.AttributeStatus:
		if isNumber {
			i, _ := n.Int64()
			return xrm.OptionSetValue{Value: int(i)}
		}
	case xrm.AttributeMultiSelectPicklist:
		if isString {
			var coll xrm.OptionSetValueCollection
			for _, part := range strings.Split(s, ",") {
				if i, err := strconv.Atoi(strings.TrimSpace(part)); err == nil {
					coll = append(coll, xrm.OptionSetValue{Value: i})
				}
			}
			return coll
		}
	case xrm.AttributeDateTime:
		if isString {
			if t, err := time.Parse(time.RFC3339, s); err == nil {
				return t
			}
			if t, err := time.Parse("2006-01-02", s); err == nil {
				return t
			}
		}
	case xrm.AttributeUniqueIdentifier:
		if isString {
			if id, err := uuid.Parse(s); err == nil {
				return id
			}
		}
	}
	if isNumber {
		f, _ := n.Float64()
		return f
	}
	return v
}

func (c *WebAPIClient) selectClause(meta *xrm.EntityMetadata, cols xrm.ColumnSet) string {
	if cols.AllColumns || len(cols.Columns) == 0 {
		return ""
	}
	parts := make([]string, 0, len(cols.Columns))
	for _, col := range cols.Columns {
		parts = append(parts, fieldName(meta, col))
	}
	return strings.Join(parts, ",")
}

// fieldName returns the OData property of an attribute; lookups are read
// through their _name_value property.
func fieldName(meta *xrm.EntityMetadata, attribute string) string {
	name := strings.ToLower(attribute)
	if a := meta.Attribute(name); a != nil && a.AttributeType.IsLookup() {
		return "_" + name + "_value"
	}
	return name
}

func (c *WebAPIClient) queryOptions(meta *xrm.EntityMetadata, q *xrm.QueryExpression) (url.Values, error) {
	query := url.Values{}
	if sel := c.selectClause(meta, q.ColumnSet); sel != "" {
		query.Set("$select", sel)
	}

	filters := make([]string, 0, len(q.Criteria))
	for _, cond := range q.Criteria {
		f, err := filterClause(meta, cond)
		if err != nil {
			return nil, err
		}
		filters = append(filters, f)
	}
	if len(filters) > 0 {
		query.Set("$filter", strings.Join(filters, " and "))
	}

	if len(q.Orders) > 0 {
		orders := make([]string, len(q.Orders))
		for i, o := range q.Orders {
			orders[i] = fieldName(meta, o.Attribute)
			if o.Descending {
				orders[i] += " desc"
			} else {
				orders[i] += " asc"
			}
		}
		query.Set("$orderby", strings.Join(orders, ","))
	}
	if q.TopCount > 0 {
		query.Set("$top", strconv.Itoa(q.TopCount))
	}
	return query, nil
}

func filterClause(meta *xrm.EntityMetadata, cond xrm.ConditionExpression) (string, error) {
	field := fieldName(meta, cond.Attribute)
	switch cond.Operator {
	case xrm.ConditionNull:
		return field + " eq null", nil
	case xrm.ConditionNotNull:
		return field + " ne null", nil
	}
	if len(cond.Values) != 1 {
		return "", base.NewArgumentError("Criteria", fmt.Sprintf("operator %s on %s needs exactly one value", cond.Operator, cond.Attribute))
	}

	if cond.Operator == xrm.ConditionLike {
		pattern, ok := cond.Values[0].(string)
		if !ok {
			return "", base.NewArgumentError("Criteria", "like needs a string pattern")
		}
		lead := strings.HasPrefix(pattern, "%")
		trail := strings.HasSuffix(pattern, "%")
		text := quote(strings.Trim(pattern, "%"))
		switch {
		case lead && trail:
			return "contains(" + field + "," + text + ")", nil
		case trail:
			return "startswith(" + field + "," + text + ")", nil
		case lead:
			return "endswith(" + field + "," + text + ")", nil
		default:
			return field + " eq " + text, nil
		}
	}

	lit, err := literal(cond.Values[0])
	if err != nil {
		return "", err
	}
	switch cond.Operator {
	case xrm.ConditionEqual, xrm.ConditionNotEqual, xrm.ConditionGreaterThan, xrm.ConditionLessThan:
		return field + " " + string(cond.Operator) + " " + lit, nil
	default:
		return "", base.NewArgumentError("Criteria", "unsupported operator "+string(cond.Operator))
	}
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func literal(v interface{}) (string, error) {
	switch x := v.(type) {
	case nil:
		return "null", nil
	case string:
		return quote(x), nil
	case bool:
		return strconv.FormatBool(x), nil
	case int:
		return strconv.Itoa(x), nil
	case int32:
		return strconv.FormatInt(int64(x), 10), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case uuid.UUID:
		return x.String(), nil
	case time.Time:
		return x.UTC().Format(time.RFC3339), nil
	case xrm.OptionSetValue:
		return strconv.Itoa(x.Value), nil
	case xrm.Money:
		return strconv.FormatFloat(x.Value, 'f', -1, 64), nil
	case xrm.EntityReference:
		return x.ID.String(), nil
	default:
		return "", base.NewArgumentError("Criteria", fmt.Sprintf("unsupported filter value %T", v))
	}
}
