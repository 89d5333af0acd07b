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

package dvtest

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"dataverse/platform/connectors/dataverse/xrm"
)

type row struct {
	attrs   map[string]interface{}
	version int
}

// table stores records with typed attribute values, the same values the
// xrm types carry, so both protocols read and write one store.
type table struct {
	meta *xrm.EntityMetadata
	rows map[uuid.UUID]*row
	// order keeps insertion order for unsorted queries
	order   []uuid.UUID
	version int
}

func newTable(m *xrm.EntityMetadata) *table {
	attrs := make(map[string]*xrm.AttributeMetadata, len(m.Attributes))
	for k, v := range m.Attributes {
		attrs[strings.ToLower(k)] = v
	}
	meta := *m
	meta.Attributes = attrs
	return &table{meta: &meta, rows: make(map[uuid.UUID]*row)}
}

func (t *table) put(id uuid.UUID, attrs map[string]interface{}) *row {
	r, ok := t.rows[id]
	if !ok {
		r = &row{attrs: make(map[string]interface{})}
		t.rows[id] = r
		t.order = append(t.order, id)
	}
	for k, v := range attrs {
		r.attrs[strings.ToLower(k)] = v
	}
	if t.meta.PrimaryIDAttribute != "" {
		r.attrs[t.meta.PrimaryIDAttribute] = id
	}
	t.version++
	r.version = t.version
	return r
}

func (t *table) delete(id uuid.UUID) {
	delete(t.rows, id)
	for i, v := range t.order {
		if v == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

func (t *table) entity(id uuid.UUID, r *row, cols xrm.ColumnSet) *xrm.Entity {
	e := xrm.NewEntity(t.meta.LogicalName)
	e.ID = id
	e.RowVersion = strconv.Itoa(r.version)
	for k, v := range r.attrs {
		if !selected(cols, k) && k != t.meta.PrimaryIDAttribute {
			continue
		}
		e.Set(k, v)
	}
	return e
}

func selected(cols xrm.ColumnSet, name string) bool {
	if cols.AllColumns || len(cols.Columns) == 0 {
		return true
	}
	for _, c := range cols.Columns {
		if strings.EqualFold(c, name) {
			return true
		}
	}
	return false
}

// query evaluates conditions, orders and top over the table
func (t *table) query(q *xrm.QueryExpression) ([]*xrm.Entity, error) {
	var out []*xrm.Entity
	for _, id := range t.order {
		r := t.rows[id]
		ok, err := matches(r.attrs, q.Criteria)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, t.entity(id, r, q.ColumnSet))
		}
	}

	if len(q.Orders) > 0 {
		rows := make(map[*xrm.Entity]map[string]interface{}, len(out))
		for _, e := range out {
			rows[e] = t.rows[e.ID].attrs
		}
		sort.SliceStable(out, func(i, j int) bool {
			for _, o := range q.Orders {
				name := strings.ToLower(o.Attribute)
				c, _ := compare(rows[out[i]][name], rows[out[j]][name])
				if c == 0 {
					continue
				}
				if o.Descending {
					return c > 0
				}
				return c < 0
			}
			return false
		})
	}
	if q.TopCount > 0 && len(out) > q.TopCount {
		out = out[:q.TopCount]
	}
	return out, nil
}

func matches(attrs map[string]interface{}, criteria []xrm.ConditionExpression) (bool, error) {
	for _, cond := range criteria {
		v := attrs[strings.ToLower(cond.Attribute)]
		switch cond.Operator {
		case xrm.ConditionNull:
			if v != nil {
				return false, nil
			}
			continue
		case xrm.ConditionNotNull:
			if v == nil {
				return false, nil
			}
			continue
		}
		if len(cond.Values) != 1 {
			return false, fmt.Errorf("operator %s needs one value", cond.Operator)
		}
		want := cond.Values[0]

		if cond.Operator == xrm.ConditionLike {
			pattern, _ := want.(string)
			if !like(fmt.Sprint(v), pattern) {
				return false, nil
			}
			continue
		}
		c, comparable := compare(v, want)
		var ok bool
		switch cond.Operator {
		case xrm.ConditionEqual:
			ok = comparable && c == 0
		case xrm.ConditionNotEqual:
			ok = !comparable || c != 0
		case xrm.ConditionGreaterThan:
			ok = comparable && c > 0
		case xrm.ConditionLessThan:
			ok = comparable && c < 0
		default:
			return false, fmt.Errorf("unsupported operator %s", cond.Operator)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// like matches a pattern with leading and trailing % wildcards
func like(s, pattern string) bool {
	s = strings.ToLower(s)
	lead := strings.HasPrefix(pattern, "%")
	trail := strings.HasSuffix(pattern, "%")
	p := strings.ToLower(strings.Trim(pattern, "%"))
	switch {
	case lead && trail:
		return strings.Contains(s, p)
	case trail:
		return strings.HasPrefix(s, p)
	case lead:
		return strings.HasSuffix(s, p)
	default:
		return s == p
	}
}

// compare orders two attribute values. Numbers compare numerically, ids
// and strings case-insensitively.
func compare(a, b interface{}) (int, bool) {
	if a == nil || b == nil {
		if a == nil && b == nil {
			return 0, true
		}
		return 0, false
	}
	if x, ok := number(a); ok {
		y, ok := number(b)
		if !ok {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	}
	if x, ok := a.(time.Time); ok {
		y, ok := b.(time.Time)
		if !ok {
			parsed, err := time.Parse(time.RFC3339, fmt.Sprint(b))
			if err != nil {
				return 0, false
			}
			y = parsed
		}
		return x.Compare(y), true
	}
	return strings.Compare(strings.ToLower(text(a)), strings.ToLower(text(b))), true
}

func number(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case float64:
		return x, true
	case xrm.OptionSetValue:
		return float64(x.Value), true
	case xrm.Money:
		return x.Value, true
	}
	return 0, false
}

func text(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case uuid.UUID:
		return x.String()
	case xrm.EntityReference:
		return x.ID.String()
	case bool:
		return strconv.FormatBool(x)
	}
	return fmt.Sprint(v)
}
