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
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"dataverse/platform/connectors/dataverse/xrm"
)

func (s *Server) whoAmI(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"UserId":         s.UserID,
		"BusinessUnitId": s.BusinessUnitID,
		"OrganizationId": s.OrganizationID,
	})
}

func (s *Server) retrieveVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"Version": s.version})
}

func (s *Server) currentOrganization(w http.ResponseWriter, r *http.Request) {
	d := s.detail()
	var keys, values []string
	for k, v := range d.Endpoints {
		keys = append(keys, string(k))
		values = append(values, v)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"Detail": map[string]interface{}{
			"OrganizationId":      d.OrganizationID,
			"FriendlyName":        d.FriendlyName,
			"UniqueName":          d.UniqueName,
			"UrlName":             d.URLName,
			"TenantId":            d.TenantID,
			"EnvironmentId":       d.EnvironmentID,
			"OrganizationVersion": d.Version,
			"Geo":                 d.Geo,
			"Endpoints":           map[string]interface{}{"Keys": keys, "Values": values},
		},
	})
}

// detail describes the organization the server itself hosts
func (s *Server) detail() xrm.OrganizationDetail {
	s.mu.Lock()
	self := s.orgs[0]
	s.mu.Unlock()

	d := xrm.DetailFromDirectoryEntry(self)
	d.Version = s.version
	d.Geo = self.Region
	return d
}

func (s *Server) lookupTable(name string) (*table, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[strings.ToLower(name)]
	return t, ok
}

func (s *Server) tableBySet(set string) (*table, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tables {
		if strings.EqualFold(t.meta.EntitySetName, set) {
			return t, true
		}
	}
	return nil, false
}

func (s *Server) entityDefinition(w http.ResponseWriter, r *http.Request) {
	t, ok := s.lookupTable(mux.Vars(r)["name"])
	if !ok {
		writeError(w, http.StatusNotFound, xrm.ErrorCodeObjectDoesNotExist, "Could not find an entity with the specified name")
		return
	}
	attrs := make([]map[string]interface{}, 0, len(t.meta.Attributes))
	for _, a := range t.meta.Attributes {
		attrs = append(attrs, map[string]interface{}{
			"LogicalName":   a.LogicalName,
			"SchemaName":    a.SchemaName,
			"AttributeType": string(a.AttributeType),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"LogicalName":          t.meta.LogicalName,
		"EntitySetName":        t.meta.EntitySetName,
		"PrimaryIdAttribute":   t.meta.PrimaryIDAttribute,
		"PrimaryNameAttribute": t.meta.PrimaryNameAttribute,
		"Attributes":           attrs,
	})
}

func (s *Server) attributeDefinitions(w http.ResponseWriter, r *http.Request) {
	t, ok := s.lookupTable(mux.Vars(r)["name"])
	if !ok {
		writeError(w, http.StatusNotFound, xrm.ErrorCodeObjectDoesNotExist, "Could not find an entity with the specified name")
		return
	}
	values := []map[string]interface{}{}
	for _, a := range t.meta.Attributes {
		switch mux.Vars(r)["kind"] {
		case "LookupAttributeMetadata":
			if a.AttributeType.IsLookup() {
				values = append(values, map[string]interface{}{"LogicalName": a.LogicalName, "Targets": a.Targets})
			}
		case "DateTimeAttributeMetadata":
			if a.AttributeType == xrm.AttributeDateTime {
				behavior := a.DateTimeBehavior
				if behavior == "" {
					behavior = xrm.DateTimeUserLocal
				}
				values = append(values, map[string]interface{}{
					"LogicalName":      a.LogicalName,
					"DateTimeBehavior": map[string]interface{}{"Value": string(behavior)},
				})
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"value": values})
}

func (s *Server) create(w http.ResponseWriter, r *http.Request) {
	t, ok := s.tableBySet(mux.Vars(r)["set"])
	if !ok {
		writeError(w, http.StatusNotFound, xrm.ErrorCodeObjectDoesNotExist, "Resource not found for the segment '"+mux.Vars(r)["set"]+"'")
		return
	}
	attrs, err := s.readPayload(t, r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorEnvelope("0x80048d19", err.Error()))
		return
	}

	id := uuid.New()
	if v, ok := attrs[t.meta.PrimaryIDAttribute].(uuid.UUID); ok && v != uuid.Nil {
		id = v
	}
	s.mu.Lock()
	if _, exists := t.rows[id]; exists {
		s.mu.Unlock()
		writeError(w, http.StatusPreconditionFailed, -2147088239, "A record with matching key values already exists")
		return
	}
	t.put(id, attrs)
	s.mu.Unlock()

	w.Header().Set("OData-EntityId", s.recordURL(r, t, id))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) recordURL(r *http.Request, t *table, id uuid.UUID) string {
	return s.URL + "/api/data/v" + mux.Vars(r)["version"] + "/" + t.meta.EntitySetName + "(" + id.String() + ")"
}

// patch updates with If-Match and upserts without it
func (s *Server) patch(w http.ResponseWriter, r *http.Request) {
	t, id, ok := s.target(w, r)
	if !ok {
		return
	}
	attrs, err := s.readPayload(t, r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorEnvelope("0x80048d19", err.Error()))
		return
	}

	s.mu.Lock()
	existing, exists := t.rows[id]
	if !s.precondition(w, r, existing, exists) {
		s.mu.Unlock()
		return
	}
	t.put(id, attrs)
	s.mu.Unlock()

	w.Header().Set("OData-EntityId", s.recordURL(r, t, id))
	if exists {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) remove(w http.ResponseWriter, r *http.Request) {
	t, id, ok := s.target(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	existing, exists := t.rows[id]
	if !exists {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, xrm.ErrorCodeObjectDoesNotExist, t.meta.LogicalName+" With Id = "+id.String()+" Does Not Exist")
		return
	}
	if !s.precondition(w, r, existing, exists) {
		s.mu.Unlock()
		return
	}
	t.delete(id)
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

// precondition applies If-Match. Callers hold s.mu.
func (s *Server) precondition(w http.ResponseWriter, r *http.Request, existing *row, exists bool) bool {
	match := r.Header.Get("If-Match")
	switch {
	case match == "":
		return true
	case match == "*":
		if !exists {
			writeError(w, http.StatusNotFound, xrm.ErrorCodeObjectDoesNotExist, "Record does not exist")
			return false
		}
		return true
	default:
		want := strings.Trim(strings.TrimPrefix(match, "W/"), `"`)
		if !exists || strconv.Itoa(existing.version) != want {
			writeError(w, http.StatusPreconditionFailed, xrm.ErrorCodeConcurrencyMismatch, "The version of the existing record doesn't match the RowVersion property provided.")
			return false
		}
		return true
	}
}

func (s *Server) target(w http.ResponseWriter, r *http.Request) (*table, uuid.UUID, bool) {
	vars := mux.Vars(r)
	t, ok := s.tableBySet(vars["set"])
	if !ok {
		writeError(w, http.StatusNotFound, xrm.ErrorCodeObjectDoesNotExist, "Resource not found for the segment '"+vars["set"]+"'")
		return nil, uuid.Nil, false
	}
	id, err := uuid.Parse(vars["id"])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorEnvelope("0x80060888", "Bad Request - Error in query syntax."))
		return nil, uuid.Nil, false
	}
	return t, id, true
}

func (s *Server) retrieve(w http.ResponseWriter, r *http.Request) {
	t, id, ok := s.target(w, r)
	if !ok {
		return
	}
	cols := selectColumns(t, r.URL.Query().Get("$select"))

	s.mu.Lock()
	existing, exists := t.rows[id]
	var e *xrm.Entity
	if exists {
		e = t.entity(id, existing, cols)
	}
	s.mu.Unlock()
	if !exists {
		writeError(w, http.StatusNotFound, xrm.ErrorCodeObjectDoesNotExist, t.meta.LogicalName+" With Id = "+id.String()+" Does Not Exist")
		return
	}
	writeJSON(w, http.StatusOK, render(t, e))
}

func (s *Server) retrieveMultiple(w http.ResponseWriter, r *http.Request) {
	set := mux.Vars(r)["set"]
	t, ok := s.tableBySet(set)
	if !ok {
		writeError(w, http.StatusNotFound, xrm.ErrorCodeObjectDoesNotExist, "Resource not found for the segment '"+set+"'")
		return
	}
	q, err := parseQuery(t, r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorEnvelope("0x80060888", err.Error()))
		return
	}

	s.mu.Lock()
	found, err := t.query(q)
	s.mu.Unlock()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorEnvelope("0x80060888", err.Error()))
		return
	}
	rows := make([]map[string]interface{}, 0, len(found))
	for _, e := range found {
		rows = append(rows, render(t, e))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"value": rows})
}

func (s *Server) exportSolution(w http.ResponseWriter, r *http.Request) {
	var in struct {
		SolutionName string `json:"SolutionName"`
	}
	_ = json.NewDecoder(r.Body).Decode(&in)
	writeJSON(w, http.StatusOK, map[string]interface{}{"ExportSolutionFile": []byte("solution:" + in.SolutionName)})
}

func (s *Server) importSolution(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) stageSolution(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		xrm.ResultStageSolution: map[string]interface{}{"StageSolutionUploadId": uuid.NewString()},
	})
}

// readPayload converts a JSON record body into typed attribute values
func (s *Server) readPayload(t *table, r *http.Request) (map[string]interface{}, error) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	raw := map[string]interface{}{}
	if len(bytes.TrimSpace(data)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&raw); err != nil {
			return nil, err
		}
	}

	out := make(map[string]interface{}, len(raw))
	for key, v := range raw {
		if nav, ok := strings.CutSuffix(key, "@odata.bind"); ok {
			name, ref, err := s.bind(t, nav, v)
			if err != nil {
				return nil, err
			}
			out[name] = ref
			continue
		}
		attr := t.meta.Attribute(key)
		if attr == nil {
			return nil, &xrm.MetadataNotFoundError{Entity: t.meta.LogicalName, Attribute: key}
		}
		out[strings.ToLower(key)] = fromJSON(attr, v)
	}
	return out, nil
}

// bind resolves "nav@odata.bind": "/set(id)" into a lookup value
func (s *Server) bind(t *table, nav string, v interface{}) (string, interface{}, error) {
	for name, attr := range t.meta.Attributes {
		if !attr.AttributeType.IsLookup() {
			continue
		}
		if v == nil {
			if strings.EqualFold(attr.NavigationProperty(""), nav) {
				return name, nil, nil
			}
			continue
		}
		path, _ := v.(string)
		path = strings.TrimPrefix(path, "/")
		open := strings.Index(path, "(")
		if open < 0 || !strings.HasSuffix(path, ")") {
			return "", nil, &xrm.MetadataNotFoundError{Entity: t.meta.LogicalName, Attribute: nav}
		}
		target, ok := s.tableBySet(path[:open])
		if !ok {
			continue
		}
		if !strings.EqualFold(attr.NavigationProperty(target.meta.LogicalName), nav) {
			continue
		}
		id, err := uuid.Parse(path[open+1 : len(path)-1])
		if err != nil {
			return "", nil, err
		}
		return name, xrm.EntityReference{LogicalName: target.meta.LogicalName, ID: id}, nil
	}
	return "", nil, &xrm.MetadataNotFoundError{Entity: t.meta.LogicalName, Attribute: nav}
}

func fromJSON(attr *xrm.AttributeMetadata, v interface{}) interface{} {
	if v == nil {
		return nil
	}
	n, isNumber := v.(json.Number)
	str, _ := v.(string)
	switch attr.AttributeType {
	case xrm.AttributeInteger:
		i, _ := n.Int64()
		return int(i)
	case xrm.AttributeBigInt:
		i, _ := n.Int64()
		return i
	case xrm.AttributeDecimal, xrm.AttributeDouble:
		f, _ := n.Float64()
		return f
	case xrm.AttributeMoney:
		f, _ := n.Float64()
		return xrm.Money{Value: f}
	case xrm.AttributePicklist, xrm.AttributeState, xrm.AttributeStatus:
		i, _ := n.Int64()
		return xrm.OptionSetValue{Value: int(i)}
	case xrm.AttributeMultiSelectPicklist:
		var coll xrm.OptionSetValueCollection
		for _, part := range strings.Split(str, ",") {
			if i, err := strconv.Atoi(strings.TrimSpace(part)); err == nil {
				coll = append(coll, xrm.OptionSetValue{Value: i})
			}
		}
		return coll
	case xrm.AttributeDateTime:
		if t, err := time.Parse(time.RFC3339, str); err == nil {
			return t
		}
		if t, err := time.Parse("2006-01-02", str); err == nil {
			return t
		}
	case xrm.AttributeUniqueIdentifier:
		if id, err := uuid.Parse(str); err == nil {
			return id
		}
	}
	if isNumber {
		f, _ := n.Float64()
		return f
	}
	return v
}

// render writes a record the way the web API returns it
func render(t *table, e *xrm.Entity) map[string]interface{} {
	out := map[string]interface{}{"@odata.etag": `W/"` + e.RowVersion + `"`}
	for k, v := range e.Attributes {
		switch x := v.(type) {
		case xrm.EntityReference:
			field := "_" + k + "_value"
			out[field] = x.ID.String()
			out[field+"@Microsoft.Dynamics.CRM.lookuplogicalname"] = x.LogicalName
			if x.Name != "" {
				out[field+"@OData.Community.Display.V1.FormattedValue"] = x.Name
			}
		case xrm.OptionSetValue:
			out[k] = x.Value
		case xrm.OptionSetValueCollection:
			out[k] = x.Join()
		case xrm.Money:
			out[k] = x.Value
		case time.Time:
			behavior := xrm.DateTimeUserLocal
			if a := t.meta.Attribute(k); a != nil && a.DateTimeBehavior != "" {
				behavior = a.DateTimeBehavior
			}
			out[k] = xrm.FormatDateTime(x, behavior)
		case uuid.UUID:
			out[k] = x.String()
		case nil:
			if a := t.meta.Attribute(k); a != nil && a.AttributeType.IsLookup() {
				out["_"+k+"_value"] = nil
			} else {
				out[k] = nil
			}
		default:
			out[k] = v
		}
	}
	return out
}

// selectColumns maps $select back onto attribute names
func selectColumns(t *table, sel string) xrm.ColumnSet {
	if sel == "" {
		return xrm.AllColumns()
	}
	var cols []string
	for _, f := range strings.Split(sel, ",") {
		cols = append(cols, attributeName(strings.TrimSpace(f)))
	}
	return xrm.NewColumnSet(cols...)
}

func attributeName(field string) string {
	if strings.HasPrefix(field, "_") && strings.HasSuffix(field, "_value") && len(field) > len("__value") {
		return field[1 : len(field)-len("_value")]
	}
	return strings.ToLower(field)
}

// parseQuery reads $select, $filter, $orderby and $top. Filters are the
// conjunctions of simple comparisons the client produces.
func parseQuery(t *table, r *http.Request) (*xrm.QueryExpression, error) {
	params := r.URL.Query()
	q := &xrm.QueryExpression{EntityName: t.meta.LogicalName, ColumnSet: selectColumns(t, params.Get("$select"))}

	if filter := params.Get("$filter"); filter != "" {
		for _, clause := range strings.Split(filter, " and ") {
			cond, err := parseCondition(strings.TrimSpace(clause))
			if err != nil {
				return nil, err
			}
			q.Criteria = append(q.Criteria, cond)
		}
	}
	if order := params.Get("$orderby"); order != "" {
		for _, part := range strings.Split(order, ",") {
			fields := strings.Fields(part)
			if len(fields) == 0 {
				continue
			}
			q.Orders = append(q.Orders, xrm.OrderExpression{
				Attribute:  attributeName(fields[0]),
				Descending: len(fields) > 1 && fields[1] == "desc",
			})
		}
	}
	if top := params.Get("$top"); top != "" {
		n, err := strconv.Atoi(top)
		if err != nil {
			return nil, err
		}
		q.TopCount = n
	}
	return q, nil
}

func parseCondition(clause string) (xrm.ConditionExpression, error) {
	for fn, wrap := range map[string][2]string{
		"contains(":   {"%", "%"},
		"startswith(": {"", "%"},
		"endswith(":   {"%", ""},
	} {
		if rest, ok := strings.CutPrefix(clause, fn); ok {
			field, lit, found := strings.Cut(strings.TrimSuffix(rest, ")"), ",")
			if !found {
				return xrm.ConditionExpression{}, errSyntax(clause)
			}
			v, err := parseLiteral(lit)
			if err != nil {
				return xrm.ConditionExpression{}, err
			}
			s, _ := v.(string)
			return xrm.ConditionExpression{
				Attribute: attributeName(field),
				Operator:  xrm.ConditionLike,
				Values:    []interface{}{wrap[0] + s + wrap[1]},
			}, nil
		}
	}

	parts := strings.SplitN(clause, " ", 3)
	if len(parts) != 3 {
		return xrm.ConditionExpression{}, errSyntax(clause)
	}
	field, op, lit := attributeName(parts[0]), parts[1], parts[2]
	if lit == "null" {
		switch op {
		case "eq":
			return xrm.ConditionExpression{Attribute: field, Operator: xrm.ConditionNull}, nil
		case "ne":
			return xrm.ConditionExpression{Attribute: field, Operator: xrm.ConditionNotNull}, nil
		}
	}
	v, err := parseLiteral(lit)
	if err != nil {
		return xrm.ConditionExpression{}, err
	}
	switch xrm.ConditionOperator(op) {
	case xrm.ConditionEqual, xrm.ConditionNotEqual, xrm.ConditionGreaterThan, xrm.ConditionLessThan:
		return xrm.ConditionExpression{Attribute: field, Operator: xrm.ConditionOperator(op), Values: []interface{}{v}}, nil
	}
	return xrm.ConditionExpression{}, errSyntax(clause)
}

func parseLiteral(lit string) (interface{}, error) {
	lit = strings.TrimSpace(lit)
	switch {
	case strings.HasPrefix(lit, "'") && strings.HasSuffix(lit, "'") && len(lit) >= 2:
		return strings.ReplaceAll(lit[1:len(lit)-1], "''", "'"), nil
	case lit == "true" || lit == "false":
		return lit == "true", nil
	}
	if f, err := strconv.ParseFloat(lit, 64); err == nil {
		return f, nil
	}
	if id, err := uuid.Parse(lit); err == nil {
		return id, nil
	}
	if t, err := time.Parse(time.RFC3339, lit); err == nil {
		return t, nil
	}
	return nil, errSyntax(lit)
}

type syntaxError string

func (e syntaxError) Error() string { return "Syntax error in filter near '" + string(e) + "'" }

func errSyntax(s string) error { return syntaxError(s) }
