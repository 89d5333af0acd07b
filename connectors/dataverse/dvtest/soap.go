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
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"dataverse/platform/connectors/dataverse/soap"
	"dataverse/platform/connectors/dataverse/xrm"
)

// organizationService answers Execute envelopes of the legacy endpoint
func (s *Server) organizationService(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req, _, err := soap.DecodeRequest(body)
	if err != nil {
		s.logRequest(protocolSOAP, "", r)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.logRequest(protocolSOAP, req.RequestName, r)
	if !s.checkSOAPAuth(w, r) {
		return
	}
	if f := s.nextFault(req.RequestName); f != nil {
		writeSOAPFault(w, f)
		return
	}

	resp, fault := s.executeLegacy(req)
	if fault != nil {
		out, _ := soap.EncodeFault(fault)
		writeSOAP(w, http.StatusInternalServerError, out)
		return
	}
	out, err := soap.EncodeResponse(resp)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeSOAP(w, http.StatusOK, out)
}

func (s *Server) checkSOAPAuth(w http.ResponseWriter, r *http.Request) bool {
	authz := r.Header.Get("Authorization")
	ok := false
	switch {
	case strings.HasPrefix(authz, "Bearer "):
		ok = s.token == "" || strings.TrimPrefix(authz, "Bearer ") == s.token
	case strings.HasPrefix(authz, "Basic "):
		user, pass, _ := r.BasicAuth()
		ok = s.basicUser == "" || (user == s.basicUser && pass == s.basicPass)
	case authz == "":
		ok = s.token == "" && s.basicUser == ""
	}
	if !ok {
		s.challenge(w)
		w.WriteHeader(http.StatusUnauthorized)
	}
	return ok
}

func writeSOAPFault(w http.ResponseWriter, f *Fault) {
	status := f.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	if f.RetryAfter != "" {
		w.Header().Set("Retry-After", f.RetryAfter)
	}
	if f.ErrorCode == 0 {
		w.WriteHeader(status)
		_, _ = io.WriteString(w, f.Message)
		return
	}
	out, _ := soap.EncodeFault(&xrm.OrganizationServiceFault{ErrorCode: f.ErrorCode, Message: f.Message})
	writeSOAP(w, status, out)
}

func notFound(logicalName string, id uuid.UUID) *xrm.OrganizationServiceFault {
	return &xrm.OrganizationServiceFault{
		ErrorCode: xrm.ErrorCodeObjectDoesNotExist,
		Message:   logicalName + " With Id = " + id.String() + " Does Not Exist",
	}
}

func missingTarget(request string) *xrm.OrganizationServiceFault {
	return &xrm.OrganizationServiceFault{ErrorCode: -2147220989, Message: request + " requires an entity Target"}
}

// executeLegacy runs one request against the store
func (s *Server) executeLegacy(req *xrm.OrganizationRequest) (*xrm.OrganizationResponse, *xrm.OrganizationServiceFault) {
	resp := xrm.NewOrganizationResponse(req.RequestName)

	switch req.RequestName {
	case xrm.RequestWhoAmI:
		return resp.
			Set(xrm.ResultUserID, s.UserID).
			Set(xrm.ResultBusinessUnitID, s.BusinessUnitID).
			Set(xrm.ResultOrganizationID, s.OrganizationID), nil
	case xrm.RequestRetrieveVersion:
		return resp.Set(xrm.ResultVersion, s.version), nil
	case xrm.RequestRetrieveCurrentOrganization:
		return resp.Set(xrm.ResultDetail, s.detail()), nil
	case xrm.RequestExportSolution:
		name, _ := req.Parameters[xrm.ParamSolutionName].(string)
		return resp.Set(xrm.ResultExportSolutionFile, []byte("solution:"+name)), nil
	case xrm.RequestImportSolution, xrm.RequestStageSolution:
		return resp, nil
	}

	name := req.TargetEntityName()
	t, ok := s.lookupTable(name)
	if !ok {
		return nil, &xrm.OrganizationServiceFault{
			ErrorCode: xrm.ErrorCodeObjectDoesNotExist,
			Message:   "The entity with a name = '" + name + "' was not found in the MetadataCache.",
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch req.RequestName {
	case xrm.RequestCreate:
		e, ok := req.Target()
		if !ok {
			return nil, missingTarget(req.RequestName)
		}
		id := e.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		if _, exists := t.rows[id]; exists {
			return nil, &xrm.OrganizationServiceFault{ErrorCode: -2147088239, Message: "Cannot insert duplicate key."}
		}
		t.put(id, e.Attributes)
		return resp.Set(xrm.ResultID, id), nil

	case xrm.RequestUpdate, xrm.RequestUpsert:
		e, ok := req.Target()
		if !ok {
			return nil, missingTarget(req.RequestName)
		}
		existing, exists := t.rows[e.ID]
		if req.RequestName == xrm.RequestUpdate {
			if !exists {
				return nil, notFound(t.meta.LogicalName, e.ID)
			}
			if req.Concurrency() == xrm.ConcurrencyIfRowVersionMatches && strconv.Itoa(existing.version) != e.RowVersion {
				return nil, &xrm.OrganizationServiceFault{ErrorCode: xrm.ErrorCodeConcurrencyMismatch, Message: "The version of the existing record doesn't match the RowVersion property provided."}
			}
		}
		t.put(e.ID, e.Attributes)
		if req.RequestName == xrm.RequestUpsert {
			resp.Set(xrm.ResultID, e.ID).Set(xrm.ResultRecordCreated, !exists)
		}
		return resp, nil

	case xrm.RequestDelete:
		var (
			id         uuid.UUID
			rowVersion string
		)
		if e, ok := req.Target(); ok {
			id, rowVersion = e.ID, e.RowVersion
		} else if ref, ok := req.TargetReference(); ok {
			id = ref.ID
		}
		existing, exists := t.rows[id]
		if !exists {
			return nil, notFound(t.meta.LogicalName, id)
		}
		if req.Concurrency() == xrm.ConcurrencyIfRowVersionMatches && strconv.Itoa(existing.version) != rowVersion {
			return nil, &xrm.OrganizationServiceFault{ErrorCode: xrm.ErrorCodeConcurrencyMismatch, Message: "The version of the existing record doesn't match the RowVersion property provided."}
		}
		t.delete(id)
		return resp, nil

	case xrm.RequestRetrieve:
		ref, _ := req.TargetReference()
		existing, exists := t.rows[ref.ID]
		if !exists {
			return nil, notFound(t.meta.LogicalName, ref.ID)
		}
		cols, _ := req.Parameters[xrm.ParamColumnSet].(xrm.ColumnSet)
		return resp.Set(xrm.ResultEntity, t.entity(ref.ID, existing, cols)), nil

	case xrm.RequestRetrieveMultiple:
		q, _ := req.Parameters[xrm.ParamQuery].(*xrm.QueryExpression)
		found, err := t.query(q)
		if err != nil {
			return nil, &xrm.OrganizationServiceFault{ErrorCode: -2147217118, Message: err.Error()}
		}
		return resp.Set(xrm.ResultEntityCollection, &xrm.EntityCollection{EntityName: t.meta.LogicalName, Entities: found}), nil
	}

	return nil, &xrm.OrganizationServiceFault{
		ErrorCode: -2147220989,
		Message:   "Unrecognized request name: " + req.RequestName,
	}
}

// discoveryService answers RetrieveOrganizations on the SOAP discovery path
func (s *Server) discoveryService(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req, _, err := soap.DecodeRequest(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.logRequest(protocolDiscover, req.RequestName, r)
	if !s.checkSOAPAuth(w, r) {
		return
	}
	if f := s.nextFault(req.RequestName); f != nil {
		writeSOAPFault(w, f)
		return
	}

	s.mu.Lock()
	orgs := append([]xrm.OrgDirectoryEntry(nil), s.orgs...)
	s.mu.Unlock()
	out, err := soap.EncodeResponse(xrm.NewOrganizationResponse(req.RequestName).Set(xrm.ResultDetails, orgs))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeSOAP(w, http.StatusOK, out)
}

// instances answers the JSON instance directory
func (s *Server) instances(w http.ResponseWriter, r *http.Request) {
	s.logRequest(protocolDiscover, "Instances", r)
	if !s.checkAuth(w, r) {
		return
	}
	if f := s.nextFault("Instances"); f != nil {
		writeWebAPIFault(w, f)
		return
	}

	s.mu.Lock()
	orgs := append([]xrm.OrgDirectoryEntry(nil), s.orgs...)
	s.mu.Unlock()

	rows := make([]map[string]interface{}, 0, len(orgs))
	for _, o := range orgs {
		state := 0
		if o.State != "" && o.State != "Enabled" {
			state = 1
		}
		web := strings.TrimRight(o.Endpoint(xrm.EndpointWebApplication), "/")
		rows = append(rows, map[string]interface{}{
			"Id":            o.OrganizationID.String(),
			"UniqueName":    o.UniqueName,
			"UrlName":       o.URLName,
			"FriendlyName":  o.FriendlyName,
			"State":         state,
			"Version":       o.Version,
			"Url":           web,
			"ApiUrl":        web,
			"Region":        o.Region,
			"TenantId":      o.TenantID,
			"EnvironmentId": o.EnvironmentID,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"value": rows})
}
