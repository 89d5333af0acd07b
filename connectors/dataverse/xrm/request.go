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
	"strings"

	"github.com/google/uuid"
)

// Request names understood by the platform.
const (
	RequestCreate                      = "Create"
	RequestUpdate                      = "Update"
	RequestUpsert                      = "Upsert"
	RequestDelete                      = "Delete"
	RequestRetrieve                    = "Retrieve"
	RequestRetrieveMultiple            = "RetrieveMultiple"
	RequestWhoAmI                      = "WhoAmI"
	RequestRetrieveVersion             = "RetrieveVersion"
	RequestRetrieveCurrentOrganization = "RetrieveCurrentOrganization"
	RequestImportSolution              = "ImportSolution"
	RequestExportSolution              = "ExportSolution"
	RequestStageSolution               = "StageSolution"
	RequestRetrieveOrganizations       = "RetrieveOrganizations"
)

// Well-known request parameter and response result keys.
const (
	ParamTarget              = "Target"
	ParamColumnSet           = "ColumnSet"
	ParamQuery               = "Query"
	ParamConcurrencyBehavior = "ConcurrencyBehavior"
	ParamSolutionName        = "SolutionName"
	ParamManaged             = "Managed"
	ParamCustomizationFile   = "CustomizationFile"
	ParamOverwriteUnmanaged  = "OverwriteUnmanagedCustomizations"
	ParamPublishWorkflows    = "PublishWorkflows"
	ParamImportJobID         = "ImportJobId"
	ParamAccessType          = "AccessType"

	ResultID                 = "id"
	ResultEntity             = "Entity"
	ResultEntityCollection   = "EntityCollection"
	ResultUserID             = "UserId"
	ResultBusinessUnitID     = "BusinessUnitId"
	ResultOrganizationID     = "OrganizationId"
	ResultVersion            = "Version"
	ResultDetail             = "Detail"
	ResultExportSolutionFile = "ExportSolutionFile"
	ResultStageSolution      = "StageSolutionResults"
	ResultRecordCreated      = "RecordCreated"
	ResultDetails            = "Details"
)

// ConcurrencyBehavior selects the optimistic concurrency semantics of an
// update or delete.
type ConcurrencyBehavior int

const (
	// ConcurrencyDefault requires the record to exist (If-Match: *)
	ConcurrencyDefault ConcurrencyBehavior = iota
	// ConcurrencyIfRowVersionMatches requires the stored row version to match
	ConcurrencyIfRowVersionMatches
	// ConcurrencyAlwaysOverwrite applies the change unconditionally
	ConcurrencyAlwaysOverwrite
)

func (c ConcurrencyBehavior) String() string {
	switch c {
	case ConcurrencyIfRowVersionMatches:
		return "IfRowVersionMatches"
	case ConcurrencyAlwaysOverwrite:
		return "AlwaysOverwrite"
	default:
		return "Default"
	}
}

// OrganizationRequest is the generic operation descriptor executed by a
// session: a request name plus named parameters.
type OrganizationRequest struct {
	RequestName string
	Parameters  map[string]interface{}
	// RequestID is the caller's tracking id; uuid.Nil lets the executor
	// generate one.
	RequestID uuid.UUID
}

// NewOrganizationRequest creates a request with no parameters
func NewOrganizationRequest(name string) *OrganizationRequest {
	return &OrganizationRequest{RequestName: name, Parameters: make(map[string]interface{})}
}

// With sets a parameter and returns the request
func (r *OrganizationRequest) With(key string, value interface{}) *OrganizationRequest {
	if r.Parameters == nil {
		r.Parameters = make(map[string]interface{})
	}
	r.Parameters[key] = value
	return r
}

// Target returns the Target parameter when it is an entity
func (r *OrganizationRequest) Target() (*Entity, bool) {
	e, ok := r.Parameters[ParamTarget].(*Entity)
	return e, ok && e != nil
}

// TargetReference returns the Target parameter when it is a reference
func (r *OrganizationRequest) TargetReference() (EntityReference, bool) {
	switch v := r.Parameters[ParamTarget].(type) {
	case EntityReference:
		return v, true
	case *EntityReference:
		if v != nil {
			return *v, true
		}
	}
	return EntityReference{}, false
}

// Concurrency returns the requested concurrency behavior
func (r *OrganizationRequest) Concurrency() ConcurrencyBehavior {
	if c, ok := r.Parameters[ParamConcurrencyBehavior].(ConcurrencyBehavior); ok {
		return c
	}
	return ConcurrencyDefault
}

// TargetEntityName returns the logical name of the table a request acts on,
// or "" when the request has no table target.
func (r *OrganizationRequest) TargetEntityName() string {
	if e, ok := r.Target(); ok {
		return strings.ToLower(e.LogicalName)
	}
	if ref, ok := r.TargetReference(); ok {
		return strings.ToLower(ref.LogicalName)
	}
	if q, ok := r.Parameters[ParamQuery].(*QueryExpression); ok && q != nil {
		return strings.ToLower(q.EntityName)
	}
	return ""
}

// NewCreateRequest creates a Create request
func NewCreateRequest(target *Entity) *OrganizationRequest {
	return NewOrganizationRequest(RequestCreate).With(ParamTarget, target)
}

// NewUpdateRequest creates an Update request
func NewUpdateRequest(target *Entity, behavior ConcurrencyBehavior) *OrganizationRequest {
	return NewOrganizationRequest(RequestUpdate).
		With(ParamTarget, target).
		With(ParamConcurrencyBehavior, behavior)
}

// NewUpsertRequest creates an Upsert request
func NewUpsertRequest(target *Entity) *OrganizationRequest {
	return NewOrganizationRequest(RequestUpsert).With(ParamTarget, target)
}

// NewDeleteRequest creates a Delete request. rowVersion is only consulted
// with ConcurrencyIfRowVersionMatches.
func NewDeleteRequest(target EntityReference, behavior ConcurrencyBehavior, rowVersion string) *OrganizationRequest {
	e := &Entity{LogicalName: target.LogicalName, ID: target.ID, RowVersion: rowVersion}
	return NewOrganizationRequest(RequestDelete).
		With(ParamTarget, e).
		With(ParamConcurrencyBehavior, behavior)
}

// NewRetrieveRequest creates a Retrieve request
func NewRetrieveRequest(target EntityReference, columns ColumnSet) *OrganizationRequest {
	return NewOrganizationRequest(RequestRetrieve).
		With(ParamTarget, target).
		With(ParamColumnSet, columns)
}

// NewRetrieveMultipleRequest creates a RetrieveMultiple request
func NewRetrieveMultipleRequest(query *QueryExpression) *OrganizationRequest {
	return NewOrganizationRequest(RequestRetrieveMultiple).With(ParamQuery, query)
}

// NewWhoAmIRequest creates a WhoAmI request
func NewWhoAmIRequest() *OrganizationRequest {
	return NewOrganizationRequest(RequestWhoAmI)
}

// NewRetrieveVersionRequest creates a RetrieveVersion request
func NewRetrieveVersionRequest() *OrganizationRequest {
	return NewOrganizationRequest(RequestRetrieveVersion)
}

// NewRetrieveCurrentOrganizationRequest creates a
// RetrieveCurrentOrganization request for the default endpoint access type
func NewRetrieveCurrentOrganizationRequest() *OrganizationRequest {
	return NewOrganizationRequest(RequestRetrieveCurrentOrganization).With(ParamAccessType, "Default")
}

// NewExportSolutionRequest creates an ExportSolution request
func NewExportSolutionRequest(solutionName string, managed bool) *OrganizationRequest {
	return NewOrganizationRequest(RequestExportSolution).
		With(ParamSolutionName, solutionName).
		With(ParamManaged, managed)
}

// NewImportSolutionRequest creates an ImportSolution request
func NewImportSolutionRequest(customizationFile []byte, overwriteUnmanaged bool) *OrganizationRequest {
	return NewOrganizationRequest(RequestImportSolution).
		With(ParamCustomizationFile, customizationFile).
		With(ParamOverwriteUnmanaged, overwriteUnmanaged).
		With(ParamPublishWorkflows, true).
		With(ParamImportJobID, uuid.New())
}

// NewStageSolutionRequest creates a StageSolution request
func NewStageSolutionRequest(customizationFile []byte) *OrganizationRequest {
	return NewOrganizationRequest(RequestStageSolution).With(ParamCustomizationFile, customizationFile)
}

// OrganizationResponse carries the named results of an executed request.
type OrganizationResponse struct {
	ResponseName string
	Results      map[string]interface{}
}

// NewOrganizationResponse creates an empty response for a request name
func NewOrganizationResponse(name string) *OrganizationResponse {
	return &OrganizationResponse{ResponseName: name, Results: make(map[string]interface{})}
}

// Set assigns a result and returns the response
func (r *OrganizationResponse) Set(key string, value interface{}) *OrganizationResponse {
	if r.Results == nil {
		r.Results = make(map[string]interface{})
	}
	r.Results[key] = value
	return r
}

// ID returns the id result of a Create or Upsert
func (r *OrganizationResponse) ID() uuid.UUID {
	switch v := r.Results[ResultID].(type) {
	case uuid.UUID:
		return v
	case string:
		id, _ := uuid.Parse(v)
		return id
	}
	return uuid.Nil
}

// Entity returns the Entity result of a Retrieve
func (r *OrganizationResponse) Entity() *Entity {
	e, _ := r.Results[ResultEntity].(*Entity)
	return e
}

// EntityCollection returns the result of a RetrieveMultiple
func (r *OrganizationResponse) EntityCollection() *EntityCollection {
	c, _ := r.Results[ResultEntityCollection].(*EntityCollection)
	return c
}

// GetString returns a string result, or ""
func (r *OrganizationResponse) GetString(key string) string {
	s, _ := r.Results[key].(string)
	return s
}

// UUID returns a uuid result, accepting string encodings
func (r *OrganizationResponse) UUID(key string) uuid.UUID {
	switch v := r.Results[key].(type) {
	case uuid.UUID:
		return v
	case string:
		id, _ := uuid.Parse(v)
		return id
	}
	return uuid.Nil
}

// WhoAmIResult identifies the calling user
type WhoAmIResult struct {
	UserID         uuid.UUID
	BusinessUnitID uuid.UUID
	OrganizationID uuid.UUID
}

// WhoAmI reads the results of a WhoAmI response
func (r *OrganizationResponse) WhoAmI() WhoAmIResult {
	return WhoAmIResult{
		UserID:         r.UUID(ResultUserID),
		BusinessUnitID: r.UUID(ResultBusinessUnitID),
		OrganizationID: r.UUID(ResultOrganizationID),
	}
}
