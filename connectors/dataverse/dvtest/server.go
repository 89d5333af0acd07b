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

// Package dvtest runs an in-process fake of the platform for tests. One
// httptest server answers the web API, the legacy SOAP organization service,
// the SOAP and JSON discovery services and the bearer challenge. Faults can
// be queued per operation and every request is logged.
package dvtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"dataverse/platform/connectors/dataverse/discovery"
	"dataverse/platform/connectors/dataverse/soap"
	"dataverse/platform/connectors/dataverse/transport"
	"dataverse/platform/connectors/dataverse/xrm"
)

// Defaults of a new server
const (
	DefaultVersion   = "9.2.24034.200"
	DefaultTenantID  = "72f988bf-86f1-41af-91ab-2d7cd011db47"
	DefaultOrgName   = "org1a2b"
	DefaultFriendly  = "Contoso"
	AffinityCookie   = "ARRAffinity"
	globalInstances  = "/api/discovery/v2.0/Instances"
	protocolWebAPI   = "webapi"
	protocolSOAP     = "soap"
	protocolDiscover = "discovery"
)

// Request is one logged request
type Request struct {
	Protocol  string
	Operation string
	Method    string
	Path      string
	Header    http.Header
}

// TrackingID returns the client request id the request carried
func (r Request) TrackingID() uuid.UUID {
	return transport.TrackingID(r.Header)
}

// Fault is a canned failure returned instead of handling an operation.
type Fault struct {
	// Operation is a request name such as "Create" or "WhoAmI"; empty
	// matches every operation
	Operation string
	Status    int
	ErrorCode int32
	Message   string
	// RetryAfter is sent as the Retry-After header when set
	RetryAfter string
	// Times is how often the fault fires; zero means once
	Times int
}

// Server is the fake platform. Configure it with options; the exported
// identity fields are fixed once NewServer returns.
type Server struct {
	*httptest.Server

	OrganizationID uuid.UUID
	UserID         uuid.UUID
	BusinessUnitID uuid.UUID
	EnvironmentID  string

	version   string
	tenantID  string
	token     string
	basicUser string
	basicPass string
	dopHint   int

	mu     sync.Mutex
	tables map[string]*table
	orgs   []xrm.OrgDirectoryEntry
	faults []*Fault
	log    []Request
}

// Option configures a Server
type Option func(*Server)

// WithToken makes the server accept only this bearer token
func WithToken(token string) Option {
	return func(s *Server) { s.token = token }
}

// WithBasicAuth makes the server accept network credentials
func WithBasicAuth(username, password string) Option {
	return func(s *Server) {
		s.basicUser = username
		s.basicPass = password
	}
}

// WithVersion sets the version reported by RetrieveVersion
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// WithTenant sets the tenant advertised in the bearer challenge
func WithTenant(tenantID string) Option {
	return func(s *Server) { s.tenantID = tenantID }
}

// WithDOPHint sends x-ms-dop-hint on every response
func WithDOPHint(n int) Option {
	return func(s *Server) { s.dopHint = n }
}

// WithTables registers tables up front
func WithTables(tables ...*xrm.EntityMetadata) Option {
	return func(s *Server) {
		for _, m := range tables {
			s.tables[strings.ToLower(m.LogicalName)] = newTable(m)
		}
	}
}

// NewServer starts a fake platform and closes it when the test ends. The
// server lists itself as organization DefaultOrgName in discovery.
func NewServer(t testing.TB, opts ...Option) *Server {
	t.Helper()
	s := &Server{
		OrganizationID: uuid.New(),
		UserID:         uuid.New(),
		BusinessUnitID: uuid.New(),
		EnvironmentID:  uuid.NewString(),
		version:        DefaultVersion,
		tenantID:       DefaultTenantID,
		tables:         make(map[string]*table),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.Server = httptest.NewServer(s.router())
	t.Cleanup(s.Close)

	s.orgs = []xrm.OrgDirectoryEntry{{
		UniqueName:     DefaultOrgName,
		FriendlyName:   DefaultFriendly,
		URLName:        DefaultOrgName,
		OrganizationID: s.OrganizationID,
		EnvironmentID:  s.EnvironmentID,
		TenantID:       s.tenantID,
		Version:        s.version,
		State:          "Enabled",
		Region:         "NAM",
		Endpoints:      xrm.EndpointsFromInstanceURL(s.URL),
	}}
	return s
}

func (s *Server) router() http.Handler {
	r := mux.NewRouter()
	r.Use(s.decorate)

	api := r.PathPrefix("/api/data/v{version}").Subrouter()
	api.HandleFunc("/", s.serviceRoot).Methods(http.MethodGet)
	api.HandleFunc("/WhoAmI", s.authorized("WhoAmI", s.whoAmI)).Methods(http.MethodGet)
	api.HandleFunc("/RetrieveVersion", s.authorized("RetrieveVersion", s.retrieveVersion)).Methods(http.MethodGet)
	api.HandleFunc("/RetrieveCurrentOrganization(AccessType=@p1)", s.authorized("RetrieveCurrentOrganization", s.currentOrganization)).Methods(http.MethodGet)
	api.HandleFunc("/EntityDefinitions(LogicalName='{name}')", s.authorized("EntityDefinitions", s.entityDefinition)).Methods(http.MethodGet)
	api.HandleFunc("/EntityDefinitions(LogicalName='{name}')/Attributes/Microsoft.Dynamics.CRM.{kind}", s.authorized("EntityDefinitions", s.attributeDefinitions)).Methods(http.MethodGet)
	api.HandleFunc("/ExportSolution", s.authorized("ExportSolution", s.exportSolution)).Methods(http.MethodPost)
	api.HandleFunc("/ImportSolution", s.authorized("ImportSolution", s.importSolution)).Methods(http.MethodPost)
	api.HandleFunc("/StageSolution", s.authorized("StageSolution", s.stageSolution)).Methods(http.MethodPost)
	api.HandleFunc("/{set}({id})", s.authorized("", s.record)).Methods(http.MethodGet, http.MethodPatch, http.MethodDelete)
	api.HandleFunc("/{set}", s.authorized("", s.collection)).Methods(http.MethodGet, http.MethodPost)

	r.HandleFunc(transport.LegacyPath, s.organizationService).Methods(http.MethodPost)
	r.HandleFunc(discovery.LegacyDiscoveryPath, s.discoveryService).Methods(http.MethodPost)
	r.HandleFunc(discovery.RegionalInstancesPath, s.instances).Methods(http.MethodGet)
	r.HandleFunc(globalInstances, s.instances).Methods(http.MethodGet)
	return r
}

// decorate adds the affinity cookie and the parallelism hint
func (s *Server) decorate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: AffinityCookie, Value: "node-1", Path: "/"})
		if s.dopHint > 0 {
			w.Header().Set(transport.HeaderDOPHint, strconv.Itoa(s.dopHint))
		}
		next.ServeHTTP(w, r)
	})
}

// DiscoveryURL is the regional instance directory of the server
func (s *Server) DiscoveryURL() string {
	return s.URL + discovery.RegionalInstancesPath
}

// AddOrganization lists another organization in discovery
func (s *Server) AddOrganization(e xrm.OrgDirectoryEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orgs = append(s.orgs, e)
}

// AddTable registers a table
func (s *Server) AddTable(m *xrm.EntityMetadata) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[strings.ToLower(m.LogicalName)] = newTable(m)
}

// Seed stores a record directly
func (s *Server) Seed(e *xrm.Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tables[strings.ToLower(e.LogicalName)]; ok {
		t.put(e.ID, e.Attributes)
	}
}

// Record returns a stored record
func (s *Server) Record(logicalName string, id uuid.UUID) (*xrm.Entity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[strings.ToLower(logicalName)]
	if !ok {
		return nil, false
	}
	row, ok := t.rows[id]
	if !ok {
		return nil, false
	}
	return t.entity(id, row, xrm.AllColumns()), true
}

// Count returns the number of records of a table
func (s *Server) Count(logicalName string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tables[strings.ToLower(logicalName)]; ok {
		return len(t.rows)
	}
	return 0
}

// InjectFault queues a fault
func (s *Server) InjectFault(f Fault) {
	if f.Times <= 0 {
		f.Times = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, &f)
}

// Requests returns the request log
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.log))
	copy(out, s.log)
	return out
}

// Calls returns the logged requests of one operation
func (s *Server) Calls(operation string) []Request {
	var out []Request
	for _, r := range s.Requests() {
		if r.Operation == operation {
			out = append(out, r)
		}
	}
	return out
}

// ResetLog clears the request log
func (s *Server) ResetLog() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = nil
}

func (s *Server) record(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.retrieve(w, r)
	case http.MethodPatch:
		s.patch(w, r)
	case http.MethodDelete:
		s.remove(w, r)
	}
}

func (s *Server) collection(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		s.create(w, r)
		return
	}
	s.retrieveMultiple(w, r)
}

// webAPIOperation names the request a web API call stands for
func webAPIOperation(r *http.Request, fixed string) string {
	if fixed != "" {
		return fixed
	}
	_, hasID := mux.Vars(r)["id"]
	switch {
	case r.Method == http.MethodPost:
		return xrm.RequestCreate
	case r.Method == http.MethodDelete:
		return xrm.RequestDelete
	case r.Method == http.MethodPatch && r.Header.Get("If-Match") != "":
		return xrm.RequestUpdate
	case r.Method == http.MethodPatch:
		return xrm.RequestUpsert
	case hasID:
		return xrm.RequestRetrieve
	default:
		return xrm.RequestRetrieveMultiple
	}
}

// authorized logs the call, checks credentials and fires queued faults
// before handing over to h.
func (s *Server) authorized(operation string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		op := webAPIOperation(r, operation)
		s.logRequest(protocolWebAPI, op, r)
		if !s.checkAuth(w, r) {
			return
		}
		if f := s.nextFault(op); f != nil {
			writeWebAPIFault(w, f)
			return
		}
		h(w, r)
	}
}

func (s *Server) logRequest(protocol, operation string, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = append(s.log, Request{
		Protocol:  protocol,
		Operation: operation,
		Method:    r.Method,
		Path:      r.URL.Path,
		Header:    r.Header.Clone(),
	})
}

func (s *Server) nextFault(operation string) *Fault {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, f := range s.faults {
		if f.Operation != "" && !strings.EqualFold(f.Operation, operation) {
			continue
		}
		f.Times--
		if f.Times <= 0 {
			s.faults = append(s.faults[:i], s.faults[i+1:]...)
		}
		return f
	}
	return nil
}

// checkAuth validates the Authorization header and answers 401 with a
// bearer challenge when it is missing or wrong.
func (s *Server) checkAuth(w http.ResponseWriter, r *http.Request) bool {
	authz := r.Header.Get("Authorization")
	ok := false
	switch {
	case strings.HasPrefix(authz, "Bearer "):
		ok = s.token == "" || strings.TrimPrefix(authz, "Bearer ") == s.token
	case strings.HasPrefix(authz, "Basic "):
		user, pass, _ := r.BasicAuth()
		ok = s.basicUser == "" || (user == s.basicUser && pass == s.basicPass)
	}
	if ok {
		return true
	}
	s.challenge(w)
	writeJSON(w, http.StatusUnauthorized, errorEnvelope("0x80040220", "The user is not authenticated"))
	return false
}

func (s *Server) challenge(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", fmt.Sprintf(
		"Bearer authorization_uri=https://login.microsoftonline.com/%s/oauth2/authorize, resource_id=%s/",
		s.tenantID, s.URL))
}

func (s *Server) serviceRoot(w http.ResponseWriter, r *http.Request) {
	s.logRequest(protocolWebAPI, "ServiceRoot", r)
	if !s.checkAuth(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"@odata.context": s.URL + r.URL.Path + "$metadata"})
}

func errorEnvelope(code, message string) map[string]interface{} {
	return map[string]interface{}{"error": map[string]interface{}{"code": code, "message": message}}
}

func writeWebAPIFault(w http.ResponseWriter, f *Fault) {
	status := f.Status
	if status == 0 {
		status = http.StatusBadRequest
	}
	if f.RetryAfter != "" {
		w.Header().Set("Retry-After", f.RetryAfter)
	}
	code := ""
	if f.ErrorCode != 0 {
		code = xrm.FormatErrorCode(f.ErrorCode)
	}
	writeJSON(w, status, errorEnvelope(code, f.Message))
}

func writeError(w http.ResponseWriter, status int, code int32, message string) {
	writeJSON(w, status, errorEnvelope(xrm.FormatErrorCode(code), message))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; odata.metadata=minimal")
	w.Header().Set("OData-Version", "4.0")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeSOAP(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", soap.ContentType)
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
