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
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"dataverse/platform/connectors/base"
	"dataverse/platform/connectors/dataverse/xrm"
	"dataverse/platform/connectors/sdk"
)

// DefaultAPIVersion is the web API version used when none is configured
const DefaultAPIVersion = "9.2"

const (
	annotationFormatted  = "@OData.Community.Display.V1.FormattedValue"
	annotationLookupName = "@Microsoft.Dynamics.CRM.lookuplogicalname"
	annotationTotalCount = "@Microsoft.Dynamics.CRM.totalrecordcount"
	annotationMore       = "@Microsoft.Dynamics.CRM.morerecords"
	annotationNextLink   = "@odata.nextLink"
	annotationETag       = "@odata.etag"
)

// WebAPIConfig configures a WebAPIClient
type WebAPIConfig struct {
	// BaseURL is the instance URL, e.g. https://contoso.crm.dynamics.com
	BaseURL    string
	APIVersion string
	HTTPClient *http.Client
	Auth       sdk.AuthProvider
	// Metadata resolves entity sets and attribute shapes. When nil the
	// client reads metadata from the instance itself and caches it for
	// MetadataTTL.
	Metadata    xrm.MetadataProvider
	MetadataTTL time.Duration
	UserAgent   string
}

// WebAPIClient translates organization requests into web API calls.
type WebAPIClient struct {
	root       string
	client     *http.Client
	ownsClient bool
	auth       sdk.AuthProvider
	metadata   xrm.MetadataProvider
	userAgent  string
	closeOnce  sync.Once
}

// NewWebAPIClient creates a client for cfg.BaseURL
func NewWebAPIClient(cfg WebAPIConfig) (*WebAPIClient, error) {
	u, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid instance url %q", cfg.BaseURL)
	}
	version := cfg.APIVersion
	if version == "" {
		version = DefaultAPIVersion
	}

	c := &WebAPIClient{
		root:      u.Scheme + "://" + u.Host + "/api/data/v" + version,
		client:    cfg.HTTPClient,
		auth:      cfg.Auth,
		metadata:  cfg.Metadata,
		userAgent: cfg.UserAgent,
	}
	if c.client == nil {
		c.client = NewHTTPClient(0)
		c.ownsClient = true
	}
	if c.metadata == nil {
		c.metadata = NewMetadataCache(NewWebAPIMetadataProvider(c), cfg.MetadataTTL, nil)
	}
	return c, nil
}

// ServiceRoot returns {instance}/api/data/v{version}
func (c *WebAPIClient) ServiceRoot() string {
	return c.root
}

// Metadata returns the metadata provider used for translation
func (c *WebAPIClient) Metadata() xrm.MetadataProvider {
	return c.metadata
}

// Send implements Transport
func (c *WebAPIClient) Send(ctx context.Context, call *Call) (*Reply, error) {
	req := call.Request
	switch req.RequestName {
	case xrm.RequestCreate:
		return c.create(ctx, call)
	case xrm.RequestUpdate:
		return c.update(ctx, call)
	case xrm.RequestUpsert:
		return c.upsert(ctx, call)
	case xrm.RequestDelete:
		return c.delete(ctx, call)
	case xrm.RequestRetrieve:
		return c.retrieve(ctx, call)
	case xrm.RequestRetrieveMultiple:
		return c.retrieveMultiple(ctx, call)
	case xrm.RequestWhoAmI:
		return c.whoAmI(ctx, call)
	case xrm.RequestRetrieveVersion:
		return c.retrieveVersion(ctx, call)
	case xrm.RequestRetrieveCurrentOrganization:
		return c.retrieveCurrentOrganization(ctx, call)
	case xrm.RequestExportSolution:
		return c.exportSolution(ctx, call)
	case xrm.RequestImportSolution:
		return c.importSolution(ctx, call)
	case xrm.RequestStageSolution:
		return c.stageSolution(ctx, call)
	default:
		return nil, &base.UnsupportedOperationError{Operation: req.RequestName, Reason: "no web api mapping"}
	}
}

// Close releases idle connections of a client the transport created itself
func (c *WebAPIClient) Close() error {
	c.closeOnce.Do(func() {
		if c.ownsClient {
			c.client.CloseIdleConnections()
		}
	})
	return nil
}

func (c *WebAPIClient) create(ctx context.Context, call *Call) (*Reply, error) {
	target, ok := call.Request.Target()
	if !ok {
		return nil, base.NewArgumentError(xrm.ParamTarget, "create requires an entity target")
	}
	meta, err := c.entityMetadata(ctx, target.LogicalName)
	if err != nil {
		return nil, err
	}
	payload, err := c.serialize(ctx, meta, target)
	if err != nil {
		return nil, err
	}
	if target.ID != uuid.Nil && meta.PrimaryIDAttribute != "" {
		payload[meta.PrimaryIDAttribute] = target.ID.String()
	}

	res, _, err := c.do(ctx, http.MethodPost, meta.EntitySetName, nil, payload, call, nil)
	if err != nil {
		return nil, err
	}
	id, err := EntityIDFromHeader(res.Header)
	if err != nil {
		return nil, err
	}
	return c.reply(res, xrm.NewOrganizationResponse(xrm.RequestCreate).Set(xrm.ResultID, id)), nil
}

func (c *WebAPIClient) update(ctx context.Context, call *Call) (*Reply, error) {
	target, ok := call.Request.Target()
	if !ok || target.ID == uuid.Nil {
		return nil, base.NewArgumentError(xrm.ParamTarget, "update requires an entity target with an id")
	}
	ifMatch, err := IfMatch(call.Request.Concurrency(), target.RowVersion)
	if err != nil {
		return nil, err
	}
	meta, err := c.entityMetadata(ctx, target.LogicalName)
	if err != nil {
		return nil, err
	}
	payload, err := c.serialize(ctx, meta, target)
	if err != nil {
		return nil, err
	}

	res, _, err := c.do(ctx, http.MethodPatch, recordPath(meta.EntitySetName, target.ID), nil, payload, call, ifMatchHeader(ifMatch))
	if err != nil {
		return nil, err
	}
	return c.reply(res, xrm.NewOrganizationResponse(xrm.RequestUpdate)), nil
}

func (c *WebAPIClient) upsert(ctx context.Context, call *Call) (*Reply, error) {
	target, ok := call.Request.Target()
	if !ok || target.ID == uuid.Nil {
		return nil, base.NewArgumentError(xrm.ParamTarget, "upsert requires an entity target with an id")
	}
	meta, err := c.entityMetadata(ctx, target.LogicalName)
	if err != nil {
		return nil, err
	}
	payload, err := c.serialize(ctx, meta, target)
	if err != nil {
		return nil, err
	}

	res, _, err := c.do(ctx, http.MethodPatch, recordPath(meta.EntitySetName, target.ID), nil, payload, call, nil)
	if err != nil {
		return nil, err
	}
	id := target.ID
	if parsed, err := EntityIDFromHeader(res.Header); err == nil {
		id = parsed
	}
	resp := xrm.NewOrganizationResponse(xrm.RequestUpsert).
		Set(xrm.ResultID, id).
		Set(xrm.ResultRecordCreated, res.StatusCode == http.StatusCreated)
	return c.reply(res, resp), nil
}

func (c *WebAPIClient) delete(ctx context.Context, call *Call) (*Reply, error) {
	var (
		logicalName string
		id          uuid.UUID
		rowVersion  string
	)
	if e, ok := call.Request.Target(); ok {
		logicalName, id, rowVersion = e.LogicalName, e.ID, e.RowVersion
	} else if ref, ok := call.Request.TargetReference(); ok {
		logicalName, id = ref.LogicalName, ref.ID
	}
	if logicalName == "" || id == uuid.Nil {
		return nil, base.NewArgumentError(xrm.ParamTarget, "delete requires a target with an id")
	}
	ifMatch, err := IfMatch(call.Request.Concurrency(), rowVersion)
	if err != nil {
		return nil, err
	}
	meta, err := c.entityMetadata(ctx, logicalName)
	if err != nil {
		return nil, err
	}

	res, _, err := c.do(ctx, http.MethodDelete, recordPath(meta.EntitySetName, id), nil, nil, call, ifMatchHeader(ifMatch))
	if err != nil {
		return nil, err
	}
	return c.reply(res, xrm.NewOrganizationResponse(xrm.RequestDelete)), nil
}

func (c *WebAPIClient) retrieve(ctx context.Context, call *Call) (*Reply, error) {
	ref, ok := call.Request.TargetReference()
	if !ok || ref.ID == uuid.Nil {
		return nil, base.NewArgumentError(xrm.ParamTarget, "retrieve requires an entity reference")
	}
	meta, err := c.entityMetadata(ctx, ref.LogicalName)
	if err != nil {
		return nil, err
	}
	cols, _ := call.Request.Parameters[xrm.ParamColumnSet].(xrm.ColumnSet)
	query := url.Values{}
	if sel := c.selectClause(meta, cols); sel != "" {
		query.Set("$select", sel)
	}

	res, body, err := c.do(ctx, http.MethodGet, recordPath(meta.EntitySetName, ref.ID), query, nil, call, nil)
	if err != nil {
		return nil, err
	}
	raw, err := decodeObject(body)
	if err != nil {
		return nil, err
	}
	e := parseEntity(meta, raw)
	if e.ID == uuid.Nil {
		e.ID = ref.ID
	}
	return c.reply(res, xrm.NewOrganizationResponse(xrm.RequestRetrieve).Set(xrm.ResultEntity, e)), nil
}

func (c *WebAPIClient) retrieveMultiple(ctx context.Context, call *Call) (*Reply, error) {
	q, ok := call.Request.Parameters[xrm.ParamQuery].(*xrm.QueryExpression)
	if !ok || q == nil || q.EntityName == "" {
		return nil, base.NewArgumentError(xrm.ParamQuery, "retrieve multiple requires a query expression")
	}
	meta, err := c.entityMetadata(ctx, q.EntityName)
	if err != nil {
		return nil, err
	}
	query, err := c.queryOptions(meta, q)
	if err != nil {
		return nil, err
	}

	res, body, err := c.do(ctx, http.MethodGet, meta.EntitySetName, query, nil, call, nil)
	if err != nil {
		return nil, err
	}
	raw, err := decodeObject(body)
	if err != nil {
		return nil, err
	}
	coll := &xrm.EntityCollection{EntityName: meta.LogicalName}
	if rows, ok := raw["value"].([]interface{}); ok {
		for _, row := range rows {
			if m, ok := row.(map[string]interface{}); ok {
				coll.Entities = append(coll.Entities, parseEntity(meta, m))
			}
		}
	}
	if next, ok := raw[annotationNextLink].(string); ok && next != "" {
		coll.MoreRecords = true
		coll.PagingCookie = next
	}
	if more, ok := raw[annotationMore].(bool); ok && more {
		coll.MoreRecords = true
	}
	if n, ok := raw[annotationTotalCount].(json.Number); ok {
		if v, err := n.Int64(); err == nil {
			coll.TotalRecordCount = int(v)
		}
	}
	return c.reply(res, xrm.NewOrganizationResponse(xrm.RequestRetrieveMultiple).Set(xrm.ResultEntityCollection, coll)), nil
}

func (c *WebAPIClient) whoAmI(ctx context.Context, call *Call) (*Reply, error) {
	var out struct {
		UserID         uuid.UUID `json:"UserId"`
		BusinessUnitID uuid.UUID `json:"BusinessUnitId"`
		OrganizationID uuid.UUID `json:"OrganizationId"`
	}
	res, err := c.getJSON(ctx, "WhoAmI", nil, call, &out)
	if err != nil {
		return nil, err
	}
	resp := xrm.NewOrganizationResponse(xrm.RequestWhoAmI).
		Set(xrm.ResultUserID, out.UserID).
		Set(xrm.ResultBusinessUnitID, out.BusinessUnitID).
		Set(xrm.ResultOrganizationID, out.OrganizationID)
	return c.reply(res, resp), nil
}

func (c *WebAPIClient) retrieveVersion(ctx context.Context, call *Call) (*Reply, error) {
	var out struct {
		Version string `json:"Version"`
	}
	res, err := c.getJSON(ctx, "RetrieveVersion", nil, call, &out)
	if err != nil {
		return nil, err
	}
	return c.reply(res, xrm.NewOrganizationResponse(xrm.RequestRetrieveVersion).Set(xrm.ResultVersion, out.Version)), nil
}

type endpointCollection struct {
	Keys   []string `json:"Keys"`
	Values []string `json:"Values"`
}

type organizationDetail struct {
	OrganizationID      uuid.UUID          `json:"OrganizationId"`
	FriendlyName        string             `json:"FriendlyName"`
	UniqueName          string             `json:"UniqueName"`
	URLName             string             `json:"UrlName"`
	TenantID            string             `json:"TenantId"`
	EnvironmentID       string             `json:"EnvironmentId"`
	OrganizationVersion string             `json:"OrganizationVersion"`
	Geo                 string             `json:"Geo"`
	Endpoints           endpointCollection `json:"Endpoints"`
}

func (c *WebAPIClient) retrieveCurrentOrganization(ctx context.Context, call *Call) (*Reply, error) {
	access, _ := call.Request.Parameters[xrm.ParamAccessType].(string)
	if access == "" {
		access = "Default"
	}
	query := url.Values{}
	query.Set("@p1", "Microsoft.Dynamics.CRM.EndpointAccessType'"+access+"'")

	var out struct {
		Detail organizationDetail `json:"Detail"`
	}
	res, err := c.getJSON(ctx, "RetrieveCurrentOrganization(AccessType=@p1)", query, call, &out)
	if err != nil {
		return nil, err
	}

	d := xrm.NewOrganizationDetail()
	d.FriendlyName = out.Detail.FriendlyName
	d.UniqueName = out.Detail.UniqueName
	d.URLName = out.Detail.URLName
	d.OrganizationID = out.Detail.OrganizationID
	d.TenantID = out.Detail.TenantID
	d.EnvironmentID = out.Detail.EnvironmentID
	d.Geo = out.Detail.Geo
	if out.Detail.OrganizationVersion != "" {
		d.Version = out.Detail.OrganizationVersion
	}
	for i, k := range out.Detail.Endpoints.Keys {
		if i < len(out.Detail.Endpoints.Values) {
			d.Endpoints[xrm.EndpointType(k)] = out.Detail.Endpoints.Values[i]
		}
	}
	return c.reply(res, xrm.NewOrganizationResponse(xrm.RequestRetrieveCurrentOrganization).Set(xrm.ResultDetail, d)), nil
}

func (c *WebAPIClient) exportSolution(ctx context.Context, call *Call) (*Reply, error) {
	name, _ := call.Request.Parameters[xrm.ParamSolutionName].(string)
	if name == "" {
		return nil, base.NewArgumentError(xrm.ParamSolutionName, "solution name is required")
	}
	managed, _ := call.Request.Parameters[xrm.ParamManaged].(bool)
	payload := map[string]interface{}{"SolutionName": name, "Managed": managed}

	res, body, err := c.do(ctx, http.MethodPost, "ExportSolution", nil, payload, call, nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		ExportSolutionFile []byte `json:"ExportSolutionFile"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode ExportSolution response: %w", err)
	}
	return c.reply(res, xrm.NewOrganizationResponse(xrm.RequestExportSolution).Set(xrm.ResultExportSolutionFile, out.ExportSolutionFile)), nil
}

func (c *WebAPIClient) importSolution(ctx context.Context, call *Call) (*Reply, error) {
	file, _ := call.Request.Parameters[xrm.ParamCustomizationFile].([]byte)
	if len(file) == 0 {
		return nil, base.NewArgumentError(xrm.ParamCustomizationFile, "customization file is required")
	}
	payload := map[string]interface{}{
		"CustomizationFile":                file,
		"OverwriteUnmanagedCustomizations": call.Request.Parameters[xrm.ParamOverwriteUnmanaged] == true,
		"PublishWorkflows":                 call.Request.Parameters[xrm.ParamPublishWorkflows] == true,
	}
	if id, ok := call.Request.Parameters[xrm.ParamImportJobID].(uuid.UUID); ok {
		payload["ImportJobId"] = id.String()
	}

	res, _, err := c.do(ctx, http.MethodPost, "ImportSolution", nil, payload, call, nil)
	if err != nil {
		return nil, err
	}
	return c.reply(res, xrm.NewOrganizationResponse(xrm.RequestImportSolution)), nil
}

func (c *WebAPIClient) stageSolution(ctx context.Context, call *Call) (*Reply, error) {
	file, _ := call.Request.Parameters[xrm.ParamCustomizationFile].([]byte)
	if len(file) == 0 {
		return nil, base.NewArgumentError(xrm.ParamCustomizationFile, "customization file is required")
	}
	res, body, err := c.do(ctx, http.MethodPost, "StageSolution", nil, map[string]interface{}{"CustomizationFile": file}, call, nil)
	if err != nil {
		return nil, err
	}
	raw, err := decodeObject(body)
	if err != nil {
		return nil, err
	}
	return c.reply(res, xrm.NewOrganizationResponse(xrm.RequestStageSolution).Set(xrm.ResultStageSolution, raw[xrm.ResultStageSolution])), nil
}

// GetJSON issues a GET below the service root and decodes the JSON body
// into out. It carries no correlation headers.
func (c *WebAPIClient) GetJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	_, err := c.getJSON(ctx, path, query, nil, out)
	return err
}

func (c *WebAPIClient) getJSON(ctx context.Context, path string, query url.Values, call *Call, out interface{}) (*http.Response, error) {
	res, body, err := c.do(ctx, http.MethodGet, path, query, nil, call, nil)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", path, err)
	}
	return res, nil
}

// do sends one request. Non-2xx responses come back as *xrm.WebAPIError.
func (c *WebAPIClient) do(ctx context.Context, method, path string, query url.Values, payload interface{}, call *Call, extra http.Header) (*http.Response, []byte, error) {
	target := c.root + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, nil, fmt.Errorf("encode %s %s body: %w", method, path, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("OData-MaxVersion", "4.0")
	req.Header.Set("OData-Version", "4.0")
	req.Header.Set("Prefer", "odata.include-annotations=*")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}
	if c.userAgent != "" {
		req.Header.Set(HeaderUserAgent, c.userAgent)
	}
	if call != nil {
		applyHeaders(req, call.Header)
	}
	applyHeaders(req, extra)
	if c.auth != nil {
		if err := c.auth.Authenticate(ctx, req); err != nil {
			return nil, nil, err
		}
	}

	res, err := c.client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, nil, err
	}
	if res.StatusCode >= 300 {
		return nil, nil, ParseWebAPIError(res.StatusCode, res.Header, body)
	}
	return res, body, nil
}

func (c *WebAPIClient) reply(res *http.Response, resp *xrm.OrganizationResponse) *Reply {
	return &Reply{Response: resp, StatusCode: res.StatusCode, Header: res.Header}
}

func (c *WebAPIClient) entityMetadata(ctx context.Context, logicalName string) (*xrm.EntityMetadata, error) {
	meta, err := c.metadata.GetEntityMetadata(ctx, strings.ToLower(logicalName))
	if err != nil {
		return nil, &xrm.MetadataUnavailableError{Entity: logicalName, Cause: err}
	}
	if meta == nil || meta.EntitySetName == "" {
		return nil, &xrm.MetadataUnavailableError{Entity: logicalName, Cause: errors.New("no entity set name")}
	}
	return meta, nil
}

// ParseWebAPIError builds the error of a non-2xx response from its
// {error:{code,message}} envelope.
func ParseWebAPIError(status int, h http.Header, body []byte) *xrm.WebAPIError {
	e := &xrm.WebAPIError{StatusCode: status, RetryAfter: h.Get("Retry-After"), Header: h.Clone()}
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err == nil && (env.Error.Code != "" || env.Error.Message != "") {
		e.Code = env.Error.Code
		e.Message = env.Error.Message
		if code, ok := xrm.ParseErrorCode(env.Error.Code); ok {
			e.ErrorCode = code
		}
		return e
	}
	e.Message = truncateBody(body)
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	return e
}

// IfMatch returns the If-Match value for a concurrency behavior, or "" when
// no precondition applies.
func IfMatch(behavior xrm.ConcurrencyBehavior, rowVersion string) (string, error) {
	switch behavior {
	case xrm.ConcurrencyIfRowVersionMatches:
		if rowVersion == "" {
			return "", base.NewArgumentError("RowVersion", "row version is required with IfRowVersionMatches")
		}
		return `W/"` + rowVersion + `"`, nil
	case xrm.ConcurrencyAlwaysOverwrite:
		return "", nil
	default:
		return "*", nil
	}
}

func ifMatchHeader(v string) http.Header {
	if v == "" {
		return nil
	}
	return http.Header{"If-Match": []string{v}}
}

// EntityIDFromHeader extracts the record id of a create from the
// OData-EntityId or Location header, whose last segment is set(id).
func EntityIDFromHeader(h http.Header) (uuid.UUID, error) {
	loc := h.Get("OData-EntityId")
	if loc == "" {
		loc = h.Get("Location")
	}
	if loc == "" {
		return uuid.Nil, fmt.Errorf("response carries no record location")
	}
	seg := loc[strings.LastIndex(loc, "/")+1:]
	open := strings.LastIndex(seg, "(")
	end := strings.LastIndex(seg, ")")
	if open < 0 || end <= open {
		return uuid.Nil, fmt.Errorf("malformed record location %q", loc)
	}
	id, err := uuid.Parse(seg[open+1 : end])
	if err != nil {
		return uuid.Nil, fmt.Errorf("malformed record id in %q: %w", loc, err)
	}
	return id, nil
}

func recordPath(entitySet string, id uuid.UUID) string {
	return entitySet + "(" + id.String() + ")"
}
