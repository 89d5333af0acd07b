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

// Package dataverse is the service facade of the connector: a typed client
// over a connected session, the mapping from connection profiles onto auth
// configurations and the base.Connector adapter used by the registry and
// the CLI.
package dataverse

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"dataverse/platform/connectors/base"
	"dataverse/platform/connectors/config"
	"dataverse/platform/connectors/dataverse/auth"
	"dataverse/platform/connectors/dataverse/session"
	"dataverse/platform/connectors/dataverse/xrm"
)

// Client offers typed operations over a session. Every call goes through
// the session's executor, so retries, throttling and protocol selection
// apply as for Execute.
type Client struct {
	session *session.Session
}

// NewClient wraps a session
func NewClient(s *session.Session) *Client {
	return &Client{session: s}
}

// Connect creates and connects a session and returns a client over it.
func Connect(ctx context.Context, cfg auth.Config, target session.Target, opts config.Options, deps session.Dependencies) (*Client, error) {
	s, err := session.Connect(ctx, cfg, target, opts, deps)
	if err != nil {
		return nil, err
	}
	return NewClient(s), nil
}

// Session returns the underlying session
func (c *Client) Session() *session.Session {
	return c.session
}

// Create inserts a record and returns its id
func (c *Client) Create(ctx context.Context, e *xrm.Entity) (uuid.UUID, error) {
	if err := checkEntity(e, false); err != nil {
		return uuid.Nil, err
	}
	resp, err := c.session.Execute(ctx, xrm.NewCreateRequest(e))
	if err != nil {
		return uuid.Nil, err
	}
	return resp.ID(), nil
}

// Retrieve reads one record
func (c *Client) Retrieve(ctx context.Context, logicalName string, id uuid.UUID, columns xrm.ColumnSet) (*xrm.Entity, error) {
	if strings.TrimSpace(logicalName) == "" {
		return nil, base.NewArgumentError("logicalName", "table name is required")
	}
	if id == uuid.Nil {
		return nil, base.NewArgumentError("id", "record id is required")
	}
	resp, err := c.session.Execute(ctx, xrm.NewRetrieveRequest(xrm.NewEntityReference(logicalName, id), columns))
	if err != nil {
		return nil, err
	}
	e := resp.Entity()
	if e == nil {
		return nil, &base.OperationFailure{Operation: xrm.RequestRetrieve, Message: "response carried no entity"}
	}
	return e, nil
}

// RetrieveMultiple runs a query
func (c *Client) RetrieveMultiple(ctx context.Context, q *xrm.QueryExpression) (*xrm.EntityCollection, error) {
	if q == nil || strings.TrimSpace(q.EntityName) == "" {
		return nil, base.NewArgumentError("query", "query with a table name is required")
	}
	resp, err := c.session.Execute(ctx, xrm.NewRetrieveMultipleRequest(q))
	if err != nil {
		return nil, err
	}
	coll := resp.EntityCollection()
	if coll == nil {
		coll = &xrm.EntityCollection{EntityName: q.EntityName}
	}
	return coll, nil
}

// Update changes an existing record. A record carrying a RowVersion is only
// updated while the stored version still matches.
func (c *Client) Update(ctx context.Context, e *xrm.Entity) error {
	if err := checkEntity(e, true); err != nil {
		return err
	}
	behavior := xrm.ConcurrencyDefault
	if e.RowVersion != "" {
		behavior = xrm.ConcurrencyIfRowVersionMatches
	}
	_, err := c.session.Execute(ctx, xrm.NewUpdateRequest(e, behavior))
	return err
}

// Upsert creates or updates a record by id and reports whether it was
// created.
func (c *Client) Upsert(ctx context.Context, e *xrm.Entity) (bool, error) {
	if err := checkEntity(e, true); err != nil {
		return false, err
	}
	resp, err := c.session.Execute(ctx, xrm.NewUpsertRequest(e))
	if err != nil {
		return false, err
	}
	created, _ := resp.Results[xrm.ResultRecordCreated].(bool)
	return created, nil
}

// Delete removes a record. A non-empty rowVersion makes the delete
// conditional on it.
func (c *Client) Delete(ctx context.Context, ref xrm.EntityReference, rowVersion string) error {
	if strings.TrimSpace(ref.LogicalName) == "" || ref.ID == uuid.Nil {
		return base.NewArgumentError("ref", "table name and record id are required")
	}
	behavior := xrm.ConcurrencyDefault
	if rowVersion != "" {
		behavior = xrm.ConcurrencyIfRowVersionMatches
	}
	_, err := c.session.Execute(ctx, xrm.NewDeleteRequest(ref, behavior, rowVersion))
	return err
}

// WhoAmI identifies the calling user
func (c *Client) WhoAmI(ctx context.Context) (xrm.WhoAmIResult, error) {
	resp, err := c.session.Execute(ctx, xrm.NewWhoAmIRequest())
	if err != nil {
		return xrm.WhoAmIResult{}, err
	}
	return resp.WhoAmI(), nil
}

// ExecuteRequest runs an arbitrary request
func (c *Client) ExecuteRequest(ctx context.Context, req *xrm.OrganizationRequest) (*xrm.OrganizationResponse, error) {
	return c.session.Execute(ctx, req)
}

// ExportSolution returns the packaged solution file
func (c *Client) ExportSolution(ctx context.Context, name string, managed bool) ([]byte, error) {
	resp, err := c.session.Execute(ctx, xrm.NewExportSolutionRequest(name, managed))
	if err != nil {
		return nil, err
	}
	file, _ := resp.Results[xrm.ResultExportSolutionFile].([]byte)
	return file, nil
}

// ImportSolution installs a solution file
func (c *Client) ImportSolution(ctx context.Context, file []byte, overwriteUnmanaged bool) error {
	_, err := c.session.Execute(ctx, xrm.NewImportSolutionRequest(file, overwriteUnmanaged))
	return err
}

// Clone returns a client over an independent clone of the session
func (c *Client) Clone() (*Client, error) {
	s, err := c.session.Clone()
	if err != nil {
		return nil, err
	}
	return NewClient(s), nil
}

// OrganizationDetail returns the organization of the session
func (c *Client) OrganizationDetail(ctx context.Context) (xrm.OrganizationDetail, error) {
	return c.session.OrganizationDetail(ctx)
}

// ConnectedOrgVersion returns the organization version
func (c *Client) ConnectedOrgVersion(ctx context.Context) (string, error) {
	return c.session.ConnectedOrgVersion(ctx)
}

// Dispose releases the session
func (c *Client) Dispose() error {
	return c.session.Dispose()
}

func checkEntity(e *xrm.Entity, needID bool) error {
	if e == nil {
		return base.NewArgumentError("entity", "entity is required")
	}
	if strings.TrimSpace(e.LogicalName) == "" {
		return base.NewArgumentError("entity", "entity has no table name")
	}
	if needID && e.ID == uuid.Nil {
		return base.NewArgumentError("entity", "entity has no id")
	}
	return nil
}
