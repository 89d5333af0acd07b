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
	"context"

	"dataverse/platform/connectors/dataverse/auth"
	"dataverse/platform/connectors/dataverse/xrm"
)

// AccountTable is a small account table with one attribute of each
// commonly used type.
func AccountTable() *xrm.EntityMetadata {
	return &xrm.EntityMetadata{
		LogicalName:          "account",
		EntitySetName:        "accounts",
		PrimaryIDAttribute:   "accountid",
		PrimaryNameAttribute: "name",
		Attributes: map[string]*xrm.AttributeMetadata{
			"accountid":         {LogicalName: "accountid", SchemaName: "AccountId", AttributeType: xrm.AttributeUniqueIdentifier},
			"name":              {LogicalName: "name", SchemaName: "Name", AttributeType: xrm.AttributeString},
			"accountnumber":     {LogicalName: "accountnumber", SchemaName: "AccountNumber", AttributeType: xrm.AttributeString},
			"numberofemployees": {LogicalName: "numberofemployees", SchemaName: "NumberOfEmployees", AttributeType: xrm.AttributeInteger},
			"revenue":           {LogicalName: "revenue", SchemaName: "Revenue", AttributeType: xrm.AttributeMoney},
			"industrycode":      {LogicalName: "industrycode", SchemaName: "IndustryCode", AttributeType: xrm.AttributePicklist},
			"primarycontactid":  {LogicalName: "primarycontactid", SchemaName: "PrimaryContactId", AttributeType: xrm.AttributeLookup, Targets: []string{"contact"}},
			"createdon":         {LogicalName: "createdon", SchemaName: "CreatedOn", AttributeType: xrm.AttributeDateTime},
		},
	}
}

// ContactTable is a contact table whose parent customer lookup is
// polymorphic.
func ContactTable() *xrm.EntityMetadata {
	return &xrm.EntityMetadata{
		LogicalName:          "contact",
		EntitySetName:        "contacts",
		PrimaryIDAttribute:   "contactid",
		PrimaryNameAttribute: "fullname",
		Attributes: map[string]*xrm.AttributeMetadata{
			"contactid":        {LogicalName: "contactid", SchemaName: "ContactId", AttributeType: xrm.AttributeUniqueIdentifier},
			"fullname":         {LogicalName: "fullname", SchemaName: "FullName", AttributeType: xrm.AttributeString},
			"lastname":         {LogicalName: "lastname", SchemaName: "LastName", AttributeType: xrm.AttributeString},
			"parentcustomerid": {LogicalName: "parentcustomerid", SchemaName: "ParentCustomerId", AttributeType: xrm.AttributeCustomer, Targets: []string{"account", "contact"}},
			"birthdate":        {LogicalName: "birthdate", SchemaName: "BirthDate", AttributeType: xrm.AttributeDateTime, DateTimeBehavior: xrm.DateTimeDateOnly},
		},
	}
}

// StaticToken returns a token provider that always hands out token
func StaticToken(token string) auth.TokenProvider {
	return func(ctx context.Context, targetURL string) (string, error) {
		return token, nil
	}
}
