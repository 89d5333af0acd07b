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

// Package soap encodes and decodes the envelopes of the legacy organization
// and discovery services: Execute requests, Execute responses and
// OrganizationServiceFault faults.
package soap

import (
	"bytes"
	"encoding/xml"
	"fmt"

	"github.com/google/uuid"

	"dataverse/platform/connectors/dataverse/xrm"
)

// Namespaces and actions of the legacy services.
const (
	EnvelopeNamespace  = "http://schemas.xmlsoap.org/soap/envelope/"
	ServicesNamespace  = "http://schemas.microsoft.com/xrm/2011/Contracts/Services"
	ContractsNamespace = "http://schemas.microsoft.com/xrm/2011/Contracts"

	ActionExecute          = ServicesNamespace + "/IOrganizationService/Execute"
	ActionDiscoveryExecute = ServicesNamespace + "/IDiscoveryService/Execute"

	ContentType = "text/xml; charset=utf-8"

	// SDKClientVersion is sent in every envelope header
	SDKClientVersion = "9.2.0.0"
)

// Header carries the envelope header fields
type Header struct {
	Action           string
	CallerID         uuid.UUID
	SDKClientVersion string
}

type envelope struct {
	XMLName xml.Name       `xml:"http://schemas.xmlsoap.org/soap/envelope/ Envelope"`
	Header  *headerElement `xml:"http://schemas.xmlsoap.org/soap/envelope/ Header,omitempty"`
	Body    body           `xml:"http://schemas.xmlsoap.org/soap/envelope/ Body"`
}

type headerElement struct {
	Action           string `xml:"Action,omitempty"`
	CallerID         string `xml:"CallerId,omitempty"`
	SDKClientVersion string `xml:"SdkClientVersion,omitempty"`
}

type body struct {
	Execute         *executeElement         `xml:"http://schemas.microsoft.com/xrm/2011/Contracts/Services Execute,omitempty"`
	ExecuteResponse *executeResponseElement `xml:"http://schemas.microsoft.com/xrm/2011/Contracts/Services ExecuteResponse,omitempty"`
	Fault           *faultElement           `xml:"http://schemas.xmlsoap.org/soap/envelope/ Fault,omitempty"`
}

type executeElement struct {
	Request requestElement `xml:"request"`
}

type requestElement struct {
	RequestID   string         `xml:"RequestId,omitempty"`
	RequestName string         `xml:"RequestName"`
	Parameters  []keyValuePair `xml:"Parameters>KeyValuePairOfstringanyType"`
}

type executeResponseElement struct {
	Result responseElement `xml:"ExecuteResult"`
}

type responseElement struct {
	ResponseName string         `xml:"ResponseName"`
	Results      []keyValuePair `xml:"Results>KeyValuePairOfstringanyType"`
}

type faultElement struct {
	Code   string       `xml:"faultcode"`
	String string       `xml:"faultstring"`
	Detail *faultDetail `xml:"detail,omitempty"`
}

type faultDetail struct {
	Fault *orgFault `xml:"http://schemas.microsoft.com/xrm/2011/Contracts OrganizationServiceFault"`
}

type orgFault struct {
	ErrorCode    int32        `xml:"ErrorCode"`
	ErrorDetails []stringPair `xml:"ErrorDetails>KeyValuePairOfstringanyType"`
	Message      string       `xml:"Message"`
	InnerFault   *orgFault    `xml:"InnerFault,omitempty"`
}

type stringPair struct {
	Key   string `xml:"key"`
	Value string `xml:"value"`
}

// EncodeRequest builds an Execute envelope for req
func EncodeRequest(req *xrm.OrganizationRequest, hdr Header) ([]byte, error) {
	if req == nil {
		return nil, fmt.Errorf("soap: nil request")
	}
	params, err := encodePairs(req.Parameters)
	if err != nil {
		return nil, fmt.Errorf("soap: encode %s: %w", req.RequestName, err)
	}

	r := requestElement{RequestName: req.RequestName, Parameters: params}
	if req.RequestID != uuid.Nil {
		r.RequestID = req.RequestID.String()
	}
	env := envelope{
		Header: encodeHeader(hdr),
		Body:   body{Execute: &executeElement{Request: r}},
	}
	return marshal(env)
}

// DecodeRequest parses an Execute envelope
func DecodeRequest(data []byte) (*xrm.OrganizationRequest, Header, error) {
	var env envelope
	if err := xml.Unmarshal(data, &env); err != nil {
		return nil, Header{}, fmt.Errorf("soap: decode request: %w", err)
	}
	if env.Body.Execute == nil {
		return nil, Header{}, fmt.Errorf("soap: envelope has no Execute body")
	}

	hdr := decodeHeader(env.Header)
	r := env.Body.Execute.Request
	params, err := decodePairs(r.Parameters)
	if err != nil {
		return nil, hdr, fmt.Errorf("soap: decode %s: %w", r.RequestName, err)
	}
	req := &xrm.OrganizationRequest{RequestName: r.RequestName, Parameters: params}
	if r.RequestID != "" {
		req.RequestID, _ = uuid.Parse(r.RequestID)
	}
	return req, hdr, nil
}

// EncodeResponse builds an ExecuteResponse envelope
func EncodeResponse(resp *xrm.OrganizationResponse) ([]byte, error) {
	results, err := encodePairs(resp.Results)
	if err != nil {
		return nil, fmt.Errorf("soap: encode %s response: %w", resp.ResponseName, err)
	}
	env := envelope{Body: body{ExecuteResponse: &executeResponseElement{
		Result: responseElement{ResponseName: resp.ResponseName, Results: results},
	}}}
	return marshal(env)
}

// DecodeResponse parses an ExecuteResponse envelope. A fault envelope is
// returned as an *xrm.OrganizationServiceFault error.
func DecodeResponse(data []byte) (*xrm.OrganizationResponse, error) {
	var env envelope
	if err := xml.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("soap: decode response: %w", err)
	}
	if env.Body.Fault != nil {
		return nil, decodeFault(env.Body.Fault)
	}
	if env.Body.ExecuteResponse == nil {
		return nil, fmt.Errorf("soap: envelope has no ExecuteResponse body")
	}

	r := env.Body.ExecuteResponse.Result
	results, err := decodePairs(r.Results)
	if err != nil {
		return nil, fmt.Errorf("soap: decode %s response: %w", r.ResponseName, err)
	}
	return &xrm.OrganizationResponse{ResponseName: r.ResponseName, Results: results}, nil
}

// EncodeFault builds a fault envelope
func EncodeFault(fault *xrm.OrganizationServiceFault) ([]byte, error) {
	env := envelope{Body: body{Fault: &faultElement{
		Code:   "s:Client",
		String: fault.Message,
		Detail: &faultDetail{Fault: encodeOrgFault(fault)},
	}}}
	return marshal(env)
}

// DecodeFault extracts the fault of an envelope, or nil when there is none
func DecodeFault(data []byte) *xrm.OrganizationServiceFault {
	var env envelope
	if err := xml.Unmarshal(data, &env); err != nil || env.Body.Fault == nil {
		return nil
	}
	return decodeFault(env.Body.Fault)
}

func encodeHeader(hdr Header) *headerElement {
	h := &headerElement{Action: hdr.Action, SDKClientVersion: hdr.SDKClientVersion}
	if hdr.CallerID != uuid.Nil {
		h.CallerID = hdr.CallerID.String()
	}
	if h.SDKClientVersion == "" {
		h.SDKClientVersion = SDKClientVersion
	}
	return h
}

func decodeHeader(h *headerElement) Header {
	if h == nil {
		return Header{}
	}
	hdr := Header{Action: h.Action, SDKClientVersion: h.SDKClientVersion}
	if h.CallerID != "" {
		hdr.CallerID, _ = uuid.Parse(h.CallerID)
	}
	return hdr
}

func encodeOrgFault(f *xrm.OrganizationServiceFault) *orgFault {
	if f == nil {
		return nil
	}
	out := &orgFault{ErrorCode: f.ErrorCode, Message: f.Message, InnerFault: encodeOrgFault(f.InnerFault)}
	for _, k := range sortedKeys(f.ErrorDetails) {
		out.ErrorDetails = append(out.ErrorDetails, stringPair{Key: k, Value: f.ErrorDetails[k]})
	}
	return out
}

func decodeFault(f *faultElement) *xrm.OrganizationServiceFault {
	if f.Detail == nil || f.Detail.Fault == nil {
		return &xrm.OrganizationServiceFault{Message: f.String}
	}
	return decodeOrgFault(f.Detail.Fault)
}

func decodeOrgFault(f *orgFault) *xrm.OrganizationServiceFault {
	if f == nil {
		return nil
	}
	out := &xrm.OrganizationServiceFault{ErrorCode: f.ErrorCode, Message: f.Message, InnerFault: decodeOrgFault(f.InnerFault)}
	if len(f.ErrorDetails) > 0 {
		out.ErrorDetails = make(map[string]string, len(f.ErrorDetails))
		for _, p := range f.ErrorDetails {
			out.ErrorDetails[p.Key] = p.Value
		}
		out.RetryAfter = out.ErrorDetails["Retry-After"]
	}
	return out
}

func marshal(env envelope) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	if err := xml.NewEncoder(&buf).Encode(env); err != nil {
		return nil, fmt.Errorf("soap: marshal: %w", err)
	}
	return buf.Bytes(), nil
}
