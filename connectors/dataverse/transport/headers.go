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
	"net/http"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Correlation and routing headers
const (
	HeaderClientRequestID = "x-ms-client-request-id"
	HeaderClientSessionID = "x-ms-client-session-id"
	HeaderCallerID        = "MSCRMCallerID"
	HeaderCallerObjectID  = "CallerObjectId"
	HeaderConsistency     = "Consistency"
	HeaderCookie          = "Cookie"
	HeaderDOPHint         = "x-ms-dop-hint"
	HeaderUserAgent       = "User-Agent"
)

var reservedHeaders = map[string]bool{
	http.CanonicalHeaderKey(HeaderClientRequestID): true,
	http.CanonicalHeaderKey(HeaderClientSessionID): true,
	http.CanonicalHeaderKey(HeaderCallerID):        true,
	http.CanonicalHeaderKey(HeaderCallerObjectID):  true,
	http.CanonicalHeaderKey("Authorization"):       true,
}

// IsReserved reports whether name is a correlation header that additional
// headers cannot override.
func IsReserved(name string) bool {
	return reservedHeaders[http.CanonicalHeaderKey(strings.TrimSpace(name))]
}

// Correlation holds the identifiers attached to every attempt.
type Correlation struct {
	TrackingID uuid.UUID
	SessionID  uuid.UUID

	// CallerID impersonates a system user; it takes precedence over
	// CallerObjectID.
	CallerID         uuid.UUID
	CallerObjectID   uuid.UUID
	ForceConsistency bool

	// Cookies is nil when affinity routing is disabled
	Cookies    *CookieJar
	Additional map[string]string
}

// BuildHeaders renders c into request headers. Additional headers are merged
// last and replace built-in values of ordinary headers. Reserved correlation
// headers are never taken from Additional, even when no built-in value is set.
func BuildHeaders(c Correlation) http.Header {
	h := make(http.Header)
	if c.TrackingID == uuid.Nil {
		c.TrackingID = uuid.New()
	}
	h.Set(HeaderClientRequestID, c.TrackingID.String())
	if c.SessionID != uuid.Nil {
		h.Set(HeaderClientSessionID, c.SessionID.String())
	}

	switch {
	case c.CallerID != uuid.Nil:
		h.Set(HeaderCallerID, c.CallerID.String())
	case c.CallerObjectID != uuid.Nil:
		h.Set(HeaderCallerObjectID, c.CallerObjectID.String())
	}

	if c.ForceConsistency {
		h.Set(HeaderConsistency, "Strong")
	}
	if c.Cookies != nil {
		if v := c.Cookies.Header(); v != "" {
			h.Set(HeaderCookie, v)
		}
	}

	keys := make([]string, 0, len(c.Additional))
	for k := range c.Additional {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		name := strings.TrimSpace(k)
		if name == "" {
			continue
		}
		if IsReserved(name) {
			continue
		}
		h.Set(name, c.Additional[k])
	}
	return h
}

// TrackingID returns the request tracking id carried by h
func TrackingID(h http.Header) uuid.UUID {
	id, _ := uuid.Parse(h.Get(HeaderClientRequestID))
	return id
}

// applyHeaders copies src onto req, replacing existing values
func applyHeaders(req *http.Request, src http.Header) {
	for k, vs := range src {
		req.Header.Del(k)
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
}
