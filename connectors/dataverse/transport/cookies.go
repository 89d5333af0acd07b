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
	"sync"
)

// CookieJar keeps the affinity cookies returned by an instance so that
// later calls land on the same node. It is keyed by cookie name only, since
// a session talks to a single host.
type CookieJar struct {
	mu      sync.RWMutex
	cookies map[string]string
}

// NewCookieJar creates an empty jar
func NewCookieJar() *CookieJar {
	return &CookieJar{cookies: make(map[string]string)}
}

// Capture stores the Set-Cookie values of a response header. Expired or
// emptied cookies are removed.
func (j *CookieJar) Capture(h http.Header) {
	if j == nil || len(h.Values("Set-Cookie")) == 0 {
		return
	}
	res := &http.Response{Header: h}
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, c := range res.Cookies() {
		if c.MaxAge < 0 || c.Value == "" {
			delete(j.cookies, c.Name)
			continue
		}
		j.cookies[c.Name] = c.Value
	}
}

// Set stores a cookie
func (j *CookieJar) Set(name, value string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.cookies[name] = value
}

// Get returns a cookie value
func (j *CookieJar) Get(name string) (string, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	v, ok := j.cookies[name]
	return v, ok
}

// Header renders the jar as a Cookie header value, sorted by name
func (j *CookieJar) Header() string {
	if j == nil {
		return ""
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	names := make([]string, 0, len(j.cookies))
	for n := range j.cookies {
		names = append(names, n)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = n + "=" + j.cookies[n]
	}
	return strings.Join(parts, "; ")
}

// Len returns the number of cookies held
func (j *CookieJar) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.cookies)
}

// Clear removes every cookie
func (j *CookieJar) Clear() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.cookies = make(map[string]string)
}

// Clone returns an independent copy
func (j *CookieJar) Clone() *CookieJar {
	c := NewCookieJar()
	j.mu.RLock()
	defer j.mu.RUnlock()
	for k, v := range j.cookies {
		c.cookies[k] = v
	}
	return c
}
