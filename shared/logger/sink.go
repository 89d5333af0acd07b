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

package logger

import (
	"strings"
	"sync"
)

// Well-known field names used by the connection library.
const (
	FieldSessionID  = "session_id"
	FieldTrackingID = "tracking_id"
	FieldOperation  = "operation"
)

// TraceSink receives diagnostics from sessions, discovery and authentication.
// Implementations must be safe for concurrent use and must never panic.
type TraceSink interface {
	Trace(level LogLevel, message string, err error, fields map[string]interface{})
}

// Discard is a TraceSink that drops everything.
var Discard TraceSink = discardSink{}

type discardSink struct{}

func (discardSink) Trace(LogLevel, string, error, map[string]interface{}) {}

// RecordedEntry is a single entry captured by a Recorder.
type RecordedEntry struct {
	Level   LogLevel
	Message string
	Err     error
	Fields  map[string]interface{}
}

// Recorder is an in-memory TraceSink, mostly useful in tests.
type Recorder struct {
	mu      sync.Mutex
	entries []RecordedEntry
}

// NewRecorder creates an empty Recorder
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Trace implements TraceSink
func (r *Recorder) Trace(level LogLevel, message string, err error, fields map[string]interface{}) {
	copied := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		copied[k] = v
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, RecordedEntry{Level: level, Message: message, Err: err, Fields: copied})
}

// Entries returns a copy of everything recorded so far
func (r *Recorder) Entries() []RecordedEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RecordedEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Count returns the number of entries whose message starts with prefix
func (r *Recorder) Count(prefix string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if strings.HasPrefix(e.Message, prefix) {
			n++
		}
	}
	return n
}

// Reset clears all recorded entries
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = nil
}

// OrDiscard returns sink, or Discard when sink is nil.
func OrDiscard(sink TraceSink) TraceSink {
	if sink == nil {
		return Discard
	}
	return sink
}
