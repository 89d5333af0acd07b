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
	"encoding/json"
	"log"
	"os"
	"time"
)

// LogLevel represents the severity of a log entry
type LogLevel string

const (
	DEBUG LogLevel = "DEBUG"
	INFO  LogLevel = "INFO"
	WARN  LogLevel = "WARN"
	ERROR LogLevel = "ERROR"
)

// Logger provides structured JSON logging for connection sessions
type Logger struct {
	Component  string
	InstanceID string
	Container  string
}

// LogEntry represents a structured log entry. SessionID and TrackingID carry
// the correlation identifiers that are also sent to the remote platform.
type LogEntry struct {
	Timestamp  string                 `json:"timestamp"`
	Level      LogLevel               `json:"level"`
	Component  string                 `json:"component"`
	InstanceID string                 `json:"instance_id"`
	Container  string                 `json:"container"`
	SessionID  string                 `json:"session_id,omitempty"`
	TrackingID string                 `json:"tracking_id,omitempty"`
	Message    string                 `json:"message"`
	Error      string                 `json:"error,omitempty"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
}

// New creates a new Logger for the specified component
func New(component string) *Logger {
	// Get instance ID from environment (set during deployment)
	instanceID := os.Getenv("INSTANCE_ID")
	if instanceID == "" {
		instanceID = "unknown"
	}

	container, err := os.Hostname()
	if err != nil {
		container = "unknown"
	}

	return &Logger{
		Component:  component,
		InstanceID: instanceID,
		Container:  container,
	}
}

// Log creates a structured log entry and writes it to stdout
func (l *Logger) Log(level LogLevel, sessionID, trackingID, message string, fields map[string]interface{}) {
	l.write(LogEntry{
		Level:      level,
		SessionID:  sessionID,
		TrackingID: trackingID,
		Message:    message,
		Fields:     fields,
	})
}

// Trace implements TraceSink. The session and tracking identifiers are lifted
// out of fields so they land in the top-level entry.
func (l *Logger) Trace(level LogLevel, message string, err error, fields map[string]interface{}) {
	entry := LogEntry{
		Level:   level,
		Message: message,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if len(fields) > 0 {
		rest := make(map[string]interface{}, len(fields))
		for k, v := range fields {
			switch k {
			case FieldSessionID:
				entry.SessionID, _ = v.(string)
			case FieldTrackingID:
				entry.TrackingID, _ = v.(string)
			default:
				rest[k] = v
			}
		}
		if len(rest) > 0 {
			entry.Fields = rest
		}
	}
	l.write(entry)
}

func (l *Logger) write(entry LogEntry) {
	entry.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	entry.Component = l.Component
	entry.InstanceID = l.InstanceID
	entry.Container = l.Container

	jsonBytes, err := json.Marshal(entry)
	if err != nil {
		// Fallback to plain text if JSON marshaling fails
		log.Printf("ERROR: Failed to marshal log entry: %v", err)
		return
	}

	log.Println(string(jsonBytes))
}

// Info logs an informational message
func (l *Logger) Info(sessionID, trackingID, message string, fields map[string]interface{}) {
	l.Log(INFO, sessionID, trackingID, message, fields)
}

// Error logs an error message
func (l *Logger) Error(sessionID, trackingID, message string, fields map[string]interface{}) {
	l.Log(ERROR, sessionID, trackingID, message, fields)
}

// Warn logs a warning message
func (l *Logger) Warn(sessionID, trackingID, message string, fields map[string]interface{}) {
	l.Log(WARN, sessionID, trackingID, message, fields)
}

// Debug logs a debug message
func (l *Logger) Debug(sessionID, trackingID, message string, fields map[string]interface{}) {
	l.Log(DEBUG, sessionID, trackingID, message, fields)
}

// InfoWithDuration logs an info message with duration field
func (l *Logger) InfoWithDuration(sessionID, trackingID, message string, durationMS float64, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["duration_ms"] = durationMS
	l.Info(sessionID, trackingID, message, fields)
}

// ErrorWithCode logs an error with status code
func (l *Logger) ErrorWithCode(sessionID, trackingID, message string, statusCode int, err error, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["status_code"] = statusCode
	if err != nil {
		fields["error"] = err.Error()
	}
	l.Error(sessionID, trackingID, message, fields)
}
