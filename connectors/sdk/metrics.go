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

package sdk

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ExecutionMetrics tracks outbound request execution: attempts, retries,
// throttling, terminal failures and call latency.
type ExecutionMetrics struct {
	Attempts  *prometheus.CounterVec
	Retries   *prometheus.CounterVec
	Throttles *prometheus.CounterVec
	Failures  *prometheus.CounterVec
	Successes *prometheus.CounterVec
	Duration  *prometheus.HistogramVec
	Connects  *prometheus.CounterVec
}

// NewExecutionMetrics creates the collectors under namespace and registers
// them with reg. A nil reg leaves them unregistered, which is what tests and
// short-lived clones want.
func NewExecutionMetrics(namespace string, reg prometheus.Registerer) *ExecutionMetrics {
	m := &ExecutionMetrics{
		Attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "request_attempts_total",
				Help:      "Total number of outbound request attempts",
			},
			[]string{"operation", "protocol"},
		),
		Retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "request_retries_total",
				Help:      "Total number of retried request attempts",
			},
			[]string{"operation", "class"},
		),
		Throttles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "request_throttled_total",
				Help:      "Total number of throttled responses",
			},
			[]string{"operation"},
		),
		Failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "request_failures_total",
				Help:      "Total number of requests that failed terminally",
			},
			[]string{"operation", "protocol"},
		),
		Successes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "request_successes_total",
				Help:      "Total number of requests that completed",
			},
			[]string{"operation", "protocol"},
		),
		Duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_milliseconds",
				Help:      "Request duration in milliseconds, retries included",
				Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
			},
			[]string{"operation", "protocol"},
		),
		Connects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connects_total",
				Help:      "Total number of connect attempts by auth mode and outcome",
			},
			[]string{"mode", "status"},
		),
	}

	if reg != nil {
		reg.MustRegister(m.Attempts, m.Retries, m.Throttles, m.Failures, m.Successes, m.Duration, m.Connects)
	}
	return m
}

// RecordAttempt counts one attempt
func (m *ExecutionMetrics) RecordAttempt(operation, protocol string) {
	if m == nil {
		return
	}
	m.Attempts.WithLabelValues(operation, protocol).Inc()
}

// RecordRetry counts one retry of the given classification
func (m *ExecutionMetrics) RecordRetry(operation, class string, throttled bool) {
	if m == nil {
		return
	}
	m.Retries.WithLabelValues(operation, class).Inc()
	if throttled {
		m.Throttles.WithLabelValues(operation).Inc()
	}
}

// RecordOutcome records the terminal result and total duration of a request
func (m *ExecutionMetrics) RecordOutcome(operation, protocol string, d time.Duration, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.Failures.WithLabelValues(operation, protocol).Inc()
	} else {
		m.Successes.WithLabelValues(operation, protocol).Inc()
	}
	m.Duration.WithLabelValues(operation, protocol).Observe(float64(d.Milliseconds()))
}

// RecordConnect records a connect outcome for an auth mode
func (m *ExecutionMetrics) RecordConnect(mode string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.Connects.WithLabelValues(mode, status).Inc()
}

// OperationTimer provides convenient timing for operations
type OperationTimer struct {
	clock Clock
	start time.Time
}

// NewTimer starts a new timer on clock (RealClock when nil)
func NewTimer(clock Clock) *OperationTimer {
	if clock == nil {
		clock = RealClock()
	}
	return &OperationTimer{clock: clock, start: clock.Now()}
}

// Duration returns the elapsed time since the timer was started
func (t *OperationTimer) Duration() time.Duration {
	return t.clock.Now().Sub(t.start)
}
