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

/*
Package sdk is the toolkit shared by platform connections: request
authentication providers, retry primitives, a client-side rate limiter,
Prometheus execution metrics, an injectable clock and BaseConnector, the
embeddable implementation of base.Connector bookkeeping.

Components built on it keep the retry decisions themselves (the session
executor classifies failures) and use the primitives here for the mechanics:

	metrics := sdk.NewExecutionMetrics("dataverse", prometheus.DefaultRegisterer)
	limiter := sdk.NewAdaptiveRateLimiter(1, 50, 10)

	if err := limiter.Wait(ctx); err != nil {
	    return err
	}
	metrics.RecordAttempt("Create", "webapi")

Tests replace the clock with a FakeClock so that backoff is observable
without sleeping:

	clk := sdk.NewFakeClock(time.Unix(0, 0))
	_ = clk.Sleep(ctx, 5*time.Second)
	clk.Sleeps() // [5s]
*/
package sdk
