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

package session

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"dataverse/platform/connectors/base"
	"dataverse/platform/connectors/config"
	"dataverse/platform/connectors/dataverse/transport"
	"dataverse/platform/connectors/dataverse/xrm"
	"dataverse/platform/connectors/sdk"
	"dataverse/platform/shared/logger"
)

// Requests sent over the web API when Options.UseWebAPI is set
var webAPIRequests = map[string]bool{
	xrm.RequestCreate:         true,
	xrm.RequestUpdate:         true,
	xrm.RequestDelete:         true,
	xrm.RequestImportSolution: true,
	xrm.RequestExportSolution: true,
	xrm.RequestStageSolution:  true,
}

// Requests sent over the web API when Options.UseWebAPILoginFlow is set
var loginFlowRequests = map[string]bool{
	xrm.RequestWhoAmI:                      true,
	xrm.RequestRetrieveVersion:             true,
	xrm.RequestRetrieveCurrentOrganization: true,
}

// SelectProtocol decides the protocol of a request. Windows integrated
// sessions always use the legacy protocol.
func SelectProtocol(requestName string, opts config.Options, mode base.AuthMode) transport.Protocol {
	if mode == base.AuthModeWindowsIntegrated {
		return transport.ProtocolLegacy
	}
	if opts.UseWebAPI && webAPIRequests[requestName] {
		return transport.ProtocolWebAPI
	}
	if opts.UseWebAPILoginFlow && loginFlowRequests[requestName] {
		return transport.ProtocolWebAPI
	}
	return transport.ProtocolLegacy
}

// ExecutionStats describes how one request was executed
type ExecutionStats struct {
	TrackingID uuid.UUID
	Protocol   transport.Protocol
	Attempts   int
	RetryCount int
	// Throttled is set once any attempt hit a service protection limit
	Throttled bool
	Elapsed   time.Duration
	LockWait  time.Duration
}

// Execute runs req with retry. It returns the platform error of the last
// attempt when the request fails.
func (s *Session) Execute(ctx context.Context, req *xrm.OrganizationRequest) (*xrm.OrganizationResponse, error) {
	resp, _, err := s.ExecuteTraced(ctx, req)
	return resp, err
}

// ExecuteTraced is Execute that also reports execution statistics
func (s *Session) ExecuteTraced(ctx context.Context, req *xrm.OrganizationRequest) (*xrm.OrganizationResponse, ExecutionStats, error) {
	if err := s.ready(); err != nil {
		return nil, ExecutionStats{}, err
	}
	return s.execute(ctx, req)
}

func (s *Session) execute(ctx context.Context, req *xrm.OrganizationRequest) (*xrm.OrganizationResponse, ExecutionStats, error) {
	if req == nil || req.RequestName == "" {
		return nil, ExecutionStats{}, base.NewArgumentError("request", "request name is required")
	}

	stats := ExecutionStats{
		TrackingID: req.RequestID,
		Protocol:   SelectProtocol(req.RequestName, s.opts, s.mode),
	}
	if stats.TrackingID == uuid.Nil {
		stats.TrackingID = uuid.New()
	}
	op, proto := req.RequestName, stats.Protocol.String()
	timer := sdk.NewTimer(s.clock)

	if s.opts.EnableCrossThreadSafety {
		wait := sdk.NewTimer(s.clock)
		s.execMu.Lock()
		defer s.execMu.Unlock()
		stats.LockWait = wait.Duration()
	}

	for {
		resp, err := s.attempt(ctx, req, &stats)
		stats.Elapsed = timer.Duration()

		if err == nil {
			if s.limiter != nil {
				s.limiter.RecordSuccess()
			}
			s.deps.Metrics.RecordOutcome(op, proto, stats.Elapsed, nil)
			level := logger.DEBUG
			if stats.RetryCount > 0 {
				level = logger.INFO
			}
			s.sink.Trace(level, "request succeeded", nil, s.fields(req, stats))
			return resp, stats, nil
		}

		decision := Classify(FailureFromError(err, req), s.opts.RetryPauseTime, stats.RetryCount, s.clock.Now())
		if ctxErr := ctx.Err(); ctxErr != nil {
			decision = Decision{Class: ClassFatal}
			if !errors.Is(err, ctxErr) {
				err = errors.Join(ctxErr, err)
			}
		}
		if decision.Throttled() {
			stats.Throttled = true
			if s.limiter != nil {
				s.limiter.RecordThrottled()
			}
		} else if s.limiter != nil {
			s.limiter.RecordError()
		}

		if !decision.Retry() || stats.RetryCount >= s.opts.MaxRetryCount {
			return nil, stats, s.fail(req, stats, decision, err)
		}

		stats.RetryCount++
		s.deps.Metrics.RecordRetry(op, decision.Class.String(), decision.Throttled())

		fields := s.fields(req, stats)
		fields["class"] = decision.Class.String()
		fields["backoff_ms"] = decision.Backoff.Milliseconds()
		msg := "retrying after transient failure"
		if decision.Throttled() {
			msg = "retrying after throttling"
		}
		s.sink.Trace(logger.WARN, msg, err, fields)

		if sleepErr := s.clock.Sleep(ctx, decision.Backoff); sleepErr != nil {
			stats.Elapsed = timer.Duration()
			return nil, stats, s.fail(req, stats, Decision{Class: ClassFatal}, sleepErr)
		}
	}
}

func (s *Session) fail(req *xrm.OrganizationRequest, stats ExecutionStats, d Decision, err error) error {
	s.deps.Metrics.RecordOutcome(req.RequestName, stats.Protocol.String(), stats.Elapsed, err)
	fields := s.fields(req, stats)
	fields["class"] = d.Class.String()
	s.sink.Trace(logger.ERROR, "request failed", err, fields)
	return err
}

// attempt sends req once
func (s *Session) attempt(ctx context.Context, req *xrm.OrganizationRequest, stats *ExecutionStats) (*xrm.OrganizationResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	if err := s.refreshToken(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	t := s.transport
	s.mu.RUnlock()
	if t == nil {
		return nil, &base.ObjectDisposedError{Object: "session"}
	}

	call := &transport.Call{
		Request:  req,
		Protocol: stats.Protocol,
		Header:   s.headers(ctx, stats.TrackingID),
	}
	stats.Attempts++
	s.deps.Metrics.RecordAttempt(req.RequestName, stats.Protocol.String())

	reply, err := t.Send(ctx, call)
	if err != nil {
		return nil, err
	}
	s.observe(reply)
	if reply.Response == nil {
		return xrm.NewOrganizationResponse(req.RequestName), nil
	}
	return reply.Response, nil
}

func (s *Session) headers(ctx context.Context, trackingID uuid.UUID) http.Header {
	s.mu.RLock()
	c := transport.Correlation{
		TrackingID:       trackingID,
		SessionID:        s.trackingID,
		CallerID:         s.callerID,
		CallerObjectID:   s.callerObjectID,
		ForceConsistency: s.opts.ForceServerCacheConsistency,
		Cookies:          s.cookies,
	}
	s.mu.RUnlock()

	if s.deps.AdditionalHeaders != nil {
		extra, err := s.deps.AdditionalHeaders(ctx)
		if err != nil {
			s.sink.Trace(logger.WARN, "additional headers callback failed", err, map[string]interface{}{
				"tracking_id": trackingID.String(),
			})
		} else {
			c.Additional = extra
		}
	}
	return transport.BuildHeaders(c)
}

// observe records affinity cookies and the parallelism hint of a reply
func (s *Session) observe(reply *transport.Reply) {
	if reply == nil || reply.Header == nil {
		return
	}
	s.mu.RLock()
	jar := s.cookies
	s.mu.RUnlock()
	if jar != nil {
		jar.Capture(reply.Header)
	}
	if v := reply.Header.Get(transport.HeaderDOPHint); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			s.dopHint.Store(int32(n))
		}
	}
}

func (s *Session) fields(req *xrm.OrganizationRequest, stats ExecutionStats) map[string]interface{} {
	f := map[string]interface{}{
		logger.FieldOperation:  req.RequestName,
		logger.FieldTrackingID: stats.TrackingID.String(),
		"protocol":             stats.Protocol.String(),
		"session":              s.id.String(),
		"retry_count":          stats.RetryCount,
		"throttled":            stats.Throttled,
		"elapsed_ms":           stats.Elapsed.Milliseconds(),
		"lock_wait_ms":         stats.LockWait.Milliseconds(),
	}
	if id := s.SessionTrackingID(); id != uuid.Nil {
		f[logger.FieldSessionID] = id.String()
	}
	if entity := req.TargetEntityName(); entity != "" {
		f["entity"] = entity
	}
	return f
}
