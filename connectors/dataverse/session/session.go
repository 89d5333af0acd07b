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
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"dataverse/platform/connectors/base"
	"dataverse/platform/connectors/config"
	"dataverse/platform/connectors/dataverse/auth"
	"dataverse/platform/connectors/dataverse/discovery"
	"dataverse/platform/connectors/dataverse/transport"
	"dataverse/platform/connectors/dataverse/xrm"
	"dataverse/platform/connectors/sdk"
	"dataverse/platform/shared/logger"
)

// AdditionalHeadersFunc returns extra request headers for one attempt
type AdditionalHeadersFunc func(ctx context.Context) (map[string]string, error)

// Session is one authenticated connection to an instance. The auth mode is
// fixed at construction. A Session is safe for concurrent use; with
// Options.EnableCrossThreadSafety requests are executed one at a time.
type Session struct {
	id     uuid.UUID
	cfg    auth.Config
	mode   base.AuthMode
	opts   config.Options
	target Target
	deps   Dependencies
	sink   logger.TraceSink
	clock  sdk.Clock

	mu             sync.RWMutex
	state          State
	lastErr        error
	instanceURL    string
	handle         *auth.Handle
	token          *auth.Token
	bearer         *sdk.BearerTokenAuth
	transport      transport.Transport
	metadata       xrm.MetadataProvider
	org            xrm.OrganizationDetail
	orgLoaded      bool
	cookies        *transport.CookieJar
	callerID       uuid.UUID
	callerObjectID uuid.UUID
	trackingID     uuid.UUID
	isClone        bool

	limiter *sdk.AdaptiveRateLimiter
	dopHint atomic.Int32

	execMu      sync.Mutex
	refreshMu   sync.Mutex
	cloneMu     sync.Mutex
	disposeOnce sync.Once
}

// New creates an unconnected session. Nothing is validated or contacted
// until Connect.
func New(cfg auth.Config, target Target, opts config.Options, deps Dependencies) *Session {
	deps = deps.withDefaults()
	opts = opts.Normalize()

	s := &Session{
		id:     uuid.New(),
		cfg:    cfg,
		opts:   opts,
		target: target,
		deps:   deps,
		sink:   deps.Sink,
		clock:  deps.Clock,
		org:    xrm.NewOrganizationDetail(),
	}
	if cfg != nil {
		s.mode = cfg.Mode()
	}
	if opts.EnableAffinityCookie {
		s.cookies = transport.NewCookieJar()
	}
	if opts.RequestsPerSecond > 0 {
		s.limiter = newLimiter(opts.RequestsPerSecond)
	}
	if opts.SessionTrackingID != "" {
		id, err := uuid.Parse(opts.SessionTrackingID)
		if err != nil {
			s.sink.Trace(logger.WARN, "ignoring invalid session tracking id", err, map[string]interface{}{
				"value": opts.SessionTrackingID,
			})
		} else {
			s.trackingID = id
		}
	}
	return s
}

func newLimiter(rps float64) *sdk.AdaptiveRateLimiter {
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return sdk.NewAdaptiveRateLimiter(rps/10, rps, burst)
}

// Connect creates a session and connects it. With a Cache and a CacheKey a
// connected session already cached under the key is returned instead.
func Connect(ctx context.Context, cfg auth.Config, target Target, opts config.Options, deps Dependencies) (*Session, error) {
	if deps.Cache != nil && opts.CacheKey != "" {
		if cached, ok := deps.Cache.Get(opts.CacheKey); ok && cached.State() == StateConnected {
			logger.OrDiscard(deps.Sink).Trace(logger.DEBUG, "reusing cached session", nil, map[string]interface{}{
				"cache_key": opts.CacheKey,
				"session":   cached.id.String(),
			})
			return cached, nil
		}
	}

	s := New(cfg, target, opts, deps)
	if err := s.Connect(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Connect runs the connect sequence: discovery when no URL is given,
// authentication, transport binding and the organization details load.
// Configuration problems are returned as they are, before any network call;
// everything later is wrapped in a ConnectionFailure. A failed session stays
// unconnected and may be connected again.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateDisposed:
		s.mu.Unlock()
		return &base.ObjectDisposedError{Object: "session"}
	case StateConnected:
		s.mu.Unlock()
		return nil
	case StateUninitialized:
	default:
		state := s.state
		s.mu.Unlock()
		return &base.NotConnectedError{State: state.String(), Cause: errors.New("connect already in progress")}
	}
	s.state = StateAuthenticating
	s.mu.Unlock()

	timer := sdk.NewTimer(s.clock)
	err := s.connect(ctx)
	s.deps.Metrics.RecordConnect(s.mode.String(), err)

	if err != nil {
		s.mu.Lock()
		if s.state != StateDisposed {
			s.state = StateUninitialized
		}
		s.lastErr = err
		s.mu.Unlock()
		s.sink.Trace(logger.ERROR, "connect failed", err, map[string]interface{}{
			"mode":       s.mode.String(),
			"session":    s.id.String(),
			"elapsed_ms": timer.Duration().Milliseconds(),
		})
		return err
	}

	s.mu.Lock()
	if s.state == StateDisposed {
		s.mu.Unlock()
		s.closeTransport()
		return &base.ObjectDisposedError{Object: "session"}
	}
	s.state = StateConnected
	s.lastErr = nil
	org := s.org
	s.mu.Unlock()

	s.sink.Trace(logger.INFO, "connected", nil, map[string]interface{}{
		"mode":       s.mode.String(),
		"session":    s.id.String(),
		"url":        s.InstanceURL(),
		"org":        org.UniqueName,
		"version":    org.Version,
		"elapsed_ms": timer.Duration().Milliseconds(),
	})

	if s.deps.Cache != nil && s.opts.CacheKey != "" {
		s.deps.Cache.Set(s.opts.CacheKey, s)
	}
	return nil
}

func (s *Session) connect(ctx context.Context) error {
	if s.cfg == nil {
		return base.NewArgumentError("auth", "auth configuration is required")
	}
	if err := auth.Validate(s.cfg); err != nil {
		return err
	}
	if err := s.validateTarget(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.MaxConnectionTimeout)
	defer cancel()

	instanceURL, detail, err := s.resolveInstance(ctx)
	if err != nil {
		return s.connectFailure("discovery", err)
	}

	res, err := s.deps.Authenticator.Authenticate(ctx, instanceURL, s.cfg)
	if err != nil {
		return s.connectFailure("authentication", err)
	}
	if res.ResolvedURL != "" {
		instanceURL = strings.TrimRight(res.ResolvedURL, "/")
	}

	s.setState(StateResolving)
	if err := s.bind(instanceURL, res); err != nil {
		return s.connectFailure("transport", err)
	}
	s.mu.Lock()
	s.org = detail
	s.mu.Unlock()

	if s.opts.LoadOrgDetailsOnConnect {
		if err := s.loadOrganization(ctx); err != nil {
			s.closeTransport()
			return s.connectFailure("organization", err)
		}
	}
	return nil
}

func (s *Session) connectFailure(stage string, err error) error {
	return &base.ConnectionFailure{Mode: s.mode, Stage: stage, Cause: err}
}

func (s *Session) validateTarget() error {
	t := s.target
	if t.URL != "" {
		u, err := url.Parse(strings.TrimSpace(t.URL))
		if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
			return base.NewArgumentError("url", "instance url must be an absolute http(s) url")
		}
	}
	if t.Port < 0 || t.Port > 65535 {
		return base.NewArgumentError("port", "port is out of range")
	}

	switch {
	case s.mode == base.AuthModeExternalToken && t.URL == "":
		return base.NewArgumentError("url", "external token auth requires an instance url")
	case s.mode == base.AuthModeWindowsIntegrated && t.URL == "" && t.DiscoveryURL == "" && t.Host == "":
		return base.NewArgumentError("host", "windows integrated auth requires an instance url or a server host")
	}
	if t.Region != "" && t.Region != RegionAll && t.URL == "" {
		if _, ok := discovery.LookupServer(t.Region); !ok {
			return base.NewArgumentError("region", "unknown discovery region "+t.Region)
		}
	}
	return nil
}

// resolveInstance returns the instance URL and the organization details
// discovery already knows about.
func (s *Session) resolveInstance(ctx context.Context) (string, xrm.OrganizationDetail, error) {
	if s.target.URL != "" {
		u := s.applyHostOverride(strings.TrimRight(strings.TrimSpace(s.target.URL), "/"))
		d := xrm.NewOrganizationDetail()
		d.Endpoints = xrm.EndpointsFromInstanceURL(u)
		return u, d, nil
	}

	entries, err := s.directory(ctx)
	if err != nil {
		return "", xrm.OrganizationDetail{}, err
	}

	entry, err := discovery.SelectOrganization(entries, s.target.OrgName)
	if err != nil {
		return "", xrm.OrganizationDetail{}, err
	}
	instanceURL := instanceURLFromEntry(entry)
	if instanceURL == "" {
		return "", xrm.OrganizationDetail{}, &base.DiscoveryFailure{
			OrgName: entry.UniqueName,
			Message: "organization has no usable endpoint",
		}
	}
	instanceURL = s.applyHostOverride(instanceURL)

	s.sink.Trace(logger.INFO, "organization discovered", nil, map[string]interface{}{
		"org": entry.UniqueName,
		"url": instanceURL,
	})
	return instanceURL, xrm.DetailFromDirectoryEntry(entry), nil
}

// directory lists the organizations visible to the session's identity
func (s *Session) directory(ctx context.Context) ([]xrm.OrgDirectoryEntry, error) {
	switch {
	case s.mode == base.AuthModeWindowsIntegrated:
		return s.deps.Resolver.ResolveLegacyOrganizations(ctx, s.windowsAuth(), s.legacyDiscoveryURL())
	case s.target.Region == RegionAll:
		return s.deps.Resolver.ScanServers(ctx, s.deps.Authenticator.TokenSource(s.cfg), discovery.KnownServers())
	case s.target.Region != "":
		server, _ := discovery.LookupServer(s.target.Region)
		return s.deps.Resolver.ResolveOrganizations(ctx, s.deps.Authenticator.TokenSource(s.cfg), server)
	default:
		return s.deps.Resolver.ResolveGlobalOrganizations(ctx, s.deps.Authenticator.TokenSource(s.cfg), s.target.DiscoveryURL)
	}
}

// ListOrganizations runs discovery for cfg without connecting and returns
// every organization the identity can reach, in server order.
func ListOrganizations(ctx context.Context, cfg auth.Config, target Target, deps Dependencies) ([]xrm.OrgDirectoryEntry, error) {
	s := New(cfg, target, config.DefaultOptions(), deps)
	if err := auth.Validate(cfg); err != nil {
		return nil, err
	}
	if err := s.validateTarget(); err != nil {
		return nil, err
	}
	entries, err := s.directory(ctx)
	if err != nil {
		return nil, s.connectFailure("discovery", err)
	}
	return entries, nil
}

func instanceURLFromEntry(e xrm.OrgDirectoryEntry) string {
	if web := e.Endpoint(xrm.EndpointWebApplication); web != "" {
		return strings.TrimRight(web, "/")
	}
	svc := strings.TrimRight(e.Endpoint(xrm.EndpointOrganizationService), "/")
	if svc == "" {
		return ""
	}
	lower := strings.ToLower(svc)
	if i := strings.Index(lower, strings.ToLower(xrm.OrganizationServicePath)); i >= 0 {
		return svc[:i]
	}
	return svc
}

// applyHostOverride substitutes the configured host and port. Online hosts
// are never rewritten.
func (s *Session) applyHostOverride(raw string) string {
	if s.target.Host == "" || discovery.IsOnlineURL(raw) {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	host := s.target.Host
	if s.target.Port > 0 {
		host = net.JoinHostPort(host, strconv.Itoa(s.target.Port))
	}
	u.Host = host
	return strings.TrimRight(u.String(), "/")
}

func (s *Session) legacyDiscoveryURL() string {
	if s.target.DiscoveryURL != "" {
		return s.target.DiscoveryURL
	}
	scheme := "https"
	if s.target.Port == 80 {
		scheme = "http"
	}
	host := s.target.Host
	if s.target.Port > 0 {
		host = net.JoinHostPort(host, strconv.Itoa(s.target.Port))
	}
	return scheme + "://" + host
}

func (s *Session) windowsAuth() sdk.AuthProvider {
	c, ok := s.cfg.(auth.WindowsIntegrated)
	if !ok {
		return nil
	}
	if cred := c.NetworkCredential(); cred != nil {
		return cred
	}
	return nil
}

// bind builds the transport of the session from an authentication result
func (s *Session) bind(instanceURL string, res *auth.Result) error {
	var (
		provider sdk.AuthProvider
		bearer   *sdk.BearerTokenAuth
	)
	switch {
	case res.Token != nil:
		bearer = sdk.NewBearerTokenAuth(res.Token.AccessToken, res.Token.ExpiresOn)
		provider = bearer
	case res.NetworkCredential != nil:
		provider = res.NetworkCredential
	}

	t, meta, err := s.deps.NewTransport(s.transportParams(instanceURL, provider))
	if err != nil {
		return err
	}

	s.mu.Lock()
	old := s.transport
	s.instanceURL = instanceURL
	s.handle = res.Handle
	s.token = res.Token
	s.bearer = bearer
	s.transport = t
	s.metadata = meta
	s.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			s.sink.Trace(logger.WARN, "closing replaced transport failed", err, nil)
		}
	}
	return nil
}

func (s *Session) transportParams(instanceURL string, provider sdk.AuthProvider) TransportParams {
	return TransportParams{
		InstanceURL:   instanceURL,
		Mode:          s.mode.String(),
		Auth:          provider,
		HTTPClient:    s.deps.HTTPClient,
		Metadata:      s.deps.Metadata,
		MetadataTTL:   s.deps.MetadataTTL,
		APIVersion:    s.opts.WebAPIVersion,
		UserAgent:     s.opts.UserAgent,
		LegacyOnly:    s.mode == base.AuthModeWindowsIntegrated,
		ClientTimeout: s.opts.MaxConnectionTimeout,
	}
}

// Reconnect authenticates again against the current instance and replaces
// the transport. Discovery is not repeated.
func (s *Session) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateDisposed {
		s.mu.Unlock()
		return &base.ObjectDisposedError{Object: "session"}
	}
	if s.state != StateConnected {
		state := s.state
		s.mu.Unlock()
		return &base.NotConnectedError{State: state.String()}
	}
	if s.isClone {
		s.mu.Unlock()
		return &base.UnsupportedOperationError{Operation: "reconnect", Reason: "clones follow their source session"}
	}
	s.state = StateReconnecting
	instanceURL := s.instanceURL
	s.mu.Unlock()

	res, err := s.deps.Authenticator.Authenticate(ctx, instanceURL, s.cfg)
	if err == nil {
		if res.ResolvedURL != "" {
			instanceURL = strings.TrimRight(res.ResolvedURL, "/")
		}
		err = s.bind(instanceURL, res)
	}
	s.deps.Metrics.RecordConnect(s.mode.String(), err)

	s.mu.Lock()
	if s.state == StateReconnecting {
		s.state = StateConnected
	}
	s.mu.Unlock()

	if err != nil {
		s.sink.Trace(logger.ERROR, "reconnect failed", err, map[string]interface{}{"session": s.id.String()})
		return s.connectFailure("reconnect", err)
	}
	s.sink.Trace(logger.INFO, "reconnected", nil, map[string]interface{}{"session": s.id.String(), "url": instanceURL})
	return nil
}

// Dispose releases the transport and removes the session from the
// connection cache. Later calls do nothing; later operations fail with
// ObjectDisposedError.
func (s *Session) Dispose() error {
	var err error
	s.disposeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateDisposed
		t := s.transport
		s.transport = nil
		s.mu.Unlock()

		if t != nil {
			err = t.Close()
		}
		if s.deps.Cache != nil && s.opts.CacheKey != "" && !s.isClone {
			s.deps.Cache.Remove(s.opts.CacheKey, s)
		}
		s.sink.Trace(logger.DEBUG, "session disposed", err, map[string]interface{}{"session": s.id.String()})
	})
	return err
}

// Close implements io.Closer
func (s *Session) Close() error { return s.Dispose() }

func (s *Session) closeTransport() {
	s.mu.Lock()
	t := s.transport
	s.transport = nil
	s.mu.Unlock()
	if t != nil {
		_ = t.Close()
	}
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	if s.state != StateDisposed {
		s.state = state
	}
	s.mu.Unlock()
}

// State returns the lifecycle state
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// LastError returns the error of the last failed connect
func (s *Session) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// ID identifies this session instance in logs
func (s *Session) ID() uuid.UUID { return s.id }

// AuthMode returns the auth mode fixed at construction
func (s *Session) AuthMode() base.AuthMode { return s.mode }

// Options returns the normalized options
func (s *Session) Options() config.Options { return s.opts }

// IsClone reports whether the session was created by Clone
func (s *Session) IsClone() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isClone
}

// InstanceURL returns the resolved instance URL
func (s *Session) InstanceURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.instanceURL
}

// Metadata returns the metadata provider of the web API side, or nil
func (s *Session) Metadata() xrm.MetadataProvider {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.metadata
}

// Account returns the signed-in account, when the token names one
func (s *Session) Account() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == nil {
		return ""
	}
	return s.token.Account
}

// CallerID returns the impersonated system user id
func (s *Session) CallerID() uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.callerID
}

// SetCallerID impersonates a system user on later requests. uuid.Nil stops
// impersonation.
func (s *Session) SetCallerID(id uuid.UUID) {
	s.mu.Lock()
	s.callerID = id
	s.mu.Unlock()
}

// CallerObjectID returns the impersonated directory object id
func (s *Session) CallerObjectID() uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.callerObjectID
}

// SetCallerObjectID impersonates a user by directory object id. A caller id
// set with SetCallerID takes precedence.
func (s *Session) SetCallerObjectID(id uuid.UUID) {
	s.mu.Lock()
	s.callerObjectID = id
	s.mu.Unlock()
}

// SessionTrackingID returns the id sent as the client session header
func (s *Session) SessionTrackingID() uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.trackingID
}

// SetSessionTrackingID sets the id sent as the client session header
func (s *Session) SetSessionTrackingID(id uuid.UUID) {
	s.mu.Lock()
	s.trackingID = id
	s.mu.Unlock()
}

// RecommendedDegreesOfParallelism returns the parallelism hint of the last
// response, or 1 when the server has not sent one.
func (s *Session) RecommendedDegreesOfParallelism() int {
	if v := s.dopHint.Load(); v > 0 {
		return int(v)
	}
	return 1
}

// RateLimiter returns the client side limiter, nil when disabled
func (s *Session) RateLimiter() *sdk.AdaptiveRateLimiter { return s.limiter }

// Cookies returns the affinity cookie jar, nil when disabled
func (s *Session) Cookies() *transport.CookieJar {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cookies
}

func (s *Session) ready() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch s.state {
	case StateConnected:
		return nil
	case StateDisposed:
		return &base.ObjectDisposedError{Object: "session"}
	default:
		return &base.NotConnectedError{State: s.state.String(), Cause: s.lastErr}
	}
}
