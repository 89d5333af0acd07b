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
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"dataverse/platform/connectors/config"
	"dataverse/platform/connectors/dataverse/auth"
	"dataverse/platform/connectors/dataverse/transport"
	"dataverse/platform/connectors/dataverse/xrm"
	"dataverse/platform/connectors/sdk"
	"dataverse/platform/shared/logger"
)

const testInstanceURL = "https://contoso.crm.dynamics.com"

var testUserID = uuid.MustParse("5f1c6a3e-8d11-4c7b-9a53-0c2d7f4e9b10")

type replyFunc func(call *transport.Call) (*transport.Reply, error)

type fakeTransport struct {
	mu     sync.Mutex
	calls  []*transport.Call
	closes int
	reply  replyFunc
}

func (f *fakeTransport) Send(ctx context.Context, call *transport.Call) (*transport.Reply, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	reply := f.reply
	f.mu.Unlock()

	if reply != nil {
		if r, err := reply(call); r != nil || err != nil {
			return r, err
		}
	}
	return &transport.Reply{Response: defaultResponse(call.Request), StatusCode: http.StatusOK, Header: http.Header{}}, nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeTransport) respond(fn replyFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reply = fn
}

func (f *fakeTransport) Calls() []*transport.Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*transport.Call, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeTransport) lastCall() *transport.Call {
	calls := f.Calls()
	if len(calls) == 0 {
		return nil
	}
	return calls[len(calls)-1]
}

func (f *fakeTransport) Closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

func defaultResponse(req *xrm.OrganizationRequest) *xrm.OrganizationResponse {
	resp := xrm.NewOrganizationResponse(req.RequestName)
	switch req.RequestName {
	case xrm.RequestRetrieveVersion:
		resp.Set(xrm.ResultVersion, "9.2.24034.200")
	case xrm.RequestRetrieveCurrentOrganization:
		d := xrm.NewOrganizationDetail()
		d.UniqueName = "org1a2b"
		d.FriendlyName = "Contoso"
		d.Endpoints = xrm.EndpointsFromInstanceURL(testInstanceURL)
		resp.Set(xrm.ResultDetail, d)
	case xrm.RequestWhoAmI:
		resp.Set(xrm.ResultUserID, testUserID)
	}
	return resp
}

type transportFactory struct {
	mu         sync.Mutex
	reply      replyFunc
	err        error
	params     []TransportParams
	transports []*fakeTransport
}

func (f *transportFactory) build(p TransportParams) (transport.Transport, xrm.MetadataProvider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.params = append(f.params, p)
	if f.err != nil {
		return nil, nil, f.err
	}
	t := &fakeTransport{reply: f.reply}
	f.transports = append(f.transports, t)
	return t, nil, nil
}

func (f *transportFactory) last() *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.transports) == 0 {
		return nil
	}
	return f.transports[len(f.transports)-1]
}

func (f *transportFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.params)
}

func (f *transportFactory) param(i int) TransportParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.params[i]
}

type fakeCredential struct {
	mu    sync.Mutex
	clock sdk.Clock
	calls int
	err   error
}

func (c *fakeCredential) GetToken(ctx context.Context, opts policy.TokenRequestOptions) (azcore.AccessToken, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return azcore.AccessToken{}, c.err
	}
	return azcore.AccessToken{Token: fmt.Sprintf("token-%d", c.calls), ExpiresOn: c.clock.Now().Add(time.Hour)}, nil
}

func (c *fakeCredential) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *fakeCredential) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

type credentialFactory struct {
	cred azcore.TokenCredential
}

func (f credentialFactory) NewCredential(cfg auth.Config, authority auth.Authority) (azcore.TokenCredential, error) {
	return f.cred, nil
}

type harness struct {
	clock   *sdk.FakeClock
	rec     *logger.Recorder
	factory *transportFactory
	deps    Dependencies
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := sdk.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	rec := logger.NewRecorder()
	f := &transportFactory{}
	return &harness{
		clock:   clock,
		rec:     rec,
		factory: f,
		deps: Dependencies{
			Authenticator: auth.NewAuthenticator(auth.WithClock(clock), auth.WithSink(rec)),
			Sink:          rec,
			Clock:         clock,
			NewTransport:  f.build,
		},
	}
}

// withCredential makes client credential auth hand out fake tokens
func (h *harness) withCredential() *fakeCredential {
	cred := &fakeCredential{clock: h.clock}
	h.deps.Authenticator = auth.NewAuthenticator(
		auth.WithClock(h.clock),
		auth.WithSink(h.rec),
		auth.WithCredentialFactory(credentialFactory{cred: cred}),
	)
	return cred
}

func testOptions() config.Options {
	o := config.DefaultOptions()
	o.MaxRetryCount = 3
	o.RetryPauseTime = time.Second
	return o
}

func externalToken(calls *int32) auth.ExternalToken {
	return auth.ExternalToken{Provider: func(ctx context.Context, target string) (string, error) {
		atomic.AddInt32(calls, 1)
		return "external-token", nil
	}}
}

func clientCredential() auth.ClientCredential {
	return auth.ClientCredential{ClientID: "app-id", ClientSecret: "secret", TenantID: "tenant-1"}
}

// connect opens an external token session against testInstanceURL
func (h *harness) connect(t *testing.T, opts config.Options) *Session {
	t.Helper()
	var calls int32
	s, err := Connect(context.Background(), externalToken(&calls), Target{URL: testInstanceURL}, opts, h.deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Dispose() })
	return s
}

func lastEntry(rec *logger.Recorder, prefix string) (logger.RecordedEntry, bool) {
	entries := rec.Entries()
	for i := len(entries) - 1; i >= 0; i-- {
		if strings.HasPrefix(entries[i].Message, prefix) {
			return entries[i], true
		}
	}
	return logger.RecordedEntry{}, false
}
