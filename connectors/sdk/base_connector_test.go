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
	"context"
	"testing"
	"time"

	"dataverse/platform/connectors/base"
	"dataverse/platform/shared/logger"
)

func TestBaseConnector_Lifecycle(t *testing.T) {
	c := NewBaseConnector("dataverse")
	rec := logger.NewRecorder()
	c.SetSink(rec)
	ctx := context.Background()

	if c.Name() != "dataverse" {
		t.Errorf("expected type as name before connect, got %s", c.Name())
	}

	config := &base.ConnectorConfig{Name: "crm-prod", Type: "dataverse", Timeout: time.Minute}
	if err := c.Connect(ctx, config); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.IsConnected() {
		t.Error("base Connect must not mark the connector connected")
	}
	c.SetConnected(true)

	if c.Name() != "crm-prod" {
		t.Errorf("expected crm-prod, got %s", c.Name())
	}
	if c.GetTimeout() != time.Minute {
		t.Errorf("expected 1m timeout, got %v", c.GetTimeout())
	}

	status, err := c.HealthCheck(ctx)
	if err != nil || !status.Healthy {
		t.Errorf("expected healthy status, got %+v (%v)", status, err)
	}

	if err := c.Disconnect(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := c.Disconnect(ctx); err != nil {
		t.Fatalf("second disconnect should be a no-op: %v", err)
	}
	if rec.Count("disconnected") != 1 {
		t.Errorf("expected one disconnect entry, got %d", rec.Count("disconnected"))
	}

	status, _ = c.HealthCheck(ctx)
	if status.Healthy || status.Error != "not connected" {
		t.Errorf("expected unhealthy status, got %+v", status)
	}
}

func TestBaseConnector_NilConfig(t *testing.T) {
	c := NewBaseConnector("dataverse")
	if err := c.Connect(context.Background(), nil); err == nil {
		t.Error("expected error for nil config")
	}
}

func TestBaseConnector_QueryExecuteNotImplemented(t *testing.T) {
	c := NewBaseConnector("dataverse")
	if _, err := c.Query(context.Background(), &base.Query{}); err == nil {
		t.Error("expected error from base Query")
	}
	if _, err := c.Execute(context.Background(), &base.Command{}); err == nil {
		t.Error("expected error from base Execute")
	}
}

func TestBaseConnector_Options(t *testing.T) {
	c := NewBaseConnector("dataverse")
	config := &base.ConnectorConfig{
		Name: "opts",
		Options: map[string]interface{}{
			"org_name":    "contoso",
			"max_retries": float64(4),
			"retry_str":   "7",
			"use_web_api": true,
			"flag_str":    "true",
		},
		Credentials: map[string]string{"client_id": "abc"},
	}
	if err := c.Connect(context.Background(), config); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := c.GetStringOption("org_name", ""); got != "contoso" {
		t.Errorf("expected contoso, got %s", got)
	}
	if got := c.GetStringOption("missing", "dflt"); got != "dflt" {
		t.Errorf("expected default, got %s", got)
	}
	if got := c.GetIntOption("max_retries", 0); got != 4 {
		t.Errorf("expected 4, got %d", got)
	}
	if got := c.GetIntOption("retry_str", 0); got != 7 {
		t.Errorf("expected 7, got %d", got)
	}
	if !c.GetBoolOption("use_web_api", false) || !c.GetBoolOption("flag_str", false) {
		t.Error("expected bool options to be true")
	}
	if c.GetCredential("client_id") != "abc" {
		t.Error("expected credential")
	}
	if c.GetCredential("missing") != "" {
		t.Error("expected empty credential")
	}
}

func TestDefaultConfigValidator(t *testing.T) {
	v := NewDefaultConfigValidator([]string{"client_id"}, map[string]interface{}{"use_web_api": false})
	c := NewBaseConnector("dataverse")
	c.SetValidator(v)

	err := c.Connect(context.Background(), &base.ConnectorConfig{Name: "x"})
	if err == nil {
		t.Fatal("expected missing field error")
	}

	config := &base.ConnectorConfig{Name: "x", Credentials: map[string]string{"client_id": "id"}}
	if err := c.Connect(context.Background(), config); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if config.Options["use_web_api"] != false {
		t.Error("expected default to be applied")
	}
	if len(v.RequiredFields()) != 1 || len(v.OptionalFields()) != 1 {
		t.Error("unexpected field lists")
	}
}

func TestBaseConnector_Capabilities(t *testing.T) {
	c := NewBaseConnector("dataverse")
	c.SetCapabilities([]string{"query"})
	c.SetVersion("2.0.0")

	caps := c.Capabilities()
	caps[0] = "mutated"
	if c.Capabilities()[0] != "query" {
		t.Error("Capabilities must return a copy")
	}
	if c.Version() != "2.0.0" || c.Type() != "dataverse" {
		t.Error("unexpected identity")
	}
}
