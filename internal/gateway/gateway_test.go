// internal/gateway/gateway_test.go
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"robot-bridge/internal/bridge"
	"robot-bridge/internal/config"
	"robot-bridge/internal/event"
	"robot-bridge/internal/model"
	"robot-bridge/internal/probe"
	"robot-bridge/internal/transport"
)

// stubTransport is a minimal scriptable transport for gateway tests
type stubTransport struct {
	kind      model.TransportKind
	connected bool
	sendErr   error
	sent      []*model.Command
}

func (s *stubTransport) Kind() model.TransportKind         { return s.kind }
func (s *stubTransport) Connect(ctx context.Context) error { s.connected = true; return nil }
func (s *stubTransport) Disconnect() error                 { s.connected = false; return nil }
func (s *stubTransport) IsConnected() bool                 { return s.connected }
func (s *stubTransport) SetHandler(transport.EventHandler) {}
func (s *stubTransport) SendCommand(ctx context.Context, cmd *model.Command) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, cmd)
	return nil
}

func testGateway(t *testing.T, tr *stubTransport) (*Gateway, *bridge.Bridge, *event.Dispatcher) {
	t.Helper()

	cfg := &config.Config{}
	cfg.Gateway.AllowedOrigins = []string{"*"}
	cfg.Discovery.Hosts = []string{"192.0.2.1"}
	cfg.Discovery.HTTPPorts = []int{80}
	cfg.Discovery.PingPath = "/api/ping"
	cfg.Discovery.PerCandidateTimeout = 100 * time.Millisecond
	cfg.App.Environment = "test"

	dispatcher := event.NewDispatcher(20)
	b := bridge.New(
		[]model.TransportKind{tr.kind},
		map[model.TransportKind]transport.Transport{tr.kind: tr},
		dispatcher,
		zap.NewNop(),
	)
	prober := probe.NewProber(zap.NewNop(), nil, "", 20)
	return New(cfg, b, prober, nil, zap.NewNop()), b, dispatcher
}

func TestStatusEndpoint(t *testing.T) {
	tr := &stubTransport{kind: model.TransportHTTP, connected: true}
	gw, b, _ := testGateway(t, tr)
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	rec := httptest.NewRecorder()
	gw.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body struct {
		Connected bool     `json:"connected"`
		Active    string   `json:"active"`
		Available []string `json:"available"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	if !body.Connected || body.Active != "http" {
		t.Errorf("unexpected status: %+v", body)
	}
}

func TestCommandEndpointAccepted(t *testing.T) {
	tr := &stubTransport{kind: model.TransportHTTP}
	gw, _, _ := testGateway(t, tr)

	payload := `{"action": "start", "params": {"sensors": ["imu"]}}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/commands", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	gw.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(tr.sent) != 1 || tr.sent[0].Action != model.ActionStart {
		t.Errorf("command did not flow through the bridge: %+v", tr.sent)
	}
}

func TestCommandEndpointRejectsBadBody(t *testing.T) {
	tr := &stubTransport{kind: model.TransportHTTP}
	gw, _, _ := testGateway(t, tr)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/commands", strings.NewReader(`{"params": {}}`))
	req.Header.Set("Content-Type", "application/json")
	gw.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing action must be a 400, got %d", rec.Code)
	}
}

func TestCommandEndpointSurfacesTotalFailure(t *testing.T) {
	tr := &stubTransport{
		kind:      model.TransportHTTP,
		connected: true,
		sendErr:   model.NewTransportError(model.TransportHTTP, context.DeadlineExceeded),
	}
	gw, _, _ := testGateway(t, tr)

	payload := `{"action": "start"}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/commands", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	gw.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 on total failure, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "all transports") {
		t.Errorf("error body must name the aggregate failure: %s", rec.Body.String())
	}
}

func TestEventLogEndpoint(t *testing.T) {
	tr := &stubTransport{kind: model.TransportHTTP}
	gw, _, dispatcher := testGateway(t, tr)

	dispatcher.Dispatch(model.NewProgressEvent(model.TransportHTTP, 42, "imu"))

	rec := httptest.NewRecorder()
	gw.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/events/log", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Events []model.DomainEvent `json:"events"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	if len(body.Events) != 1 || body.Events[0].Type != model.EventProgress {
		t.Errorf("unexpected event log: %+v", body.Events)
	}
}

func TestProbeHistoryWithoutStore(t *testing.T) {
	tr := &stubTransport{kind: model.TransportHTTP}
	gw, _, _ := testGateway(t, tr)

	rec := httptest.NewRecorder()
	gw.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/probe/history", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("a missing store must degrade to an empty history, got %d", rec.Code)
	}
}
