// internal/transport/websocket_test.go
package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"robot-bridge/internal/config"
	"robot-bridge/internal/model"
)

func testWSConfig() *config.WSConfig {
	return &config.WSConfig{
		ConnectTimeout: time.Second,
		WriteTimeout:   time.Second,
	}
}

// wsRobot is a scriptable WebSocket peer standing in for the robot
type wsRobot struct {
	mu       sync.Mutex
	upgrader websocket.Upgrader
	conns    []*websocket.Conn
	received [][]byte
}

func newWSRobot() (*wsRobot, *httptest.Server) {
	robot := &wsRobot{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := robot.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		robot.mu.Lock()
		robot.conns = append(robot.conns, conn)
		robot.mu.Unlock()

		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			robot.mu.Lock()
			robot.received = append(robot.received, raw)
			robot.mu.Unlock()
		}
	}))
	return robot, srv
}

func (r *wsRobot) push(t *testing.T, payload string) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.conns) == 0 {
		t.Fatal("no websocket client connected")
	}
	if err := r.conns[0].WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
		t.Fatalf("push failed: %v", err)
	}
}

func (r *wsRobot) dropClient() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, conn := range r.conns {
		conn.Close()
	}
}

func (r *wsRobot) receivedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.received)
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func TestWSUnavailableWithoutEndpoint(t *testing.T) {
	tr := NewWSTransport(testWSConfig(), zap.NewNop())
	err := tr.Connect(context.Background())
	if !model.IsUnavailable(err) {
		t.Errorf("missing endpoint must be unavailable, got %v", err)
	}
}

func TestWSSendUsesBridgeEnvelope(t *testing.T) {
	robot, srv := newWSRobot()
	defer srv.Close()

	tr := NewWSTransport(testWSConfig(), zap.NewNop())
	tr.SetEndpoint(wsURL(srv))
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer tr.Disconnect()

	cmd := model.NewCommand(model.ActionStart, map[string]interface{}{"sensors": []string{"imu"}})
	if err := tr.SendCommand(context.Background(), cmd); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	deadline := time.After(time.Second)
	for robot.receivedCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("frame never arrived at the robot")
		case <-time.After(5 * time.Millisecond):
		}
	}

	robot.mu.Lock()
	raw := robot.received[0]
	robot.mu.Unlock()

	var envelope struct {
		Action    string                 `json:"action"`
		Params    map[string]interface{} `json:"params"`
		Timestamp int64                  `json:"timestamp"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		t.Fatalf("frame is not JSON: %v", err)
	}
	if envelope.Action != "start" || envelope.Timestamp == 0 {
		t.Errorf("unexpected envelope: %s", raw)
	}
	if _, ok := envelope.Params["sensors"]; !ok {
		t.Errorf("params missing from envelope: %s", raw)
	}
}

func TestWSInboundFramesReachHandler(t *testing.T) {
	robot, srv := newWSRobot()
	defer srv.Close()

	handler := &recordingHandler{}
	tr := NewWSTransport(testWSConfig(), zap.NewNop())
	tr.SetHandler(handler)
	tr.SetEndpoint(wsURL(srv))
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer tr.Disconnect()

	robot.push(t, `{"progress": 75, "unit": "camera"}`)

	deadline := time.After(time.Second)
	for handler.rawCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("inbound frame never reached the handler")
		case <-time.After(5 * time.Millisecond):
		}
	}

	handler.mu.Lock()
	defer handler.mu.Unlock()
	if handler.origins[0] != model.TransportWebSocket {
		t.Errorf("expected websocket origin, got %s", handler.origins[0])
	}
}

func TestWSServerDropNotifiesHandler(t *testing.T) {
	robot, srv := newWSRobot()
	defer srv.Close()

	handler := &recordingHandler{}
	tr := NewWSTransport(testWSConfig(), zap.NewNop())
	tr.SetHandler(handler)
	tr.SetEndpoint(wsURL(srv))
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	robot.dropClient()

	deadline := time.After(time.Second)
	for handler.disconnectCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("disconnect never propagated")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if tr.IsConnected() {
		t.Error("transport must flip to disconnected")
	}
}

func TestWSExplicitDisconnectIsSilent(t *testing.T) {
	_, srv := newWSRobot()
	defer srv.Close()

	handler := &recordingHandler{}
	tr := NewWSTransport(testWSConfig(), zap.NewNop())
	tr.SetHandler(handler)
	tr.SetEndpoint(wsURL(srv))
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	if err := tr.Disconnect(); err != nil {
		t.Fatalf("disconnect failed: %v", err)
	}
	if err := tr.Disconnect(); err != nil {
		t.Fatalf("second disconnect failed: %v", err)
	}

	// A deliberate teardown is not a session loss; the arbitrator
	// must not receive a disconnect notice for it.
	time.Sleep(50 * time.Millisecond)
	if handler.disconnectCount() != 0 {
		t.Errorf("explicit disconnect produced %d notices", handler.disconnectCount())
	}

	err := tr.SendCommand(context.Background(), model.NewCommand(model.ActionStop, nil))
	if err == nil {
		t.Error("send after disconnect must fail")
	}
}
