// internal/store/store_test.go
package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"robot-bridge/internal/model"
	"robot-bridge/internal/probe"
)

func openTestStore(t *testing.T, logCap int) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "bridge.db"), logCap, zap.NewNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEndpointRoundTrip(t *testing.T) {
	s := openTestStore(t, 10)
	ctx := context.Background()

	candidate := model.EndpointCandidate{
		Kind:   model.TransportHTTP,
		Scheme: "http",
		Host:   "192.168.99.2",
		Port:   80,
		Path:   "/api/ping",
	}
	if err := s.SaveEndpoint(ctx, candidate); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	loaded, err := s.LastEndpoint(ctx, model.TransportHTTP)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded == nil {
		t.Fatal("expected a cached endpoint")
	}
	if *loaded != candidate {
		t.Errorf("round trip mismatch: %+v != %+v", *loaded, candidate)
	}
}

func TestEndpointUpsertKeepsOnePerKind(t *testing.T) {
	s := openTestStore(t, 10)
	ctx := context.Background()

	first := model.EndpointCandidate{Kind: model.TransportWebSocket, Scheme: "ws", Host: "192.168.99.1", Port: 8080, Path: "/ws"}
	second := model.EndpointCandidate{Kind: model.TransportWebSocket, Scheme: "ws", Host: "192.168.99.100", Port: 9001, Path: "/ws"}

	if err := s.SaveEndpoint(ctx, first); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := s.SaveEndpoint(ctx, second); err != nil {
		t.Fatalf("second save failed: %v", err)
	}

	loaded, err := s.LastEndpoint(ctx, model.TransportWebSocket)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded.Host != second.Host || loaded.Port != second.Port {
		t.Errorf("expected the newer endpoint, got %+v", loaded)
	}
}

func TestLastEndpointMissIsNotAnError(t *testing.T) {
	s := openTestStore(t, 10)

	loaded, err := s.LastEndpoint(context.Background(), model.TransportHTTP)
	if err != nil {
		t.Fatalf("a cache miss must not error: %v", err)
	}
	if loaded != nil {
		t.Errorf("expected nil for an empty cache, got %+v", loaded)
	}
}

func TestProbeLogPersistsAndPrunes(t *testing.T) {
	s := openTestStore(t, 3)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		s.RecordProbe(probe.Result{
			Candidate: model.EndpointCandidate{Kind: model.TransportHTTP, Scheme: "http", Host: "192.168.99.2", Port: 80 + i},
			OK:        i%2 == 0,
			Latency:   time.Duration(i) * time.Millisecond,
			Error:     "connection refused",
			At:        time.Now(),
		})
	}

	records, err := s.ProbeHistory(ctx, 10)
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected log pruned to cap 3, got %d rows", len(records))
	}
	// Newest first.
	if records[0].Target != "http://192.168.99.2:84" {
		t.Errorf("unexpected newest record: %+v", records[0])
	}
	if records[0].Note != "connection refused" {
		t.Errorf("failure reason must persist: %+v", records[0])
	}
}
