// internal/model/errors_test.go
package model

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorCategoriesSurviveWrapping(t *testing.T) {
	base := NewUnavailableError(TransportBLE, errors.New("no adapter"))
	wrapped := fmt.Errorf("ble: %w", base)

	if !IsUnavailable(wrapped) {
		t.Error("category must survive fmt.Errorf wrapping")
	}
	if Category(wrapped) != CategoryUnavailable {
		t.Errorf("got category %s", Category(wrapped))
	}
}

func TestCategoryDefaultsToTransport(t *testing.T) {
	if Category(errors.New("plain")) != CategoryTransport {
		t.Error("uncategorized errors default to transport")
	}
}

func TestIsTimeout(t *testing.T) {
	err := NewTimeoutError(TransportHTTP, errors.New("deadline"))
	if !IsTimeout(err) {
		t.Error("expected timeout category")
	}
	if IsUnavailable(err) {
		t.Error("timeout is not unavailable")
	}
}

func TestBridgeErrorMessageNamesTransport(t *testing.T) {
	err := NewDomainError(TransportHTTP, errors.New("robot-side error"))
	msg := err.Error()
	if msg != "http (domain): robot-side error" {
		t.Errorf("unexpected message: %q", msg)
	}
}

func TestEndpointCandidateURL(t *testing.T) {
	tests := []struct {
		candidate EndpointCandidate
		want      string
	}{
		{EndpointCandidate{Scheme: "http", Host: "192.168.99.2", Port: 80, Path: "/api/ping"}, "http://192.168.99.2:80/api/ping"},
		{EndpointCandidate{Scheme: "http", Host: "192.168.99.2", Port: 0, Path: "/api/ping"}, "http://192.168.99.2/api/ping"},
		{EndpointCandidate{Scheme: "ws", Host: "192.168.99.1", Port: 8080, Path: "/ws"}, "ws://192.168.99.1:8080/ws"},
		{EndpointCandidate{Kind: TransportBLE}, ""},
	}
	for _, tt := range tests {
		if got := tt.candidate.URL(); got != tt.want {
			t.Errorf("URL() = %q, want %q", got, tt.want)
		}
	}
}

func TestCalibrationStateNames(t *testing.T) {
	if CalibIdle.String() != "idle" || CalibComplete.String() != "complete" || CalibError.String() != "error" {
		t.Error("unexpected state names")
	}
	if CalibrationState(99).String() != "unknown" {
		t.Error("out-of-range states must read unknown")
	}
	if !CalibError.IsError() || CalibComplete.IsError() {
		t.Error("only the error state is an error")
	}
}
