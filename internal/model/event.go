// internal/model/event.go
package model

import "time"

// EventType discriminates the normalized domain events
type EventType string

const (
	EventProgress      EventType = "progress"
	EventStateChange   EventType = "state_change"
	EventDataComplete  EventType = "data_complete"
	EventErrorReport   EventType = "error_report"
	EventChannelChange EventType = "channel_change"
	EventDisconnected  EventType = "disconnected"
)

// DomainEvent is the tagged union emitted to subscribers regardless of
// which transport delivered the underlying payload. Exactly one of the
// pointer fields matching Type is set.
type DomainEvent struct {
	Type      EventType        `json:"type"`
	Origin    TransportKind    `json:"origin"`
	Timestamp time.Time        `json:"timestamp"`
	Progress  *ProgressInfo    `json:"progress,omitempty"`
	State     *StateInfo       `json:"state,omitempty"`
	Data      *CalibrationData `json:"data,omitempty"`
	Error     *ErrorInfo       `json:"error,omitempty"`
	Channel   *ChannelInfo     `json:"channel,omitempty"`
}

// ProgressInfo carries calibration progress
type ProgressInfo struct {
	Percent int    `json:"percent"` // 0-100
	Unit    string `json:"unit"`    // sensor currently being calibrated
}

// StateInfo carries a lifecycle state transition
type StateInfo struct {
	State CalibrationState `json:"state"`
	Label string           `json:"label"`
}

// ErrorInfo carries a firmware-reported or bridge-detected error
type ErrorInfo struct {
	Message string `json:"message"`
}

// ChannelInfo carries an active-channel transition
type ChannelInfo struct {
	From TransportKind `json:"from"`
	To   TransportKind `json:"to"`
}

// NewProgressEvent builds a Progress event
func NewProgressEvent(origin TransportKind, percent int, unit string) DomainEvent {
	return DomainEvent{
		Type:      EventProgress,
		Origin:    origin,
		Timestamp: time.Now(),
		Progress:  &ProgressInfo{Percent: percent, Unit: unit},
	}
}

// NewStateEvent builds a StateChange event
func NewStateEvent(origin TransportKind, state CalibrationState, label string) DomainEvent {
	return DomainEvent{
		Type:      EventStateChange,
		Origin:    origin,
		Timestamp: time.Now(),
		State:     &StateInfo{State: state, Label: label},
	}
}

// NewDataEvent builds a DataComplete event
func NewDataEvent(origin TransportKind, data *CalibrationData) DomainEvent {
	return DomainEvent{
		Type:      EventDataComplete,
		Origin:    origin,
		Timestamp: time.Now(),
		Data:      data,
	}
}

// NewErrorEvent builds an ErrorReport event
func NewErrorEvent(origin TransportKind, message string) DomainEvent {
	return DomainEvent{
		Type:      EventErrorReport,
		Origin:    origin,
		Timestamp: time.Now(),
		Error:     &ErrorInfo{Message: message},
	}
}

// NewChannelChangeEvent builds a channel transition event
func NewChannelChangeEvent(from, to TransportKind) DomainEvent {
	return DomainEvent{
		Type:      EventChannelChange,
		Origin:    to,
		Timestamp: time.Now(),
		Channel:   &ChannelInfo{From: from, To: to},
	}
}

// NewDisconnectedEvent builds a transport disconnect notice
func NewDisconnectedEvent(origin TransportKind, reason string) DomainEvent {
	return DomainEvent{
		Type:      EventDisconnected,
		Origin:    origin,
		Timestamp: time.Now(),
		Error:     &ErrorInfo{Message: reason},
	}
}
