// internal/model/command.go
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// CommandAction represents a domain-level instruction to the robot
type CommandAction string

const (
	ActionStart    CommandAction = "start"
	ActionStop     CommandAction = "stop"
	ActionReset    CommandAction = "reset"
	ActionGetData  CommandAction = "get_data"
	ActionGetState CommandAction = "get_state"
	ActionExport   CommandAction = "export"
	ActionImport   CommandAction = "import"
)

// Command represents a domain command flowing through the bridge.
// Immutable once constructed; it lives only for the duration of the
// send attempt, including cross-transport retries.
type Command struct {
	ID        uuid.UUID              `json:"id"`
	Action    CommandAction          `json:"action"`
	Params    map[string]interface{} `json:"params,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// NewCommand creates a command with a fresh ID and client timestamp
func NewCommand(action CommandAction, params map[string]interface{}) *Command {
	return &Command{
		ID:        uuid.New(),
		Action:    action,
		Params:    params,
		Timestamp: time.Now(),
	}
}

// IsRead reports whether the action expects data back rather than
// acknowledging a state change. Read-style commands trigger the
// delayed read on fire-and-forget transports.
func (c *Command) IsRead() bool {
	return c.Action == ActionGetData || c.Action == ActionGetState
}

// EncodeWire serializes the command into the low-level wire form used
// over BLE and SPP: {"cmd": "...", ...params} as a flat object.
func (c *Command) EncodeWire() ([]byte, error) {
	frame := make(map[string]interface{}, len(c.Params)+1)
	for k, v := range c.Params {
		frame[k] = v
	}
	frame["cmd"] = string(c.Action)
	return json.Marshal(frame)
}

// EncodeBridge serializes the command into the bridge-level envelope
// used over WebSocket and HTTP: {"action", "params", "timestamp"}.
func (c *Command) EncodeBridge() ([]byte, error) {
	return json.Marshal(struct {
		Action    string                 `json:"action"`
		Params    map[string]interface{} `json:"params"`
		Timestamp int64                  `json:"timestamp"`
	}{
		Action:    string(c.Action),
		Params:    c.Params,
		Timestamp: c.Timestamp.UnixMilli(),
	})
}
