// internal/model/transport.go
package model

import "strconv"

// TransportKind represents one of the candidate channels to the robot
type TransportKind string

const (
	TransportNone      TransportKind = "none"
	TransportBLE       TransportKind = "ble"
	TransportSPP       TransportKind = "spp"
	TransportWebSocket TransportKind = "websocket"
	TransportHTTP      TransportKind = "http"
)

// DefaultPriority is the order in which transports are attempted
// when no explicit order is configured.
var DefaultPriority = []TransportKind{
	TransportBLE,
	TransportSPP,
	TransportWebSocket,
	TransportHTTP,
}

// ChannelState represents the bridge-wide view of the active channel.
// Only the channel arbitrator mutates it; readers observe snapshots.
type ChannelState struct {
	Active    TransportKind   `json:"active"`
	Available []TransportKind `json:"available"`
}

// EndpointCandidate represents one probe target. BLE and SPP candidates
// carry no host/port; they are located over radio, not IP.
type EndpointCandidate struct {
	Kind   TransportKind `json:"kind"`
	Scheme string        `json:"scheme,omitempty"`
	Host   string        `json:"host,omitempty"`
	Port   int           `json:"port,omitempty"`
	Path   string        `json:"path,omitempty"`
}

// URL renders the candidate as a dialable URL. Port 0 means the scheme
// default and is omitted, since some firmware only answers on implicit-80.
func (e EndpointCandidate) URL() string {
	if e.Host == "" {
		return ""
	}
	return e.BaseURL() + e.Path
}

// BaseURL renders scheme://host[:port] without the probe path
func (e EndpointCandidate) BaseURL() string {
	if e.Host == "" {
		return ""
	}
	url := e.Scheme + "://" + e.Host
	if e.Port > 0 {
		url += ":" + strconv.Itoa(e.Port)
	}
	return url
}
