// internal/probe/candidates.go
package probe

import (
	"robot-bridge/internal/config"
	"robot-bridge/internal/model"
)

// BuildCandidates derives the discovery surface from the configured
// host/port tables: the cartesian product of known hosts and known
// ports per scheme, in deterministic order. HTTP candidates come
// first (they answer fastest when the robot is awake), then
// WebSocket, then a single BLE candidate with no network address.
func BuildCandidates(cfg *config.DiscoveryConfig) []model.EndpointCandidate {
	var candidates []model.EndpointCandidate

	for _, port := range cfg.HTTPPorts {
		for _, host := range cfg.Hosts {
			candidates = append(candidates, model.EndpointCandidate{
				Kind:   model.TransportHTTP,
				Scheme: "http",
				Host:   host,
				Port:   port,
				Path:   cfg.PingPath,
			})
		}
	}

	for _, port := range cfg.WebSocketPorts {
		for _, host := range cfg.Hosts {
			candidates = append(candidates, model.EndpointCandidate{
				Kind:   model.TransportWebSocket,
				Scheme: "ws",
				Host:   host,
				Port:   port,
				Path:   cfg.WebSocketPath,
			})
		}
	}

	candidates = append(candidates, model.EndpointCandidate{
		Kind: model.TransportBLE,
	})

	return candidates
}
