// internal/event/normalizer.go
package event

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"robot-bridge/internal/model"
)

// DataFetcher triggers the follow-up "get final data" command once a
// run reports 100% progress. The bridge supplies this against
// whichever channel is active at that moment; the response flows back
// through Handle and is classified as DataComplete there, so exactly
// one DataComplete reaches subscribers per run.
type DataFetcher func(ctx context.Context) error

// Normalizer parses heterogeneous payloads arriving from any transport
// into typed domain events and dispatches them. The same decoder runs
// whether the bytes arrived via BLE notification, SPP poll, or
// WebSocket frame; failover is invisible at this boundary.
type Normalizer struct {
	dispatcher *Dispatcher
	fetcher    DataFetcher
	logger     *zap.Logger

	// mu guards the one-fetch-per-run dedup state.
	mu      sync.Mutex
	fetched bool
}

// NewNormalizer creates a normalizer bound to a dispatcher
func NewNormalizer(dispatcher *Dispatcher, logger *zap.Logger) *Normalizer {
	return &Normalizer{
		dispatcher: dispatcher,
		logger:     logger.With(zap.String("component", "normalizer")),
	}
}

// SetDataFetcher installs the follow-up fetch used on 100% progress
func (n *Normalizer) SetDataFetcher(fetcher DataFetcher) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.fetcher = fetcher
}

// Handle classifies one raw inbound payload and dispatches the
// resulting events. Undecodable payloads are expected noise and are
// dropped silently; only the diagnostic log sees them.
func (n *Normalizer) Handle(raw []byte, origin model.TransportKind) {
	events, ok := Classify(raw, origin)
	if !ok {
		n.logger.Debug("Dropped unclassifiable payload",
			zap.String("origin", string(origin)),
			zap.Int("bytes", len(raw)),
		)
		return
	}

	for _, ev := range events {
		n.dispatcher.Dispatch(ev)
		if ev.Type == model.EventProgress {
			n.onProgress(ev)
		}
	}
}

// onProgress arms or fires the completion auto-fetch. A burst of 100%
// progress frames must produce exactly one DataComplete.
func (n *Normalizer) onProgress(ev model.DomainEvent) {
	n.mu.Lock()
	if ev.Progress.Percent < 100 {
		// A new run is underway; re-arm the fetch guard.
		n.fetched = false
		n.mu.Unlock()
		return
	}
	if n.fetched || n.fetcher == nil {
		n.mu.Unlock()
		return
	}
	n.fetched = true
	fetcher := n.fetcher
	n.mu.Unlock()

	if err := fetcher(context.Background()); err != nil {
		n.logger.Warn("Final data fetch failed", zap.Error(err))
		n.dispatcher.Dispatch(model.NewErrorEvent(ev.Origin, "could not read calibration data: "+err.Error()))
	}
}

// Classify decodes a raw payload and maps it onto domain events by
// structural shape. The firmware guarantees no message-type
// discriminator, so classification stays shape-based and defensive.
// Returns false when the payload is not meaningful JSON.
func Classify(raw []byte, origin model.TransportKind) ([]model.DomainEvent, bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return nil, false
	}

	// Progress: {"progress": 0-100, "unit": "imu"}
	if rawProgress, ok := obj["progress"]; ok {
		var percent float64
		if err := json.Unmarshal(rawProgress, &percent); err == nil {
			unit := stringField(obj, "unit", "currentUnit", "current_unit", "sensor")
			p := int(percent)
			if p < 0 {
				p = 0
			}
			if p > 100 {
				p = 100
			}
			return []model.DomainEvent{model.NewProgressEvent(origin, p, unit)}, true
		}
	}

	// StateChange: {"state": 3, "stateName": "mag_init"}
	if rawState, ok := obj["state"]; ok {
		var stateNum float64
		if err := json.Unmarshal(rawState, &stateNum); err == nil {
			state := model.CalibrationState(int(stateNum))
			label := stringField(obj, "stateName", "state_name", "label")
			if label == "" {
				label = state.String()
			}
			events := []model.DomainEvent{model.NewStateEvent(origin, state, label)}
			if state.IsError() {
				events = append(events, model.NewErrorEvent(origin, "calibration entered error state"))
			}
			return events, true
		}
	}

	// ErrorReport: {"error": "..."}
	if rawErr, ok := obj["error"]; ok {
		var msg string
		if err := json.Unmarshal(rawErr, &msg); err == nil && msg != "" {
			return []model.DomainEvent{model.NewErrorEvent(origin, msg)}, true
		}
	}

	// DataComplete: a coefficient record, flat or nested form
	if data, ok := decodeCalibration(raw, obj); ok {
		return []model.DomainEvent{model.NewDataEvent(origin, data)}, true
	}

	return nil, false
}

// decodeCalibration accepts both payload variants seen across firmware
// versions: the flat form ("imuBiasX": ...) and the nested form
// ("imu": {"biasX": ...}).
func decodeCalibration(raw []byte, obj map[string]json.RawMessage) (*model.CalibrationData, bool) {
	if _, flat := obj["imuBiasX"]; flat {
		var data model.CalibrationData
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, false
		}
		return &data, true
	}

	rawIMU, nested := obj["imu"]
	if !nested {
		return nil, false
	}

	var data model.CalibrationData

	var imu struct {
		BiasX  float64 `json:"biasX"`
		BiasY  float64 `json:"biasY"`
		BiasZ  float64 `json:"biasZ"`
		ScaleX float64 `json:"scaleX"`
		ScaleY float64 `json:"scaleY"`
		ScaleZ float64 `json:"scaleZ"`
	}
	if err := json.Unmarshal(rawIMU, &imu); err != nil {
		return nil, false
	}
	data.IMUBiasX, data.IMUBiasY, data.IMUBiasZ = imu.BiasX, imu.BiasY, imu.BiasZ
	data.IMUScaleX, data.IMUScaleY, data.IMUScaleZ = imu.ScaleX, imu.ScaleY, imu.ScaleZ

	if rawMag, ok := obj["mag"]; ok {
		var mag struct {
			OffsetX float64 `json:"offsetX"`
			OffsetY float64 `json:"offsetY"`
			OffsetZ float64 `json:"offsetZ"`
			ScaleX  float64 `json:"scaleX"`
			ScaleY  float64 `json:"scaleY"`
			ScaleZ  float64 `json:"scaleZ"`
		}
		if err := json.Unmarshal(rawMag, &mag); err == nil {
			data.MagOffsetX, data.MagOffsetY, data.MagOffsetZ = mag.OffsetX, mag.OffsetY, mag.OffsetZ
			data.MagScaleX, data.MagScaleY, data.MagScaleZ = mag.ScaleX, mag.ScaleY, mag.ScaleZ
		}
	}

	if rawOdom, ok := obj["odom"]; ok {
		var odom struct {
			PulsesPerMeterLeft  float64 `json:"pulsesPerMeterLeft"`
			PulsesPerMeterRight float64 `json:"pulsesPerMeterRight"`
		}
		if err := json.Unmarshal(rawOdom, &odom); err == nil {
			data.PulsesPerMeterLeft = odom.PulsesPerMeterLeft
			data.PulsesPerMeterRight = odom.PulsesPerMeterRight
		}
	}

	if rawMeta, ok := obj["timestamp"]; ok {
		var ts float64
		if err := json.Unmarshal(rawMeta, &ts); err == nil {
			data.Timestamp = int64(ts)
		}
	}

	return &data, true
}

// stringField returns the first present non-empty string among keys
func stringField(obj map[string]json.RawMessage, keys ...string) string {
	for _, key := range keys {
		raw, ok := obj[key]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil && s != "" {
			return s
		}
	}
	return ""
}
