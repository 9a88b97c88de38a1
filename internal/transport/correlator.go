// internal/transport/correlator.go
package transport

import (
	"context"
	"fmt"
	"time"
)

// Correlator implements the fixed-delay read-after-write strategy used
// on transports without native request/response pairing (BLE write,
// SPP write): send, wait a short delay calibrated to the device's
// typical response time, then issue the read primitive.
//
// This is optimistic correlation, not request-ID matching. Two
// read-style commands issued in quick succession can have their
// responses misattributed; the firmware offers nothing to correlate
// against, so that race is accepted rather than papered over.
type Correlator struct {
	delay time.Duration
}

// NewCorrelator creates a correlator with the given read delay
func NewCorrelator(delay time.Duration) *Correlator {
	if delay <= 0 {
		delay = 250 * time.Millisecond
	}
	return &Correlator{delay: delay}
}

// Await waits the configured delay, then invokes read. An empty or
// failed read yields an explicit error instead of silently returning
// stale bytes.
func (c *Correlator) Await(ctx context.Context, what string, read func() ([]byte, error)) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(c.delay):
	}

	data, err := read()
	if err != nil {
		return nil, fmt.Errorf("could not read %s: %w", what, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("could not read %s: device returned no data", what)
	}
	return data, nil
}
