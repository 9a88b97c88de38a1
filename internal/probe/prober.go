// internal/probe/prober.go
package probe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"robot-bridge/internal/model"
	"robot-bridge/internal/transport"
)

// Result represents one probe attempt against one candidate
type Result struct {
	Candidate model.EndpointCandidate `json:"candidate"`
	OK        bool                    `json:"ok"`
	Latency   time.Duration           `json:"latency"`
	Error     string                  `json:"error,omitempty"`
	Snippet   string                  `json:"snippet,omitempty"`
	At        time.Time               `json:"at"`
}

// DiagnosticSink receives every probe attempt for operator-visible
// diagnostics. Purely observability, never part of correctness.
type DiagnosticSink interface {
	RecordProbe(result Result)
}

// Prober issues lightweight liveness probes against endpoint
// candidates with bounded timeouts. Candidates are probed in
// priority-grouped batches so a fast success short-circuits later
// groups; probes already in flight within a batch are never
// cancelled, their results still feed the diagnostic log.
type Prober struct {
	logger     *zap.Logger
	bleAdapter transport.BLEAdapter
	bleService string
	sink       DiagnosticSink

	// mu guards the in-memory diagnostic ring.
	mu  sync.Mutex
	log []Result
	cap int
}

// NewProber creates a prober. bleAdapter may be nil on platforms
// without Bluetooth; BLE candidates then report unavailable.
func NewProber(logger *zap.Logger, bleAdapter transport.BLEAdapter, bleServiceUUID string, logCap int) *Prober {
	if logCap <= 0 {
		logCap = 200
	}
	return &Prober{
		logger:     logger.With(zap.String("component", "prober")),
		bleAdapter: bleAdapter,
		bleService: bleServiceUUID,
		cap:        logCap,
	}
}

// SetSink installs an external diagnostic sink (e.g. the store)
func (p *Prober) SetSink(sink DiagnosticSink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sink = sink
}

// Probe returns the fastest live candidate, or nil with an aggregated
// user-actionable error when nothing responds
func (p *Prober) Probe(ctx context.Context, candidates []model.EndpointCandidate, perCandidateTimeout time.Duration) (*Result, error) {
	for _, batch := range groupByPriority(candidates) {
		results := p.probeBatch(ctx, batch, perCandidateTimeout)

		var best *Result
		for i := range results {
			if !results[i].OK {
				continue
			}
			if best == nil || results[i].Latency < best.Latency {
				best = &results[i]
			}
		}
		if best != nil {
			p.logger.Info("Robot located",
				zap.String("kind", string(best.Candidate.Kind)),
				zap.String("url", best.Candidate.URL()),
				zap.Duration("latency", best.Latency),
			)
			return best, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
	}

	return nil, p.aggregateFailure(candidates)
}

// ProbeAll probes every candidate and returns all results ranked by
// success first, then latency. Used by the diagnostics scan.
func (p *Prober) ProbeAll(ctx context.Context, candidates []model.EndpointCandidate, perCandidateTimeout time.Duration) []Result {
	var all []Result
	for _, batch := range groupByPriority(candidates) {
		all = append(all, p.probeBatch(ctx, batch, perCandidateTimeout)...)
	}

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].OK != all[j].OK {
			return all[i].OK
		}
		return all[i].Latency < all[j].Latency
	})
	return all
}

// probeBatch probes one priority group in parallel and waits for every
// member, recording each attempt
func (p *Prober) probeBatch(ctx context.Context, batch []model.EndpointCandidate, timeout time.Duration) []Result {
	results := make([]Result, len(batch))
	var wg sync.WaitGroup

	for i, candidate := range batch {
		wg.Add(1)
		go func(i int, candidate model.EndpointCandidate) {
			defer wg.Done()
			results[i] = p.probeOne(ctx, candidate, timeout)
		}(i, candidate)
	}
	wg.Wait()

	for i := range results {
		p.record(results[i])
	}
	return results
}

// probeOne issues one liveness probe with an explicit deadline.
// Deadline expiry is an ordinary failure, never fatal.
func (p *Prober) probeOne(ctx context.Context, candidate model.EndpointCandidate, timeout time.Duration) Result {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result := Result{Candidate: candidate, At: start}

	var snippet string
	var err error
	switch candidate.Kind {
	case model.TransportHTTP:
		snippet, err = p.probeHTTP(probeCtx, candidate)
	case model.TransportWebSocket:
		err = p.probeWebSocket(probeCtx, candidate)
	case model.TransportBLE:
		err = p.probeBLE(probeCtx)
	default:
		err = fmt.Errorf("kind %s is not network-probeable", candidate.Kind)
	}

	result.Latency = time.Since(start)
	result.Snippet = snippet
	if err != nil {
		result.Error = err.Error()
	} else {
		result.OK = true
	}
	return result
}

// probeHTTP issues a minimal GET; any response with a status code
// counts as alive, since some firmware answers non-200 on the
// liveness path
func (p *Prober) probeHTTP(ctx context.Context, candidate model.EndpointCandidate) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, candidate.URL(), nil)
	if err != nil {
		return "", err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	return string(body), nil
}

// probeWebSocket succeeds when the socket reaches open state within
// the deadline
func (p *Prober) probeWebSocket(ctx context.Context, candidate model.EndpointCandidate) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, candidate.URL(), nil)
	if err != nil {
		return err
	}
	conn.Close()
	return nil
}

// probeBLE succeeds when a scan finds a device advertising the robot
// service and a GATT connect plus service lookup succeeds
func (p *Prober) probeBLE(ctx context.Context) error {
	if p.bleAdapter == nil {
		return fmt.Errorf("bluetooth not available on this platform")
	}
	if err := p.bleAdapter.Enable(); err != nil {
		return fmt.Errorf("bluetooth adapter disabled: %w", err)
	}

	devices, err := p.bleAdapter.Scan(ctx, p.bleService, nil)
	if err != nil {
		return fmt.Errorf("ble scan: %w", err)
	}
	if len(devices) == 0 {
		return fmt.Errorf("no device advertising service %s", p.bleService)
	}

	conn, err := p.bleAdapter.Connect(ctx, devices[0].Address)
	if err != nil {
		return fmt.Errorf("ble connect: %w", err)
	}
	defer conn.Disconnect()

	// A successful primary-service lookup proves the right firmware,
	// not just any advertiser.
	if err := conn.DiscoverService(p.bleService); err != nil {
		return fmt.Errorf("service %s not resolvable: %w", p.bleService, err)
	}
	return nil
}

// record appends the attempt to the bounded diagnostic log and the
// external sink
func (p *Prober) record(result Result) {
	p.mu.Lock()
	p.log = append(p.log, result)
	if len(p.log) > p.cap {
		p.log = p.log[len(p.log)-p.cap:]
	}
	sink := p.sink
	p.mu.Unlock()

	p.logger.Debug("Probe attempt",
		zap.String("kind", string(result.Candidate.Kind)),
		zap.String("url", result.Candidate.URL()),
		zap.Bool("ok", result.OK),
		zap.Duration("latency", result.Latency),
		zap.String("error", result.Error),
	)

	if sink != nil {
		sink.RecordProbe(result)
	}
}

// Log returns a snapshot of recent probe attempts
func (p *Prober) Log() []Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Result, len(p.log))
	copy(out, p.log)
	return out
}

// aggregateFailure produces the user-actionable error describing
// which prerequisites to check. Recoverable by the operator, never a
// crash.
func (p *Prober) aggregateFailure(candidates []model.EndpointCandidate) error {
	var agg *multierror.Error
	agg = multierror.Append(agg,
		fmt.Errorf("no endpoint responded: confirm the robot is powered on and on the expected WiFi/Bluetooth network"))

	kinds := map[model.TransportKind]int{}
	for _, candidate := range candidates {
		kinds[candidate.Kind]++
	}
	for kind, count := range kinds {
		agg = multierror.Append(agg, fmt.Errorf("%s: %d candidate(s) tried, none reachable", kind, count))
	}
	return agg.ErrorOrNil()
}

// groupByPriority batches candidates by (kind, port) in first-seen
// order so all hosts for one port are probed in parallel before the
// next port is tried
func groupByPriority(candidates []model.EndpointCandidate) [][]model.EndpointCandidate {
	type groupKey struct {
		kind model.TransportKind
		port int
	}

	var order []groupKey
	groups := make(map[groupKey][]model.EndpointCandidate)
	for _, candidate := range candidates {
		key := groupKey{candidate.Kind, candidate.Port}
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], candidate)
	}

	out := make([][]model.EndpointCandidate, 0, len(order))
	for _, key := range order {
		out = append(out, groups[key])
	}
	return out
}
