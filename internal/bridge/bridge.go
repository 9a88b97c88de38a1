// internal/bridge/bridge.go
package bridge

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"robot-bridge/internal/event"
	"robot-bridge/internal/model"
	"robot-bridge/internal/transport"
)

// Bridge is the channel arbitrator: it holds the ordered transport
// preference, tracks the active channel and retries commands across
// channels on failure. Partial failure is invisible to the caller;
// total failure is explicit and names every transport's reason.
//
// The bridge is the sole mutator of the channel state. It is
// explicitly constructed and owned; there is no package-level
// instance.
type Bridge struct {
	logger     *zap.Logger
	dispatcher *event.Dispatcher
	normalizer *event.Normalizer
	priority   []model.TransportKind
	transports map[model.TransportKind]transport.Transport

	mu      sync.Mutex
	active  model.TransportKind
	demoted map[model.TransportKind]bool
	closed  bool
}

// New creates a bridge over the given transports in priority order.
// Transports missing from the map are skipped.
func New(priority []model.TransportKind, transports map[model.TransportKind]transport.Transport, dispatcher *event.Dispatcher, logger *zap.Logger) *Bridge {
	if len(priority) == 0 {
		priority = model.DefaultPriority
	}

	b := &Bridge{
		logger:     logger.With(zap.String("component", "bridge")),
		dispatcher: dispatcher,
		priority:   priority,
		transports: transports,
		active:     model.TransportNone,
		demoted:    make(map[model.TransportKind]bool),
	}

	b.normalizer = event.NewNormalizer(dispatcher, logger)
	b.normalizer.SetDataFetcher(func(ctx context.Context) error {
		return b.SendCommand(ctx, model.NewCommand(model.ActionGetData, nil))
	})

	for _, t := range transports {
		t.SetHandler(b)
	}
	return b
}

// Normalizer exposes the event normalizer, mainly for wiring tests
func (b *Bridge) Normalizer() *event.Normalizer {
	return b.normalizer
}

// Subscribe registers a domain-event listener; the returned disposer
// removes it
func (b *Bridge) Subscribe(fn func(model.DomainEvent)) func() {
	return b.dispatcher.Subscribe(fn)
}

// RecentEvents returns the bounded event history for UI display
func (b *Bridge) RecentEvents() []model.DomainEvent {
	return b.dispatcher.Recent()
}

// State returns a snapshot of the channel state
func (b *Bridge) State() model.ChannelState {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := model.ChannelState{Active: b.active}
	for _, kind := range b.priority {
		t, ok := b.transports[kind]
		if ok && !b.demoted[kind] && t.IsConnected() {
			state.Available = append(state.Available, kind)
		}
	}
	return state
}

// Connect attempts each transport in priority order and makes the
// first success the active channel. An unavailable transport (missing
// platform prerequisite) is skipped with no penalty; only genuine
// failures count toward the aggregated error.
func (b *Bridge) Connect(ctx context.Context) error {
	var agg *multierror.Error

	for _, kind := range b.candidates() {
		t := b.transports[kind]

		err := t.Connect(ctx)
		if err == nil {
			b.setActive(kind)
			return nil
		}

		if model.IsUnavailable(err) {
			b.logger.Debug("Transport unavailable, skipping",
				zap.String("transport", string(kind)),
			)
		} else {
			b.logger.Warn("Transport connect failed",
				zap.String("transport", string(kind)),
				zap.Error(err),
			)
		}
		agg = multierror.Append(agg, fmt.Errorf("%s: %w", kind, err))
	}

	if agg == nil {
		return fmt.Errorf("no transports configured")
	}
	return fmt.Errorf("all transports failed: %w", agg.ErrorOrNil())
}

// SendCommand attempts the command on the active channel first, then
// walks the remaining priority order. A transport that is not yet
// connected gets one connect attempt before its send. The caller sees
// either a single success or the aggregated total failure.
func (b *Bridge) SendCommand(ctx context.Context, cmd *model.Command) error {
	var agg *multierror.Error

	for _, kind := range b.sendOrder() {
		t := b.transports[kind]

		if !t.IsConnected() {
			if err := t.Connect(ctx); err != nil {
				agg = multierror.Append(agg, fmt.Errorf("%s: %w", kind, err))
				continue
			}
		}

		if err := t.SendCommand(ctx, cmd); err != nil {
			b.logger.Warn("Send failed, trying next transport",
				zap.String("transport", string(kind)),
				zap.String("action", string(cmd.Action)),
				zap.Error(err),
			)
			agg = multierror.Append(agg, fmt.Errorf("%s: %w", kind, err))
			continue
		}

		b.setActive(kind)
		return nil
	}

	if agg == nil {
		return fmt.Errorf("no transports configured")
	}
	return fmt.Errorf("command %s failed on all transports: %w", cmd.Action, agg.ErrorOrNil())
}

// IsConnected reports whether the robot is reachable at all, on any
// transport, not whether a specific one is up
func (b *Bridge) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, kind := range b.priority {
		if t, ok := b.transports[kind]; ok && t.IsConnected() {
			return true
		}
	}
	return false
}

// Disconnect tears down every session and resets the channel state.
// Idempotent: disconnecting twice is a no-op.
func (b *Bridge) Disconnect() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	for _, kind := range b.priority {
		if t, ok := b.transports[kind]; ok {
			if err := t.Disconnect(); err != nil {
				b.logger.Warn("Transport disconnect failed",
					zap.String("transport", string(kind)),
					zap.Error(err),
				)
			}
		}
	}

	b.mu.Lock()
	b.active = model.TransportNone
	b.demoted = make(map[model.TransportKind]bool)
	b.closed = false
	b.mu.Unlock()

	b.logger.Info("Bridge disconnected")
}

// HandleRaw routes an inbound payload through the normalizer; the
// same decode path runs regardless of which transport delivered it
func (b *Bridge) HandleRaw(raw []byte, origin model.TransportKind) {
	b.normalizer.Handle(raw, origin)
}

// HandleDisconnect reacts to a transport losing its session out from
// under us. The session is demoted for the remainder of the bridge
// session; if it was the active channel, the next connected transport
// takes over, or the state drops to none.
func (b *Bridge) HandleDisconnect(origin model.TransportKind, reason string) {
	b.logger.Warn("Transport session lost",
		zap.String("transport", string(origin)),
		zap.String("reason", reason),
	)

	b.mu.Lock()
	b.demoted[origin] = true
	wasActive := b.active == origin

	next := model.TransportNone
	if wasActive {
		for _, kind := range b.priority {
			if kind == origin || b.demoted[kind] {
				continue
			}
			if t, ok := b.transports[kind]; ok && t.IsConnected() {
				next = kind
				break
			}
		}
	}
	b.mu.Unlock()

	b.dispatcher.Dispatch(model.NewDisconnectedEvent(origin, reason))
	if wasActive {
		b.transitionTo(origin, next)
	}
}

// candidates returns the priority order minus demoted transports
func (b *Bridge) candidates() []model.TransportKind {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []model.TransportKind
	for _, kind := range b.priority {
		if _, ok := b.transports[kind]; ok && !b.demoted[kind] {
			out = append(out, kind)
		}
	}
	return out
}

// sendOrder returns the active channel first, then the remaining
// candidates in priority order
func (b *Bridge) sendOrder() []model.TransportKind {
	b.mu.Lock()
	active := b.active
	b.mu.Unlock()

	candidates := b.candidates()
	if active == model.TransportNone {
		return candidates
	}

	out := make([]model.TransportKind, 0, len(candidates))
	out = append(out, active)
	for _, kind := range candidates {
		if kind != active {
			out = append(out, kind)
		}
	}
	return out
}

// setActive records a new active channel and fires the change event
// when the channel actually moved
func (b *Bridge) setActive(kind model.TransportKind) {
	b.mu.Lock()
	prev := b.active
	if prev == kind {
		b.mu.Unlock()
		return
	}
	b.active = kind
	b.mu.Unlock()

	b.transitionTo(prev, kind)
}

// transitionTo logs and publishes the channel transition
func (b *Bridge) transitionTo(from, to model.TransportKind) {
	b.mu.Lock()
	b.active = to
	b.mu.Unlock()

	b.logger.Info("Active channel changed",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	b.dispatcher.Dispatch(model.NewChannelChangeEvent(from, to))
}
