// cmd/bridge/main.go
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"robot-bridge/internal/bridge"
	"robot-bridge/internal/config"
	"robot-bridge/internal/event"
	"robot-bridge/internal/gateway"
	"robot-bridge/internal/logging"
	"robot-bridge/internal/model"
	"robot-bridge/internal/probe"
	"robot-bridge/internal/store"
	"robot-bridge/internal/transport"
)

// Application represents the main application
type Application struct {
	config *config.Config
	logger *zap.Logger
	server *http.Server
	store  *store.Store

	dispatcher *event.Dispatcher
	prober     *probe.Prober
	bridge     *bridge.Bridge

	wsTransport   *transport.WSTransport
	httpTransport *transport.HTTPTransport
}

func main() {
	app, err := NewApplication()
	if err != nil {
		fmt.Printf("Failed to initialize application: %v\n", err)
		os.Exit(1)
	}

	if err := app.Start(); err != nil {
		app.logger.Fatal("Failed to start application", zap.Error(err))
	}
}

// NewApplication creates a new application instance
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logging.NewLogger(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	logger.Info("Starting robot bridge",
		zap.String("name", cfg.App.Name),
		zap.String("version", cfg.App.Version),
		zap.String("environment", cfg.App.Environment),
	)

	app := &Application{
		config: cfg,
		logger: logger,
	}

	if err := app.initializeStore(); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	if err := app.initializeBridge(); err != nil {
		return nil, fmt.Errorf("failed to initialize bridge: %w", err)
	}

	if err := app.initializeServer(); err != nil {
		return nil, fmt.Errorf("failed to initialize server: %w", err)
	}

	return app, nil
}

// initializeStore opens the local endpoint cache. The bridge runs
// fine without it; a broken disk must not keep the robot unreachable.
func (app *Application) initializeStore() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := store.Open(ctx, app.config.Store.Path, app.config.Store.ProbeLogCap, app.logger)
	if err != nil {
		app.logger.Warn("Endpoint cache unavailable, continuing without persistence",
			zap.String("path", app.config.Store.Path),
			zap.Error(err),
		)
		return nil
	}

	app.store = s
	app.logger.Info("Endpoint cache initialized", zap.String("path", app.config.Store.Path))
	return nil
}

// initializeBridge wires the transports, prober and channel arbitrator
func (app *Application) initializeBridge() error {
	bleAdapter := transport.NewHardwareBLEAdapter()

	bleTransport := transport.NewBLETransport(&app.config.Transport.BLE, bleAdapter, app.logger)
	sppTransport := transport.NewSPPTransport(&app.config.Transport.SPP, transport.SystemSerialProvider{}, app.logger)
	app.wsTransport = transport.NewWSTransport(&app.config.Transport.WS, app.logger)
	app.httpTransport = transport.NewHTTPTransport(&app.config.Transport.HTTP, app.logger)

	transports := map[model.TransportKind]transport.Transport{
		model.TransportBLE:       bleTransport,
		model.TransportSPP:       sppTransport,
		model.TransportWebSocket: app.wsTransport,
		model.TransportHTTP:      app.httpTransport,
	}

	priority := make([]model.TransportKind, 0, len(app.config.Bridge.Priority))
	for _, kind := range app.config.Bridge.Priority {
		priority = append(priority, model.TransportKind(kind))
	}

	app.dispatcher = event.NewDispatcher(app.config.Bridge.EventLogSize)
	app.bridge = bridge.New(priority, transports, app.dispatcher, app.logger)

	app.prober = probe.NewProber(
		app.logger,
		bleAdapter,
		app.config.Transport.BLE.ServiceUUID,
		app.config.Store.ProbeLogCap,
	)
	if app.store != nil {
		app.prober.SetSink(app.store)
	}

	app.logger.Info("Bridge initialized",
		zap.Int("transports", len(transports)),
		zap.Strings("priority", app.config.Bridge.Priority),
	)
	return nil
}

// initializeServer sets up the UI gateway HTTP server
func (app *Application) initializeServer() error {
	gw := gateway.New(app.config, app.bridge, app.prober, app.store, app.logger)

	app.server = &http.Server{
		Addr:         app.config.GetGatewayAddr(),
		Handler:      gw.Router(),
		ReadTimeout:  app.config.Gateway.ReadTimeout,
		WriteTimeout: app.config.Gateway.WriteTimeout,
		IdleTimeout:  app.config.Gateway.IdleTimeout,
	}

	app.logger.Info("Gateway server initialized",
		zap.String("address", app.config.GetGatewayAddr()),
	)
	return nil
}

// discoverAndConnect resolves network endpoints and brings the bridge
// up. The cached endpoint from the last session is tried before a
// full scan, so a robot that has not moved reconnects in one ping.
func (app *Application) discoverAndConnect() {
	ctx, cancel := context.WithTimeout(context.Background(), app.config.Discovery.ScanTimeout)
	defer cancel()

	if app.tryCachedEndpoints(ctx) {
		if err := app.bridge.Connect(ctx); err == nil {
			return
		}
		app.logger.Info("Cached endpoints stale, falling back to full scan")
	}

	candidates := probe.BuildCandidates(&app.config.Discovery)
	result, err := app.prober.Probe(ctx, candidates, app.config.Discovery.PerCandidateTimeout)
	if err != nil {
		app.logger.Warn("Endpoint discovery found no reachable robot", zap.Error(err))
	} else {
		app.adoptEndpoint(result.Candidate)
	}

	if err := app.bridge.Connect(ctx); err != nil {
		app.logger.Error("Initial connect failed on all transports", zap.Error(err))
	}
}

// tryCachedEndpoints probes the endpoints cached from the last
// session and seeds the network transports with the ones that still
// answer. The primary ping gets a generous deadline so a robot still
// waking from standby is not written off. Returns true if at least
// one cached endpoint was applied.
func (app *Application) tryCachedEndpoints(ctx context.Context) bool {
	if app.store == nil {
		return false
	}

	var cached []model.EndpointCandidate
	for _, kind := range []model.TransportKind{model.TransportWebSocket, model.TransportHTTP} {
		candidate, err := app.store.LastEndpoint(ctx, kind)
		if err != nil {
			app.logger.Debug("Endpoint cache lookup failed",
				zap.String("transport", string(kind)), zap.Error(err))
			continue
		}
		if candidate != nil {
			cached = append(cached, *candidate)
		}
	}
	if len(cached) == 0 {
		return false
	}

	applied := false
	for _, result := range app.prober.ProbeAll(ctx, cached, app.config.Discovery.PrimaryPingTimeout) {
		if !result.OK {
			continue
		}
		app.adoptEndpoint(result.Candidate)
		applied = true
	}
	return applied
}

// adoptEndpoint points the matching network transport at a discovered
// candidate and persists it for the next session
func (app *Application) adoptEndpoint(candidate model.EndpointCandidate) {
	switch candidate.Kind {
	case model.TransportWebSocket:
		app.wsTransport.SetEndpoint(candidate.URL())
	case model.TransportHTTP:
		app.httpTransport.SetEndpoint(candidate.BaseURL())
	default:
		return
	}

	app.logger.Info("Endpoint adopted",
		zap.String("transport", string(candidate.Kind)),
		zap.String("url", candidate.URL()),
	)

	if app.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := app.store.SaveEndpoint(ctx, candidate); err != nil {
			app.logger.Warn("Failed to persist endpoint", zap.Error(err))
		}
	}
}

// waitForShutdown waits for shutdown signal and performs graceful shutdown
func (app *Application) waitForShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	app.logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	app.shutdown()
}

// shutdown performs graceful shutdown
func (app *Application) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := app.server.Shutdown(ctx); err != nil {
		app.logger.Error("Gateway server shutdown error", zap.Error(err))
	} else {
		app.logger.Info("Gateway server stopped")
	}

	app.bridge.Disconnect()
	app.logger.Info("Bridge disconnected")

	if app.store != nil {
		if err := app.store.Close(); err != nil {
			app.logger.Error("Endpoint cache close error", zap.Error(err))
		}
	}

	app.logger.Info("Application shutdown completed")

	if err := logging.CloseLogger(app.logger); err != nil {
		fmt.Printf("Logger close error: %v\n", err)
	}
}

func (app *Application) Start() error {
	go func() {
		app.logger.Info("Starting gateway server",
			zap.String("address", app.server.Addr),
		)

		if err := app.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			app.logger.Fatal("Failed to start gateway server", zap.Error(err))
		}
	}()

	go app.discoverAndConnect()

	app.waitForShutdown()

	return nil
}
