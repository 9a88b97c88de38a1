// internal/gateway/gateway.go
package gateway

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"robot-bridge/internal/bridge"
	"robot-bridge/internal/config"
	"robot-bridge/internal/model"
	"robot-bridge/internal/probe"
	"robot-bridge/internal/store"
)

// Gateway is the local HTTP surface the UI layer consumes: channel
// state, command submission, the event log, diagnostics scans and a
// WebSocket event push. It is loopback-oriented and carries no
// authentication of its own.
type Gateway struct {
	cfg    *config.Config
	bridge *bridge.Bridge
	prober *probe.Prober
	store  *store.Store
	logger *zap.Logger
}

// New creates a gateway over the bridge
func New(cfg *config.Config, b *bridge.Bridge, p *probe.Prober, s *store.Store, logger *zap.Logger) *Gateway {
	return &Gateway{
		cfg:    cfg,
		bridge: b,
		prober: p,
		store:  s,
		logger: logger.With(zap.String("component", "gateway")),
	}
}

// Router builds the gin engine with all routes registered
func (g *Gateway) Router() *gin.Engine {
	if !g.cfg.IsDebugEnabled() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(g.requestLogger())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     g.cfg.Gateway.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	v1 := router.Group("/api/v1")
	{
		v1.GET("/status", g.handleStatus)
		v1.POST("/commands", g.handleCommand)
		v1.GET("/events/log", g.handleEventLog)
		v1.GET("/probe", g.handleProbe)
		v1.GET("/probe/history", g.handleProbeHistory)
	}

	router.GET("/ws/events", g.handleEventSocket)

	return router
}

// requestLogger logs each API request with method, path and status
func (g *Gateway) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		g.logger.Debug("API request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	}
}

// handleStatus reports the bridge channel state
func (g *Gateway) handleStatus(c *gin.Context) {
	state := g.bridge.State()
	c.JSON(http.StatusOK, gin.H{
		"connected": g.bridge.IsConnected(),
		"active":    state.Active,
		"available": state.Available,
	})
}

// commandRequest is the submission body for POST /commands
type commandRequest struct {
	Action string                 `json:"action" binding:"required"`
	Params map[string]interface{} `json:"params"`
}

// handleCommand submits a domain command through the bridge. Failover
// is invisible here: the response is a single success or the
// aggregated total failure.
func (g *Gateway) handleCommand(c *gin.Context) {
	var req commandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cmd := model.NewCommand(model.CommandAction(req.Action), req.Params)
	if err := g.bridge.SendCommand(c.Request.Context(), cmd); err != nil {
		g.logger.Warn("Command failed on all transports",
			zap.String("action", req.Action),
			zap.Error(err),
		)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"id":     cmd.ID,
		"action": cmd.Action,
	})
}

// handleEventLog returns the bounded recent-event history
func (g *Gateway) handleEventLog(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"events": g.bridge.RecentEvents()})
}

// handleProbe runs a full diagnostics scan across all candidates
func (g *Gateway) handleProbe(c *gin.Context) {
	candidates := probe.BuildCandidates(&g.cfg.Discovery)
	results := g.prober.ProbeAll(c.Request.Context(), candidates, g.cfg.Discovery.PerCandidateTimeout)
	c.JSON(http.StatusOK, gin.H{"results": results})
}

// handleProbeHistory returns persisted probe attempts
func (g *Gateway) handleProbeHistory(c *gin.Context) {
	if g.store == nil {
		c.JSON(http.StatusOK, gin.H{"history": []store.ProbeRecord{}})
		return
	}

	records, err := g.store.ProbeHistory(c.Request.Context(), 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": records})
}
