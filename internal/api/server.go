// Package api exposes the operator REST and websocket surface. It is a thin
// shell over the engine: no trading decision lives here.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"trading-engine/internal/alerts"
	"trading-engine/internal/audit"
	"trading-engine/internal/engine"
	"trading-engine/internal/execution"
	"trading-engine/internal/ledger"
	"trading-engine/internal/risk"
	"trading-engine/internal/signal"
)

// RateLimiter provides simple in-memory rate limiting per endpoint.
type RateLimiter struct {
	requests map[string][]time.Time
	mu       sync.Mutex
	limit    int
	window   time.Duration
}

// NewRateLimiter creates a rate limiter allowing limit requests per window.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// Allow checks whether a request is admitted for the given key.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(windowStart) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	ProductionMode bool     `json:"production_mode"`
	AllowOrigins   []string `json:"allow_origins"`

	// JWTSecret signs operator tokens. Empty disables authentication;
	// only acceptable for local paper trading.
	JWTSecret string `json:"jwt_secret"`

	// ConfirmKeyHash is the bcrypt hash checked by the token endpoint and
	// by destructive operations.
	ConfirmKeyHash string `json:"confirm_key_hash"`
}

// Server is the operator HTTP API.
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	config      ServerConfig
	engine      *engine.Engine
	exec        *execution.Engine
	book        *ledger.Ledger
	gate        *risk.Gate
	trail       *audit.Logger
	alerter     *alerts.Escalator
	tokens      *TokenManager
	rateLimiter *RateLimiter
	hub         *WSHub
	health      HealthChecker
	logger      zerolog.Logger
}

// HealthChecker reports reachability of the durability store so the health
// endpoint can surface degraded persistence without failing the process.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// NewServer wires the operator API around an engine.
func NewServer(config ServerConfig, eng *engine.Engine, exec *execution.Engine, book *ledger.Ledger,
	gate *risk.Gate, trail *audit.Logger, alerter *alerts.Escalator, logger zerolog.Logger) *Server {
	if config.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(config.AllowOrigins) > 0 {
		corsConfig.AllowOrigins = config.AllowOrigins
	} else {
		corsConfig.AllowOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.AllowCredentials = true
	router.Use(cors.New(corsConfig))

	server := &Server{
		router:      router,
		config:      config,
		engine:      eng,
		exec:        exec,
		book:        book,
		gate:        gate,
		trail:       trail,
		alerter:     alerter,
		rateLimiter: NewRateLimiter(120, time.Minute),
		hub:         NewWSHub(logger),
		logger:      logger.With().Str("component", "API").Logger(),
	}
	if config.JWTSecret != "" {
		server.tokens = NewTokenManager(config.JWTSecret, 12*time.Hour)
	}

	server.setupRoutes()
	go server.hub.Run()

	// Alerts reach websocket consumers through the same fan-out as every
	// other channel.
	alerter.AddChannel(NewWSChannel(server.hub))

	return server
}

// AttachHealthChecker registers the durability store so /health reports its
// reachability. Optional; without it the endpoint reports the store disabled.
func (s *Server) AttachHealthChecker(hc HealthChecker) {
	s.health = hc
}

func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		if !s.rateLimiter.Allow(path) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":   true,
				"message": "Rate limit exceeded",
				"path":    path,
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.POST("/api/auth/token", s.handleToken)

	api := s.router.Group("/api")
	api.Use(s.rateLimitMiddleware())
	if s.tokens != nil {
		api.Use(authMiddleware(s.tokens))
	}

	api.GET("/status", s.handleStatus)
	api.GET("/positions", s.handlePositions)
	api.GET("/orders", s.handleOrders)
	api.GET("/metrics", s.handleMetrics)
	api.GET("/alerts", s.handleAlerts)
	api.GET("/risk/limits", s.handleGetLimits)
	api.PUT("/risk/limits", s.handleUpdateLimits)
	api.POST("/risk/reset-breaker", s.handleResetBreaker)
	api.GET("/audit/verify", s.handleVerifyAudit)

	api.POST("/session/start", s.handleStartSession)
	api.POST("/session/stop", s.handleStopSession)
	api.POST("/arm", s.handleArm)
	api.POST("/disarm", s.handleDisarm)
	api.POST("/emergency-stop", s.handleEmergencyStop)
	api.GET("/strategies", s.handleListStrategies)
	api.POST("/strategy", s.handleSetStrategy)
	api.POST("/orders/manual", s.handleManualOrder)
	api.POST("/orders/:id/cancel", s.handleCancelOrder)

	api.GET("/ws", s.handleWebSocket)
}

// Start runs the HTTP server until it is shut down.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("Starting HTTP server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down HTTP server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	storeStatus := "disabled"
	if s.health != nil {
		storeStatus = "ok"
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.health.HealthCheck(ctx); err != nil {
			storeStatus = "unreachable"
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"store":  storeStatus,
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleToken(c *gin.Context) {
	if s.tokens == nil {
		errorResponse(c, http.StatusNotImplemented, "Authentication is disabled")
		return
	}

	var req struct {
		ConfirmationKey string `json:"confirmation_key" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "confirmation_key is required")
		return
	}
	if !checkConfirmationKey(s.config.ConfirmKeyHash, req.ConfirmationKey) {
		errorResponse(c, http.StatusUnauthorized, "Confirmation key rejected")
		return
	}

	token, expiresIn, err := s.tokens.Generate()
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, "Failed to issue token")
		return
	}
	successResponse(c, gin.H{"token": token, "expires_in": expiresIn})
}

func (s *Server) handleStatus(c *gin.Context) {
	successResponse(c, s.engine.GetStatus())
}

func (s *Server) handlePositions(c *gin.Context) {
	successResponse(c, s.book.GetPositions())
}

func (s *Server) handleOrders(c *gin.Context) {
	if c.Query("open") == "true" {
		successResponse(c, s.exec.OpenOrders())
		return
	}
	successResponse(c, s.exec.GetOrders())
}

func (s *Server) handleMetrics(c *gin.Context) {
	successResponse(c, s.engine.GetPerformanceMetrics())
}

func (s *Server) handleAlerts(c *gin.Context) {
	limit := 100
	if v := c.Query("limit"); v != "" {
		fmt.Sscanf(v, "%d", &limit)
	}
	successResponse(c, s.alerter.History(limit))
}

func (s *Server) handleGetLimits(c *gin.Context) {
	successResponse(c, s.gate.GetLimits())
}

func (s *Server) handleUpdateLimits(c *gin.Context) {
	var limits risk.Limits
	if err := c.ShouldBindJSON(&limits); err != nil {
		errorResponse(c, http.StatusBadRequest, fmt.Sprintf("Invalid limits: %v", err))
		return
	}
	if err := limits.Validate(); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	s.gate.UpdateLimits(limits)
	successResponse(c, s.gate.GetLimits())
}

func (s *Server) handleResetBreaker(c *gin.Context) {
	s.gate.ResetCircuitBreaker()
	successResponse(c, gin.H{"circuit_breaker_active": s.gate.CircuitBreakerActive()})
}

func (s *Server) handleVerifyAudit(c *gin.Context) {
	sessionID := c.Query("session_id")
	if sessionID == "" {
		if session := s.engine.Session(); session != nil {
			sessionID = session.ID
		}
	}
	if sessionID == "" {
		errorResponse(c, http.StatusBadRequest, "session_id is required when no session is open")
		return
	}

	report, err := s.trail.VerifyIntegrity(sessionID)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, fmt.Sprintf("Verification failed: %v", err))
		return
	}
	successResponse(c, report)
}

func (s *Server) handleStartSession(c *gin.Context) {
	var req struct {
		Mode string `json:"mode"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Mode == "" {
		req.Mode = string(engine.ModePaper)
	}

	mode := engine.Mode(req.Mode)
	if mode != engine.ModePaper && mode != engine.ModeLive {
		errorResponse(c, http.StatusBadRequest, fmt.Sprintf("Unknown mode %q", req.Mode))
		return
	}

	session, err := s.engine.StartSession(c.Request.Context(), mode)
	if err != nil {
		errorResponse(c, http.StatusConflict, err.Error())
		return
	}
	successResponse(c, session)
}

func (s *Server) handleStopSession(c *gin.Context) {
	session, err := s.engine.StopSession(c.Request.Context())
	if err != nil {
		errorResponse(c, http.StatusConflict, err.Error())
		return
	}
	successResponse(c, session)
}

func (s *Server) handleArm(c *gin.Context) {
	var req struct {
		ConfirmationKey string `json:"confirmation_key" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "confirmation_key is required")
		return
	}
	if err := s.engine.Arm(req.ConfirmationKey); err != nil {
		errorResponse(c, http.StatusUnauthorized, err.Error())
		return
	}
	successResponse(c, gin.H{"armed": true})
}

func (s *Server) handleDisarm(c *gin.Context) {
	s.engine.Disarm()
	successResponse(c, gin.H{"armed": false})
}

func (s *Server) handleEmergencyStop(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Reason == "" {
		req.Reason = "operator request"
	}

	if err := s.engine.EmergencyStop(c.Request.Context(), req.Reason); err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, gin.H{"stopped": true})
}

func (s *Server) handleListStrategies(c *gin.Context) {
	successResponse(c, s.engine.StrategyNames())
}

func (s *Server) handleSetStrategy(c *gin.Context) {
	var req struct {
		Name string `json:"name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "name is required")
		return
	}
	if err := s.engine.SetStrategyByName(req.Name); err != nil {
		errorResponse(c, http.StatusNotFound, err.Error())
		return
	}
	successResponse(c, gin.H{"strategy": req.Name})
}

func (s *Server) handleManualOrder(c *gin.Context) {
	var sig signal.Signal
	if err := c.ShouldBindJSON(&sig); err != nil {
		errorResponse(c, http.StatusBadRequest, fmt.Sprintf("Invalid signal: %v", err))
		return
	}

	if err := s.engine.PlaceManualOrder(c.Request.Context(), &sig); err != nil {
		errorResponse(c, http.StatusUnprocessableEntity, err.Error())
		return
	}
	successResponse(c, gin.H{"accepted": true, "signal_id": sig.ID})
}

func (s *Server) handleCancelOrder(c *gin.Context) {
	clientOrderID := c.Param("id")
	var req struct {
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Reason == "" {
		req.Reason = "operator request"
	}

	if err := s.exec.Cancel(c.Request.Context(), clientOrderID, req.Reason); err != nil {
		errorResponse(c, http.StatusUnprocessableEntity, err.Error())
		return
	}
	successResponse(c, gin.H{"cancelled": true})
}

func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"error":   true,
		"message": message,
	})
}

func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}
