package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/safeschool/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/safeschool/backend/internal/engine"
	"github.com/MarcoPoloResearchLab/safeschool/backend/internal/federation"
	"github.com/MarcoPoloResearchLab/safeschool/backend/internal/health"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	operatorContextKey = "safeschool_operator"
	defaultFailedLimit = 100
	maxFailedLimit     = 1000
	apiPrefix          = "/api/v1/edge"
)

var (
	errMissingEngine        = errors.New("sync engine dependency required")
	errMissingHealth        = errors.New("health reporter dependency required")
	errMissingSessions      = errors.New("session validator dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// SyncEngine is the engine surface the operator API drives.
type SyncEngine interface {
	SyncState(ctx context.Context) engine.SyncState
	TrackChange(ctx context.Context, change engine.Change) error
	DrainQueueAndSync(ctx context.Context) (engine.DrainResult, error)
	OfflineQueue() engine.OfflineQueue
}

type HealthReporter interface {
	LastHealthCheck() (health.CheckResult, bool)
	PerformHealthCheck(ctx context.Context) health.CheckResult
}

type Federation interface {
	Status() federation.Status
	Analytics(since *time.Time) []federation.Event
	OnConnectorEvents(source string, events []federation.Event) int
	RegisterRoutes(router gin.IRouter)
}

type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// Dependencies wires the edge operator API. Federation, Dispatcher and
// MetricsHandler are optional.
type Dependencies struct {
	Engine         SyncEngine
	Health         HealthReporter
	Federation     Federation
	Sessions       SessionValidator
	Dispatcher     *StatusDispatcher
	MetricsHandler http.Handler
	Middleware     []gin.HandlerFunc
	AllowedOrigins []string
	PingInterval   time.Duration
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Engine == nil {
		return nil, errMissingEngine
	}
	if deps.Health == nil {
		return nil, errMissingHealth
	}
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	pingInterval := deps.PingInterval
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(deps.Middleware...)
	router.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		engine:       deps.Engine,
		health:       deps.Health,
		federation:   deps.Federation,
		sessions:     deps.Sessions,
		dispatcher:   deps.Dispatcher,
		pingInterval: pingInterval,
		logger:       logger,
	}

	router.GET("/healthz", handler.handleLiveness)
	if deps.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(deps.MetricsHandler))
	}
	if deps.Federation != nil {
		deps.Federation.RegisterRoutes(router)
	}

	protected := router.Group(apiPrefix)
	protected.Use(handler.authorizeRequest)
	protected.GET("/state", handler.handleState)
	protected.GET("/health", handler.handleHealth)
	protected.GET("/queue", handler.handleQueueStats)
	protected.GET("/queue/failed", handler.handleFailedEntries)
	protected.POST("/sync", handler.handleDrain)
	protected.POST("/changes", handler.handleTrackChange)
	if deps.Federation != nil {
		protected.GET("/federation", handler.handleFederationStatus)
		protected.GET("/federation/analytics", handler.handleFederationAnalytics)
		protected.POST("/federation/events", handler.handleConnectorEvents)
	}
	if deps.Dispatcher != nil {
		protected.GET("/stream", handler.handleStatusStream)
	}

	return router, nil
}

type httpHandler struct {
	engine       SyncEngine
	health       HealthReporter
	federation   Federation
	sessions     SessionValidator
	dispatcher   *StatusDispatcher
	pingInterval time.Duration
	logger       *zap.Logger
}

func (h *httpHandler) handleLiveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleState(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.SyncState(c.Request.Context()))
}

// handleHealth returns the last completed check, running one on demand when
// none exists yet or the caller asks for a refresh.
func (h *httpHandler) handleHealth(c *gin.Context) {
	result, ok := h.health.LastHealthCheck()
	if !ok || c.Query("refresh") == "true" {
		result = h.health.PerformHealthCheck(c.Request.Context())
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleQueueStats(c *gin.Context) {
	stats, err := h.engine.OfflineQueue().Stats(c.Request.Context())
	if err != nil {
		h.logger.Error("queue stats failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "queue_unavailable"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *httpHandler) handleFailedEntries(c *gin.Context) {
	limit := defaultFailedLimit
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > maxFailedLimit {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}
	entries, err := h.engine.OfflineQueue().FailedEntries(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("failed entries query failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "queue_unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (h *httpHandler) handleDrain(c *gin.Context) {
	result, err := h.engine.DrainQueueAndSync(c.Request.Context())
	if err != nil {
		if errors.Is(err, engine.ErrEngineShutdown) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "engine_shutdown"})
			return
		}
		h.logger.Warn("operator drain failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "sync_failed", "result": result})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleTrackChange(c *gin.Context) {
	var change engine.Change
	if err := c.ShouldBindJSON(&change); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	err := h.engine.TrackChange(c.Request.Context(), change)
	switch {
	case err == nil:
		c.Status(http.StatusAccepted)
	case errors.Is(err, engine.ErrMissingEntityType):
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_type"})
	case errors.Is(err, engine.ErrInvalidAction):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_action"})
	case errors.Is(err, engine.ErrInvalidData):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_data"})
	case errors.Is(err, engine.ErrEngineShutdown):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "engine_shutdown"})
	default:
		h.logger.Error("track change failed", zap.String("entity_type", change.Type), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "track_failed"})
	}
}

func (h *httpHandler) handleFederationStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.federation.Status())
}

func (h *httpHandler) handleFederationAnalytics(c *gin.Context) {
	var since *time.Time
	if raw := strings.TrimSpace(c.Query("since")); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_since"})
			return
		}
		since = &parsed
	}
	c.JSON(http.StatusOK, gin.H{"events": h.federation.Analytics(since)})
}

type connectorEventsPayload struct {
	Source string             `json:"source"`
	Events []federation.Event `json:"events"`
}

func (h *httpHandler) handleConnectorEvents(c *gin.Context) {
	var request connectorEventsPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Source) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	accepted := h.federation.OnConnectorEvents(request.Source, request.Events)
	c.JSON(http.StatusAccepted, gin.H{"accepted": accepted})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrMissingSessionToken) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
			return
		}
		if errors.Is(err, auth.ErrExpiredSessionToken) {
			h.logger.Info("operator token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("operator token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(operatorContextKey, claims.Subject)
	c.Next()
}
