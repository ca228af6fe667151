package cloud

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/safeschool/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/safeschool/backend/internal/syncwire"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const bodyContextKey = "safeschool_sync_body"

var (
	errMissingService = errors.New("cloud: service dependency required")
	errMissingSyncKey = errors.New("cloud: sync key required")
	errMissingSecret  = errors.New("cloud: sync secret required when signatures are enforced")
)

// HandlerConfig wires the sync endpoint.
type HandlerConfig struct {
	Service    *Service
	SyncKey    string
	SyncSecret string
	// RequireSignatures enforces HMAC verification on every sync request.
	RequireSignatures bool
	ReplayWindow      time.Duration
	// Middleware runs before every route, e.g. request metrics.
	Middleware []gin.HandlerFunc
	Clock      func() time.Time
	Logger     *zap.Logger
}

// NewHTTPHandler builds the gin router serving /sync/* and /health.
func NewHTTPHandler(cfg HandlerConfig) (http.Handler, error) {
	if cfg.Service == nil {
		return nil, errMissingService
	}
	if strings.TrimSpace(cfg.SyncKey) == "" {
		return nil, errMissingSyncKey
	}
	requireSignatures := cfg.RequireSignatures || strings.TrimSpace(cfg.SyncSecret) != ""
	if requireSignatures && strings.TrimSpace(cfg.SyncSecret) == "" {
		return nil, errMissingSecret
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	window := cfg.ReplayWindow
	if window <= 0 {
		window = auth.DefaultReplayWindow
	}

	handler := &httpHandler{
		service:           cfg.Service,
		syncKey:           cfg.SyncKey,
		secret:            []byte(cfg.SyncSecret),
		requireSignatures: requireSignatures,
		window:            window,
		clock:             clock,
		logger:            logger,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cfg.Middleware...)

	router.GET(syncwire.PathHealth, handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST(syncwire.PathPush, handler.handlePush)
	protected.GET(syncwire.PathPull, handler.handlePull)
	protected.POST(syncwire.PathHeartbeat, handler.handleHeartbeat)

	return router, nil
}

type httpHandler struct {
	service           *Service
	syncKey           string
	secret            []byte
	requireSignatures bool
	window            time.Duration
	clock             func() time.Time
	logger            *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": h.clock().UTC()})
}

// authorizeRequest rejects the whole request before any processing when the
// key, signature or timestamp is wrong.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	provided := strings.TrimSpace(c.GetHeader(auth.HeaderSyncKey))
	if provided == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, syncwire.ErrorResponse{Error: "missing_sync_key"})
		return
	}
	if !auth.KeysEqual(h.syncKey, provided) {
		h.logger.Warn("sync key rejected", zap.String("remote_addr", c.ClientIP()))
		c.AbortWithStatusJSON(http.StatusUnauthorized, syncwire.ErrorResponse{Error: "invalid_sync_key"})
		return
	}

	body, err := syncwire.ReadBody(c.Request)
	if err != nil {
		if errors.Is(err, syncwire.ErrBodyTooLarge) {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, syncwire.ErrorResponse{Error: "body_too_large"})
			return
		}
		c.AbortWithStatusJSON(http.StatusBadRequest, syncwire.ErrorResponse{Error: "invalid_body"})
		return
	}

	if h.requireSignatures {
		err := auth.VerifySignature(h.secret, auth.SignedRequest{
			Timestamp: c.GetHeader(auth.HeaderSyncTimestamp),
			Signature: c.GetHeader(auth.HeaderSyncSignature),
			Method:    c.Request.Method,
			Path:      c.Request.URL.RequestURI(),
			Body:      body,
		}, h.clock(), h.window)
		if err != nil {
			h.logger.Warn("sync signature rejected", zap.String("remote_addr", c.ClientIP()), zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, syncwire.ErrorResponse{Error: signatureErrorCode(err)})
			return
		}
	}

	c.Set(bodyContextKey, body)
	c.Next()
}

func signatureErrorCode(err error) string {
	switch {
	case errors.Is(err, auth.ErrStaleTimestamp):
		return "stale_timestamp"
	case errors.Is(err, auth.ErrMissingSignature):
		return "missing_signature"
	case errors.Is(err, auth.ErrInvalidTimestamp):
		return "invalid_timestamp"
	default:
		return "invalid_signature"
	}
}

func (h *httpHandler) decodeBody(c *gin.Context, target any) bool {
	value, _ := c.Get(bodyContextKey)
	body, _ := value.([]byte)
	if err := json.Unmarshal(body, target); err != nil {
		c.JSON(http.StatusBadRequest, syncwire.ErrorResponse{Error: "invalid_request"})
		return false
	}
	return true
}

func (h *httpHandler) handlePush(c *gin.Context) {
	var request syncwire.PushRequest
	if !h.decodeBody(c, &request) {
		return
	}
	if len(request.Entities) > syncwire.MaxPushBatch {
		c.JSON(http.StatusBadRequest, syncwire.ErrorResponse{Error: "batch_too_large"})
		return
	}
	response, err := h.service.ApplyPush(c.Request.Context(), request)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handlePull(c *gin.Context) {
	since, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(c.Query("since")))
	if err != nil {
		c.JSON(http.StatusBadRequest, syncwire.ErrorResponse{Error: "invalid_since"})
		return
	}
	entityTypes := strings.Split(c.Query("entities"), ",")
	response, err := h.service.Pull(c.Request.Context(), c.Query("siteId"), since, entityTypes)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleHeartbeat(c *gin.Context) {
	var request syncwire.HeartbeatRequest
	if !h.decodeBody(c, &request) {
		return
	}
	response, err := h.service.Heartbeat(c.Request.Context(), request)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) writeServiceError(c *gin.Context, err error) {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		code := serviceErr.Code()
		if index := strings.LastIndex(code, "."); index >= 0 {
			code = code[index+1:]
		}
		switch code {
		case "missing_site_id", "batch_too_large", "missing_version":
			c.JSON(http.StatusBadRequest, syncwire.ErrorResponse{Error: code})
			return
		}
	}
	h.logger.Error("sync request failed", zap.Error(err))
	c.JSON(http.StatusInternalServerError, syncwire.ErrorResponse{Error: "internal_error"})
}
