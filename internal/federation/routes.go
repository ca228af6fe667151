package federation

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

const (
	peerContextKey = "safeschool_federation_peer"
	bodyContextKey = "safeschool_federation_body"
)

// RegisterRoutes mounts the LAN federation surface on the router.
func (m *Manager) RegisterRoutes(router gin.IRouter) {
	group := router.Group("/", m.authorizePeer)
	group.POST(PathPush, m.handlePush)
	group.GET(PathAnalytics, m.handleAnalytics)
}

// authorizePeer verifies the HMAC with the key shared with the sending product.
func (m *Manager) authorizePeer(c *gin.Context) {
	product := strings.TrimSpace(c.GetHeader(auth.HeaderSyncKey))
	if product == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing_sync_key"})
		return
	}
	key := m.keyFor(product)
	if key == "" {
		m.logger.Warn("federation request from unknown product", zap.String("peer", product))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unknown_peer"})
		return
	}

	body, err := syncwire.ReadBody(c.Request)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, syncwire.ErrBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		c.AbortWithStatusJSON(status, gin.H{"error": "invalid_body"})
		return
	}

	err = auth.VerifySignature([]byte(key), auth.SignedRequest{
		Timestamp: c.GetHeader(auth.HeaderSyncTimestamp),
		Signature: c.GetHeader(auth.HeaderSyncSignature),
		Method:    c.Request.Method,
		Path:      c.Request.URL.RequestURI(),
		Body:      body,
	}, m.clock(), auth.DefaultReplayWindow)
	if err != nil {
		m.logger.Warn("federation signature rejected", zap.String("peer", product), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	if !m.isSubscribedProduct(product) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "product_not_subscribed"})
		return
	}

	c.Set(peerContextKey, product)
	c.Set(bodyContextKey, body)
	c.Next()
}

func (m *Manager) handlePush(c *gin.Context) {
	product := c.GetString(peerContextKey)
	body, _ := c.Get(bodyContextKey)
	raw, _ := body.([]byte)

	var request PushRequest
	if err := json.Unmarshal(raw, &request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	local := m.HandleInboundEvents(c.Request.Context(), product, request.Events)
	if len(local) > 0 && m.localSink != nil {
		m.deliverLocal(c.Request.Context(), local)
	}
	c.JSON(http.StatusOK, PushResponse{
		Accepted:  len(request.Events),
		Analytics: len(request.Events) - len(local),
	})
}

func (m *Manager) handleAnalytics(c *gin.Context) {
	var since *time.Time
	if raw := strings.TrimSpace(c.Query("since")); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_since"})
			return
		}
		since = &parsed
	}
	c.JSON(http.StatusOK, AnalyticsResponse{
		Events:    m.Analytics(since),
		Timestamp: m.clock().UTC(),
	})
}

func (m *Manager) isSubscribedProduct(product string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isSubscribed(product)
}
