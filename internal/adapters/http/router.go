// Package http serves the gateway webhook, the metrics snapshot and the
// notification WebSocket.
package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"storefront/internal/domain"
	"storefront/internal/observability"
	"storefront/internal/payments"
	"storefront/internal/realtime"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// SignatureHeader carries the gateway's HMAC over the raw webhook body.
const SignatureHeader = "x-gateway-signature"

const (
	maxWebhookBody = 64 << 10
	unregisterWait = 5 * time.Second
)

// WebhookHandler applies gateway callbacks.
type WebhookHandler interface {
	HandleWebhook(ctx context.Context, raw []byte, signature string) (payments.WebhookResult, error)
}

// Deps wires the router. Hub may be nil, which disables /ws.
type Deps struct {
	Webhooks WebhookHandler
	Metrics  *observability.Metrics
	Hub      *realtime.Hub
	Logger   *zap.Logger
}

// NewRouter builds the gin engine.
func NewRouter(deps Deps) *gin.Engine {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestID())
	router.Use(accessLog(deps.Logger))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	router.GET("/metrics", observability.Handler(deps.Metrics))

	h := &handler{webhooks: deps.Webhooks, metrics: deps.Metrics, hub: deps.Hub, logger: deps.Logger}
	router.POST("/webhook", h.webhook)
	if deps.Hub != nil {
		router.GET("/ws", h.websocket)
	}
	return router
}

const requestIDHeader = "X-Request-ID"

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func accessLog(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("request_id", c.GetString("request_id")))
	}
}

type handler struct {
	webhooks WebhookHandler
	metrics  *observability.Metrics
	hub      *realtime.Hub
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

func (h *handler) webhook(c *gin.Context) {
	span := h.metrics.Start("HTTP/Webhook")
	raw, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		span.End(err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	res, err := h.webhooks.HandleWebhook(c.Request.Context(), raw, c.GetHeader(SignatureHeader))
	span.End(err)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrInvalidSignature):
		h.metrics.Inc(observability.CounterWebhookRejected)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid signature"})
		return
	case errors.Is(err, domain.ErrInvalidWebhook):
		h.metrics.Inc(observability.CounterWebhookRejected)
		h.logger.Warn("webhook rejected", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	default:
		h.logger.Error("webhook failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to apply webhook"})
		return
	}

	body := gin.H{"received": true, "known": res.Known}
	if res.Known {
		body["paymentId"] = res.Payment.ID
		body["status"] = res.Payment.Status
	}
	c.JSON(http.StatusOK, body)
}

func (h *handler) websocket(c *gin.Context) {
	uid, err := strconv.ParseInt(c.Query("user_id"), 10, 64)
	if err != nil || uid <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &realtime.Client{UserID: uid, Conn: conn}
	ctx := c.Request.Context()
	select {
	case h.hub.Register <- client:
	case <-ctx.Done():
		conn.Close()
		return
	}

	// Reads only detect the close; clients never send.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				select {
				case h.hub.Unregister <- client:
				case <-time.After(unregisterWait):
					// hub stopped
					conn.Close()
				}
				return
			}
		}
	}()
}
