package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"btc-order-service/internal/models"
	"btc-order-service/internal/service"
	"btc-order-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Handler contains HTTP handlers
type Handler struct {
	engine *service.Engine
	logger *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(engine *service.Engine) *Handler {
	return &Handler{
		engine: engine,
		logger: util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/orders", h.createOrder)
		v1.GET("/orders/:id", h.getOrder)
		v1.POST("/orders/:id/check", h.checkPayment)
		v1.POST("/orders/:id/cancel", h.cancelOrder)
		v1.GET("/users/:id/orders", h.getUserOrders)

		// Admin surface: manual link handout and stats
		v1.POST("/locations/:id/allocate", h.allocateLink)
		v1.GET("/stats", h.getStats)
	}
}

func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// CreateOrderRequest is the body for POST /orders
type CreateOrderRequest struct {
	UserID     int64 `json:"user_id" binding:"required"`
	ProductID  int64 `json:"product_id" binding:"required"`
	LocationID int64 `json:"location_id" binding:"required"`
}

func (h *Handler) createOrder(c *gin.Context) {
	var req CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	order, err := h.engine.CreateOrder(c.Request.Context(), req.UserID, req.ProductID, req.LocationID)
	if err != nil {
		h.logger.Error("Failed to create order", zap.Error(err))
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error": "Could not create order",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"order_id":           order.ID,
		"bitcoin_address":    order.BitcoinAddress,
		"payment_amount_sat": order.PaymentAmountSat,
		"expires_at":         order.ExpiresAt,
	})
}

func (h *Handler) getOrder(c *gin.Context) {
	orderID, ok := parseID(c)
	if !ok {
		return
	}

	order, err := h.engine.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, models.ErrOrderNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": "Order not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"order": order})
}

// checkPayment drives the check-and-complete flow. User-facing messages stay
// generic; the details live in the logs.
func (h *Handler) checkPayment(c *gin.Context) {
	orderID, ok := parseID(c)
	if !ok {
		return
	}

	result, err := h.engine.CheckAndComplete(c.Request.Context(), orderID)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrOrderNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
		case errors.Is(err, models.ErrNoLinksAvailable):
			c.JSON(http.StatusConflict, gin.H{
				"error": "Content is temporarily out of stock, support has been notified",
			})
		default:
			h.logger.Error("Payment check failed", zap.Int64("order_id", orderID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Payment check failed, try again shortly",
			})
		}
		return
	}

	switch result.Outcome {
	case service.CheckMatched:
		c.JSON(http.StatusOK, gin.H{
			"status":       "completed",
			"content_link": result.ContentLink,
		})
	case service.CheckAlreadyProcessed:
		resp := gin.H{"status": "already_processed"}
		if result.ContentLink != "" {
			resp["content_link"] = result.ContentLink
		}
		c.JSON(http.StatusOK, resp)
	default:
		c.JSON(http.StatusOK, gin.H{
			"status":  "pending",
			"message": "Payment not found yet, try again shortly",
		})
	}
}

func (h *Handler) cancelOrder(c *gin.Context) {
	orderID, ok := parseID(c)
	if !ok {
		return
	}

	err := h.engine.CancelOrder(c.Request.Context(), orderID)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
	case errors.Is(err, models.ErrAlreadyProcessed):
		// Double cancel or cancel after completion: benign no-op
		c.JSON(http.StatusOK, gin.H{"status": "already_processed"})
	case errors.Is(err, models.ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
	default:
		h.logger.Error("Failed to cancel order", zap.Int64("order_id", orderID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Could not cancel order"})
	}
}

func (h *Handler) getUserOrders(c *gin.Context) {
	userID, ok := parseID(c)
	if !ok {
		return
	}

	orders, err := h.engine.GetUserOrders(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Could not load orders"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (h *Handler) allocateLink(c *gin.Context) {
	locationID, ok := parseID(c)
	if !ok {
		return
	}

	link, err := h.engine.AllocateLink(c.Request.Context(), locationID)
	if err != nil {
		if errors.Is(err, models.ErrNoLinksAvailable) {
			c.JSON(http.StatusConflict, gin.H{"error": "No links available in this location"})
			return
		}
		h.logger.Error("Manual link allocation failed", zap.Int64("location_id", locationID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Allocation failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"content_link": link})
}

func (h *Handler) getStats(c *gin.Context) {
	stats, err := h.engine.GetStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Could not load stats"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func parseID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid ID"})
		return 0, false
	}
	return id, true
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
