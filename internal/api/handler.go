package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"restaurant-order-service/internal/apperrors"
	"restaurant-order-service/internal/gateway"
	"restaurant-order-service/internal/ledger"
	"restaurant-order-service/internal/models"
	"restaurant-order-service/internal/notifier"
	"restaurant-order-service/internal/orderstate"
	"restaurant-order-service/internal/payment"
	"restaurant-order-service/internal/service"
	"restaurant-order-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ReadinessCheck reports whether a dependency can serve traffic.
type ReadinessCheck func(ctx context.Context) error

// Handler contains HTTP handlers
type Handler struct {
	orderService *service.OrderService
	hub          *notifier.Hub
	identity     IdentityResolver
	callbacks    CallbackSink
	checks       map[string]ReadinessCheck
	logger       *zap.Logger
}

// NewHandler creates a new HTTP handler. Without a callback sink callbacks are applied inline.
func NewHandler(orderService *service.OrderService, hub *notifier.Hub, identity IdentityResolver, callbacks CallbackSink) *Handler {
	if identity == nil {
		identity = HeaderResolver{}
	}
	if callbacks == nil {
		callbacks = InlineCallbacks{Reconciler: orderService}
	}
	return &Handler{
		orderService: orderService,
		hub:          hub,
		identity:     identity,
		callbacks:    callbacks,
		checks:       make(map[string]ReadinessCheck),
		logger:       util.GetLogger(),
	}
}

// AddReadinessCheck registers a dependency probed by /ready.
func (h *Handler) AddReadinessCheck(name string, check ReadinessCheck) {
	h.checks[name] = check
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(requestLogger(h.logger))

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	// providers authenticate callbacks with signatures
	v1.POST("/payments/:method/callback", h.paymentCallback)

	authed := v1.Group("", authenticate(h.identity))
	{
		authed.GET("/payment-methods", h.listPaymentMethods)

		authed.POST("/orders", requireRoles(RoleCustomer, RoleCashier, RoleAdmin), h.createOrder)
		authed.GET("/orders", h.listOrders)
		authed.GET("/orders/:id", h.getOrder)
		authed.POST("/orders/:id/payments", requireRoles(RoleCustomer, RoleCashier, RoleAdmin), h.pay)
		authed.GET("/orders/:id/payments", h.listAttempts)
		authed.POST("/orders/:id/transitions", h.advance)
		authed.GET("/orders/:id/ticket", h.getTicket)
		authed.POST("/orders/:id/ticket/transitions", h.advanceTicket)
		authed.GET("/orders/:id/receipt", h.getReceipt)

		authed.POST("/payments/attempts/:id/verify", requireRoles(RoleAdmin), h.verifyPayment)

		reports := authed.Group("/reports", requireRoles(RoleCashier, RoleAdmin))
		reports.GET("/daily/:date", h.dailyAggregate)
		reports.GET("/transactions", h.listTransactions)

		authed.GET("/stream", h.stream)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck probes every registered dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"failed": failed,
			"time":   time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

func (h *Handler) listPaymentMethods(c *gin.Context) {
	methods, err := h.orderService.PaymentMethods(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"methods": methods})
}

// createOrder handles order creation
func (h *Handler) createOrder(c *gin.Context) {
	var req service.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidRequest(c, err)
		return
	}

	order, err := h.orderService.CreateOrder(c.Request.Context(), &req, identityFrom(c).ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, order)
}

// filterFromQuery reads the order_id, business_date and open parameters.
func filterFromQuery(c *gin.Context) (notifier.Filter, error) {
	filter := notifier.Filter{
		OrderID:      c.Query("order_id"),
		BusinessDate: c.Query("business_date"),
	}
	if raw := c.Query("open"); raw != "" {
		open, err := strconv.ParseBool(raw)
		if err != nil {
			return filter, apperrors.Newf(apperrors.CodeValidation, "invalid open flag %q", raw)
		}
		filter.OpenOrders = open
	}
	return filter, filter.Validate()
}

func (h *Handler) listOrders(c *gin.Context) {
	filter, err := filterFromQuery(c)
	if err != nil {
		respondError(c, err)
		return
	}
	orders, err := h.orderService.ListOrders(c.Request.Context(), filter.Query())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	order, err := h.orderService.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

type payRequest struct {
	Method string `json:"method" binding:"required"`
	payment.Options
}

func (h *Handler) pay(c *gin.Context) {
	var req payRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidRequest(c, err)
		return
	}

	res, err := h.orderService.Pay(c.Request.Context(), c.Param("id"), req.Method, req.Options)
	if err != nil {
		respondError(c, err)
		return
	}

	status := http.StatusOK
	if res.Attempt != nil && res.Attempt.Status == models.AttemptStatusPending {
		status = http.StatusAccepted
	}
	c.JSON(status, res)
}

func (h *Handler) listAttempts(c *gin.Context) {
	attempts, err := h.orderService.ListAttempts(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"attempts": attempts})
}

type transitionRequest struct {
	Expected models.OrderStatus `json:"expected" binding:"required"`
	Target   models.OrderStatus `json:"target" binding:"required"`
	Reason   string             `json:"reason,omitempty"`
}

func (h *Handler) advance(c *gin.Context) {
	var req transitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidRequest(c, err)
		return
	}
	if !req.Expected.IsValid() || !req.Target.IsValid() {
		respondError(c, apperrors.Newf(apperrors.CodeValidation, "unknown status in %s -> %s", req.Expected, req.Target))
		return
	}

	order, err := h.orderService.Advance(c.Request.Context(), c.Param("id"), req.Expected, req.Target, identityFrom(c).Actor(), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) getTicket(c *gin.Context) {
	ticket, err := h.orderService.GetKitchenTicket(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ticket)
}

type ticketTransitionRequest struct {
	Expected models.TicketStatus `json:"expected" binding:"required"`
	Target   models.TicketStatus `json:"target" binding:"required"`
}

func (h *Handler) advanceTicket(c *gin.Context) {
	var req ticketTransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		invalidRequest(c, err)
		return
	}

	ticket, err := h.orderService.AdvanceTicket(c.Request.Context(), c.Param("id"), req.Expected, req.Target, identityFrom(c).Actor())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ticket)
}

func (h *Handler) getReceipt(c *gin.Context) {
	receipt, err := h.orderService.GetReceipt(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, receipt)
}

// paymentCallback accepts redirect notifications and provider webhooks.
func (h *Handler) paymentCallback(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		invalidRequest(c, err)
		return
	}

	method := c.Param("method")
	out, err := h.callbacks.Accept(c.Request.Context(), method, &gateway.Callback{
		Body:   body,
		Header: c.Request.Header.Clone(),
	})
	if err != nil {
		respondError(c, err)
		return
	}

	switch {
	case out.Queued:
		c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
	case out.Result == nil:
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
	default:
		c.JSON(http.StatusOK, gin.H{
			"status":         "applied",
			"attempt_status": out.Result.Attempt.Status,
		})
	}
}

func (h *Handler) verifyPayment(c *gin.Context) {
	att, err := h.orderService.VerifyManualPayment(c.Request.Context(), c.Param("id"), identityFrom(c).ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, att)
}

func (h *Handler) dailyAggregate(c *gin.Context) {
	agg, err := h.orderService.GetDailyAggregate(c.Request.Context(), c.Param("date"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, agg)
}

func (h *Handler) listTransactions(c *gin.Context) {
	q := ledger.TransactionQuery{From: c.Query("from"), To: c.Query("to")}
	if q.To == "" {
		q.To = q.From
	}
	if raw := c.Query("unverified"); raw != "" {
		unverified, err := strconv.ParseBool(raw)
		if err != nil {
			respondError(c, apperrors.Newf(apperrors.CodeValidation, "invalid unverified flag %q", raw))
			return
		}
		q.UnverifiedOnly = unverified
	}

	txns, err := h.orderService.ListTransactions(c.Request.Context(), q)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txns})
}

// stream upgrades to a WebSocket carrying a snapshot followed by live changes.
func (h *Handler) stream(c *gin.Context) {
	filter, err := filterFromQuery(c)
	if err != nil {
		respondError(c, err)
		return
	}
	surface := orderstate.Surface(c.Query("surface"))
	notifier.ServeWS(h.hub, h.orderService, filter, surface, c.Writer, c.Request)
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

// requestLogger logs one line per request
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		logger.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}
