// Package handlers wires the credits and subscription services to HTTP.
package handlers

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"cvminion/bursar/internal/ledger"
	"cvminion/bursar/internal/payments"
	"cvminion/bursar/internal/subscription"
	"cvminion/bursar/pkg/api/bursar"
	"cvminion/bursar/pkg/auth"
	"cvminion/bursar/pkg/logging"
	"cvminion/bursar/pkg/models"
)

// maxWebhookBody caps webhook payload reads at 64 KiB
const maxWebhookBody = 64 << 10

// Handlers holds the HTTP handlers and their dependencies
type Handlers struct {
	ledger        *ledger.Service
	subscriptions *subscription.Manager
	catalog       *payments.Catalog
	checkout      *payments.CheckoutService
	webhooks      *payments.WebhookProcessor
	logger        logging.Logger
	metrics       *CreditsMetrics
}

// New creates the handler set
func New(ledgerSvc *ledger.Service, subs *subscription.Manager, catalog *payments.Catalog,
	checkout *payments.CheckoutService, webhooks *payments.WebhookProcessor,
	log logging.Logger, metrics *CreditsMetrics) *Handlers {
	return &Handlers{
		ledger:        ledgerSvc,
		subscriptions: subs,
		catalog:       catalog,
		checkout:      checkout,
		webhooks:      webhooks,
		logger:        log,
		metrics:       metrics,
	}
}

// RegisterRoutes attaches all routes to the router
func (h *Handlers) RegisterRoutes(router *gin.Engine, jwtSecret []byte, serviceToken string) {
	// User-facing routes authenticated by JWT
	user := router.Group("/")
	user.Use(auth.JWTAuthMiddleware(jwtSecret))
	{
		user.GET("/credits/status", h.GetCreditStatus)
		user.POST("/credits/consume", h.ConsumeCredits)
		user.GET("/credits/transactions", h.GetTransactions)
		user.GET("/credits/packages", h.GetPackages)
		user.POST("/credits/checkout", h.CreateCheckout)
		user.GET("/subscription", h.GetSubscription)
		user.POST("/subscription/upgrade", h.UpgradeSubscription)
	}

	// Service-to-service routes
	service := router.Group("/")
	service.Use(auth.ServiceAuthMiddleware(serviceToken))
	{
		service.POST("/credits/grant", h.GrantCredits)
		service.POST("/credits/refund", h.RefundCredits)
		service.POST("/signup", h.Signup)
		service.POST("/subscription/reset/:user_id", h.ResetMonthlyCredits)
	}

	// Webhooks authenticate via provider signatures, not tokens
	router.POST("/webhooks/stripe", h.StripeWebhook)
}

// GetCreditStatus returns the caller's balance broken down by lot type
func (h *Handlers) GetCreditStatus(c *gin.Context) {
	userID := c.GetString(auth.KeyUserID)

	summary, err := h.ledger.Summary(c.Request.Context(), userID)
	if err != nil {
		h.internalError(c, "get credit status", err)
		return
	}

	resp := bursar.CreditStatusResponse{
		UserID:  userID,
		Balance: summary.Balance,
		ByType:  summary.ByType,
		Lots:    summary.Lots,
	}

	if sub, err := h.subscriptions.Current(c.Request.Context(), userID); err == nil {
		resp.Subscription = subscriptionInfo(sub)
	} else if !errors.Is(err, subscription.ErrNoSubscription) {
		h.internalError(c, "get subscription for credit status", err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// ConsumeCredits atomically deducts credits from the caller's balance
func (h *Handlers) ConsumeCredits(c *gin.Context) {
	userID := c.GetString(auth.KeyUserID)

	var req bursar.ConsumeCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, bursar.ErrorResponse{Error: "Invalid request body", Kind: bursar.ErrKindInvalidRequest})
		return
	}

	start := time.Now()
	remaining, err := h.ledger.Consume(c.Request.Context(), userID, req.Amount, req.Description)
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, bursar.ErrorResponse{Error: "Amount must be positive", Kind: bursar.ErrKindInvalidRequest})
		return
	case errors.Is(err, ledger.ErrInsufficientCredits):
		h.metrics.DBQueries.WithLabelValues("consume", "rejected").Inc()
		h.metrics.ConsumeRejections.WithLabelValues("insufficient_credits").Inc()
		c.JSON(http.StatusPaymentRequired, bursar.ErrorResponse{Error: "Insufficient credits", Kind: bursar.ErrKindInsufficientCredits})
		return
	case err != nil:
		h.metrics.DBQueries.WithLabelValues("consume", "error").Inc()
		h.internalError(c, "consume credits", err)
		return
	}

	h.metrics.DBQueries.WithLabelValues("consume", "success").Inc()
	h.metrics.DBDuration.WithLabelValues("consume").Observe(time.Since(start).Seconds())
	h.metrics.CreditsConsumed.WithLabelValues().Add(float64(req.Amount))
	c.JSON(http.StatusOK, bursar.ConsumeCreditsResponse{
		Consumed:  req.Amount,
		Remaining: remaining,
	})
}

// GetTransactions returns the caller's ledger history
func (h *Handlers) GetTransactions(c *gin.Context) {
	userID := c.GetString(auth.KeyUserID)

	transactions, err := h.ledger.Transactions(c.Request.Context(), userID, 50)
	if err != nil {
		h.internalError(c, "get transactions", err)
		return
	}

	c.JSON(http.StatusOK, bursar.TransactionsResponse{Transactions: transactions})
}

// GetPackages lists purchasable credit packages
func (h *Handlers) GetPackages(c *gin.Context) {
	packages, err := h.catalog.Packages(c.Request.Context())
	if err != nil {
		h.internalError(c, "get packages", err)
		return
	}

	c.JSON(http.StatusOK, bursar.PackagesResponse{Packages: packages})
}

// CreateCheckout creates a Stripe Checkout session for a package or tier
func (h *Handlers) CreateCheckout(c *gin.Context) {
	userID := c.GetString(auth.KeyUserID)

	var req bursar.CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, bursar.ErrorResponse{Error: "Invalid request body", Kind: bursar.ErrKindInvalidRequest})
		return
	}

	var result *payments.CheckoutResult
	var err error
	switch req.Mode {
	case payments.ModeCredits:
		result, err = h.checkout.CreateCreditsCheckout(c.Request.Context(), userID, req.PackageID, req.SuccessURL, req.CancelURL)
	case payments.ModeSubscription:
		result, err = h.checkout.CreateSubscriptionCheckout(c.Request.Context(), userID, req.Tier, req.SuccessURL, req.CancelURL)
	default:
		c.JSON(http.StatusBadRequest, bursar.ErrorResponse{Error: "Mode must be credits or subscription", Kind: bursar.ErrKindInvalidRequest})
		return
	}

	switch {
	case errors.Is(err, payments.ErrInvalidPackage):
		c.JSON(http.StatusBadRequest, bursar.ErrorResponse{Error: "Unknown credit package", Kind: bursar.ErrKindInvalidPackage})
		return
	case errors.Is(err, subscription.ErrUnknownTier):
		c.JSON(http.StatusBadRequest, bursar.ErrorResponse{Error: "Unknown subscription tier", Kind: bursar.ErrKindInvalidTier})
		return
	case err != nil:
		h.internalError(c, "create checkout", err)
		return
	}

	h.metrics.CheckoutSessions.WithLabelValues(req.Mode).Inc()
	c.JSON(http.StatusOK, bursar.CheckoutResponse{
		SessionID:   result.SessionID,
		CheckoutURL: result.CheckoutURL,
	})
}

// GetSubscription returns the caller's subscription state
func (h *Handlers) GetSubscription(c *gin.Context) {
	userID := c.GetString(auth.KeyUserID)

	sub, err := h.subscriptions.Current(c.Request.Context(), userID)
	if errors.Is(err, subscription.ErrNoSubscription) {
		c.JSON(http.StatusOK, bursar.GetSubscriptionResponse{})
		return
	}
	if err != nil {
		h.internalError(c, "get subscription", err)
		return
	}

	c.JSON(http.StatusOK, bursar.GetSubscriptionResponse{Subscription: subscriptionInfo(sub)})
}

// UpgradeSubscription moves the caller to a new tier
func (h *Handlers) UpgradeSubscription(c *gin.Context) {
	userID := c.GetString(auth.KeyUserID)

	var req bursar.UpgradeSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, bursar.ErrorResponse{Error: "Invalid request body", Kind: bursar.ErrKindInvalidRequest})
		return
	}

	result, err := h.subscriptions.Upgrade(c.Request.Context(), userID, req.Tier)
	switch {
	case errors.Is(err, subscription.ErrUnknownTier):
		c.JSON(http.StatusBadRequest, bursar.ErrorResponse{Error: "Unknown subscription tier", Kind: bursar.ErrKindInvalidTier})
		return
	case errors.Is(err, subscription.ErrDuplicateTier):
		c.JSON(http.StatusConflict, bursar.ErrorResponse{Error: "Already subscribed to this tier", Kind: bursar.ErrKindDuplicateTierUpgrade})
		return
	case errors.Is(err, subscription.ErrNoSubscription):
		c.JSON(http.StatusNotFound, bursar.ErrorResponse{Error: "No subscription found", Kind: bursar.ErrKindInvalidRequest})
		return
	case err != nil:
		h.internalError(c, "upgrade subscription", err)
		return
	}

	c.JSON(http.StatusOK, bursar.UpgradeSubscriptionResponse{
		Subscription: *subscriptionInfo(result.Subscription),
		PreviousTier: result.PreviousTier,
		Balance:      result.Balance,
	})
}

// GrantCredits grants credits to a user (service-to-service)
func (h *Handlers) GrantCredits(c *gin.Context) {
	var req bursar.GrantCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == "" {
		c.JSON(http.StatusBadRequest, bursar.ErrorResponse{Error: "Invalid request body", Kind: bursar.ErrKindInvalidRequest})
		return
	}

	creditType := req.CreditType
	if creditType == "" {
		creditType = models.CreditTypeBonus
	}
	switch creditType {
	case models.CreditTypeMonthly, models.CreditTypePurchased, models.CreditTypeBonus:
	default:
		c.JSON(http.StatusBadRequest, bursar.ErrorResponse{Error: "Unknown credit type", Kind: bursar.ErrKindInvalidRequest})
		return
	}

	start := time.Now()
	balance, err := h.ledger.Grant(c.Request.Context(), ledger.GrantParams{
		UserID:      req.UserID,
		Amount:      req.Amount,
		CreditType:  creditType,
		ExpiresAt:   req.ExpiresAt,
		Description: req.Description,
	})
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, bursar.ErrorResponse{Error: "Amount must be positive", Kind: bursar.ErrKindInvalidRequest})
		return
	case err != nil:
		h.metrics.DBQueries.WithLabelValues("grant", "error").Inc()
		h.internalError(c, "grant credits", err)
		return
	}

	h.metrics.DBQueries.WithLabelValues("grant", "success").Inc()
	h.metrics.DBDuration.WithLabelValues("grant").Observe(time.Since(start).Seconds())
	h.metrics.CreditsGranted.WithLabelValues(creditType).Add(float64(req.Amount))
	c.JSON(http.StatusOK, bursar.GrantCreditsResponse{
		Granted: req.Amount,
		Balance: balance,
	})
}

// RefundCredits returns credits to a user after a failed operation
// (service-to-service)
func (h *Handlers) RefundCredits(c *gin.Context) {
	var req bursar.GrantCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == "" {
		c.JSON(http.StatusBadRequest, bursar.ErrorResponse{Error: "Invalid request body", Kind: bursar.ErrKindInvalidRequest})
		return
	}

	balance, err := h.ledger.Refund(c.Request.Context(), req.UserID, req.Amount, req.Description)
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, bursar.ErrorResponse{Error: "Amount must be positive", Kind: bursar.ErrKindInvalidRequest})
		return
	case err != nil:
		h.internalError(c, "refund credits", err)
		return
	}

	h.metrics.CreditsGranted.WithLabelValues(models.CreditTypeBonus).Add(float64(req.Amount))
	c.JSON(http.StatusOK, bursar.GrantCreditsResponse{
		Granted: req.Amount,
		Balance: balance,
	})
}

// Signup provisions a free-tier subscription for a new user
func (h *Handlers) Signup(c *gin.Context) {
	var req bursar.SignupRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == "" {
		c.JSON(http.StatusBadRequest, bursar.ErrorResponse{Error: "Invalid request body", Kind: bursar.ErrKindInvalidRequest})
		return
	}

	sub, balance, err := h.subscriptions.Signup(c.Request.Context(), req.UserID)
	if err != nil {
		h.internalError(c, "signup", err)
		return
	}

	h.metrics.CreditsGranted.WithLabelValues(models.CreditTypeMonthly).Add(float64(balance))
	c.JSON(http.StatusCreated, bursar.SignupResponse{
		Subscription: *subscriptionInfo(sub),
		Balance:      balance,
	})
}

// ResetMonthlyCredits starts a fresh billing window for a user
func (h *Handlers) ResetMonthlyCredits(c *gin.Context) {
	userID := c.Param("user_id")

	sub, balance, err := h.subscriptions.ResetMonthlyCredits(c.Request.Context(), userID)
	switch {
	case errors.Is(err, subscription.ErrNoSubscription):
		c.JSON(http.StatusNotFound, bursar.ErrorResponse{Error: "No subscription found", Kind: bursar.ErrKindInvalidRequest})
		return
	case err != nil:
		h.internalError(c, "reset monthly credits", err)
		return
	}

	h.metrics.MonthlyResets.WithLabelValues().Inc()
	c.JSON(http.StatusOK, bursar.UpgradeSubscriptionResponse{
		Subscription: *subscriptionInfo(sub),
		Balance:      balance,
	})
}

// StripeWebhook handles Stripe webhook deliveries
func (h *Handlers) StripeWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, bursar.WebhookResponse{Received: false, Message: "Failed to read body"})
		return
	}

	ok, msg, status := h.webhooks.Process(c.Request.Context(), body, c.GetHeader("Stripe-Signature"))
	if status == http.StatusUnauthorized {
		h.metrics.WebhookSignatureFailures.WithLabelValues("stripe").Inc()
	}
	h.metrics.WebhookEvents.WithLabelValues("stripe", webhookOutcome(ok, status)).Inc()

	c.JSON(status, bursar.WebhookResponse{Received: ok, Message: msg})
}

func webhookOutcome(ok bool, status int) string {
	if ok {
		return "processed"
	}
	if status >= 500 {
		return "error"
	}
	return "rejected"
}

func subscriptionInfo(sub *models.Subscription) *bursar.SubscriptionInfo {
	return &bursar.SubscriptionInfo{
		Tier:               sub.Tier,
		Status:             sub.Status,
		MonthlyCredits:     subscription.MonthlyCredits(sub.Tier),
		CurrentPeriodStart: sub.CurrentPeriodStart,
		CurrentPeriodEnd:   sub.CurrentPeriodEnd,
	}
}

// internalError logs the failure and returns an opaque 500. Store errors
// never reach clients.
func (h *Handlers) internalError(c *gin.Context, op string, err error) {
	h.logger.WithFields(logging.Fields{
		"operation": op,
		"error":     err.Error(),
	}).Error("Request failed")
	c.JSON(http.StatusInternalServerError, bursar.ErrorResponse{Error: "Internal error", Kind: bursar.ErrKindInternalError})
}
