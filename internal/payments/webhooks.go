package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"cvminion/bursar/internal/ledger"
	"cvminion/bursar/internal/subscription"
	"cvminion/bursar/pkg/logging"
	"cvminion/bursar/pkg/models"
)

// stripeSignatureTolerance is the maximum accepted age of a webhook
// delivery, matching Stripe's recommended replay window.
const stripeSignatureTolerance = 300 * time.Second

// purchasedCreditTTL is how long one-off purchased credits remain valid
const purchasedCreditTTL = 365 * 24 * time.Hour

// stripeEvent is the envelope shared by all Stripe webhook payloads.
// Data.Object is parsed per event type.
type stripeEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// sessionMetadata is the metadata we attach to checkout sessions. Stripe
// metadata values are always strings.
type sessionMetadata struct {
	Mode    string `json:"mode"`
	UserID  string `json:"user_id"`
	Credits string `json:"credits"`
	Tier    string `json:"tier"`
}

type stripeCheckoutObject struct {
	ID           string          `json:"id"`
	Customer     string          `json:"customer"`
	Subscription string          `json:"subscription"`
	Metadata     sessionMetadata `json:"metadata"`
}

type stripePaymentIntentObject struct {
	ID       string          `json:"id"`
	Metadata sessionMetadata `json:"metadata"`
}

type stripeSubscriptionObject struct {
	ID       string          `json:"id"`
	Customer string          `json:"customer"`
	Status   string          `json:"status"`
	Metadata sessionMetadata `json:"metadata"`
}

// WebhookProcessor verifies, deduplicates and applies Stripe webhook events
type WebhookProcessor struct {
	db            *sql.DB
	ledger        *ledger.Service
	subscriptions *subscription.Manager
	logger        logging.Logger
	webhookSecret string
}

// NewWebhookProcessor creates a new webhook processor. The webhook secret
// is injected here; an empty secret makes the processor reject every
// delivery with 503 rather than skipping verification.
func NewWebhookProcessor(database *sql.DB, ledgerSvc *ledger.Service, subs *subscription.Manager, log logging.Logger, webhookSecret string) *WebhookProcessor {
	return &WebhookProcessor{
		db:            database,
		ledger:        ledgerSvc,
		subscriptions: subs,
		logger:        log,
		webhookSecret: webhookSecret,
	}
}

// Process handles a raw Stripe webhook delivery.
// Returns (success, error_message, http_status_code).
func (p *WebhookProcessor) Process(ctx context.Context, body []byte, signature string) (bool, string, int) {
	if p.webhookSecret == "" {
		p.logger.Error("Stripe webhook secret not configured; rejecting webhook")
		return false, "Webhook verification not configured", 503
	}
	if !p.verifySignature(body, signature) {
		p.logger.WithFields(logging.Fields{
			"signature": signature,
		}).Warn("Invalid Stripe webhook signature")
		return false, "Invalid signature", 401
	}

	var event stripeEvent
	if err := json.Unmarshal(body, &event); err != nil {
		p.logger.WithField("error", err.Error()).Warn("Invalid Stripe webhook payload")
		return false, "Invalid payload", 400
	}

	p.logger.WithFields(logging.Fields{
		"event_id":   event.ID,
		"event_type": event.Type,
	}).Info("Received Stripe webhook")

	// Redeliveries of an already processed event are acknowledged without
	// touching the ledger again
	if p.alreadyProcessed(ctx, event.ID) {
		p.logger.WithField("event_id", event.ID).Debug("Stripe webhook already processed, skipping")
		return true, "", 200
	}

	var err error
	switch {
	case event.Type == "checkout.session.completed":
		err = p.handleCheckoutCompleted(ctx, event)
	case event.Type == "payment_intent.succeeded":
		err = p.handlePaymentSucceeded(ctx, event)
	case strings.HasPrefix(event.Type, "customer.subscription."):
		err = p.handleSubscriptionEvent(ctx, event)
	default:
		p.logger.WithField("event_type", event.Type).Debug("Ignoring unhandled Stripe event type")
	}

	if err != nil {
		p.logger.WithFields(logging.Fields{
			"event_id":   event.ID,
			"event_type": event.Type,
			"error":      err.Error(),
		}).Error("Failed to process Stripe webhook")
		return false, "Failed to process webhook", 500
	}

	p.markProcessed(ctx, event.ID, event.Type)
	return true, "", 200
}

// verifySignature verifies the Stripe-Signature header using HMAC-SHA256
func (p *WebhookProcessor) verifySignature(payload []byte, signature string) bool {
	if signature == "" {
		return false
	}

	// Header format: t=timestamp,v1=signature,v1=signature
	elements := strings.Split(signature, ",")
	var timestamp string
	var signatures []string

	for _, element := range elements {
		parts := strings.SplitN(element, "=", 2)
		if len(parts) != 2 {
			continue
		}

		switch parts[0] {
		case "t":
			timestamp = parts[1]
		case "v1":
			signatures = append(signatures, parts[1])
		}
	}

	if timestamp == "" || len(signatures) == 0 {
		p.logger.Error("Invalid Stripe signature format: missing timestamp or signatures")
		return false
	}

	timestampInt, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		p.logger.WithFields(logging.Fields{
			"timestamp": timestamp,
			"error":     err.Error(),
		}).Error("Failed to parse Stripe webhook timestamp")
		return false
	}

	now := time.Now().Unix()
	if now-timestampInt > int64(stripeSignatureTolerance.Seconds()) {
		p.logger.WithFields(logging.Fields{
			"timestamp":   timestampInt,
			"current":     now,
			"age_seconds": now - timestampInt,
		}).Warn("Stripe webhook timestamp too old")
		return false
	}

	signedPayload := timestamp + "." + string(payload)

	mac := hmac.New(sha256.New, []byte(p.webhookSecret))
	mac.Write([]byte(signedPayload))
	expectedSignature := hex.EncodeToString(mac.Sum(nil))

	for _, providedSig := range signatures {
		if hmac.Equal([]byte(expectedSignature), []byte(providedSig)) {
			return true
		}
	}

	p.logger.WithFields(logging.Fields{
		"timestamp":   timestamp,
		"payload_len": len(payload),
	}).Warn("Stripe signature verification failed")

	return false
}

// handleCheckoutCompleted dispatches on the session metadata mode
func (p *WebhookProcessor) handleCheckoutCompleted(ctx context.Context, event stripeEvent) error {
	var obj stripeCheckoutObject
	if err := json.Unmarshal(event.Data.Object, &obj); err != nil {
		return fmt.Errorf("failed to parse checkout session: %w", err)
	}

	switch obj.Metadata.Mode {
	case ModeCredits:
		credits, ok := parseCredits(obj.Metadata)
		if !ok {
			p.logger.WithFields(logging.Fields{
				"event_id":   event.ID,
				"session_id": obj.ID,
				"user_id":    obj.Metadata.UserID,
				"credits":    obj.Metadata.Credits,
			}).Error("Checkout session missing user_id or credits metadata, dropping event")
			return nil
		}
		return p.grantPurchasedCredits(ctx, event, obj.Metadata.UserID, credits)

	case ModeSubscription:
		if obj.Metadata.UserID == "" || obj.Metadata.Tier == "" {
			p.logger.WithFields(logging.Fields{
				"event_id":   event.ID,
				"session_id": obj.ID,
				"user_id":    obj.Metadata.UserID,
				"tier":       obj.Metadata.Tier,
			}).Error("Checkout session missing user_id or tier metadata, dropping event")
			return nil
		}
		if err := p.applyTier(ctx, obj.Metadata.UserID, obj.Metadata.Tier); err != nil {
			return err
		}
		if obj.Customer != "" {
			if err := p.subscriptions.LinkStripeCustomer(ctx, obj.Metadata.UserID, obj.Customer, obj.Subscription); err != nil {
				p.logger.WithFields(logging.Fields{
					"user_id": obj.Metadata.UserID,
					"error":   err.Error(),
				}).Warn("Failed to link Stripe customer")
			}
		}
		return nil

	default:
		p.logger.WithFields(logging.Fields{
			"event_id":   event.ID,
			"session_id": obj.ID,
			"mode":       obj.Metadata.Mode,
		}).Error("Checkout session with unknown mode metadata, dropping event")
		return nil
	}
}

// handlePaymentSucceeded grants purchased credits for one-off payments
// that carry credit metadata on the payment intent itself
func (p *WebhookProcessor) handlePaymentSucceeded(ctx context.Context, event stripeEvent) error {
	var obj stripePaymentIntentObject
	if err := json.Unmarshal(event.Data.Object, &obj); err != nil {
		return fmt.Errorf("failed to parse payment intent: %w", err)
	}

	if obj.Metadata.Mode != ModeCredits {
		// Credits funded through checkout sessions are granted by the
		// checkout.session.completed handler instead
		p.logger.WithFields(logging.Fields{
			"event_id":          event.ID,
			"payment_intent_id": obj.ID,
		}).Debug("Payment intent without credits metadata, skipping")
		return nil
	}

	credits, ok := parseCredits(obj.Metadata)
	if !ok {
		p.logger.WithFields(logging.Fields{
			"event_id":          event.ID,
			"payment_intent_id": obj.ID,
			"user_id":           obj.Metadata.UserID,
			"credits":           obj.Metadata.Credits,
		}).Error("Payment intent missing user_id or credits metadata, dropping event")
		return nil
	}

	return p.grantPurchasedCredits(ctx, event, obj.Metadata.UserID, credits)
}

// handleSubscriptionEvent applies tier changes and cancellations
func (p *WebhookProcessor) handleSubscriptionEvent(ctx context.Context, event stripeEvent) error {
	var obj stripeSubscriptionObject
	if err := json.Unmarshal(event.Data.Object, &obj); err != nil {
		return fmt.Errorf("failed to parse subscription object: %w", err)
	}

	if obj.Metadata.UserID == "" {
		p.logger.WithFields(logging.Fields{
			"event_id":        event.ID,
			"event_type":      event.Type,
			"subscription_id": obj.ID,
		}).Error("Subscription event missing user_id metadata, dropping event")
		return nil
	}

	switch event.Type {
	case "customer.subscription.created", "customer.subscription.updated":
		if obj.Metadata.Tier == "" {
			p.logger.WithFields(logging.Fields{
				"event_id":        event.ID,
				"subscription_id": obj.ID,
				"user_id":         obj.Metadata.UserID,
			}).Error("Subscription event missing tier metadata, dropping event")
			return nil
		}
		return p.applyTier(ctx, obj.Metadata.UserID, obj.Metadata.Tier)

	case "customer.subscription.deleted":
		_, _, err := p.subscriptions.Cancel(ctx, obj.Metadata.UserID)
		if errors.Is(err, subscription.ErrDuplicateTier) {
			// Already on the free tier
			return nil
		}
		return err

	default:
		p.logger.WithField("event_type", event.Type).Debug("Ignoring subscription event type")
		return nil
	}
}

// applyTier moves the user to the paid tier. A no-op change means a
// redelivered or out-of-order event and is not an error.
func (p *WebhookProcessor) applyTier(ctx context.Context, userID, tier string) error {
	_, err := p.subscriptions.Upgrade(ctx, userID, tier)
	if errors.Is(err, subscription.ErrDuplicateTier) {
		p.logger.WithFields(logging.Fields{
			"user_id": userID,
			"tier":    tier,
		}).Debug("User already on target tier, skipping")
		return nil
	}
	return err
}

// grantPurchasedCredits grants a purchased lot exactly once. The event
// claim and the grant share one transaction, so a concurrent redelivery
// either loses the claim and grants nothing, or performs the whole grant.
func (p *WebhookProcessor) grantPurchasedCredits(ctx context.Context, event stripeEvent, userID string, credits int) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is best-effort

	claimed, err := claimEventTx(tx, "stripe", event.ID, event.Type)
	if err != nil {
		return err
	}
	if !claimed {
		p.logger.WithField("event_id", event.ID).Debug("Webhook event claimed by another delivery, skipping grant")
		return nil
	}

	expiresAt := time.Now().Add(purchasedCreditTTL)
	balance, err := p.ledger.GrantTx(tx, ledger.GrantParams{
		UserID:      userID,
		Amount:      credits,
		CreditType:  models.CreditTypePurchased,
		ExpiresAt:   &expiresAt,
		Description: fmt.Sprintf("Purchased %d credits", credits),
	})
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit credit purchase: %w", err)
	}

	p.logger.WithFields(logging.Fields{
		"event_id": event.ID,
		"user_id":  userID,
		"credits":  credits,
		"balance":  balance,
	}).Info("Granted purchased credits from Stripe webhook")

	return nil
}

// alreadyProcessed checks whether a webhook event was already handled
func (p *WebhookProcessor) alreadyProcessed(ctx context.Context, eventID string) bool {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM webhook_events WHERE provider = $1 AND event_id = $2)
	`, "stripe", eventID).Scan(&exists)
	return err == nil && exists
}

// markProcessed records a handled webhook event
func (p *WebhookProcessor) markProcessed(ctx context.Context, eventID, eventType string) {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO webhook_events (provider, event_id, event_type)
		VALUES ($1, $2, $3)
		ON CONFLICT (provider, event_id) DO NOTHING
	`, "stripe", eventID, eventType)
	if err != nil {
		p.logger.WithField("error", err.Error()).Warn("Failed to mark webhook as processed")
	}
}

// claimEventTx inserts the event row inside an open transaction. The
// unique (provider, event_id) constraint makes the insert succeed for
// exactly one delivery.
func claimEventTx(tx *sql.Tx, provider, eventID, eventType string) (bool, error) {
	result, err := tx.Exec(`
		INSERT INTO webhook_events (provider, event_id, event_type)
		VALUES ($1, $2, $3)
		ON CONFLICT (provider, event_id) DO NOTHING
	`, provider, eventID, eventType)
	if err != nil {
		return false, fmt.Errorf("failed to claim webhook event: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check webhook claim: %w", err)
	}
	return affected > 0, nil
}

// parseCredits extracts the credit amount from session metadata
func parseCredits(m sessionMetadata) (int, bool) {
	if m.UserID == "" || m.Credits == "" {
		return 0, false
	}
	credits, err := strconv.Atoi(m.Credits)
	if err != nil || credits <= 0 {
		return 0, false
	}
	return credits, true
}
