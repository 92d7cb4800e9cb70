package models

import (
	"time"
)

// Credit lot types. Monthly lots come from a subscription cycle, purchased
// lots from one-off Stripe payments, bonus lots from promotions or support.
const (
	CreditTypeMonthly   = "monthly"
	CreditTypePurchased = "purchased"
	CreditTypeBonus     = "bonus"
)

// Subscription tiers.
const (
	TierFree       = "free"
	TierPro        = "pro"
	TierEnterprise = "enterprise"
)

// Transaction kinds recorded in the append-only ledger.
const (
	TxTypeGrant   = "grant"
	TxTypeConsume = "consume"
	TxTypeRefund  = "refund"
	TxTypeExpire  = "expire"
	TxTypeReset   = "reset"
)

// CreditLot represents a grant of credits with its remaining amount.
// Balance is always derived from active, unexpired lots.
type CreditLot struct {
	ID         string     `json:"id" db:"id"`
	UserID     string     `json:"user_id" db:"user_id"`
	Amount     int        `json:"amount" db:"amount"`
	CreditType string     `json:"credit_type" db:"credit_type"`
	IsActive   bool       `json:"is_active" db:"is_active"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at" db:"updated_at"`
}

// Expired reports whether the lot is past its expiry at the given time.
// Lots without an expiry never expire.
func (l *CreditLot) Expired(now time.Time) bool {
	return l.ExpiresAt != nil && !l.ExpiresAt.After(now)
}

// Subscription represents a user's current subscription state
type Subscription struct {
	ID                   string     `json:"id" db:"id"`
	UserID               string     `json:"user_id" db:"user_id"`
	Tier                 string     `json:"tier" db:"tier"`
	Status               string     `json:"status" db:"status"`
	StripeCustomerID     *string    `json:"stripe_customer_id,omitempty" db:"stripe_customer_id"`
	StripeSubscriptionID *string    `json:"stripe_subscription_id,omitempty" db:"stripe_subscription_id"`
	CurrentPeriodStart   time.Time  `json:"current_period_start" db:"current_period_start"`
	CurrentPeriodEnd     time.Time  `json:"current_period_end" db:"current_period_end"`
	CancelledAt          *time.Time `json:"cancelled_at,omitempty" db:"cancelled_at"`
	CreatedAt            time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at" db:"updated_at"`
}

// CreditTransaction is an append-only record of a balance-affecting event
type CreditTransaction struct {
	ID           string    `json:"id" db:"id"`
	UserID       string    `json:"user_id" db:"user_id"`
	Amount       int       `json:"amount" db:"amount"`
	Type         string    `json:"type" db:"type"`
	Description  string    `json:"description" db:"description"`
	BalanceAfter int       `json:"balance_after" db:"balance_after"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// CreditPackage is a purchasable one-off credit bundle
type CreditPackage struct {
	ID         string `json:"id" db:"id"`
	Name       string `json:"name" db:"name"`
	Credits    int    `json:"credits" db:"credits"`
	PriceCents int64  `json:"price_cents" db:"price_cents"`
	Currency   string `json:"currency" db:"currency"`
	IsActive   bool   `json:"is_active" db:"is_active"`
}

// WebhookEvent records a processed payment-provider event for idempotency
type WebhookEvent struct {
	ID          string    `json:"id" db:"id"`
	Provider    string    `json:"provider" db:"provider"`
	EventID     string    `json:"event_id" db:"event_id"`
	EventType   string    `json:"event_type" db:"event_type"`
	ProcessedAt time.Time `json:"processed_at" db:"processed_at"`
}

// ValidTier reports whether the given tier name is a known subscription tier
func ValidTier(tier string) bool {
	switch tier {
	case TierFree, TierPro, TierEnterprise:
		return true
	}
	return false
}
