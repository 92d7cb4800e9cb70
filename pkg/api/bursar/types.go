// Package bursar defines the request and response types served by the
// bursar credits and subscription service.
package bursar

import (
	"time"

	"cvminion/bursar/pkg/models"
)

// Machine-readable error kinds returned in ErrorResponse.Kind.
const (
	ErrKindInsufficientCredits  = "insufficient_credits"
	ErrKindInvalidPackage       = "invalid_package"
	ErrKindDuplicateTierUpgrade = "duplicate_tier_upgrade"
	ErrKindInvalidTier          = "invalid_tier"
	ErrKindInvalidRequest       = "invalid_request"
	ErrKindUnauthenticated      = "unauthenticated"
	ErrKindInternalError        = "internal_error"
)

// ErrorResponse is the uniform error payload
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// CreditStatusResponse reports a user's balance broken down by lot type
type CreditStatusResponse struct {
	UserID       string             `json:"user_id"`
	Balance      int                `json:"balance"`
	ByType       map[string]int     `json:"by_type"`
	Lots         []models.CreditLot `json:"lots,omitempty"`
	Subscription *SubscriptionInfo  `json:"subscription,omitempty"`
}

// ConsumeCreditsRequest asks to atomically deduct credits from the caller's balance
type ConsumeCreditsRequest struct {
	Amount      int    `json:"amount"`
	Description string `json:"description,omitempty"`
}

// ConsumeCreditsResponse reports the balance after a successful consumption
type ConsumeCreditsResponse struct {
	Consumed  int `json:"consumed"`
	Remaining int `json:"remaining"`
}

// GrantCreditsRequest grants credits to a user (service-to-service only)
type GrantCreditsRequest struct {
	UserID      string     `json:"user_id"`
	Amount      int        `json:"amount"`
	CreditType  string     `json:"credit_type"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Description string     `json:"description,omitempty"`
}

// GrantCreditsResponse reports the balance after a grant
type GrantCreditsResponse struct {
	Granted int `json:"granted"`
	Balance int `json:"balance"`
}

// TransactionsResponse lists a user's ledger history, newest first
type TransactionsResponse struct {
	Transactions []models.CreditTransaction `json:"transactions"`
}

// PackagesResponse lists purchasable credit packages
type PackagesResponse struct {
	Packages []models.CreditPackage `json:"packages"`
}

// CheckoutRequest creates a Stripe Checkout session. Mode is either
// "credits" with a PackageID, or "subscription" with a Tier.
type CheckoutRequest struct {
	Mode       string `json:"mode"`
	PackageID  string `json:"package_id,omitempty"`
	Tier       string `json:"tier,omitempty"`
	SuccessURL string `json:"success_url,omitempty"`
	CancelURL  string `json:"cancel_url,omitempty"`
}

// CheckoutResponse carries the hosted checkout URL for the client to redirect to
type CheckoutResponse struct {
	SessionID   string `json:"session_id"`
	CheckoutURL string `json:"checkout_url"`
}

// SubscriptionInfo represents a user's subscription state
type SubscriptionInfo struct {
	Tier               string    `json:"tier"`
	Status             string    `json:"status"`
	MonthlyCredits     int       `json:"monthly_credits"`
	CurrentPeriodStart time.Time `json:"current_period_start"`
	CurrentPeriodEnd   time.Time `json:"current_period_end"`
}

// GetSubscriptionResponse represents the response from the get subscription API
type GetSubscriptionResponse struct {
	Subscription *SubscriptionInfo `json:"subscription,omitempty"`
}

// UpgradeSubscriptionRequest moves the caller to a new tier
type UpgradeSubscriptionRequest struct {
	Tier string `json:"tier"`
}

// UpgradeSubscriptionResponse reports the new subscription state after an
// upgrade, including the tier the user moved from
type UpgradeSubscriptionResponse struct {
	Subscription SubscriptionInfo `json:"subscription"`
	PreviousTier string           `json:"previous_tier,omitempty"`
	Balance      int              `json:"balance"`
}

// SignupRequest provisions a new user with a free-tier subscription
// (service-to-service only)
type SignupRequest struct {
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
}

// SignupResponse reports the initial subscription and balance
type SignupResponse struct {
	Subscription SubscriptionInfo `json:"subscription"`
	Balance      int              `json:"balance"`
}

// WebhookResponse acknowledges a payment-provider webhook delivery
type WebhookResponse struct {
	Received bool   `json:"received"`
	Message  string `json:"message,omitempty"`
}
