package payments

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/checkout/session"

	"cvminion/bursar/internal/subscription"
	"cvminion/bursar/pkg/logging"
	"cvminion/bursar/pkg/models"
)

// Checkout modes carried in Stripe session metadata. The webhook
// processor dispatches on this value.
const (
	ModeCredits      = "credits"
	ModeSubscription = "subscription"
)

// CheckoutResult contains the created session for the client to redirect to
type CheckoutResult struct {
	SessionID   string
	CheckoutURL string
	ExpiresAt   time.Time
}

// CheckoutService creates Stripe Checkout sessions for credit packages
// and subscription upgrades
type CheckoutService struct {
	catalog   *Catalog
	logger    logging.Logger
	secretKey string
	baseURL   string
}

// NewCheckoutService creates a new checkout service. baseURL is the
// frontend origin used for default success/cancel redirects.
func NewCheckoutService(catalog *Catalog, log logging.Logger, secretKey, baseURL string) *CheckoutService {
	return &CheckoutService{
		catalog:   catalog,
		logger:    log,
		secretKey: secretKey,
		baseURL:   baseURL,
	}
}

// CreateCreditsCheckout creates a one-off payment session for a credit package
func (s *CheckoutService) CreateCreditsCheckout(ctx context.Context, userID, packageID, successURL, cancelURL string) (*CheckoutResult, error) {
	if s.secretKey == "" {
		return nil, fmt.Errorf("stripe secret key not configured")
	}

	pkg, err := s.catalog.GetPackage(ctx, packageID)
	if err != nil {
		return nil, err
	}

	stripe.Key = s.secretKey

	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(s.redirectURL(successURL, "/billing/success")),
		CancelURL:  stripe.String(s.redirectURL(cancelURL, "/billing/cancel")),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency: stripe.String(pkg.Currency),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name:        stripe.String(pkg.Name),
						Description: stripe.String(fmt.Sprintf("%d credits", pkg.Credits)),
					},
					UnitAmount: stripe.Int64(pkg.PriceCents),
				},
				Quantity: stripe.Int64(1),
			},
		},
		// Metadata drives webhook dispatch
		Metadata: map[string]string{
			"mode":    ModeCredits,
			"user_id": userID,
			"credits": strconv.Itoa(pkg.Credits),
		},
	}

	sess, err := session.New(params)
	if err != nil {
		return nil, fmt.Errorf("failed to create Stripe checkout session: %w", err)
	}

	s.logger.WithFields(logging.Fields{
		"user_id":    userID,
		"package_id": packageID,
		"credits":    pkg.Credits,
		"session_id": sess.ID,
	}).Info("Created credits checkout session")

	return checkoutResult(sess), nil
}

// CreateSubscriptionCheckout creates a recurring payment session for a tier
func (s *CheckoutService) CreateSubscriptionCheckout(ctx context.Context, userID, tierName, successURL, cancelURL string) (*CheckoutResult, error) {
	if s.secretKey == "" {
		return nil, fmt.Errorf("stripe secret key not configured")
	}

	tier, ok := subscription.GetTier(tierName)
	if !ok || tierName == models.TierFree {
		return nil, subscription.ErrUnknownTier
	}

	stripe.Key = s.secretKey

	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		SuccessURL: stripe.String(s.redirectURL(successURL, "/billing/success")),
		CancelURL:  stripe.String(s.redirectURL(cancelURL, "/billing/cancel")),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency: stripe.String("usd"),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name:        stripe.String(fmt.Sprintf("%s subscription", tier.Name)),
						Description: stripe.String(fmt.Sprintf("%d credits per month", tier.MonthlyCredits)),
					},
					UnitAmount: stripe.Int64(tier.PriceCents),
					Recurring: &stripe.CheckoutSessionLineItemPriceDataRecurringParams{
						Interval: stripe.String("month"),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		Metadata: map[string]string{
			"mode":    ModeSubscription,
			"user_id": userID,
			"tier":    tier.Name,
		},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{
				"user_id": userID,
				"tier":    tier.Name,
			},
		},
	}

	sess, err := session.New(params)
	if err != nil {
		return nil, fmt.Errorf("failed to create Stripe checkout session: %w", err)
	}

	s.logger.WithFields(logging.Fields{
		"user_id":    userID,
		"tier":       tier.Name,
		"session_id": sess.ID,
	}).Info("Created subscription checkout session")

	return checkoutResult(sess), nil
}

func (s *CheckoutService) redirectURL(override, path string) string {
	if override != "" {
		return override
	}
	return s.baseURL + path
}

func checkoutResult(sess *stripe.CheckoutSession) *CheckoutResult {
	// Stripe sessions expire after 24 hours by default
	expiresAt := time.Now().Add(24 * time.Hour)
	if sess.ExpiresAt > 0 {
		expiresAt = time.Unix(sess.ExpiresAt, 0)
	}
	return &CheckoutResult{
		SessionID:   sess.ID,
		CheckoutURL: sess.URL,
		ExpiresAt:   expiresAt,
	}
}
