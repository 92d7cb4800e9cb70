// Package subscription manages subscription state and the monthly credit
// cycle. A billing window starts when the tier takes effect and ends one
// calendar month later, so billing dates track the day of month.
package subscription

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"cvminion/bursar/internal/ledger"
	"cvminion/bursar/pkg/logging"
	"cvminion/bursar/pkg/models"
)

var (
	// ErrDuplicateTier is returned when an upgrade targets the tier the
	// user is already on
	ErrDuplicateTier = errors.New("already subscribed to this tier")

	// ErrUnknownTier is returned for tier names outside the tier table
	ErrUnknownTier = errors.New("unknown subscription tier")

	// ErrNoSubscription is returned when the user has no subscription row
	ErrNoSubscription = errors.New("no subscription found")
)

// UpgradeResult reports the outcome of a tier change
type UpgradeResult struct {
	Subscription *models.Subscription
	PreviousTier string
	Balance      int
}

// Manager provides subscription operations backed by Postgres
type Manager struct {
	db     *sql.DB
	ledger *ledger.Service
	logger logging.Logger
}

// NewManager creates a new subscription manager
func NewManager(database *sql.DB, ledgerSvc *ledger.Service, log logging.Logger) *Manager {
	return &Manager{
		db:     database,
		ledger: ledgerSvc,
		logger: log,
	}
}

// billingWindow returns a window starting at now and ending one calendar
// month later, not a fixed 30 days, so period ends track the day of month
func billingWindow(now time.Time) (time.Time, time.Time) {
	start := now.UTC()
	end := start.AddDate(0, 1, 0)
	return start, end
}

// Current returns the user's subscription
func (m *Manager) Current(ctx context.Context, userID string) (*models.Subscription, error) {
	var sub models.Subscription
	err := m.db.QueryRowContext(ctx, `
		SELECT id, user_id, tier, status, stripe_customer_id, stripe_subscription_id,
		       current_period_start, current_period_end, cancelled_at, created_at, updated_at
		FROM user_subscriptions
		WHERE user_id = $1
	`, userID).Scan(&sub.ID, &sub.UserID, &sub.Tier, &sub.Status,
		&sub.StripeCustomerID, &sub.StripeSubscriptionID,
		&sub.CurrentPeriodStart, &sub.CurrentPeriodEnd,
		&sub.CancelledAt, &sub.CreatedAt, &sub.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSubscription
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query subscription: %w", err)
	}
	return &sub, nil
}

// Signup provisions a free-tier subscription for a new user and grants
// the free monthly credits, expiring at the end of the billing window.
// Returns the subscription and the user's balance.
func (m *Manager) Signup(ctx context.Context, userID string) (*models.Subscription, int, error) {
	start, end := billingWindow(time.Now())
	tier := tiers[models.TierFree]

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is best-effort

	var sub models.Subscription
	err = tx.QueryRow(`
		INSERT INTO user_subscriptions (user_id, tier, status, current_period_start, current_period_end)
		VALUES ($1, $2, 'active', $3, $4)
		RETURNING id, user_id, tier, status, current_period_start, current_period_end, created_at, updated_at
	`, userID, tier.Name, start, end).Scan(&sub.ID, &sub.UserID, &sub.Tier, &sub.Status,
		&sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create subscription: %w", err)
	}

	balance, err := m.ledger.GrantTx(tx, ledger.GrantParams{
		UserID:      userID,
		Amount:      tier.MonthlyCredits,
		CreditType:  models.CreditTypeMonthly,
		ExpiresAt:   &end,
		Description: fmt.Sprintf("Signup grant: %d %s tier credits", tier.MonthlyCredits, tier.Name),
	})
	if err != nil {
		return nil, 0, err
	}

	if err := tx.Commit(); err != nil {
		return nil, 0, fmt.Errorf("failed to commit signup: %w", err)
	}

	m.logger.WithFields(logging.Fields{
		"user_id": userID,
		"tier":    tier.Name,
		"balance": balance,
	}).Info("User subscription created")

	return &sub, balance, nil
}

// Upgrade moves the user to a new tier and starts a fresh billing window.
// Moving to the tier the user is already on is rejected with
// ErrDuplicateTier. The old tier's monthly lot is left alone; it expires
// at its own window end.
func (m *Manager) Upgrade(ctx context.Context, userID, tierName string) (*UpgradeResult, error) {
	tier, ok := GetTier(tierName)
	if !ok {
		return nil, ErrUnknownTier
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is best-effort

	var currentTier string
	err = tx.QueryRow(`
		SELECT tier FROM user_subscriptions
		WHERE user_id = $1
		FOR UPDATE
	`, userID).Scan(&currentTier)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSubscription
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock subscription: %w", err)
	}

	if currentTier == tier.Name {
		return nil, ErrDuplicateTier
	}

	sub, balance, err := m.applyTierTx(tx, userID, tier, time.Now(), models.TxTypeGrant)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit upgrade: %w", err)
	}

	m.logger.WithFields(logging.Fields{
		"user_id":  userID,
		"old_tier": currentTier,
		"new_tier": tier.Name,
		"balance":  balance,
	}).Info("Subscription tier changed")

	return &UpgradeResult{Subscription: sub, PreviousTier: currentTier, Balance: balance}, nil
}

// ResetMonthlyCredits starts a fresh billing window for the user and
// grants the tier's full allowance, expiring at the end of the new window.
// The prior cycle's monthly lot expires on its own expires_at, so unused
// monthly credits never carry over.
func (m *Manager) ResetMonthlyCredits(ctx context.Context, userID string) (*models.Subscription, int, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is best-effort

	var tierName string
	err = tx.QueryRow(`
		SELECT tier FROM user_subscriptions
		WHERE user_id = $1
		FOR UPDATE
	`, userID).Scan(&tierName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, ErrNoSubscription
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to lock subscription: %w", err)
	}

	tier, ok := GetTier(tierName)
	if !ok {
		return nil, 0, ErrUnknownTier
	}

	sub, balance, err := m.applyTierTx(tx, userID, tier, time.Now(), models.TxTypeReset)
	if err != nil {
		return nil, 0, err
	}

	if err := tx.Commit(); err != nil {
		return nil, 0, fmt.Errorf("failed to commit monthly reset: %w", err)
	}

	m.logger.WithFields(logging.Fields{
		"user_id": userID,
		"tier":    tier.Name,
		"balance": balance,
	}).Info("Monthly credits reset")

	return sub, balance, nil
}

// RolloverDue resets every subscription whose billing window has ended.
// Returns the number of subscriptions reset.
func (m *Manager) RolloverDue(ctx context.Context) (int, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT user_id FROM user_subscriptions
		WHERE status = 'active' AND current_period_end <= NOW()
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to query due subscriptions: %w", err)
	}

	var userIDs []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan user id: %w", err)
		}
		userIDs = append(userIDs, userID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("failed to read due subscriptions: %w", err)
	}
	rows.Close()

	reset := 0
	for _, userID := range userIDs {
		if _, _, err := m.ResetMonthlyCredits(ctx, userID); err != nil {
			m.logger.WithFields(logging.Fields{
				"user_id": userID,
				"error":   err.Error(),
			}).Error("Failed to reset monthly credits")
			continue
		}
		reset++
	}

	return reset, nil
}

// Cancel downgrades the user to the free tier, recording the cancellation
// time. The paid tier's monthly lot keeps its original expiry.
func (m *Manager) Cancel(ctx context.Context, userID string) (*models.Subscription, int, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is best-effort

	var currentTier string
	err = tx.QueryRow(`
		SELECT tier FROM user_subscriptions
		WHERE user_id = $1
		FOR UPDATE
	`, userID).Scan(&currentTier)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, ErrNoSubscription
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to lock subscription: %w", err)
	}

	if currentTier == models.TierFree {
		// Nothing to cancel
		return nil, 0, ErrDuplicateTier
	}

	_, err = tx.Exec(`
		UPDATE user_subscriptions
		SET cancelled_at = NOW(), stripe_subscription_id = NULL, updated_at = NOW()
		WHERE user_id = $1
	`, userID)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to record cancellation: %w", err)
	}

	sub, balance, err := m.applyTierTx(tx, userID, tiers[models.TierFree], time.Now(), models.TxTypeGrant)
	if err != nil {
		return nil, 0, err
	}

	if err := tx.Commit(); err != nil {
		return nil, 0, fmt.Errorf("failed to commit cancellation: %w", err)
	}

	m.logger.WithFields(logging.Fields{
		"user_id":  userID,
		"old_tier": currentTier,
	}).Info("Subscription cancelled, downgraded to free")

	return sub, balance, nil
}

// LinkStripeCustomer stores the Stripe customer and subscription ids
func (m *Manager) LinkStripeCustomer(ctx context.Context, userID, customerID, subscriptionID string) error {
	result, err := m.db.ExecContext(ctx, `
		UPDATE user_subscriptions
		SET stripe_customer_id = $2, stripe_subscription_id = NULLIF($3, ''), updated_at = NOW()
		WHERE user_id = $1
	`, userID, customerID, subscriptionID)
	if err != nil {
		return fmt.Errorf("failed to link stripe customer: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check stripe link: %w", err)
	}
	if affected == 0 {
		return ErrNoSubscription
	}
	return nil
}

// applyTierTx writes the tier and a fresh billing window and grants the
// tier's allowance, all inside the caller's transaction. txType is the
// ledger entry type for the grant (grant for tier changes, reset for the
// monthly rollover).
func (m *Manager) applyTierTx(tx *sql.Tx, userID string, tier Tier, now time.Time, txType string) (*models.Subscription, int, error) {
	start, end := billingWindow(now)

	var sub models.Subscription
	err := tx.QueryRow(`
		UPDATE user_subscriptions
		SET tier = $2, current_period_start = $3, current_period_end = $4, updated_at = NOW()
		WHERE user_id = $1
		RETURNING id, user_id, tier, status, current_period_start, current_period_end, created_at, updated_at
	`, userID, tier.Name, start, end).Scan(&sub.ID, &sub.UserID, &sub.Tier, &sub.Status,
		&sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to update subscription: %w", err)
	}

	balance, err := m.ledger.GrantTx(tx, ledger.GrantParams{
		UserID:      userID,
		Amount:      tier.MonthlyCredits,
		CreditType:  models.CreditTypeMonthly,
		TxType:      txType,
		ExpiresAt:   &end,
		Description: fmt.Sprintf("Monthly grant: %d %s tier credits", tier.MonthlyCredits, tier.Name),
	})
	if err != nil {
		return nil, 0, err
	}

	return &sub, balance, nil
}
