// Package ledger implements the credit lot store. Credits are granted as
// lots with an optional expiry, consumed oldest-expiry-first, and the
// spendable balance is always derived from active unexpired lots.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"cvminion/bursar/pkg/logging"
	"cvminion/bursar/pkg/models"
)

// Service provides credit lot operations backed by Postgres
type Service struct {
	db     *sql.DB
	logger logging.Logger
}

// NewService creates a new ledger service
func NewService(database *sql.DB, log logging.Logger) *Service {
	return &Service{
		db:     database,
		logger: log,
	}
}

// GrantParams describes a credit grant. TxType is the ledger entry type
// and defaults to a plain grant.
type GrantParams struct {
	UserID      string
	Amount      int
	CreditType  string
	TxType      string
	ExpiresAt   *time.Time
	Description string
}

// Summary is a point-in-time view of a user's spendable credits
type Summary struct {
	Balance int
	ByType  map[string]int
	Lots    []models.CreditLot
}

// Balance returns the user's spendable balance: the sum of active,
// unexpired lots. It is never negative.
func (s *Service) Balance(ctx context.Context, userID string) (int, error) {
	var balance int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM credits
		WHERE user_id = $1
		  AND is_active = true
		  AND (expires_at IS NULL OR expires_at > NOW())
	`, userID).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("failed to query balance: %w", err)
	}
	return balance, nil
}

// Summary returns the balance broken down by credit type along with the
// contributing lots, soonest expiry first.
func (s *Service) Summary(ctx context.Context, userID string) (*Summary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, amount, credit_type, is_active, expires_at, created_at, updated_at
		FROM credits
		WHERE user_id = $1
		  AND is_active = true
		  AND (expires_at IS NULL OR expires_at > NOW())
		ORDER BY expires_at ASC NULLS LAST, created_at ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query credit lots: %w", err)
	}
	defer rows.Close()

	summary := &Summary{
		ByType: map[string]int{},
	}
	for rows.Next() {
		var lot models.CreditLot
		if err := rows.Scan(&lot.ID, &lot.UserID, &lot.Amount, &lot.CreditType,
			&lot.IsActive, &lot.ExpiresAt, &lot.CreatedAt, &lot.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan credit lot: %w", err)
		}
		summary.Balance += lot.Amount
		summary.ByType[lot.CreditType] += lot.Amount
		summary.Lots = append(summary.Lots, lot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read credit lots: %w", err)
	}

	return summary, nil
}

// Grant adds a credit lot for the user and records a ledger transaction.
// It returns the balance after the grant.
func (s *Service) Grant(ctx context.Context, params GrantParams) (int, error) {
	if params.Amount <= 0 {
		return 0, ErrInvalidAmount
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is best-effort

	balance, err := s.GrantTx(tx, params)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit grant: %w", err)
	}

	s.logger.WithFields(logging.Fields{
		"user_id":     params.UserID,
		"amount":      params.Amount,
		"credit_type": params.CreditType,
		"balance":     balance,
	}).Info("Credits granted")

	return balance, nil
}

// GrantTx performs a grant inside an existing transaction. Callers that
// need the grant to be atomic with other writes (webhook event claims,
// subscription updates) compose it this way.
func (s *Service) GrantTx(tx *sql.Tx, params GrantParams) (int, error) {
	if params.Amount <= 0 {
		return 0, ErrInvalidAmount
	}

	_, err := tx.Exec(`
		INSERT INTO credits (user_id, amount, credit_type, is_active, expires_at)
		VALUES ($1, $2, $3, true, $4)
	`, params.UserID, params.Amount, params.CreditType, params.ExpiresAt)
	if err != nil {
		return 0, fmt.Errorf("failed to insert credit lot: %w", err)
	}

	balance, err := balanceTx(tx, params.UserID)
	if err != nil {
		return 0, err
	}

	txType := params.TxType
	if txType == "" {
		txType = models.TxTypeGrant
	}

	description := params.Description
	if description == "" {
		description = fmt.Sprintf("Granted %d %s credits", params.Amount, params.CreditType)
	}

	_, err = tx.Exec(`
		INSERT INTO credit_transactions (user_id, amount, type, description, balance_after)
		VALUES ($1, $2, $3, $4, $5)
	`, params.UserID, params.Amount, txType, description, balance)
	if err != nil {
		return 0, fmt.Errorf("failed to record grant transaction: %w", err)
	}

	return balance, nil
}

// Refund returns credits to a user as a bonus lot with no expiry
func (s *Service) Refund(ctx context.Context, userID string, amount int, description string) (int, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is best-effort

	_, err = tx.Exec(`
		INSERT INTO credits (user_id, amount, credit_type, is_active, expires_at)
		VALUES ($1, $2, $3, true, NULL)
	`, userID, amount, models.CreditTypeBonus)
	if err != nil {
		return 0, fmt.Errorf("failed to insert refund lot: %w", err)
	}

	balance, err := balanceTx(tx, userID)
	if err != nil {
		return 0, err
	}

	if description == "" {
		description = fmt.Sprintf("Refunded %d credits", amount)
	}

	_, err = tx.Exec(`
		INSERT INTO credit_transactions (user_id, amount, type, description, balance_after)
		VALUES ($1, $2, $3, $4, $5)
	`, userID, amount, models.TxTypeRefund, description, balance)
	if err != nil {
		return 0, fmt.Errorf("failed to record refund transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit refund: %w", err)
	}

	s.logger.WithFields(logging.Fields{
		"user_id": userID,
		"amount":  amount,
		"balance": balance,
	}).Info("Credits refunded")

	return balance, nil
}

// Transactions returns the user's ledger history, newest first
func (s *Service) Transactions(ctx context.Context, userID string, limit int) ([]models.CreditTransaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, amount, type, description, balance_after, created_at
		FROM credit_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var transactions []models.CreditTransaction
	for rows.Next() {
		var t models.CreditTransaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.Amount, &t.Type,
			&t.Description, &t.BalanceAfter, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		transactions = append(transactions, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read transactions: %w", err)
	}

	return transactions, nil
}

// ExpireSweep deactivates lots that are past their expiry and records an
// expire entry per affected user. Expired lots already stop counting
// toward the balance; the sweep keeps the is_active flag authoritative
// and the ledger complete. Returns the number of lots deactivated.
func (s *Service) ExpireSweep(ctx context.Context) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is best-effort

	rows, err := tx.Query(`
		UPDATE credits
		SET is_active = false, updated_at = NOW()
		WHERE is_active = true
		  AND expires_at IS NOT NULL
		  AND expires_at <= NOW()
		RETURNING user_id, amount
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to expire credit lots: %w", err)
	}

	var expired int64
	perUser := map[string]int{}
	var order []string
	for rows.Next() {
		var userID string
		var amount int
		if err := rows.Scan(&userID, &amount); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan expired lot: %w", err)
		}
		if _, seen := perUser[userID]; !seen {
			order = append(order, userID)
		}
		perUser[userID] += amount
		expired++
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("failed to read expired lots: %w", err)
	}
	rows.Close()

	for _, userID := range order {
		balance, err := balanceTx(tx, userID)
		if err != nil {
			return 0, err
		}
		_, err = tx.Exec(`
			INSERT INTO credit_transactions (user_id, amount, type, description, balance_after)
			VALUES ($1, $2, $3, $4, $5)
		`, userID, -perUser[userID], models.TxTypeExpire, "Expired credit lots", balance)
		if err != nil {
			return 0, fmt.Errorf("failed to record expiry transaction: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit expiry sweep: %w", err)
	}

	if expired > 0 {
		s.logger.WithField("expired_lots", expired).Info("Deactivated expired credit lots")
	}

	return expired, nil
}

// balanceTx derives the spendable balance inside an open transaction
func balanceTx(tx *sql.Tx, userID string) (int, error) {
	var balance int
	err := tx.QueryRow(`
		SELECT COALESCE(SUM(amount), 0)
		FROM credits
		WHERE user_id = $1
		  AND is_active = true
		  AND (expires_at IS NULL OR expires_at > NOW())
	`, userID).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("failed to derive balance: %w", err)
	}
	return balance, nil
}
