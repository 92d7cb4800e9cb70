package ledger

import (
	"context"
	"fmt"

	"cvminion/bursar/pkg/logging"
	"cvminion/bursar/pkg/models"
)

// Consume atomically deducts amount credits from the user's balance.
// Lots are drained soonest-expiry-first so credits that would expire are
// spent before open-ended ones. Row locks on the selected lots serialize
// concurrent consumers; either the full amount is deducted or nothing is.
// Returns the remaining balance after the deduction.
func (s *Service) Consume(ctx context.Context, userID string, amount int, description string) (int, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback is best-effort

	rows, err := tx.Query(`
		SELECT id, amount
		FROM credits
		WHERE user_id = $1
		  AND is_active = true
		  AND amount > 0
		  AND (expires_at IS NULL OR expires_at > NOW())
		ORDER BY expires_at ASC NULLS LAST, created_at ASC
		FOR UPDATE
	`, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to lock credit lots: %w", err)
	}

	type lot struct {
		id     string
		amount int
	}
	var lots []lot
	total := 0
	for rows.Next() {
		var l lot
		if err := rows.Scan(&l.id, &l.amount); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan credit lot: %w", err)
		}
		lots = append(lots, l)
		total += l.amount
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("failed to read credit lots: %w", err)
	}
	rows.Close()

	if total < amount {
		return 0, ErrInsufficientCredits
	}

	// Drain lots in order until the requested amount is covered
	remaining := amount
	for _, l := range lots {
		if remaining == 0 {
			break
		}

		deduct := l.amount
		if deduct > remaining {
			deduct = remaining
		}
		newAmount := l.amount - deduct

		_, err = tx.Exec(`
			UPDATE credits
			SET amount = $1, is_active = ($1 > 0), updated_at = NOW()
			WHERE id = $2
		`, newAmount, l.id)
		if err != nil {
			return 0, fmt.Errorf("failed to update credit lot: %w", err)
		}

		remaining -= deduct
	}

	// Re-derive the balance from the lot table rather than trusting the
	// in-memory arithmetic
	balance, err := balanceTx(tx, userID)
	if err != nil {
		return 0, err
	}

	if description == "" {
		description = fmt.Sprintf("Consumed %d credits", amount)
	}

	_, err = tx.Exec(`
		INSERT INTO credit_transactions (user_id, amount, type, description, balance_after)
		VALUES ($1, $2, $3, $4, $5)
	`, userID, -amount, models.TxTypeConsume, description, balance)
	if err != nil {
		return 0, fmt.Errorf("failed to record consume transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit consumption: %w", err)
	}

	s.logger.WithFields(logging.Fields{
		"user_id":   userID,
		"amount":    amount,
		"remaining": balance,
	}).Info("Credits consumed")

	return balance, nil
}
