package ledger

import "errors"

var (
	// ErrInsufficientCredits is returned when a consume request exceeds the
	// user's spendable balance. No lots are mutated in that case.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrInvalidAmount is returned for zero or negative amounts
	ErrInvalidAmount = errors.New("amount must be positive")
)
