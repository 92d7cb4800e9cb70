package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"

	"cvminion/bursar/pkg/models"
)

func TestConsume_DrainsSoonestExpiryFirst(t *testing.T) {
	svc, mock := newTestService(t)

	// Two lots: 10 credits expiring tomorrow, 5 expiring in a month.
	// Consuming 12 must empty the first lot and take 2 from the second.
	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "amount"}).
			AddRow("lot-soon", 10).
			AddRow("lot-later", 5))
	mock.ExpectExec(`UPDATE credits`).
		WithArgs(0, "lot-soon").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE credits`).
		WithArgs(3, "lot-later").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT COALESCE\(SUM\(amount\), 0\)`).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(3))
	mock.ExpectExec(`INSERT INTO credit_transactions`).
		WithArgs("user-1", -12, models.TxTypeConsume, "resume generation", 3).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	remaining, err := svc.Consume(context.Background(), "user-1", 12, "resume generation")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if remaining != 3 {
		t.Fatalf("expected remaining 3, got %d", remaining)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestConsume_ExactBalance(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "amount"}).
			AddRow("lot-1", 5))
	mock.ExpectExec(`UPDATE credits`).
		WithArgs(0, "lot-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT COALESCE\(SUM\(amount\), 0\)`).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(0))
	mock.ExpectExec(`INSERT INTO credit_transactions`).
		WithArgs("user-1", -5, models.TxTypeConsume, sqlmock.AnyArg(), 0).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	remaining, err := svc.Consume(context.Background(), "user-1", 5, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("expected remaining 0, got %d", remaining)
	}
}

// Two consumers racing for the same balance serialize on the row locks:
// the winner drains the lots and commits, and the loser's locked read
// then sees the drained state and fails without touching anything. The
// sequence below replays that interleaving against one balance of 5.
func TestConsume_ConcurrentSecondConsumerRejected(t *testing.T) {
	svc, mock := newTestService(t)

	// Winner: consumes the full balance
	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "amount"}).
			AddRow("lot-1", 5))
	mock.ExpectExec(`UPDATE credits`).
		WithArgs(0, "lot-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT COALESCE\(SUM\(amount\), 0\)`).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(0))
	mock.ExpectExec(`INSERT INTO credit_transactions`).
		WithArgs("user-1", -5, models.TxTypeConsume, sqlmock.AnyArg(), 0).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	// Loser: blocked on the lock until the winner commits, its read finds
	// no spendable lots left
	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "amount"}))
	mock.ExpectRollback()

	remaining, err := svc.Consume(context.Background(), "user-1", 5, "")
	if err != nil {
		t.Fatalf("first consume failed: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("expected remaining 0, got %d", remaining)
	}

	if _, err := svc.Consume(context.Background(), "user-1", 5, ""); !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits for second consumer, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestConsume_InsufficientLeavesNothingChanged(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "amount"}).
			AddRow("lot-1", 5))
	mock.ExpectRollback()

	_, err := svc.Consume(context.Background(), "user-1", 10, "")
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestConsume_NoLots(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "amount"}))
	mock.ExpectRollback()

	_, err := svc.Consume(context.Background(), "user-1", 1, "")
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
}

func TestConsume_InvalidAmount(t *testing.T) {
	svc, _ := newTestService(t)

	for _, amount := range []int{0, -1} {
		if _, err := svc.Consume(context.Background(), "user-1", amount, ""); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("expected ErrInvalidAmount for %d, got %v", amount, err)
		}
	}
}
