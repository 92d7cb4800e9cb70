package handlers

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"cvminion/bursar/internal/ledger"
	"cvminion/bursar/internal/subscription"
	"cvminion/bursar/pkg/logging"
)

func TestJobManagerStartStop(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	logger := logging.NewLogger()
	ledgerSvc := ledger.NewService(db, logger)
	subs := subscription.NewManager(db, ledgerSvc, logger)

	jm := NewJobManager(ledgerSvc, subs, logger, sharedMetrics(), time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jm.Start(ctx)
	jm.Stop()
}

func TestNewJobManagerDefaultInterval(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	logger := logging.NewLogger()
	ledgerSvc := ledger.NewService(db, logger)
	subs := subscription.NewManager(db, ledgerSvc, logger)

	jm := NewJobManager(ledgerSvc, subs, logger, sharedMetrics(), 0)
	if jm.sweepInterval != time.Hour {
		t.Fatalf("expected default hourly sweep, got %v", jm.sweepInterval)
	}
}
