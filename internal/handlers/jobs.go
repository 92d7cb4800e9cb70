package handlers

import (
	"context"
	"time"

	"cvminion/bursar/internal/ledger"
	"cvminion/bursar/internal/subscription"
	"cvminion/bursar/pkg/logging"
)

// JobManager runs the background maintenance jobs: expiring stale credit
// lots and rolling subscriptions into their next billing window.
type JobManager struct {
	ledger        *ledger.Service
	subscriptions *subscription.Manager
	logger        logging.Logger
	metrics       *CreditsMetrics
	sweepInterval time.Duration
	stopCh        chan struct{}
}

// NewJobManager creates a new job manager
func NewJobManager(ledgerSvc *ledger.Service, subs *subscription.Manager, log logging.Logger, metrics *CreditsMetrics, sweepInterval time.Duration) *JobManager {
	if sweepInterval <= 0 {
		sweepInterval = time.Hour
	}
	return &JobManager{
		ledger:        ledgerSvc,
		subscriptions: subs,
		logger:        log,
		metrics:       metrics,
		sweepInterval: sweepInterval,
		stopCh:        make(chan struct{}),
	}
}

// Start launches the background jobs
func (jm *JobManager) Start(ctx context.Context) {
	jm.logger.Info("Starting credits job manager")

	go jm.runExpireSweep(ctx)
	go jm.runMonthlyRollover(ctx)
}

// Stop stops all background jobs
func (jm *JobManager) Stop() {
	jm.logger.Info("Stopping credits job manager")
	close(jm.stopCh)
}

func (jm *JobManager) runExpireSweep(ctx context.Context) {
	ticker := time.NewTicker(jm.sweepInterval)
	defer ticker.Stop()

	jm.logger.Info("Starting credit expiry sweep job")

	for {
		select {
		case <-ctx.Done():
			return
		case <-jm.stopCh:
			return
		case <-ticker.C:
			if _, err := jm.ledger.ExpireSweep(ctx); err != nil {
				jm.logger.WithField("error", err.Error()).Error("Credit expiry sweep failed")
			}
		}
	}
}

func (jm *JobManager) runMonthlyRollover(ctx context.Context) {
	ticker := time.NewTicker(jm.sweepInterval)
	defer ticker.Stop()

	jm.logger.Info("Starting monthly rollover job")

	for {
		select {
		case <-ctx.Done():
			return
		case <-jm.stopCh:
			return
		case <-ticker.C:
			reset, err := jm.subscriptions.RolloverDue(ctx)
			if err != nil {
				jm.logger.WithField("error", err.Error()).Error("Monthly rollover failed")
				continue
			}
			if reset > 0 {
				jm.metrics.MonthlyResets.WithLabelValues().Add(float64(reset))
				jm.logger.WithField("subscriptions", reset).Info("Rolled subscriptions into new billing window")
			}
		}
	}
}
