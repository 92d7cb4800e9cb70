package handlers

import (
	"github.com/prometheus/client_golang/prometheus"

	"cvminion/bursar/pkg/monitoring"
)

// CreditsMetrics holds the service's business metrics
type CreditsMetrics struct {
	CreditsGranted           *prometheus.CounterVec
	CreditsConsumed          *prometheus.CounterVec
	ConsumeRejections        *prometheus.CounterVec
	CheckoutSessions         *prometheus.CounterVec
	WebhookEvents            *prometheus.CounterVec
	WebhookSignatureFailures *prometheus.CounterVec
	MonthlyResets            *prometheus.CounterVec

	// Database metrics
	DBQueries     *prometheus.CounterVec
	DBDuration    *prometheus.HistogramVec
	DBConnections *prometheus.GaugeVec
}

// NewCreditsMetrics registers and returns the business metrics
func NewCreditsMetrics(mc *monitoring.MetricsCollector) *CreditsMetrics {
	m := &CreditsMetrics{
		CreditsGranted:           mc.NewCounter("credits_granted_total", "Total credits granted", []string{"credit_type"}),
		CreditsConsumed:          mc.NewCounter("credits_consumed_total", "Total credits consumed", []string{}),
		ConsumeRejections:        mc.NewCounter("consume_rejections_total", "Consume requests rejected", []string{"reason"}),
		CheckoutSessions:         mc.NewCounter("checkout_sessions_total", "Checkout sessions created", []string{"mode"}),
		WebhookEvents:            mc.NewCounter("webhook_events_total", "Webhook events received", []string{"provider", "outcome"}),
		WebhookSignatureFailures: mc.NewCounter("webhook_signature_failures_total", "Webhook deliveries with bad signatures", []string{"provider"}),
		MonthlyResets:            mc.NewCounter("monthly_resets_total", "Monthly credit resets performed", []string{}),
	}
	m.DBQueries, m.DBDuration, m.DBConnections = mc.CreateDatabaseMetrics()
	return m
}
