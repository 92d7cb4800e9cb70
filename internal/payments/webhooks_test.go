package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"cvminion/bursar/internal/ledger"
	"cvminion/bursar/internal/subscription"
	"cvminion/bursar/pkg/logging"
	"cvminion/bursar/pkg/models"
)

const testWebhookSecret = "unit-test-secret"

func newTestProcessor(t *testing.T, secret string) (*WebhookProcessor, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := logging.NewLogger()
	ledgerSvc := ledger.NewService(db, logger)
	subs := subscription.NewManager(db, ledgerSvc, logger)
	return NewWebhookProcessor(db, ledgerSvc, subs, logger, secret), mock
}

func stripeSignatureHeader(payload []byte, secret string, timestamp int64) string {
	signedPayload := fmt.Sprintf("%d.%s", timestamp, payload)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signedPayload))
	expectedSignature := hex.EncodeToString(mac.Sum(nil))
	return fmt.Sprintf("t=%d,v1=%s", timestamp, expectedSignature)
}

func eventBody(t *testing.T, id, eventType string, object any) []byte {
	t.Helper()
	raw, err := json.Marshal(object)
	if err != nil {
		t.Fatalf("marshal object: %v", err)
	}
	body, err := json.Marshal(map[string]any{
		"id":   id,
		"type": eventType,
		"data": map[string]any{"object": json.RawMessage(raw)},
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return body
}

func TestProcess_MissingSecret(t *testing.T) {
	p, _ := newTestProcessor(t, "")

	ok, msg, code := p.Process(context.Background(), []byte(`{"id":"evt_1"}`), "t=123,v1=deadbeef")
	if ok {
		t.Fatalf("expected ok=false, got true (msg=%q)", msg)
	}
	if code != 503 {
		t.Fatalf("expected 503, got %d (msg=%q)", code, msg)
	}
}

func TestProcess_InvalidSignature(t *testing.T) {
	p, _ := newTestProcessor(t, testWebhookSecret)

	ok, _, code := p.Process(context.Background(), []byte(`{"id":"evt_1"}`), "t=123,v1=deadbeef")
	if ok || code != 401 {
		t.Fatalf("expected 401, got ok=%v code=%d", ok, code)
	}
}

func TestProcess_StaleTimestamp(t *testing.T) {
	p, _ := newTestProcessor(t, testWebhookSecret)

	body := []byte(`{"id":"evt_stale"}`)
	sig := stripeSignatureHeader(body, testWebhookSecret, time.Now().Add(-10*time.Minute).Unix())

	ok, _, code := p.Process(context.Background(), body, sig)
	if ok || code != 401 {
		t.Fatalf("expected 401 for stale timestamp, got ok=%v code=%d", ok, code)
	}
}

func TestProcess_InvalidPayload(t *testing.T) {
	p, _ := newTestProcessor(t, testWebhookSecret)

	body := []byte(`not-json`)
	sig := stripeSignatureHeader(body, testWebhookSecret, time.Now().Unix())

	ok, _, code := p.Process(context.Background(), body, sig)
	if ok || code != 400 {
		t.Fatalf("expected 400, got ok=%v code=%d", ok, code)
	}
}

func TestProcess_Idempotent(t *testing.T) {
	p, mock := newTestProcessor(t, testWebhookSecret)

	body := eventBody(t, "evt_dup", "checkout.session.completed", map[string]any{
		"id":       "cs_test",
		"metadata": map[string]string{"mode": "credits", "user_id": "user-1", "credits": "10"},
	})
	sig := stripeSignatureHeader(body, testWebhookSecret, time.Now().Unix())

	mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM webhook_events`).
		WithArgs("stripe", "evt_dup").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	ok, msg, code := p.Process(context.Background(), body, sig)
	if !ok || code != 200 {
		t.Fatalf("expected 200 for redelivery, got ok=%v code=%d msg=%q", ok, code, msg)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestProcess_UnknownEventIgnored(t *testing.T) {
	p, mock := newTestProcessor(t, testWebhookSecret)

	body := eventBody(t, "evt_unknown", "invoice.finalized", map[string]any{"id": "in_1"})
	sig := stripeSignatureHeader(body, testWebhookSecret, time.Now().Unix())

	mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM webhook_events`).
		WithArgs("stripe", "evt_unknown").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec(`INSERT INTO webhook_events`).
		WithArgs("stripe", "evt_unknown", "invoice.finalized").
		WillReturnResult(sqlmock.NewResult(1, 1))

	ok, _, code := p.Process(context.Background(), body, sig)
	if !ok || code != 200 {
		t.Fatalf("expected 200 for unknown event, got ok=%v code=%d", ok, code)
	}
}

func TestProcess_CreditsCheckoutGrantsOnce(t *testing.T) {
	p, mock := newTestProcessor(t, testWebhookSecret)

	body := eventBody(t, "evt_grant", "checkout.session.completed", map[string]any{
		"id":       "cs_test",
		"metadata": map[string]string{"mode": "credits", "user_id": "user-1", "credits": "50"},
	})
	sig := stripeSignatureHeader(body, testWebhookSecret, time.Now().Unix())

	mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM webhook_events`).
		WithArgs("stripe", "evt_grant").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	// Claim and grant share one transaction
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO webhook_events`).
		WithArgs("stripe", "evt_grant", "checkout.session.completed").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO credits`).
		WithArgs("user-1", 50, models.CreditTypePurchased, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(`SELECT COALESCE\(SUM\(amount\), 0\)`).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(53))
	mock.ExpectExec(`INSERT INTO credit_transactions`).
		WithArgs("user-1", 50, models.TxTypeGrant, sqlmock.AnyArg(), 53).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	// Post-dispatch mark is a no-op upsert
	mock.ExpectExec(`INSERT INTO webhook_events`).
		WithArgs("stripe", "evt_grant", "checkout.session.completed").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, msg, code := p.Process(context.Background(), body, sig)
	if !ok || code != 200 {
		t.Fatalf("expected 200, got ok=%v code=%d msg=%q", ok, code, msg)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestProcess_CreditsCheckoutLosesClaimRace(t *testing.T) {
	p, mock := newTestProcessor(t, testWebhookSecret)

	body := eventBody(t, "evt_race", "checkout.session.completed", map[string]any{
		"id":       "cs_test",
		"metadata": map[string]string{"mode": "credits", "user_id": "user-1", "credits": "50"},
	})
	sig := stripeSignatureHeader(body, testWebhookSecret, time.Now().Unix())

	mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM webhook_events`).
		WithArgs("stripe", "evt_race").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectBegin()
	// A concurrent delivery already claimed the event
	mock.ExpectExec(`INSERT INTO webhook_events`).
		WithArgs("stripe", "evt_race", "checkout.session.completed").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()
	mock.ExpectExec(`INSERT INTO webhook_events`).
		WithArgs("stripe", "evt_race", "checkout.session.completed").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, _, code := p.Process(context.Background(), body, sig)
	if !ok || code != 200 {
		t.Fatalf("expected 200 when claim lost, got ok=%v code=%d", ok, code)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestProcess_MissingMetadataDropped(t *testing.T) {
	p, mock := newTestProcessor(t, testWebhookSecret)

	body := eventBody(t, "evt_nometa", "checkout.session.completed", map[string]any{
		"id":       "cs_test",
		"metadata": map[string]string{"mode": "credits"},
	})
	sig := stripeSignatureHeader(body, testWebhookSecret, time.Now().Unix())

	mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM webhook_events`).
		WithArgs("stripe", "evt_nometa").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	// Dropped events are still marked processed; no ledger writes happen
	mock.ExpectExec(`INSERT INTO webhook_events`).
		WithArgs("stripe", "evt_nometa", "checkout.session.completed").
		WillReturnResult(sqlmock.NewResult(1, 1))

	ok, _, code := p.Process(context.Background(), body, sig)
	if !ok || code != 200 {
		t.Fatalf("expected 200 for dropped event, got ok=%v code=%d", ok, code)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestParseCredits(t *testing.T) {
	tests := []struct {
		name string
		meta sessionMetadata
		want int
		ok   bool
	}{
		{"valid", sessionMetadata{UserID: "u", Credits: "50"}, 50, true},
		{"missing user", sessionMetadata{Credits: "50"}, 0, false},
		{"missing credits", sessionMetadata{UserID: "u"}, 0, false},
		{"non numeric", sessionMetadata{UserID: "u", Credits: "lots"}, 0, false},
		{"zero", sessionMetadata{UserID: "u", Credits: "0"}, 0, false},
		{"negative", sessionMetadata{UserID: "u", Credits: "-5"}, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseCredits(tt.meta)
			if got != tt.want || ok != tt.ok {
				t.Fatalf("parseCredits(%+v) = %d, %v; want %d, %v", tt.meta, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestVerifySignature_MalformedHeader(t *testing.T) {
	p, _ := newTestProcessor(t, testWebhookSecret)

	for _, sig := range []string{"", "garbage", "t=abc,v1=def", "v1=onlysig", "t=123"} {
		if p.verifySignature([]byte("payload"), sig) {
			t.Fatalf("signature %q should not verify", sig)
		}
	}
}
