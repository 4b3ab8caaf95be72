package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/paygate/internal/api"
	"github.com/noah-isme/paygate/internal/payment"
	"github.com/noah-isme/paygate/internal/reconcile"
	"github.com/noah-isme/paygate/internal/resilience"
	"github.com/noah-isme/paygate/internal/tasks"
)

var observedAt = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

type stubStrategy struct {
	name        string
	webhookErr  error
	event       *payment.WebhookEvent
	createErr   error
	lastConfirm map[string]string
	reference   string
	webhooks    atomic.Int32
}

func (s *stubStrategy) Name() string { return s.name }

func (s *stubStrategy) CreatePayment(_ context.Context, req payment.PaymentRequest, md payment.Metadata) (payment.PaymentResult, error) {
	if s.createErr != nil {
		return payment.PaymentResult{}, s.createErr
	}
	return payment.PaymentResult{
		ExternalID:     "ext-1",
		Provider:       s.name,
		Status:         payment.StatusPending,
		Amount:         req.Amount,
		Currency:       req.Currency,
		Reference:      s.reference,
		AdditionalData: map[string]any{"idempotencyKey": req.IdempotencyKey, "metadata": md},
	}, nil
}

func (s *stubStrategy) ConfirmPayment(_ context.Context, externalID string, data map[string]string) (payment.ConfirmationResult, error) {
	s.lastConfirm = data
	return payment.ConfirmationResult{
		PaymentResult: payment.PaymentResult{ExternalID: externalID, Provider: s.name, Status: payment.StatusCompleted, UpdatedAt: observedAt},
		Confirmed:     true,
	}, nil
}

func (s *stubStrategy) HandleWebhook(context.Context, payment.WebhookRequest) (*payment.WebhookEvent, error) {
	s.webhooks.Add(1)
	return s.event, s.webhookErr
}

func (s *stubStrategy) GetPaymentStatus(_ context.Context, externalID string) (payment.PaymentResult, error) {
	return payment.PaymentResult{ExternalID: externalID, Provider: s.name, Status: payment.StatusPending, UpdatedAt: observedAt.Add(-time.Minute)}, nil
}

type testServer struct {
	router     http.Handler
	reconciler *reconcile.Reconciler
	redis      *miniredis.Miniredis
}

func newTestServer(t *testing.T, strategies ...payment.Strategy) testServer {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	rec := reconcile.New(reconcile.NewMemoryStore(), zerolog.Nop())
	handler := api.NewHandler(api.HandlerConfig{
		Payments:   payment.NewServiceWithStrategies(zerolog.Nop(), strategies...),
		Sink:       tasks.Inline{Reconciler: rec},
		Reconciler: rec,
		Replay:     client,
		ReplayTTL:  time.Hour,
		Logger:     zerolog.Nop(),
	})
	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		handler.Mount(r, api.RouteOptions{WebhookMaxBody: 1024})
	})
	return testServer{router: r, reconciler: rec, redis: mr}
}

func (s testServer) do(t *testing.T, method, path string, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)
	return rr
}

func decodeData(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload struct {
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &payload))
	return payload.Data
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var payload struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &payload))
	return payload.Error.Code
}

func TestProvidersListsRegisteredStrategies(t *testing.T) {
	srv := newTestServer(t, &stubStrategy{name: "stripe"}, &stubStrategy{name: "paypal"})

	rr := srv.do(t, http.MethodGet, "/api/v1/payments/providers", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var payload struct {
		Data []string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &payload))
	require.Equal(t, []string{"paypal", "stripe"}, payload.Data)
}

func TestCreatePaymentRecordsPendingStatus(t *testing.T) {
	srv := newTestServer(t, &stubStrategy{name: "stripe"})

	rr := srv.do(t, http.MethodPost, "/api/v1/payments/stripe",
		`{"amount":"100.00","currency":"USD","description":"Order #1","metadata":{"order_id":"1"}}`,
		map[string]string{"Idempotency-Key": "order-1"})
	require.Equal(t, http.StatusCreated, rr.Code)
	data := decodeData(t, rr)
	require.Equal(t, "ext-1", data["externalId"])
	require.Equal(t, "pending", data["status"])
	require.Equal(t, "100", data["amount"])
	additional := data["additionalData"].(map[string]any)
	require.Equal(t, "order-1", additional["idempotencyKey"])

	rec, ok, err := srv.reconciler.Current(context.Background(), "stripe", "ext-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, payment.StatusPending, rec.Status)
	require.True(t, rec.Amount.Equal(decimal.NewFromInt(100)))
	require.Equal(t, reconcile.SourceCreate, rec.Source)
}

func TestCreatePaymentErrors(t *testing.T) {
	srv := newTestServer(t,
		&stubStrategy{name: "stripe"},
		&stubStrategy{name: "paypal", createErr: &payment.ProviderAPIError{Provider: "paypal", Op: "create", StatusCode: 500, Err: errors.New("secret upstream detail")}},
		&stubStrategy{name: "mercadopago", createErr: &payment.ProviderAPIError{Provider: "mercadopago", Op: "create", Err: resilience.ErrOpenCircuit}},
	)

	rr := srv.do(t, http.MethodPost, "/api/v1/payments/bitcoin", `{"amount":"1","currency":"USD","description":"x"}`, nil)
	require.Equal(t, http.StatusNotFound, rr.Code)
	require.Equal(t, "UNSUPPORTED_PROVIDER", errorCode(t, rr))

	rr = srv.do(t, http.MethodPost, "/api/v1/payments/stripe", `{"amount":"0","currency":"USD","description":"x"}`, nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "VALIDATION_ERROR", errorCode(t, rr))

	rr = srv.do(t, http.MethodPost, "/api/v1/payments/stripe", `{"amount":`, nil)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "BAD_REQUEST", errorCode(t, rr))

	rr = srv.do(t, http.MethodPost, "/api/v1/payments/paypal", `{"amount":"1","currency":"USD","description":"x"}`, nil)
	require.Equal(t, http.StatusBadGateway, rr.Code)
	require.Equal(t, "PROVIDER_ERROR", errorCode(t, rr))
	require.NotContains(t, rr.Body.String(), "secret upstream detail")

	rr = srv.do(t, http.MethodPost, "/api/v1/payments/mercadopago", `{"amount":"1","currency":"USD","description":"x"}`, nil)
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	require.Equal(t, "PROVIDER_UNAVAILABLE", errorCode(t, rr))
}

func TestConfirmMergesBodyAndQuery(t *testing.T) {
	stub := &stubStrategy{name: "paypal"}
	srv := newTestServer(t, stub)

	rr := srv.do(t, http.MethodPost, "/api/v1/payments/paypal/PAY-1/confirm?PayerID=PAYER-1&token=EC-1", `{"payer_id":"PAYER-2"}`, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "PAYER-2", stub.lastConfirm["payer_id"])
	require.Equal(t, "PAYER-1", stub.lastConfirm["PayerID"])
	data := decodeData(t, rr)
	require.Equal(t, true, data["confirmed"])

	rec, ok, err := srv.reconciler.Current(context.Background(), "paypal", "PAY-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, payment.StatusCompleted, rec.Status)
	require.Equal(t, observedAt, rec.ObservedAt)
}

func TestStatusDoesNotRegressReconciledRecord(t *testing.T) {
	srv := newTestServer(t, &stubStrategy{name: "paypal"})

	rr := srv.do(t, http.MethodPost, "/api/v1/payments/paypal/PAY-1/confirm", `{"payer_id":"P"}`, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	// the provider answer is older than the confirmation already stored
	rr = srv.do(t, http.MethodGet, "/api/v1/payments/paypal/PAY-1", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "pending", decodeData(t, rr)["status"])

	rr = srv.do(t, http.MethodGet, "/api/v1/payments/paypal/PAY-1/record", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "completed", decodeData(t, rr)["status"])

	rr = srv.do(t, http.MethodGet, "/api/v1/payments/paypal/PAY-404/record", "", nil)
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestWebhookAppliesVerifiedEvent(t *testing.T) {
	stub := &stubStrategy{name: "stripe", event: &payment.WebhookEvent{
		Provider: "stripe", Verified: true, Type: "payment_intent.succeeded", ExternalID: "pi_1",
		Status: payment.StatusCompleted, Amount: decimal.NewFromInt(10), Currency: "USD", OccurredAt: observedAt,
	}}
	srv := newTestServer(t, stub)

	rr := srv.do(t, http.MethodPost, "/api/v1/webhooks/payment/stripe", `{"id":"evt_1"}`, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"status":"accepted"}`, rr.Body.String())

	rec, ok, err := srv.reconciler.Current(context.Background(), "stripe", "pi_1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, payment.StatusCompleted, rec.Status)
	require.Equal(t, reconcile.SourceWebhook, rec.Source)

	rr = srv.do(t, http.MethodPost, "/api/v1/webhooks/payment/stripe", `{"id":"evt_1"}`, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"status":"duplicate"}`, rr.Body.String())
	require.Equal(t, int32(1), stub.webhooks.Load())
}

func TestWebhookOlderThanCreateReceiptStillCompletes(t *testing.T) {
	stub := &stubStrategy{name: "stripe", event: &payment.WebhookEvent{
		Provider: "stripe", Verified: true, Type: "payment_intent.succeeded", ExternalID: "ext-1",
		Status: payment.StatusCompleted, Amount: decimal.NewFromInt(100), Currency: "USD", OccurredAt: observedAt,
	}}
	srv := newTestServer(t, stub)

	rr := srv.do(t, http.MethodPost, "/api/v1/payments/stripe", `{"amount":"100.00","currency":"USD","description":"Order #1"}`, nil)
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = srv.do(t, http.MethodPost, "/api/v1/webhooks/payment/stripe", `{"id":"evt_1"}`, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = srv.do(t, http.MethodGet, "/api/v1/payments/stripe/ext-1/record", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "completed", decodeData(t, rr)["status"])
}

func TestWebhookUpdatesPreferenceRecordByReference(t *testing.T) {
	stub := &stubStrategy{name: "mercadopago", reference: "ref-1", event: &payment.WebhookEvent{
		Provider: "mercadopago", Verified: true, Type: "payment.updated", ExternalID: "987",
		Status: payment.StatusCompleted, Amount: decimal.NewFromInt(100), Currency: "BRL",
		Reference: "ref-1", OccurredAt: observedAt,
	}}
	srv := newTestServer(t, stub)

	rr := srv.do(t, http.MethodPost, "/api/v1/payments/mercadopago", `{"amount":"100.00","currency":"BRL","description":"Order #42"}`, nil)
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = srv.do(t, http.MethodPost, "/api/v1/webhooks/payment/mercadopago", `{"type":"payment","data":{"id":"987"}}`, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = srv.do(t, http.MethodGet, "/api/v1/payments/mercadopago/ext-1/record", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	data := decodeData(t, rr)
	require.Equal(t, "completed", data["status"])
	require.Equal(t, "ref-1", data["reference"])

	rr = srv.do(t, http.MethodGet, "/api/v1/payments/mercadopago/987/record", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "completed", decodeData(t, rr)["status"])
}

func TestWebhookAcknowledgesIgnoredNotifications(t *testing.T) {
	srv := newTestServer(t, &stubStrategy{name: "mercadopago"})

	rr := srv.do(t, http.MethodPost, "/api/v1/webhooks/payment/mercadopago", `{"type":"merchant_order"}`, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"status":"ignored"}`, rr.Body.String())
}

func TestWebhookVerificationFailureHidesDetail(t *testing.T) {
	stub := &stubStrategy{name: "stripe", webhookErr: &payment.WebhookVerificationError{Provider: "stripe", Err: errors.New("no signatures found matching the expected signature")}}
	srv := newTestServer(t, stub)

	rr := srv.do(t, http.MethodPost, "/api/v1/webhooks/payment/stripe", `{"id":"evt_bad"}`, nil)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	require.NotContains(t, rr.Body.String(), "signatures")

	// a failed delivery must not poison the replay guard
	stub.webhookErr = nil
	stub.event = &payment.WebhookEvent{Provider: "stripe", Verified: true, ExternalID: "pi_2", Status: payment.StatusFailed, OccurredAt: observedAt}
	rr = srv.do(t, http.MethodPost, "/api/v1/webhooks/payment/stripe", `{"id":"evt_bad"}`, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"status":"accepted"}`, rr.Body.String())
}

func TestWebhookProviderErrorIsInternal(t *testing.T) {
	stub := &stubStrategy{name: "paypal", webhookErr: &payment.ProviderAPIError{Provider: "paypal", Op: "webhook", StatusCode: 503, Err: errors.New("unavailable")}}
	srv := newTestServer(t, stub)

	rr := srv.do(t, http.MethodPost, "/api/v1/webhooks/payment/paypal", `{}`, nil)
	require.Equal(t, http.StatusInternalServerError, rr.Code)
	require.Equal(t, "INTERNAL", errorCode(t, rr))
	require.NotContains(t, rr.Body.String(), "unavailable")
}

func TestWebhookUnknownProviderAndBodyLimit(t *testing.T) {
	srv := newTestServer(t, &stubStrategy{name: "stripe"})

	rr := srv.do(t, http.MethodPost, "/api/v1/webhooks/payment/square", `{}`, nil)
	require.Equal(t, http.StatusNotFound, rr.Code)

	rr = srv.do(t, http.MethodPost, "/api/v1/webhooks/payment/stripe", strings.Repeat("x", 2048), nil)
	require.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
	require.Empty(t, srv.redis.Keys())
}
