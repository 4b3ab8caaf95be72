package payment_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/url"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/paygate/internal/payment"
)

func newTestMercadoPago(t *testing.T, srv *fakeProvider, secret string) *payment.MercadoPago {
	t.Helper()
	strategy, err := payment.NewMercadoPago(payment.MercadoPagoConfig{
		AccessToken:     "APP_USR-token",
		WebhookSecret:   secret,
		NotificationURL: "https://shop.example/api/v1/webhooks/payment/mercadopago",
		BaseURL:         srv.URL,
	}, payment.Options{HTTPClient: srv.Client()})
	require.NoError(t, err)
	return strategy
}

func mpPaymentBody(id int64, status string) map[string]any {
	return map[string]any{
		"id":                 id,
		"status":             status,
		"status_detail":      "accredited",
		"transaction_amount": 150.5,
		"currency_id":        "BRL",
		"external_reference": "ref-1",
		"metadata":           map[string]any{"order_id": "42"},
		"date_last_updated":  "2024-05-01T10:00:00.000-04:00",
	}
}

func mpPreferenceBody() map[string]any {
	return map[string]any{
		"id":                 "123-pref",
		"init_point":         "https://www.mercadopago.com/checkout/v1/redirect?pref_id=123-pref",
		"sandbox_init_point": "https://sandbox.mercadopago.com/checkout/v1/redirect?pref_id=123-pref",
		"external_reference": "ref-1",
		"items":              []any{map[string]any{"title": "Order #42", "quantity": 1, "unit_price": 150.5, "currency_id": "BRL"}},
	}
}

func TestMercadoPagoCreatePaymentReturnsPreference(t *testing.T) {
	srv := newFakeProvider(t, map[string]http.HandlerFunc{
		"POST /checkout/preferences": func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusCreated, mpPreferenceBody())
		},
		"GET /checkout/preferences/123-pref": func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, mpPreferenceBody())
		},
		"GET /v1/payments/search": func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"results": []any{}})
		},
	})
	strategy := newTestMercadoPago(t, srv, "")

	res, err := strategy.CreatePayment(context.Background(), payment.PaymentRequest{
		Amount:         decimal.RequireFromString("150.50"),
		Currency:       "brl",
		Description:    "Order #42",
		ReturnURL:      "https://shop.example/return",
		IdempotencyKey: "order-42",
	}, payment.Metadata{"order_id": "42"})
	require.NoError(t, err)
	require.Equal(t, "123-pref", res.ExternalID)
	require.Equal(t, payment.StatusPending, res.Status)
	require.True(t, res.RequiresApproval)
	require.Equal(t, "https://www.mercadopago.com/checkout/v1/redirect?pref_id=123-pref", res.RedirectURL)
	require.True(t, res.Amount.Equal(decimal.RequireFromString("150.5")))
	require.Equal(t, "BRL", res.Currency)
	require.Equal(t, "ref-1", res.Reference)

	require.Equal(t, "Bearer APP_USR-token", srv.lastHeader("/checkout/preferences", "Authorization"))
	require.Equal(t, "order-42", srv.lastHeader("/checkout/preferences", "X-Idempotency-Key"))

	var sent struct {
		Items []struct {
			UnitPrice  float64 `json:"unit_price"`
			CurrencyID string  `json:"currency_id"`
			Quantity   int     `json:"quantity"`
		} `json:"items"`
		BackURLs struct {
			Success string `json:"success"`
			Failure string `json:"failure"`
		} `json:"back_urls"`
		AutoReturn        string            `json:"auto_return"`
		ExternalReference string            `json:"external_reference"`
		Metadata          map[string]string `json:"metadata"`
		NotificationURL   string            `json:"notification_url"`
	}
	require.NoError(t, json.Unmarshal(srv.body("POST /checkout/preferences"), &sent))
	require.Len(t, sent.Items, 1)
	require.InDelta(t, 150.5, sent.Items[0].UnitPrice, 0.0001)
	require.Contains(t, string(srv.body("POST /checkout/preferences")), `"unit_price":150.50`)
	require.Equal(t, "BRL", sent.Items[0].CurrencyID)
	require.Equal(t, 1, sent.Items[0].Quantity)
	require.Equal(t, "https://shop.example/return", sent.BackURLs.Success)
	require.Equal(t, "https://shop.example/return", sent.BackURLs.Failure)
	require.Equal(t, "approved", sent.AutoReturn)
	require.NotEmpty(t, sent.ExternalReference)
	require.Equal(t, "42", sent.Metadata["order_id"])
	require.Equal(t, "https://shop.example/api/v1/webhooks/payment/mercadopago", sent.NotificationURL)

	status, err := strategy.GetPaymentStatus(context.Background(), res.ExternalID)
	require.NoError(t, err)
	require.Equal(t, payment.StatusPending, status.Status)
	require.Equal(t, "123-pref", status.ExternalID)
}

func TestMercadoPagoRejectsAmountNeedingRounding(t *testing.T) {
	srv := newFakeProvider(t, nil)
	strategy := newTestMercadoPago(t, srv, "")

	_, err := strategy.CreatePayment(context.Background(), payment.PaymentRequest{
		Amount: decimal.RequireFromString("150.505"), Currency: "BRL", Description: "Order #42",
	}, nil)
	var verr *payment.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "amount", verr.Field)
	require.Zero(t, srv.calls())
}

func TestMercadoPagoStatusResolvesPreferenceToLatestPayment(t *testing.T) {
	srv := newFakeProvider(t, map[string]http.HandlerFunc{
		"GET /checkout/preferences/123-pref": func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, mpPreferenceBody())
		},
		"GET /v1/payments/search": func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"results": []any{mpPaymentBody(987, "approved"), mpPaymentBody(986, "rejected")}})
		},
	})
	strategy := newTestMercadoPago(t, srv, "")

	res, err := strategy.GetPaymentStatus(context.Background(), "123-pref")
	require.NoError(t, err)
	require.Equal(t, payment.StatusCompleted, res.Status)
	require.Equal(t, "123-pref", res.ExternalID)
	require.Equal(t, "987", res.AdditionalData["paymentId"])
	query := srv.lastRequest("/v1/payments/search").URL.Query()
	require.Equal(t, "ref-1", query.Get("external_reference"))
	require.Equal(t, "desc", query.Get("criteria"))
}

func TestMercadoPagoStatusByPaymentID(t *testing.T) {
	srv := newFakeProvider(t, map[string]http.HandlerFunc{
		"GET /v1/payments/555": func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, mpPaymentBody(555, "in_process"))
		},
	})
	strategy := newTestMercadoPago(t, srv, "")

	res, err := strategy.GetPaymentStatus(context.Background(), "555")
	require.NoError(t, err)
	require.Equal(t, "555", res.ExternalID)
	require.Equal(t, payment.StatusPending, res.Status)
	require.True(t, res.Amount.Equal(decimal.RequireFromString("150.5")))
	require.False(t, res.UpdatedAt.IsZero())
}

func TestMercadoPagoConfirmUsesReturnedPaymentID(t *testing.T) {
	srv := newFakeProvider(t, map[string]http.HandlerFunc{
		"GET /v1/payments/987": func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, mpPaymentBody(987, "approved"))
		},
	})
	strategy := newTestMercadoPago(t, srv, "")

	conf, err := strategy.ConfirmPayment(context.Background(), "123-pref", map[string]string{"payment_id": "987"})
	require.NoError(t, err)
	require.True(t, conf.Confirmed)
	require.Equal(t, "123-pref", conf.ExternalID)
	require.Equal(t, 1, srv.calls())
}

func TestMercadoPagoNonPaymentWebhookMakesNoCalls(t *testing.T) {
	srv := newFakeProvider(t, nil)
	strategy := newTestMercadoPago(t, srv, "secret")

	evt, err := strategy.HandleWebhook(context.Background(), payment.WebhookRequest{
		Body: []byte(`{"type":"merchant_order","data":{"id":"1"}}`),
	})
	require.NoError(t, err)
	require.Nil(t, evt)

	evt, err = strategy.HandleWebhook(context.Background(), payment.WebhookRequest{
		Query: url.Values{"topic": {"merchant_order"}, "id": {"1"}},
	})
	require.NoError(t, err)
	require.Nil(t, evt)
	require.Zero(t, srv.calls())
}

func TestMercadoPagoWebhookRefetchesPayment(t *testing.T) {
	srv := newFakeProvider(t, map[string]http.HandlerFunc{
		"GET /v1/payments/987": func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, mpPaymentBody(987, "approved"))
		},
	})
	strategy := newTestMercadoPago(t, srv, "")

	evt, err := strategy.HandleWebhook(context.Background(), payment.WebhookRequest{
		Body: []byte(`{"type":"payment","action":"payment.updated","data":{"id":"987"}}`),
	})
	require.NoError(t, err)
	require.NotNil(t, evt)
	require.True(t, evt.Verified)
	require.Equal(t, "987", evt.ExternalID)
	require.Equal(t, payment.StatusCompleted, evt.Status)
	require.Equal(t, "payment.updated", evt.Type)
	require.Equal(t, "ref-1", evt.Reference)
	require.Equal(t, "42", evt.Metadata["order_id"])
}

func signMercadoPago(secret, dataID, requestID, ts string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("id:" + dataID + ";request-id:" + requestID + ";ts:" + ts + ";"))
	return "ts=" + ts + ",v1=" + hex.EncodeToString(mac.Sum(nil))
}

func TestMercadoPagoWebhookSignature(t *testing.T) {
	srv := newFakeProvider(t, map[string]http.HandlerFunc{
		"GET /v1/payments/987": func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, mpPaymentBody(987, "approved"))
		},
	})
	strategy := newTestMercadoPago(t, srv, "mp-secret")
	body := []byte(`{"type":"payment","data":{"id":"987"}}`)

	headers := http.Header{}
	headers.Set("x-request-id", "req-1")
	headers.Set("x-signature", signMercadoPago("mp-secret", "987", "req-1", "1704908010"))
	evt, err := strategy.HandleWebhook(context.Background(), payment.WebhookRequest{
		Headers: headers,
		Query:   url.Values{"data.id": {"987"}, "type": {"payment"}},
		Body:    body,
	})
	require.NoError(t, err)
	require.NotNil(t, evt)

	calls := srv.calls()
	bad := http.Header{}
	bad.Set("x-request-id", "req-1")
	bad.Set("x-signature", signMercadoPago("wrong", "987", "req-1", "1704908010"))
	evt, err = strategy.HandleWebhook(context.Background(), payment.WebhookRequest{Headers: bad, Body: body})
	require.Nil(t, evt)
	var werr *payment.WebhookVerificationError
	require.ErrorAs(t, err, &werr)

	_, err = strategy.HandleWebhook(context.Background(), payment.WebhookRequest{Body: body})
	require.ErrorAs(t, err, &werr)
	require.Equal(t, calls, srv.calls())
}

func TestMercadoPagoWebhookNumericDataID(t *testing.T) {
	srv := newFakeProvider(t, map[string]http.HandlerFunc{
		"GET /v1/payments/987": func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, mpPaymentBody(987, "rejected"))
		},
	})
	strategy := newTestMercadoPago(t, srv, "")

	evt, err := strategy.HandleWebhook(context.Background(), payment.WebhookRequest{
		Body: []byte(`{"type":"payment","data":{"id":987}}`),
	})
	require.NoError(t, err)
	require.Equal(t, payment.StatusFailed, evt.Status)
}

func TestNewMercadoPagoRequiresAccessToken(t *testing.T) {
	_, err := payment.NewMercadoPago(payment.MercadoPagoConfig{}, payment.Options{})
	var cerr *payment.ConfigurationError
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, payment.ProviderMercadoPago, cerr.Provider)
}
