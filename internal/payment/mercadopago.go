package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const mercadoPagoDefaultURL = "https://api.mercadopago.com"

// MercadoPagoConfig holds the credentials of the preference-based provider.
type MercadoPagoConfig struct {
	AccessToken string
	// WebhookSecret enables x-signature checks on notifications. Without it
	// authenticity rests on re-fetching the payment.
	WebhookSecret   string
	NotificationURL string
	BaseURL         string
}

// MercadoPago implements Strategy on Checkout Pro preferences. A preference
// becomes a payment once the buyer pays on Mercado Pago.
type MercadoPago struct {
	api           restClient
	webhookSecret string
	notifyURL     string
}

var _ Strategy = (*MercadoPago)(nil)

// NewMercadoPago builds the Mercado Pago strategy.
func NewMercadoPago(cfg MercadoPagoConfig, opts Options) (*MercadoPago, error) {
	token := strings.TrimSpace(cfg.AccessToken)
	if token == "" {
		return nil, &ConfigurationError{Provider: ProviderMercadoPago, Missing: []string{"MERCADOPAGO_ACCESS_TOKEN"}}
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = mercadoPagoDefaultURL
	}
	return &MercadoPago{
		api: restClient{
			provider: ProviderMercadoPago,
			baseURL:  base,
			http:     opts.outbound(ProviderMercadoPago),
			authorize: func(r *http.Request) {
				r.Header.Set("Authorization", "Bearer "+token)
			},
		},
		webhookSecret: strings.TrimSpace(cfg.WebhookSecret),
		notifyURL:     strings.TrimSpace(cfg.NotificationURL),
	}, nil
}

// Name implements Strategy.
func (m *MercadoPago) Name() string { return ProviderMercadoPago }

// CreatePayment creates a checkout preference. The preference id is the
// external id; the buyer pays through RedirectURL.
func (m *MercadoPago) CreatePayment(ctx context.Context, req PaymentRequest, md Metadata) (PaymentResult, error) {
	if err := checkAmount(ProviderMercadoPago, req); err != nil {
		return PaymentResult{}, err
	}
	pref := mpPreference{
		Items: []mpItem{{
			Title:      req.Description,
			Quantity:   1,
			UnitPrice:  json.Number(formatMajor(req.Amount, req.Currency)),
			CurrencyID: strings.ToUpper(req.Currency),
		}},
		ExternalReference: uuid.NewString(),
		Metadata:          md,
		NotificationURL:   m.notifyURL,
	}
	if req.ReturnURL != "" {
		failure := req.CancelURL
		if failure == "" {
			failure = req.ReturnURL
		}
		pref.BackURLs = &mpBackURLs{Success: req.ReturnURL, Pending: req.ReturnURL, Failure: failure}
		pref.AutoReturn = "approved"
	}
	var out mpPreference
	headers := map[string]string{"X-Idempotency-Key": idempotencyKey(req)}
	if err := m.api.call(ctx, "create", http.MethodPost, "/checkout/preferences", headers, pref, &out); err != nil {
		return PaymentResult{}, err
	}
	res := out.result()
	if res.Amount.IsZero() {
		res.Amount = req.Amount
		res.Currency = strings.ToUpper(req.Currency)
	}
	return res, nil
}

// ConfirmPayment resolves the payment behind a preference. The payment_id (or
// collection_id) Mercado Pago appends to the back URL is used when present.
func (m *MercadoPago) ConfirmPayment(ctx context.Context, externalID string, data map[string]string) (ConfirmationResult, error) {
	paymentID := strings.TrimSpace(data["payment_id"])
	if paymentID == "" {
		paymentID = strings.TrimSpace(data["collection_id"])
	}
	var (
		res PaymentResult
		err error
	)
	if paymentID != "" {
		var p mpPayment
		p, err = m.fetchPayment(ctx, "confirm", paymentID)
		if err == nil {
			res = p.result()
			res.AdditionalData["paymentId"] = res.ExternalID
			res.ExternalID = externalID
		}
	} else {
		res, err = m.resolve(ctx, "confirm", externalID)
	}
	if err != nil {
		return ConfirmationResult{}, err
	}
	return ConfirmationResult{PaymentResult: res, Confirmed: res.Status == StatusCompleted}, nil
}

// GetPaymentStatus accepts either a payment id or a preference id.
func (m *MercadoPago) GetPaymentStatus(ctx context.Context, externalID string) (PaymentResult, error) {
	return m.resolve(ctx, "status", externalID)
}

// resolve maps an external id to the current payment. Numeric ids are payment
// ids; anything else is a preference, resolved through its external reference
// to the most recent payment. A preference nobody has paid yet is pending.
func (m *MercadoPago) resolve(ctx context.Context, op, externalID string) (PaymentResult, error) {
	if isPaymentID(externalID) {
		p, err := m.fetchPayment(ctx, op, externalID)
		if err != nil {
			return PaymentResult{}, err
		}
		return p.result(), nil
	}

	var pref mpPreference
	if err := m.api.call(ctx, op, http.MethodGet, "/checkout/preferences/"+url.PathEscape(externalID), nil, nil, &pref); err != nil {
		return PaymentResult{}, err
	}
	res := pref.result()
	if pref.ExternalReference == "" {
		return res, nil
	}
	q := url.Values{}
	q.Set("external_reference", pref.ExternalReference)
	q.Set("sort", "date_created")
	q.Set("criteria", "desc")
	var found struct {
		Results []mpPayment `json:"results"`
	}
	if err := m.api.call(ctx, op, http.MethodGet, "/v1/payments/search?"+q.Encode(), nil, nil, &found); err != nil {
		return PaymentResult{}, err
	}
	if len(found.Results) == 0 {
		return res, nil
	}
	paid := found.Results[0].result()
	paid.AdditionalData["paymentId"] = paid.ExternalID
	paid.AdditionalData["preferenceId"] = pref.ID
	paid.ExternalID = externalID
	paid.RedirectURL = res.RedirectURL
	return paid, nil
}

// HandleWebhook acts only on payment notifications. The status is always read
// from a fresh GET of the payment; the notification body is not trusted.
func (m *MercadoPago) HandleWebhook(ctx context.Context, req WebhookRequest) (*WebhookEvent, error) {
	n := parseMPNotification(req)
	if n.Type != "payment" {
		return nil, nil
	}
	if n.DataID == "" {
		return nil, &ValidationError{Provider: ProviderMercadoPago, Field: "data.id", Reason: "required"}
	}
	if m.webhookSecret != "" {
		if err := m.verifySignature(req, n.DataID); err != nil {
			return nil, &WebhookVerificationError{Provider: ProviderMercadoPago, Err: err}
		}
	}
	p, err := m.fetchPayment(ctx, "webhook", n.DataID)
	if err != nil {
		return nil, err
	}
	res := p.result()
	typ := n.Action
	if typ == "" {
		typ = n.Type
	}
	return &WebhookEvent{
		Provider:   ProviderMercadoPago,
		Verified:   true,
		Type:       typ,
		ExternalID: res.ExternalID,
		Status:     res.Status,
		Amount:     res.Amount,
		Currency:   res.Currency,
		Metadata:   p.metadata(),
		Reference:  p.ExternalReference,
		OccurredAt: res.UpdatedAt,
	}, nil
}

// verifySignature checks the x-signature header: an HMAC-SHA256 over
// "id:<data.id>;request-id:<x-request-id>;ts:<ts>;".
func (m *MercadoPago) verifySignature(req WebhookRequest, dataID string) error {
	header := req.header("x-signature")
	if header == "" {
		return errors.New("missing x-signature header")
	}
	var ts, v1 string
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "ts":
			ts = strings.TrimSpace(value)
		case "v1":
			v1 = strings.TrimSpace(value)
		}
	}
	if ts == "" || v1 == "" {
		return errors.New("malformed x-signature header")
	}
	got, err := hex.DecodeString(v1)
	if err != nil {
		return errors.New("malformed x-signature digest")
	}
	mac := hmac.New(sha256.New, []byte(m.webhookSecret))
	mac.Write([]byte(mpSignatureManifest(dataID, req.header("x-request-id"), ts)))
	if !hmac.Equal(mac.Sum(nil), got) {
		return errors.New("signature mismatch")
	}
	return nil
}

func mpSignatureManifest(dataID, requestID, ts string) string {
	var b strings.Builder
	b.WriteString("id:" + strings.ToLower(dataID) + ";")
	if requestID != "" {
		b.WriteString("request-id:" + requestID + ";")
	}
	b.WriteString("ts:" + ts + ";")
	return b.String()
}

func (m *MercadoPago) fetchPayment(ctx context.Context, op, paymentID string) (mpPayment, error) {
	var p mpPayment
	err := m.api.call(ctx, op, http.MethodGet, "/v1/payments/"+url.PathEscape(paymentID), nil, nil, &p)
	return p, err
}

func isPaymentID(id string) bool {
	_, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64)
	return err == nil
}

type mpNotification struct {
	Type   string
	Action string
	DataID string
}

// parseMPNotification reads the notification type and resource id from the
// JSON body, falling back to the query string used by IPN-style deliveries.
func parseMPNotification(req WebhookRequest) mpNotification {
	var body struct {
		Type   string `json:"type"`
		Topic  string `json:"topic"`
		Action string `json:"action"`
		Data   struct {
			ID json.RawMessage `json:"id"`
		} `json:"data"`
	}
	_ = json.Unmarshal(req.Body, &body)

	n := mpNotification{Type: body.Type, Action: body.Action, DataID: rawID(body.Data.ID)}
	if n.Type == "" {
		n.Type = body.Topic
	}
	if n.Type == "" {
		n.Type = req.Query.Get("type")
	}
	if n.Type == "" {
		n.Type = req.Query.Get("topic")
	}
	if id := req.Query.Get("data.id"); id != "" {
		n.DataID = id
	}
	if n.DataID == "" {
		n.DataID = req.Query.Get("id")
	}
	n.Type = strings.ToLower(strings.TrimSpace(n.Type))
	return n
}

// rawID accepts ids sent either as JSON strings or numbers.
func rawID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

type mpItem struct {
	Title      string      `json:"title"`
	Quantity   int         `json:"quantity"`
	UnitPrice  json.Number `json:"unit_price"`
	CurrencyID string      `json:"currency_id"`
}

type mpBackURLs struct {
	Success string `json:"success,omitempty"`
	Pending string `json:"pending,omitempty"`
	Failure string `json:"failure,omitempty"`
}

type mpPreference struct {
	ID                string      `json:"id,omitempty"`
	Items             []mpItem    `json:"items"`
	BackURLs          *mpBackURLs `json:"back_urls,omitempty"`
	AutoReturn        string      `json:"auto_return,omitempty"`
	ExternalReference string      `json:"external_reference,omitempty"`
	Metadata          Metadata    `json:"metadata,omitempty"`
	NotificationURL   string      `json:"notification_url,omitempty"`
	InitPoint         string      `json:"init_point,omitempty"`
	SandboxInitPoint  string      `json:"sandbox_init_point,omitempty"`
}

func (p mpPreference) result() PaymentResult {
	res := PaymentResult{
		ExternalID:       p.ID,
		Status:           lookupStatus(mercadoPagoStatuses, "pending"),
		Provider:         ProviderMercadoPago,
		RequiresApproval: true,
		RedirectURL:      p.InitPoint,
		Reference:        p.ExternalReference,
		AdditionalData: map[string]any{
			"preferenceId":      p.ID,
			"externalReference": p.ExternalReference,
		},
	}
	if p.SandboxInitPoint != "" {
		res.AdditionalData["sandboxInitPoint"] = p.SandboxInitPoint
	}
	total := decimal.Zero
	for _, item := range p.Items {
		price, err := decimal.NewFromString(item.UnitPrice.String())
		if err != nil {
			continue
		}
		total = total.Add(price.Mul(decimal.NewFromInt(int64(item.Quantity))))
		if res.Currency == "" {
			res.Currency = strings.ToUpper(item.CurrencyID)
		}
	}
	res.Amount = total
	if len(p.Metadata) > 0 {
		res.AdditionalData["metadata"] = p.Metadata
	}
	return res
}

type mpPayment struct {
	ID                int64          `json:"id"`
	Status            string         `json:"status"`
	StatusDetail      string         `json:"status_detail"`
	TransactionAmount float64        `json:"transaction_amount"`
	CurrencyID        string         `json:"currency_id"`
	ExternalReference string         `json:"external_reference"`
	Metadata          map[string]any `json:"metadata"`
	DateLastUpdated   string         `json:"date_last_updated"`
}

func (p mpPayment) result() PaymentResult {
	res := PaymentResult{
		ExternalID: strconv.FormatInt(p.ID, 10),
		Status:     lookupStatus(mercadoPagoStatuses, p.Status),
		Provider:   ProviderMercadoPago,
		Amount:     decimal.NewFromFloat(p.TransactionAmount),
		Currency:   strings.ToUpper(p.CurrencyID),
		Reference:  p.ExternalReference,
		UpdatedAt:  parseTime(p.DateLastUpdated),
		AdditionalData: map[string]any{
			"nativeStatus":      p.Status,
			"statusDetail":      p.StatusDetail,
			"externalReference": p.ExternalReference,
		},
	}
	if md := p.metadata(); len(md) > 0 {
		res.AdditionalData["metadata"] = md
	}
	return res
}

func (p mpPayment) metadata() Metadata {
	if len(p.Metadata) == 0 {
		return nil
	}
	md := make(Metadata, len(p.Metadata))
	for k, v := range p.Metadata {
		if s, ok := v.(string); ok {
			md[k] = s
			continue
		}
		md[k] = fmt.Sprint(v)
	}
	return md
}
