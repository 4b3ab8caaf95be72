package payment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	payPalSandboxURL = "https://api-m.sandbox.paypal.com"
	payPalLiveURL    = "https://api-m.paypal.com"
	payPalCustomMax  = 256
)

// PayPalConfig holds the REST app credentials of the redirect-approval provider.
type PayPalConfig struct {
	ClientID     string
	ClientSecret string
	// Mode selects sandbox or live; anything but "live" means sandbox.
	Mode    string
	BaseURL string
	// WebhookID enables webhook processing. When empty, webhooks are
	// acknowledged without processing and the lifecycle is driven by the
	// browser redirect followed by ConfirmPayment.
	WebhookID string
}

// PayPal implements Strategy on the v1 Payments API: create, buyer approval on
// PayPal, then execute with the payer id.
type PayPal struct {
	api       restClient
	webhookID string
}

var _ Strategy = (*PayPal)(nil)

// NewPayPal builds the PayPal strategy. Access tokens are obtained with the
// OAuth2 client-credentials grant and cached until expiry.
func NewPayPal(cfg PayPalConfig, opts Options) (*PayPal, error) {
	var missing []string
	if strings.TrimSpace(cfg.ClientID) == "" {
		missing = append(missing, "PAYPAL_CLIENT_ID")
	}
	if strings.TrimSpace(cfg.ClientSecret) == "" {
		missing = append(missing, "PAYPAL_CLIENT_SECRET")
	}
	if len(missing) > 0 {
		return nil, &ConfigurationError{Provider: ProviderPayPal, Missing: missing}
	}
	base := payPalBaseURL(cfg)
	creds := clientcredentials.Config{
		ClientID:     strings.TrimSpace(cfg.ClientID),
		ClientSecret: strings.TrimSpace(cfg.ClientSecret),
		TokenURL:     base + "/v1/oauth2/token",
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	plain := opts.httpClient()
	authed := creds.Client(context.WithValue(context.Background(), oauth2.HTTPClient, plain))
	authed.Timeout = plain.Timeout

	outbound := opts.outbound(ProviderPayPal)
	outbound.Client = authed
	return &PayPal{
		api:       restClient{provider: ProviderPayPal, baseURL: base, http: outbound},
		webhookID: strings.TrimSpace(cfg.WebhookID),
	}, nil
}

func payPalBaseURL(cfg PayPalConfig) string {
	if u := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); u != "" {
		return u
	}
	if strings.EqualFold(strings.TrimSpace(cfg.Mode), "live") {
		return payPalLiveURL
	}
	return payPalSandboxURL
}

// Name implements Strategy.
func (p *PayPal) Name() string { return ProviderPayPal }

// CreatePayment creates a payment awaiting buyer approval. The approval link is
// returned as RedirectURL.
func (p *PayPal) CreatePayment(ctx context.Context, req PaymentRequest, md Metadata) (PaymentResult, error) {
	if err := checkAmount(ProviderPayPal, req); err != nil {
		return PaymentResult{}, err
	}
	if strings.TrimSpace(req.ReturnURL) == "" {
		return PaymentResult{}, &ValidationError{Provider: ProviderPayPal, Field: "returnUrl", Reason: "required"}
	}
	if strings.TrimSpace(req.CancelURL) == "" {
		return PaymentResult{}, &ValidationError{Provider: ProviderPayPal, Field: "cancelUrl", Reason: "required"}
	}
	custom := ""
	if len(md) > 0 {
		raw, _ := json.Marshal(md)
		if len(raw) > payPalCustomMax {
			return PaymentResult{}, &ValidationError{Provider: ProviderPayPal, Field: "metadata", Reason: "exceeds 256 bytes"}
		}
		custom = string(raw)
	}
	body := payPalPayment{
		Intent: "sale",
		Payer:  &payPalPayer{PaymentMethod: "paypal"},
		Transactions: []payPalTransaction{{
			Amount:      payPalAmount{Total: formatMajor(req.Amount, req.Currency), Currency: strings.ToUpper(req.Currency)},
			Description: req.Description,
			Custom:      custom,
		}},
		RedirectURLs: &payPalRedirectURLs{ReturnURL: req.ReturnURL, CancelURL: req.CancelURL},
	}
	var out payPalPayment
	headers := map[string]string{"PayPal-Request-Id": idempotencyKey(req)}
	if err := p.api.call(ctx, "create", http.MethodPost, "/v1/payments/payment", headers, body, &out); err != nil {
		return PaymentResult{}, err
	}
	res := out.result()
	res.RequiresApproval = true
	return res, nil
}

// ConfirmPayment executes an approved payment. data must carry the payer id
// PayPal appends to the return URL (payer_id or PayerID).
func (p *PayPal) ConfirmPayment(ctx context.Context, externalID string, data map[string]string) (ConfirmationResult, error) {
	payerID := strings.TrimSpace(data["payer_id"])
	if payerID == "" {
		payerID = strings.TrimSpace(data["PayerID"])
	}
	if payerID == "" {
		return ConfirmationResult{}, &ValidationError{Provider: ProviderPayPal, Field: "payer_id", Reason: "required"}
	}
	var out payPalPayment
	path := "/v1/payments/payment/" + url.PathEscape(externalID) + "/execute"
	if err := p.api.call(ctx, "confirm", http.MethodPost, path, nil, map[string]string{"payer_id": payerID}, &out); err != nil {
		return ConfirmationResult{}, err
	}
	res := out.result()
	return ConfirmationResult{PaymentResult: res, Confirmed: res.Status == StatusCompleted}, nil
}

// GetPaymentStatus looks the payment up on PayPal.
func (p *PayPal) GetPaymentStatus(ctx context.Context, externalID string) (PaymentResult, error) {
	out, err := p.fetch(ctx, "status", externalID)
	if err != nil {
		return PaymentResult{}, err
	}
	return out.result(), nil
}

// HandleWebhook acknowledges notifications untouched unless a webhook id is
// configured. With one, the signature is verified through PayPal and the
// payment is re-fetched; the status claimed in the body is never used.
func (p *PayPal) HandleWebhook(ctx context.Context, req WebhookRequest) (*WebhookEvent, error) {
	if p.webhookID == "" {
		return nil, nil
	}
	if err := p.verify(ctx, req); err != nil {
		return nil, err
	}

	var notification struct {
		EventType  string `json:"event_type"`
		CreateTime string `json:"create_time"`
		Resource   struct {
			ID            string `json:"id"`
			ParentPayment string `json:"parent_payment"`
		} `json:"resource"`
	}
	if err := json.Unmarshal(req.Body, &notification); err != nil {
		return nil, &ValidationError{Provider: ProviderPayPal, Field: "body", Reason: err.Error()}
	}
	paymentID := ""
	switch {
	case strings.HasPrefix(notification.EventType, "PAYMENT.SALE."):
		paymentID = notification.Resource.ParentPayment
	case strings.HasPrefix(notification.EventType, "PAYMENTS.PAYMENT."):
		paymentID = notification.Resource.ID
	}
	if paymentID == "" {
		return nil, nil
	}

	payment, err := p.fetch(ctx, "webhook", paymentID)
	if err != nil {
		return nil, err
	}
	res := payment.result()
	occurred := res.UpdatedAt
	if occurred.IsZero() {
		occurred = parseTime(notification.CreateTime)
	}
	return &WebhookEvent{
		Provider:   ProviderPayPal,
		Verified:   true,
		Type:       notification.EventType,
		ExternalID: res.ExternalID,
		Status:     res.Status,
		Amount:     res.Amount,
		Currency:   res.Currency,
		Metadata:   payment.metadata(),
		OccurredAt: occurred,
	}, nil
}

func (p *PayPal) verify(ctx context.Context, req WebhookRequest) error {
	in := payPalVerifyRequest{
		AuthAlgo:         req.header("PAYPAL-AUTH-ALGO"),
		CertURL:          req.header("PAYPAL-CERT-URL"),
		TransmissionID:   req.header("PAYPAL-TRANSMISSION-ID"),
		TransmissionSig:  req.header("PAYPAL-TRANSMISSION-SIG"),
		TransmissionTime: req.header("PAYPAL-TRANSMISSION-TIME"),
		WebhookID:        p.webhookID,
		WebhookEvent:     json.RawMessage(req.Body),
	}
	if in.AuthAlgo == "" || in.CertURL == "" || in.TransmissionID == "" || in.TransmissionSig == "" || in.TransmissionTime == "" {
		return &WebhookVerificationError{Provider: ProviderPayPal, Err: errors.New("missing transmission headers")}
	}
	if !json.Valid(req.Body) {
		return &WebhookVerificationError{Provider: ProviderPayPal, Err: errors.New("body is not valid JSON")}
	}
	var out struct {
		VerificationStatus string `json:"verification_status"`
	}
	if err := p.api.call(ctx, "verify_webhook", http.MethodPost, "/v1/notifications/verify-webhook-signature", nil, in, &out); err != nil {
		return err
	}
	if !strings.EqualFold(out.VerificationStatus, "SUCCESS") {
		return &WebhookVerificationError{Provider: ProviderPayPal, Err: errors.New("verification status " + out.VerificationStatus)}
	}
	return nil
}

func (p *PayPal) fetch(ctx context.Context, op, paymentID string) (payPalPayment, error) {
	var out payPalPayment
	err := p.api.call(ctx, op, http.MethodGet, "/v1/payments/payment/"+url.PathEscape(paymentID), nil, nil, &out)
	return out, err
}

type payPalPayment struct {
	ID           string              `json:"id,omitempty"`
	Intent       string              `json:"intent,omitempty"`
	State        string              `json:"state,omitempty"`
	Payer        *payPalPayer        `json:"payer,omitempty"`
	Transactions []payPalTransaction `json:"transactions"`
	RedirectURLs *payPalRedirectURLs `json:"redirect_urls,omitempty"`
	Links        []payPalLink        `json:"links,omitempty"`
	UpdateTime   string              `json:"update_time,omitempty"`
}

type payPalPayer struct {
	PaymentMethod string `json:"payment_method"`
	PayerInfo     *struct {
		PayerID string `json:"payer_id"`
	} `json:"payer_info,omitempty"`
}

type payPalTransaction struct {
	Amount           payPalAmount            `json:"amount"`
	Description      string                  `json:"description,omitempty"`
	Custom           string                  `json:"custom,omitempty"`
	RelatedResources []payPalRelatedResource `json:"related_resources,omitempty"`
}

type payPalAmount struct {
	Total    string `json:"total"`
	Currency string `json:"currency"`
}

type payPalRelatedResource struct {
	Sale *struct {
		ID         string `json:"id"`
		State      string `json:"state"`
		UpdateTime string `json:"update_time"`
	} `json:"sale,omitempty"`
}

type payPalRedirectURLs struct {
	ReturnURL string `json:"return_url"`
	CancelURL string `json:"cancel_url"`
}

type payPalLink struct {
	Href   string `json:"href"`
	Rel    string `json:"rel"`
	Method string `json:"method"`
}

type payPalVerifyRequest struct {
	AuthAlgo         string          `json:"auth_algo"`
	CertURL          string          `json:"cert_url"`
	TransmissionID   string          `json:"transmission_id"`
	TransmissionSig  string          `json:"transmission_sig"`
	TransmissionTime string          `json:"transmission_time"`
	WebhookID        string          `json:"webhook_id"`
	WebhookEvent     json.RawMessage `json:"webhook_event"`
}

// result derives the normalised view; a sale's state wins over the payment's.
func (p payPalPayment) result() PaymentResult {
	state := p.State
	updated := parseTime(p.UpdateTime)
	res := PaymentResult{
		ExternalID:     p.ID,
		Provider:       ProviderPayPal,
		AdditionalData: map[string]any{"nativeStatus": p.State},
	}
	if len(p.Transactions) > 0 {
		tx := p.Transactions[0]
		if amount, err := decimal.NewFromString(tx.Amount.Total); err == nil {
			res.Amount = amount
		}
		res.Currency = strings.ToUpper(tx.Amount.Currency)
		for _, rr := range tx.RelatedResources {
			if rr.Sale == nil || rr.Sale.State == "" {
				continue
			}
			state = rr.Sale.State
			res.AdditionalData["saleId"] = rr.Sale.ID
			res.AdditionalData["saleStatus"] = rr.Sale.State
			if t := parseTime(rr.Sale.UpdateTime); !t.IsZero() {
				updated = t
			}
		}
	}
	res.Status = lookupStatus(payPalStatuses, state)
	res.UpdatedAt = updated
	for _, link := range p.Links {
		if link.Rel == "approval_url" {
			res.RedirectURL = link.Href
			res.AdditionalData["approvalUrl"] = link.Href
		}
	}
	if p.Payer != nil && p.Payer.PayerInfo != nil && p.Payer.PayerInfo.PayerID != "" {
		res.AdditionalData["payerId"] = p.Payer.PayerInfo.PayerID
	}
	if md := p.metadata(); len(md) > 0 {
		res.AdditionalData["metadata"] = md
	}
	return res
}

func (p payPalPayment) metadata() Metadata {
	if len(p.Transactions) == 0 || p.Transactions[0].Custom == "" {
		return nil
	}
	var md Metadata
	if err := json.Unmarshal([]byte(p.Transactions[0].Custom), &md); err != nil {
		return nil
	}
	return md
}

func parseTime(value string) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
