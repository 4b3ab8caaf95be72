package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/noah-isme/paygate/internal/resilience"
)

// StripeConfig holds the credentials of the card-intent provider.
type StripeConfig struct {
	SecretKey string
	// WebhookSecret is the endpoint signing secret (whsec_...). Without it every
	// webhook is rejected.
	WebhookSecret string
	// APIURL overrides the API endpoint, e.g. for stripe-mock.
	APIURL string
}

// StripeIntents is the subset of the PaymentIntents API used by Stripe.
// *paymentintent.Client satisfies it.
type StripeIntents interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Confirm(id string, params *stripe.PaymentIntentConfirmParams) (*stripe.PaymentIntent, error)
}

// Stripe implements Strategy on top of Stripe PaymentIntents.
type Stripe struct {
	intents       StripeIntents
	webhookSecret string
	tolerance     time.Duration
}

var _ Strategy = (*Stripe)(nil)

// NewStripe builds the Stripe strategy. The SDK backend is configured without
// network retries.
func NewStripe(cfg StripeConfig, opts Options) (*Stripe, error) {
	key := strings.TrimSpace(cfg.SecretKey)
	if key == "" {
		return nil, &ConfigurationError{Provider: ProviderStripe, Missing: []string{"STRIPE_SECRET_KEY"}}
	}
	base := opts.httpClient()
	transport := resilience.BreakerTransport{Base: base.Transport}
	if opts.Breaker != nil {
		transport.Breaker = opts.Breaker(ProviderStripe)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = base.Timeout
	}
	backendCfg := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Transport: transport, Timeout: timeout},
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     stripeLogger{l: opts.Logger.With().Str("provider", ProviderStripe).Logger()},
	}
	if u := strings.TrimSpace(cfg.APIURL); u != "" {
		backendCfg.URL = stripe.String(u)
	}
	sc := &client.API{}
	sc.Init(key, &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, backendCfg),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, backendCfg),
	})
	return NewStripeWithClient(sc.PaymentIntents, cfg.WebhookSecret), nil
}

// NewStripeWithClient builds the strategy around an existing PaymentIntents client.
func NewStripeWithClient(intents StripeIntents, webhookSecret string) *Stripe {
	return &Stripe{
		intents:       intents,
		webhookSecret: strings.TrimSpace(webhookSecret),
		tolerance:     webhook.DefaultTolerance,
	}
}

// Name implements Strategy.
func (s *Stripe) Name() string { return ProviderStripe }

// CreatePayment opens a PaymentIntent. The client secret needed by the browser
// to collect card details is returned in AdditionalData["clientSecret"].
func (s *Stripe) CreatePayment(ctx context.Context, req PaymentRequest, md Metadata) (PaymentResult, error) {
	amount, err := toMinorUnits(req.Amount, req.Currency)
	if err != nil {
		return PaymentResult{}, &ValidationError{Provider: ProviderStripe, Field: "amount", Reason: err.Error()}
	}
	params := &stripe.PaymentIntentParams{
		Amount:      stripe.Int64(amount),
		Currency:    stripe.String(strings.ToLower(req.Currency)),
		Description: stripe.String(req.Description),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey(req))
	for k, v := range md {
		params.AddMetadata(k, v)
	}
	pi, err := s.intents.New(params)
	if err != nil {
		return PaymentResult{}, stripeError("create", err)
	}
	return stripeResult(pi), nil
}

// ConfirmPayment confirms the intent. Optional data keys: payment_method, return_url.
func (s *Stripe) ConfirmPayment(ctx context.Context, externalID string, data map[string]string) (ConfirmationResult, error) {
	params := &stripe.PaymentIntentConfirmParams{}
	params.Context = ctx
	if pm := strings.TrimSpace(data["payment_method"]); pm != "" {
		params.PaymentMethod = stripe.String(pm)
	}
	if ru := strings.TrimSpace(data["return_url"]); ru != "" {
		params.ReturnURL = stripe.String(ru)
	}
	pi, err := s.intents.Confirm(externalID, params)
	if err != nil {
		return ConfirmationResult{}, stripeError("confirm", err)
	}
	res := stripeResult(pi)
	confirmed := pi.Status == stripe.PaymentIntentStatusSucceeded ||
		pi.Status == stripe.PaymentIntentStatusProcessing ||
		pi.Status == stripe.PaymentIntentStatusRequiresCapture
	return ConfirmationResult{PaymentResult: res, Confirmed: confirmed}, nil
}

// GetPaymentStatus retrieves the intent from Stripe.
func (s *Stripe) GetPaymentStatus(ctx context.Context, externalID string) (PaymentResult, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := s.intents.Get(externalID, params)
	if err != nil {
		return PaymentResult{}, stripeError("status", err)
	}
	return stripeResult(pi), nil
}

// HandleWebhook verifies the Stripe-Signature header over the raw body before
// any event field is read.
func (s *Stripe) HandleWebhook(_ context.Context, req WebhookRequest) (*WebhookEvent, error) {
	if s.webhookSecret == "" {
		return nil, &WebhookVerificationError{Provider: ProviderStripe, Err: errors.New("webhook secret not configured")}
	}
	event, err := webhook.ConstructEventWithOptions(req.Body, req.header("Stripe-Signature"), s.webhookSecret, webhook.ConstructEventOptions{
		Tolerance:                s.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, &WebhookVerificationError{Provider: ProviderStripe, Err: err}
	}
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return nil, nil
	}

	typ := string(event.Type)
	occurred := time.Unix(event.Created, 0).UTC()
	switch {
	case strings.HasPrefix(typ, "payment_intent."):
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("payment: stripe: decode %s: %w", typ, err)
		}
		status, ok := stripeEventStatuses[typ]
		if !ok {
			status = lookupStatus(stripeStatuses, string(pi.Status))
		}
		return &WebhookEvent{
			Provider:   ProviderStripe,
			Verified:   true,
			Type:       typ,
			ExternalID: pi.ID,
			Status:     status,
			Amount:     fromMinorUnits(pi.Amount, string(pi.Currency)),
			Currency:   strings.ToUpper(string(pi.Currency)),
			Metadata:   Metadata(pi.Metadata),
			OccurredAt: occurred,
		}, nil
	case typ == "charge.refunded":
		var ch stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &ch); err != nil {
			return nil, fmt.Errorf("payment: stripe: decode %s: %w", typ, err)
		}
		if ch.PaymentIntent == nil || ch.PaymentIntent.ID == "" {
			return nil, nil
		}
		return &WebhookEvent{
			Provider:   ProviderStripe,
			Verified:   true,
			Type:       typ,
			ExternalID: ch.PaymentIntent.ID,
			Status:     stripeEventStatuses[typ],
			Amount:     fromMinorUnits(ch.AmountRefunded, string(ch.Currency)),
			Currency:   strings.ToUpper(string(ch.Currency)),
			Metadata:   Metadata(ch.Metadata),
			OccurredAt: occurred,
		}, nil
	default:
		return nil, nil
	}
}

func stripeResult(pi *stripe.PaymentIntent) PaymentResult {
	res := PaymentResult{
		ExternalID:     pi.ID,
		Status:         lookupStatus(stripeStatuses, string(pi.Status)),
		Provider:       ProviderStripe,
		Amount:         fromMinorUnits(pi.Amount, string(pi.Currency)),
		Currency:       strings.ToUpper(string(pi.Currency)),
		RequiresAction: pi.Status == stripe.PaymentIntentStatusRequiresAction,
		AdditionalData: map[string]any{
			"clientSecret": pi.ClientSecret,
			"nativeStatus": string(pi.Status),
		},
	}
	if len(pi.Metadata) > 0 {
		res.AdditionalData["metadata"] = pi.Metadata
	}
	if pi.NextAction != nil && pi.NextAction.RedirectToURL != nil {
		res.RedirectURL = pi.NextAction.RedirectToURL.URL
	}
	return res
}

func stripeError(op string, err error) error {
	status := 0
	var serr *stripe.Error
	if errors.As(err, &serr) {
		status = serr.HTTPStatusCode
	}
	return apiError(ProviderStripe, op, status, err)
}

func idempotencyKey(req PaymentRequest) string {
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		return key
	}
	return uuid.NewString()
}

// stripeLogger routes SDK logs through zerolog.
type stripeLogger struct {
	l zerolog.Logger
}

func (s stripeLogger) Debugf(format string, v ...interface{}) { s.l.Debug().Msgf(format, v...) }
func (s stripeLogger) Infof(format string, v ...interface{})  { s.l.Debug().Msgf(format, v...) }
func (s stripeLogger) Warnf(format string, v ...interface{})  { s.l.Warn().Msgf(format, v...) }
func (s stripeLogger) Errorf(format string, v ...interface{}) { s.l.Error().Msgf(format, v...) }
