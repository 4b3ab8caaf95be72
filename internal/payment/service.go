package payment

import (
	"context"
	"errors"
	"maps"
	"net/http"
	"reflect"
	"slices"
	"strings"
	"time"

	validator "github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/noah-isme/paygate/internal/obs"
	"github.com/noah-isme/paygate/internal/resilience"
)

// ProvidersConfig enumerates the credentials for each supported provider. A nil
// entry means the provider is absent and will not be registered.
type ProvidersConfig struct {
	Stripe      *StripeConfig
	PayPal      *PayPalConfig
	MercadoPago *MercadoPagoConfig
}

// Options carries the shared dependencies handed to every strategy.
type Options struct {
	Logger zerolog.Logger
	// HTTPClient is the base client for outbound provider calls.
	HTTPClient *http.Client
	// Timeout bounds a single provider call. Zero leaves it to HTTPClient.
	Timeout time.Duration
	// Breaker returns the circuit breaker guarding a provider, or nil.
	Breaker func(provider string) *resilience.Breaker
}

func (o Options) httpClient() *http.Client {
	if o.HTTPClient != nil {
		return o.HTTPClient
	}
	return http.DefaultClient
}

func (o Options) outbound(provider string) resilience.HTTPClient {
	cl := resilience.HTTPClient{Client: o.httpClient(), Timeout: o.Timeout}
	if o.Breaker != nil {
		cl.Breaker = o.Breaker(provider)
	}
	return cl
}

// Service dispatches lifecycle calls to the strategy registered for a provider.
// The registry is built once and never mutated, so a Service is safe for
// concurrent use.
type Service struct {
	strategies map[string]Strategy
	skipped    []error
	logger     zerolog.Logger
	validate   *validator.Validate
}

// NewService registers a strategy for every provider present in cfg. Providers
// with incomplete credentials are logged and omitted; see Skipped.
func NewService(cfg ProvidersConfig, opts Options) *Service {
	var (
		strategies []Strategy
		skipped    []error
	)
	register := func(s Strategy, err error) {
		if err != nil {
			skipped = append(skipped, err)
			return
		}
		strategies = append(strategies, s)
	}
	if cfg.Stripe != nil {
		register(NewStripe(*cfg.Stripe, opts))
	}
	if cfg.PayPal != nil {
		register(NewPayPal(*cfg.PayPal, opts))
	}
	if cfg.MercadoPago != nil {
		register(NewMercadoPago(*cfg.MercadoPago, opts))
	}
	svc := NewServiceWithStrategies(opts.Logger, strategies...)
	svc.skipped = skipped
	for _, err := range skipped {
		svc.logger.Warn().Err(err).Msg("payment provider omitted")
	}
	return svc
}

// NewServiceWithStrategies builds a registry from explicit strategies keyed by Name.
func NewServiceWithStrategies(logger zerolog.Logger, strategies ...Strategy) *Service {
	svc := &Service{
		strategies: make(map[string]Strategy, len(strategies)),
		logger:     logger,
		validate:   newValidator(),
	}
	for _, s := range strategies {
		if s == nil {
			continue
		}
		key := normaliseLabel(s.Name())
		svc.strategies[key] = s
		logger.Info().Str("provider", key).Msg("payment provider registered")
	}
	return svc
}

// AvailableProviders returns the registered provider keys in sorted order.
func (s *Service) AvailableProviders() []string {
	return slices.Sorted(maps.Keys(s.strategies))
}

// Supports reports whether provider is registered.
func (s *Service) Supports(provider string) bool {
	_, ok := s.strategies[normaliseLabel(provider)]
	return ok
}

// Skipped returns the configuration errors of providers left out at construction.
func (s *Service) Skipped() []error {
	return slices.Clone(s.skipped)
}

// CreatePayment opens a payment with the named provider.
func (s *Service) CreatePayment(ctx context.Context, provider string, req PaymentRequest, md Metadata) (PaymentResult, error) {
	strategy, err := s.lookup(provider)
	if err != nil {
		return PaymentResult{}, err
	}
	if err := s.validateRequest(strategy.Name(), req); err != nil {
		s.record(strategy.Name(), "create", err, 0)
		return PaymentResult{}, err
	}
	var res PaymentResult
	err = s.observe(ctx, strategy.Name(), "create", func(ctx context.Context) error {
		var callErr error
		res, callErr = strategy.CreatePayment(ctx, req, md)
		return callErr
	})
	return res, err
}

// ConfirmPayment runs the provider's second lifecycle step for externalID.
func (s *Service) ConfirmPayment(ctx context.Context, provider, externalID string, data map[string]string) (ConfirmationResult, error) {
	strategy, err := s.lookup(provider)
	if err != nil {
		return ConfirmationResult{}, err
	}
	if strings.TrimSpace(externalID) == "" {
		err := &ValidationError{Provider: strategy.Name(), Field: "externalId", Reason: "required"}
		s.record(strategy.Name(), "confirm", err, 0)
		return ConfirmationResult{}, err
	}
	var res ConfirmationResult
	err = s.observe(ctx, strategy.Name(), "confirm", func(ctx context.Context) error {
		var callErr error
		res, callErr = strategy.ConfirmPayment(ctx, externalID, data)
		return callErr
	})
	return res, err
}

// HandleWebhook verifies and parses an inbound notification. A nil event with a
// nil error is an acknowledgement with nothing to act on.
func (s *Service) HandleWebhook(ctx context.Context, provider string, req WebhookRequest) (*WebhookEvent, error) {
	strategy, err := s.lookup(provider)
	if err != nil {
		return nil, err
	}
	var evt *WebhookEvent
	err = s.observe(ctx, strategy.Name(), "webhook", func(ctx context.Context) error {
		var callErr error
		evt, callErr = strategy.HandleWebhook(ctx, req)
		return callErr
	})
	outcome := "ack"
	switch {
	case err != nil:
		outcome = resultLabel(err)
		var verr *WebhookVerificationError
		if errors.As(err, &verr) {
			s.logger.Warn().Str("provider", strategy.Name()).Err(err).Msg("payment webhook rejected")
		}
		evt = nil
	case evt != nil && !evt.Verified:
		// never hand an unverified event to a caller
		err = &WebhookVerificationError{Provider: strategy.Name(), Err: errors.New("event not verified")}
		outcome = resultLabel(err)
		evt = nil
	case evt != nil:
		outcome = "event"
	}
	if obs.PaymentWebhookTotal != nil {
		obs.PaymentWebhookTotal.WithLabelValues(strategy.Name(), outcome).Inc()
	}
	return evt, err
}

// GetPaymentStatus re-queries the provider, the source of truth, for externalID.
func (s *Service) GetPaymentStatus(ctx context.Context, provider, externalID string) (PaymentResult, error) {
	strategy, err := s.lookup(provider)
	if err != nil {
		return PaymentResult{}, err
	}
	if strings.TrimSpace(externalID) == "" {
		err := &ValidationError{Provider: strategy.Name(), Field: "externalId", Reason: "required"}
		s.record(strategy.Name(), "status", err, 0)
		return PaymentResult{}, err
	}
	var res PaymentResult
	err = s.observe(ctx, strategy.Name(), "status", func(ctx context.Context) error {
		var callErr error
		res, callErr = strategy.GetPaymentStatus(ctx, externalID)
		return callErr
	})
	return res, err
}

func (s *Service) lookup(provider string) (Strategy, error) {
	key := normaliseLabel(provider)
	strategy, ok := s.strategies[key]
	if !ok || strategy == nil {
		return nil, &UnsupportedProviderError{Provider: provider}
	}
	return strategy, nil
}

func (s *Service) observe(ctx context.Context, provider, op string, fn func(context.Context) error) error {
	ctx, span := otel.Tracer("payment.Service").Start(ctx, "PaymentService."+op)
	defer span.End()
	span.SetAttributes(
		attribute.String("payment.provider", provider),
		attribute.String("payment.operation", op),
	)

	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)
	span.SetAttributes(
		attribute.String("payment.result", resultLabel(err)),
		attribute.Float64("payment.duration_ms", obs.DurationMillis(elapsed)),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, resultLabel(err))
	}
	s.record(provider, op, err, elapsed)
	return err
}

func (s *Service) record(provider, op string, err error, elapsed time.Duration) {
	if obs.PaymentOperationTotal != nil {
		obs.PaymentOperationTotal.WithLabelValues(provider, op, resultLabel(err)).Inc()
	}
	if elapsed > 0 && obs.PaymentOperationDuration != nil {
		obs.PaymentOperationDuration.WithLabelValues(provider, op).Observe(obs.DurationMillis(elapsed))
	}
}

func (s *Service) validateRequest(provider string, req PaymentRequest) error {
	if !req.Amount.IsPositive() {
		return &ValidationError{Provider: provider, Field: "amount", Reason: "must be greater than zero"}
	}
	if err := s.validate.Struct(req); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return &ValidationError{Provider: provider, Field: fe.Field(), Reason: fe.Tag()}
		}
		return &ValidationError{Provider: provider, Field: "request", Reason: err.Error()}
	}
	return checkAmount(provider, req)
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

func resultLabel(err error) string {
	if err == nil {
		return "success"
	}
	var (
		verr *ValidationError
		werr *WebhookVerificationError
		perr *ProviderAPIError
	)
	switch {
	case errors.As(err, &verr):
		return "invalid"
	case errors.As(err, &werr):
		return "rejected"
	case errors.As(err, &perr):
		return "provider_error"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	default:
		return "error"
	}
}
