package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/paygate/internal/common"
	"github.com/noah-isme/paygate/internal/payment"
	"github.com/noah-isme/paygate/internal/reconcile"
	"github.com/noah-isme/paygate/internal/resilience"
	"github.com/noah-isme/paygate/internal/tasks"
)

const maxJSONBody = 1 << 20

// Handler exposes the payment lifecycle over HTTP.
type Handler struct {
	payments   *payment.Service
	sink       tasks.Sink
	reconciler *reconcile.Reconciler
	replay     replayStore
	replayTTL  time.Duration
	logger     zerolog.Logger
	now        func() time.Time
}

// HandlerConfig configures the Handler dependencies.
type HandlerConfig struct {
	Payments *payment.Service
	// Sink receives every observed status; Inline applies immediately,
	// Enqueuer defers to workers.
	Sink       tasks.Sink
	Reconciler *reconcile.Reconciler
	// Replay guards webhooks against redelivered bodies; nil disables it.
	Replay    replayStore
	ReplayTTL time.Duration
	Logger    zerolog.Logger
}

// NewHandler constructs a Handler.
func NewHandler(cfg HandlerConfig) *Handler {
	ttl := cfg.ReplayTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Handler{
		payments:   cfg.Payments,
		sink:       cfg.Sink,
		reconciler: cfg.Reconciler,
		replay:     cfg.Replay,
		replayTTL:  ttl,
		logger:     cfg.Logger,
		now:        time.Now,
	}
}

type createPaymentRequest struct {
	Amount      decimal.Decimal   `json:"amount"`
	Currency    string            `json:"currency"`
	Description string            `json:"description"`
	ReturnURL   string            `json:"returnUrl"`
	CancelURL   string            `json:"cancelUrl"`
	Metadata    map[string]string `json:"metadata"`
}

// Providers handles GET /api/v1/payments/providers.
func (h *Handler) Providers(w http.ResponseWriter, _ *http.Request) {
	if h.payments == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "payment service not configured", nil)
		return
	}
	common.Data(w, http.StatusOK, h.payments.AvailableProviders())
}

// Create handles POST /api/v1/payments/{provider}.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	if h.payments == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "payment service not configured", nil)
		return
	}
	var body createPaymentRequest
	if err := decodeJSON(r, &body); err != nil {
		h.writeError(w, common.NewAppError("BAD_REQUEST", "invalid request body", http.StatusBadRequest, err))
		return
	}
	provider := chi.URLParam(r, "provider")
	req := payment.PaymentRequest{
		Amount:         body.Amount,
		Currency:       body.Currency,
		Description:    body.Description,
		ReturnURL:      body.ReturnURL,
		CancelURL:      body.CancelURL,
		IdempotencyKey: strings.TrimSpace(r.Header.Get("Idempotency-Key")),
	}
	res, err := h.payments.CreatePayment(r.Context(), provider, req, payment.Metadata(body.Metadata))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.observe(r.Context(), reconcile.FromResult(res, reconcile.SourceCreate, h.now()))
	common.Data(w, http.StatusCreated, res)
}

// Confirm handles POST /api/v1/payments/{provider}/{externalId}/confirm. The
// provider's return parameters may arrive as a JSON object or as query values.
func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	if h.payments == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "payment service not configured", nil)
		return
	}
	data := map[string]string{}
	if err := decodeJSON(r, &data); err != nil {
		h.writeError(w, common.NewAppError("BAD_REQUEST", "invalid request body", http.StatusBadRequest, err))
		return
	}
	for key, values := range r.URL.Query() {
		if _, ok := data[key]; !ok && len(values) > 0 {
			data[key] = values[0]
		}
	}
	res, err := h.payments.ConfirmPayment(r.Context(), chi.URLParam(r, "provider"), chi.URLParam(r, "externalId"), data)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.observe(r.Context(), reconcile.FromResult(res.PaymentResult, reconcile.SourceConfirm, h.now()))
	common.Data(w, http.StatusOK, res)
}

// Status handles GET /api/v1/payments/{provider}/{externalId}. The provider is
// always re-queried.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	if h.payments == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "payment service not configured", nil)
		return
	}
	res, err := h.payments.GetPaymentStatus(r.Context(), chi.URLParam(r, "provider"), chi.URLParam(r, "externalId"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.observe(r.Context(), reconcile.FromResult(res, reconcile.SourceStatus, h.now()))
	common.Data(w, http.StatusOK, res)
}

// Record handles GET /api/v1/payments/{provider}/{externalId}/record and
// returns the reconciled state without calling the provider.
func (h *Handler) Record(w http.ResponseWriter, r *http.Request) {
	if h.reconciler == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "reconciler not configured", nil)
		return
	}
	provider := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "provider")))
	rec, ok, err := h.reconciler.Current(r.Context(), provider, chi.URLParam(r, "externalId"))
	if err != nil {
		h.logger.Error().Err(err).Str("provider", provider).Msg("load payment record")
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "internal error", nil)
		return
	}
	if !ok {
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "payment not found", nil)
		return
	}
	common.Data(w, http.StatusOK, rec)
}

// observe hands a synchronous provider answer to the sink. Failures are logged;
// the provider call already succeeded and its answer is returned regardless.
func (h *Handler) observe(ctx context.Context, u reconcile.Update) {
	if h.sink == nil {
		return
	}
	if err := h.sink.Submit(ctx, u); err != nil {
		h.logger.Error().Err(err).
			Str("provider", u.Provider).
			Str("external_id", u.ExternalID).
			Str("source", u.Source).
			Msg("submit payment update")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	appErr := toAppError(err)
	if appErr.HTTPStatus >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("code", appErr.Code).Msg("payment request failed")
	}
	common.WriteAppError(w, appErr)
}

func toAppError(err error) *common.AppError {
	var (
		appErr   *common.AppError
		unsup    *payment.UnsupportedProviderError
		invalid  *payment.ValidationError
		upstream *payment.ProviderAPIError
	)
	switch {
	case errors.As(err, &appErr):
		return appErr
	case errors.As(err, &unsup):
		return common.NewAppError("UNSUPPORTED_PROVIDER", "payment provider not available", http.StatusNotFound, err)
	case errors.As(err, &invalid):
		return common.NewAppError("VALIDATION_ERROR", "invalid payment request", http.StatusBadRequest, err).
			WithDetails(map[string]any{"field": invalid.Field, "reason": invalid.Reason})
	case errors.Is(err, resilience.ErrOpenCircuit):
		return common.NewAppError("PROVIDER_UNAVAILABLE", "payment provider temporarily unavailable", http.StatusServiceUnavailable, err)
	case errors.Is(err, context.DeadlineExceeded):
		return common.NewAppError("PROVIDER_TIMEOUT", "payment provider timed out", http.StatusGatewayTimeout, err)
	case errors.As(err, &upstream):
		e := common.NewAppError("PROVIDER_ERROR", "payment provider request failed", http.StatusBadGateway, err)
		if upstream.StatusCode > 0 {
			e.Details = map[string]any{"provider": upstream.Provider, "status": upstream.StatusCode}
		}
		return e
	default:
		return common.NewAppError("INTERNAL", "internal error", http.StatusInternalServerError, err)
	}
}

// decodeJSON decodes an optional JSON body into v.
func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
