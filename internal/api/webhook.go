package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/paygate/internal/common"
	"github.com/noah-isme/paygate/internal/payment"
	"github.com/noah-isme/paygate/internal/reconcile"
)

type replayStore interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Webhook handles POST /api/v1/webhooks/payment/{provider}. The raw body is
// handed to the provider strategy untouched. Responses never carry error
// detail back to the sender.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	if h.payments == nil || h.sink == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "payment service not configured", nil)
		return
	}
	ctx, span := otel.Tracer("api.Webhook").Start(r.Context(), "PaymentWebhook.Handle")
	defer span.End()

	provider := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "provider")))
	span.SetAttributes(attribute.String("payment.webhook.provider", provider))
	if !h.payments.Supports(provider) {
		common.JSONError(w, http.StatusNotFound, "UNSUPPORTED_PROVIDER", "payment provider not available", nil)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		span.RecordError(err)
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "unable to read payload", nil)
		return
	}

	key := fmt.Sprintf("paywh:%s:%s", provider, bodyDigest(body))
	if h.replay != nil {
		ok, err := h.replay.SetNX(ctx, key, "1", h.replayTTL).Result()
		if err != nil {
			span.RecordError(err)
			h.logger.Error().Err(err).Str("provider", provider).Msg("webhook replay guard")
			common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "internal error", nil)
			return
		}
		if !ok {
			// already processed; ack so the provider stops redelivering
			span.AddEvent("payment webhook replay prevented")
			common.JSON(w, http.StatusOK, map[string]any{"status": "duplicate"})
			return
		}
	}

	status, code, message := h.processWebhook(ctx, provider, payment.WebhookRequest{
		Headers: r.Header.Clone(),
		Query:   r.URL.Query(),
		Body:    body,
	})
	if status != http.StatusOK {
		span.SetAttributes(attribute.Int("payment.webhook.status", status))
		if h.replay != nil {
			// let the provider's retry through
			_ = h.replay.Del(context.WithoutCancel(ctx), key).Err()
		}
		common.JSONError(w, status, code, message, nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"status": message})
}

func (h *Handler) processWebhook(ctx context.Context, provider string, req payment.WebhookRequest) (int, string, string) {
	evt, err := h.payments.HandleWebhook(ctx, provider, req)
	if err != nil {
		var (
			verr    *payment.WebhookVerificationError
			invalid *payment.ValidationError
		)
		switch {
		case errors.As(err, &verr):
			return http.StatusUnauthorized, "UNAUTHORIZED", "webhook verification failed"
		case errors.As(err, &invalid):
			return http.StatusBadRequest, "BAD_REQUEST", "invalid webhook payload"
		default:
			h.logger.Error().Err(err).Str("provider", provider).Msg("payment webhook processing failed")
			return http.StatusInternalServerError, "INTERNAL", "internal error"
		}
	}
	if evt == nil {
		return http.StatusOK, "", "ignored"
	}
	if err := h.sink.Submit(ctx, reconcile.FromEvent(evt)); err != nil {
		h.logger.Error().Err(err).
			Str("provider", provider).
			Str("external_id", evt.ExternalID).
			Msg("submit webhook update")
		return http.StatusInternalServerError, "INTERNAL", "internal error"
	}
	return http.StatusOK, "", "accepted"
}

func bodyDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
