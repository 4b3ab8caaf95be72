package payment

import (
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
)

// NormalizedStatus is the provider-agnostic payment status shared by every strategy.
type NormalizedStatus string

const (
	StatusPending   NormalizedStatus = "pending"
	StatusCompleted NormalizedStatus = "completed"
	StatusFailed    NormalizedStatus = "failed"
	StatusCancelled NormalizedStatus = "cancelled"
	StatusRefunded  NormalizedStatus = "refunded"
	StatusExpired   NormalizedStatus = "expired"
	StatusUnknown   NormalizedStatus = "unknown"
)

// Statuses lists every member of the closed status vocabulary.
var Statuses = []NormalizedStatus{
	StatusPending,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
	StatusRefunded,
	StatusExpired,
	StatusUnknown,
}

// Valid reports whether s belongs to the closed vocabulary.
func (s NormalizedStatus) Valid() bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether no further provider transition is expected.
func (s NormalizedStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusRefunded, StatusExpired:
		return true
	default:
		return false
	}
}

// PaymentRequest describes a payment to open with a provider. Amount is always
// expressed in major currency units (100.00 means one hundred dollars).
type PaymentRequest struct {
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency" validate:"required,len=3,alpha"`
	Description    string          `json:"description" validate:"required,max=255"`
	ReturnURL      string          `json:"returnUrl,omitempty" validate:"omitempty,url"`
	CancelURL      string          `json:"cancelUrl,omitempty" validate:"omitempty,url"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty" validate:"omitempty,max=255"`
}

// Metadata is carried through to the provider and back without interpretation.
type Metadata map[string]string

// PaymentResult is the normalised view of a provider payment, intent or preference.
type PaymentResult struct {
	ExternalID       string           `json:"externalId"`
	Status           NormalizedStatus `json:"status"`
	Provider         string           `json:"provider"`
	Amount           decimal.Decimal  `json:"amount"`
	Currency         string           `json:"currency"`
	RequiresApproval bool             `json:"requiresApproval"`
	RequiresAction   bool             `json:"requiresAction"`
	RedirectURL      string           `json:"redirectUrl,omitempty"`
	AdditionalData   map[string]any   `json:"additionalData,omitempty"`
	// Reference is the merchant-side reference the provider echoes on
	// later notifications, when it has one.
	Reference string    `json:"reference,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// ConfirmationResult is returned by the second step of a payment lifecycle.
type ConfirmationResult struct {
	PaymentResult
	Confirmed bool `json:"confirmed"`
}

// WebhookRequest carries an inbound notification exactly as received. Body must be
// the raw, unparsed request payload; signature schemes hash these bytes.
type WebhookRequest struct {
	Headers http.Header
	Query   url.Values
	Body    []byte
}

// WebhookEvent is a notification whose authenticity has been established.
type WebhookEvent struct {
	Provider   string           `json:"provider"`
	Verified   bool             `json:"verified"`
	Type       string           `json:"type"`
	ExternalID string           `json:"externalId"`
	Status     NormalizedStatus `json:"status"`
	Amount     decimal.Decimal  `json:"amount"`
	Currency   string           `json:"currency"`
	Metadata   Metadata         `json:"metadata,omitempty"`
	// Reference links the event back to the checkout that produced it when
	// the provider reports under a different id (Mercado Pago's
	// external_reference).
	Reference  string    `json:"reference,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

func (r WebhookRequest) header(name string) string {
	if r.Headers == nil {
		return ""
	}
	return r.Headers.Get(name)
}
