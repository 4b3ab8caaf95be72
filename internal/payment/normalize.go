package payment

import "strings"

// PaymentIntent statuses.
var stripeStatuses = map[string]NormalizedStatus{
	"requires_payment_method": StatusPending,
	"requires_confirmation":   StatusPending,
	"requires_action":         StatusPending,
	"requires_capture":        StatusPending,
	"processing":              StatusPending,
	"succeeded":               StatusCompleted,
	"canceled":                StatusCancelled,
	"payment_failed":          StatusFailed,
	"refunded":                StatusRefunded,
}

// Event types that carry their own outcome regardless of the object's status field.
var stripeEventStatuses = map[string]NormalizedStatus{
	"payment_intent.created":                   StatusPending,
	"payment_intent.processing":                StatusPending,
	"payment_intent.requires_action":           StatusPending,
	"payment_intent.amount_capturable_updated": StatusPending,
	"payment_intent.succeeded":                 StatusCompleted,
	"payment_intent.payment_failed":            StatusFailed,
	"payment_intent.canceled":                  StatusCancelled,
	"charge.refunded":                          StatusRefunded,
}

// Payment states (v1 Payments API) and the sale states nested inside them.
var payPalStatuses = map[string]NormalizedStatus{
	"created":            StatusPending,
	"pending":            StatusPending,
	"in_progress":        StatusPending,
	"approved":           StatusCompleted,
	"completed":          StatusCompleted,
	"failed":             StatusFailed,
	"denied":             StatusFailed,
	"canceled":           StatusCancelled,
	"cancelled":          StatusCancelled,
	"voided":             StatusCancelled,
	"expired":            StatusExpired,
	"refunded":           StatusRefunded,
	"partially_refunded": StatusRefunded,
	"reversed":           StatusRefunded,
}

var mercadoPagoStatuses = map[string]NormalizedStatus{
	"pending":      StatusPending,
	"authorized":   StatusPending,
	"in_process":   StatusPending,
	"in_mediation": StatusPending,
	"approved":     StatusCompleted,
	"rejected":     StatusFailed,
	"cancelled":    StatusCancelled,
	"refunded":     StatusRefunded,
	"charged_back": StatusRefunded,
	"expired":      StatusExpired,
}

var statusTables = map[string]map[string]NormalizedStatus{
	ProviderStripe:      stripeStatuses,
	ProviderPayPal:      payPalStatuses,
	ProviderMercadoPago: mercadoPagoStatuses,
}

// Normalize maps a provider-native status onto the shared vocabulary. Unknown
// providers and unmapped statuses yield StatusUnknown; it never fails.
func Normalize(provider, raw string) NormalizedStatus {
	table, ok := statusTables[normaliseLabel(provider)]
	if !ok {
		return StatusUnknown
	}
	return lookupStatus(table, raw)
}

// NativeStatuses returns the provider-native statuses known for provider.
func NativeStatuses(provider string) []string {
	table := statusTables[normaliseLabel(provider)]
	out := make([]string, 0, len(table))
	for k := range table {
		out = append(out, k)
	}
	return out
}

func lookupStatus(table map[string]NormalizedStatus, raw string) NormalizedStatus {
	if status, ok := table[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return status
	}
	return StatusUnknown
}

func normaliseLabel(value string) string {
	return strings.TrimSpace(strings.ToLower(value))
}
