package payment

import "context"

// Provider registry keys.
const (
	ProviderStripe      = "stripe"
	ProviderPayPal      = "paypal"
	ProviderMercadoPago = "mercadopago"
)

// Strategy abstracts the lifecycle operations required from an upstream payment provider.
//
// HandleWebhook returns a nil event and a nil error when the notification is
// acknowledged without anything for the caller to act on.
type Strategy interface {
	Name() string
	CreatePayment(ctx context.Context, req PaymentRequest, md Metadata) (PaymentResult, error)
	ConfirmPayment(ctx context.Context, externalID string, data map[string]string) (ConfirmationResult, error)
	HandleWebhook(ctx context.Context, req WebhookRequest) (*WebhookEvent, error)
	GetPaymentStatus(ctx context.Context, externalID string) (PaymentResult, error)
}
