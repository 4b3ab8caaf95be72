package payment_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/paygate/internal/payment"
)

func TestNormalizeCoversEveryNativeStatus(t *testing.T) {
	for _, provider := range []string{payment.ProviderStripe, payment.ProviderPayPal, payment.ProviderMercadoPago} {
		natives := payment.NativeStatuses(provider)
		require.NotEmpty(t, natives, provider)
		for _, raw := range natives {
			status := payment.Normalize(provider, raw)
			require.True(t, status.Valid(), "%s/%s", provider, raw)
			require.NotEqual(t, payment.StatusUnknown, status, "%s/%s", provider, raw)
		}
	}
}

func TestNormalizeKnownMappings(t *testing.T) {
	cases := []struct {
		provider string
		raw      string
		want     payment.NormalizedStatus
	}{
		{payment.ProviderStripe, "requires_payment_method", payment.StatusPending},
		{payment.ProviderStripe, "succeeded", payment.StatusCompleted},
		{payment.ProviderStripe, "canceled", payment.StatusCancelled},
		{payment.ProviderPayPal, "created", payment.StatusPending},
		{payment.ProviderPayPal, "approved", payment.StatusCompleted},
		{payment.ProviderPayPal, "denied", payment.StatusFailed},
		{payment.ProviderPayPal, "expired", payment.StatusExpired},
		{payment.ProviderMercadoPago, "in_process", payment.StatusPending},
		{payment.ProviderMercadoPago, "approved", payment.StatusCompleted},
		{payment.ProviderMercadoPago, "rejected", payment.StatusFailed},
		{payment.ProviderMercadoPago, "charged_back", payment.StatusRefunded},
		{"  Stripe ", " SUCCEEDED ", payment.StatusCompleted},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, payment.Normalize(tc.provider, tc.raw), "%s/%s", tc.provider, tc.raw)
	}
}

func TestNormalizeUnknown(t *testing.T) {
	require.Equal(t, payment.StatusUnknown, payment.Normalize(payment.ProviderStripe, "mystery"))
	require.Equal(t, payment.StatusUnknown, payment.Normalize(payment.ProviderPayPal, ""))
	require.Equal(t, payment.StatusUnknown, payment.Normalize("acme", "succeeded"))
	require.Empty(t, payment.NativeStatuses("acme"))
}

func TestStatusTerminal(t *testing.T) {
	require.False(t, payment.StatusPending.Terminal())
	require.False(t, payment.StatusUnknown.Terminal())
	for _, s := range []payment.NormalizedStatus{payment.StatusCompleted, payment.StatusFailed, payment.StatusCancelled, payment.StatusRefunded, payment.StatusExpired} {
		require.True(t, s.Terminal(), s)
	}
	require.False(t, payment.NormalizedStatus("paid").Valid())
}
