package payment

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Currencies whose smallest unit is the major unit.
var zeroDecimalCurrencies = map[string]struct{}{
	"bif": {}, "clp": {}, "djf": {}, "gnf": {}, "jpy": {}, "kmf": {}, "krw": {}, "mga": {},
	"pyg": {}, "rwf": {}, "ugx": {}, "vnd": {}, "vuv": {}, "xaf": {}, "xof": {}, "xpf": {},
}

func currencyExponent(currency string) int32 {
	if _, ok := zeroDecimalCurrencies[strings.ToLower(strings.TrimSpace(currency))]; ok {
		return 0
	}
	return 2
}

// toMinorUnits converts a major-unit amount into the provider's smallest unit.
func toMinorUnits(amount decimal.Decimal, currency string) (int64, error) {
	shifted := amount.Shift(currencyExponent(currency))
	if !shifted.IsInteger() {
		return 0, fmt.Errorf("%s supports at most %d decimal places", strings.ToUpper(currency), currencyExponent(currency))
	}
	if !shifted.BigInt().IsInt64() {
		return 0, fmt.Errorf("%s amount out of range", strings.ToUpper(currency))
	}
	return shifted.IntPart(), nil
}

// checkAmount rejects amounts a provider could only charge after rounding.
func checkAmount(provider string, req PaymentRequest) error {
	if _, err := toMinorUnits(req.Amount, req.Currency); err != nil {
		return &ValidationError{Provider: provider, Field: "amount", Reason: err.Error()}
	}
	return nil
}

func fromMinorUnits(value int64, currency string) decimal.Decimal {
	return decimal.New(value, -currencyExponent(currency))
}

// formatMajor renders amount with the currency's number of decimal places.
func formatMajor(amount decimal.Decimal, currency string) string {
	return amount.StringFixed(currencyExponent(currency))
}
