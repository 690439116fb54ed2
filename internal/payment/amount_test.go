package payment

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMajorString(t *testing.T) {
	tests := []struct {
		name     string
		amount   Amount
		currency string
		expected string
	}{
		{"two decimal currency", 1050, "USD", "10.50"},
		{"trailing zero kept", 1000, "EUR", "10.00"},
		{"sub-unit amount", 5, "USD", "0.05"},
		{"zero", 0, "USD", "0.00"},
		{"zero decimal currency", 1050, "JPY", "1050"},
		{"three decimal currency", 1050, "KWD", "1.050"},
		{"lowercase currency code", 1050, "usd", "10.50"},
		{"negative amount", -1050, "USD", "-10.50"},
		{"unknown currency defaults to two decimals", 1234, "XXX", "12.34"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.amount.MajorString(tt.currency))
		})
	}
}

func TestAmountFromMajorString(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		currency    string
		expected    Amount
		expectError bool
	}{
		{name: "two decimal currency", input: "10.50", currency: "USD", expected: 1050},
		{name: "no fraction", input: "10", currency: "USD", expected: 1000},
		{name: "short fraction padded", input: "10.5", currency: "USD", expected: 1050},
		{name: "zero decimal currency", input: "1050", currency: "JPY", expected: 1050},
		{name: "three decimal currency", input: "1.050", currency: "KWD", expected: 1050},
		{name: "negative amount", input: "-10.50", currency: "USD", expected: -1050},
		{name: "surrounding whitespace", input: " 10.50 ", currency: "USD", expected: 1050},
		{name: "excess precision rejected", input: "10.505", currency: "USD", expectError: true},
		{name: "fraction on zero decimal currency rejected", input: "10.5", currency: "JPY", expectError: true},
		{name: "garbage rejected", input: "ten", currency: "USD", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			amount, err := AmountFromMajorString(tt.input, tt.currency)
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.expected, amount)
		})
	}
}

func TestMajorStringRoundTrip(t *testing.T) {
	for _, currency := range []string{"USD", "JPY", "KWD"} {
		for _, amount := range []Amount{0, 1, 99, 100, 1050, 123456789} {
			parsed, err := AmountFromMajorString(amount.MajorString(currency), currency)
			assert.NoError(t, err)
			assert.Equal(t, amount, parsed, "currency %s amount %d", currency, amount)
		}
	}
}
