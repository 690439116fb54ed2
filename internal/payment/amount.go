package payment

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Amount is a monetary value in the currency's minor units.
type Amount int64

// currencyExponent maps ISO currencies to their minor-unit exponent.
// Currencies not listed use the common exponent of 2.
var currencyExponent = map[string]int{
	"BHD": 3,
	"JOD": 3,
	"KWD": 3,
	"OMR": 3,
	"JPY": 0,
	"KRW": 0,
	"VND": 0,
	"CLP": 0,
}

func exponent(currency string) int {
	if e, ok := currencyExponent[strings.ToUpper(currency)]; ok {
		return e
	}
	return 2
}

// MajorString renders the amount as a major-unit decimal string without any
// floating point involvement, e.g. 1050 minor USD -> "10.50".
func (a Amount) MajorString(currency string) string {
	exp := exponent(currency)
	if exp == 0 {
		return strconv.FormatInt(int64(a), 10)
	}

	negative := a < 0
	v := int64(a)
	if negative {
		v = -v
	}

	pow := int64(1)
	for i := 0; i < exp; i++ {
		pow *= 10
	}

	s := fmt.Sprintf("%d.%0*d", v/pow, exp, v%pow)
	if negative {
		return "-" + s
	}
	return s
}

// AmountFromMajorString parses a major-unit decimal string back into minor
// units, rejecting values with more precision than the currency allows.
func AmountFromMajorString(s, currency string) (Amount, error) {
	exp := exponent(currency)

	whole, frac, hasFrac := strings.Cut(strings.TrimSpace(s), ".")
	if hasFrac && len(frac) > exp {
		return 0, errors.Errorf("amount %q exceeds %s precision of %d decimal places", s, currency, exp)
	}

	negative := strings.HasPrefix(whole, "-")
	whole = strings.TrimPrefix(whole, "-")
	if whole == "" {
		whole = "0"
	}

	major, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid amount %q", s)
	}

	minor := int64(0)
	if hasFrac && frac != "" {
		padded := frac + strings.Repeat("0", exp-len(frac))
		minor, err = strconv.ParseInt(padded, 10, 64)
		if err != nil {
			return 0, errors.Wrapf(err, "invalid amount %q", s)
		}
	}

	pow := int64(1)
	for i := 0; i < exp; i++ {
		pow *= 10
	}

	total := major*pow + minor
	if negative {
		total = -total
	}
	return Amount(total), nil
}
