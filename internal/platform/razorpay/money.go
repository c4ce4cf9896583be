package razorpay

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

// Currencies whose minor unit is not 1/100 of the major unit.
var currencyExponent = map[string]int32{
	"JPY": 0,
	"KRW": 0,
	"VND": 0,
	"BHD": 3,
	"KWD": 3,
	"OMR": 3,
}

func exponent(currency string) int32 {
	if e, ok := currencyExponent[strings.ToUpper(currency)]; ok {
		return e
	}
	return 2
}

// ToMinor converts a major-unit amount (rupees) to the gateway's integer
// minor units (paise), rounding half away from zero.
func ToMinor(amount decimal.Decimal, currency string) int64 {
	exp := exponent(currency)
	return amount.Shift(exp).Round(0).IntPart()
}

// ToMajor converts gateway minor units back to a major-unit amount.
func ToMajor(minor int64, currency string) decimal.Decimal {
	return decimal.New(minor, -exponent(currency))
}

// minorFromAny reads an amount field from a decoded gateway response. The
// SDK decodes JSON numbers as float64; int64 and json.Number appear when
// callers build the map themselves.
func minorFromAny(v interface{}) int64 {
	switch n := v.(type) {
	case float64:
		return decimal.NewFromFloat(n).Round(0).IntPart()
	case int64:
		return n
	case int:
		return int64(n)
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		if err != nil {
			return 0
		}
		return d.Round(0).IntPart()
	case string:
		d, err := decimal.NewFromString(n)
		if err != nil {
			return 0
		}
		return d.Round(0).IntPart()
	default:
		return 0
	}
}

func stringFrom(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}
