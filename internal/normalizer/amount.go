// internal/normalizer/amount.go
package normalizer

import (
	"errors"
	"strconv"
	"strings"
)

// Currencies without a minor unit.
var zeroDecimalCurrencies = map[string]bool{
	"BIF": true, "CLP": true, "DJF": true, "GNF": true, "HUF": true,
	"JPY": true, "KMF": true, "KRW": true, "MGA": true, "PYG": true,
	"RWF": true, "TWD": true, "UGX": true, "VND": true, "VUV": true,
	"XAF": true, "XOF": true, "XPF": true,
}

var errInvalidAmount = errors.New("invalid decimal amount")

// ToMinorUnits converts a decimal string such as "10.50" into integer minor
// units for the currency. Extra precision is rejected rather than rounded.
func ToMinorUnits(value, currency string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" || strings.HasPrefix(value, "-") || strings.HasPrefix(value, "+") {
		return 0, errInvalidAmount
	}

	digits := 2
	if zeroDecimalCurrencies[strings.ToUpper(currency)] {
		digits = 0
	}

	whole, frac, _ := strings.Cut(value, ".")
	if whole == "" {
		whole = "0"
	}
	frac = strings.TrimRight(frac, "0")
	if len(frac) > digits {
		return 0, errInvalidAmount
	}
	frac += strings.Repeat("0", digits-len(frac))

	n, err := strconv.ParseInt(whole+frac, 10, 64)
	if err != nil {
		return 0, errInvalidAmount
	}
	return n, nil
}
