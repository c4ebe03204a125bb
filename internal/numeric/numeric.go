// Package numeric provides decimal helpers for venue price and quantity strings.
package numeric

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Parse converts a decimal string into a decimal value.
// On failure or empty input it returns (decimal.Zero, false).
func Parse(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// Canonical renders a decimal string without exponent or trailing zeros.
// Invalid input is returned trimmed and unchanged.
func Canonical(s string) string {
	d, ok := Parse(s)
	if !ok {
		return strings.TrimSpace(s)
	}
	return d.String()
}

// DecimalString coerces an arbitrary scalar into its decimal string form.
func DecimalString(v any) (string, error) {
	switch val := v.(type) {
	case string:
		d, ok := Parse(val)
		if !ok {
			return "", fmt.Errorf("numeric: %q is not a decimal", val)
		}
		return d.String(), nil
	case decimal.Decimal:
		return val.String(), nil
	case float64:
		return decimal.NewFromFloat(val).String(), nil
	case float32:
		return decimal.NewFromFloat32(val).String(), nil
	case int:
		return strconv.Itoa(val), nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	case fmt.Stringer:
		return DecimalString(val.String())
	default:
		return "", fmt.Errorf("numeric: unsupported decimal value %T", v)
	}
}

// Integer coerces an arbitrary scalar into an int64, rejecting fractional values.
func Integer(v any) (int64, error) {
	switch val := v.(type) {
	case int:
		return int64(val), nil
	case int64:
		return val, nil
	case int32:
		return int64(val), nil
	case float64:
		if val != float64(int64(val)) {
			return 0, fmt.Errorf("numeric: %v is not an integer", val)
		}
		return int64(val), nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("numeric: %q is not an integer", val)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("numeric: unsupported integer value %T", v)
	}
}

// ScaleFromStep derives the effective fractional precision from a decimal "step" string.
func ScaleFromStep(step string) int {
	step = strings.TrimSpace(step)
	if step == "" {
		return 0
	}
	idx := strings.IndexByte(step, '.')
	if idx < 0 {
		return 0
	}
	frac := strings.TrimRight(step[idx+1:], "0")
	return len(frac)
}
