package postgres

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/coachpo/meltica-bybit/internal/numeric"
)

// numericFromString converts a required venue decimal string into a pgtype.Numeric.
func numericFromString(value string) (pgtype.Numeric, error) {
	if strings.TrimSpace(value) == "" {
		return pgtype.Numeric{}, fmt.Errorf("numeric value required")
	}
	return scanNumeric(value)
}

// numericFromOptional treats a nil or blank value as SQL NULL.
func numericFromOptional(ptr *string) (pgtype.Numeric, error) {
	if ptr == nil || strings.TrimSpace(*ptr) == "" {
		return pgtype.Numeric{}, nil
	}
	return scanNumeric(*ptr)
}

func scanNumeric(value string) (pgtype.Numeric, error) {
	var out pgtype.Numeric
	d, ok := numeric.Parse(value)
	if !ok {
		return out, fmt.Errorf("parse numeric %q", strings.TrimSpace(value))
	}
	if err := out.Scan(d.String()); err != nil {
		return out, fmt.Errorf("scan numeric %q: %w", d.String(), err)
	}
	return out, nil
}
