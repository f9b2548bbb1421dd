package territory

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	cellIDRE   = regexp.MustCompile(`^[0-9a-f]{8,32}$`)
	colorRE    = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)
	usernameRE = regexp.MustCompile(`^[\p{L}\p{N}_\-. ]{1,32}$`)
)

// ValidCellID accepts lowercase hex cell identifiers.
func ValidCellID(id string) bool {
	return cellIDRE.MatchString(id)
}

func ValidColor(c string) bool {
	return colorRE.MatchString(c)
}

func ValidUsername(name string) bool {
	return strings.TrimSpace(name) == name && usernameRE.MatchString(name)
}

// ValidStorage reports whether v is within [0, limit].
func ValidStorage(v, limit decimal.Decimal) bool {
	return !v.IsNegative() && !v.GreaterThan(limit)
}
