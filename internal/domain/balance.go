package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Balance is the free and locked amount of one asset.
type Balance struct {
	Asset  string          `json:"asset"`
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
}

// NormalizeAsset returns the canonical map key for an asset symbol.
func NormalizeAsset(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}
