package subscription

import "cvminion/bursar/pkg/models"

// Tier describes a subscription tier's monthly credit allowance and price
type Tier struct {
	Name           string `json:"name"`
	MonthlyCredits int    `json:"monthly_credits"`
	PriceCents     int64  `json:"price_cents"`
}

// tiers is the fixed tier table. Prices are in USD cents.
var tiers = map[string]Tier{
	models.TierFree:       {Name: models.TierFree, MonthlyCredits: 3, PriceCents: 0},
	models.TierPro:        {Name: models.TierPro, MonthlyCredits: 30, PriceCents: 999},
	models.TierEnterprise: {Name: models.TierEnterprise, MonthlyCredits: 100, PriceCents: 2999},
}

// GetTier looks up a tier by name
func GetTier(name string) (Tier, bool) {
	t, ok := tiers[name]
	return t, ok
}

// MonthlyCredits returns the monthly credit allowance for a tier, or 0
// for unknown tiers.
func MonthlyCredits(tier string) int {
	return tiers[tier].MonthlyCredits
}
