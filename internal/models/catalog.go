package models

import "time"

// SeriesRef is one series membership record carried by a CatalogProduct.
// Sequence is absent when the catalog does not record a position; when
// present it is lexicographic (accommodates "1.5", "0", "Novella").
type SeriesRef struct {
	SeriesExternalID string  `json:"series_external_id"`
	SeriesTitle      string  `json:"series_title"`
	Sequence         *string `json:"sequence"`
}

// SubscriptionPlan is one subscription-plan record attached to a product.
type SubscriptionPlan struct {
	Name    string `json:"name"`
	EndDate string `json:"end_date,omitempty"`
}

// CatalogProduct is one book in the Catalog.
type CatalogProduct struct {
	ExternalID     string             `json:"external_id"`
	Title          string             `json:"title"`
	Authors        []string           `json:"authors"`
	Narrators      []string           `json:"narrators"`
	RuntimeMinutes int                `json:"runtime_minutes"`
	ReleaseDate    string             `json:"release_date,omitempty"`
	ListPrice      *float64           `json:"list_price"`
	SalePrice      *float64           `json:"sale_price"`
	Currency       string             `json:"currency,omitempty"`
	CreditPrice    *int               `json:"credit_price"`
	Subscriptions  []SubscriptionPlan `json:"subscriptions"`
	Codecs         []string           `json:"codecs"`
	CoverURLs      []string           `json:"cover_urls"`
	Series         []SeriesRef        `json:"series"`
	CatalogURL     string             `json:"catalog_url,omitempty"`
}

// PricingPriceType enumerates how an effective price was derived.
type PricingPriceType string

const (
	PriceTypeSale   PricingPriceType = "sale"
	PriceTypeMember PricingPriceType = "member"
	PriceTypeList   PricingPriceType = "list"
)

// PricingInfo is the parsed pricing view of a CatalogProduct.
type PricingInfo struct {
	ListPrice     *float64         `json:"list_price"`
	SalePrice     *float64         `json:"sale_price"`
	CreditPrice   *int             `json:"credit_price"`
	Currency      string           `json:"currency"`
	PriceType     PricingPriceType `json:"price_type"`
	IsMonthlyDeal bool             `json:"is_monthly_deal"`
}

// EffectivePrice returns SalePrice when present, else ListPrice.
func (p PricingInfo) EffectivePrice() *float64 {
	if p.SalePrice != nil {
		return p.SalePrice
	}
	return p.ListPrice
}

// DiscountPercent returns 1 - sale/list when both are defined.
func (p PricingInfo) DiscountPercent() *float64 {
	if p.ListPrice == nil || p.SalePrice == nil || *p.ListPrice <= 0 {
		return nil
	}
	d := 1 - (*p.SalePrice / *p.ListPrice)
	return &d
}

// IsGoodDeal reports whether the effective price is below threshold.
func (p PricingInfo) IsGoodDeal(threshold float64) bool {
	eff := p.EffectivePrice()
	return eff != nil && *eff < threshold
}

// SubscriptionInclusion describes whether a product is free under a
// subscription plan and when that inclusion expires, if ever.
type SubscriptionInclusion struct {
	IsIncludedFree bool       `json:"is_included_free"`
	PlanName       string     `json:"plan_name,omitempty"`
	ExpirationDate *time.Time `json:"expiration_date"`
}

// DaysUntilExpiration returns the whole days remaining until expiration,
// relative to now. Returns nil when there is no expiration (free forever).
func (s SubscriptionInclusion) DaysUntilExpiration(now time.Time) *int {
	if s.ExpirationDate == nil {
		return nil
	}
	days := int(s.ExpirationDate.Sub(now).Hours() / 24)
	return &days
}

// IsExpiringSoon reports whether the inclusion expires within 30 days.
func (s SubscriptionInclusion) IsExpiringSoon(now time.Time) bool {
	days := s.DaysUntilExpiration(now)
	return days != nil && *days > 0 && *days <= 30
}
