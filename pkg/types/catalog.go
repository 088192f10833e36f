package types

// DurationType describes how a plan period is measured.
type DurationType string

const (
	DurationTypeMonthly DurationType = "monthly"
	DurationTypeYearly  DurationType = "yearly"
)

// PointPackage is a purchasable credit bundle from the catalog.
// Points plus BonusPoints is the batch grant size; ValidityDays bounds
// how long the granted credit stays spendable.
type PointPackage struct {
	ID           string `json:"id" mapstructure:"id"`
	Points       int64  `json:"points" mapstructure:"points"`
	BonusPoints  int64  `json:"bonus_points" mapstructure:"bonus_points"`
	Price        int64  `json:"price" mapstructure:"price"`
	Currency     string `json:"currency" mapstructure:"currency"`
	ValidityDays int    `json:"validity_days" mapstructure:"validity_days"`
	IsActive     bool   `json:"is_active" mapstructure:"is_active"`
}

// GrantedPoints returns the total credit a completed purchase of this
// package grants.
func (p *PointPackage) GrantedPoints() int64 {
	if p == nil {
		return 0
	}
	return p.Points + p.BonusPoints
}

// Plan is a subscription plan from the catalog. Points, when non-zero,
// is the credit bundled with the plan period.
type Plan struct {
	ID           string       `json:"id" mapstructure:"id"`
	Price        int64        `json:"price" mapstructure:"price"`
	Currency     string       `json:"currency" mapstructure:"currency"`
	Points       int64        `json:"points" mapstructure:"points"`
	DurationType DurationType `json:"duration_type" mapstructure:"duration_type"`
	DurationDays int          `json:"duration_days" mapstructure:"duration_days"`
	IsActive     bool         `json:"is_active" mapstructure:"is_active"`
}

// Usable reports whether the plan can back a new purchase or upgrade.
func (p *Plan) Usable() bool {
	return p != nil && p.IsActive
}
