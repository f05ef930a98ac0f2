package domain

import "time"

const DefaultMinShelfDays = 10

// ShelfLifePolicy decides whether a batch is still far enough from expiry to sell.
type ShelfLifePolicy struct {
	MinDays int
	Now     func() time.Time
}

func NewShelfLifePolicy(minDays int) ShelfLifePolicy {
	if minDays < 0 {
		minDays = DefaultMinShelfDays
	}
	return ShelfLifePolicy{MinDays: minDays, Now: time.Now}
}

func (p ShelfLifePolicy) now() time.Time {
	if p.Now == nil {
		return time.Now()
	}
	return p.Now()
}

// DaysLeft is the fractional number of days from now until expiry.
func (p ShelfLifePolicy) DaysLeft(expiry time.Time) float64 {
	return expiry.Sub(p.now()).Hours() / 24
}

func (p ShelfLifePolicy) Sellable(expiry time.Time) bool {
	if expiry.IsZero() {
		return false
	}
	return p.DaysLeft(expiry) >= float64(p.MinDays)
}
