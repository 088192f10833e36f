package points

import "errors"

var (
	// ErrInvalidCost is returned when a spend is requested for zero or
	// negative credit.
	ErrInvalidCost = errors.New("spend cost must be positive")
	// ErrAdjustBelowZero is returned when an admin adjustment would push
	// available points negative.
	ErrAdjustBelowZero = errors.New("adjustment would make available points negative")
)
