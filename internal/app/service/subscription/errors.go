package subscription

import "errors"

var (
	// ErrSubscriptionExists is returned when a create would give the
	// user a second concurrently-active subscription.
	ErrSubscriptionExists = errors.New("active subscription already exists")
	// ErrNotFound is returned when the referenced subscription row does
	// not exist.
	ErrNotFound = errors.New("subscription not found")
	// ErrNotActive is returned when a transition requires an active row.
	ErrNotActive = errors.New("subscription not active")
	// ErrUpgradeNotAllowed is returned when the target plan does not
	// strictly exceed the current plan's price.
	ErrUpgradeNotAllowed = errors.New("upgrade target plan price must exceed current plan price")
	// ErrInvariantViolation is returned when more than one active row is
	// found for a user. Automatic mutation halts for that user; the data
	// needs manual reconciliation, never a silent fix.
	ErrInvariantViolation = errors.New("more than one active subscription for user")
)
