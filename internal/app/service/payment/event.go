package payment

import (
	"time"

	"github.com/fatflowers/pointsledger/pkg/types"
)

// Event is the normalized gateway notification. EventID is the external
// idempotency key (checkout session or transaction identifier); the
// gateway may deliver the same event more than once and out of order.
type Event struct {
	Type    types.PaymentEventType `json:"type"`
	EventID string                 `json:"event_id"`
	UserID  string                 `json:"user_id"`

	// PackageID references the point package catalog (points_purchase).
	PackageID string `json:"package_id,omitempty"`
	// PlanID references the plan catalog (subscription events).
	PlanID string `json:"plan_id,omitempty"`

	// Amount is the settled price in minor currency units.
	Amount   int64  `json:"amount,omitempty"`
	Currency string `json:"currency,omitempty"`

	PeriodStart *time.Time `json:"period_start,omitempty"`
	PeriodEnd   *time.Time `json:"period_end,omitempty"`

	// Immediate marks a cancellation that terminates entitlement now
	// rather than at period end.
	Immediate bool `json:"immediate,omitempty"`

	EventTime time.Time `json:"event_time,omitempty"`
}

// periodFor resolves the subscription window: the gateway's explicit
// period when present, otherwise plan duration from the event time.
func periodFor(evt *Event, plan *types.Plan) (start, end time.Time) {
	start = evt.EventTime
	if evt.PeriodStart != nil {
		start = *evt.PeriodStart
	}
	if evt.PeriodEnd != nil {
		return start, *evt.PeriodEnd
	}
	switch plan.DurationType {
	case types.DurationTypeMonthly:
		return start, start.AddDate(0, 1, 0)
	case types.DurationTypeYearly:
		return start, start.AddDate(1, 0, 0)
	default:
		return start, start.AddDate(0, 0, plan.DurationDays)
	}
}

// ApplyReason classifies a non-applied outcome.
type ApplyReason string

const (
	ApplyReasonNone ApplyReason = ""
	// ApplyReasonDuplicate: the event id already produced its rows;
	// redelivery is success-no-op, never an error.
	ApplyReasonDuplicate ApplyReason = "duplicate"
	// ApplyReasonInvalidReference: unknown or inactive catalog
	// reference, or a policy violation; rejected without mutation.
	ApplyReasonInvalidReference ApplyReason = "invalid_reference"
	// ApplyReasonNoActiveSubscription: a cancellation arrived for a user
	// with nothing left to cancel.
	ApplyReasonNoActiveSubscription ApplyReason = "no_active_subscription"
	// ApplyReasonSubscriptionExists: a create collided with a live
	// subscription under a different event id.
	ApplyReasonSubscriptionExists ApplyReason = "subscription_exists"
)

type ApplyResult struct {
	Applied bool        `json:"applied"`
	Reason  ApplyReason `json:"reason,omitempty"`
}
