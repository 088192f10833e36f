package subscription

import "go.uber.org/fx"

// Module exposes the subscription state machine via Fx.
var Module = fx.Options(
	fx.Provide(NewService),
)
