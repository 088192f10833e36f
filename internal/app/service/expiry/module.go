package expiry

import "go.uber.org/fx"

// Module exposes the expiry reconciler via Fx.
var Module = fx.Options(
	fx.Provide(New),
)
